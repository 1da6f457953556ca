// Package modelerr defines the error taxonomy shared by the modeling packages.
//
// Components wrap these sentinels with context, so callers should match them
// with errors.Is rather than comparing error strings.
package modelerr

import "errors"

var (
	// ErrFit reports input that a model cannot be fit on at all.
	ErrFit = errors.New("fit failed")

	// ErrNotFitted reports an operation that needs a fitted model.
	ErrNotFitted = errors.New("model not fitted")

	// ErrInsufficientData reports too few samples or sequences to estimate parameters.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrShapeMismatch reports differing feature schemas between tables.
	ErrShapeMismatch = errors.New("feature shape mismatch")

	// ErrNotFound reports a missing or unreadable persisted artifact.
	ErrNotFound = errors.New("artifact not found")
)
