// Package store provides storage backends for trained model artifacts.
package store

import (
	"context"
	"fmt"
)

// Store persists opaque artifact payloads under a name.
type Store interface {
	// Put stores data under name, replacing any existing artifact.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the artifact stored under name.
	// found is false when no artifact exists; err is reserved for backend failures.
	Get(ctx context.Context, name string) (data []byte, found bool, err error)
}

// ValidateName rejects artifact names that could escape a namespace or path.
// Names may contain alphanumerics, hyphens, underscores and dots, and may not
// start with a dot.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("artifact name required")
	}
	if name[0] == '.' {
		return fmt.Errorf("invalid artifact name %q: must not start with a dot", name)
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.') {
			return fmt.Errorf("invalid artifact name %q: only alphanumeric, hyphens, underscores and dots allowed", name)
		}
	}
	return nil
}
