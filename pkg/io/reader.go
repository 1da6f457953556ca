// Package io provides traffic table readers for the supported input formats.
package io

import (
	"github.com/hed1ad/gotrafficml/pkg/frame"
)

// Reader is the interface for reading a feature table from a source.
type Reader interface {
	// Read returns the complete table. Rows keep source order.
	Read() (*frame.Table, error)

	// Close releases resources.
	Close() error
}

// TrafficReader reads feature tables split by flow group and direction.
type TrafficReader interface {
	// ReadTraffic returns one table per (group, direction) key.
	ReadTraffic() (frame.Traffic, error)

	// Close releases resources.
	Close() error
}

// FeatureExtractor extracts numerical features from raw records.
type FeatureExtractor interface {
	// FeatureNames returns the names of extracted features, in vector order.
	FeatureNames() []string
}

// SplitTraffic groups the rows of a labelled table into traffic tables keyed
// by table.Groups and directions, both parallel to table.Rows. A nil slice
// leaves the matching key field empty.
func SplitTraffic(table *frame.Table, directions []string) frame.Traffic {
	out := make(frame.Traffic)
	for i, row := range table.Rows {
		var key frame.Key
		if table.Groups != nil {
			key.Group = table.Groups[i]
		}
		if directions != nil {
			key.Direction = directions[i]
		}

		t, ok := out[key]
		if !ok {
			t = &frame.Table{Columns: append([]string(nil), table.Columns...)}
			out[key] = t
		}
		t.Rows = append(t.Rows, append([]float64(nil), row...))
	}
	return out
}
