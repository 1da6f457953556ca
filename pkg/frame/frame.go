// Package frame provides the tabular and sequence data types shared by the
// quantization, generation and evaluation packages.
package frame

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Common traffic directions relative to the observed endpoint.
const (
	DirectionFrom = "from"
	DirectionTo   = "to"
)

// Table is an ordered collection of numeric feature vectors, one per traffic unit.
type Table struct {
	// Columns names each feature, in row order.
	Columns []string
	// Rows holds one feature vector per traffic unit.
	Rows [][]float64
	// Groups optionally labels each row with a flow identifier.
	// When set it has the same length as Rows.
	Groups []string
}

// NewTable creates a table and validates its shape.
func NewTable(columns []string, rows [][]float64) (*Table, error) {
	t := &Table{Columns: columns, Rows: rows}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that the table is rectangular, has unique column names and
// contains only finite values.
func (t *Table) Validate() error {
	if len(t.Columns) == 0 {
		return errors.New("table has no columns")
	}

	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = struct{}{}
	}

	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(t.Columns))
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("row %d column %q is not finite", i, t.Columns[j])
			}
		}
	}

	if t.Groups != nil && len(t.Groups) != len(t.Rows) {
		return fmt.Errorf("groups has %d entries, want %d", len(t.Groups), len(t.Rows))
	}

	return nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the named column's values.
func (t *Table) Column(name string) ([]float64, error) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("unknown column %q", name)
	}
	return t.ColumnAt(idx), nil
}

// ColumnAt returns a copy of the values in column idx.
func (t *Table) ColumnAt(idx int) []float64 {
	values := make([]float64, len(t.Rows))
	for i, row := range t.Rows {
		values[i] = row[idx]
	}
	return values
}

// Slice returns rows [i, j) as a new table sharing no row storage with t.
func (t *Table) Slice(i, j int) *Table {
	out := &Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([][]float64, 0, j-i),
	}
	for _, row := range t.Rows[i:j] {
		out.Rows = append(out.Rows, append([]float64(nil), row...))
	}
	if t.Groups != nil {
		out.Groups = append([]string(nil), t.Groups[i:j]...)
	}
	return out
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	return t.Slice(0, len(t.Rows))
}

// SameSchema reports whether both tables carry the same set of column names.
// Column order is not significant.
func (t *Table) SameSchema(other *Table) bool {
	if len(t.Columns) != len(other.Columns) {
		return false
	}
	for _, c := range t.Columns {
		if other.ColumnIndex(c) < 0 {
			return false
		}
	}
	return true
}

// GroupBy splits the table into one table per group label, preserving row order.
// A table without group labels is returned under the empty label.
func (t *Table) GroupBy() map[string]*Table {
	out := make(map[string]*Table)
	if t.Groups == nil {
		out[""] = t.Clone()
		return out
	}

	for i, row := range t.Rows {
		g := t.Groups[i]
		sub, ok := out[g]
		if !ok {
			sub = &Table{Columns: append([]string(nil), t.Columns...), Groups: []string{}}
			out[g] = sub
		}
		sub.Rows = append(sub.Rows, append([]float64(nil), row...))
		sub.Groups = append(sub.Groups, g)
	}
	return out
}

// Sequence is an ordered sequence of discrete state labels.
type Sequence []int

// Validate checks that every label lies in [0, numStates).
func (s Sequence) Validate(numStates int) error {
	for i, v := range s {
		if v < 0 || v >= numStates {
			return fmt.Errorf("state %d at position %d outside [0, %d)", v, i, numStates)
		}
	}
	return nil
}

// Floats converts the labels to float64 values for distributional tests.
func (s Sequence) Floats() []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = float64(v)
	}
	return out
}

// Key identifies a traffic table by flow group and direction.
type Key struct {
	Group     string `json:"group" yaml:"group"`
	Direction string `json:"direction" yaml:"direction"`
}

func (k Key) String() string {
	if k.Direction == "" {
		return k.Group
	}
	return k.Group + "/" + k.Direction
}

// Traffic holds feature tables keyed by flow group and direction.
type Traffic map[Key]*Table

// Keys returns the traffic keys sorted by group then direction.
func (tr Traffic) Keys() []Key {
	keys := make([]Key, 0, len(tr))
	for k := range tr {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Group != keys[j].Group {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].Direction < keys[j].Direction
	})
	return keys
}

// MetricKey identifies a metric value by traffic key and feature name.
type MetricKey struct {
	Group     string `json:"group" yaml:"group"`
	Direction string `json:"direction" yaml:"direction"`
	Feature   string `json:"feature" yaml:"feature"`
}

// MetricKeyFor builds the metric key of a feature within a traffic table.
func MetricKeyFor(k Key, feature string) MetricKey {
	return MetricKey{Group: k.Group, Direction: k.Direction, Feature: feature}
}

func (k MetricKey) String() string {
	return Key{Group: k.Group, Direction: k.Direction}.String() + ":" + k.Feature
}
