// Package dataset prepares feature tables and state sequences for training
// and evaluating sequence generators.
package dataset

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/gotrafficml/pkg/frame"
	trafficio "github.com/hed1ad/gotrafficml/pkg/io"
	"github.com/hed1ad/gotrafficml/pkg/modelerr"
	"github.com/hed1ad/gotrafficml/pkg/quantizer"
)

// DefaultSplitSize is the number of leading rows used for training.
const DefaultSplitSize = 10_000

// LoadTrainTest reads a table and splits it with Split.
func LoadTrainTest(r trafficio.Reader, splitSize int) (train, test *frame.Table, err error) {
	table, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read dataset: %w", err)
	}
	return Split(table, splitSize)
}

// Split returns the first splitSize rows as train and the remainder as test.
// Row order is preserved, so the split is deterministic. A splitSize larger
// than the table returns modelerr.ErrInsufficientData.
func Split(table *frame.Table, splitSize int) (train, test *frame.Table, err error) {
	if table == nil {
		return nil, nil, fmt.Errorf("%w: nil table", modelerr.ErrInsufficientData)
	}
	if splitSize < 0 {
		return nil, nil, fmt.Errorf("split size must be >= 0, got %d", splitSize)
	}
	if splitSize > table.Len() {
		return nil, nil, fmt.Errorf("%w: split size %d exceeds %d rows",
			modelerr.ErrInsufficientData, splitSize, table.Len())
	}
	return table.Slice(0, splitSize), table.Slice(splitSize, table.Len()), nil
}

// Shuffle returns a copy of table with rows in a seeded random order.
// Group labels move with their rows.
func Shuffle(table *frame.Table, seed int64) *frame.Table {
	out := table.Clone()
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out.Rows), func(i, j int) {
		out.Rows[i], out.Rows[j] = out.Rows[j], out.Rows[i]
		if out.Groups != nil {
			out.Groups[i], out.Groups[j] = out.Groups[j], out.Groups[i]
		}
	})
	return out
}

// Quantize transforms train and test with the same fitted quantizer.
// The quantizer is never refit on either table.
func Quantize(q *quantizer.Quantizer, train, test *frame.Table) (trainSeq, testSeq frame.Sequence, err error) {
	if trainSeq, err = q.Transform(train); err != nil {
		return nil, nil, fmt.Errorf("quantize train: %w", err)
	}
	if testSeq, err = q.Transform(test); err != nil {
		return nil, nil, fmt.Errorf("quantize test: %w", err)
	}
	return trainSeq, testSeq, nil
}

// QuantizeGroups transforms table into one state sequence per group label,
// in sorted label order, so no transition spans two flows. Row order within a
// group is preserved. A table without group labels yields one sequence.
func QuantizeGroups(q *quantizer.Quantizer, table *frame.Table) ([]frame.Sequence, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: nil table", modelerr.ErrInsufficientData)
	}
	if table.Groups == nil {
		seq, err := q.Transform(table)
		if err != nil {
			return nil, err
		}
		return []frame.Sequence{seq}, nil
	}

	groups := table.GroupBy()
	labels := make([]string, 0, len(groups))
	for g := range groups {
		labels = append(labels, g)
	}
	sort.Strings(labels)

	seqs := make([]frame.Sequence, 0, len(labels))
	for _, g := range labels {
		seq, err := q.Transform(groups[g])
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g, err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// ClipPercentiles drops every row with a feature outside that feature's
// [lo, hi] percentile band, computed over the whole table. Percentiles are
// given in [0, 100].
func ClipPercentiles(table *frame.Table, lo, hi float64) (*frame.Table, error) {
	if lo < 0 || hi > 100 || lo >= hi {
		return nil, fmt.Errorf("invalid percentile band [%v, %v]", lo, hi)
	}
	if table.Len() == 0 {
		return table.Clone(), nil
	}

	lower := make([]float64, len(table.Columns))
	upper := make([]float64, len(table.Columns))
	for i := range table.Columns {
		values := table.ColumnAt(i)
		sort.Float64s(values)
		lower[i] = stat.Quantile(lo/100, stat.Empirical, values, nil)
		upper[i] = stat.Quantile(hi/100, stat.Empirical, values, nil)
	}

	out := &frame.Table{Columns: append([]string(nil), table.Columns...)}
	if table.Groups != nil {
		out.Groups = []string{}
	}
	for r, row := range table.Rows {
		keep := true
		for i, v := range row {
			if v < lower[i] || v > upper[i] {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		out.Rows = append(out.Rows, append([]float64(nil), row...))
		if table.Groups != nil {
			out.Groups = append(out.Groups, table.Groups[r])
		}
	}
	return out, nil
}

// FilterTraffic drops every traffic key with fewer than minSamples rows.
// The input is not modified.
func FilterTraffic(traffic frame.Traffic, minSamples int, logger *slog.Logger) frame.Traffic {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	out := make(frame.Traffic, len(traffic))
	for _, key := range traffic.Keys() {
		t := traffic[key]
		if t == nil || t.Len() < minSamples {
			n := 0
			if t != nil {
				n = t.Len()
			}
			logger.Info("dropping traffic with too few samples",
				"key", key.String(), "samples", n, "min_samples", minSamples)
			continue
		}
		out[key] = t
	}
	return out
}

// ClipTraffic applies ClipPercentiles to every table of traffic.
func ClipTraffic(traffic frame.Traffic, lo, hi float64) (frame.Traffic, error) {
	out := make(frame.Traffic, len(traffic))
	for _, key := range traffic.Keys() {
		clipped, err := ClipPercentiles(traffic[key], lo, hi)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = clipped
	}
	return out, nil
}
