// Package quantizer maps continuous traffic features to a finite alphabet of
// discrete states using a Gaussian-informed binning of each feature.
//
// Each feature column is modelled as N(mu, sigma). Bin edges are the fitted
// normal's quantiles at k/NumBins, restricted to the observed value range, so
// every bin covers a contiguous, roughly equal-probability region. A bin's
// representative value is the mean of the training values it holds.
//
// Per-feature bin indices are combined into one joint state with a
// mixed-radix encoding, first feature most significant, which makes the
// encoding invertible. A fitted Quantizer is immutable and safe for concurrent
// reads.
package quantizer

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/hed1ad/gotrafficml/pkg/frame"
	"github.com/hed1ad/gotrafficml/pkg/modelerr"
)

// maxStates bounds the joint state space so state labels fit in an int on every platform.
const maxStates = math.MaxInt32

// Config controls quantizer fitting.
type Config struct {
	// NumBins is the default number of bins per feature.
	NumBins int
	// PerFeature overrides NumBins for individual features.
	PerFeature map[string]int
	// Logger receives fallback warnings. Nil discards them.
	Logger *slog.Logger
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{NumBins: 10}
}

func (c Config) binsFor(feature string) int {
	if n, ok := c.PerFeature[feature]; ok {
		return n
	}
	return c.NumBins
}

// Feature is the fitted discretization rule of one column.
type Feature struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	// Edges holds Bins()+1 increasing bin boundaries. The outer edges are the
	// observed minimum and maximum of the training values.
	Edges []float64 `json:"edges"`
	// Representatives holds the continuous value restored for each bin.
	Representatives []float64 `json:"representatives"`
}

// Bins returns the number of bins.
func (f Feature) Bins() int {
	return len(f.Representatives)
}

// Bin returns the bin index of x. Values outside the fitted range are
// clamped to the first or last bin.
func (f Feature) Bin(x float64) int {
	inner := f.Edges[1 : len(f.Edges)-1]
	return sort.Search(len(inner), func(i int) bool { return inner[i] > x })
}

// Range returns the lower and upper edge of bin b.
func (f Feature) Range(b int) (float64, float64) {
	return f.Edges[b], f.Edges[b+1]
}

// Quantizer converts feature tables to state sequences and back.
type Quantizer struct {
	features  []Feature
	strides   []int
	numStates int
}

// Fit derives one discretization rule per column of table.
//
// A column with zero variance gets a single bin and a logged warning instead
// of failing the whole fit. Fit returns modelerr.ErrFit when the table is empty,
// has no columns, contains non-finite values or a bin count below one is configured.
func Fit(table *frame.Table, cfg Config) (*Quantizer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if table == nil || table.Len() == 0 {
		return nil, fmt.Errorf("%w: empty feature table", modelerr.ErrFit)
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", modelerr.ErrFit, err)
	}

	features := make([]Feature, len(table.Columns))
	for i, name := range table.Columns {
		numBins := cfg.binsFor(name)
		if numBins < 1 {
			return nil, fmt.Errorf("%w: feature %q: bins must be >= 1, got %d", modelerr.ErrFit, name, numBins)
		}

		f, degenerate := fitFeature(name, table.ColumnAt(i), numBins)
		if degenerate {
			logger.Warn("degenerate feature, using single bin",
				"feature", name,
				"value", f.Mean,
			)
		} else if f.Bins() < numBins {
			logger.Debug("merged empty gaussian bins",
				"feature", name,
				"requested", numBins,
				"bins", f.Bins(),
			)
		}
		features[i] = f
	}

	q, err := newQuantizer(features)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", modelerr.ErrFit, err)
	}

	logger.Info("quantizer fitted",
		"features", len(features),
		"states", q.numStates,
		"rows", table.Len(),
	)
	return q, nil
}

// fitFeature fits the Gaussian binning of a single column. It reports whether
// the column was degenerate and fell back to a single bin.
func fitFeature(name string, values []float64, numBins int) (Feature, bool) {
	lo, hi := floats.Min(values), floats.Max(values)

	if len(values) < 2 || lo == hi {
		return Feature{
			Name:            name,
			Mean:            lo,
			Edges:           []float64{lo, hi},
			Representatives: []float64{lo},
		}, true
	}

	mean, std := stat.MeanStdDev(values, nil)
	dist := distuv.Normal{Mu: mean, Sigma: std}

	edges := []float64{lo}
	for k := 1; k < numBins; k++ {
		e := dist.Quantile(float64(k) / float64(numBins))
		// Quantiles outside the observed range would only produce empty bins.
		if e <= edges[len(edges)-1] || e >= hi {
			continue
		}
		edges = append(edges, e)
	}
	edges = append(edges, hi)

	f := Feature{
		Name:   name,
		Mean:   mean,
		StdDev: std,
		Edges:  edges,
	}

	bins := len(edges) - 1
	sums := make([]float64, bins)
	counts := make([]int, bins)
	for _, v := range values {
		b := f.Bin(v)
		sums[b] += v
		counts[b]++
	}

	f.Representatives = make([]float64, bins)
	for b := range f.Representatives {
		lower, upper := f.Range(b)
		if counts[b] > 0 {
			m := sums[b] / float64(counts[b])
			f.Representatives[b] = math.Min(math.Max(m, lower), upper)
		} else {
			f.Representatives[b] = truncatedNormalMean(mean, std, lower, upper)
		}
	}

	return f, false
}

// truncatedNormalMean returns E[X | lower <= X <= upper] for X ~ N(mu, sigma),
// clamped into the interval.
func truncatedNormalMean(mu, sigma, lower, upper float64) float64 {
	a := (lower - mu) / sigma
	b := (upper - mu) / sigma
	z := distuv.UnitNormal.CDF(b) - distuv.UnitNormal.CDF(a)
	if z < 1e-12 {
		return (lower + upper) / 2
	}
	m := mu + sigma*(distuv.UnitNormal.Prob(a)-distuv.UnitNormal.Prob(b))/z
	return math.Min(math.Max(m, lower), upper)
}

func newQuantizer(features []Feature) (*Quantizer, error) {
	if len(features) == 0 {
		return nil, fmt.Errorf("no features")
	}

	seen := make(map[string]struct{}, len(features))
	for _, f := range features {
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("duplicate feature %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}

	strides := make([]int, len(features))
	numStates := 1
	for i := len(features) - 1; i >= 0; i-- {
		if err := validateFeature(features[i]); err != nil {
			return nil, err
		}
		strides[i] = numStates
		numStates *= features[i].Bins()
		if numStates > maxStates {
			return nil, fmt.Errorf("joint state space exceeds %d states", maxStates)
		}
	}

	return &Quantizer{
		features:  features,
		strides:   strides,
		numStates: numStates,
	}, nil
}

func validateFeature(f Feature) error {
	if f.Name == "" {
		return fmt.Errorf("feature without name")
	}
	bins := f.Bins()
	if bins < 1 {
		return fmt.Errorf("feature %q has no bins", f.Name)
	}
	if len(f.Edges) != bins+1 {
		return fmt.Errorf("feature %q has %d edges for %d bins", f.Name, len(f.Edges), bins)
	}
	for i := 1; i < len(f.Edges); i++ {
		if !(f.Edges[i] >= f.Edges[i-1]) {
			return fmt.Errorf("feature %q edges are not monotone", f.Name)
		}
	}
	for b, r := range f.Representatives {
		lower, upper := f.Range(b)
		if !(r >= lower && r <= upper) {
			return fmt.Errorf("feature %q representative %d outside its bin", f.Name, b)
		}
	}
	return nil
}

// NumStates returns the size of the joint state alphabet.
func (q *Quantizer) NumStates() int {
	return q.numStates
}

// Features returns a copy of the fitted per-feature rules.
func (q *Quantizer) Features() []Feature {
	out := make([]Feature, len(q.features))
	for i, f := range q.features {
		out[i] = Feature{
			Name:            f.Name,
			Mean:            f.Mean,
			StdDev:          f.StdDev,
			Edges:           append([]float64(nil), f.Edges...),
			Representatives: append([]float64(nil), f.Representatives...),
		}
	}
	return out
}

// FeatureNames returns the fitted column names in encoding order.
func (q *Quantizer) FeatureNames() []string {
	names := make([]string, len(q.features))
	for i, f := range q.features {
		names[i] = f.Name
	}
	return names
}

// Encode combines per-feature bin indices into a joint state.
func (q *Quantizer) Encode(bins []int) (int, error) {
	if len(bins) != len(q.features) {
		return 0, fmt.Errorf("%w: got %d bin indices, want %d", modelerr.ErrShapeMismatch, len(bins), len(q.features))
	}
	state := 0
	for i, b := range bins {
		if b < 0 || b >= q.features[i].Bins() {
			return 0, fmt.Errorf("bin %d of feature %q outside [0, %d)", b, q.features[i].Name, q.features[i].Bins())
		}
		state += b * q.strides[i]
	}
	return state, nil
}

// Decode splits a joint state into per-feature bin indices.
func (q *Quantizer) Decode(state int) ([]int, error) {
	if state < 0 || state >= q.numStates {
		return nil, fmt.Errorf("state %d outside [0, %d)", state, q.numStates)
	}
	bins := make([]int, len(q.features))
	for i := range q.features {
		bins[i] = state / q.strides[i]
		state %= q.strides[i]
	}
	return bins, nil
}

// Transform maps each row of table to its joint state. The table must carry
// exactly the fitted feature columns, in any order, and only finite values.
func (q *Quantizer) Transform(table *frame.Table) (frame.Sequence, error) {
	idx, err := q.columnIndexes(table)
	if err != nil {
		return nil, err
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid table: %w", err)
	}

	seq := make(frame.Sequence, table.Len())
	for r, row := range table.Rows {
		state := 0
		for i, f := range q.features {
			state += f.Bin(row[idx[i]]) * q.strides[i]
		}
		seq[r] = state
	}
	return seq, nil
}

func (q *Quantizer) columnIndexes(table *frame.Table) ([]int, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: nil table", modelerr.ErrShapeMismatch)
	}
	if len(table.Columns) != len(q.features) {
		return nil, fmt.Errorf("%w: table has columns %v, quantizer expects %v",
			modelerr.ErrShapeMismatch, table.Columns, q.FeatureNames())
	}

	idx := make([]int, len(q.features))
	for i, f := range q.features {
		idx[i] = table.ColumnIndex(f.Name)
		if idx[i] < 0 {
			return nil, fmt.Errorf("%w: missing column %q", modelerr.ErrShapeMismatch, f.Name)
		}
	}
	return idx, nil
}

// InverseTransform maps each state back to the representative value of its
// bins. The reconstruction is lossy by construction.
func (q *Quantizer) InverseTransform(seq frame.Sequence) (*frame.Table, error) {
	if err := seq.Validate(q.numStates); err != nil {
		return nil, err
	}

	table := &frame.Table{
		Columns: q.FeatureNames(),
		Rows:    make([][]float64, len(seq)),
	}
	for r, state := range seq {
		row := make([]float64, len(q.features))
		for i, f := range q.features {
			b := state / q.strides[i]
			state %= q.strides[i]
			row[i] = f.Representatives[b]
		}
		table.Rows[r] = row
	}
	return table, nil
}
