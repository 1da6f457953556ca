// Package stats compares real and generated traffic distributions.
//
// All comparisons are pure: inputs are never modified. When a comparison is
// undefined for its inputs, for example because one sample is empty, the
// result is NaN and a warning is logged so a batch over many flow groups can
// still report everything else.
package stats

import (
	"io"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// DefaultBins is the number of histogram bins used for KL divergence.
	DefaultBins = 50
	// DefaultEpsilon is added to every histogram probability before
	// renormalization so KL divergence stays finite.
	DefaultEpsilon = 1e-10
)

// KSResult is the outcome of a two-sample Kolmogorov-Smirnov test.
type KSResult struct {
	Statistic float64 `json:"statistic" yaml:"statistic"`
	PValue    float64 `json:"p_value" yaml:"p_value"`
}

// Comparator computes distribution comparison statistics.
// It holds only configuration and is safe for concurrent use.
type Comparator struct {
	bins    int
	epsilon float64
	logger  *slog.Logger
	onNaN   func(metric string)
}

// Option configures a Comparator.
type Option func(*Comparator)

// WithBins sets the histogram bin count used for KL divergence.
func WithBins(n int) Option {
	return func(c *Comparator) {
		c.bins = n
	}
}

// WithEpsilon sets the KL smoothing constant.
func WithEpsilon(eps float64) Option {
	return func(c *Comparator) {
		c.epsilon = eps
	}
}

// WithLogger sets the logger that receives degenerate-input warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Comparator) {
		c.logger = l
	}
}

// WithNaNHook registers a callback invoked with the metric name whenever a
// comparison yields NaN.
func WithNaNHook(fn func(metric string)) Option {
	return func(c *Comparator) {
		c.onNaN = fn
	}
}

// New creates a comparator.
func New(opts ...Option) *Comparator {
	c := &Comparator{
		bins:    DefaultBins,
		epsilon: DefaultEpsilon,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bins < 1 {
		c.bins = DefaultBins
	}
	if c.epsilon <= 0 {
		c.epsilon = DefaultEpsilon
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

func (c *Comparator) undefined(metric, reason string, args ...any) float64 {
	c.logger.Warn("metric undefined, reporting NaN",
		append([]any{"metric", metric, "reason", reason}, args...)...)
	if c.onNaN != nil {
		c.onNaN(metric)
	}
	return math.NaN()
}

// KLDivergence returns D(A || B) between the empirical distributions of a and b.
//
// Both samples are binned on a shared equal-width histogram spanning their
// joint range. Every bin probability is smoothed by the comparator epsilon,
// so the result is finite even when B has empty bins where A does not.
func (c *Comparator) KLDivergence(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return c.undefined("kl", "empty sample", "len_a", len(a), "len_b", len(b))
	}

	lo := math.Min(floats.Min(a), floats.Min(b))
	hi := math.Max(floats.Max(a), floats.Max(b))
	if lo == hi {
		// Both samples are the same single point.
		return 0
	}

	dividers := floats.Span(make([]float64, c.bins+1), lo, hi)
	p := c.smooth(histogram(a, dividers))
	q := c.smooth(histogram(b, dividers))
	return stat.KullbackLeibler(p, q)
}

// histogram counts values into the bins delimited by dividers. The last bin
// is closed on the right.
func histogram(values, dividers []float64) []float64 {
	bins := len(dividers) - 1
	inner := dividers[1:bins]
	counts := make([]float64, bins)
	for _, v := range values {
		counts[sort.Search(len(inner), func(i int) bool { return inner[i] > v })]++
	}
	return counts
}

// smooth converts counts to probabilities with epsilon smoothing.
func (c *Comparator) smooth(counts []float64) []float64 {
	total := floats.Sum(counts)
	p := make([]float64, len(counts))
	for i, n := range counts {
		p[i] = n/total + c.epsilon
	}
	floats.Scale(1/floats.Sum(p), p)
	return p
}

// KS2Sample runs the two-sample Kolmogorov-Smirnov test. Samples may differ
// in size. The p-value uses the asymptotic Kolmogorov distribution with
// Stephens' finite-sample correction.
func (c *Comparator) KS2Sample(a, b []float64) KSResult {
	if len(a) == 0 || len(b) == 0 {
		nan := c.undefined("ks", "empty sample", "len_a", len(a), "len_b", len(b))
		return KSResult{Statistic: nan, PValue: nan}
	}

	x := sortedCopy(a)
	y := sortedCopy(b)
	d := stat.KolmogorovSmirnov(x, nil, y, nil)

	n, m := float64(len(x)), float64(len(y))
	en := math.Sqrt(n * m / (n + m))
	return KSResult{
		Statistic: d,
		PValue:    kolmogorovQ((en + 0.12 + 0.11/en) * d),
	}
}

// kolmogorovQ is the complementary CDF of the Kolmogorov distribution,
// Q(l) = 2 * sum_{j>=1} (-1)^(j-1) exp(-2 j^2 l^2).
func kolmogorovQ(lambda float64) float64 {
	const (
		eps1 = 1e-3
		eps2 = 1e-8
	)

	a2 := -2 * lambda * lambda
	fac := 2.0
	var sum, prev float64
	for j := 1; j <= 100; j++ {
		term := fac * math.Exp(a2*float64(j*j))
		sum += term
		if math.Abs(term) <= eps1*prev || math.Abs(term) <= eps2*sum {
			return math.Min(math.Max(sum, 0), 1)
		}
		fac = -fac
		prev = math.Abs(term)
	}
	// The series only fails to converge for tiny lambda, where Q is 1.
	return 1
}

// QQR returns the Pearson correlation between matched quantiles of a and b,
// a proxy for how well a linear fit of the QQ plot would describe them.
// The quantile count equals the smaller sample size.
func (c *Comparator) QQR(a, b []float64) float64 {
	k := min(len(a), len(b))
	if k < 2 {
		return c.undefined("qq_r", "fewer than two samples", "len_a", len(a), "len_b", len(b))
	}

	x := sortedCopy(a)
	y := sortedCopy(b)
	qa := make([]float64, k)
	qb := make([]float64, k)
	for i := 0; i < k; i++ {
		p := (float64(i) + 0.5) / float64(k)
		qa[i] = stat.Quantile(p, stat.Empirical, x, nil)
		qb[i] = stat.Quantile(p, stat.Empirical, y, nil)
	}

	if floats.Min(qa) == floats.Max(qa) || floats.Min(qb) == floats.Max(qb) {
		return c.undefined("qq_r", "constant quantiles")
	}
	return stat.Correlation(qa, qb, nil)
}

func sortedCopy(v []float64) []float64 {
	out := append([]float64(nil), v...)
	sort.Float64s(out)
	return out
}
