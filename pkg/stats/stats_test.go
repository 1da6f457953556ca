package stats

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/gotrafficml/pkg/frame"
)

func TestKLDivergence(t *testing.T) {
	c := New()
	normal := normalSample(2000, 0, 1, 1)

	tests := []struct {
		name  string
		a, b  []float64
		check func(t *testing.T, kl float64)
	}{
		{
			name: "identical samples",
			a:    normal,
			b:    normal,
			check: func(t *testing.T, kl float64) {
				assert.InDelta(t, 0.0, kl, 1e-12)
			},
		},
		{
			name: "same single point",
			a:    []float64{3, 3, 3},
			b:    []float64{3},
			check: func(t *testing.T, kl float64) {
				assert.Equal(t, 0.0, kl)
			},
		},
		{
			name: "disjoint supports stay finite",
			a:    []float64{0, 0.1, 0.2},
			b:    []float64{10, 10.1, 10.2},
			check: func(t *testing.T, kl float64) {
				assert.False(t, math.IsInf(kl, 0))
				assert.Greater(t, kl, 1.0)
			},
		},
		{
			name: "shifted normal",
			a:    normal,
			b:    normalSample(2000, 2, 1, 2),
			check: func(t *testing.T, kl float64) {
				assert.Greater(t, kl, 0.5)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, c.KLDivergence(tt.a, tt.b))
		})
	}
}

func TestKLDivergence_Ordering(t *testing.T) {
	c := New()
	a := normalSample(3000, 0, 1, 3)
	near := normalSample(3000, 0.2, 1, 4)
	far := normalSample(3000, 1.5, 1, 5)

	assert.Less(t, c.KLDivergence(a, near), c.KLDivergence(a, far))
}

func TestKLDivergence_DoesNotModifyInput(t *testing.T) {
	a := []float64{5, 1, 3}
	b := []float64{2, 4}
	New().KLDivergence(a, b)
	assert.Equal(t, []float64{5, 1, 3}, a)
	assert.Equal(t, []float64{2, 4}, b)
}

func TestKS2Sample(t *testing.T) {
	c := New()

	t.Run("identical samples", func(t *testing.T) {
		a := normalSample(500, 0, 1, 7)
		res := c.KS2Sample(a, a)
		assert.Equal(t, 0.0, res.Statistic)
		assert.InDelta(t, 1.0, res.PValue, 1e-9)
	})

	t.Run("clearly different", func(t *testing.T) {
		res := c.KS2Sample(normalSample(500, 0, 1, 8), normalSample(400, 1, 1, 9))
		assert.Greater(t, res.Statistic, 0.2)
		assert.Less(t, res.PValue, 1e-6)
	})

	t.Run("unequal sizes", func(t *testing.T) {
		res := c.KS2Sample([]float64{1, 2, 3, 4}, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
		assert.InDelta(t, 0.6, res.Statistic, 1e-12)
		assert.GreaterOrEqual(t, res.PValue, 0.0)
		assert.LessOrEqual(t, res.PValue, 1.0)
	})
}

func TestKS2Sample_FalseRejectionRate(t *testing.T) {
	c := New()
	rng := rand.New(rand.NewSource(2024))

	const trials = 200
	rejected := 0
	for i := 0; i < trials; i++ {
		a := make([]float64, 300)
		b := make([]float64, 300)
		for j := range a {
			a[j] = rng.NormFloat64()
			b[j] = rng.NormFloat64()
		}
		if c.KS2Sample(a, b).PValue < 0.05 {
			rejected++
		}
	}

	// About 5% expected under the null hypothesis.
	assert.Less(t, float64(rejected)/trials, 0.12)
}

func TestQQR(t *testing.T) {
	c := New()

	t.Run("identical samples", func(t *testing.T) {
		a := normalSample(400, 10, 3, 11)
		assert.InDelta(t, 1.0, c.QQR(a, a), 1e-12)
	})

	t.Run("affine transform", func(t *testing.T) {
		a := normalSample(400, 0, 1, 12)
		b := make([]float64, len(a))
		for i, v := range a {
			b[i] = 3*v + 7
		}
		assert.InDelta(t, 1.0, c.QQR(a, b), 1e-9)
	})

	t.Run("different shapes", func(t *testing.T) {
		rng := rand.New(rand.NewSource(13))
		a := normalSample(1000, 0, 1, 14)
		b := make([]float64, 1000)
		for i := range b {
			b[i] = rng.ExpFloat64()
		}
		r := c.QQR(a, b)
		assert.Less(t, r, 1.0)
		assert.Greater(t, r, 0.5)
	})

	t.Run("constant sample", func(t *testing.T) {
		assert.True(t, math.IsNaN(c.QQR([]float64{1, 1, 1}, []float64{1, 2, 3})))
	})
}

func TestUndefinedInputs(t *testing.T) {
	var hits []string
	c := New(WithNaNHook(func(metric string) { hits = append(hits, metric) }))

	assert.True(t, math.IsNaN(c.KLDivergence(nil, []float64{1})))
	res := c.KS2Sample([]float64{1}, nil)
	assert.True(t, math.IsNaN(res.Statistic))
	assert.True(t, math.IsNaN(res.PValue))
	assert.True(t, math.IsNaN(c.QQR([]float64{1}, []float64{1, 2})))

	assert.Equal(t, []string{"kl", "ks", "qq_r"}, hits)
}

func TestNew_InvalidOptionsFallBack(t *testing.T) {
	c := New(WithBins(0), WithEpsilon(-1), WithLogger(nil))
	assert.Equal(t, DefaultBins, c.bins)
	assert.Equal(t, DefaultEpsilon, c.epsilon)
	assert.NotNil(t, c.logger)
}

func TestCalcStats(t *testing.T) {
	c := New()

	t.Run("identical sequences", func(t *testing.T) {
		seq := frame.Sequence{0, 1, 2, 1, 0, 1, 2, 2, 0}
		s := c.CalcStats(seq, seq, 3)
		assert.Equal(t, 9, s.RealLength)
		assert.Equal(t, 3, s.RealDistinct)
		assert.Equal(t, 3, s.GeneratedDistinct)
		assert.Equal(t, 0, s.UnseenStates)
		assert.InDelta(t, 0.0, s.StateKL, 1e-12)
		assert.InDelta(t, 0.0, s.TransitionMAE, 1e-12)
		assert.Equal(t, 0.0, s.KS.Statistic)
	})

	t.Run("unseen states and differing lengths", func(t *testing.T) {
		real := frame.Sequence{0, 1, 0, 1}
		gen := frame.Sequence{0, 1, 2, 3, 3, 2}
		s := c.CalcStats(real, gen, 0)
		assert.Equal(t, 4, s.RealLength)
		assert.Equal(t, 6, s.GeneratedLength)
		assert.Equal(t, 2, s.RealDistinct)
		assert.Equal(t, 4, s.GeneratedDistinct)
		assert.Equal(t, 2, s.UnseenStates)
		assert.Greater(t, s.StateKL, 0.0)
		assert.Greater(t, s.TransitionMAE, 0.0)
	})

	t.Run("label outside alphabet", func(t *testing.T) {
		s := c.CalcStats(frame.Sequence{0, 5}, frame.Sequence{0, 1}, 3)
		assert.True(t, math.IsNaN(s.StateKL))
		assert.True(t, math.IsNaN(s.TransitionMAE))
		assert.True(t, math.IsNaN(s.KS.PValue))
	})

	t.Run("sparse labels in a huge alphabet", func(t *testing.T) {
		// Dense tables over a billion states could not be allocated.
		s := c.CalcStats(frame.Sequence{0, 99999, 0}, frame.Sequence{99999, 0}, 1_000_000_000)
		assert.Equal(t, 2, s.RealDistinct)
		assert.Equal(t, 2, s.GeneratedDistinct)
		assert.Equal(t, 0, s.UnseenStates)
		// Row 0 differs in one entry by 1; two observed rows over two states.
		assert.InDelta(t, 0.25, s.TransitionMAE, 1e-12)
	})

	t.Run("negative label without alphabet", func(t *testing.T) {
		s := c.CalcStats(frame.Sequence{0, -1}, frame.Sequence{0, 1}, 0)
		assert.True(t, math.IsNaN(s.StateKL))
	})

	t.Run("empty generated", func(t *testing.T) {
		s := c.CalcStats(frame.Sequence{0, 1}, frame.Sequence{}, 2)
		assert.True(t, math.IsNaN(s.StateKL))
		assert.True(t, math.IsNaN(s.KS.Statistic))
		assert.Equal(t, 2, s.RealDistinct)
	})
}

func TestTrafficComparisons(t *testing.T) {
	c := New()
	skypeFrom := frame.Key{Group: "skype", Direction: frame.DirectionFrom}
	skypeTo := frame.Key{Group: "skype", Direction: frame.DirectionTo}

	realTable := twoColumnTable(300, 21)
	real := frame.Traffic{
		skypeFrom: realTable,
		skypeTo:   twoColumnTable(300, 22),
	}
	swapped := &frame.Table{Columns: []string{"iat", "packet_size"}}
	for _, row := range realTable.Rows {
		swapped.Rows = append(swapped.Rows, []float64{row[1], row[0]})
	}
	generated := frame.Traffic{skypeFrom: swapped}

	kl := c.GetKLDivergence(real, generated)
	require.Len(t, kl, 4)
	assert.InDelta(t, 0.0, kl[frame.MetricKeyFor(skypeFrom, "packet_size")], 1e-12)
	assert.InDelta(t, 0.0, kl[frame.MetricKeyFor(skypeFrom, "iat")], 1e-12)
	assert.True(t, math.IsNaN(kl[frame.MetricKeyFor(skypeTo, "iat")]))

	ks := c.GetKS2SampleTest(real, generated)
	require.Len(t, ks, 4)
	assert.Equal(t, 0.0, ks[frame.MetricKeyFor(skypeFrom, "iat")].Statistic)
	assert.True(t, math.IsNaN(ks[frame.MetricKeyFor(skypeTo, "packet_size")].PValue))

	qq := c.GetQQRComparison(real, generated)
	require.Len(t, qq, 4)
	assert.InDelta(t, 1.0, qq[frame.MetricKeyFor(skypeFrom, "packet_size")], 1e-12)
}

func BenchmarkKLDivergence(b *testing.B) {
	c := New()
	x := normalSample(10000, 0, 1, 1)
	y := normalSample(10000, 0.5, 1, 2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.KLDivergence(x, y)
	}
}

func normalSample(n int, mu, sigma float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = mu + sigma*rng.NormFloat64()
	}
	return out
}

func twoColumnTable(n int, seed int64) *frame.Table {
	rng := rand.New(rand.NewSource(seed))
	table := &frame.Table{Columns: []string{"packet_size", "iat"}}
	for i := 0; i < n; i++ {
		table.Rows = append(table.Rows, []float64{
			400 + 120*rng.NormFloat64(),
			rng.ExpFloat64() * 0.05,
		})
	}
	return table
}
