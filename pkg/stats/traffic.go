package stats

import (
	"github.com/hed1ad/gotrafficml/pkg/frame"
)

// GetKLDivergence computes D(real || generated) for every feature of every
// traffic key present in real.
func (c *Comparator) GetKLDivergence(real, generated frame.Traffic) map[frame.MetricKey]float64 {
	return compareTraffic(c, real, generated, c.KLDivergence, func(nan float64) float64 { return nan })
}

// GetKS2SampleTest runs the two-sample KS test for every feature of every
// traffic key present in real.
func (c *Comparator) GetKS2SampleTest(real, generated frame.Traffic) map[frame.MetricKey]KSResult {
	return compareTraffic(c, real, generated, c.KS2Sample, func(nan float64) KSResult {
		return KSResult{Statistic: nan, PValue: nan}
	})
}

// GetQQRComparison computes the QQ correlation for every feature of every
// traffic key present in real.
func (c *Comparator) GetQQRComparison(real, generated frame.Traffic) map[frame.MetricKey]float64 {
	return compareTraffic(c, real, generated, c.QQR, func(nan float64) float64 { return nan })
}

// compareTraffic applies fn to matching feature columns. A key or feature
// missing from generated yields the NaN sentinel built by undefined.
func compareTraffic[T any](
	c *Comparator,
	real, generated frame.Traffic,
	fn func(a, b []float64) T,
	undefined func(nan float64) T,
) map[frame.MetricKey]T {
	out := make(map[frame.MetricKey]T)

	for _, key := range real.Keys() {
		realTable := real[key]
		genTable, ok := generated[key]

		for i, feature := range realTable.Columns {
			mk := frame.MetricKeyFor(key, feature)

			if !ok || genTable == nil {
				out[mk] = undefined(c.undefined("traffic", "generated traffic missing key", "key", key.String()))
				continue
			}

			idx := genTable.ColumnIndex(feature)
			if idx < 0 {
				out[mk] = undefined(c.undefined("traffic", "generated traffic missing feature", "key", mk.String()))
				continue
			}

			out[mk] = fn(realTable.ColumnAt(i), genTable.ColumnAt(idx))
		}
	}

	return out
}
