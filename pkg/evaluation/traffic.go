package evaluation

import (
	"time"

	"github.com/hed1ad/gotrafficml/pkg/frame"
	"github.com/hed1ad/gotrafficml/pkg/stats"
)

// TrafficResult holds the comparison metrics of one traffic feature.
type TrafficResult struct {
	Key frame.MetricKey `json:"key" yaml:"key"`
	KL  float64         `json:"kl" yaml:"kl"`
	KS  stats.KSResult  `json:"ks" yaml:"ks"`
	QQR float64         `json:"qq_r" yaml:"qq_r"`
}

// TrafficReport is the result of CompareTraffic.
type TrafficReport struct {
	RunID     string          `json:"run_id" yaml:"run_id"`
	CreatedAt time.Time       `json:"created_at" yaml:"created_at"`
	Results   []TrafficResult `json:"results" yaml:"results"`
	// Missing lists real traffic keys without generated counterpart.
	Missing []frame.Key `json:"missing,omitempty" yaml:"missing,omitempty"`
}

// CompareTraffic compares every feature of every traffic key present in both
// real and generated. Results follow the sorted key order, then the real
// table's column order.
func CompareTraffic(real, generated frame.Traffic, opts Options) *TrafficReport {
	opts = opts.withDefaults()
	defer opts.startStage("compare_traffic")()

	shared := make(frame.Traffic)
	report := &TrafficReport{RunID: opts.RunID, CreatedAt: time.Now().UTC()}
	for _, key := range real.Keys() {
		if _, ok := generated[key]; !ok {
			report.Missing = append(report.Missing, key)
			continue
		}
		shared[key] = real[key]
	}
	if len(report.Missing) > 0 {
		opts.Logger.Warn("generated traffic lacks keys present in real traffic", "missing", len(report.Missing))
	}

	kl := opts.Comparator.GetKLDivergence(shared, generated)
	ks := opts.Comparator.GetKS2SampleTest(shared, generated)
	qq := opts.Comparator.GetQQRComparison(shared, generated)

	for _, key := range shared.Keys() {
		for _, feature := range shared[key].Columns {
			mk := frame.MetricKeyFor(key, feature)
			res := TrafficResult{Key: mk, KL: kl[mk], KS: ks[mk], QQR: qq[mk]}
			report.Results = append(report.Results, res)
			recordFidelity(opts.Metrics, mk, FeatureReport{Feature: feature, KL: res.KL, KS: res.KS, QQR: res.QQR})
		}
	}

	opts.Logger.Info("traffic comparison finished",
		"run_id", report.RunID,
		"keys", len(shared),
		"results", len(report.Results),
	)
	return report
}
