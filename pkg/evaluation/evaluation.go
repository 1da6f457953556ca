// Package evaluation restores generated state sequences to feature space and
// scores their fidelity against real traffic.
package evaluation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/gotrafficml/pkg/detectors/iforest"
	"github.com/hed1ad/gotrafficml/pkg/frame"
	"github.com/hed1ad/gotrafficml/pkg/modelerr"
	"github.com/hed1ad/gotrafficml/pkg/quantizer"
	"github.com/hed1ad/gotrafficml/pkg/stats"
	"github.com/hed1ad/gotrafficml/pkg/telemetry"
)

// Options configures an evaluation run. The zero value is usable.
type Options struct {
	// RunID labels the report; a random UUID is used when empty.
	RunID string
	// Comparator computes the distribution metrics; built from Logger and
	// Metrics when nil.
	Comparator *stats.Comparator
	// Forest, when set, is fit on the real rows and scores the restored rows.
	Forest *iforest.IsolationForest
	// Logger receives progress and warnings; discarded when nil.
	Logger *slog.Logger
	// Metrics, when set, records stage timings and fidelity values.
	Metrics *telemetry.Metrics
}

func (o Options) withDefaults() Options {
	if o.RunID == "" {
		o.RunID = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Comparator == nil {
		copts := []stats.Option{stats.WithLogger(o.Logger)}
		if o.Metrics != nil {
			copts = append(copts, stats.WithNaNHook(o.Metrics.RecordUndefined))
		}
		o.Comparator = stats.New(copts...)
	}
	return o
}

func (o Options) startStage(stage string) func() {
	if o.Metrics == nil {
		return func() {}
	}
	return o.Metrics.StartStage(stage)
}

// FeatureReport compares one restored feature with its real counterpart.
type FeatureReport struct {
	Feature string         `json:"feature" yaml:"feature"`
	KL      float64        `json:"kl" yaml:"kl"`
	KS      stats.KSResult `json:"ks" yaml:"ks"`
	QQR     float64        `json:"qq_r" yaml:"qq_r"`
	// MAE is the positional mean absolute error, set only when the restored
	// and real tables have the same length.
	MAE *float64 `json:"mae,omitempty" yaml:"mae,omitempty"`
}

// Report is the result of an evaluation run.
type Report struct {
	RunID         string    `json:"run_id" yaml:"run_id"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	Model         string    `json:"model,omitempty" yaml:"model,omitempty"`
	RealRows      int       `json:"real_rows" yaml:"real_rows"`
	GeneratedRows int       `json:"generated_rows" yaml:"generated_rows"`

	Features []FeatureReport     `json:"features" yaml:"features"`
	Sequence *stats.SequenceStats `json:"sequence,omitempty" yaml:"sequence,omitempty"`
	Realism  *iforest.Realism     `json:"realism,omitempty" yaml:"realism,omitempty"`
}

// Feature returns the report of the named feature.
func (r *Report) Feature(name string) (FeatureReport, bool) {
	for _, f := range r.Features {
		if f.Feature == name {
			return f, true
		}
	}
	return FeatureReport{}, false
}

// RestoreEvaluate maps generated states back to feature space with q and
// compares every feature with real. The sequences may differ in length;
// positional error is added only when they match.
//
// real must carry exactly the quantizer's feature columns, in any order,
// otherwise modelerr.ErrShapeMismatch is returned.
func RestoreEvaluate(ctx context.Context, q *quantizer.Quantizer, generated frame.Sequence, real *frame.Table, opts Options) (*Report, error) {
	opts = opts.withDefaults()

	if real == nil {
		return nil, fmt.Errorf("%w: nil real table", modelerr.ErrShapeMismatch)
	}
	features := q.FeatureNames()
	if !real.SameSchema(&frame.Table{Columns: features}) {
		return nil, fmt.Errorf("%w: real columns %v, quantizer features %v",
			modelerr.ErrShapeMismatch, real.Columns, features)
	}

	done := opts.startStage("restore")
	restored, err := q.InverseTransform(generated)
	done()
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	report := &Report{
		RunID:         opts.RunID,
		CreatedAt:     time.Now().UTC(),
		RealRows:      real.Len(),
		GeneratedRows: restored.Len(),
	}

	done = opts.startStage("compare")
	positional := restored.Len() == real.Len()
	for i, name := range features {
		realValues, err := real.Column(name)
		if err != nil {
			done()
			return nil, err
		}
		genValues := restored.ColumnAt(i)

		fr := FeatureReport{
			Feature: name,
			KL:      opts.Comparator.KLDivergence(realValues, genValues),
			KS:      opts.Comparator.KS2Sample(realValues, genValues),
			QQR:     opts.Comparator.QQR(realValues, genValues),
		}
		if positional && len(realValues) > 0 {
			mae := meanAbsoluteError(realValues, genValues)
			fr.MAE = &mae
		}
		report.Features = append(report.Features, fr)
		recordFidelity(opts.Metrics, frame.MetricKey{Feature: name}, fr)
	}
	done()

	if opts.Forest != nil {
		done = opts.startStage("realism")
		realism, err := realismScore(ctx, opts.Forest, real, restored)
		done()
		if err != nil {
			return nil, fmt.Errorf("realism: %w", err)
		}
		report.Realism = &realism
	}

	opts.Logger.Info("restore evaluation finished",
		"run_id", report.RunID,
		"features", len(report.Features),
		"real_rows", report.RealRows,
		"generated_rows", report.GeneratedRows,
	)
	return report, nil
}

func realismScore(ctx context.Context, forest *iforest.IsolationForest, real, restored *frame.Table) (iforest.Realism, error) {
	if err := forest.Fit(real); err != nil {
		return iforest.Realism{}, err
	}
	return forest.Realism(ctx, restored)
}

func meanAbsoluteError(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum / float64(len(a))
}

func recordFidelity(m *telemetry.Metrics, key frame.MetricKey, fr FeatureReport) {
	if m == nil {
		return
	}
	m.SetFidelity(key, "kl", fr.KL)
	m.SetFidelity(key, "ks_statistic", fr.KS.Statistic)
	m.SetFidelity(key, "ks_p_value", fr.KS.PValue)
	m.SetFidelity(key, "qq_r", fr.QQR)
	if fr.MAE != nil {
		m.SetFidelity(key, "mae", *fr.MAE)
	}
}
