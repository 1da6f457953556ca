package telemetry

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/gotrafficml/pkg/frame"
)

func TestMetrics_Counters(t *testing.T) {
	m := New("run-1")

	m.RecordSampled("markov", 100)
	m.RecordSampled("markov", 50)
	m.RecordUndefined("kl")
	m.RecordUndefined("kl")
	m.RecordError("evaluation", "shape_mismatch")

	assert.Equal(t, 150.0, testutil.ToFloat64(m.SampledStates.WithLabelValues("markov")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UndefinedMetrics.WithLabelValues("kl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("evaluation", "shape_mismatch")))
}

func TestMetrics_Fidelity(t *testing.T) {
	m := New("")
	key := frame.MetricKey{Group: "skype", Direction: frame.DirectionFrom, Feature: "iat"}

	m.SetFidelity(key, "kl", 0.25)
	m.SetFidelity(key, "qq_r", math.NaN())

	assert.Equal(t, 0.25, testutil.ToFloat64(m.Fidelity.WithLabelValues("skype", "from", "iat", "kl")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Fidelity))
}

func TestMetrics_StageAndTextfile(t *testing.T) {
	m := New("run-2")

	done := m.StartStage("fit")
	done()
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageSeconds))

	path := filepath.Join(t.TempDir(), "gotrafficml.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gotrafficml_stage_seconds_count")
	assert.Contains(t, string(data), `run_id="run-2"`)
}
