package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/gotrafficml/pkg/quantizer"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestFit_FileStore(t *testing.T) {
	dir := t.TempDir()
	input := writeFlows(t, dir, 600, 1)

	out, err := run(t, "fit",
		"--input", input,
		"--name", "amazon_10k",
		"--split", "400",
		"--bins", "4",
		"--store-dir", filepath.Join(dir, "obj"),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "amazon_10k: 2 features, 16 states")

	q, err := quantizer.FromPretrained(filepath.Join(dir, "obj", "amazon_10k"))
	require.NoError(t, err)
	assert.Equal(t, []string{"packet_size", "iat"}, q.FeatureNames())
}

func TestTrainEvaluate(t *testing.T) {
	for _, model := range []string{"markov", "frequency"} {
		t.Run(model, func(t *testing.T) {
			dir := t.TempDir()
			input := writeFlows(t, dir, 900, 2)
			metricsFile := filepath.Join(dir, "metrics.prom")

			out, err := run(t, "train-evaluate",
				"--input", input,
				"--name", "skype",
				"--model", model,
				"--split", "600",
				"--store", "memory",
				"--metrics-file", metricsFile,
			)
			require.NoError(t, err)

			var report struct {
				RunID         string `yaml:"run_id"`
				Model         string `yaml:"model"`
				RealRows      int    `yaml:"real_rows"`
				GeneratedRows int    `yaml:"generated_rows"`
				Features      []struct {
					Feature string  `yaml:"feature"`
					QQR     float64 `yaml:"qq_r"`
				} `yaml:"features"`
				Sequence map[string]any `yaml:"sequence"`
				Realism  map[string]any `yaml:"realism"`
			}
			require.NoError(t, yaml.Unmarshal([]byte(out), &report))
			assert.NotEmpty(t, report.RunID)
			assert.Equal(t, model, report.Model)
			assert.Greater(t, report.RealRows, 0)
			assert.Equal(t, report.RealRows, report.GeneratedRows)
			require.Len(t, report.Features, 2)
			assert.Equal(t, "packet_size", report.Features[0].Feature)
			assert.NotNil(t, report.Sequence)
			assert.NotNil(t, report.Realism)

			metrics, err := os.ReadFile(metricsFile)
			require.NoError(t, err)
			assert.Contains(t, string(metrics), "gotrafficml_stage_seconds")
			assert.Contains(t, string(metrics), report.RunID)
		})
	}
}

func TestTrainEvaluate_ReusesStoredQuantizer(t *testing.T) {
	dir := t.TempDir()
	input := writeFlows(t, dir, 900, 3)
	objDir := filepath.Join(dir, "obj")

	_, err := run(t, "fit", "--input", input, "--name", "zoom", "--split", "600", "--bins", "3", "--store-dir", objDir)
	require.NoError(t, err)

	_, err = run(t, "train-evaluate", "--input", input, "--name", "zoom", "--split", "600", "--store-dir", objDir)
	require.NoError(t, err)

	q, err := quantizer.FromPretrained(filepath.Join(objDir, "zoom"))
	require.NoError(t, err)
	assert.Equal(t, 9, q.NumStates())
	assert.FileExists(t, filepath.Join(objDir, "zoom", "markov.gob"))
}

func TestCompare(t *testing.T) {
	dir := t.TempDir()
	real := writeGroupedFlows(t, dir, "real.csv", 5)
	generated := writeGroupedFlows(t, dir, "generated.csv", 6)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
dataset:
  group_column: device
  direction_column: direction
  min_samples: 10
`), 0o644))

	out, err := run(t, "compare", "--config", cfgPath, "--real", real, "--generated", generated)
	require.NoError(t, err)

	var report struct {
		Results []struct {
			Key struct {
				Group     string `yaml:"group"`
				Direction string `yaml:"direction"`
				Feature   string `yaml:"feature"`
			} `yaml:"key"`
			KL float64 `yaml:"kl"`
		} `yaml:"results"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &report))
	// 2 devices x 2 directions x 2 features.
	require.Len(t, report.Results, 8)
	for _, r := range report.Results {
		assert.Contains(t, []string{"skype", "zoom"}, r.Key.Group)
		assert.GreaterOrEqual(t, r.KL, 0.0)
	}
}

func TestErrors(t *testing.T) {
	dir := t.TempDir()
	input := writeFlows(t, dir, 50, 4)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "missing input",
			args: []string{"fit", "--name", "x"},
			want: "input",
		},
		{
			name: "unsupported extension",
			args: []string{"fit", "--input", filepath.Join(dir, "flows.parquet"), "--name", "x", "--store", "memory"},
			want: "unsupported input",
		},
		{
			name: "invalid store backend",
			args: []string{"fit", "--input", input, "--name", "x", "--store", "s3"},
			want: "store.backend",
		},
		{
			name: "split larger than dataset",
			args: []string{"fit", "--input", input, "--name", "x", "--store", "memory"},
			want: "insufficient",
		},
		{
			name: "invalid artifact name",
			args: []string{"fit", "--input", input, "--name", "../x", "--split", "0", "--store", "memory"},
			want: "invalid artifact name",
		},
		{
			name: "unknown fallback",
			args: []string{"train-evaluate", "--input", input, "--name", "x", "--split", "30", "--store", "memory", "--fallback", "random"},
			want: "unknown fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), tt.want)
		})
	}
}

// writeFlows writes n rows of [packet_size, iat] drawn from a two-mode
// packet size mixture.
func writeFlows(t *testing.T, dir string, n int, seed int64) string {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	var b strings.Builder
	b.WriteString("packet_size,iat\n")
	for i := 0; i < n; i++ {
		size := 120 + 20*rng.NormFloat64()
		if i%3 == 0 {
			size = 1400 + 40*rng.NormFloat64()
		}
		fmt.Fprintf(&b, "%.2f,%.6f\n", size, rng.ExpFloat64()*0.02)
	}

	path := filepath.Join(dir, "flows.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

// writeGroupedFlows writes 50 rows per device and direction.
func writeGroupedFlows(t *testing.T, dir, name string, seed int64) string {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))

	var b strings.Builder
	b.WriteString("device,direction,packet_size,iat\n")
	for _, device := range []string{"skype", "zoom"} {
		for _, direction := range []string{"from", "to"} {
			for i := 0; i < 50; i++ {
				fmt.Fprintf(&b, "%s,%s,%.2f,%.6f\n", device, direction,
					500+100*rng.NormFloat64(), rng.ExpFloat64()*0.01)
			}
		}
	}

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}
