package quantizer

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/gotrafficml/pkg/frame"
	"github.com/hed1ad/gotrafficml/pkg/modelerr"
	"github.com/hed1ad/gotrafficml/pkg/store"
)

func TestFit_TwoBinsOneToTen(t *testing.T) {
	table := columnTable("packet_size", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})

	q, err := Fit(table, Config{NumBins: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, q.NumStates())

	seq, err := q.Transform(columnTable("packet_size", []float64{1, 10}))
	require.NoError(t, err)
	require.Len(t, seq, 2)
	assert.NotEqual(t, seq[0], seq[1])

	restored, err := q.InverseTransform(seq)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, restored.Rows[0][0], 1e-9)
	assert.InDelta(t, 8.0, restored.Rows[1][0], 1e-9)
}

func TestFit_Errors(t *testing.T) {
	tests := []struct {
		name  string
		table *frame.Table
		cfg   Config
	}{
		{
			name:  "nil table",
			table: nil,
			cfg:   DefaultConfig(),
		},
		{
			name:  "empty table",
			table: &frame.Table{Columns: []string{"a"}},
			cfg:   DefaultConfig(),
		},
		{
			name:  "zero bins",
			table: columnTable("a", []float64{1, 2, 3}),
			cfg:   Config{NumBins: 0},
		},
		{
			name:  "per feature zero bins",
			table: columnTable("a", []float64{1, 2, 3}),
			cfg:   Config{NumBins: 4, PerFeature: map[string]int{"a": 0}},
		},
		{
			name:  "ragged rows",
			table: &frame.Table{Columns: []string{"a", "b"}, Rows: [][]float64{{1}}},
			cfg:   DefaultConfig(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Fit(tt.table, tt.cfg)
			assert.ErrorIs(t, err, modelerr.ErrFit)
		})
	}
}

func TestFit_DegenerateColumnFallsBackToSingleBin(t *testing.T) {
	table := &frame.Table{
		Columns: []string{"protocol", "iat"},
		Rows: [][]float64{
			{6, 0.1},
			{6, 0.5},
			{6, 0.9},
			{6, 1.3},
		},
	}

	q, err := Fit(table, Config{NumBins: 4})
	require.NoError(t, err)

	features := q.Features()
	assert.Equal(t, 1, features[0].Bins())
	assert.Equal(t, 6.0, features[0].Representatives[0])
	assert.Greater(t, features[1].Bins(), 1)
	assert.Equal(t, features[1].Bins(), q.NumStates())
}

func TestFit_PerFeatureBins(t *testing.T) {
	table := generateTable(500, 42)

	q, err := Fit(table, Config{NumBins: 8, PerFeature: map[string]int{"iat": 3}})
	require.NoError(t, err)

	features := q.Features()
	assert.Equal(t, 8, features[0].Bins())
	assert.Equal(t, 3, features[1].Bins())
	assert.Equal(t, 24, q.NumStates())
}

func TestFeature_EdgesMonotoneAndSpanRange(t *testing.T) {
	table := generateTable(1000, 7)
	q, err := Fit(table, Config{NumBins: 16})
	require.NoError(t, err)

	for i, f := range q.Features() {
		values := table.ColumnAt(i)
		lo, hi := values[0], values[0]
		for _, v := range values {
			lo = min(lo, v)
			hi = max(hi, v)
		}
		assert.Equal(t, lo, f.Edges[0], f.Name)
		assert.Equal(t, hi, f.Edges[len(f.Edges)-1], f.Name)
		for j := 1; j < len(f.Edges); j++ {
			assert.Greater(t, f.Edges[j], f.Edges[j-1], f.Name)
		}
	}
}

func TestRoundTrip_WithinBinRange(t *testing.T) {
	table := generateTable(800, 3)
	q, err := Fit(table, Config{NumBins: 12})
	require.NoError(t, err)

	seq, err := q.Transform(table)
	require.NoError(t, err)
	restored, err := q.InverseTransform(seq)
	require.NoError(t, err)

	features := q.Features()
	for r, row := range table.Rows {
		for i, f := range features {
			lower, upper := f.Range(f.Bin(row[i]))
			got := restored.Rows[r][i]
			assert.GreaterOrEqual(t, got, lower)
			assert.LessOrEqual(t, got, upper)
		}
	}
}

func TestTransform_ClampsOutOfRange(t *testing.T) {
	q, err := Fit(columnTable("x", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}), Config{NumBins: 4})
	require.NoError(t, err)

	seq, err := q.Transform(columnTable("x", []float64{-100, 1000}))
	require.NoError(t, err)
	assert.Equal(t, 0, seq[0])
	assert.Equal(t, q.NumStates()-1, seq[1])
}

func TestTransform_ColumnOrderIndependent(t *testing.T) {
	table := generateTable(300, 11)
	q, err := Fit(table, Config{NumBins: 5})
	require.NoError(t, err)

	swapped := &frame.Table{Columns: []string{"iat", "packet_size"}}
	for _, row := range table.Rows {
		swapped.Rows = append(swapped.Rows, []float64{row[1], row[0]})
	}

	want, err := q.Transform(table)
	require.NoError(t, err)
	got, err := q.Transform(swapped)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTransform_ShapeMismatch(t *testing.T) {
	q, err := Fit(generateTable(100, 1), Config{NumBins: 3})
	require.NoError(t, err)

	_, err = q.Transform(columnTable("packet_size", []float64{1, 2}))
	assert.ErrorIs(t, err, modelerr.ErrShapeMismatch)

	_, err = q.Transform(&frame.Table{Columns: []string{"packet_size", "ttl"}, Rows: [][]float64{{1, 2}}})
	assert.ErrorIs(t, err, modelerr.ErrShapeMismatch)
}

func TestTransform_RejectsInvalidTable(t *testing.T) {
	q, err := Fit(generateTable(100, 1), Config{NumBins: 3})
	require.NoError(t, err)

	tests := []struct {
		name  string
		table *frame.Table
	}{
		{
			name: "NaN value",
			table: &frame.Table{
				Columns: []string{"packet_size", "iat"},
				Rows:    [][]float64{{400, 0.01}, {math.NaN(), 0.02}},
			},
		},
		{
			name: "infinite value",
			table: &frame.Table{
				Columns: []string{"packet_size", "iat"},
				Rows:    [][]float64{{math.Inf(1), 0.01}},
			},
		},
		{
			name: "ragged row",
			table: &frame.Table{
				Columns: []string{"packet_size", "iat"},
				Rows:    [][]float64{{400}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Transform(tt.table)
			assert.Error(t, err)
		})
	}
}

func TestInverseTransform_StateOutOfRange(t *testing.T) {
	q, err := Fit(generateTable(100, 1), Config{NumBins: 3})
	require.NoError(t, err)

	_, err = q.InverseTransform(frame.Sequence{0, q.NumStates()})
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	q, err := Fit(generateTable(400, 5), Config{NumBins: 6, PerFeature: map[string]int{"iat": 4}})
	require.NoError(t, err)

	for state := 0; state < q.NumStates(); state++ {
		bins, err := q.Decode(state)
		require.NoError(t, err)
		got, err := q.Encode(bins)
		require.NoError(t, err)
		assert.Equal(t, state, got)
	}

	_, err = q.Decode(-1)
	assert.Error(t, err)
	_, err = q.Encode([]int{0})
	assert.ErrorIs(t, err, modelerr.ErrShapeMismatch)
}

func TestSaveLoad(t *testing.T) {
	table := generateTable(500, 9)
	original, err := Fit(table, Config{NumBins: 10})
	require.NoError(t, err)

	data, err := original.Save()
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	loaded, err := Load(data)
	require.NoError(t, err)
	assert.Equal(t, original.Features(), loaded.Features())

	want, err := original.Transform(table)
	require.NoError(t, err)
	got, err := loaded.Transform(table)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFromPretrained(t *testing.T) {
	table := generateTable(500, 21)
	original, err := Fit(table, Config{NumBins: 7})
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "amazon_10k")
	require.NoError(t, original.SaveDir(dir))

	loaded, err := FromPretrained(dir)
	require.NoError(t, err)

	want, err := original.Transform(table)
	require.NoError(t, err)
	got, err := loaded.Transform(table)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFromPretrained_NotFound(t *testing.T) {
	t.Run("missing dir", func(t *testing.T) {
		_, err := FromPretrained(filepath.Join(t.TempDir(), "nope"))
		assert.ErrorIs(t, err, modelerr.ErrNotFound)
	})

	t.Run("corrupt artifact", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ArtifactName), []byte("{not json"), 0o644))
		_, err := FromPretrained(dir)
		assert.ErrorIs(t, err, modelerr.ErrNotFound)
	})

	t.Run("duplicate feature names", func(t *testing.T) {
		dir := t.TempDir()
		dup := `{"version":1,"features":[` +
			`{"name":"a","edges":[0,1],"representatives":[0.5]},` +
			`{"name":"a","edges":[0,1],"representatives":[0.5]}]}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, ArtifactName), []byte(dup), 0o644))
		_, err := FromPretrained(dir)
		assert.ErrorIs(t, err, modelerr.ErrNotFound)
		assert.ErrorContains(t, err, `duplicate feature "a"`)
	})

	t.Run("invalid edges", func(t *testing.T) {
		dir := t.TempDir()
		bad := `{"version":1,"features":[{"name":"a","edges":[3,1],"representatives":[2]}]}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, ArtifactName), []byte(bad), 0o644))
		_, err := FromPretrained(dir)
		assert.ErrorIs(t, err, modelerr.ErrNotFound)
	})
}

func TestSaveToMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	q, err := Fit(generateTable(200, 2), Config{NumBins: 4})
	require.NoError(t, err)
	require.NoError(t, q.SaveTo(ctx, s, "skype"))

	loaded, err := LoadFrom(ctx, s, "skype")
	require.NoError(t, err)
	assert.Equal(t, q.NumStates(), loaded.NumStates())

	_, err = LoadFrom(ctx, s, "missing")
	assert.ErrorIs(t, err, modelerr.ErrNotFound)
}

func BenchmarkTransform(b *testing.B) {
	table := generateTable(10000, 1)
	q, _ := Fit(table, Config{NumBins: 20})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Transform(table)
	}
}

func columnTable(name string, values []float64) *frame.Table {
	table := &frame.Table{Columns: []string{name}}
	for _, v := range values {
		table.Rows = append(table.Rows, []float64{v})
	}
	return table
}

// generateTable creates synthetic flow features: [packet_size, iat].
func generateTable(n int, seed int64) *frame.Table {
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
