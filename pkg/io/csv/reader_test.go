package csv

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/gotrafficml/pkg/frame"
)

const flowsCSV = `device,direction,packet_size,iat
skype,from,120,0.01
skype,to,1400,0.002
skype,from,130,0.02
zoom,to,900,0.005
`

func TestReader_Read(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		opts        []Option
		wantColumns []string
		wantRows    [][]float64
		wantGroups  []string
		wantErr     bool
	}{
		{
			name:        "all numeric columns",
			input:       "a,b\n1,2\n3,4\n",
			wantColumns: []string{"a", "b"},
			wantRows:    [][]float64{{1, 2}, {3, 4}},
		},
		{
			name:        "group and direction excluded from features",
			input:       flowsCSV,
			opts:        []Option{WithGroupColumn("device"), WithDirectionColumn("direction")},
			wantColumns: []string{"packet_size", "iat"},
			wantRows:    [][]float64{{120, 0.01}, {1400, 0.002}, {130, 0.02}, {900, 0.005}},
			wantGroups:  []string{"skype", "skype", "skype", "zoom"},
		},
		{
			name:        "selected columns keep requested order",
			input:       flowsCSV,
			opts:        []Option{WithColumns("iat", "packet_size")},
			wantColumns: []string{"iat", "packet_size"},
			wantRows:    [][]float64{{0.01, 120}, {0.002, 1400}, {0.02, 130}, {0.005, 900}},
		},
		{
			name:        "no header",
			input:       "1,2\n3,4\n",
			opts:        []Option{WithHeader(false)},
			wantColumns: []string{"col0", "col1"},
			wantRows:    [][]float64{{1, 2}, {3, 4}},
		},
		{
			name:        "malformed rows skipped",
			input:       "a,b\n1,2\nx,4\n5,NaN\n6,7\n",
			wantColumns: []string{"a", "b"},
			wantRows:    [][]float64{{1, 2}, {6, 7}},
		},
		{
			name:    "malformed rows rejected when strict",
			input:   "a,b\n1,2\nx,4\n",
			opts:    []Option{WithStrict(true)},
			wantErr: true,
		},
		{
			name:    "unknown group column",
			input:   "a,b\n1,2\n",
			opts:    []Option{WithGroupColumn("device")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewReaderFrom(strings.NewReader(tt.input), tt.opts...)
			require.NoError(t, err)
			defer r.Close()

			table, err := r.Read()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantColumns, table.Columns)
			assert.Equal(t, tt.wantRows, table.Rows)
			if tt.wantGroups != nil {
				assert.Equal(t, tt.wantGroups, table.Groups)
			} else {
				assert.Nil(t, table.Groups)
			}
		})
	}
}

func TestReader_NamedColumnsNeedHeader(t *testing.T) {
	_, err := NewReaderFrom(strings.NewReader("1,2\n"), WithHeader(false), WithGroupColumn("device"))
	assert.Error(t, err)
}

func TestReader_ReadTraffic(t *testing.T) {
	r, err := NewReaderFrom(strings.NewReader(flowsCSV),
		WithGroupColumn("device"), WithDirectionColumn("direction"))
	require.NoError(t, err)

	traffic, err := r.ReadTraffic()
	require.NoError(t, err)

	assert.Equal(t, []frame.Key{
		{Group: "skype", Direction: "from"},
		{Group: "skype", Direction: "to"},
		{Group: "zoom", Direction: "to"},
	}, traffic.Keys())

	skypeFrom := traffic[frame.Key{Group: "skype", Direction: "from"}]
	assert.Equal(t, []string{"packet_size", "iat"}, skypeFrom.Columns)
	assert.Equal(t, [][]float64{{120, 0.01}, {130, 0.02}}, skypeFrom.Rows)
}

func TestNewReader_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.csv")
	require.NoError(t, os.WriteFile(path, []byte(flowsCSV), 0o644))

	r, err := NewReader(path, WithGroupColumn("device"), WithDirectionColumn("direction"))
	require.NoError(t, err)
	assert.Equal(t, []string{"device", "direction", "packet_size", "iat"}, r.Headers())

	table, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, 4, table.Len())
	assert.NoError(t, r.Close())

	_, err = NewReader(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}
