// Package csv provides CSV file reading for traffic feature tables.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"

	"github.com/hed1ad/gotrafficml/pkg/frame"
	trafficio "github.com/hed1ad/gotrafficml/pkg/io"
)

// Reader reads feature tables from CSV files.
//
// Every column that is not the group or direction column is a feature column
// unless WithColumns narrows the selection.
type Reader struct {
	closer    io.Closer
	reader    *csv.Reader
	hasHeader bool
	headers   []string

	groupColumn     string
	directionColumn string
	columns         []string
	strict          bool
	logger          *slog.Logger
}

// Option configures a CSV reader.
type Option func(*Reader)

// WithHeader indicates the CSV has a header row.
func WithHeader(has bool) Option {
	return func(r *Reader) {
		r.hasHeader = has
	}
}

// WithGroupColumn names the column holding the flow group label.
func WithGroupColumn(name string) Option {
	return func(r *Reader) {
		r.groupColumn = name
	}
}

// WithDirectionColumn names the column holding the traffic direction.
func WithDirectionColumn(name string) Option {
	return func(r *Reader) {
		r.directionColumn = name
	}
}

// WithColumns restricts the feature columns, in the given order.
func WithColumns(names ...string) Option {
	return func(r *Reader) {
		r.columns = names
	}
}

// WithStrict makes malformed rows an error instead of skipping them.
func WithStrict(strict bool) Option {
	return func(r *Reader) {
		r.strict = strict
	}
}

// WithLogger sets the logger that reports skipped rows.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

// NewReader creates a new CSV reader over filename.
func NewReader(filename string, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	r, err := NewReaderFrom(file, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReaderFrom creates a CSV reader over src. Close does not close src.
func NewReaderFrom(src io.Reader, opts ...Option) (*Reader, error) {
	r := &Reader{
		reader:    csv.NewReader(src),
		hasHeader: true,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if !r.hasHeader && (r.groupColumn != "" || r.directionColumn != "" || len(r.columns) > 0) {
		return nil, errors.New("named columns require a header row")
	}

	// Read header if present
	if r.hasHeader {
		headers, err := r.reader.Read()
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		r.headers = headers
	}

	return r, nil
}

// Headers returns the column headers.
func (r *Reader) Headers() []string {
	return r.headers
}

// Read returns all rows as a feature table. Group labels are attached when a
// group column is configured.
func (r *Reader) Read() (*frame.Table, error) {
	table, _, err := r.read()
	return table, err
}

// ReadTraffic returns the rows split by group and direction columns.
func (r *Reader) ReadTraffic() (frame.Traffic, error) {
	table, directions, err := r.read()
	if err != nil {
		return nil, err
	}
	return trafficio.SplitTraffic(table, directions), nil
}

// layout resolves the group, direction and feature column positions.
type layout struct {
	group     int
	direction int
	features  []int
	names     []string
}

func (r *Reader) layout(width int) (layout, error) {
	l := layout{group: -1, direction: -1}

	if !r.hasHeader {
		for i := 0; i < width; i++ {
			l.features = append(l.features, i)
			l.names = append(l.names, fmt.Sprintf("col%d", i))
		}
		return l, nil
	}

	index := func(name string) (int, error) {
		for i, h := range r.headers {
			if h == name {
				return i, nil
			}
		}
		return -1, fmt.Errorf("column %q not in header", name)
	}

	var err error
	if r.groupColumn != "" {
		if l.group, err = index(r.groupColumn); err != nil {
			return l, err
		}
	}
	if r.directionColumn != "" {
		if l.direction, err = index(r.directionColumn); err != nil {
			return l, err
		}
	}

	if len(r.columns) > 0 {
		for _, name := range r.columns {
			i, err := index(name)
			if err != nil {
				return l, err
			}
			l.features = append(l.features, i)
			l.names = append(l.names, name)
		}
		return l, nil
	}

	for i, h := range r.headers {
		if i == l.group || i == l.direction {
			continue
		}
		l.features = append(l.features, i)
		l.names = append(l.names, h)
	}
	return l, nil
}

func (r *Reader) read() (*frame.Table, []string, error) {
	var (
		l          layout
		resolved   bool
		table      = &frame.Table{}
		directions []string
		skipped    int
		line       int
	)

	if r.hasHeader {
		var err error
		if l, err = r.layout(len(r.headers)); err != nil {
			return nil, nil, err
		}
		resolved = true
	}
	if r.groupColumn != "" {
		table.Groups = []string{}
	}

	for {
		record, err := r.reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			if r.strict {
				return nil, nil, err
			}
			skipped++
			continue
		}

		if !resolved {
			if l, err = r.layout(len(record)); err != nil {
				return nil, nil, err
			}
			resolved = true
		}

		row, err := parseRow(record, l.features)
		if err != nil {
			if r.strict {
				return nil, nil, fmt.Errorf("row %d: %w", line, err)
			}
			r.logger.Debug("skipping malformed row", "row", line, "error", err)
			skipped++
			continue
		}

		table.Rows = append(table.Rows, row)
		if l.group >= 0 {
			table.Groups = append(table.Groups, record[l.group])
		}
		if l.direction >= 0 {
			directions = append(directions, record[l.direction])
		} else {
			directions = append(directions, "")
		}
	}

	if skipped > 0 {
		r.logger.Warn("skipped malformed csv rows", "skipped", skipped, "kept", len(table.Rows))
	}

	if !resolved {
		return nil, nil, errors.New("csv input has no rows")
	}
	table.Columns = l.names
	if err := table.Validate(); err != nil {
		return nil, nil, err
	}
	return table, directions, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// parseRow converts the selected fields to floats.
func parseRow(record []string, idx []int) ([]float64, error) {
	if len(record) == 0 {
		return nil, errors.New("empty row")
	}

	row := make([]float64, len(idx))
	for i, j := range idx {
		if j >= len(record) {
			return nil, fmt.Errorf("missing field %d", j)
		}
		f, err := strconv.ParseFloat(record[j], 64)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("field %d is not finite", j)
		}
		row[i] = f
	}
	return row, nil
}

var (
	_ trafficio.Reader        = (*Reader)(nil)
	_ trafficio.TrafficReader = (*Reader)(nil)
)
