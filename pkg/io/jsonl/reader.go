// Package jsonl reads newline-delimited JSON flow records into feature tables.
//
// Each feature column is bound to a gjson path, so nested records can be
// flattened without declaring Go types for them.
package jsonl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hed1ad/gotrafficml/pkg/frame"
	trafficio "github.com/hed1ad/gotrafficml/pkg/io"
)

// Column binds a feature name to a gjson path.
type Column struct {
	Name string
	Path string
}

// Reader reads feature tables from NDJSON input.
type Reader struct {
	closer  io.Closer
	scanner *bufio.Scanner

	columns       []Column
	groupPath     string
	directionPath string
	logger        *slog.Logger
}

// Option configures a Reader.
type Option func(*Reader)

// WithGroupPath sets the gjson path of the flow group label.
func WithGroupPath(path string) Option {
	return func(r *Reader) {
		r.groupPath = path
	}
}

// WithDirectionPath sets the gjson path of the traffic direction.
func WithDirectionPath(path string) Option {
	return func(r *Reader) {
		r.directionPath = path
	}
}

// WithLogger sets the logger that reports skipped records.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) {
		r.logger = l
	}
}

// ParseColumns parses "name=path" bindings. A bare path uses itself as the name.
func ParseColumns(specs ...string) ([]Column, error) {
	cols := make([]Column, 0, len(specs))
	for _, s := range specs {
		name, path, found := strings.Cut(s, "=")
		if !found {
			path = name
		}
		if name == "" || path == "" {
			return nil, fmt.Errorf("invalid column binding %q", s)
		}
		cols = append(cols, Column{Name: name, Path: path})
	}
	return cols, nil
}

// NewReader creates a reader over an NDJSON file.
func NewReader(filename string, columns []Column, opts ...Option) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	r, err := NewReaderFrom(file, columns, opts...)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.closer = file
	return r, nil
}

// NewReaderFrom creates a reader over src. Close does not close src.
func NewReaderFrom(src io.Reader, columns []Column, opts ...Option) (*Reader, error) {
	if len(columns) == 0 {
		return nil, errors.New("at least one column is required")
	}

	r := &Reader{
		scanner: bufio.NewScanner(src),
		columns: columns,
	}
	r.scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r, nil
}

// FeatureNames returns the configured column names.
func (r *Reader) FeatureNames() []string {
	names := make([]string, len(r.columns))
	for i, c := range r.columns {
		names[i] = c.Name
	}
	return names
}

// Read returns all records as a feature table. Records that are not valid
// JSON or lack a numeric value for any column are skipped.
func (r *Reader) Read() (*frame.Table, error) {
	table, _, err := r.read()
	return table, err
}

// ReadTraffic returns the records split by group and direction paths.
func (r *Reader) ReadTraffic() (frame.Traffic, error) {
	table, directions, err := r.read()
	if err != nil {
		return nil, err
	}
	return trafficio.SplitTraffic(table, directions), nil
}

func (r *Reader) read() (*frame.Table, []string, error) {
	paths := make([]string, 0, len(r.columns)+2)
	for _, c := range r.columns {
		paths = append(paths, c.Path)
	}
	if r.groupPath != "" {
		paths = append(paths, r.groupPath)
	}
	if r.directionPath != "" {
		paths = append(paths, r.directionPath)
	}

	table := &frame.Table{Columns: r.FeatureNames()}
	if r.groupPath != "" {
		table.Groups = []string{}
	}
	var directions []string
	if r.directionPath != "" {
		directions = []string{}
	}

	line, skipped := 0, 0
	for r.scanner.Scan() {
		line++
		text := strings.TrimSpace(r.scanner.Text())
		if text == "" {
			continue
		}
		if !gjson.Valid(text) {
			r.logger.Debug("skipping invalid json record", "line", line)
			skipped++
			continue
		}

		results := gjson.GetMany(text, paths...)
		row, ok := numericRow(results[:len(r.columns)])
		if !ok {
			r.logger.Debug("skipping record with missing features", "line", line)
			skipped++
			continue
		}

		table.Rows = append(table.Rows, row)
		rest := results[len(r.columns):]
		if r.groupPath != "" {
			table.Groups = append(table.Groups, rest[0].String())
			rest = rest[1:]
		}
		if r.directionPath != "" {
			directions = append(directions, rest[0].String())
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read line %d: %w", line+1, err)
	}

	if skipped > 0 {
		r.logger.Warn("skipped jsonl records", "skipped", skipped, "kept", len(table.Rows))
	}
	if err := table.Validate(); err != nil {
		return nil, nil, err
	}
	return table, directions, nil
}

func numericRow(results []gjson.Result) ([]float64, bool) {
	row := make([]float64, len(results))
	for i, res := range results {
		if res.Type != gjson.Number {
			return nil, false
		}
		row[i] = res.Float()
	}
	return row, true
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

var (
	_ trafficio.Reader           = (*Reader)(nil)
	_ trafficio.TrafficReader    = (*Reader)(nil)
	_ trafficio.FeatureExtractor = (*Reader)(nil)
)
