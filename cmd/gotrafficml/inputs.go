package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"

	"github.com/hed1ad/gotrafficml/pkg/config"
	"github.com/hed1ad/gotrafficml/pkg/frame"
	trafficio "github.com/hed1ad/gotrafficml/pkg/io"
	"github.com/hed1ad/gotrafficml/pkg/io/csv"
	"github.com/hed1ad/gotrafficml/pkg/io/jsonl"
	"github.com/hed1ad/gotrafficml/pkg/io/pcap"
	"github.com/hed1ad/gotrafficml/pkg/modelerr"
	"github.com/hed1ad/gotrafficml/pkg/quantizer"
	"github.com/hed1ad/gotrafficml/pkg/store"
)

// inputOptions selects how input files are parsed.
type inputOptions struct {
	columns []string
	devices []string
}

// reader is satisfied by every input format.
type reader interface {
	trafficio.Reader
	trafficio.TrafficReader
}

// openInput picks a reader from the file extension: .csv, .jsonl/.ndjson or
// .pcap.
func openInput(cfg *config.Config, path string, opts inputOptions, logger *slog.Logger) (reader, error) {
	path = cfg.ResolvePath(path)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		copts := []csv.Option{csv.WithLogger(logger)}
		if cfg.Dataset.GroupColumn != "" {
			copts = append(copts, csv.WithGroupColumn(cfg.Dataset.GroupColumn))
		}
		if cfg.Dataset.DirectionColumn != "" {
			copts = append(copts, csv.WithDirectionColumn(cfg.Dataset.DirectionColumn))
		}
		if len(opts.columns) > 0 {
			copts = append(copts, csv.WithColumns(opts.columns...))
		}
		return csv.NewReader(path, copts...)

	case ".jsonl", ".ndjson":
		if len(opts.columns) == 0 {
			return nil, errors.New("jsonl input needs --column name=path bindings")
		}
		cols, err := jsonl.ParseColumns(opts.columns...)
		if err != nil {
			return nil, err
		}
		jopts := []jsonl.Option{jsonl.WithLogger(logger)}
		if cfg.Dataset.GroupColumn != "" {
			jopts = append(jopts, jsonl.WithGroupPath(cfg.Dataset.GroupColumn))
		}
		if cfg.Dataset.DirectionColumn != "" {
			jopts = append(jopts, jsonl.WithDirectionPath(cfg.Dataset.DirectionColumn))
		}
		return jsonl.NewReader(path, cols, jopts...)

	case ".pcap":
		var addrs []net.IP
		for _, d := range opts.devices {
			ip := net.ParseIP(d)
			if ip == nil {
				return nil, fmt.Errorf("invalid device address %q", d)
			}
			addrs = append(addrs, ip)
		}
		return pcap.NewFileReader(path, pcap.WithDevices(addrs...))

	default:
		return nil, fmt.Errorf("unsupported input %q: want .csv, .jsonl, .ndjson or .pcap", path)
	}
}

func readTable(cfg *config.Config, path string, opts inputOptions, logger *slog.Logger) (*frame.Table, error) {
	r, err := openInput(cfg, path, opts, logger)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Read()
}

func readTraffic(cfg *config.Config, path string, opts inputOptions, logger *slog.Logger) (frame.Traffic, error) {
	r, err := openInput(cfg, path, opts, logger)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadTraffic()
}

// artifacts resolves where the artifacts of a named model live.
type artifacts struct {
	store  store.Store
	prefix string
	close  func() error
}

// openArtifacts opens the configured store for the model called name. The
// file backend keeps one directory per model, the layout FromPretrained
// reads; shared backends prefix artifact keys with the model name.
func openArtifacts(cfg *config.Config, name string, shared *store.MemoryStore) (*artifacts, error) {
	if err := store.ValidateName(name); err != nil {
		return nil, err
	}

	noop := func() error { return nil }
	switch cfg.Store.Backend {
	case "file":
		dir := filepath.Join(cfg.ResolvePath(cfg.Store.Dir), name)
		return &artifacts{store: store.NewFileStore(dir), close: noop}, nil
	case "memory":
		return &artifacts{store: shared, prefix: name + ".", close: noop}, nil
	case "redis":
		rs, err := store.NewRedisStore(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB, cfg.Store.RedisTTL)
		if err != nil {
			return nil, err
		}
		return &artifacts{store: rs, prefix: name + ".", close: rs.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func (a *artifacts) key(artifact string) string {
	return a.prefix + artifact
}

func (a *artifacts) saveQuantizer(ctx context.Context, q *quantizer.Quantizer) error {
	return q.SaveTo(ctx, a.store, a.key(quantizer.ArtifactName))
}

// loadQuantizer returns modelerr.ErrNotFound when no usable artifact exists.
func (a *artifacts) loadQuantizer(ctx context.Context) (*quantizer.Quantizer, error) {
	return quantizer.LoadFrom(ctx, a.store, a.key(quantizer.ArtifactName))
}

func (a *artifacts) saveGenerator(ctx context.Context, model string, data []byte) error {
	return a.store.Put(ctx, a.key(model+".gob"), data)
}

func isNotFound(err error) bool {
	return errors.Is(err, modelerr.ErrNotFound)
}
