// Package config loads run configuration for gotrafficml.
//
// Configuration sources, in order of precedence:
//  1. Command-line flags (applied by the CLI)
//  2. Environment variables prefixed with GOTRAFFICML_
//  3. A YAML configuration file
//  4. Default values
//
// Relative paths resolve against BaseDir.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "GOTRAFFICML_"

// Config holds all run configuration.
type Config struct {
	BaseDir     string    `yaml:"base_dir"`
	MetricsFile string    `yaml:"metrics_file"`
	Logging     Logging   `yaml:"logging"`
	Quantizer   Quantizer `yaml:"quantizer"`
	Dataset     Dataset   `yaml:"dataset"`
	Generator   Generator `yaml:"generator"`
	Metrics     Metrics   `yaml:"metrics"`
	Realism     Realism   `yaml:"realism"`
	Store       Store     `yaml:"store"`
}

// Logging configures the slog logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Quantizer configures Gaussian binning.
type Quantizer struct {
	NumBins    int            `yaml:"num_bins"`
	PerFeature map[string]int `yaml:"per_feature"`
}

// Dataset configures input handling.
type Dataset struct {
	SplitSize       int     `yaml:"split_size"`
	ClipLow         float64 `yaml:"clip_low"`
	ClipHigh        float64 `yaml:"clip_high"`
	MinSamples      int     `yaml:"min_samples"`
	GroupColumn     string  `yaml:"group_column"`
	DirectionColumn string  `yaml:"direction_column"`
}

// Generator selects and configures the sequence model.
type Generator struct {
	Model      string `yaml:"model"`
	RandomSeed int64  `yaml:"random_seed"`
	Fallback   string `yaml:"fallback"`
}

// Metrics configures distribution comparisons.
type Metrics struct {
	Bins    int     `yaml:"bins"`
	Epsilon float64 `yaml:"epsilon"`
}

// Realism configures the isolation forest realism score.
type Realism struct {
	Enabled       bool    `yaml:"enabled"`
	Trees         int     `yaml:"trees"`
	SampleSize    int     `yaml:"sample_size"`
	Contamination float64 `yaml:"contamination"`
}

// Store selects the artifact backend.
type Store struct {
	Backend       string        `yaml:"backend"`
	Dir           string        `yaml:"dir"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisTTL      time.Duration `yaml:"redis_ttl"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BaseDir: ".",
		Logging: Logging{Level: "info", Format: "text"},
		Quantizer: Quantizer{
			NumBins: 10,
		},
		Dataset: Dataset{
			SplitSize:  10_000,
			ClipLow:    1,
			ClipHigh:   99,
			MinSamples: 100,
		},
		Generator: Generator{
			Model:      "markov",
			RandomSeed: 42,
			Fallback:   "uniform",
		},
		Metrics: Metrics{
			Bins:    50,
			Epsilon: 1e-10,
		},
		Realism: Realism{
			Enabled:       true,
			Trees:         100,
			SampleSize:    256,
			Contamination: 0.1,
		},
		Store: Store{
			Backend:   "file",
			Dir:       "obj",
			RedisAddr: "localhost:6379",
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// A relative base dir is relative to the file declaring it.
	if !filepath.IsAbs(cfg.BaseDir) {
		cfg.BaseDir = filepath.Join(filepath.Dir(path), cfg.BaseDir)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GOTRAFFICML_* variables found by lookup,
// typically os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = i
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}

	str("BASE_DIR", &c.BaseDir)
	str("METRICS_FILE", &c.MetricsFile)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	integer("NUM_BINS", &c.Quantizer.NumBins)
	integer("SPLIT_SIZE", &c.Dataset.SplitSize)
	integer("MIN_SAMPLES", &c.Dataset.MinSamples)
	float("CLIP_LOW", &c.Dataset.ClipLow)
	float("CLIP_HIGH", &c.Dataset.ClipHigh)
	str("MODEL", &c.Generator.Model)
	str("FALLBACK", &c.Generator.Fallback)
	if v, ok := lookup(EnvPrefix + "RANDOM_SEED"); ok && v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRANDOM_SEED: %w", EnvPrefix, err))
		} else {
			c.Generator.RandomSeed = seed
		}
	}
	integer("METRICS_BINS", &c.Metrics.Bins)
	str("STORE", &c.Store.Backend)
	str("STORE_DIR", &c.Store.Dir)
	str("REDIS_ADDR", &c.Store.RedisAddr)
	str("REDIS_PASSWORD", &c.Store.RedisPassword)
	integer("REDIS_DB", &c.Store.RedisDB)
	if v, ok := lookup(EnvPrefix + "REDIS_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREDIS_TTL: %w", EnvPrefix, err))
		} else {
			c.Store.RedisTTL = d
		}
	}
	if v, ok := lookup(EnvPrefix + "REALISM"); ok && v != "" {
		c.Realism.Enabled = v == "true" || v == "1"
	}

	return errors.Join(errs...)
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if c.Quantizer.NumBins < 1 {
		errs = append(errs, fmt.Errorf("quantizer.num_bins must be >= 1, got %d", c.Quantizer.NumBins))
	}
	for name, n := range c.Quantizer.PerFeature {
		if n < 1 {
			errs = append(errs, fmt.Errorf("quantizer.per_feature.%s must be >= 1, got %d", name, n))
		}
	}

	if c.Dataset.SplitSize < 0 {
		errs = append(errs, fmt.Errorf("dataset.split_size must be >= 0, got %d", c.Dataset.SplitSize))
	}
	if c.Dataset.ClipLow < 0 || c.Dataset.ClipHigh > 100 || c.Dataset.ClipLow >= c.Dataset.ClipHigh {
		errs = append(errs, fmt.Errorf("dataset clip band [%v, %v] must satisfy 0 <= low < high <= 100",
			c.Dataset.ClipLow, c.Dataset.ClipHigh))
	}
	if c.Dataset.MinSamples < 0 {
		errs = append(errs, fmt.Errorf("dataset.min_samples must be >= 0, got %d", c.Dataset.MinSamples))
	}

	switch c.Generator.Model {
	case "markov", "frequency":
	default:
		errs = append(errs, fmt.Errorf("generator.model must be markov or frequency, got %q", c.Generator.Model))
	}
	switch c.Generator.Fallback {
	case "", "uniform", "self-loop", "selfloop", "occupancy":
	default:
		errs = append(errs, fmt.Errorf("generator.fallback must be uniform, self-loop or occupancy, got %q", c.Generator.Fallback))
	}

	if c.Metrics.Bins < 1 {
		errs = append(errs, fmt.Errorf("metrics.bins must be >= 1, got %d", c.Metrics.Bins))
	}
	if c.Metrics.Epsilon <= 0 {
		errs = append(errs, fmt.Errorf("metrics.epsilon must be > 0, got %v", c.Metrics.Epsilon))
	}

	if c.Realism.Enabled {
		if c.Realism.Trees < 1 {
			errs = append(errs, fmt.Errorf("realism.trees must be >= 1, got %d", c.Realism.Trees))
		}
		if c.Realism.Contamination < 0 || c.Realism.Contamination >= 1 {
			errs = append(errs, fmt.Errorf("realism.contamination must be in [0, 1), got %v", c.Realism.Contamination))
		}
	}

	switch c.Store.Backend {
	case "file":
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file backend"))
		}
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
		if c.Store.RedisDB < 0 {
			errs = append(errs, fmt.Errorf("store.redis_db must be >= 0, got %d", c.Store.RedisDB))
		}
		if c.Store.RedisTTL < 0 {
			errs = append(errs, fmt.Errorf("store.redis_ttl must be >= 0, got %v", c.Store.RedisTTL))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be file, memory or redis, got %q", c.Store.Backend))
	}

	return errors.Join(errs...)
}

// ResolvePath returns p unchanged when absolute or empty, else joined to BaseDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.BaseDir, p)
}
