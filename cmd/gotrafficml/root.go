package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hed1ad/gotrafficml/pkg/config"
	"github.com/hed1ad/gotrafficml/pkg/store"
	"github.com/hed1ad/gotrafficml/pkg/telemetry"
)

// app carries the state shared by all subcommands of one invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	runID   string
	// memory backs the memory store for the lifetime of the process.
	memory *store.MemoryStore

	// Flag values; applied over the loaded configuration when set.
	configPath  string
	logLevel    string
	logFormat   string
	baseDir     string
	metricsFile string
	storeKind   string
	storeDir    string
	redisAddr   string
	seed        int64
}

func newRootCmd() *cobra.Command {
	a := &app{memory: store.NewMemoryStore()}

	root := &cobra.Command{
		Use:   "gotrafficml",
		Short: "Traffic quantization, Markov sequence generation and fidelity metrics",
		Long: `gotrafficml characterizes network traffic statistically.

It quantizes per-packet features into discrete states, fits sequence
generators on the state sequences, samples synthetic traffic and scores it
against real traffic with KL divergence, the two-sample KS test and QQ
correlation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.finish()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "text", "Log format: text or json")
	flags.StringVar(&a.baseDir, "base-dir", ".", "Directory relative paths resolve against")
	flags.StringVar(&a.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile on exit")
	flags.StringVar(&a.storeKind, "store", "file", "Artifact store: file, memory or redis")
	flags.StringVar(&a.storeDir, "store-dir", "obj", "Artifact directory for the file store")
	flags.StringVar(&a.redisAddr, "redis-addr", "localhost:6379", "Redis address for the redis store")
	flags.Int64Var(&a.seed, "seed", 42, "Random seed for sampling")

	root.AddCommand(
		newFitCmd(a),
		newTrainEvaluateCmd(a),
		newCompareCmd(a),
	)
	return root
}

// setup loads configuration from file, environment and flags, in increasing
// precedence, then builds the logger and metrics.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}

	changed := cmd.Flags().Changed
	if changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if changed("log-format") {
		cfg.Logging.Format = a.logFormat
	}
	if changed("base-dir") {
		cfg.BaseDir = a.baseDir
	}
	if changed("metrics-file") {
		cfg.MetricsFile = a.metricsFile
	}
	if changed("store") {
		cfg.Store.Backend = a.storeKind
	}
	if changed("store-dir") {
		cfg.Store.Dir = a.storeDir
	}
	if changed("redis-addr") {
		cfg.Store.RedisAddr = a.redisAddr
	}
	if changed("seed") {
		cfg.Generator.RandomSeed = a.seed
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.runID = uuid.NewString()
	a.logger = logger.With("run_id", a.runID)
	a.metrics = telemetry.New(a.runID)
	return nil
}

func (a *app) finish() error {
	if a.cfg == nil || a.cfg.MetricsFile == "" {
		return nil
	}
	path := a.cfg.ResolvePath(a.cfg.MetricsFile)
	if err := a.metrics.WriteTextfile(path); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	a.logger.Debug("metrics written", "path", path)
	return nil
}

// writeYAML encodes v as YAML to w.
func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// commandContext returns the command context bounded by timeout when positive.
func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
