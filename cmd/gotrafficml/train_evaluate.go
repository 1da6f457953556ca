package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hed1ad/gotrafficml/pkg/dataset"
	"github.com/hed1ad/gotrafficml/pkg/detectors/iforest"
	"github.com/hed1ad/gotrafficml/pkg/evaluation"
	"github.com/hed1ad/gotrafficml/pkg/generators"
	"github.com/hed1ad/gotrafficml/pkg/generators/frequency"
	"github.com/hed1ad/gotrafficml/pkg/generators/markov"
	"github.com/hed1ad/gotrafficml/pkg/quantizer"
	"github.com/hed1ad/gotrafficml/pkg/stats"
)

func newTrainEvaluateCmd(a *app) *cobra.Command {
	var (
		input    string
		name     string
		model    string
		fallback string
		split    int
		noClip   bool
		timeout  time.Duration
		in       inputOptions
	)

	cmd := &cobra.Command{
		Use:     "train-evaluate",
		Aliases: []string{"run"},
		Short:   "Fit a sequence generator, sample synthetic traffic and score it against the test split",
		Long: `train-evaluate quantizes the dataset with the named quantizer, fitting and
saving one first when none is stored, fits a sequence generator on the
training states, samples as many states as the test split holds and reports
how closely the restored samples match the test split.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("model") {
				a.cfg.Generator.Model = model
			}
			if flags.Changed("fallback") {
				a.cfg.Generator.Fallback = fallback
			}
			if flags.Changed("split") {
				a.cfg.Dataset.SplitSize = split
			}

			ctx, cancel := commandContext(cmd, timeout)
			defer cancel()

			table, err := loadTable(a, input, in, !noClip)
			if err != nil {
				return err
			}
			train, test, err := dataset.Split(table, trainRows(a, table))
			if err != nil {
				return err
			}

			arts, err := openArtifacts(a.cfg, name, a.memory)
			if err != nil {
				return err
			}
			defer arts.close()

			q, err := arts.loadQuantizer(ctx)
			switch {
			case isNotFound(err):
				a.logger.Info("no stored quantizer, fitting one", "name", name)
				q, err = quantizer.Fit(train, quantizer.Config{
					NumBins:    a.cfg.Quantizer.NumBins,
					PerFeature: a.cfg.Quantizer.PerFeature,
					Logger:     a.logger,
				})
				if err != nil {
					a.metrics.RecordError("quantizer", "fit")
					return err
				}
				if err := arts.saveQuantizer(ctx, q); err != nil {
					a.metrics.RecordError("store", "put")
					return fmt.Errorf("save quantizer: %w", err)
				}
			case err != nil:
				a.metrics.RecordError("store", "get")
				return fmt.Errorf("load quantizer: %w", err)
			}

			gen, err := newGenerator(a)
			if err != nil {
				return err
			}

			opts := evaluation.Options{
				RunID:   a.runID,
				Logger:  a.logger,
				Metrics: a.metrics,
				Comparator: stats.New(
					stats.WithBins(a.cfg.Metrics.Bins),
					stats.WithEpsilon(a.cfg.Metrics.Epsilon),
					stats.WithLogger(a.logger),
					stats.WithNaNHook(a.metrics.RecordUndefined),
				),
			}
			if a.cfg.Realism.Enabled {
				opts.Forest = iforest.New(
					iforest.WithTrees(a.cfg.Realism.Trees),
					iforest.WithSampleSize(a.cfg.Realism.SampleSize),
					iforest.WithContamination(a.cfg.Realism.Contamination),
					iforest.WithSeed(a.cfg.Generator.RandomSeed),
				)
			}

			report, err := evaluation.TrainEvaluate(ctx, q, gen, train, test, opts)
			if err != nil {
				a.metrics.RecordError("evaluation", "train_evaluate")
				return err
			}

			data, err := gen.Save()
			if err != nil {
				return fmt.Errorf("serialize %s: %w", gen.Name(), err)
			}
			if err := arts.saveGenerator(ctx, gen.Name(), data); err != nil {
				a.metrics.RecordError("store", "put")
				return fmt.Errorf("save %s: %w", gen.Name(), err)
			}

			return writeYAML(cmd.OutOrStdout(), report)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&input, "input", "i", "", "Input dataset (.csv, .jsonl, .ndjson or .pcap)")
	flags.StringVarP(&name, "name", "n", "", "Artifact name")
	flags.StringVarP(&model, "model", "m", "markov", "Sequence model: markov or frequency")
	flags.StringVar(&fallback, "fallback", "uniform", "Markov fallback for unseen rows: uniform, self-loop or occupancy")
	flags.IntVar(&split, "split", 10_000, "Leading rows used for training")
	flags.BoolVar(&noClip, "no-clip", false, "Keep rows outside the configured percentile band")
	flags.DurationVar(&timeout, "timeout", 0, "Abort the run after this duration")
	flags.StringArrayVar(&in.columns, "column", nil, "Feature column; name=path for JSON lines input")
	flags.StringArrayVar(&in.devices, "device", nil, "Local device address for pcap input")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// newGenerator builds the configured sequence model.
func newGenerator(a *app) (generators.Generator, error) {
	switch a.cfg.Generator.Model {
	case "markov":
		fb, err := markov.ParseFallback(a.cfg.Generator.Fallback)
		if err != nil {
			return nil, err
		}
		return markov.New(
			markov.WithFallback(fb),
			markov.WithSeed(a.cfg.Generator.RandomSeed),
			markov.WithLogger(a.logger),
		), nil
	case "frequency":
		return frequency.New(frequency.WithSeed(a.cfg.Generator.RandomSeed)), nil
	default:
		return nil, fmt.Errorf("unknown model %q (must be markov or frequency)", a.cfg.Generator.Model)
	}
}
