package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/gotrafficml/pkg/dataset"
	"github.com/hed1ad/gotrafficml/pkg/evaluation"
	"github.com/hed1ad/gotrafficml/pkg/frame"
	"github.com/hed1ad/gotrafficml/pkg/stats"
)

func newCompareCmd(a *app) *cobra.Command {
	var (
		realPath      string
		generatedPath string
		minSamples    int
		noClip        bool
		in            inputOptions
	)

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare real and generated traffic per flow group, direction and feature",
		Example: `  gotrafficml compare --real real.pcap --generated synthetic.csv
  gotrafficml compare --real real.csv --generated gen.csv --min-samples 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("min-samples") {
				a.cfg.Dataset.MinSamples = minSamples
			}

			real, err := loadTraffic(a, realPath, in, !noClip)
			if err != nil {
				return err
			}
			generated, err := loadTraffic(a, generatedPath, in, !noClip)
			if err != nil {
				return err
			}

			report := evaluation.CompareTraffic(real, generated, evaluation.Options{
				RunID:   a.runID,
				Logger:  a.logger,
				Metrics: a.metrics,
				Comparator: stats.New(
					stats.WithBins(a.cfg.Metrics.Bins),
					stats.WithEpsilon(a.cfg.Metrics.Epsilon),
					stats.WithLogger(a.logger),
					stats.WithNaNHook(a.metrics.RecordUndefined),
				),
			})
			return writeYAML(cmd.OutOrStdout(), report)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&realPath, "real", "r", "", "Real traffic (.csv, .jsonl, .ndjson or .pcap)")
	flags.StringVarP(&generatedPath, "generated", "g", "", "Generated traffic (.csv, .jsonl, .ndjson or .pcap)")
	flags.IntVar(&minSamples, "min-samples", 100, "Drop traffic keys with fewer rows")
	flags.BoolVar(&noClip, "no-clip", false, "Keep rows outside the configured percentile band")
	flags.StringArrayVar(&in.columns, "column", nil, "Feature column; name=path for JSON lines input")
	flags.StringArrayVar(&in.devices, "device", nil, "Local device address for pcap input")
	_ = cmd.MarkFlagRequired("real")
	_ = cmd.MarkFlagRequired("generated")
	return cmd
}

// loadTraffic reads input split by group and direction, drops sparse keys and
// optionally clips each table to the configured percentile band.
func loadTraffic(a *app, input string, in inputOptions, clip bool) (frame.Traffic, error) {
	done := a.metrics.StartStage("read")
	traffic, err := readTraffic(a.cfg, input, in, a.logger)
	done()
	if err != nil {
		a.metrics.RecordError("io", "read")
		return nil, fmt.Errorf("read %s: %w", input, err)
	}

	traffic = dataset.FilterTraffic(traffic, a.cfg.Dataset.MinSamples, a.logger)
	if !clip {
		return traffic, nil
	}
	return dataset.ClipTraffic(traffic, a.cfg.Dataset.ClipLow, a.cfg.Dataset.ClipHigh)
}
