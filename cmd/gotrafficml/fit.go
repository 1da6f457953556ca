package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hed1ad/gotrafficml/pkg/dataset"
	"github.com/hed1ad/gotrafficml/pkg/frame"
	"github.com/hed1ad/gotrafficml/pkg/quantizer"
)

func newFitCmd(a *app) *cobra.Command {
	var (
		input  string
		name   string
		bins   int
		split  int
		noClip bool
		in     inputOptions
	)

	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit a Gaussian quantizer on the training split of a dataset",
		Example: `  gotrafficml fit --input amazon.csv --name amazon_10k
  gotrafficml fit --input flows.jsonl --column size=len --column iat=gap --name flows`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("bins") {
				a.cfg.Quantizer.NumBins = bins
			}
			if cmd.Flags().Changed("split") {
				a.cfg.Dataset.SplitSize = split
			}

			ctx, cancel := commandContext(cmd, 0)
			defer cancel()

			table, err := loadTable(a, input, in, !noClip)
			if err != nil {
				return err
			}
			train, _, err := dataset.Split(table, trainRows(a, table))
			if err != nil {
				return err
			}

			done := a.metrics.StartStage("fit_quantizer")
			q, err := quantizer.Fit(train, quantizer.Config{
				NumBins:    a.cfg.Quantizer.NumBins,
				PerFeature: a.cfg.Quantizer.PerFeature,
				Logger:     a.logger,
			})
			done()
			if err != nil {
				a.metrics.RecordError("quantizer", "fit")
				return err
			}

			arts, err := openArtifacts(a.cfg, name, a.memory)
			if err != nil {
				return err
			}
			defer arts.close()
			if err := arts.saveQuantizer(ctx, q); err != nil {
				a.metrics.RecordError("store", "put")
				return fmt.Errorf("save quantizer: %w", err)
			}

			a.logger.Info("quantizer saved",
				"name", name,
				"backend", a.cfg.Store.Backend,
				"train_rows", train.Len(),
				"states", q.NumStates(),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d features, %d states\n", name, len(q.Features()), q.NumStates())
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input dataset (.csv, .jsonl, .ndjson or .pcap)")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Artifact name")
	cmd.Flags().IntVar(&bins, "bins", 10, "Bins per feature")
	cmd.Flags().IntVar(&split, "split", 10_000, "Leading rows used for training; 0 uses every row")
	cmd.Flags().BoolVar(&noClip, "no-clip", false, "Keep rows outside the configured percentile band")
	cmd.Flags().StringArrayVar(&in.columns, "column", nil, "Feature column; name=path for JSON lines input")
	cmd.Flags().StringArrayVar(&in.devices, "device", nil, "Local device address for pcap input")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// loadTable reads input and optionally drops rows outside the configured
// percentile band.
func loadTable(a *app, input string, in inputOptions, clip bool) (*frame.Table, error) {
	done := a.metrics.StartStage("read")
	table, err := readTable(a.cfg, input, in, a.logger)
	done()
	if err != nil {
		a.metrics.RecordError("io", "read")
		return nil, fmt.Errorf("read %s: %w", input, err)
	}
	if !clip {
		return table, nil
	}

	clipped, err := dataset.ClipPercentiles(table, a.cfg.Dataset.ClipLow, a.cfg.Dataset.ClipHigh)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("clipped dataset",
		"rows", table.Len(),
		"kept", clipped.Len(),
		"low", a.cfg.Dataset.ClipLow,
		"high", a.cfg.Dataset.ClipHigh,
	)
	return clipped, nil
}

// trainRows returns the configured split size, or the whole table when the
// split size is zero.
func trainRows(a *app, table *frame.Table) int {
	if a.cfg.Dataset.SplitSize == 0 {
		return table.Len()
	}
	return a.cfg.Dataset.SplitSize
}
