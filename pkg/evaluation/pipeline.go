package evaluation

import (
	"context"
	"fmt"

	"github.com/hed1ad/gotrafficml/pkg/dataset"
	"github.com/hed1ad/gotrafficml/pkg/frame"
	"github.com/hed1ad/gotrafficml/pkg/generators"
	"github.com/hed1ad/gotrafficml/pkg/quantizer"
)

// TrainEvaluate runs the full generation experiment: quantize train and test
// with q, fit gen on the train states, sample as many states as the test set
// holds, then compare the sample with the test data in state space and in
// feature space.
//
// When train carries group labels gen is fit on one sequence per group, so
// no transition is counted between flows.
func TrainEvaluate(ctx context.Context, q *quantizer.Quantizer, gen generators.Generator, train, test *frame.Table, opts Options, sampleOpts ...generators.SampleOption) (*Report, error) {
	opts = opts.withDefaults()

	done := opts.startStage("quantize")
	trainSeqs, err := dataset.QuantizeGroups(q, train)
	if err != nil {
		done()
		return nil, fmt.Errorf("quantize train: %w", err)
	}
	testSeq, err := q.Transform(test)
	done()
	if err != nil {
		return nil, fmt.Errorf("quantize test: %w", err)
	}

	done = opts.startStage("fit")
	err = gen.Fit(trainSeqs...)
	done()
	if err != nil {
		return nil, fmt.Errorf("fit %s: %w", gen.Name(), err)
	}

	done = opts.startStage("sample")
	sampled, err := gen.Sample(len(testSeq), sampleOpts...)
	done()
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", gen.Name(), err)
	}
	if opts.Metrics != nil {
		opts.Metrics.RecordSampled(gen.Name(), len(sampled))
	}
	opts.Logger.Info("sampled synthetic states",
		"model", gen.Name(),
		"train_sequences", len(trainSeqs),
		"states", len(sampled),
		"alphabet", gen.NumStates(),
	)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	seqStats := opts.Comparator.CalcStats(testSeq, sampled, q.NumStates())

	report, err := RestoreEvaluate(ctx, q, sampled, test, opts)
	if err != nil {
		return nil, err
	}
	report.Model = gen.Name()
	report.Sequence = &seqStats
	return report, nil
}
