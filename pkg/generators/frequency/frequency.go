// Package frequency implements a memoryless sequence model: every state is
// drawn independently from the state occupancy frequencies.
//
// It is the discrete counterpart of a mixture model without transitions and
// serves as the baseline that a Markov chain should beat on sequence-level
// statistics while matching it on marginal distributions.
package frequency

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/hed1ad/gotrafficml/pkg/frame"
	"github.com/hed1ad/gotrafficml/pkg/generators"
	"github.com/hed1ad/gotrafficml/pkg/modelerr"
)

// Generator samples i.i.d. states from fitted occupancy weights.
type Generator struct {
	mu sync.RWMutex

	cfg        generators.Config
	statesHint int

	alphabet *generators.Alphabet
	weights  []float64
	trained  bool
}

// Option configures a Generator.
type Option func(*Generator)

// WithStates fixes the alphabet to the labels [0, n) instead of the labels
// observed during Fit.
func WithStates(n int) Option {
	return func(g *Generator) {
		g.statesHint = n
	}
}

// WithSeed sets the default seed of Sample calls.
func WithSeed(seed int64) Option {
	return func(g *Generator) {
		g.cfg.RandomSeed = seed
	}
}

// New creates an untrained generator.
func New(opts ...Option) *Generator {
	g := &Generator{cfg: generators.DefaultConfig()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the variant identifier.
func (g *Generator) Name() string {
	return "frequency"
}

// Fit estimates state weights. At least two observed states are required,
// matching the minimum the Markov variant needs for one transition.
func (g *Generator) Fit(seqs ...frame.Sequence) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	total := 0
	for _, seq := range seqs {
		total += len(seq)
	}
	if total < 2 {
		return fmt.Errorf("%w: %d observed states", modelerr.ErrInsufficientData, total)
	}

	alphabet, err := generators.NewAlphabet(g.statesHint, seqs...)
	if err != nil {
		return err
	}

	g.alphabet = alphabet
	g.weights = generators.Occupancy(alphabet, seqs...)
	g.trained = true
	return nil
}

// Sample draws n independent states.
func (g *Generator) Sample(n int, opts ...generators.SampleOption) (frame.Sequence, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.trained {
		return nil, modelerr.ErrNotFitted
	}
	if n < 0 {
		return nil, fmt.Errorf("sample length must be >= 0, got %d", n)
	}

	o, err := generators.ResolveSampleOptions(g.cfg, g.alphabet, opts...)
	if err != nil {
		return nil, err
	}

	dist := generators.NewCategorical(g.weights, o.Rand)
	seq := make(frame.Sequence, n)
	for t := range seq {
		if t == 0 && o.HasStart {
			seq[t] = o.StartState
			continue
		}
		seq[t] = g.alphabet.Label(int(dist.Rand()))
	}
	return seq, nil
}

// NumStates returns the alphabet size, or 0 before Fit.
func (g *Generator) NumStates() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.weights)
}

// Labels returns the fitted state labels in the order of Weights.
func (g *Generator) Labels() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.alphabet == nil {
		return nil
	}
	return g.alphabet.Labels()
}

// Weights returns a copy of the fitted state weights.
func (g *Generator) Weights() []float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]float64(nil), g.weights...)
}

// Save serializes the trained model.
func (g *Generator) Save() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.trained {
		return nil, modelerr.ErrNotFitted
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(g.cfg.RandomSeed); err != nil {
		return nil, err
	}
	if err := enc.Encode(g.alphabet.Labels()); err != nil {
		return nil, err
	}
	if err := enc.Encode(g.weights); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (g *Generator) Load(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	dec := gob.NewDecoder(bytes.NewBuffer(data))
	var (
		seed    int64
		labels  []int
		weights []float64
	)
	if err := dec.Decode(&seed); err != nil {
		return err
	}
	if err := dec.Decode(&labels); err != nil {
		return err
	}
	if err := dec.Decode(&weights); err != nil {
		return err
	}
	alphabet, err := generators.AlphabetOf(labels)
	if err != nil {
		return fmt.Errorf("corrupt frequency model: %w", err)
	}
	if len(weights) == 0 || len(weights) != alphabet.Len() {
		return fmt.Errorf("corrupt frequency model: %d weights for %d labels", len(weights), alphabet.Len())
	}

	g.cfg.RandomSeed = seed
	g.alphabet = alphabet
	g.weights = weights
	g.trained = true
	return nil
}

var _ generators.Generator = (*Generator)(nil)
