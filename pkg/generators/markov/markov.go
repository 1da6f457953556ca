// Package markov implements a first-order discrete-time Markov chain over
// quantized traffic states.
package markov

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/hed1ad/gotrafficml/pkg/frame"
	"github.com/hed1ad/gotrafficml/pkg/generators"
	"github.com/hed1ad/gotrafficml/pkg/modelerr"
)

// Fallback selects the next-state distribution of a state that was never
// observed with an outgoing transition.
type Fallback int

const (
	// FallbackUniform moves to every state with equal probability.
	FallbackUniform Fallback = iota
	// FallbackSelfLoop stays in the same state with probability one.
	FallbackSelfLoop
	// FallbackOccupancy restarts from the initial (occupancy) distribution.
	FallbackOccupancy
)

func (f Fallback) String() string {
	switch f {
	case FallbackUniform:
		return "uniform"
	case FallbackSelfLoop:
		return "self-loop"
	case FallbackOccupancy:
		return "occupancy"
	default:
		return fmt.Sprintf("fallback(%d)", int(f))
	}
}

// ParseFallback parses the names produced by Fallback.String.
func ParseFallback(s string) (Fallback, error) {
	switch s {
	case "", "uniform":
		return FallbackUniform, nil
	case "self-loop", "selfloop":
		return FallbackSelfLoop, nil
	case "occupancy":
		return FallbackOccupancy, nil
	default:
		return 0, fmt.Errorf("unknown fallback %q (must be uniform, self-loop or occupancy)", s)
	}
}

// MarkovSequenceGenerator estimates a transition matrix from state sequences
// and samples new sequences from it.
//
// The chain runs over the distinct labels seen during Fit (or the configured
// WithStates range), so sampled sequences only contain those labels.
// Transitions are counted within each training sequence only; no transition
// is counted from the end of one sequence to the start of the next. The
// initial-state distribution is the relative occupancy of each state over all
// training positions. Rows of states without outgoing observations follow
// the configured Fallback, FallbackUniform by default.
type MarkovSequenceGenerator struct {
	mu sync.RWMutex

	// Configuration
	cfg        generators.Config
	statesHint int
	fallback   Fallback
	logger     *slog.Logger

	// Trained model, indexed by alphabet position
	alphabet    *generators.Alphabet
	transitions [][]float64
	initial     []float64
	trained     bool
}

// Option configures a MarkovSequenceGenerator.
type Option func(*MarkovSequenceGenerator)

// WithStates fixes the alphabet to the labels [0, n) instead of the labels
// observed during Fit.
func WithStates(n int) Option {
	return func(m *MarkovSequenceGenerator) {
		m.statesHint = n
	}
}

// WithFallback sets the policy for rows without observed transitions.
func WithFallback(f Fallback) Option {
	return func(m *MarkovSequenceGenerator) {
		m.fallback = f
	}
}

// WithSeed sets the default seed of Sample calls.
func WithSeed(seed int64) Option {
	return func(m *MarkovSequenceGenerator) {
		m.cfg.RandomSeed = seed
	}
}

// WithLogger sets the logger used during fitting.
func WithLogger(l *slog.Logger) Option {
	return func(m *MarkovSequenceGenerator) {
		m.logger = l
	}
}

// New creates an untrained generator with the given options.
func New(opts ...Option) *MarkovSequenceGenerator {
	m := &MarkovSequenceGenerator{
		cfg:      generators.DefaultConfig(),
		fallback: FallbackUniform,
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return m
}

// Name returns the variant identifier.
func (m *MarkovSequenceGenerator) Name() string {
	return "markov"
}

// Fit estimates transition probabilities from seqs.
//
// Returns modelerr.ErrInsufficientData when no sequence holds at least two
// states, since no transition can then be observed.
func (m *MarkovSequenceGenerator) Fit(seqs ...frame.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(seqs) == 0 {
		return fmt.Errorf("%w: no training sequences", modelerr.ErrInsufficientData)
	}

	alphabet, err := generators.NewAlphabet(m.statesHint, seqs...)
	if err != nil {
		return err
	}
	numStates := alphabet.Len()

	counts := make([][]float64, numStates)
	for i := range counts {
		counts[i] = make([]float64, numStates)
	}

	total := 0
	for _, seq := range seqs {
		for t := 1; t < len(seq); t++ {
			from, _ := alphabet.Index(seq[t-1])
			to, _ := alphabet.Index(seq[t])
			counts[from][to]++
			total++
		}
	}
	if total == 0 {
		return fmt.Errorf("%w: sequences contain no transitions", modelerr.ErrInsufficientData)
	}

	initial := generators.Occupancy(alphabet, seqs...)

	fallbackRows := 0
	for i, row := range counts {
		var sum float64
		for _, c := range row {
			sum += c
		}

		if sum > 0 {
			for j := range row {
				row[j] /= sum
			}
			continue
		}

		fallbackRows++
		switch m.fallback {
		case FallbackSelfLoop:
			row[i] = 1
		case FallbackOccupancy:
			copy(row, initial)
		default:
			for j := range row {
				row[j] = 1 / float64(numStates)
			}
		}
	}

	m.alphabet = alphabet
	m.transitions = counts
	m.initial = initial
	m.trained = true

	m.logger.Info("markov chain fitted",
		"sequences", len(seqs),
		"states", numStates,
		"transitions", total,
		"fallback_rows", fallbackRows,
		"fallback", m.fallback.String(),
	)

	return nil
}

// Sample draws a sequence of exactly n states. The first state comes from
// the initial distribution unless generators.StartAt is given; each later
// state is drawn from the transition row of its predecessor.
func (m *MarkovSequenceGenerator) Sample(n int, opts ...generators.SampleOption) (frame.Sequence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, modelerr.ErrNotFitted
	}
	if n < 0 {
		return nil, fmt.Errorf("sample length must be >= 0, got %d", n)
	}

	o, err := generators.ResolveSampleOptions(m.cfg, m.alphabet, opts...)
	if err != nil {
		return nil, err
	}

	seq := make(frame.Sequence, n)
	if n == 0 {
		return seq, nil
	}

	// Rows are built on first visit; long chains touch few of them.
	rows := make([]*distuv.Categorical, len(m.transitions))
	next := func(from int) int {
		if rows[from] == nil {
			c := generators.NewCategorical(m.transitions[from], o.Rand)
			rows[from] = &c
		}
		return int(rows[from].Rand())
	}

	var cur int
	if o.HasStart {
		cur = o.StartIndex
	} else {
		cur = int(generators.NewCategorical(m.initial, o.Rand).Rand())
	}
	seq[0] = m.alphabet.Label(cur)
	for t := 1; t < n; t++ {
		cur = next(cur)
		seq[t] = m.alphabet.Label(cur)
	}

	return seq, nil
}

// NumStates returns the alphabet size, or 0 before Fit.
func (m *MarkovSequenceGenerator) NumStates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.alphabet == nil {
		return 0
	}
	return m.alphabet.Len()
}

// Labels returns the state labels in the row order of TransitionMatrix.
func (m *MarkovSequenceGenerator) Labels() ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, modelerr.ErrNotFitted
	}
	return m.alphabet.Labels(), nil
}

// TransitionMatrix returns a copy of P(next | current), one row per current
// state. Rows and columns follow Labels.
func (m *MarkovSequenceGenerator) TransitionMatrix() ([][]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, modelerr.ErrNotFitted
	}

	out := make([][]float64, len(m.transitions))
	for i, row := range m.transitions {
		out[i] = append([]float64(nil), row...)
	}
	return out, nil
}

// InitialDistribution returns a copy of the initial-state distribution,
// ordered as Labels.
func (m *MarkovSequenceGenerator) InitialDistribution() ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, modelerr.ErrNotFitted
	}
	return append([]float64(nil), m.initial...), nil
}

// Save serializes the trained model.
func (m *MarkovSequenceGenerator) Save() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, modelerr.ErrNotFitted
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(m.cfg.RandomSeed); err != nil {
		return nil, err
	}
	if err := enc.Encode(int(m.fallback)); err != nil {
		return nil, err
	}
	if err := enc.Encode(m.alphabet.Labels()); err != nil {
		return nil, err
	}
	if err := enc.Encode(m.initial); err != nil {
		return nil, err
	}
	if err := enc.Encode(m.transitions); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (m *MarkovSequenceGenerator) Load(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dec := gob.NewDecoder(bytes.NewBuffer(data))

	var (
		seed        int64
		fallback    int
		labels      []int
		initial     []float64
		transitions [][]float64
	)
	if err := dec.Decode(&seed); err != nil {
		return err
	}
	if err := dec.Decode(&fallback); err != nil {
		return err
	}
	if err := dec.Decode(&labels); err != nil {
		return err
	}
	if err := dec.Decode(&initial); err != nil {
		return err
	}
	if err := dec.Decode(&transitions); err != nil {
		return err
	}

	alphabet, err := generators.AlphabetOf(labels)
	if err != nil {
		return fmt.Errorf("corrupt markov model: %w", err)
	}
	numStates := alphabet.Len()
	if numStates < 1 || len(initial) != numStates || len(transitions) != numStates {
		return fmt.Errorf("corrupt markov model: %d states, %d initial, %d rows",
			numStates, len(initial), len(transitions))
	}
	for i, row := range transitions {
		if len(row) != numStates {
			return fmt.Errorf("corrupt markov model: row %d has %d entries", i, len(row))
		}
		if floats.Min(row) < 0 || floats.Sum(row) <= 0 {
			return fmt.Errorf("corrupt markov model: row %d is not a distribution", i)
		}
	}

	m.cfg.RandomSeed = seed
	m.fallback = Fallback(fallback)
	m.alphabet = alphabet
	m.initial = initial
	m.transitions = transitions
	m.trained = true

	return nil
}

var _ generators.Generator = (*MarkovSequenceGenerator)(nil)
