// Package generators provides discrete state sequence models that can be fit
// on quantized traffic and sampled to produce synthetic traffic.
package generators

import (
	"fmt"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/hed1ad/gotrafficml/pkg/frame"
)

// Generator is the common interface for all sequence model variants.
// Evaluation code depends only on this interface, never on a concrete variant.
type Generator interface {
	// Name returns the variant identifier.
	Name() string

	// Fit estimates the model parameters from one or more independent state sequences.
	Fit(seqs ...frame.Sequence) error

	// Sample draws a new state sequence of exactly n states, using only
	// labels of the fitted alphabet.
	// Without WithSeed or WithRand every call draws from a fresh stream seeded
	// with Config.RandomSeed, so repeated calls return the same sequence.
	// Sampling never mutates the fitted parameters, so a fitted Generator may be
	// sampled from several goroutines at once.
	Sample(n int, opts ...SampleOption) (frame.Sequence, error)

	// NumStates returns the size of the state alphabet, or 0 before Fit.
	NumStates() int

	// Save serializes the trained model to bytes.
	Save() ([]byte, error)

	// Load deserializes a trained model from bytes.
	Load(data []byte) error
}

// Config holds common configuration for generators.
type Config struct {
	// RandomSeed seeds every Sample call that does not supply its own source.
	RandomSeed int64
}

// DefaultConfig returns sensible defaults for generator configuration.
func DefaultConfig() Config {
	return Config{
		RandomSeed: 42,
	}
}

// NewRand returns a random stream seeded with seed.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(uint64(seed)))
}

// SampleOptions is the resolved form of a set of SampleOption values.
type SampleOptions struct {
	Rand *rand.Rand
	// StartState is the requested first label; StartIndex is its position
	// in the alphabet.
	StartState int
	StartIndex int
	HasStart   bool
}

// SampleOption configures a single Sample call.
type SampleOption func(*SampleOptions)

// WithSeed seeds the random stream of this call.
func WithSeed(seed int64) SampleOption {
	return func(o *SampleOptions) {
		o.Rand = NewRand(seed)
	}
}

// WithRand draws from r. The caller owns r and must not share it across
// concurrent Sample calls.
func WithRand(r *rand.Rand) SampleOption {
	return func(o *SampleOptions) {
		o.Rand = r
	}
}

// StartAt fixes the first sampled state instead of drawing it.
func StartAt(state int) SampleOption {
	return func(o *SampleOptions) {
		o.StartState = state
		o.HasStart = true
	}
}

// ResolveSampleOptions applies opts over a stream seeded with cfg.RandomSeed
// and checks a requested start state against the alphabet.
func ResolveSampleOptions(cfg Config, a *Alphabet, opts ...SampleOption) (SampleOptions, error) {
	var o SampleOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Rand == nil {
		o.Rand = NewRand(cfg.RandomSeed)
	}
	if o.HasStart {
		idx, ok := a.Index(o.StartState)
		if !ok {
			return o, fmt.Errorf("start state %d is not in the fitted alphabet", o.StartState)
		}
		o.StartIndex = idx
	}
	return o, nil
}

// NewCategorical returns a categorical distribution over weight indexes
// drawing from r. Weights need not be normalized.
func NewCategorical(weights []float64, r *rand.Rand) distuv.Categorical {
	return distuv.NewCategorical(weights, r)
}

// Alphabet maps state labels to dense indexes. Quantizer labels are sparse
// mixed-radix codes, so models are sized by the labels actually in use.
type Alphabet struct {
	labels []int
	index  map[int]int
}

// NewAlphabet returns the sorted distinct labels of seqs. When configured is
// positive the alphabet is every label in [0, configured) instead, and
// observed labels outside it are an error.
func NewAlphabet(configured int, seqs ...frame.Sequence) (*Alphabet, error) {
	seen := make(map[int]struct{})
	for _, seq := range seqs {
		for i, s := range seq {
			if s < 0 {
				return nil, fmt.Errorf("negative state %d at position %d", s, i)
			}
			if configured > 0 && s >= configured {
				return nil, fmt.Errorf("state %d outside configured alphabet of %d states", s, configured)
			}
			seen[s] = struct{}{}
		}
	}

	var labels []int
	if configured > 0 {
		labels = make([]int, configured)
		for i := range labels {
			labels[i] = i
		}
	} else {
		labels = make([]int, 0, len(seen))
		for s := range seen {
			labels = append(labels, s)
		}
		sort.Ints(labels)
	}
	return AlphabetOf(labels)
}

// AlphabetOf builds an alphabet from strictly increasing non-negative labels.
func AlphabetOf(labels []int) (*Alphabet, error) {
	a := &Alphabet{
		labels: append([]int(nil), labels...),
		index:  make(map[int]int, len(labels)),
	}
	for i, s := range a.labels {
		if s < 0 || (i > 0 && s <= a.labels[i-1]) {
			return nil, fmt.Errorf("alphabet labels must be non-negative and strictly increasing, got %d at %d", s, i)
		}
		a.index[s] = i
	}
	return a, nil
}

// Len returns the number of labels.
func (a *Alphabet) Len() int {
	return len(a.labels)
}

// Label returns the label at index i.
func (a *Alphabet) Label(i int) int {
	return a.labels[i]
}

// Index returns the position of label.
func (a *Alphabet) Index(label int) (int, bool) {
	i, ok := a.index[label]
	return i, ok
}

// Labels returns a copy of the labels in index order.
func (a *Alphabet) Labels() []int {
	return append([]int(nil), a.labels...)
}

// Occupancy returns the relative frequency of every alphabet entry over all
// positions of seqs. Labels outside the alphabet are ignored.
func Occupancy(a *Alphabet, seqs ...frame.Sequence) []float64 {
	freq := make([]float64, a.Len())
	total := 0
	for _, seq := range seqs {
		for _, s := range seq {
			if i, ok := a.index[s]; ok {
				freq[i]++
				total++
			}
		}
	}
	if total == 0 {
		return freq
	}
	for i := range freq {
		freq[i] /= float64(total)
	}
	return freq
}
