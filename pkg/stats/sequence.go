package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/hed1ad/gotrafficml/pkg/frame"
)

// SequenceStats compares a real and a generated state sequence.
type SequenceStats struct {
	RealLength        int `json:"real_length" yaml:"real_length"`
	GeneratedLength   int `json:"generated_length" yaml:"generated_length"`
	RealDistinct      int `json:"real_distinct" yaml:"real_distinct"`
	GeneratedDistinct int `json:"generated_distinct" yaml:"generated_distinct"`
	// UnseenStates counts distinct generated states that never occur in the real sequence.
	UnseenStates int `json:"unseen_states" yaml:"unseen_states"`
	// StateKL is D(real || generated) over state frequencies.
	StateKL float64 `json:"state_kl" yaml:"state_kl"`
	// TransitionMAE is the mean absolute difference between the empirical
	// transition matrices, over rows observed in either sequence and columns
	// of every state occurring in either sequence.
	TransitionMAE float64 `json:"transition_mae" yaml:"transition_mae"`
	// KS tests the state labels as samples.
	KS KSResult `json:"ks" yaml:"ks"`
}

// CalcStats compares discrete-sequence statistics of real and generated
// sequences. All tables are built over the states that occur in either
// sequence, so cost follows the sequence lengths rather than the alphabet.
// When numStates is positive every label must lie in [0, numStates).
func (c *Comparator) CalcStats(real, generated frame.Sequence, numStates int) SequenceStats {
	res := SequenceStats{
		RealLength:      len(real),
		GeneratedLength: len(generated),
	}

	for _, seq := range []frame.Sequence{real, generated} {
		if err := checkLabels(seq, numStates); err != nil {
			nan := c.undefined("sequence", err.Error())
			return nanSequenceStats(res, nan)
		}
	}

	index := observedIndex(real, generated)
	realFreq := frequencies(real, index)
	genFreq := frequencies(generated, index)
	for s := range realFreq {
		if realFreq[s] > 0 {
			res.RealDistinct++
		}
		if genFreq[s] > 0 {
			res.GeneratedDistinct++
			if realFreq[s] == 0 {
				res.UnseenStates++
			}
		}
	}

	if len(real) == 0 || len(generated) == 0 {
		res.StateKL = c.undefined("state_kl", "empty sequence", "len_real", len(real), "len_generated", len(generated))
	} else {
		res.StateKL = klFromCounts(c.smooth(realFreq), c.smooth(genFreq))
	}

	res.TransitionMAE = c.transitionMAE(real, generated, index)
	res.KS = c.KS2Sample(real.Floats(), generated.Floats())
	return res
}

func checkLabels(seq frame.Sequence, numStates int) error {
	if numStates > 0 {
		return seq.Validate(numStates)
	}
	for i, s := range seq {
		if s < 0 {
			return fmt.Errorf("negative state %d at position %d", s, i)
		}
	}
	return nil
}

func nanSequenceStats(res SequenceStats, nan float64) SequenceStats {
	res.StateKL = nan
	res.TransitionMAE = nan
	res.KS = KSResult{Statistic: nan, PValue: nan}
	return res
}

// observedIndex maps every label occurring in seqs to a dense index in
// ascending label order.
func observedIndex(seqs ...frame.Sequence) map[int]int {
	seen := make(map[int]struct{})
	for _, seq := range seqs {
		for _, s := range seq {
			seen[s] = struct{}{}
		}
	}
	labels := make([]int, 0, len(seen))
	for s := range seen {
		labels = append(labels, s)
	}
	sort.Ints(labels)

	index := make(map[int]int, len(labels))
	for i, s := range labels {
		index[s] = i
	}
	return index
}

func frequencies(seq frame.Sequence, index map[int]int) []float64 {
	counts := make([]float64, len(index))
	for _, s := range seq {
		counts[index[s]]++
	}
	return counts
}

func klFromCounts(p, q []float64) float64 {
	var kl float64
	for i := range p {
		kl += p[i] * math.Log(p[i]/q[i])
	}
	return kl
}

// transitionRows returns the row-normalized transition probabilities of seq
// as sparse rows keyed by dense index.
func transitionRows(seq frame.Sequence, index map[int]int) map[int]map[int]float64 {
	rows := make(map[int]map[int]float64)
	for t := 1; t < len(seq); t++ {
		from, to := index[seq[t-1]], index[seq[t]]
		row := rows[from]
		if row == nil {
			row = make(map[int]float64)
			rows[from] = row
		}
		row[to]++
	}
	for _, row := range rows {
		var sum float64
		for _, v := range row {
			sum += v
		}
		for j := range row {
			row[j] /= sum
		}
	}
	return rows
}

func (c *Comparator) transitionMAE(real, generated frame.Sequence, index map[int]int) float64 {
	pr := transitionRows(real, index)
	pg := transitionRows(generated, index)

	observed := make(map[int]struct{}, len(pr)+len(pg))
	for i := range pr {
		observed[i] = struct{}{}
	}
	for i := range pg {
		observed[i] = struct{}{}
	}
	if len(observed) == 0 {
		return c.undefined("transition_mae", "no transitions in either sequence")
	}

	// Entries absent from both rows are zero and add nothing to the sum.
	var sum float64
	for i := range observed {
		for j, v := range pr[i] {
			sum += math.Abs(v - pg[i][j])
		}
		for j, v := range pg[i] {
			if _, ok := pr[i][j]; !ok {
				sum += v
			}
		}
	}
	return sum / float64(len(observed)*len(index))
}
