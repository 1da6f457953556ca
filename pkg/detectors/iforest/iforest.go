// Package iforest scores how realistic restored traffic looks with an
// Isolation Forest fit on real traffic features.
package iforest

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/hed1ad/gotrafficml/pkg/frame"
	"github.com/hed1ad/gotrafficml/pkg/modelerr"
)

// IsolationForest isolates feature vectors with random axis-aligned splits.
// Rows that are isolated in few splits look unlike the training traffic.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64

	// Trained model
	columns       []string
	trees         []*node
	threshold     float64
	avgPathLength float64
	trained       bool
}

// node is a node of an isolation tree. Fields are exported for gob.
type node struct {
	Feature int
	Split   float64
	Left    *node
	Right   *node
	// Size is the number of training rows that reached a leaf.
	Size int
}

// Realism summarizes the anomaly scores of a table against the forest.
type Realism struct {
	// MeanAnomalyScore is the average score in [0, 1]; about 0.5 or lower
	// means the rows are hard to isolate from the training traffic.
	MeanAnomalyScore float64 `json:"mean_anomaly_score" yaml:"mean_anomaly_score"`
	// AnomalyRate is the share of rows scoring at or above the threshold.
	AnomalyRate float64 `json:"anomaly_rate" yaml:"anomaly_rate"`
	// Threshold is the score at the training contamination quantile.
	Threshold float64 `json:"threshold" yaml:"threshold"`
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the share of training rows treated as anomalous
// when deriving the threshold.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		seed:          42,
		threshold:     0.5,
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.nTrees < 1 {
		f.nTrees = 1
	}
	if f.sampleSize < 2 {
		f.sampleSize = 2
	}

	return f
}

// Fit trains the forest on the rows of table. Fitting is deterministic for
// a given seed and table.
func (f *IsolationForest) Fit(table *frame.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if table == nil || table.Len() == 0 {
		return fmt.Errorf("%w: empty training table", modelerr.ErrInsufficientData)
	}
	if err := table.Validate(); err != nil {
		return fmt.Errorf("%w: %w", modelerr.ErrFit, err)
	}

	rng := rand.New(rand.NewSource(f.seed))
	nSamples := table.Len()
	sampleSize := min(f.sampleSize, nSamples)
	maxDepth := int(math.Ceil(math.Log2(float64(sampleSize))))

	trees := make([]*node, f.nTrees)
	for i := range trees {
		// Sample without replacement
		indices := rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = table.Rows[idx]
		}
		trees[i] = buildNode(rng, sample, len(table.Columns), 0, maxDepth)
	}

	f.columns = append([]string(nil), table.Columns...)
	f.trees = trees
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	// Set threshold based on contamination
	if f.contamination > 0 && f.contamination < 1 {
		scores := make([]float64, nSamples)
		for i, row := range table.Rows {
			scores[i] = f.scoreRow(row)
		}
		sort.Float64s(scores)
		f.threshold = stat.Quantile(1-f.contamination, stat.Empirical, scores, nil)
	}

	return nil
}

func buildNode(rng *rand.Rand, data [][]float64, nFeatures, depth, maxDepth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		return &node{Size: n}
	}

	feature := rng.Intn(nFeatures)

	minVal, maxVal := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		minVal = math.Min(minVal, row[feature])
		maxVal = math.Max(maxVal, row[feature])
	}
	if minVal == maxVal {
		return &node{Size: n}
	}

	split := minVal + rng.Float64()*(maxVal-minVal)

	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &node{
		Feature: feature,
		Split:   split,
		Left:    buildNode(rng, left, nFeatures, depth+1, maxDepth),
		Right:   buildNode(rng, right, nFeatures, depth+1, maxDepth),
	}
}

// Score returns one anomaly score in [0, 1] per row of table. Columns are
// matched to the training columns by name. Rows are scored in parallel;
// cancelling ctx stops the work and returns ctx.Err().
func (f *IsolationForest) Score(ctx context.Context, table *frame.Table) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, modelerr.ErrNotFitted
	}

	rows, err := f.align(table)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(rows))
	workers := min(runtime.GOMAXPROCS(0), len(rows))
	chunk := 0
	if workers > 0 {
		chunk = (len(rows) + workers - 1) / workers
	}

	var wg sync.WaitGroup
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				if i%256 == 0 && ctx.Err() != nil {
					return
				}
				scores[i] = f.scoreRow(rows[i])
			}
		}(start, end)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return scores, nil
}

// Realism scores table and summarizes the result.
func (f *IsolationForest) Realism(ctx context.Context, table *frame.Table) (Realism, error) {
	scores, err := f.Score(ctx, table)
	if err != nil {
		return Realism{}, err
	}

	threshold := f.Threshold()
	if len(scores) == 0 {
		return Realism{Threshold: threshold}, fmt.Errorf("%w: no rows to score", modelerr.ErrInsufficientData)
	}

	anomalies := 0
	for _, s := range scores {
		if s >= threshold {
			anomalies++
		}
	}
	return Realism{
		MeanAnomalyScore: stat.Mean(scores, nil),
		AnomalyRate:      float64(anomalies) / float64(len(scores)),
		Threshold:        threshold,
	}, nil
}

// align reorders the columns of table into training column order.
func (f *IsolationForest) align(table *frame.Table) ([][]float64, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: nil table", modelerr.ErrShapeMismatch)
	}
	if !table.SameSchema(&frame.Table{Columns: f.columns}) {
		return nil, fmt.Errorf("%w: columns %v, model expects %v",
			modelerr.ErrShapeMismatch, table.Columns, f.columns)
	}

	idx := make([]int, len(f.columns))
	for i, name := range f.columns {
		idx[i] = table.ColumnIndex(name)
	}

	rows := make([][]float64, len(table.Rows))
	for r, row := range table.Rows {
		if len(row) != len(idx) {
			return nil, fmt.Errorf("%w: row %d has %d values", modelerr.ErrShapeMismatch, r, len(row))
		}
		aligned := make([]float64, len(idx))
		for i, j := range idx {
			aligned[i] = row[j]
		}
		rows[r] = aligned
	}
	return rows, nil
}

// scoreRow computes 2^(-E[h(x)] / c(n)); higher is more anomalous.
func (f *IsolationForest) scoreRow(row []float64) float64 {
	var total float64
	for _, tree := range f.trees {
		total += pathLength(row, tree, 0)
	}
	avgPath := total / float64(len(f.trees))
	if f.avgPathLength == 0 {
		return 0.5
	}
	return math.Pow(2, -avgPath/f.avgPathLength)
}

func pathLength(row []float64, n *node, depth int) float64 {
	if n.Left == nil && n.Right == nil {
		// Leaf: add the expected depth of the unresolved subtree.
		return float64(depth) + averagePathLength(float64(n.Size))
	}
	if row[n.Feature] < n.Split {
		return pathLength(row, n.Left, depth+1)
	}
	return pathLength(row, n.Right, depth+1)
}

// averagePathLength is c(n) = 2H(n-1) - 2(n-1)/n, the mean unsuccessful
// search depth of a binary search tree over n keys.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	const eulerGamma = 0.5772156649
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// snapshot is the gob form of a trained forest.
type snapshot struct {
	NTrees        int
	SampleSize    int
	Contamination float64
	Seed          int64
	Columns       []string
	Threshold     float64
	AvgPathLength float64
	Trees         []*node
}

// Save serializes the trained model.
func (f *IsolationForest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, modelerr.ErrNotFitted
	}

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{
		NTrees:        f.nTrees,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Seed:          f.seed,
		Columns:       f.columns,
		Threshold:     f.threshold,
		AvgPathLength: f.avgPathLength,
		Trees:         f.trees,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a trained model.
func (f *IsolationForest) Load(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return err
	}
	if len(s.Trees) == 0 || len(s.Columns) == 0 {
		return fmt.Errorf("corrupt isolation forest: %d trees, %d columns", len(s.Trees), len(s.Columns))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.nTrees = s.NTrees
	f.sampleSize = s.SampleSize
	f.contamination = s.Contamination
	f.seed = s.Seed
	f.columns = s.Columns
	f.threshold = s.Threshold
	f.avgPathLength = s.AvgPathLength
	f.trees = s.Trees
	f.trained = true

	return nil
}

// Threshold returns the current anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// SetThreshold updates the anomaly threshold.
func (f *IsolationForest) SetThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = t
}
