// Package rrcf implements a streaming Robust Random Cut Forest: an ensemble
// of random cut trees sharing one FIFO schedule of live slots.
package rrcf

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/shingle"
	"github.com/hed1ad/trafficguard/pkg/window"
)

// Forest scores shingled points by their average collusive displacement
// across all trees.
type Forest struct {
	mu sync.Mutex

	// Configuration
	numTrees   int
	leavesSize int
	sequences  int
	seed       uint64

	src *rand.PCGSource
	rng *rand.Rand

	trees  []*Tree
	window *window.Bounded[int64]
}

// Option configures a Forest.
type Option func(*Forest)

// WithTrees sets the number of trees.
func WithTrees(n int) Option {
	return func(f *Forest) {
		f.numTrees = n
	}
}

// WithLeaves sets how many points each tree remembers.
func WithLeaves(n int) Option {
	return func(f *Forest) {
		f.leavesSize = n
	}
}

// WithSequences sets the shingle length used by Train.
func WithSequences(n int) Option {
	return func(f *Forest) {
		f.sequences = n
	}
}

// WithSeed sets the random seed. Zero picks a time-derived seed.
func WithSeed(seed uint64) Option {
	return func(f *Forest) {
		f.seed = seed
	}
}

// New creates a Forest with the given options.
func New(opts ...Option) (*Forest, error) {
	f := &Forest{
		numTrees:   80,
		leavesSize: 1440,
		sequences:  5,
	}

	for _, opt := range opts {
		opt(f)
	}

	if err := validate(f.numTrees, f.leavesSize, f.sequences); err != nil {
		return nil, err
	}
	if f.seed == 0 {
		f.seed = uint64(time.Now().UnixNano())
	}

	f.src = &rand.PCGSource{}
	f.src.Seed(f.seed)
	f.rng = rand.New(f.src)
	f.window = window.New[int64](f.leavesSize)
	f.resetTrees()

	return f, nil
}

func validate(numTrees, leavesSize, sequences int) error {
	if numTrees <= 0 {
		return fmt.Errorf("%w: num_trees must be > 0, got %d", ErrInvalidConfig, numTrees)
	}
	if leavesSize <= 0 {
		return fmt.Errorf("%w: leaves_size must be > 0, got %d", ErrInvalidConfig, leavesSize)
	}
	if sequences <= 0 {
		return fmt.Errorf("%w: sequence_length must be > 0, got %d", ErrInvalidConfig, sequences)
	}
	return nil
}

func (f *Forest) resetTrees() {
	f.trees = make([]*Tree, f.numTrees)
	for i := range f.trees {
		f.trees[i] = NewTree(f.rng)
	}
}

// Train rebuilds the forest from a batch of raw vectors. Each shingle is
// inserted in order, evicting the oldest once every tree holds LeavesSize
// points, and its average displacement is reported under the timestamp of
// the shingle's last vector.
func (f *Forest) Train(times []time.Time, data [][]float64) ([]detectors.ScoredPoint, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(times) != len(data) {
		return nil, 0, fmt.Errorf("rrcf: %d timestamps for %d vectors", len(times), len(data))
	}

	start := time.Now()
	f.resetTrees()
	f.window.Clear()

	scores := make([]detectors.ScoredPoint, 0, shingle.Count(len(data), f.sequences))
	for i, point := range shingle.Windows(data, f.sequences) {
		avg, err := f.step(int64(i), point)
		if err != nil {
			return nil, 0, err
		}
		scores = append(scores, detectors.ScoredPoint{Time: times[i+f.sequences-1], Score: avg})
	}

	return scores, time.Since(start), nil
}

// Score inserts one already shingled point and returns its average
// displacement. Slots continue from the newest live slot; an empty forest
// starts over with fresh trees.
func (f *Forest) Score(ts time.Time, point []float64) (detectors.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var slot int64
	if f.window.Empty() {
		f.resetTrees()
	} else {
		last, err := f.window.Last()
		if err != nil {
			return detectors.ScoredPoint{}, err
		}
		slot = last + 1
	}

	avg, err := f.step(slot, point)
	if err != nil {
		return detectors.ScoredPoint{}, err
	}
	return detectors.ScoredPoint{Time: ts, Score: avg}, nil
}

// step runs one evict/insert/codisp cycle over every tree.
func (f *Forest) step(slot int64, point []float64) (float64, error) {
	full, err := f.window.Full()
	if err != nil {
		return 0, err
	}

	evicted := int64(-1)
	if full {
		if evicted, err = f.window.Get(); err != nil {
			return 0, err
		}
	}

	scores := make([]float64, len(f.trees))
	for i, tree := range f.trees {
		if evicted >= 0 {
			if err := tree.ForgetPoint(evicted); err != nil {
				return 0, fmt.Errorf("tree %d: %w", i, err)
			}
		}
		if err := tree.InsertPoint(point, slot); err != nil {
			return 0, fmt.Errorf("tree %d: %w", i, err)
		}
		c, err := tree.CoDisp(slot)
		if err != nil {
			return 0, fmt.Errorf("tree %d: %w", i, err)
		}
		scores[i] = c
	}

	if err := f.window.Put(slot); err != nil {
		return 0, err
	}
	return floats.Sum(scores) / float64(len(f.trees)), nil
}

// Live returns the live slots, oldest first.
func (f *Forest) Live() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window.Items()
}

// NumTrees returns the number of trees.
func (f *Forest) NumTrees() int {
	return f.numTrees
}

// LeavesSize returns the per-tree capacity.
func (f *Forest) LeavesSize() int {
	return f.leavesSize
}

// Sequences returns the shingle length.
func (f *Forest) Sequences() int {
	return f.sequences
}

// State returns a deep copy of the forest, including its random source.
func (f *Forest) State() (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rngState, err := f.src.MarshalBinary()
	if err != nil {
		return State{}, fmt.Errorf("rrcf: marshal random source: %w", err)
	}

	st := State{
		NumTrees:   f.numTrees,
		LeavesSize: f.leavesSize,
		Sequences:  f.sequences,
		RNG:        rngState,
		Window:     f.window.Items(),
		Trees:      make([]TreeState, len(f.trees)),
	}
	for i, tree := range f.trees {
		st.Trees[i] = tree.State()
	}
	return st, nil
}

// Restore rebuilds a forest from st. Every tree must hold exactly the slots
// in the window.
func Restore(st State) (*Forest, error) {
	if err := validate(st.NumTrees, st.LeavesSize, st.Sequences); err != nil {
		return nil, err
	}
	if len(st.Trees) != st.NumTrees {
		return nil, fmt.Errorf("%w: %d trees for num_trees %d", ErrInvalidState, len(st.Trees), st.NumTrees)
	}

	f := &Forest{
		numTrees:   st.NumTrees,
		leavesSize: st.LeavesSize,
		sequences:  st.Sequences,
		src:        &rand.PCGSource{},
	}
	if err := f.src.UnmarshalBinary(st.RNG); err != nil {
		return nil, fmt.Errorf("%w: random source: %v", ErrInvalidState, err)
	}
	f.rng = rand.New(f.src)

	w, err := window.From(st.LeavesSize, st.Window)
	if err != nil {
		return nil, fmt.Errorf("%w: window: %v", ErrInvalidState, err)
	}
	f.window = w

	f.trees = make([]*Tree, len(st.Trees))
	for i, ts := range st.Trees {
		tree, err := restoreTree(ts, f.rng)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		if tree.Len() != len(st.Window) {
			return nil, fmt.Errorf("%w: tree %d holds %d slots, window %d", ErrInvalidState, i, tree.Len(), len(st.Window))
		}
		for _, slot := range st.Window {
			if !tree.Contains(slot) {
				return nil, fmt.Errorf("%w: tree %d is missing slot %d", ErrInvalidState, i, slot)
			}
		}
		f.trees[i] = tree
	}
	return f, nil
}
