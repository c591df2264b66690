// Package threshold maintains a rolling quantile threshold over anomaly
// score history.
package threshold

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

var (
	// ErrInvalidQuantile is returned for a quantile outside (0, 1).
	ErrInvalidQuantile = errors.New("threshold: quantile must be in (0, 1)")
	// ErrInvalidDuration is returned for a non-positive history bound.
	ErrInvalidDuration = errors.New("threshold: max duration must be > 0")
	// ErrNoHistory is returned when a quantile is requested over no scores.
	ErrNoHistory = errors.New("threshold: no score history")
	// ErrHistoryCheckpoint wraps a failure to persist dropped history.
	ErrHistoryCheckpoint = errors.New("threshold: history checkpoint failed")
)

// DefaultMaxDuration returns the original thirty-day bound, counted in
// per-minute records scaled by the shingle length.
func DefaultMaxDuration(sequences int) int {
	return sequences * 24 * 60 * 30
}

// HistoryStore persists the oldest half of the score history when it is
// dropped from memory.
type HistoryStore interface {
	SaveHistory(ctx context.Context, entity detectors.EntityID, start, end time.Time, points []detectors.ScoredPoint) error
}

// State is the serializable form of an Estimator.
type State struct {
	Value   float64
	History []detectors.ScoredPoint
}

// Estimator tracks the score history of one entity and derives the
// anomaly threshold from it.
type Estimator struct {
	entity      detectors.EntityID
	quantile    float64
	maxDuration int
	store       HistoryStore

	history []detectors.ScoredPoint
	// sorted mirrors the score column of history in ascending order.
	sorted []float64
	value  float64
}

// New creates an Estimator. store may be nil, in which case dropped history
// is discarded.
func New(entity detectors.EntityID, quantile float64, maxDuration int, store HistoryStore) (*Estimator, error) {
	if err := checkQuantile(quantile); err != nil {
		return nil, err
	}
	if maxDuration <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDuration, maxDuration)
	}
	return &Estimator{
		entity:      entity,
		quantile:    quantile,
		maxDuration: maxDuration,
		store:       store,
	}, nil
}

// Update appends p to the history and returns the current threshold.
//
// Below maxDuration entries the threshold follows the quantile of the whole
// history. Between maxDuration and twice that it stays fixed. At twice the
// bound the oldest maxDuration entries are handed to the store and dropped,
// and the threshold is recomputed from the rest. A store failure is returned
// wrapped in ErrHistoryCheckpoint together with the recomputed threshold; the
// entries are dropped regardless so memory stays bounded.
func (e *Estimator) Update(ctx context.Context, p detectors.ScoredPoint) (float64, error) {
	e.history = append(e.history, p)
	i := sort.SearchFloat64s(e.sorted, p.Score)
	e.sorted = slices.Insert(e.sorted, i, p.Score)

	if len(e.history) < e.maxDuration {
		e.value = quantileSorted(e.sorted, e.quantile)
	}

	if len(e.history) < 2*e.maxDuration {
		return e.value, nil
	}

	old := e.history[:e.maxDuration]
	start, end := old[0].Time, e.history[e.maxDuration].Time

	var saveErr error
	if e.store != nil {
		if err := e.store.SaveHistory(ctx, e.entity, start, end, old); err != nil {
			saveErr = fmt.Errorf("%w: %v", ErrHistoryCheckpoint, err)
		}
	}

	rest := make([]detectors.ScoredPoint, len(e.history)-e.maxDuration)
	copy(rest, e.history[e.maxDuration:])
	e.history = rest
	e.resort()

	e.value = quantileSorted(e.sorted, e.quantile)
	return e.value, saveErr
}

// Value returns the current threshold.
func (e *Estimator) Value() float64 {
	return e.value
}

// Len returns the number of scores held in memory.
func (e *Estimator) Len() int {
	return len(e.history)
}

// MaxDuration returns the history bound.
func (e *Estimator) MaxDuration() int {
	return e.maxDuration
}

// Seed replaces the history, for example with scores from batch training,
// and recomputes the threshold from it.
func (e *Estimator) Seed(points []detectors.ScoredPoint) {
	if len(points) > 2*e.maxDuration {
		points = points[len(points)-2*e.maxDuration:]
	}
	e.history = append([]detectors.ScoredPoint(nil), points...)
	e.resort()
	if len(e.sorted) == 0 {
		e.value = 0
		return
	}
	e.value = quantileSorted(e.sorted, e.quantile)
}

func (e *Estimator) resort() {
	e.sorted = scoreColumn(e.history)
	sort.Float64s(e.sorted)
}

// State returns a copy of the estimator's state.
func (e *Estimator) State() State {
	return State{
		Value:   e.value,
		History: append([]detectors.ScoredPoint(nil), e.history...),
	}
}

// Restore replaces the estimator's state with st.
func (e *Estimator) Restore(st State) {
	e.value = st.Value
	e.history = append([]detectors.ScoredPoint(nil), st.History...)
	e.resort()
}
