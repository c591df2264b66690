package threshold

import (
	"fmt"
	"math"
	"sort"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

// Quantile returns the q-quantile of values using linear interpolation
// between the two closest ranks.
func Quantile(values []float64, q float64) (float64, error) {
	if err := checkQuantile(q); err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, ErrNoHistory
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return quantileSorted(sorted, q), nil
}

// quantileSorted interpolates the q-quantile of a non-empty ascending slice.
func quantileSorted(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Calc returns the q-quantile of the score column of points.
func Calc(points []detectors.ScoredPoint, q float64) (float64, error) {
	return Quantile(scoreColumn(points), q)
}

// Exceeding returns the points whose score is at or above threshold.
func Exceeding(points []detectors.ScoredPoint, threshold float64) []detectors.ScoredPoint {
	var out []detectors.ScoredPoint
	for _, p := range points {
		if p.Score >= threshold {
			out = append(out, p)
		}
	}
	return out
}

func checkQuantile(q float64) error {
	if !(q > 0 && q < 1) {
		return fmt.Errorf("%w: %v", ErrInvalidQuantile, q)
	}
	return nil
}

func scoreColumn(points []detectors.ScoredPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Score
	}
	return out
}
