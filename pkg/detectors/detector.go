// Package detectors defines the data model shared by the streaming anomaly
// detection engine and its collaborators.
package detectors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// TimeLayout is the minute-resolution timestamp format used by input and
// output records.
const TimeLayout = "2006-01-02 15:04"

// FileTimeLayout is the timestamp format used inside file names.
const FileTimeLayout = "200601021504"

// ErrInvalidRecord marks an input record that could not be used as is.
// Readers wrap it; it is never fatal to a stream.
var ErrInvalidRecord = errors.New("invalid record")

// EntityID identifies one traffic series: a gateway address and a service type.
type EntityID struct {
	Gateway string
	Service string
}

// String returns "gateway_service".
func (e EntityID) String() string {
	return e.Gateway + "_" + e.Service
}

// Record is one input observation for an entity.
type Record struct {
	Entity EntityID
	Time   time.Time
	// Values holds the feature vector, [volume_up, volume_down] for CDR input.
	Values []float64
	// Missing marks a record whose fields could not be parsed; its values are NaN.
	Missing bool
}

// ScoredPoint pairs a timestamp with an anomaly score.
type ScoredPoint struct {
	Time  time.Time
	Score float64
}

// Label is the per-point decision.
type Label int

const (
	// Normal is a point scored below the threshold.
	Normal Label = iota
	// Anomaly is a point scored at or above the threshold.
	Anomaly
)

func (l Label) String() string {
	if l == Anomaly {
		return "Anomaly"
	}
	return "Normal"
}

// PercentageKind tells which form a Percentage takes.
type PercentageKind int

const (
	// PercentNormal is emitted for a normal point while no voting window is open.
	PercentNormal PercentageKind = iota
	// PercentObserving is emitted while a voting window is accumulating labels.
	PercentObserving
	// PercentVerdict carries the anomaly fraction of a voting window that just closed.
	PercentVerdict
)

// Percentage is the voting state attached to every result.
type Percentage struct {
	Kind     PercentageKind
	Start    time.Time
	End      time.Time
	Fraction float64
}

// String renders the percentage the way output records carry it.
func (p Percentage) String() string {
	switch p.Kind {
	case PercentObserving:
		return "observing"
	case PercentVerdict:
		return fmt.Sprintf("[%s, %s, %s]",
			p.Start.Format(TimeLayout), p.End.Format(TimeLayout),
			strconv.FormatFloat(p.Fraction, 'f', -1, 64))
	default:
		return "Normal"
	}
}

// Result is the detection outcome for one scored record.
type Result struct {
	Entity     EntityID
	Time       time.Time
	Values     []float64
	Score      float64
	Threshold  float64
	Label      Label
	Percentage Percentage
}

// Scorer scores records of a single entity in timestamp order.
type Scorer interface {
	// Score consumes rec and returns its result. The boolean is false while
	// the scorer is still collecting enough history to form a shingle.
	Score(ctx context.Context, rec Record) (Result, bool, error)
}

// StreamDetector extends Scorer with channel based streaming.
type StreamDetector interface {
	Scorer

	// ScoreStream scores records from input until it is closed or ctx is done.
	ScoreStream(ctx context.Context, input <-chan Record, output chan<- Result) error
}
