// Package voter confirms anomalous periods with a majority-style voting
// window that opens on the first anomalous point.
package voter

import (
	"fmt"
	"math"
	"time"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/window"
)

// Vote is one labelled point inside the voting window.
type Vote struct {
	Time  time.Time
	Label detectors.Label
}

// State is the serializable form of a Voter.
type State struct {
	Active bool
	Votes  []Vote
}

// Voter is inactive until an anomalous point arrives; it then collects
// Cap labels and reports the anomalous fraction once full.
type Voter struct {
	votes  *window.Bounded[Vote]
	active bool
}

// New creates a voter whose window holds capacity labels.
func New(capacity int) (*Voter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("voter: capacity must be > 0, got %d", capacity)
	}
	return &Voter{votes: window.New[Vote](capacity)}, nil
}

// Active reports whether a voting window is open.
func (v *Voter) Active() bool {
	return v.active
}

// Observe records label for the point at ts and returns the percentage to
// emit with it.
func (v *Voter) Observe(ts time.Time, label detectors.Label) (detectors.Percentage, error) {
	if !v.active {
		if label == detectors.Normal {
			return detectors.Percentage{Kind: detectors.PercentNormal}, nil
		}
		v.active = true
	}

	if err := v.votes.Put(Vote{Time: ts, Label: label}); err != nil {
		return detectors.Percentage{}, err
	}

	full, err := v.votes.Full()
	if err != nil {
		return detectors.Percentage{}, err
	}
	if !full {
		return detectors.Percentage{Kind: detectors.PercentObserving}, nil
	}

	p := v.verdict()
	v.votes.Clear()
	v.active = false
	return p, nil
}

func (v *Voter) verdict() detectors.Percentage {
	votes := v.votes.Items()
	anomalies := 0
	for _, vote := range votes {
		if vote.Label == detectors.Anomaly {
			anomalies++
		}
	}
	fraction := float64(anomalies) / float64(v.votes.Cap())
	return detectors.Percentage{
		Kind:     detectors.PercentVerdict,
		Start:    votes[0].Time,
		End:      votes[len(votes)-1].Time,
		Fraction: math.Round(fraction*1000) / 1000,
	}
}

// State returns a copy of the voter's state.
func (v *Voter) State() State {
	return State{Active: v.active, Votes: v.votes.Items()}
}

// Restore replaces the voter's state with st.
func (v *Voter) Restore(st State) error {
	w, err := window.From(v.votes.Cap(), st.Votes)
	if err != nil {
		return fmt.Errorf("voter: restore: %w", err)
	}
	v.votes = w
	v.active = st.Active
	return nil
}
