package voter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

var t0 = time.Date(2019, 8, 1, 0, 0, 0, 0, time.UTC)

func minute(i int) time.Time {
	return t0.Add(time.Duration(i) * time.Minute)
}

func TestVoterStateMachine(t *testing.T) {
	v, err := New(3)
	require.NoError(t, err)

	N, A := detectors.Normal, detectors.Anomaly
	labels := []detectors.Label{N, A, N, A, N, A}
	want := []detectors.PercentageKind{
		detectors.PercentNormal,
		detectors.PercentObserving,
		detectors.PercentObserving,
		detectors.PercentVerdict,
		detectors.PercentNormal,
		detectors.PercentObserving,
	}

	var got []detectors.Percentage
	for i, l := range labels {
		p, err := v.Observe(minute(i), l)
		require.NoError(t, err)
		got = append(got, p)
		assert.Equal(t, want[i], p.Kind, "label %d", i)
	}

	verdict := got[3]
	assert.Equal(t, 0.667, verdict.Fraction)
	assert.Equal(t, minute(1), verdict.Start)
	assert.Equal(t, minute(3), verdict.End)
	assert.True(t, v.Active(), "the last anomaly reopens the window")
}

func TestVoterResetsAfterVerdict(t *testing.T) {
	v, err := New(2)
	require.NoError(t, err)

	_, err = v.Observe(minute(0), detectors.Anomaly)
	require.NoError(t, err)
	p, err := v.Observe(minute(1), detectors.Anomaly)
	require.NoError(t, err)
	assert.Equal(t, detectors.PercentVerdict, p.Kind)
	assert.Equal(t, 1.0, p.Fraction)
	assert.False(t, v.Active())
	assert.Empty(t, v.State().Votes)
}

func TestVoterRestore(t *testing.T) {
	v, err := New(3)
	require.NoError(t, err)
	_, err = v.Observe(minute(0), detectors.Anomaly)
	require.NoError(t, err)

	other, err := New(3)
	require.NoError(t, err)
	require.NoError(t, other.Restore(v.State()))
	assert.True(t, other.Active())

	for i := 1; i < 3; i++ {
		want, err := v.Observe(minute(i), detectors.Normal)
		require.NoError(t, err)
		got, err := other.Observe(minute(i), detectors.Normal)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}
