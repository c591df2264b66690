package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

var entity = detectors.EntityID{Gateway: "10.0.0.1", Service: "WEB"}

func TestObserveResult(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveResult(detectors.Result{Entity: entity, Score: 3.5, Threshold: 2, Label: detectors.Anomaly}, time.Millisecond)
	m.ObserveResult(detectors.Result{
		Entity:     entity,
		Score:      1,
		Threshold:  2,
		Label:      detectors.Normal,
		Percentage: detectors.Percentage{Kind: detectors.PercentVerdict, Fraction: 0.5},
	}, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsScored.WithLabelValues("10.0.0.1", "WEB")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Labels.WithLabelValues("10.0.0.1", "WEB", "Anomaly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Labels.WithLabelValues("10.0.0.1", "WEB", "Normal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Score.WithLabelValues("10.0.0.1", "WEB")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verdicts.WithLabelValues("10.0.0.1", "WEB")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.VerdictFraction.WithLabelValues("10.0.0.1", "WEB")))
}

func TestFaultsAndCheckpoints(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Fault(entity, "resource")
	m.Missing(entity)
	m.Checkpoint(entity, nil)
	m.Checkpoint(entity, errors.New("disk full"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Faults.WithLabelValues("10.0.0.1", "WEB", "resource")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsMissing.WithLabelValues("10.0.0.1", "WEB")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointWrites.WithLabelValues("10.0.0.1", "WEB", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointWrites.WithLabelValues("10.0.0.1", "WEB", "failed")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveResult(detectors.Result{Entity: entity}, 0)
		m.Fault(entity, "input")
		m.Missing(entity)
		m.Checkpoint(entity, nil)
	})
	assert.NoError(t, m.WriteTextfile("ignored.prom"))
}

func TestWriteTextfile(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Fault(entity, "structural")

	path := filepath.Join(t.TempDir(), "trafficguard.prom")
	require.NoError(t, m.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `trafficguard_faults_total{gateway="10.0.0.1",kind="structural",service="WEB"} 1`)
}
