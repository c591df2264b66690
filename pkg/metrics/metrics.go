// Package metrics exposes Prometheus metrics for entity scoring. Collectors
// are registered on an explicit registry so several engines can run in one
// process and tests can inspect their own registry.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hed1ad/trafficguard/pkg/detectors"
)

const namespace = "trafficguard"

// Metrics holds the scoring collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	RecordsScored    *prometheus.CounterVec
	RecordsMissing   *prometheus.CounterVec
	Labels           *prometheus.CounterVec
	Verdicts         *prometheus.CounterVec
	VerdictFraction  *prometheus.GaugeVec
	Score            *prometheus.GaugeVec
	Threshold        *prometheus.GaugeVec
	Faults           *prometheus.CounterVec
	CheckpointWrites *prometheus.CounterVec
	ScoreDuration    *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	entity := []string{"gateway", "service"}

	return &Metrics{
		gatherer: reg,

		// RecordsScored counts records that produced a result.
		RecordsScored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_scored_total",
			Help:      "Records scored per entity.",
		}, entity),

		RecordsMissing: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_missing_total",
			Help:      "Records with missing values that were imputed.",
		}, entity),

		// Labels counts results by label: Normal | Anomaly
		Labels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labels_total",
			Help:      "Scored records by label.",
		}, append(entity, "label")),

		Verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Closed voting windows.",
		}, entity),

		VerdictFraction: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verdict_fraction",
			Help:      "Anomalous fraction of the last closed voting window.",
		}, entity),

		Score: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "score",
			Help:      "Anomaly score of the last scored record.",
		}, entity),

		Threshold: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold",
			Help:      "Current anomaly threshold.",
		}, entity),

		// Faults counts errors by kind: config | structural | input | resource | unknown
		Faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Errors raised while scoring, by fault kind.",
		}, append(entity, "kind")),

		// CheckpointWrites counts checkpoint attempts by outcome: success | failed
		CheckpointWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoint write attempts by outcome.",
		}, append(entity, "outcome")),

		ScoreDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score_duration_seconds",
			Help:      "Time spent scoring one record.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		}, entity),
	}
}

// ObserveResult records one scored result and how long scoring took.
func (m *Metrics) ObserveResult(res detectors.Result, took time.Duration) {
	if m == nil {
		return
	}
	gw, svc := res.Entity.Gateway, res.Entity.Service
	m.RecordsScored.WithLabelValues(gw, svc).Inc()
	m.Labels.WithLabelValues(gw, svc, res.Label.String()).Inc()
	m.Score.WithLabelValues(gw, svc).Set(res.Score)
	m.Threshold.WithLabelValues(gw, svc).Set(res.Threshold)
	m.ScoreDuration.WithLabelValues(gw, svc).Observe(took.Seconds())
	if res.Percentage.Kind == detectors.PercentVerdict {
		m.Verdicts.WithLabelValues(gw, svc).Inc()
		m.VerdictFraction.WithLabelValues(gw, svc).Set(res.Percentage.Fraction)
	}
}

// Missing counts an imputed record.
func (m *Metrics) Missing(entity detectors.EntityID) {
	if m == nil {
		return
	}
	m.RecordsMissing.WithLabelValues(entity.Gateway, entity.Service).Inc()
}

// Fault counts an error of the given kind.
func (m *Metrics) Fault(entity detectors.EntityID, kind string) {
	if m == nil {
		return
	}
	m.Faults.WithLabelValues(entity.Gateway, entity.Service, kind).Inc()
}

// Checkpoint counts a checkpoint attempt.
func (m *Metrics) Checkpoint(entity detectors.EntityID, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	m.CheckpointWrites.WithLabelValues(entity.Gateway, entity.Service, outcome).Inc()
}

// WriteTextfile writes every registered metric to path in the text
// exposition format, for node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.gatherer)
}
