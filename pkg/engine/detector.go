// Package engine ties the forest, the threshold estimator and the voter into
// a per-entity detector.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/trafficguard/pkg/checkpoint"
	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/detectors/rrcf"
	"github.com/hed1ad/trafficguard/pkg/metrics"
	"github.com/hed1ad/trafficguard/pkg/shingle"
	"github.com/hed1ad/trafficguard/pkg/threshold"
	"github.com/hed1ad/trafficguard/pkg/voter"
	"github.com/hed1ad/trafficguard/pkg/window"
)

var _ detectors.StreamDetector = (*Detector)(nil)

// Detector scores the record stream of one entity. Calls are serialized.
type Detector struct {
	mu sync.Mutex

	entity  detectors.EntityID
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	forest    *rrcf.Forest
	estimator *threshold.Estimator
	voter     *voter.Voter

	// raw holds the last Sequences records; once full their vectors form
	// the shingle scored online.
	raw        *window.Bounded[detectors.Record]
	lastValues []float64
}

// New creates a cold detector for entity.
func New(entity detectors.EntityID, cfg Config, dctx DetectorContext) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	forest, err := rrcf.New(
		rrcf.WithTrees(cfg.NumTrees),
		rrcf.WithLeaves(cfg.LeavesSize),
		rrcf.WithSequences(cfg.Sequences),
		rrcf.WithSeed(cfg.Seed),
	)
	if err != nil {
		return nil, err
	}

	d, err := assemble(entity, cfg, dctx, forest)
	if err != nil {
		return nil, err
	}
	d.log.Info("detector created",
		zap.Int("num_trees", cfg.NumTrees),
		zap.Int("leaves_size", cfg.LeavesSize),
		zap.Int("sequence_length", cfg.Sequences),
		zap.Float64("quantile", cfg.Quantile),
		zap.Int("max_threshold_duration", cfg.maxDuration()),
	)
	return d, nil
}

func assemble(entity detectors.EntityID, cfg Config, dctx DetectorContext, forest *rrcf.Forest) (*Detector, error) {
	estimator, err := threshold.New(entity, cfg.Quantile, cfg.maxDuration(), dctx.History)
	if err != nil {
		return nil, err
	}
	v, err := voter.New(cfg.Sequences)
	if err != nil {
		return nil, err
	}
	return &Detector{
		entity:    entity,
		cfg:       cfg,
		log:       dctx.logger(),
		metrics:   dctx.Metrics,
		forest:    forest,
		estimator: estimator,
		voter:     v,
		raw:       window.New[detectors.Record](cfg.Sequences),
	}, nil
}

// Entity returns the entity this detector scores.
func (d *Detector) Entity() detectors.EntityID {
	return d.entity
}

// Config returns the detector's parameters.
func (d *Detector) Config() Config {
	return d.cfg
}

// Threshold returns the current anomaly threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.estimator.Value()
}

// Score consumes rec. It returns false until Sequences records have been
// seen. A failure to persist threshold history is logged and counted but
// does not fail the record.
func (d *Detector) Score(ctx context.Context, rec detectors.Record) (detectors.Result, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()

	values, err := d.impute(rec)
	if err != nil {
		return detectors.Result{}, false, err
	}
	rec.Values = values
	rec.Missing = false

	full, err := d.raw.Full()
	if err != nil {
		return detectors.Result{}, false, err
	}
	if full {
		if _, err := d.raw.Get(); err != nil {
			return detectors.Result{}, false, err
		}
	}
	if err := d.raw.Put(rec); err != nil {
		return detectors.Result{}, false, err
	}
	if full, _ = d.raw.Full(); !full {
		d.log.Debug("collecting records", zap.String("window", d.raw.Status()))
		return detectors.Result{}, false, nil
	}

	point := shingle.Flatten(d.rawVectors())
	sp, err := d.forest.Score(rec.Time, point)
	if err != nil {
		return detectors.Result{}, false, fmt.Errorf("score %s: %w", rec.Time.Format(detectors.TimeLayout), err)
	}

	thr, err := d.estimator.Update(ctx, sp)
	if err != nil {
		if !errors.Is(err, threshold.ErrHistoryCheckpoint) {
			return detectors.Result{}, false, err
		}
		d.log.Warn("threshold history not persisted", zap.Error(err))
		d.metrics.Fault(d.entity, FaultResource.String())
	}

	label := detectors.Normal
	if sp.Score >= thr {
		label = detectors.Anomaly
	}

	pct, err := d.voter.Observe(rec.Time, label)
	if err != nil {
		return detectors.Result{}, false, err
	}

	res := detectors.Result{
		Entity:     d.entity,
		Time:       rec.Time,
		Values:     append([]float64(nil), values...),
		Score:      sp.Score,
		Threshold:  thr,
		Label:      label,
		Percentage: pct,
	}
	d.metrics.ObserveResult(res, time.Since(start))

	if pct.Kind == detectors.PercentVerdict {
		d.log.Info("voting window closed",
			zap.Time("start", pct.Start),
			zap.Time("end", pct.End),
			zap.Float64("fraction", pct.Fraction),
		)
	} else {
		d.log.Debug("record scored",
			zap.Time("time", rec.Time),
			zap.Float64("score", sp.Score),
			zap.Float64("threshold", thr),
			zap.Stringer("label", label),
		)
	}
	return res, true, nil
}

// impute fills missing values with the last observed vector, or zeros
// before any was seen. A vector of the wrong length counts as missing.
func (d *Detector) impute(rec detectors.Record) ([]float64, error) {
	dims := len(d.lastValues)
	if dims == 0 {
		dims = len(rec.Values)
	}
	if dims == 0 {
		return nil, fmt.Errorf("%w: %s at %s has no values", detectors.ErrInvalidRecord, d.entity, rec.Time.Format(detectors.TimeLayout))
	}

	missing := rec.Missing || len(rec.Values) != dims
	if !missing {
		for _, v := range rec.Values {
			if math.IsNaN(v) {
				missing = true
				break
			}
		}
	}

	if !missing {
		d.lastValues = append(d.lastValues[:0], rec.Values...)
		return append([]float64(nil), rec.Values...), nil
	}

	d.metrics.Missing(d.entity)
	d.log.Debug("imputing missing values", zap.Time("time", rec.Time))

	values := make([]float64, dims)
	if d.lastValues != nil {
		copy(values, d.lastValues)
	}
	if len(rec.Values) == dims {
		for i, v := range rec.Values {
			if !math.IsNaN(v) {
				values[i] = v
			}
		}
	}
	return values, nil
}

func (d *Detector) rawVectors() [][]float64 {
	items := d.raw.Items()
	out := make([][]float64, len(items))
	for i, r := range items {
		out[i] = r.Values
	}
	return out
}

// ScoreStream scores records from input until input is closed or ctx is
// done. Input faults are logged and skipped; any other error stops the
// stream.
func (d *Detector) ScoreStream(ctx context.Context, input <-chan detectors.Record, output chan<- detectors.Result) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-input:
			if !ok {
				return nil
			}
			res, scored, err := d.Score(ctx, rec)
			if err != nil {
				if Classify(err) == FaultInput {
					d.log.Warn("record skipped", zap.Error(err))
					d.metrics.Fault(d.entity, FaultInput.String())
					continue
				}
				return err
			}
			if !scored {
				continue
			}
			select {
			case output <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// TrainReport summarizes a batch training run.
type TrainReport struct {
	Scores    []detectors.ScoredPoint
	Threshold float64
	Elapsed   time.Duration
}

// Train rebuilds the detector from a batch of records. The training scores
// seed the threshold history, the last Sequences records become the raw
// window, and the voter starts inactive.
func (d *Detector) Train(records []detectors.Record) (TrainReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(records) < d.cfg.Sequences {
		return TrainReport{}, fmt.Errorf("%w: %d records, need at least %d", detectors.ErrInvalidRecord, len(records), d.cfg.Sequences)
	}

	d.lastValues = nil
	times := make([]time.Time, len(records))
	data := make([][]float64, len(records))
	for i, rec := range records {
		values, err := d.impute(rec)
		if err != nil {
			return TrainReport{}, err
		}
		times[i] = rec.Time
		data[i] = values
	}

	scores, elapsed, err := d.forest.Train(times, data)
	if err != nil {
		return TrainReport{}, err
	}
	d.estimator.Seed(scores)

	d.raw.Clear()
	for i := len(records) - d.cfg.Sequences; i < len(records); i++ {
		rec := records[i]
		rec.Values = data[i]
		rec.Missing = false
		if err := d.raw.Put(rec); err != nil {
			return TrainReport{}, err
		}
	}

	v, err := voter.New(d.cfg.Sequences)
	if err != nil {
		return TrainReport{}, err
	}
	d.voter = v

	d.log.Info("detector trained",
		zap.Int("records", len(records)),
		zap.Int("scores", len(scores)),
		zap.Float64("threshold", d.estimator.Value()),
		zap.Duration("elapsed", elapsed),
	)
	return TrainReport{Scores: scores, Threshold: d.estimator.Value(), Elapsed: elapsed}, nil
}

// Snapshot captures the detector's complete state.
func (d *Detector) Snapshot() (*checkpoint.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	forestState, err := d.forest.State()
	if err != nil {
		return nil, err
	}

	raw := d.raw.Items()
	points := make([]checkpoint.RawPoint, len(raw))
	for i, r := range raw {
		points[i] = checkpoint.RawPoint{Time: r.Time, Values: append([]float64(nil), r.Values...)}
	}

	return &checkpoint.Snapshot{
		Version:   checkpoint.Version,
		Entity:    d.entity,
		CreatedAt: time.Now().UTC(),
		Params: checkpoint.Params{
			NumTrees:             d.cfg.NumTrees,
			LeavesSize:           d.cfg.LeavesSize,
			Sequences:            d.cfg.Sequences,
			Quantile:             d.cfg.Quantile,
			MaxThresholdDuration: d.cfg.maxDuration(),
		},
		Forest:     forestState,
		Raw:        points,
		LastValues: append([]float64(nil), d.lastValues...),
		Threshold:  d.estimator.State(),
		Voter:      d.voter.State(),
	}, nil
}

// Restore rebuilds a detector from snap. The model parameters come from the
// snapshot; a snapshot of another entity is rejected.
func Restore(entity detectors.EntityID, snap *checkpoint.Snapshot, dctx DetectorContext) (*Detector, error) {
	if snap.Entity != entity {
		return nil, fmt.Errorf("%w: snapshot belongs to %s, not %s", ErrInvalidConfig, snap.Entity, entity)
	}

	cfg := Config{
		NumTrees:             snap.Params.NumTrees,
		LeavesSize:           snap.Params.LeavesSize,
		Sequences:            snap.Params.Sequences,
		Quantile:             snap.Params.Quantile,
		MaxThresholdDuration: snap.Params.MaxThresholdDuration,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	forest, err := rrcf.Restore(snap.Forest)
	if err != nil {
		return nil, err
	}
	if forest.NumTrees() != cfg.NumTrees || forest.LeavesSize() != cfg.LeavesSize || forest.Sequences() != cfg.Sequences {
		return nil, fmt.Errorf("%w: forest parameters do not match snapshot parameters", rrcf.ErrInvalidState)
	}

	d, err := assemble(entity, cfg, dctx, forest)
	if err != nil {
		return nil, err
	}

	records := make([]detectors.Record, len(snap.Raw))
	for i, rp := range snap.Raw {
		records[i] = detectors.Record{Entity: entity, Time: rp.Time, Values: append([]float64(nil), rp.Values...)}
	}
	if d.raw, err = window.From(cfg.Sequences, records); err != nil {
		return nil, fmt.Errorf("%w: raw window: %v", rrcf.ErrInvalidState, err)
	}
	if len(snap.LastValues) > 0 {
		d.lastValues = append([]float64(nil), snap.LastValues...)
	}
	d.estimator.Restore(snap.Threshold)
	if err := d.voter.Restore(snap.Voter); err != nil {
		return nil, fmt.Errorf("%w: %v", rrcf.ErrInvalidState, err)
	}

	d.log.Info("detector restored",
		zap.Int("live_slots", len(snap.Forest.Window)),
		zap.Int("history", d.estimator.Len()),
		zap.Float64("threshold", d.estimator.Value()),
		zap.Bool("voting", d.voter.Active()),
	)
	return d, nil
}
