// Package worker runs the long-lived detector of one entity: it ingests
// records, scores them, writes results and checkpoints the model.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hed1ad/trafficguard/internal/config"
	"github.com/hed1ad/trafficguard/internal/logging"
	"github.com/hed1ad/trafficguard/internal/pidfile"
	"github.com/hed1ad/trafficguard/pkg/checkpoint"
	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/engine"
	tgio "github.com/hed1ad/trafficguard/pkg/io"
	"github.com/hed1ad/trafficguard/pkg/io/csv"
	"github.com/hed1ad/trafficguard/pkg/io/spool"
	"github.com/hed1ad/trafficguard/pkg/metrics"
	"github.com/hed1ad/trafficguard/pkg/threshold"
)

// FaultSuffix is appended to the checkpoint path for the best-effort
// snapshot taken after a fatal fault.
const FaultSuffix = ".fault"

// Worker owns one entity's detector.
type Worker struct {
	entity  detectors.EntityID
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	history threshold.HistoryStore
	source  tgio.Reader
	sink    tgio.Writer
	rescan  time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the parent logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *Worker) {
		w.log = log
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithHistory sets the threshold history store.
func WithHistory(store threshold.HistoryStore) Option {
	return func(w *Worker) {
		w.history = store
	}
}

// WithSource replaces the input spool.
func WithSource(r tgio.Reader) Option {
	return func(w *Worker) {
		w.source = r
	}
}

// WithSink replaces the per-record output files.
func WithSink(wr tgio.Writer) Option {
	return func(w *Worker) {
		w.sink = wr
	}
}

// WithRescan sets the spool rescan interval.
func WithRescan(d time.Duration) Option {
	return func(w *Worker) {
		w.rescan = d
	}
}

// New creates a worker for entity.
func New(entity detectors.EntityID, cfg *config.Config, opts ...Option) *Worker {
	w := &Worker{
		entity: entity,
		cfg:    cfg,
		log:    zap.NewNop(),
		rescan: time.Minute,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes records until ctx is done or a fatal fault occurs. A
// canceled context is a clean shutdown: the records the source still
// delivers are scored, the model is checkpointed and Run returns nil
// unless that final checkpoint fails.
func (w *Worker) Run(ctx context.Context) error {
	runID := uuid.NewString()
	log := logging.ForEntity(w.log, w.entity, runID)

	lock, err := pidfile.Acquire(w.cfg.RunFile(w.entity))
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			log.Warn("release run lock", zap.Error(rerr))
		}
	}()

	det, err := w.load(log)
	if err != nil {
		w.fault(log, err)
		return err
	}

	source, sink, err := w.open(log)
	if err != nil {
		return err
	}
	defer source.Close()
	defer sink.Close()

	input, err := source.Stream(ctx)
	if err != nil {
		return err
	}

	// The source closes input once ctx is done and its current file is
	// delivered, so scoring must outlive ctx.
	sctx := context.WithoutCancel(ctx)

	log.Info("worker started", zap.String("input", w.cfg.InputDir(w.entity)))
	scored := 0
	for rec := range input {
		res, ok, err := det.Score(sctx, rec)
		if err != nil {
			if w.fault(log, err) {
				w.faultCheckpoint(log, det, runID)
				return err
			}
			continue
		}
		if !ok {
			continue
		}
		if err := sink.Write(res); err != nil {
			w.fault(log, fmt.Errorf("%w: %w", engine.ErrOutput, err))
		}
		scored++
		if every := w.cfg.Checkpoint.Every; every > 0 && scored%every == 0 {
			// A failed periodic checkpoint is retried at the next one.
			_ = w.checkpoint(log, det, runID, w.cfg.CheckpointPath(w.entity))
		}
	}
	return w.shutdown(log, det, runID, scored)
}

// load restores the checkpoint or, when there is none, creates a cold
// detector.
func (w *Worker) load(log *zap.Logger) (*engine.Detector, error) {
	dctx := engine.DetectorContext{Logger: log, Metrics: w.metrics, History: w.history}
	path := w.cfg.CheckpointPath(w.entity)

	snap, err := checkpoint.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info("no checkpoint, cold start", zap.String("path", path))
		return engine.New(w.entity, w.cfg.Engine(), dctx)
	}
	if err != nil {
		return nil, err
	}
	det, err := engine.Restore(w.entity, snap, dctx)
	if err != nil {
		return nil, err
	}
	log.Info("checkpoint loaded",
		zap.String("path", path),
		zap.String("previous_run_id", snap.RunID),
		zap.Time("created_at", snap.CreatedAt),
	)
	return det, nil
}

func (w *Worker) open(log *zap.Logger) (tgio.Reader, tgio.Writer, error) {
	source, sink := w.source, w.sink
	if source == nil {
		s, err := spool.New(w.cfg.InputDir(w.entity),
			spool.WithLogger(log),
			spool.WithRescan(w.rescan),
			spool.WithCSVOptions(csv.WithEntity(w.entity)),
		)
		if err != nil {
			return nil, nil, err
		}
		source = s
	}
	if sink == nil {
		fw, err := csv.NewFileWriter(w.cfg.OutputDir(w.entity))
		if err != nil {
			source.Close()
			return nil, nil, err
		}
		sink = fw
	}
	return source, sink, nil
}

// fault logs and counts err and reports whether it is fatal.
func (w *Worker) fault(log *zap.Logger, err error) bool {
	kind := engine.Classify(err)
	w.metrics.Fault(w.entity, kind.String())
	if kind.Fatal() {
		log.Error("fatal fault, stopping entity", zap.Stringer("kind", kind), zap.Error(err))
		return true
	}
	log.Warn("fault", zap.Stringer("kind", kind), zap.Error(err))
	return false
}

func (w *Worker) checkpoint(log *zap.Logger, det *engine.Detector, runID, path string) error {
	snap, err := det.Snapshot()
	if err == nil {
		snap.RunID = runID
		err = checkpoint.WriteFile(path, snap)
	} else {
		err = fmt.Errorf("%w: snapshot: %w", checkpoint.ErrWrite, err)
	}
	w.metrics.Checkpoint(w.entity, err)
	if err != nil {
		log.Error("checkpoint failed", zap.String("path", path), zap.Error(err))
		return err
	}
	log.Debug("checkpoint written", zap.String("path", path))
	return nil
}

// faultCheckpoint keeps the last good checkpoint and writes the faulted
// state next to it.
func (w *Worker) faultCheckpoint(log *zap.Logger, det *engine.Detector, runID string) {
	_ = w.checkpoint(log, det, runID, w.cfg.CheckpointPath(w.entity)+FaultSuffix)
	w.writeMetrics(log)
}

// shutdown writes the final checkpoint. Its failure is returned: the
// entity cannot resume from where it stopped.
func (w *Worker) shutdown(log *zap.Logger, det *engine.Detector, runID string, scored int) error {
	path := w.cfg.CheckpointPath(w.entity)
	err := w.checkpoint(log, det, runID, path)
	if err != nil {
		w.metrics.Fault(w.entity, engine.FaultResource.String())
	}
	w.writeMetrics(log)
	if err != nil {
		return fmt.Errorf("shutdown checkpoint %s: %w", path, err)
	}
	log.Info("worker stopped", zap.Int("scored", scored), zap.Float64("threshold", det.Threshold()))
	return nil
}

func (w *Worker) writeMetrics(log *zap.Logger) {
	if err := w.metrics.WriteTextfile(w.cfg.Metrics.Textfile); err != nil {
		log.Warn("write metrics textfile", zap.Error(err))
	}
}
