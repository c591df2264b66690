package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hed1ad/trafficguard/pkg/metrics"
	"github.com/hed1ad/trafficguard/pkg/threshold"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("engine: invalid config")

// Config holds the model parameters of one entity.
type Config struct {
	NumTrees   int
	LeavesSize int
	// Sequences is the shingle length and the voting window size.
	Sequences int
	Quantile  float64
	// MaxThresholdDuration bounds the threshold history. Zero selects
	// threshold.DefaultMaxDuration(Sequences).
	MaxThresholdDuration int
	// Seed seeds the forest. Zero picks a time-derived seed.
	Seed uint64
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		NumTrees:   80,
		LeavesSize: 1440,
		Sequences:  5,
		Quantile:   0.99,
	}
}

// Validate returns every violation, joined.
func (c Config) Validate() error {
	var errs []error
	if c.NumTrees <= 0 {
		errs = append(errs, fmt.Errorf("%w: num_trees must be > 0, got %d", ErrInvalidConfig, c.NumTrees))
	}
	if c.LeavesSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: leaves_size must be > 0, got %d", ErrInvalidConfig, c.LeavesSize))
	}
	if c.Sequences <= 0 {
		errs = append(errs, fmt.Errorf("%w: sequence_length must be > 0, got %d", ErrInvalidConfig, c.Sequences))
	}
	if c.Quantile <= 0 || c.Quantile >= 1 {
		errs = append(errs, fmt.Errorf("%w: quantile must be in (0, 1), got %v", ErrInvalidConfig, c.Quantile))
	}
	if c.MaxThresholdDuration < 0 {
		errs = append(errs, fmt.Errorf("%w: max_threshold_duration must be >= 0, got %d", ErrInvalidConfig, c.MaxThresholdDuration))
	}
	return errors.Join(errs...)
}

func (c Config) maxDuration() int {
	if c.MaxThresholdDuration > 0 {
		return c.MaxThresholdDuration
	}
	return threshold.DefaultMaxDuration(c.Sequences)
}

// DetectorContext carries the collaborators of one entity's detector. It is
// built once per worker and passed explicitly.
type DetectorContext struct {
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// History receives dropped threshold history; nil discards it.
	History threshold.HistoryStore
}

func (c DetectorContext) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
