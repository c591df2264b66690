// Package config loads trafficguard settings from a YAML file, the
// environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/engine"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// EnvPrefix prefixes environment overrides, e.g. TRAFFICGUARD_MODEL_NUM_TREES.
const EnvPrefix = "TRAFFICGUARD"

// History backends.
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
)

// Config is the full process configuration.
type Config struct {
	Model      ModelConfig      `mapstructure:"model"`
	Paths      PathsConfig      `mapstructure:"paths"`
	History    HistoryConfig    `mapstructure:"history"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ModelConfig holds the detector hyperparameters.
type ModelConfig struct {
	NumTrees             int     `mapstructure:"num_trees"`
	LeavesSize           int     `mapstructure:"leaves_size"`
	SequenceLength       int     `mapstructure:"sequence_length"`
	Quantile             float64 `mapstructure:"quantile"`
	MaxThresholdDuration int     `mapstructure:"max_threshold_duration"` // 0 = derived from sequence_length
	Seed                 uint64  `mapstructure:"seed"`                   // 0 = time derived
}

// PathsConfig locates the management tree.
type PathsConfig struct {
	Root string `mapstructure:"root"`
}

// HistoryConfig selects where evicted threshold history goes.
type HistoryConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"` // empty = <root>/history.db
}

// CheckpointConfig controls periodic checkpoints.
type CheckpointConfig struct {
	Every int `mapstructure:"every"` // scored records between checkpoints, 0 disables
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SetDefaults registers every key with its default value on v.
func SetDefaults(v *viper.Viper) {
	def := engine.DefaultConfig()
	v.SetDefault("model.num_trees", def.NumTrees)
	v.SetDefault("model.leaves_size", def.LeavesSize)
	v.SetDefault("model.sequence_length", def.Sequences)
	v.SetDefault("model.quantile", def.Quantile)
	v.SetDefault("model.max_threshold_duration", 0)
	v.SetDefault("model.seed", 0)

	v.SetDefault("paths.root", "./management")
	v.SetDefault("history.backend", BackendSQLite)
	v.SetDefault("history.sqlite_path", "")
	v.SetDefault("checkpoint.every", 1440)
	v.SetDefault("metrics.textfile", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
}

// NewViper returns a viper instance with defaults and environment
// overrides. When file is empty, trafficguard.yaml is looked up in the
// working directory and /etc/trafficguard.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("trafficguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/trafficguard")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes v. A missing default
// config file is not an error; a missing explicit one is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every violation at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Engine().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: model: %w", ErrInvalid, err))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("%w: paths.root is empty", ErrInvalid))
	}
	switch c.History.Backend {
	case BackendSQLite, BackendJSON:
	default:
		errs = append(errs, fmt.Errorf("%w: history.backend %q must be %q or %q", ErrInvalid, c.History.Backend, BackendSQLite, BackendJSON))
	}
	if c.Checkpoint.Every < 0 {
		errs = append(errs, fmt.Errorf("%w: checkpoint.every must be >= 0, got %d", ErrInvalid, c.Checkpoint.Every))
	}
	switch c.Logging.Format {
	case "json", "console", "":
	default:
		errs = append(errs, fmt.Errorf("%w: logging.format %q must be json or console", ErrInvalid, c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Engine converts the model section.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		NumTrees:             c.Model.NumTrees,
		LeavesSize:           c.Model.LeavesSize,
		Sequences:            c.Model.SequenceLength,
		Quantile:             c.Model.Quantile,
		MaxThresholdDuration: c.Model.MaxThresholdDuration,
		Seed:                 c.Model.Seed,
	}
}

// EntityDir is <root>/<gateway>/<service>.
func (c *Config) EntityDir(e detectors.EntityID) string {
	return filepath.Join(c.Paths.Root, e.Gateway, e.Service)
}

// InputDir receives the entity's record files.
func (c *Config) InputDir(e detectors.EntityID) string {
	return filepath.Join(c.EntityDir(e), "input")
}

// OutputDir receives per-record result files.
func (c *Config) OutputDir(e detectors.EntityID) string {
	return filepath.Join(c.EntityDir(e), "output")
}

// InstanceDir holds the checkpoint and training summary.
func (c *Config) InstanceDir(e detectors.EntityID) string {
	return filepath.Join(c.EntityDir(e), "instance")
}

// CheckpointPath is the entity's model checkpoint.
func (c *Config) CheckpointPath(e detectors.EntityID) string {
	return filepath.Join(c.InstanceDir(e), "model.ckpt")
}

// ScoresDir receives JSON threshold history dumps.
func (c *Config) ScoresDir(e detectors.EntityID) string {
	return filepath.Join(c.EntityDir(e), "anomaly_scores")
}

// RunFile is the entity's run lock.
func (c *Config) RunFile(e detectors.EntityID) string {
	return filepath.Join(c.Paths.Root, "running", e.String()+".detector.run")
}

// SQLitePath returns the history database path.
func (c *Config) SQLitePath() string {
	if c.History.SQLitePath != "" {
		return c.History.SQLitePath
	}
	return filepath.Join(c.Paths.Root, "history.db")
}

// ParseEntity parses "gateway:service".
func ParseEntity(s string) (detectors.EntityID, error) {
	gw, svc, ok := strings.Cut(s, ":")
	if !ok || gw == "" || svc == "" {
		return detectors.EntityID{}, fmt.Errorf("%w: entity %q must be gateway:service", ErrInvalid, s)
	}
	return detectors.EntityID{Gateway: gw, Service: svc}, nil
}
