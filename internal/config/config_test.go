package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/engine"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(NewViper(""))
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultConfig(), cfg.Engine())
	assert.Equal(t, "./management", cfg.Paths.Root)
	assert.Equal(t, BackendSQLite, cfg.History.Backend)
	assert.Equal(t, 1440, cfg.Checkpoint.Every)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trafficguard.yaml")
	content := `
model:
  num_trees: 40
  quantile: 0.95
paths:
  root: /srv/tg
history:
  backend: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("TRAFFICGUARD_MODEL_LEAVES_SIZE", "720")

	cfg, err := Load(NewViper(path))
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Model.NumTrees)
	assert.Equal(t, 720, cfg.Model.LeavesSize)
	assert.InDelta(t, 0.95, cfg.Model.Quantile, 1e-12)
	assert.Equal(t, 5, cfg.Model.SequenceLength)
	assert.Equal(t, "/srv/tg", cfg.Paths.Root)
	assert.Equal(t, BackendJSON, cfg.History.Backend)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(NewViper(filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Error(t, err)
}

func validConfig() Config {
	def := engine.DefaultConfig()
	return Config{
		Model: ModelConfig{
			NumTrees:       def.NumTrees,
			LeavesSize:     def.LeavesSize,
			SequenceLength: def.Sequences,
			Quantile:       def.Quantile,
		},
		Paths:   PathsConfig{Root: "root"},
		History: HistoryConfig{Backend: BackendSQLite},
		Logging: LoggingConfig{Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErr  bool
		isEngine bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "quantile", mutate: func(c *Config) { c.Model.Quantile = 1 }, wantErr: true, isEngine: true},
		{name: "trees", mutate: func(c *Config) { c.Model.NumTrees = 0 }, wantErr: true, isEngine: true},
		{name: "root", mutate: func(c *Config) { c.Paths.Root = "" }, wantErr: true},
		{name: "backend", mutate: func(c *Config) { c.History.Backend = "redis" }, wantErr: true},
		{name: "checkpoint", mutate: func(c *Config) { c.Checkpoint.Every = -1 }, wantErr: true},
		{name: "format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Equal(t, tt.isEngine, engine.Classify(err) == engine.FaultConfig)
		})
	}
}

func TestValidateJoinsViolations(t *testing.T) {
	cfg := validConfig()
	cfg.Paths.Root = ""
	cfg.History.Backend = "redis"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "paths.root")
	assert.Contains(t, err.Error(), "history.backend")
}

func TestPaths(t *testing.T) {
	cfg := validConfig()
	cfg.Paths.Root = "/m"
	e := detectors.EntityID{Gateway: "10.0.0.1", Service: "WEB"}

	assert.Equal(t, filepath.FromSlash("/m/10.0.0.1/WEB/input"), cfg.InputDir(e))
	assert.Equal(t, filepath.FromSlash("/m/10.0.0.1/WEB/output"), cfg.OutputDir(e))
	assert.Equal(t, filepath.FromSlash("/m/10.0.0.1/WEB/instance/model.ckpt"), cfg.CheckpointPath(e))
	assert.Equal(t, filepath.FromSlash("/m/10.0.0.1/WEB/anomaly_scores"), cfg.ScoresDir(e))
	assert.Equal(t, filepath.FromSlash("/m/running/10.0.0.1_WEB.detector.run"), cfg.RunFile(e))
	assert.Equal(t, filepath.FromSlash("/m/history.db"), cfg.SQLitePath())

	cfg.History.SQLitePath = "/var/lib/h.db"
	assert.Equal(t, "/var/lib/h.db", cfg.SQLitePath())
}

func TestParseEntity(t *testing.T) {
	e, err := ParseEntity("10.0.0.1:WEB")
	require.NoError(t, err)
	assert.Equal(t, detectors.EntityID{Gateway: "10.0.0.1", Service: "WEB"}, e)

	for _, bad := range []string{"", "10.0.0.1", ":WEB", "10.0.0.1:"} {
		_, err := ParseEntity(bad)
		assert.ErrorIs(t, err, ErrInvalid, bad)
	}
}
