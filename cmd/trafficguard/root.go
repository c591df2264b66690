package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hed1ad/trafficguard/internal/config"
	"github.com/hed1ad/trafficguard/internal/logging"
	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/metrics"
	"github.com/hed1ad/trafficguard/pkg/store"
	"github.com/hed1ad/trafficguard/pkg/threshold"
)

// Set by -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

type app struct {
	configFile string
	v          *viper.Viper

	cfg      *config.Config
	log      *zap.Logger
	closeLog func() error
	closers  []io.Closer

	stdout io.Writer
	stderr io.Writer
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		v:      viper.New(),
		log:    zap.NewNop(),
		stdout: out,
		stderr: errOut,
	}
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "trafficguard",
		Short:         "Streaming traffic anomaly detection with robust random cut forests",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	cmd.SetVersionTemplate(fmt.Sprintf("trafficguard {{.Version}} (commit %s)\n", commit))

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file (default ./trafficguard.yaml)")
	flags.String("root", "", "management root directory")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or console")
	flags.String("log-file", "", "rotating log file")
	flags.String("history", "", "threshold history backend: sqlite or json")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.setup(cmd)
	}

	cmd.AddCommand(
		a.newRunCmd(),
		a.newTrainCmd(),
		a.newScoreCmd(),
		a.newStopCmd(),
		newVersionCmd(),
	)
	return cmd
}

var flagKeys = map[string]string{
	"root":       "paths.root",
	"log-level":  "logging.level",
	"log-format": "logging.format",
	"log-file":   "logging.file",
	"history":    "history.backend",
}

// setup loads the configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	a.v = config.NewViper(a.configFile)
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			a.v.Set(key, f.Value.String())
		}
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	a.log, a.closeLog = log, closeLog
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

// history opens the configured threshold history store.
func (a *app) history() (threshold.HistoryStore, error) {
	switch a.cfg.History.Backend {
	case config.BackendJSON:
		return store.NewJSON(a.cfg.ScoresDir), nil
	default:
		s, err := store.NewSQLite(a.cfg.SQLitePath())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s)
		return s, nil
	}
}

func (a *app) newMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func parseEntities(values []string) ([]detectors.EntityID, error) {
	if len(values) == 0 {
		return nil, errors.New("at least one --entity gateway:service is required")
	}
	var out []detectors.EntityID
	var errs []error
	for _, v := range values {
		e, err := config.ParseEntity(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, e)
	}
	return out, errors.Join(errs...)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trafficguard %s (commit %s)\n", version, commit)
		},
	}
}
