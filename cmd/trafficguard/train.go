package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/trafficguard/internal/config"
	"github.com/hed1ad/trafficguard/internal/pidfile"
	"github.com/hed1ad/trafficguard/pkg/checkpoint"
	"github.com/hed1ad/trafficguard/pkg/engine"
	"github.com/hed1ad/trafficguard/pkg/io/csv"
	"github.com/hed1ad/trafficguard/pkg/threshold"
)

// HyperParameterFile summarizes the last training run in the instance
// directory.
const HyperParameterFile = "hyper_parameter.txt"

func (a *app) newTrainCmd() *cobra.Command {
	var (
		entity string
		header bool
	)

	cmd := &cobra.Command{
		Use:   "train FILE",
		Short: "Train an entity's model from a pipe-delimited history file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := config.ParseEntity(entity)
			if err != nil {
				return err
			}
			if pidfile.Running(a.cfg.RunFile(id)) {
				return fmt.Errorf("%w: stop %s before training", pidfile.ErrRunning, id)
			}

			log := a.log.With(zap.Stringer("entity", id))
			r, err := csv.NewReader(args[0],
				csv.WithEntity(id),
				csv.WithHeader(header),
				csv.WithErrorHandler(func(line int, err error) {
					log.Warn("malformed row", zap.Int("line", line), zap.Error(err))
				}),
			)
			if err != nil {
				return err
			}
			records, err := r.Read()
			r.Close()
			if err != nil {
				return err
			}

			history, err := a.history()
			if err != nil {
				return err
			}
			det, err := engine.New(id, a.cfg.Engine(), engine.DetectorContext{Logger: log, History: history})
			if err != nil {
				return err
			}
			report, err := det.Train(records)
			if err != nil {
				return err
			}

			snap, err := det.Snapshot()
			if err != nil {
				return err
			}
			path := a.cfg.CheckpointPath(id)
			if err := checkpoint.WriteFile(path, snap); err != nil {
				return err
			}
			if err := writeHyperParameters(a.cfg, id.String(), filepath.Join(a.cfg.InstanceDir(id), HyperParameterFile), report); err != nil {
				return err
			}

			anomalies := threshold.Exceeding(report.Scores, report.Threshold)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: trained on %d records in %s, threshold %.6g, %d of %d training scores exceed it\n",
				id, len(records), report.Elapsed, report.Threshold, len(anomalies), len(report.Scores))
			log.Info("checkpoint written", zap.String("path", path))
			return nil
		},
	}
	cmd.Flags().StringVarP(&entity, "entity", "e", "", "entity as gateway:service")
	cmd.Flags().BoolVar(&header, "header", false, "the file starts with a header row")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func writeHyperParameters(cfg *config.Config, name, path string, report engine.TrainReport) error {
	content := fmt.Sprintf("entity: %s\nnum_trees: %d\nleaves_size: %d\nsequence_length: %d\nquantile: %g\nthreshold: %g\nrequired_time: %s\n",
		name,
		cfg.Model.NumTrees,
		cfg.Model.LeavesSize,
		cfg.Model.SequenceLength,
		cfg.Model.Quantile,
		report.Threshold,
		report.Elapsed,
	)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
