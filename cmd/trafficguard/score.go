package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/trafficguard/internal/config"
	"github.com/hed1ad/trafficguard/pkg/checkpoint"
	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/engine"
	tgio "github.com/hed1ad/trafficguard/pkg/io"
	"github.com/hed1ad/trafficguard/pkg/io/csv"
	"github.com/hed1ad/trafficguard/pkg/io/pcap"
)

func (a *app) newScoreCmd() *cobra.Command {
	var (
		format   string
		header   bool
		entity   string
		gateways []string
	)

	cmd := &cobra.Command{
		Use:   "score FILE",
		Short: "Score a record file or pcap capture and print result rows",
		Long: "score reads a pipe-delimited record file (--format csv) or a capture file (--format pcap)\n" +
			"and prints one result row per scored record. Entities with a checkpoint continue from it;\n" +
			"others start cold. Checkpoints are not modified.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r tgio.Reader
			var err error
			switch format {
			case "csv":
				opts := []csv.Option{
					csv.WithHeader(header),
					csv.WithErrorHandler(func(line int, err error) {
						a.log.Warn("malformed row", zap.Int("line", line), zap.Error(err))
					}),
				}
				if entity != "" {
					id, err := config.ParseEntity(entity)
					if err != nil {
						return err
					}
					opts = append(opts, csv.WithEntity(id))
				}
				r, err = csv.NewReader(args[0], opts...)
			case "pcap":
				r, err = pcap.NewFileReader(args[0], pcap.WithGateways(gateways...))
			default:
				return fmt.Errorf("%w: unknown format %q", config.ErrInvalid, format)
			}
			if err != nil {
				return err
			}
			defer r.Close()

			records, err := r.Read()
			if err != nil {
				return err
			}

			groups := tgio.Group(records)
			ids := make([]detectors.EntityID, 0, len(groups))
			for id := range groups {
				ids = append(ids, id)
			}
			slices.SortFunc(ids, func(x, y detectors.EntityID) int {
				return strings.Compare(x.String(), y.String())
			})

			out := csv.NewWriter(cmd.OutOrStdout())
			defer out.Close()
			for _, id := range ids {
				if err := a.scoreEntity(cmd, id, groups[id], out); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "input format: csv or pcap")
	cmd.Flags().BoolVar(&header, "header", false, "the csv file starts with a header row")
	cmd.Flags().StringVarP(&entity, "entity", "e", "", "only score this gateway:service")
	cmd.Flags().StringSliceVar(&gateways, "gateway", nil, "gateway addresses whose traffic is counted (pcap)")
	return cmd
}

func (a *app) scoreEntity(cmd *cobra.Command, id detectors.EntityID, records []detectors.Record, out *csv.Writer) error {
	log := a.log.With(zap.Stringer("entity", id))
	dctx := engine.DetectorContext{Logger: log}

	var det *engine.Detector
	snap, err := checkpoint.ReadFile(a.cfg.CheckpointPath(id))
	switch {
	case errors.Is(err, os.ErrNotExist):
		det, err = engine.New(id, a.cfg.Engine(), dctx)
	case err == nil:
		det, err = engine.Restore(id, snap, dctx)
	}
	if err != nil {
		return err
	}

	for _, rec := range records {
		res, ok, err := det.Score(cmd.Context(), rec)
		if err != nil {
			if engine.Classify(err).Fatal() {
				return err
			}
			log.Warn("record skipped", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := out.Write(res); err != nil {
			return err
		}
	}
	return nil
}
