package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/trafficguard/internal/worker"
)

func (a *app) newRunCmd() *cobra.Command {
	var (
		entities []string
		rescan   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the long-lived detector of one or more entities",
		Long: "run watches <root>/<gateway>/<service>/input for record files, scores every record and\n" +
			"writes one result file per record to the entity's output directory. SIGINT or SIGTERM\n" +
			"checkpoints every entity and exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := parseEntities(entities)
			if err != nil {
				return err
			}
			history, err := a.history()
			if err != nil {
				return err
			}
			m := a.newMetrics()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Entities are independent: a fatal fault stops only its own worker.
			var g errgroup.Group
			for _, id := range ids {
				w := worker.New(id, a.cfg,
					worker.WithLogger(a.log),
					worker.WithMetrics(m),
					worker.WithHistory(history),
					worker.WithRescan(rescan),
				)
				g.Go(func() error {
					return w.Run(ctx)
				})
			}
			a.log.Info("workers started", zap.Int("entities", len(ids)))
			return g.Wait()
		},
	}
	cmd.Flags().StringSliceVarP(&entities, "entity", "e", nil, "entity as gateway:service, repeatable")
	cmd.Flags().DurationVar(&rescan, "rescan", time.Minute, "input directory rescan interval")
	return cmd
}
