package main

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hed1ad/trafficguard/internal/pidfile"
)

func (a *app) newStopCmd() *cobra.Command {
	var entities []string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask running detectors to checkpoint and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := parseEntities(entities)
			if err != nil {
				return err
			}
			var errs []error
			for _, id := range ids {
				pid, err := pidfile.Signal(a.cfg.RunFile(id), syscall.SIGTERM)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: sent SIGTERM to pid %d\n", id, pid)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringSliceVarP(&entities, "entity", "e", nil, "entity as gateway:service, repeatable")
	return cmd
}
