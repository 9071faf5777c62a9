package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return stale running actions to pending",
		Long:  "Runs one reclaim sweep: actions running longer than dispatch.reclaim_timeout_sec go back to pending and their budget reservations are released.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	return cmd
}

func runSweep(cmd *cobra.Command, configPath string) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	n, err := s.dispatcher.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale actions\n", n)
	return nil
}
