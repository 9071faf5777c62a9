package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/senderyard/internal/db"
	"github.com/zulandar/senderyard/internal/dispatch"
	"github.com/zulandar/senderyard/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the worker API server",
		Long: `Starts the HTTP API workers pull actions from, with the reclaim sweep
running on dispatch.sweep_schedule. Tables are migrated and configured
senders seeded on startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := dispatch.InitMetrics(registry)

	s, err := openStack(ctx, configPath, dispatch.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.cfg.ValidateServer(); err != nil {
		return err
	}
	if err := db.AutoMigrate(s.db); err != nil {
		return err
	}
	if err := db.SeedSenders(s.db, s.cfg.Senders); err != nil {
		return err
	}
	if port == 0 {
		port = s.cfg.Server.Port
	}

	stopSweeper, err := s.dispatcher.StartSweeper(s.cfg.Dispatch.SweepSchedule)
	if err != nil {
		return err
	}
	defer stopSweeper()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	s.log.Info("senderyard api starting",
		zap.Int("port", port),
		zap.String("db_driver", s.cfg.Database.Driver),
		zap.String("budget_backend", s.cfg.Budget.Backend),
	)
	return server.Start(ctx, server.StartOpts{
		Dispatcher: s.dispatcher,
		DB:         s.db,
		Port:       port,
		Secret:     s.cfg.Server.WorkerSecret,
		Gatherer:   registry,
		Logger:     s.log,
		Out:        cmd.OutOrStdout(),
	})
}
