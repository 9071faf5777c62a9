package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/senderyard/internal/api"
	"github.com/zulandar/senderyard/internal/browser"
	"github.com/zulandar/senderyard/internal/config"
	"github.com/zulandar/senderyard/internal/logging"
	"github.com/zulandar/senderyard/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Browser worker commands",
	}

	cmd.AddCommand(newWorkerStartCmd())
	cmd.AddCommand(newWorkerLoginCmd())
	return cmd
}

type workerFlags struct {
	configPath  string
	workspace   string
	senders     []string
	showBrowser bool
}

func (f *workerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().BoolVar(&f.showBrowser, "show-browser", false, "run Chromium with a visible window")
}

func newWorkerStartCmd() *cobra.Command {
	var f workerFlags

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the worker loop",
		Long: `Pulls actions for each sender from the Senderyard API and executes them
in a headless browser, one loop per sender, until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerStart(cmd, f)
		},
	}

	f.register(cmd)
	cmd.Flags().StringVarP(&f.workspace, "workspace", "w", "", "workspace to run (overrides worker.workspace)")
	cmd.Flags().StringSliceVarP(&f.senders, "sender", "s", nil, "sender IDs to run (overrides worker.senders)")
	return cmd
}

func newWorkerLoginCmd() *cobra.Command {
	var f workerFlags

	cmd := &cobra.Command{
		Use:   "login <sender-id>",
		Short: "Sign a sender in and store its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerLogin(cmd, f, args[0])
		},
	}

	f.register(cmd)
	return cmd
}

func loadWorkerConfig(f workerFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if f.workspace != "" {
		cfg.Worker.Workspace = f.workspace
	}
	if len(f.senders) > 0 {
		cfg.Worker.Senders = f.senders
	}
	if f.showBrowser {
		cfg.Worker.ShowBrowser = true
	}
	return cfg, nil
}

func newAgent(cfg *config.Config, logger *zap.Logger) *worker.Agent {
	opts := browser.Options{
		Bin:         cfg.Worker.BrowserBin,
		ShowBrowser: cfg.Worker.ShowBrowser,
	}
	client := api.NewClient(cfg.Worker.APIURL, cfg.Server.WorkerSecret)
	return worker.New(client, browser.NewExecutor(opts, logger), browser.NewLoginService(opts, logger), worker.AgentConfig{
		Workspace:        cfg.Worker.Workspace,
		Senders:          cfg.Worker.Senders,
		PollInterval:     cfg.PollInterval(),
		MaxBackoff:       cfg.MaxBackoff(),
		BatchSize:        cfg.Worker.BatchSize,
		ActionsPerMinute: cfg.Worker.ActionsPerMinute,
		AutoLogin:        cfg.Worker.AutoLogin,
	}, logger)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func runWorkerStart(cmd *cobra.Command, f workerFlags) error {
	cfg, err := loadWorkerConfig(f)
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	logger.Info("worker starting",
		zap.String("api_url", cfg.Worker.APIURL),
		zap.String("workspace", cfg.Worker.Workspace),
		zap.Strings("senders", cfg.Worker.Senders),
	)
	return newAgent(cfg, logger).Run(ctx)
}

func runWorkerLogin(cmd *cobra.Command, f workerFlags, senderID string) error {
	cfg, err := loadWorkerConfig(f)
	if err != nil {
		return err
	}
	if cfg.Server.WorkerSecret == "" {
		return fmt.Errorf("server.worker_secret is required (or %s)", config.EnvWorkerSecret)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if err := newAgent(cfg, logger).Login(ctx, senderID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sender %s logged in; session stored.\n", senderID)
	return nil
}
