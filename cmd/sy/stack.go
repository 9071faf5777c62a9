package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/senderyard/internal/budget"
	"github.com/zulandar/senderyard/internal/config"
	"github.com/zulandar/senderyard/internal/db"
	"github.com/zulandar/senderyard/internal/dispatch"
	"github.com/zulandar/senderyard/internal/logging"
	"github.com/zulandar/senderyard/internal/queue"
	"github.com/zulandar/senderyard/internal/session"
	"github.com/zulandar/senderyard/internal/vault"
)

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}

	return cfg, gormDB, nil
}

// stack is the dispatch core wired from config.
type stack struct {
	cfg        *config.Config
	db         *gorm.DB
	log        *zap.Logger
	policy     *budget.Policy
	ledger     budget.Ledger
	queue      *queue.Queue
	sessions   *session.Store
	dispatcher *dispatch.Dispatcher
	close      func() error
}

// openStack connects the store, budget ledger and dispatcher. The vault is
// only opened when a key is configured; commands that touch secrets check
// for it themselves.
func openStack(ctx context.Context, configPath string, options ...dispatch.Option) (*stack, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	ledger, closeLedger, err := budget.Open(ctx, cfg.Budget, gormDB)
	if err != nil {
		return nil, err
	}
	policy := budget.PolicyFromConfig(cfg.Budget)

	var cipher session.Cipher = lockedCipher{}
	if cfg.Vault.Key != "" {
		v, err := vault.New(cfg.Vault.Key)
		if err != nil {
			closeLedger()
			return nil, err
		}
		cipher = v
	}

	q := queue.New(gormDB, ledger, policy, queue.WithLogger(logger))
	sessions := session.New(gormDB, cipher, session.WithLogger(logger))
	options = append([]dispatch.Option{dispatch.WithLogger(logger)}, options...)
	d := dispatch.New(gormDB, q, sessions, ledger, policy, dispatch.Options{
		ReclaimTimeout: cfg.ReclaimTimeout(),
		SweepOnClaim:   *cfg.Dispatch.SweepOnClaim,
		MaxBatch:       cfg.Server.MaxBatch,
	}, options...)

	return &stack{
		cfg:        cfg,
		db:         gormDB,
		log:        logger,
		policy:     policy,
		ledger:     ledger,
		queue:      q,
		sessions:   sessions,
		dispatcher: d,
		close: func() error {
			logger.Sync()
			return closeLedger()
		},
	}, nil
}

// lockedCipher stands in when no vault key is configured.
type lockedCipher struct{}

func (lockedCipher) Encrypt(string, []byte) ([]byte, error) {
	return nil, fmt.Errorf("vault.key is not configured (set %s)", config.EnvVaultKey)
}

func (lockedCipher) Decrypt(string, []byte) ([]byte, error) {
	return nil, fmt.Errorf("vault.key is not configured (set %s)", config.EnvVaultKey)
}
