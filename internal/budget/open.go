package budget

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/zulandar/senderyard/internal/config"
)

// PolicyFromConfig builds the tier policy from the budget config section.
func PolicyFromConfig(cfg config.BudgetConfig) *Policy {
	return NewPolicy(cfg.DefaultTier, cfg.Tiers, cfg.SessionOptional)
}

// Open returns the ledger selected by cfg.Backend and a close func.
// The redis backend is pinged before returning.
func Open(ctx context.Context, cfg config.BudgetConfig, db *gorm.DB) (Ledger, func() error, error) {
	switch cfg.Backend {
	case "", "sql":
		return NewSQLLedger(db), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("budget: connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return NewRedisLedger(client), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("budget: unknown backend %q", cfg.Backend)
	}
}
