package budget

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/senderyard/internal/models"
)

// SQLLedger keeps counters in the budget_counters table.
type SQLLedger struct {
	db *gorm.DB
}

// NewSQLLedger returns a Ledger backed by db.
func NewSQLLedger(db *gorm.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

func (l *SQLLedger) scope(ctx context.Context, k Key) *gorm.DB {
	return l.db.WithContext(ctx).Model(&models.BudgetCounter{}).
		Where("sender_id = ? AND action_type = ? AND day = ?", k.SenderID, k.ActionType, k.Day)
}

// ensure creates the zero row for k if it does not exist yet.
func (l *SQLLedger) ensure(ctx context.Context, k Key) error {
	row := models.BudgetCounter{SenderID: k.SenderID, ActionType: k.ActionType, Day: k.Day}
	if err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("budget: ensure counter %s/%s/%s: %w", k.SenderID, k.ActionType, k.Day, err)
	}
	return nil
}

func (l *SQLLedger) get(ctx context.Context, k Key) (models.BudgetCounter, error) {
	var row models.BudgetCounter
	err := l.db.WithContext(ctx).
		Where("sender_id = ? AND action_type = ? AND day = ?", k.SenderID, k.ActionType, k.Day).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.BudgetCounter{}, nil
	}
	if err != nil {
		return row, fmt.Errorf("budget: get counter %s/%s/%s: %w", k.SenderID, k.ActionType, k.Day, err)
	}
	return row, nil
}

// Remaining returns limit - consumed.
func (l *SQLLedger) Remaining(ctx context.Context, k Key, limit int) (int, error) {
	row, err := l.get(ctx, k)
	if err != nil {
		return 0, err
	}
	return floor0(limit - row.Consumed), nil
}

// Available returns limit - consumed - reserved.
func (l *SQLLedger) Available(ctx context.Context, k Key, limit int) (int, error) {
	row, err := l.get(ctx, k)
	if err != nil {
		return 0, err
	}
	return floor0(limit - row.Consumed - row.Reserved), nil
}

// Reserve increments reserved iff consumed+reserved < limit.
func (l *SQLLedger) Reserve(ctx context.Context, k Key, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	if err := l.ensure(ctx, k); err != nil {
		return false, err
	}
	res := l.scope(ctx, k).
		Where("consumed + reserved < ?", limit).
		Update("reserved", gorm.Expr("reserved + ?", 1))
	if res.Error != nil {
		return false, fmt.Errorf("budget: reserve %s/%s: %w", k.SenderID, k.ActionType, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Release decrements reserved iff reserved > 0.
func (l *SQLLedger) Release(ctx context.Context, k Key) error {
	res := l.scope(ctx, k).
		Where("reserved > 0").
		Update("reserved", gorm.Expr("reserved - ?", 1))
	if res.Error != nil {
		return fmt.Errorf("budget: release %s/%s: %w", k.SenderID, k.ActionType, res.Error)
	}
	return nil
}

// Consume moves one unit from reserved to consumed, falling back to a
// direct consume when nothing is reserved.
func (l *SQLLedger) Consume(ctx context.Context, k Key, limit int) error {
	if err := l.ensure(ctx, k); err != nil {
		return err
	}

	res := l.scope(ctx, k).
		Where("reserved > 0 AND consumed < ?", limit).
		Updates(map[string]interface{}{
			"reserved": gorm.Expr("reserved - ?", 1),
			"consumed": gorm.Expr("consumed + ?", 1),
		})
	if res.Error != nil {
		return fmt.Errorf("budget: consume %s/%s: %w", k.SenderID, k.ActionType, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	res = l.scope(ctx, k).
		Where("consumed + reserved < ?", limit).
		Update("consumed", gorm.Expr("consumed + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("budget: consume %s/%s: %w", k.SenderID, k.ActionType, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrExhausted
	}
	return nil
}

// Usage lists the sender's counters for day, ordered by action type.
func (l *SQLLedger) Usage(ctx context.Context, senderID, day string) ([]Counter, error) {
	var rows []models.BudgetCounter
	if err := l.db.WithContext(ctx).
		Where("sender_id = ? AND day = ?", senderID, day).
		Order("action_type").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("budget: usage %s/%s: %w", senderID, day, err)
	}
	out := make([]Counter, 0, len(rows))
	for _, r := range rows {
		out = append(out, Counter{ActionType: r.ActionType, Consumed: r.Consumed, Reserved: r.Reserved})
	}
	return out, nil
}
