package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/senderyard/internal/config"
	"github.com/zulandar/senderyard/internal/models"
)

// AllModels returns every GORM model managed by Senderyard.
func AllModels() []interface{} {
	return []interface{}{
		&models.Sender{},
		&models.HealthEvent{},
		&models.Person{},
		&models.Action{},
		&models.Connection{},
		&models.BudgetCounter{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// DropAll drops every managed table. Used by `sy db reset`.
func DropAll(db *gorm.DB) error {
	if err := db.Migrator().DropTable(AllModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return nil
}

// SeedSenders upserts Sender rows from configuration. Secrets, session
// state and health are left untouched on existing rows.
func SeedSenders(db *gorm.DB, senders []config.SenderConfig) error {
	for _, sc := range senders {
		s := models.Sender{
			ID:          sc.ID,
			WorkspaceID: sc.Workspace,
			Name:        sc.Name,
			Tier:        sc.Tier,
			ProxyRef:    sc.ProxyRef,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"workspace_id", "name", "tier", "proxy_ref", "updated_at"}),
		}).Create(&s)
		if result.Error != nil {
			return fmt.Errorf("db: seed sender %q: %w", sc.ID, result.Error)
		}
	}
	return nil
}
