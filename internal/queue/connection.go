package queue

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/senderyard/internal/models"
)

// upsertConnection records that sender sent person a connection request.
func upsertConnection(tx *gorm.DB, senderID, personID string, now time.Time) error {
	conn := models.Connection{
		SenderID:      senderID,
		PersonID:      personID,
		Status:        models.ConnectionPending,
		RequestSentAt: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sender_id"}, {Name: "person_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "request_sent_at", "updated_at"}),
	}).Create(&conn).Error
	if err != nil {
		return fmt.Errorf("upsert connection %s/%s: %w", senderID, personID, err)
	}
	return nil
}

// ListConnections returns the connections recorded for a sender.
func (q *Queue) ListConnections(ctx context.Context, senderID string) ([]models.Connection, error) {
	var out []models.Connection
	if err := q.db.WithContext(ctx).Where("sender_id = ?", senderID).Order("person_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("queue: list connections %s: %w", senderID, err)
	}
	return out, nil
}
