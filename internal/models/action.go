package models

import "time"

// Action status values.
const (
	ActionPending  = "pending"
	ActionRunning  = "running"
	ActionComplete = "complete"
	ActionFailed   = "failed"
)

// Known action types. The queue accepts any non-empty type; budgets decide
// whether it is ever claimed.
const (
	TypeConnect     = "connect"
	TypeMessage     = "message"
	TypeViewProfile = "view_profile"
	TypeFollow      = "follow"
	TypeLike        = "like"
	TypeComment     = "comment"
)

// Action is one unit of scheduled outreach work for a sender.
type Action struct {
	ID          string    `gorm:"primaryKey;size:36"`
	SenderID    string    `gorm:"size:64;not null;index:idx_actions_claim,priority:1"`
	PersonID    string    `gorm:"size:64;index"`
	ActionType  string    `gorm:"size:32;not null"`
	Payload     string    `gorm:"type:text"`
	Status      string    `gorm:"size:16;default:pending;index:idx_actions_claim,priority:2"`
	Attempts    int       `gorm:"not null;default:0"`
	ClaimToken  string    `gorm:"size:36"`
	BudgetDay   string    `gorm:"size:10"`
	Result      string    `gorm:"type:text"`
	Error       string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index:idx_actions_claim,priority:3"`
	UpdatedAt   time.Time
	ClaimedAt   *time.Time `gorm:"index"`
	CompletedAt *time.Time
}
