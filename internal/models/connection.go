package models

import "time"

// Connection status values.
const (
	ConnectionPending  = "pending"
	ConnectionAccepted = "accepted"
	ConnectionIgnored  = "ignored"
)

// Connection is a denormalized reporting view of a sender/person relationship,
// written as a side effect of completed connect actions.
type Connection struct {
	SenderID      string `gorm:"primaryKey;size:64"`
	PersonID      string `gorm:"primaryKey;size:64"`
	Status        string `gorm:"size:16;default:pending"`
	RequestSentAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
