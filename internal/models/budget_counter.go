package models

import "time"

// BudgetCounter tracks one sender's usage of one action type on one UTC day.
// Reserved counts claims that have not been reported yet.
type BudgetCounter struct {
	SenderID   string `gorm:"primaryKey;size:64"`
	ActionType string `gorm:"primaryKey;size:32"`
	Day        string `gorm:"primaryKey;size:10"`
	Consumed   int    `gorm:"not null;default:0"`
	Reserved   int    `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}
