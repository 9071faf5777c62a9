package models

import "time"

// Person is an outreach target.
type Person struct {
	ID          string `gorm:"primaryKey;size:64"`
	WorkspaceID string `gorm:"size:64;index"`
	LinkedInURL string `gorm:"column:linkedin_url;size:512;uniqueIndex"`
	Name        string `gorm:"size:256"`
	Headline    string `gorm:"size:512"`
	Company     string `gorm:"size:256"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
