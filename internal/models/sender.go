package models

import "time"

// Sender session status values.
const (
	SessionNone    = "none"
	SessionPending = "pending"
	SessionActive  = "active"
	SessionExpired = "expired"
)

// Sender health status values.
const (
	HealthHealthy        = "healthy"
	HealthWarning        = "warning"
	HealthPaused         = "paused"
	HealthBlocked        = "blocked"
	HealthSessionExpired = "session_expired"
)

// Sender is one automation identity: credentials, session and health board.
// Credentials, TOTPSecret and SessionData hold ciphertext only.
type Sender struct {
	ID               string `gorm:"primaryKey;size:64"`
	WorkspaceID      string `gorm:"size:64;index"`
	Name             string `gorm:"size:128"`
	Tier             string `gorm:"size:32;default:low"`
	ProxyRef         string `gorm:"size:256"`
	Credentials      []byte
	TOTPSecret       []byte
	SessionData      []byte
	SessionStatus    string `gorm:"size:16;default:none"`
	SessionUpdatedAt *time.Time
	HealthStatus     string `gorm:"size:16;default:healthy;index"`
	HealthReason     string `gorm:"size:256"`
	HealthUpdatedAt  *time.Time
	LastActiveAt     *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Dispatchable reports whether the dispatcher may hand out work for s.
func (s *Sender) Dispatchable() bool {
	return s.HealthStatus != HealthPaused && s.HealthStatus != HealthBlocked
}

// ValidHealthStatus reports whether status is a known health value.
func ValidHealthStatus(status string) bool {
	switch status {
	case HealthHealthy, HealthWarning, HealthPaused, HealthBlocked, HealthSessionExpired:
		return true
	}
	return false
}

// ValidSessionStatus reports whether status is a known session value.
func ValidSessionStatus(status string) bool {
	switch status {
	case SessionNone, SessionPending, SessionActive, SessionExpired:
		return true
	}
	return false
}

// HealthEvent is one row of the sender health audit log. Operators may force
// any transition, so the log is the only record of how a sender got here.
type HealthEvent struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	SenderID   string `gorm:"size:64;not null;index"`
	FromStatus string `gorm:"size:16"`
	ToStatus   string `gorm:"size:16;not null"`
	Reason     string `gorm:"size:256"`
	Source     string `gorm:"size:16"` // "worker", "operator", "system"
	CreatedAt  time.Time
}
