package worker

import (
	"errors"

	"github.com/zulandar/senderyard/internal/models"
)

// Executor errors the worker reacts to. Executors wrap these so the cause
// survives in the failure message.
var (
	ErrSessionExpired = errors.New("session expired")
	ErrCheckpoint     = errors.New("security checkpoint")
	ErrRestricted     = errors.New("account restricted")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnsupported    = errors.New("unsupported action type")
)

// Outcome is what a failed action means for its sender.
type Outcome struct {
	// Health is the status to report, empty when the sender is unaffected.
	Health string
	Reason string
	// Relogin asks for a fresh login when auto-login is enabled.
	Relogin bool
}

// Classify maps an executor error to a sender outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{}
	case errors.Is(err, ErrSessionExpired):
		return Outcome{Health: models.HealthSessionExpired, Reason: err.Error(), Relogin: true}
	case errors.Is(err, ErrCheckpoint):
		return Outcome{Health: models.HealthPaused, Reason: err.Error()}
	case errors.Is(err, ErrRestricted):
		return Outcome{Health: models.HealthBlocked, Reason: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return Outcome{Health: models.HealthWarning, Reason: err.Error()}
	default:
		return Outcome{}
	}
}
