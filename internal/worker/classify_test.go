package worker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/zulandar/senderyard/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantHealth  string
		wantRelogin bool
	}{
		{"nil", nil, "", false},
		{"session expired", fmt.Errorf("connect: %w", ErrSessionExpired), models.HealthSessionExpired, true},
		{"checkpoint", fmt.Errorf("message: %w", ErrCheckpoint), models.HealthPaused, false},
		{"restricted", ErrRestricted, models.HealthBlocked, false},
		{"rate limited", fmt.Errorf("%w: weekly invitation limit", ErrRateLimited), models.HealthWarning, false},
		{"unsupported", fmt.Errorf("%w: poke", ErrUnsupported), "", false},
		{"other", errors.New("element not found"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Health != tt.wantHealth {
				t.Errorf("Health = %q, want %q", got.Health, tt.wantHealth)
			}
			if got.Relogin != tt.wantRelogin {
				t.Errorf("Relogin = %v, want %v", got.Relogin, tt.wantRelogin)
			}
			if tt.wantHealth != "" && got.Reason != tt.err.Error() {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.err.Error())
			}
		})
	}
}
