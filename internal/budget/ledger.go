package budget

import (
	"context"
	"errors"
)

// ErrExhausted is returned by Consume when the day's limit is already used.
var ErrExhausted = errors.New("budget: exhausted")

// Key identifies one daily counter.
type Key struct {
	SenderID   string
	ActionType string
	Day        string
}

// Counter is the state of one action type's counter for a day.
type Counter struct {
	ActionType string
	Consumed   int
	Reserved   int
}

// Ledger stores daily counters. Every mutation is a single atomic
// conditional operation, so consumed+reserved never exceeds the limit
// passed by the caller and consumed never exceeds it either.
type Ledger interface {
	// Remaining returns limit minus consumed, floored at zero.
	Remaining(ctx context.Context, k Key, limit int) (int, error)
	// Available returns limit minus consumed and reserved, floored at zero.
	Available(ctx context.Context, k Key, limit int) (int, error)
	// Reserve takes one unit of claim capacity if any is left.
	Reserve(ctx context.Context, k Key, limit int) (bool, error)
	// Release returns one reservation. Releasing with none held is a no-op.
	Release(ctx context.Context, k Key) error
	// Consume converts a reservation into consumption, or consumes directly
	// when no reservation is held and capacity remains.
	Consume(ctx context.Context, k Key, limit int) error
	// Usage lists every counter recorded for the sender on day.
	Usage(ctx context.Context, senderID, day string) ([]Counter, error)
}

func floor0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
