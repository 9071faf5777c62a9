// Package dispatch composes the queue, budget ledger and session store
// into the operations workers call: claim, report, usage and sender
// bookkeeping.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/senderyard/internal/budget"
	"github.com/zulandar/senderyard/internal/db"
	"github.com/zulandar/senderyard/internal/models"
	"github.com/zulandar/senderyard/internal/queue"
	"github.com/zulandar/senderyard/internal/session"
)

// Options tune claim behavior.
type Options struct {
	ReclaimTimeout time.Duration
	SweepOnClaim   bool
	MaxBatch       int
}

// ClaimedAction is one claimed action with its target resolved.
type ClaimedAction struct {
	ID          string
	ActionType  string
	PersonID    string
	Payload     string
	LinkedInURL string
}

// TypeUsage is one action type's budget state for today.
type TypeUsage struct {
	ActionType string
	Limit      int
	Consumed   int
	Reserved   int
	Remaining  int // limit minus consumed
	Available  int // claim capacity: limit minus consumed and reserved
}

// UsageReport is a sender's budget state for one UTC day.
type UsageReport struct {
	SenderID string
	Tier     string
	Day      string
	Usage    []TypeUsage
}

// Dispatcher serves worker requests.
type Dispatcher struct {
	db       *gorm.DB
	queue    *queue.Queue
	sessions *session.Store
	ledger   budget.Ledger
	policy   *budget.Policy
	opts     Options
	metrics  *Metrics
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records claim and report counters.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New returns a Dispatcher.
func New(gdb *gorm.DB, q *queue.Queue, sessions *session.Store, ledger budget.Ledger, policy *budget.Policy, opts Options, options ...Option) *Dispatcher {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 50
	}
	d := &Dispatcher{
		db:       gdb,
		queue:    q,
		sessions: sessions,
		ledger:   ledger,
		policy:   policy,
		opts:     opts,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// Sessions exposes the session store for sender pass-through endpoints.
func (d *Dispatcher) Sessions() *session.Store {
	return d.sessions
}

// Queue exposes the action queue for operator commands.
func (d *Dispatcher) Queue() *queue.Queue {
	return d.queue
}

// Claim hands out up to limit actions for senderID. Paused and blocked
// senders get an empty batch. Senders without an active session only get
// action types that run without one.
func (d *Dispatcher) Claim(ctx context.Context, senderID string, limit int) ([]ClaimedAction, error) {
	if d.opts.SweepOnClaim {
		if _, err := d.Sweep(ctx); err != nil {
			d.log.Warn("reclaim sweep before claim", zap.Error(err))
		}
	}

	var sender *models.Sender
	err := db.Retry(ctx, func() error {
		var err error
		sender, err = d.sessions.Get(ctx, senderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if !sender.Dispatchable() {
		if d.metrics != nil {
			d.metrics.SkippedClaims.WithLabelValues(sender.HealthStatus).Inc()
		}
		return []ClaimedAction{}, nil
	}

	if limit < 1 {
		limit = 1
	}
	if limit > d.opts.MaxBatch {
		limit = d.opts.MaxBatch
	}

	claimOpts := queue.ClaimOpts{
		SenderID:       senderID,
		Tier:           sender.Tier,
		Limit:          limit,
		WithoutSession: sender.SessionStatus != models.SessionActive,
	}
	var (
		actions []models.Action
		partial error
	)
	// Only an empty claim is retried; claimed rows are already running.
	err = db.Retry(ctx, func() error {
		got, err := d.queue.ClaimBatch(ctx, claimOpts)
		actions = got
		if err != nil && len(got) > 0 {
			partial = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if partial != nil {
		// Hand out what was claimed; the rest stays pending.
		d.log.Warn("claim batch cut short", zap.String("sender_id", senderID), zap.Int("claimed", len(actions)), zap.Error(partial))
	}

	urls, err := d.resolveURLs(ctx, actions)
	if err != nil {
		// Claimed rows are running; the sweep returns them if this
		// response never reaches the worker.
		return nil, err
	}

	out := make([]ClaimedAction, 0, len(actions))
	for _, a := range actions {
		out = append(out, ClaimedAction{
			ID:          a.ID,
			ActionType:  a.ActionType,
			PersonID:    a.PersonID,
			Payload:     a.Payload,
			LinkedInURL: urls[a.PersonID],
		})
		if d.metrics != nil {
			d.metrics.ClaimedTotal.WithLabelValues(a.ActionType).Inc()
		}
	}
	if d.metrics != nil {
		d.metrics.ClaimBatchSize.Observe(float64(len(out)))
	}
	return out, nil
}

// resolveURLs loads the profile URL of every target in one query.
func (d *Dispatcher) resolveURLs(ctx context.Context, actions []models.Action) (map[string]string, error) {
	ids := make([]string, 0, len(actions))
	seen := make(map[string]bool)
	for _, a := range actions {
		if a.PersonID != "" && !seen[a.PersonID] {
			seen[a.PersonID] = true
			ids = append(ids, a.PersonID)
		}
	}
	urls := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return urls, nil
	}

	var people []models.Person
	err := db.Retry(ctx, func() error {
		return d.db.WithContext(ctx).Select("id", "linkedin_url").Where("id IN ?", ids).Find(&people).Error
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve people: %w", err)
	}
	for _, p := range people {
		urls[p.ID] = p.LinkedInURL
	}
	return urls, nil
}

// Complete reports success for a running action.
func (d *Dispatcher) Complete(ctx context.Context, actionID, result string) error {
	var action *models.Action
	err := db.Retry(ctx, func() error {
		var err error
		action, err = d.queue.ReportComplete(ctx, actionID, result)
		return err
	})
	if err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.CompletedTotal.WithLabelValues(action.ActionType).Inc()
	}
	return nil
}

// Fail reports failure for a running action.
func (d *Dispatcher) Fail(ctx context.Context, actionID, message string) error {
	var action *models.Action
	err := db.Retry(ctx, func() error {
		var err error
		action, err = d.queue.ReportFailed(ctx, actionID, message)
		return err
	})
	if err != nil {
		return err
	}
	if d.metrics != nil {
		d.metrics.FailedTotal.WithLabelValues(action.ActionType).Inc()
	}
	d.log.Info("action failed",
		zap.String("action_id", actionID),
		zap.String("sender_id", action.SenderID),
		zap.String("action_type", action.ActionType),
		zap.String("error", message))
	return nil
}

// Sweep returns stale running actions to pending.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	n, err := d.queue.Reclaim(ctx, d.opts.ReclaimTimeout)
	if n > 0 && d.metrics != nil {
		d.metrics.ReclaimedTotal.Add(float64(n))
	}
	return n, err
}

// Usage reports today's budget for every type in the sender's tier plus
// any type that has a counter today.
func (d *Dispatcher) Usage(ctx context.Context, senderID string) (*UsageReport, error) {
	var (
		sender   *models.Sender
		counters []budget.Counter
	)
	day := budget.DayKey(d.now())
	err := db.Retry(ctx, func() error {
		var err error
		if sender, err = d.sessions.Get(ctx, senderID); err != nil {
			return err
		}
		counters, err = d.ledger.Usage(ctx, senderID, day)
		return err
	})
	if err != nil {
		return nil, err
	}

	byType := make(map[string]budget.Counter, len(counters))
	for _, c := range counters {
		byType[c.ActionType] = c
	}
	for _, t := range d.policy.Types(sender.Tier) {
		if _, ok := byType[t]; !ok {
			byType[t] = budget.Counter{ActionType: t}
		}
	}

	report := &UsageReport{SenderID: senderID, Tier: d.policy.Tier(sender.Tier), Day: day}
	for t, c := range byType {
		limit := d.policy.Limit(sender.Tier, t)
		key := budget.Key{SenderID: senderID, ActionType: t, Day: day}
		var remaining, available int
		err := db.Retry(ctx, func() error {
			var err error
			if remaining, err = d.ledger.Remaining(ctx, key, limit); err != nil {
				return err
			}
			available, err = d.ledger.Available(ctx, key, limit)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("dispatch: usage %s: %w", t, err)
		}
		report.Usage = append(report.Usage, TypeUsage{
			ActionType: t,
			Limit:      limit,
			Consumed:   c.Consumed,
			Reserved:   c.Reserved,
			Remaining:  remaining,
			Available:  available,
		})
	}
	sort.Slice(report.Usage, func(i, j int) bool { return report.Usage[i].ActionType < report.Usage[j].ActionType })
	return report, nil
}
