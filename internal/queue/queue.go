// Package queue is the durable action queue and its state machine.
//
// Every status transition is a conditional UPDATE checked through
// RowsAffected, so any number of processes may share one database.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/senderyard/internal/budget"
	"github.com/zulandar/senderyard/internal/models"
)

var (
	// ErrNotFound means no action has the given ID.
	ErrNotFound = errors.New("queue: action not found")
	// ErrNotRunning means a report arrived for an action that is not running.
	ErrNotRunning = errors.New("queue: action not running")
	// ErrNotFailed means a requeue was asked for an action that has not failed.
	ErrNotFailed = errors.New("queue: action not failed")
	// ErrInvalid means an enqueue request was rejected.
	ErrInvalid = errors.New("queue: invalid action")
)

// Queue claims and reports actions against a budget ledger.
type Queue struct {
	db     *gorm.DB
	ledger budget.Ledger
	policy *budget.Policy
	now    func() time.Time
	log    *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger for budget bookkeeping problems.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// New returns a Queue.
func New(db *gorm.DB, ledger budget.Ledger, policy *budget.Policy, opts ...Option) *Queue {
	q := &Queue{db: db, ledger: ledger, policy: policy, now: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) clock() time.Time {
	return q.now().UTC()
}

// EnqueueOpts describes a new action.
type EnqueueOpts struct {
	SenderID   string
	PersonID   string
	ActionType string
	Payload    string // JSON text, optional
}

// Enqueue creates a pending action.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOpts) (*models.Action, error) {
	if opts.SenderID == "" || opts.ActionType == "" {
		return nil, fmt.Errorf("queue: enqueue: sender and action type are required: %w", ErrInvalid)
	}
	if opts.Payload != "" && !json.Valid([]byte(opts.Payload)) {
		return nil, fmt.Errorf("queue: enqueue: payload is not valid JSON: %w", ErrInvalid)
	}

	var n int64
	if err := q.db.WithContext(ctx).Model(&models.Sender{}).Where("id = ?", opts.SenderID).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("queue: enqueue: check sender: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("queue: enqueue: sender %q: %w", opts.SenderID, ErrInvalid)
	}
	if opts.PersonID != "" {
		if err := q.db.WithContext(ctx).Model(&models.Person{}).Where("id = ?", opts.PersonID).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("queue: enqueue: check person: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("queue: enqueue: person %q: %w", opts.PersonID, ErrInvalid)
		}
	}

	now := q.clock()
	action := &models.Action{
		ID:         uuid.NewString(),
		SenderID:   opts.SenderID,
		PersonID:   opts.PersonID,
		ActionType: opts.ActionType,
		Payload:    opts.Payload,
		Status:     models.ActionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.db.WithContext(ctx).Create(action).Error; err != nil {
		return nil, fmt.Errorf("queue: enqueue: %w", err)
	}
	return action, nil
}

// ClaimOpts selects what ClaimBatch may hand out.
type ClaimOpts struct {
	SenderID string
	Tier     string
	Limit    int
	Exclude  []string // action types never to claim

	// WithoutSession restricts the claim to action types the policy
	// allows without an authenticated session.
	WithoutSession bool
}

// ClaimBatch claims up to opts.Limit pending actions for one sender,
// oldest first. Each claim reserves one unit of the day's budget for the
// action's type before the pending->running compare-and-set; a type whose
// reservation is refused is skipped for the rest of the scan. An action
// lost to a racing claimer is dropped and its reservation returned.
//
// On error the actions claimed so far are returned with the error.
func (q *Queue) ClaimBatch(ctx context.Context, opts ClaimOpts) ([]models.Action, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	now := q.clock()
	day := budget.DayKey(now)
	pageSize := opts.Limit * 2
	if pageSize < 25 {
		pageSize = 25
	}

	skip := make(map[string]bool, len(opts.Exclude))
	for _, t := range opts.Exclude {
		skip[t] = true
	}

	var (
		claimed []models.Action
		cursor  *models.Action
	)
	for len(claimed) < opts.Limit {
		scan := q.db.WithContext(ctx).
			Where("sender_id = ? AND status = ?", opts.SenderID, models.ActionPending)
		if len(skip) > 0 {
			scan = scan.Where("action_type NOT IN ?", keys(skip))
		}
		if cursor != nil {
			scan = scan.Where("(created_at > ? OR (created_at = ? AND id > ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
		}
		var pageRows []models.Action
		if err := scan.Order("created_at ASC, id ASC").Limit(pageSize).Find(&pageRows).Error; err != nil {
			return claimed, fmt.Errorf("queue: claim scan %s: %w", opts.SenderID, err)
		}
		if len(pageRows) == 0 {
			break
		}

		for i := range pageRows {
			a := pageRows[i]
			cursor = &a
			if len(claimed) >= opts.Limit {
				break
			}
			if skip[a.ActionType] {
				continue
			}
			if opts.WithoutSession && q.policy.RequiresSession(a.ActionType) {
				skip[a.ActionType] = true
				continue
			}

			key := budget.Key{SenderID: opts.SenderID, ActionType: a.ActionType, Day: day}
			ok, err := q.ledger.Reserve(ctx, key, q.policy.Limit(opts.Tier, a.ActionType))
			if err != nil {
				return claimed, fmt.Errorf("queue: claim %s: %w", a.ID, err)
			}
			if !ok {
				skip[a.ActionType] = true
				continue
			}

			token := uuid.NewString()
			res := q.db.WithContext(ctx).Model(&models.Action{}).
				Where("id = ? AND status = ?", a.ID, models.ActionPending).
				Updates(map[string]interface{}{
					"status":      models.ActionRunning,
					"claimed_at":  now,
					"claim_token": token,
					"budget_day":  day,
					"attempts":    gorm.Expr("attempts + ?", 1),
					"updated_at":  now,
				})
			if res.Error != nil {
				q.release(ctx, key)
				return claimed, fmt.Errorf("queue: claim %s: %w", a.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				q.release(ctx, key)
				continue
			}

			a.Status = models.ActionRunning
			a.ClaimedAt = &now
			a.ClaimToken = token
			a.BudgetDay = day
			a.Attempts++
			a.UpdatedAt = now
			claimed = append(claimed, a)
		}

		if len(pageRows) < pageSize {
			break
		}
	}
	return claimed, nil
}

// ReportComplete moves a running action to complete, upserts the
// Connection for connect actions, stamps the sender's last activity and
// then converts the claim's reservation into consumption.
func (q *Queue) ReportComplete(ctx context.Context, actionID, result string) (*models.Action, error) {
	if result != "" && !json.Valid([]byte(result)) {
		return nil, fmt.Errorf("queue: complete %s: result is not valid JSON: %w", actionID, ErrInvalid)
	}
	now := q.clock()
	var (
		action models.Action
		tier   string
	)
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Action{}).
			Where("id = ? AND status = ?", actionID, models.ActionRunning).
			Updates(map[string]interface{}{
				"status":       models.ActionComplete,
				"result":       result,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return fmt.Errorf("queue: complete %s: %w", actionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return q.missOrNotRunning(tx, actionID, "complete")
		}
		if err := tx.Where("id = ?", actionID).Take(&action).Error; err != nil {
			return fmt.Errorf("queue: complete %s: reload: %w", actionID, err)
		}

		if action.ActionType == models.TypeConnect && action.PersonID != "" {
			if err := upsertConnection(tx, action.SenderID, action.PersonID, now); err != nil {
				return fmt.Errorf("queue: complete %s: %w", actionID, err)
			}
		}

		var sender models.Sender
		if err := tx.Select("id", "tier").Where("id = ?", action.SenderID).Take(&sender).Error; err != nil &&
			!errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("queue: complete %s: load sender: %w", actionID, err)
		}
		tier = sender.Tier
		if err := tx.Model(&models.Sender{}).Where("id = ?", action.SenderID).
			Update("last_active_at", now).Error; err != nil {
			return fmt.Errorf("queue: complete %s: touch sender: %w", actionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	key := budget.Key{SenderID: action.SenderID, ActionType: action.ActionType, Day: reservationDay(action, now)}
	if err := q.ledger.Consume(ctx, key, q.policy.Limit(tier, action.ActionType)); err != nil {
		if errors.Is(err, budget.ErrExhausted) {
			q.log.Warn("budget already exhausted at completion",
				zap.String("action_id", actionID), zap.String("sender_id", action.SenderID),
				zap.String("action_type", action.ActionType))
			q.release(ctx, key)
		} else {
			q.log.Error("consume budget", zap.String("action_id", actionID), zap.Error(err))
		}
	}
	return &action, nil
}

// ReportFailed moves a running action to failed and returns its reservation.
// Failed attempts never consume budget.
func (q *Queue) ReportFailed(ctx context.Context, actionID, message string) (*models.Action, error) {
	now := q.clock()
	var action models.Action
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Action{}).
			Where("id = ? AND status = ?", actionID, models.ActionRunning).
			Updates(map[string]interface{}{
				"status":       models.ActionFailed,
				"error":        message,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return fmt.Errorf("queue: fail %s: %w", actionID, res.Error)
		}
		if res.RowsAffected == 0 {
			return q.missOrNotRunning(tx, actionID, "fail")
		}
		if err := tx.Where("id = ?", actionID).Take(&action).Error; err != nil {
			return fmt.Errorf("queue: fail %s: reload: %w", actionID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.release(ctx, budget.Key{SenderID: action.SenderID, ActionType: action.ActionType, Day: reservationDay(action, now)})
	return &action, nil
}

// Reclaim returns running actions claimed before now-timeout to pending.
// Each reset is conditional on the claim token the sweep observed, so of
// two racing sweeps exactly one wins each action and releases its
// reservation.
func (q *Queue) Reclaim(ctx context.Context, timeout time.Duration) (int, error) {
	now := q.clock()
	cutoff := now.Add(-timeout)

	var stale []models.Action
	if err := q.db.WithContext(ctx).
		Select("id", "sender_id", "action_type", "claim_token", "budget_day").
		Where("status = ? AND claimed_at < ?", models.ActionRunning, cutoff).
		Order("claimed_at ASC").
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("queue: reclaim scan: %w", err)
	}

	reclaimed := 0
	for _, a := range stale {
		res := q.db.WithContext(ctx).Model(&models.Action{}).
			Where("id = ? AND status = ? AND claim_token = ?", a.ID, models.ActionRunning, a.ClaimToken).
			Updates(map[string]interface{}{
				"status":      models.ActionPending,
				"claimed_at":  nil,
				"claim_token": "",
				"budget_day":  "",
				"updated_at":  now,
			})
		if res.Error != nil {
			return reclaimed, fmt.Errorf("queue: reclaim %s: %w", a.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		reclaimed++
		q.release(ctx, budget.Key{SenderID: a.SenderID, ActionType: a.ActionType, Day: reservationDay(a, now)})
		q.log.Info("reclaimed stale action", zap.String("action_id", a.ID), zap.String("sender_id", a.SenderID))
	}
	return reclaimed, nil
}

// Requeue moves a failed action back to pending. Operator use only.
func (q *Queue) Requeue(ctx context.Context, actionID string) error {
	res := q.db.WithContext(ctx).Model(&models.Action{}).
		Where("id = ? AND status = ?", actionID, models.ActionFailed).
		Updates(map[string]interface{}{
			"status":       models.ActionPending,
			"error":        "",
			"completed_at": nil,
			"claimed_at":   nil,
			"claim_token":  "",
			"budget_day":   "",
			"updated_at":   q.clock(),
		})
	if res.Error != nil {
		return fmt.Errorf("queue: requeue %s: %w", actionID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := q.Get(ctx, actionID); err != nil {
			return err
		}
		return fmt.Errorf("queue: requeue %s: %w", actionID, ErrNotFailed)
	}
	return nil
}

// Get loads one action.
func (q *Queue) Get(ctx context.Context, actionID string) (*models.Action, error) {
	var a models.Action
	err := q.db.WithContext(ctx).Where("id = ?", actionID).Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("queue: get %s: %w", actionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", actionID, err)
	}
	return &a, nil
}

// ListOpts filters List. Zero values match everything.
type ListOpts struct {
	SenderID   string
	Status     string
	ActionType string
	Limit      int
}

// List returns actions oldest first.
func (q *Queue) List(ctx context.Context, opts ListOpts) ([]models.Action, error) {
	scan := q.db.WithContext(ctx).Order("created_at ASC, id ASC")
	if opts.SenderID != "" {
		scan = scan.Where("sender_id = ?", opts.SenderID)
	}
	if opts.Status != "" {
		scan = scan.Where("status = ?", opts.Status)
	}
	if opts.ActionType != "" {
		scan = scan.Where("action_type = ?", opts.ActionType)
	}
	if opts.Limit > 0 {
		scan = scan.Limit(opts.Limit)
	}
	var out []models.Action
	if err := scan.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return out, nil
}

func (q *Queue) missOrNotRunning(tx *gorm.DB, actionID, verb string) error {
	var n int64
	if err := tx.Model(&models.Action{}).Where("id = ?", actionID).Count(&n).Error; err != nil {
		return fmt.Errorf("queue: %s %s: %w", verb, actionID, err)
	}
	if n == 0 {
		return fmt.Errorf("queue: %s %s: %w", verb, actionID, ErrNotFound)
	}
	return fmt.Errorf("queue: %s %s: %w", verb, actionID, ErrNotRunning)
}

// release returns a reservation, logging rather than failing: a leaked
// reservation only lowers capacity until the day rolls over.
func (q *Queue) release(ctx context.Context, key budget.Key) {
	if err := q.ledger.Release(ctx, key); err != nil {
		q.log.Error("release budget reservation",
			zap.String("sender_id", key.SenderID), zap.String("action_type", key.ActionType), zap.Error(err))
	}
}

// reservationDay is the day the claim reserved budget on. Actions claimed
// before budget_day existed fall back to today.
func reservationDay(a models.Action, now time.Time) string {
	if a.BudgetDay != "" {
		return a.BudgetDay
	}
	return budget.DayKey(now)
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
