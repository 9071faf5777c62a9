// Package worker runs the pull loop that claims actions from the dispatch
// server, executes them in a browser and reports the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zulandar/senderyard/internal/api"
	"github.com/zulandar/senderyard/internal/models"
)

// API is the part of the dispatch server the worker talks to.
type API interface {
	NextActions(ctx context.Context, senderID string, limit int) ([]api.Action, error)
	Complete(ctx context.Context, actionID, result string) error
	Fail(ctx context.Context, actionID, message string) error
	ListSenders(ctx context.Context, workspace string) ([]api.Sender, error)
	Credentials(ctx context.Context, senderID string) (*api.CredentialsResponse, error)
	Cookies(ctx context.Context, senderID string) ([]api.Cookie, error)
	SaveSession(ctx context.Context, senderID string, cookies []api.Cookie) error
	SetHealth(ctx context.Context, senderID, status, reason string) error
}

// Session is an open browser context for one sender.
type Session interface {
	// Execute performs one action and returns a JSON result.
	Execute(ctx context.Context, action api.Action) (string, error)
	Close() error
}

// Executor opens browser sessions. cookies may be nil, in which case only
// actions that work logged out can succeed.
type Executor interface {
	Open(ctx context.Context, sender api.Sender, cookies []api.Cookie) (Session, error)
}

// Authenticator logs a sender in and returns the resulting cookie jar.
type Authenticator interface {
	Login(ctx context.Context, sender api.Sender, creds api.CredentialsResponse) ([]api.Cookie, error)
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	Workspace        string
	Senders          []string // restrict to these sender IDs when set
	PollInterval     time.Duration
	MaxBackoff       time.Duration
	BatchSize        int
	ActionsPerMinute float64 // per sender; <= 0 disables pacing
	AutoLogin        bool
}

// errSetup marks a failure on the worker's side before the action ran.
// Claimed actions are left running for the reclaim sweep instead of failed.
var errSetup = errors.New("worker setup")

// Agent drives one pull loop per sender.
type Agent struct {
	api    API
	exec   Executor
	auth   Authenticator
	config AgentConfig
	log    *zap.Logger
}

// New creates a worker agent. auth may be nil when auto-login is off.
func New(client API, exec Executor, auth Authenticator, config AgentConfig, logger *zap.Logger) *Agent {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.MaxBackoff < config.PollInterval {
		config.MaxBackoff = config.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{api: client, exec: exec, auth: auth, config: config, log: logger}
}

// Run starts one loop per sender and blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	senders, err := a.senders(ctx)
	if err != nil {
		return err
	}
	if len(senders) == 0 {
		return fmt.Errorf("worker: no senders to run")
	}
	a.log.Info("worker starting", zap.Int("senders", len(senders)), zap.String("workspace", a.config.Workspace))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range senders {
		g.Go(func() error {
			a.runSender(gctx, s)
			return nil
		})
	}
	return g.Wait()
}

// senders resolves the configured workspace and ID filter.
func (a *Agent) senders(ctx context.Context) ([]api.Sender, error) {
	all, err := a.api.ListSenders(ctx, a.config.Workspace)
	if err != nil {
		return nil, fmt.Errorf("worker: list senders: %w", err)
	}
	if len(a.config.Senders) == 0 {
		return all, nil
	}

	byID := make(map[string]api.Sender, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}
	out := make([]api.Sender, 0, len(a.config.Senders))
	for _, id := range a.config.Senders {
		s, ok := byID[id]
		if !ok {
			a.log.Warn("configured sender not found", zap.String("sender_id", id))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// senderLoop is the state of one sender's pull loop.
type senderLoop struct {
	sender   api.Sender
	limiter  *rate.Limiter
	session  Session
	log      *zap.Logger
	degraded bool // a warning was reported and not yet cleared
}

func (a *Agent) runSender(ctx context.Context, sender api.Sender) {
	limit := rate.Inf
	if a.config.ActionsPerMinute > 0 {
		limit = rate.Limit(a.config.ActionsPerMinute / 60)
	}
	l := &senderLoop{
		sender:   sender,
		limiter:  rate.NewLimiter(limit, 1),
		log:      a.log.With(zap.String("sender_id", sender.ID)),
		degraded: sender.HealthStatus == models.HealthWarning,
	}
	defer a.closeSession(l)

	backoff := a.config.PollInterval
	wait := time.Duration(0)
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		actions, err := a.api.NextActions(ctx, sender.ID, a.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("claim failed", zap.Error(err))
			backoff = grow(backoff, a.config.MaxBackoff)
			wait = backoff
			continue
		}
		if len(actions) == 0 {
			backoff = grow(backoff, a.config.MaxBackoff)
			wait = backoff
			continue
		}

		backoff = a.config.PollInterval
		wait = 0
		l.log.Info("claimed actions", zap.Int("count", len(actions)))

		outcome, err := a.runBatch(ctx, l, actions)
		if err != nil {
			l.log.Warn("batch abandoned, claimed actions left for reclaim", zap.Error(err))
			a.closeSession(l)
			wait = a.config.MaxBackoff
			continue
		}
		if outcome.Health != "" {
			// The rest of the batch stays running until the reclaim sweep
			// returns it to pending.
			a.closeSession(l)
			wait = a.config.MaxBackoff
			if outcome.Relogin && a.config.AutoLogin {
				if err := a.login(ctx, l.sender); err == nil {
					wait = a.config.PollInterval
				}
			}
		}
	}
}

// runBatch executes actions in order and stops at the first outcome that
// changes the sender's health, or at a setup error.
func (a *Agent) runBatch(ctx context.Context, l *senderLoop, actions []api.Action) (Outcome, error) {
	for _, action := range actions {
		if err := l.limiter.Wait(ctx); err != nil {
			return Outcome{}, nil
		}
		outcome, err := a.process(ctx, l, action)
		if err != nil || outcome.Health != "" {
			return outcome, err
		}
	}
	return Outcome{}, nil
}

// process runs one action and reports it. Reports use a fresh context so a
// finished action is recorded even while the worker shuts down. Setup errors
// are returned unreported.
func (a *Agent) process(ctx context.Context, l *senderLoop, action api.Action) (Outcome, error) {
	log := l.log.With(zap.String("action_id", action.ID), zap.String("action_type", action.ActionType))

	result, err := a.execute(ctx, l, action)
	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err == nil {
		if rerr := a.api.Complete(reportCtx, action.ID, result); rerr != nil {
			log.Error("report complete", zap.Error(rerr))
		} else {
			log.Info("action complete")
		}
		if l.degraded {
			if herr := a.api.SetHealth(reportCtx, l.sender.ID, models.HealthHealthy, "actions succeeding again"); herr == nil {
				l.degraded = false
			}
		}
		return Outcome{}, nil
	}

	if ctx.Err() != nil {
		// Interrupted by shutdown; the reclaim sweep will hand it out again.
		log.Info("action interrupted", zap.Error(err))
		return Outcome{}, nil
	}
	if errors.Is(err, errSetup) {
		return Outcome{}, err
	}

	log.Warn("action failed", zap.Error(err))
	if rerr := a.api.Fail(reportCtx, action.ID, err.Error()); rerr != nil {
		log.Error("report failure", zap.Error(rerr))
	}

	outcome := Classify(err)
	if outcome.Health != "" {
		if herr := a.api.SetHealth(reportCtx, l.sender.ID, outcome.Health, outcome.Reason); herr != nil {
			log.Error("report health", zap.String("health", outcome.Health), zap.Error(herr))
		}
		l.degraded = outcome.Health == models.HealthWarning
		log.Warn("sender health changed", zap.String("health", outcome.Health), zap.String("reason", outcome.Reason))
	}
	return outcome, nil
}

// execute opens the browser session on first use.
func (a *Agent) execute(ctx context.Context, l *senderLoop, action api.Action) (string, error) {
	if l.session == nil {
		cookies, err := a.api.Cookies(ctx, l.sender.ID)
		if err != nil {
			return "", fmt.Errorf("%w: load cookies: %w", errSetup, err)
		}
		sess, err := a.exec.Open(ctx, l.sender, cookies)
		if err != nil {
			return "", fmt.Errorf("%w: open browser: %w", errSetup, err)
		}
		l.session = sess
	}
	return l.session.Execute(ctx, action)
}

func (a *Agent) closeSession(l *senderLoop) {
	if l.session == nil {
		return
	}
	if err := l.session.Close(); err != nil {
		l.log.Warn("close browser session", zap.Error(err))
	}
	l.session = nil
}

// Login authenticates one sender and stores its fresh session.
func (a *Agent) Login(ctx context.Context, senderID string) error {
	senders, err := a.api.ListSenders(ctx, "")
	if err != nil {
		return fmt.Errorf("worker: list senders: %w", err)
	}
	for _, s := range senders {
		if s.ID == senderID {
			return a.login(ctx, s)
		}
	}
	return fmt.Errorf("worker: sender %q not found", senderID)
}

func (a *Agent) login(ctx context.Context, sender api.Sender) error {
	if a.auth == nil {
		return fmt.Errorf("worker: login %s: no authenticator configured", sender.ID)
	}
	log := a.log.With(zap.String("sender_id", sender.ID))

	creds, err := a.api.Credentials(ctx, sender.ID)
	if err != nil {
		log.Error("load credentials", zap.Error(err))
		return fmt.Errorf("worker: login %s: %w", sender.ID, err)
	}

	cookies, err := a.auth.Login(ctx, sender, *creds)
	if err != nil {
		log.Warn("login failed", zap.Error(err))
		if outcome := Classify(err); outcome.Health != "" && !errors.Is(err, ErrSessionExpired) {
			if herr := a.api.SetHealth(ctx, sender.ID, outcome.Health, outcome.Reason); herr != nil {
				log.Error("report health", zap.Error(herr))
			}
		}
		return fmt.Errorf("worker: login %s: %w", sender.ID, err)
	}

	if err := a.api.SaveSession(ctx, sender.ID, cookies); err != nil {
		return fmt.Errorf("worker: login %s: save session: %w", sender.ID, err)
	}
	if err := a.api.SetHealth(ctx, sender.ID, models.HealthHealthy, "logged in"); err != nil {
		log.Warn("report health", zap.Error(err))
	}
	log.Info("logged in", zap.Int("cookies", len(cookies)))
	return nil
}

// grow doubles d, capped at ceiling.
func grow(d, ceiling time.Duration) time.Duration {
	d *= 2
	if d > ceiling {
		d = ceiling
	}
	return d
}
