// Package browser drives Chromium through go-rod to carry out actions and
// logins on LinkedIn.
package browser

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/zulandar/senderyard/internal/api"
	"github.com/zulandar/senderyard/internal/worker"
)

// DefaultBaseURL is the site root every relative path is resolved against.
const DefaultBaseURL = "https://www.linkedin.com/"

// Options configures browser launches.
type Options struct {
	Bin           string // Chromium binary; empty lets rod download or locate one
	ShowBrowser   bool
	BaseURL       string
	ActionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(o.BaseURL, "/") {
		o.BaseURL += "/"
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 90 * time.Second
	}
	return o
}

// Executor opens one browser per sender session.
type Executor struct {
	opts Options
	log  *zap.Logger
}

// NewExecutor returns an Executor.
func NewExecutor(opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{opts: opts.withDefaults(), log: logger}
}

// Open launches a browser for sender, routed through its proxy and loaded
// with cookies.
func (e *Executor) Open(ctx context.Context, sender api.Sender, cookies []api.Cookie) (worker.Session, error) {
	inst, err := launch(ctx, e.opts, sender.ProxyRef)
	if err != nil {
		return nil, err
	}
	if len(cookies) > 0 {
		if err := inst.browser.SetCookies(toCookieParams(cookies)); err != nil {
			inst.Close()
			return nil, fmt.Errorf("browser: set cookies: %w", err)
		}
	}
	page, err := inst.newPage()
	if err != nil {
		inst.Close()
		return nil, err
	}
	e.log.Info("browser session opened", zap.String("sender_id", sender.ID), zap.Int("cookies", len(cookies)))
	return &session{instance: inst, page: page, opts: e.opts, log: e.log.With(zap.String("sender_id", sender.ID))}, nil
}

// instance is one launched Chromium process.
type instance struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
}

func launch(ctx context.Context, opts Options, proxy string) (*instance, error) {
	l := launcher.New().Context(ctx).Headless(!opts.ShowBrowser).Leakless(false)
	if opts.Bin != "" {
		l = l.Bin(opts.Bin)
	}
	if proxy != "" {
		l = l.Proxy(proxy)
	}
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("browser: launch: %w", err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return &instance{launcher: l, browser: b}, nil
}

func (i *instance) newPage() (*rod.Page, error) {
	p, err := i.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("browser: new page: %w", err)
	}
	return p, nil
}

// Close shuts the browser down and removes its profile directory.
func (i *instance) Close() error {
	err := i.browser.Close()
	i.launcher.Kill()
	i.launcher.Cleanup()
	return err
}

// pause sleeps a random duration in [lo, hi), returning early on ctx.
func pause(ctx context.Context, lo, hi time.Duration) error {
	d := lo
	if hi > lo {
		d += time.Duration(rand.Int63n(int64(hi - lo)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// typeHuman enters text one rune at a time with keystroke jitter.
func typeHuman(ctx context.Context, el *rod.Element, text string) error {
	for _, r := range text {
		if err := el.Input(string(r)); err != nil {
			return err
		}
		if err := pause(ctx, 30*time.Millisecond, 120*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// currentURL returns the page's URL after redirects.
func currentURL(p *rod.Page) (string, error) {
	info, err := p.Info()
	if err != nil {
		return "", fmt.Errorf("browser: page info: %w", err)
	}
	return info.URL, nil
}
