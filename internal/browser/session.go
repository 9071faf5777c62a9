package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/zulandar/senderyard/internal/api"
	"github.com/zulandar/senderyard/internal/models"
	"github.com/zulandar/senderyard/internal/worker"
)

const maxNoteRunes = 300

// payload is the union of per-type action options.
type payload struct {
	Note    string `json:"note,omitempty"`
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`
	PostURL string `json:"postUrl,omitempty"`
}

func parsePayload(raw string) (payload, error) {
	var p payload
	if strings.TrimSpace(raw) == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("browser: parse payload: %w", err)
	}
	return p, nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// session is one sender's open browser tab.
type session struct {
	instance *instance
	page     *rod.Page
	opts     Options
	log      *zap.Logger
}

func (s *session) Close() error {
	return s.instance.Close()
}

// Execute performs one action on the sender's tab.
func (s *session) Execute(ctx context.Context, action api.Action) (string, error) {
	p, err := parsePayload(string(action.Payload))
	if err != nil {
		return "", err
	}
	page := s.page.Context(ctx).Timeout(s.opts.ActionTimeout)

	var result map[string]interface{}
	switch action.ActionType {
	case models.TypeViewProfile:
		result, err = s.viewProfile(ctx, page, action.LinkedInURL)
	case models.TypeConnect:
		result, err = s.connect(ctx, page, action.LinkedInURL, p)
	case models.TypeMessage:
		result, err = s.message(ctx, page, action.LinkedInURL, p)
	case models.TypeFollow:
		result, err = s.follow(ctx, page, action.LinkedInURL)
	case models.TypeLike:
		result, err = s.like(ctx, page, action.LinkedInURL, p)
	case models.TypeComment:
		result, err = s.comment(ctx, page, action.LinkedInURL, p)
	default:
		return "", fmt.Errorf("%w: %s", worker.ErrUnsupported, action.ActionType)
	}
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("browser: encode result: %w", err)
	}
	return string(b), nil
}

// open navigates to target and fails if the site bounced us to a login,
// checkpoint or restriction page.
func (s *session) open(ctx context.Context, page *rod.Page, target string) error {
	if target == "" {
		return errors.New("browser: no target url")
	}
	if err := page.Navigate(target); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", target, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser: load %s: %w", target, err)
	}
	if err := pause(ctx, 800*time.Millisecond, 2*time.Second); err != nil {
		return err
	}
	u, err := currentURL(page)
	if err != nil {
		return err
	}
	return classifyURL(u)
}

// checkNotices looks for a rate-limit notice in open dialogs and alerts.
func (s *session) checkNotices(page *rod.Page) error {
	els, err := page.Elements(`div[role="dialog"], div[role="alert"], .artdeco-toast-item`)
	if err != nil {
		return nil
	}
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			continue
		}
		if err := classifyText(text); err != nil {
			return err
		}
	}
	return nil
}

// findFirst returns the first element matched by any finder.
func findFirst(finders ...func() (*rod.Element, error)) (*rod.Element, error) {
	var lastErr error
	for _, f := range finders {
		el, err := f()
		if err == nil {
			return el, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func click(ctx context.Context, el *rod.Element) error {
	if err := el.ScrollIntoView(); err != nil {
		return err
	}
	if err := pause(ctx, 200*time.Millisecond, 700*time.Millisecond); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (s *session) viewProfile(ctx context.Context, page *rod.Page, target string) (map[string]interface{}, error) {
	if err := s.open(ctx, page, target); err != nil {
		return nil, err
	}
	if err := page.Mouse.Scroll(0, 600, 6); err != nil {
		s.log.Debug("scroll profile", zap.Error(err))
	}
	if err := pause(ctx, 2*time.Second, 5*time.Second); err != nil {
		return nil, err
	}

	result := map[string]interface{}{"viewed": true}
	if el, err := page.Timeout(3 * time.Second).Element("h1"); err == nil {
		if name, err := el.Text(); err == nil {
			result["name"] = strings.TrimSpace(name)
		}
	}
	if el, err := page.Timeout(2 * time.Second).Element("div.text-body-medium"); err == nil {
		if headline, err := el.Text(); err == nil {
			result["headline"] = strings.TrimSpace(headline)
		}
	}
	return result, nil
}

func (s *session) connect(ctx context.Context, page *rod.Page, target string, p payload) (map[string]interface{}, error) {
	if err := s.open(ctx, page, target); err != nil {
		return nil, err
	}
	if ok, _, _ := page.HasR("button", "^Pending$"); ok {
		return map[string]interface{}{"status": "already_pending"}, nil
	}

	short := page.Timeout(5 * time.Second)
	btn, err := findFirst(
		func() (*rod.Element, error) {
			return short.Element(`button[aria-label*="Invite"][aria-label*="connect"]`)
		},
		func() (*rod.Element, error) { return short.ElementR("button", "^Connect$") },
		func() (*rod.Element, error) {
			more, err := short.ElementR("button", "^More$")
			if err != nil {
				return nil, err
			}
			if err := click(ctx, more); err != nil {
				return nil, err
			}
			return short.ElementR(`div[role="button"]`, "^Connect$")
		},
	)
	if err != nil {
		return nil, fmt.Errorf("browser: connect button not found: %w", err)
	}
	if err := click(ctx, btn); err != nil {
		return nil, fmt.Errorf("browser: click connect: %w", err)
	}
	if err := s.checkNotices(page); err != nil {
		return nil, err
	}

	note := truncateRunes(p.Note, maxNoteRunes)
	if note != "" {
		if add, err := short.ElementR("button", "Add a note"); err == nil {
			if err := click(ctx, add); err != nil {
				return nil, fmt.Errorf("browser: click add note: %w", err)
			}
			area, err := short.Element(`textarea[name="message"]`)
			if err != nil {
				return nil, fmt.Errorf("browser: note field not found: %w", err)
			}
			if err := typeHuman(ctx, area, note); err != nil {
				return nil, fmt.Errorf("browser: type note: %w", err)
			}
		} else {
			note = ""
		}
	}

	send, err := findFirst(
		func() (*rod.Element, error) { return short.Element(`button[aria-label*="Send"]`) },
		func() (*rod.Element, error) { return short.ElementR("button", "^Send") },
	)
	if err != nil {
		return nil, fmt.Errorf("browser: send button not found: %w", err)
	}
	if err := click(ctx, send); err != nil {
		return nil, fmt.Errorf("browser: click send: %w", err)
	}
	if err := pause(ctx, time.Second, 2*time.Second); err != nil {
		return nil, err
	}
	if err := s.checkNotices(page); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "sent", "withNote": note != ""}, nil
}

func (s *session) message(ctx context.Context, page *rod.Page, target string, p payload) (map[string]interface{}, error) {
	if p.Message == "" {
		return nil, errors.New("browser: message payload requires message")
	}
	if err := s.open(ctx, page, target); err != nil {
		return nil, err
	}

	short := page.Timeout(5 * time.Second)
	btn, err := findFirst(
		func() (*rod.Element, error) { return short.ElementR("button", "^Message$") },
		func() (*rod.Element, error) { return short.Element(`button[aria-label*="Message"]`) },
	)
	if err != nil {
		return nil, fmt.Errorf("browser: message button not found: %w", err)
	}
	if err := click(ctx, btn); err != nil {
		return nil, fmt.Errorf("browser: click message: %w", err)
	}

	input, err := findFirst(
		func() (*rod.Element, error) {
			return page.Timeout(8 * time.Second).Element(`div.msg-form__contenteditable`)
		},
		func() (*rod.Element, error) { return short.Element(`div[contenteditable="true"]`) },
	)
	if err != nil {
		return nil, fmt.Errorf("browser: message box not found: %w", err)
	}
	if err := typeHuman(ctx, input, p.Message); err != nil {
		return nil, fmt.Errorf("browser: type message: %w", err)
	}

	send, err := findFirst(
		func() (*rod.Element, error) { return short.Element(`button.msg-form__send-button`) },
		func() (*rod.Element, error) { return short.ElementR("button", "^Send$") },
	)
	if err != nil {
		return nil, fmt.Errorf("browser: send button not found: %w", err)
	}
	if err := click(ctx, send); err != nil {
		return nil, fmt.Errorf("browser: click send: %w", err)
	}
	if err := s.checkNotices(page); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "sent"}, nil
}

func (s *session) follow(ctx context.Context, page *rod.Page, target string) (map[string]interface{}, error) {
	if err := s.open(ctx, page, target); err != nil {
		return nil, err
	}
	if ok, _, _ := page.HasR("button", "^Following$"); ok {
		return map[string]interface{}{"status": "already_following"}, nil
	}

	short := page.Timeout(5 * time.Second)
	btn, err := findFirst(
		func() (*rod.Element, error) { return short.Element(`button[aria-label^="Follow"]`) },
		func() (*rod.Element, error) { return short.ElementR("button", "^Follow$") },
	)
	if err != nil {
		return nil, fmt.Errorf("browser: follow button not found: %w", err)
	}
	if err := click(ctx, btn); err != nil {
		return nil, fmt.Errorf("browser: click follow: %w", err)
	}
	return map[string]interface{}{"status": "following"}, nil
}

// postTarget is the payload's post, or the member's latest activity.
func postTarget(profile string, p payload) string {
	if p.PostURL != "" {
		return p.PostURL
	}
	if profile == "" {
		return ""
	}
	return activityURL(profile)
}

func (s *session) like(ctx context.Context, page *rod.Page, profile string, p payload) (map[string]interface{}, error) {
	target := postTarget(profile, p)
	if err := s.open(ctx, page, target); err != nil {
		return nil, err
	}

	short := page.Timeout(5 * time.Second)
	if ok, _, _ := page.Has(`button[aria-label*="React Like"][aria-pressed="true"]`); ok {
		return map[string]interface{}{"status": "already_liked", "url": target}, nil
	}
	btn, err := findFirst(
		func() (*rod.Element, error) { return short.Element(`button[aria-label*="React Like"]`) },
		func() (*rod.Element, error) { return short.ElementR("button", "^Like$") },
	)
	if err != nil {
		return nil, fmt.Errorf("browser: like button not found: %w", err)
	}
	if err := click(ctx, btn); err != nil {
		return nil, fmt.Errorf("browser: click like: %w", err)
	}
	return map[string]interface{}{"status": "liked", "url": target}, nil
}

func (s *session) comment(ctx context.Context, page *rod.Page, profile string, p payload) (map[string]interface{}, error) {
	if p.Text == "" {
		return nil, errors.New("browser: comment payload requires text")
	}
	target := postTarget(profile, p)
	if err := s.open(ctx, page, target); err != nil {
		return nil, err
	}

	short := page.Timeout(5 * time.Second)
	btn, err := findFirst(
		func() (*rod.Element, error) { return short.Element(`button[aria-label^="Comment"]`) },
		func() (*rod.Element, error) { return short.ElementR("button", "^Comment$") },
	)
	if err != nil {
		return nil, fmt.Errorf("browser: comment button not found: %w", err)
	}
	if err := click(ctx, btn); err != nil {
		return nil, fmt.Errorf("browser: click comment: %w", err)
	}

	box, err := short.Element(`div.ql-editor[contenteditable="true"]`)
	if err != nil {
		return nil, fmt.Errorf("browser: comment box not found: %w", err)
	}
	if err := typeHuman(ctx, box, p.Text); err != nil {
		return nil, fmt.Errorf("browser: type comment: %w", err)
	}

	submit, err := findFirst(
		func() (*rod.Element, error) { return short.Element(`button.comments-comment-box__submit-button`) },
		func() (*rod.Element, error) { return short.ElementR("button", "^(Post|Comment)$") },
	)
	if err != nil {
		return nil, fmt.Errorf("browser: submit button not found: %w", err)
	}
	if err := click(ctx, submit); err != nil {
		return nil, fmt.Errorf("browser: submit comment: %w", err)
	}
	if err := s.checkNotices(page); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "commented", "url": target}, nil
}
