package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/zulandar/senderyard/internal/api"
	"github.com/zulandar/senderyard/internal/worker"
)

// LoginService signs senders in with their stored credentials.
type LoginService struct {
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

// NewLoginService returns a LoginService.
func NewLoginService(opts Options, logger *zap.Logger) *LoginService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginService{opts: opts.withDefaults(), log: logger, now: time.Now}
}

// Login signs in with email and password, answering a TOTP challenge when
// the sender has a seed, and returns the site's cookies.
func (l *LoginService) Login(ctx context.Context, sender api.Sender, creds api.CredentialsResponse) ([]api.Cookie, error) {
	if creds.Email == "" || creds.Password == "" {
		return nil, errors.New("browser: login requires email and password")
	}
	inst, err := launch(ctx, l.opts, sender.ProxyRef)
	if err != nil {
		return nil, err
	}
	defer inst.Close()

	page, err := inst.newPage()
	if err != nil {
		return nil, err
	}
	page = page.Context(ctx).Timeout(2 * time.Minute)
	log := l.log.With(zap.String("sender_id", sender.ID))

	if err := l.submitPassword(ctx, page, creds); err != nil {
		return nil, err
	}

	u, err := currentURL(page)
	if err != nil {
		return nil, err
	}
	if isChallenge(u) {
		if creds.TOTPSecret == "" {
			return nil, fmt.Errorf("browser: verification challenge without totp seed: %w", worker.ErrCheckpoint)
		}
		log.Info("answering two-factor challenge")
		if err := l.submitTOTP(ctx, page, creds.TOTPSecret); err != nil {
			return nil, err
		}
		if u, err = currentURL(page); err != nil {
			return nil, err
		}
	}

	if !isFeedURL(u) {
		if err := classifyURL(u); err != nil {
			if errors.Is(err, worker.ErrSessionExpired) {
				return nil, fmt.Errorf("browser: credentials rejected: %s", loginErrorText(page))
			}
			return nil, err
		}
		if ok, _, _ := page.Has(`a[href*="/feed"]`); !ok {
			return nil, fmt.Errorf("browser: login ended on unexpected page %s", u)
		}
	}

	raw, err := inst.browser.GetCookies()
	if err != nil {
		return nil, fmt.Errorf("browser: read cookies: %w", err)
	}
	cookies := fromNetworkCookies(raw, siteDomain(l.opts.BaseURL))
	log.Info("login succeeded", zap.Int("cookies", len(cookies)))
	return cookies, nil
}

func (l *LoginService) submitPassword(ctx context.Context, page *rod.Page, creds api.CredentialsResponse) error {
	if err := page.Navigate(l.opts.BaseURL + "login"); err != nil {
		return fmt.Errorf("browser: open login page: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser: load login page: %w", err)
	}

	short := page.Timeout(10 * time.Second)
	user, err := short.Element("input#username")
	if err != nil {
		return fmt.Errorf("browser: username field not found: %w", err)
	}
	if err := typeHuman(ctx, user, creds.Email); err != nil {
		return fmt.Errorf("browser: type username: %w", err)
	}
	pass, err := short.Element("input#password")
	if err != nil {
		return fmt.Errorf("browser: password field not found: %w", err)
	}
	if err := typeHuman(ctx, pass, creds.Password); err != nil {
		return fmt.Errorf("browser: type password: %w", err)
	}
	submit, err := short.Element(`button[type="submit"]`)
	if err != nil {
		return fmt.Errorf("browser: submit button not found: %w", err)
	}
	if err := click(ctx, submit); err != nil {
		return fmt.Errorf("browser: submit login: %w", err)
	}
	return settle(ctx, page)
}

func (l *LoginService) submitTOTP(ctx context.Context, page *rod.Page, secret string) error {
	code, err := totpCode(secret, l.now())
	if err != nil {
		return err
	}
	short := page.Timeout(10 * time.Second)
	input, err := findFirst(
		func() (*rod.Element, error) { return short.Element(`input[name="pin"]`) },
		func() (*rod.Element, error) { return short.Element(`input#input__phone_verification_pin`) },
	)
	if err != nil {
		return fmt.Errorf("browser: verification field not found: %w", worker.ErrCheckpoint)
	}
	if err := typeHuman(ctx, input, code); err != nil {
		return fmt.Errorf("browser: type totp code: %w", err)
	}
	submit, err := findFirst(
		func() (*rod.Element, error) { return short.Element(`button#two-step-submit-button`) },
		func() (*rod.Element, error) { return short.Element(`button[type="submit"]`) },
	)
	if err != nil {
		return fmt.Errorf("browser: verification submit not found: %w", err)
	}
	if err := click(ctx, submit); err != nil {
		return fmt.Errorf("browser: submit totp code: %w", err)
	}
	return settle(ctx, page)
}

// totpCode generates the current code for a seed as authenticator apps
// display it, tolerating spaces and lower case.
func totpCode(secret string, at time.Time) (string, error) {
	secret = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	code, err := totp.GenerateCode(secret, at)
	if err != nil {
		return "", fmt.Errorf("browser: generate totp code: %w", err)
	}
	return code, nil
}

// settle waits for the post-submit navigation to finish.
func settle(ctx context.Context, page *rod.Page) error {
	if err := pause(ctx, 3*time.Second, 5*time.Second); err != nil {
		return err
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("browser: wait for redirect: %w", err)
	}
	return nil
}

// isChallenge reports a two-step verification page.
func isChallenge(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, "/checkpoint/challenge") || strings.Contains(u.Path, "two-step")
}

func loginErrorText(page *rod.Page) string {
	el, err := page.Timeout(2 * time.Second).Element(`.alert--error, .form__label--error, #error-for-password, #error-for-username`)
	if err != nil {
		return "still on login page"
	}
	text, err := el.Text()
	if err != nil || strings.TrimSpace(text) == "" {
		return "still on login page"
	}
	return strings.TrimSpace(text)
}

// siteDomain is the registrable host of base, without "www.".
func siteDomain(base string) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
