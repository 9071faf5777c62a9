package browser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/zulandar/senderyard/internal/worker"
)

// classifyURL reports the account problem a redirect target implies, or
// nil for ordinary pages.
func classifyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	path := strings.ToLower(u.Path)
	switch {
	case strings.HasPrefix(path, "/login"),
		strings.HasPrefix(path, "/uas/login"),
		strings.HasPrefix(path, "/authwall"),
		strings.HasPrefix(path, "/signup"):
		return fmt.Errorf("redirected to %s: %w", u.Path, worker.ErrSessionExpired)
	case strings.Contains(path, "/restricted"),
		strings.HasPrefix(path, "/checkpoint/rp/"):
		return fmt.Errorf("redirected to %s: %w", u.Path, worker.ErrRestricted)
	case strings.HasPrefix(path, "/checkpoint/"):
		return fmt.Errorf("redirected to %s: %w", u.Path, worker.ErrCheckpoint)
	}
	return nil
}

var rateLimitText = regexp.MustCompile(`(?i)(weekly invitation limit|reached the (weekly|monthly) limit|too many requests|try again later)`)

// classifyText reports a rate-limit notice in visible page text.
func classifyText(text string) error {
	if m := rateLimitText.FindString(text); m != "" {
		return fmt.Errorf("%w: %q", worker.ErrRateLimited, m)
	}
	return nil
}

// isFeedURL reports whether raw is the signed-in home feed.
func isFeedURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, "/feed")
}

// activityURL is the page listing a member's recent posts.
func activityURL(profile string) string {
	return strings.TrimRight(profile, "/") + "/recent-activity/all/"
}
