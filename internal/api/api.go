// Package api contains the JSON request and response bodies shared by the
// dispatch server and the worker client.
package api

import (
	"encoding/json"
	"strings"
	"time"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeBadRequest     = "bad_request"
	CodeUnauthorized   = "unauthorized"
	CodeNotFound       = "not_found"
	CodeNotRunning     = "not_running"
	CodeDecryptFailure = "decrypt_failure"
	CodeInternal       = "internal"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// OKResponse acknowledges a write.
type OKResponse struct {
	OK bool `json:"ok"`
}

// Action is one claimed action handed to a worker.
type Action struct {
	ID          string          `json:"id"`
	ActionType  string          `json:"actionType"`
	PersonID    string          `json:"personId,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	LinkedInURL string          `json:"linkedinUrl,omitempty"`
}

// NextActionsResponse is the body of GET /actions/next.
type NextActionsResponse struct {
	Actions []Action `json:"actions"`
}

// CompleteRequest is the body of POST /actions/{id}/complete. Result is any
// JSON value.
type CompleteRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// RawJSON puts stored JSON text on the wire as-is. Blank text is omitted and
// text that is not JSON is sent as a string.
func RawJSON(text string) json.RawMessage {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text)
	}
	b, _ := json.Marshal(text)
	return b
}

// JSONText is the stored form of a wire value; null and absent are empty.
func JSONText(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "null" {
		return ""
	}
	return text
}

// FailRequest is the body of POST /actions/{id}/fail.
type FailRequest struct {
	Error string `json:"error"`
}

// Cookie is one browser cookie. Expires is Unix seconds.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Sender is a sender as listed to workers.
type Sender struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspaceId"`
	Name           string     `json:"name"`
	Tier           string     `json:"tier"`
	ProxyRef       string     `json:"proxyRef,omitempty"`
	SessionStatus  string     `json:"sessionStatus"`
	HealthStatus   string     `json:"healthStatus"`
	HealthReason   string     `json:"healthReason,omitempty"`
	LastActiveAt   *time.Time `json:"lastActiveAt"`
	HasCredentials bool       `json:"hasCredentials"`
	Cookies        []Cookie   `json:"cookies"`
}

// SendersResponse is the body of GET /senders.
type SendersResponse struct {
	Senders []Sender `json:"senders"`
}

// CredentialsResponse is the body of GET /senders/{id}/credentials.
type CredentialsResponse struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	TOTPSecret string `json:"totpSecret,omitempty"`
}

// CookiesResponse is the body of GET /senders/{id}/cookies. Cookies is
// null when no readable session is stored.
type CookiesResponse struct {
	Cookies []Cookie `json:"cookies"`
}

// SaveSessionRequest is the body of POST /senders/{id}/session.
type SaveSessionRequest struct {
	Cookies []Cookie `json:"cookies"`
}

// HealthRequest is the body of PATCH /senders/{id}/health.
type HealthRequest struct {
	HealthStatus string `json:"healthStatus"`
	Reason       string `json:"reason,omitempty"`
}

// TypeUsage is one action type's budget state.
type TypeUsage struct {
	ActionType string `json:"actionType"`
	Limit      int    `json:"limit"`
	Consumed   int    `json:"consumed"`
	Reserved   int    `json:"reserved"`
	Remaining  int    `json:"remaining"`
	Available  int    `json:"available"`
}

// UsageResponse is the body of GET /usage/{senderId}.
type UsageResponse struct {
	SenderID string      `json:"senderId"`
	Tier     string      `json:"tier"`
	Day      string      `json:"day"`
	Usage    []TypeUsage `json:"usage"`
}

// HealthzResponse is the body of GET /healthz.
type HealthzResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
