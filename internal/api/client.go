package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the dispatch server on behalf of a worker.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient returns a Client for baseURL authenticating with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// NextActions claims up to limit actions for senderID.
func (c *Client) NextActions(ctx context.Context, senderID string, limit int) ([]Action, error) {
	q := url.Values{}
	q.Set("senderId", senderID)
	q.Set("limit", strconv.Itoa(limit))
	var out NextActionsResponse
	if err := c.do(ctx, http.MethodGet, "/actions/next?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// Complete reports an action as done.
func (c *Client) Complete(ctx context.Context, actionID, result string) error {
	return c.do(ctx, http.MethodPost, "/actions/"+url.PathEscape(actionID)+"/complete", CompleteRequest{Result: RawJSON(result)}, nil)
}

// Fail reports an action as failed.
func (c *Client) Fail(ctx context.Context, actionID, message string) error {
	return c.do(ctx, http.MethodPost, "/actions/"+url.PathEscape(actionID)+"/fail", FailRequest{Error: message}, nil)
}

// ListSenders lists senders in workspace, or all senders when empty.
func (c *Client) ListSenders(ctx context.Context, workspace string) ([]Sender, error) {
	path := "/senders"
	if workspace != "" {
		path += "?workspace=" + url.QueryEscape(workspace)
	}
	var out SendersResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Senders, nil
}

// Credentials fetches a sender's decrypted login secrets.
func (c *Client) Credentials(ctx context.Context, senderID string) (*CredentialsResponse, error) {
	var out CredentialsResponse
	if err := c.do(ctx, http.MethodGet, "/senders/"+url.PathEscape(senderID)+"/credentials", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cookies fetches a sender's cookie jar. A nil slice means no usable session.
func (c *Client) Cookies(ctx context.Context, senderID string) ([]Cookie, error) {
	var out CookiesResponse
	if err := c.do(ctx, http.MethodGet, "/senders/"+url.PathEscape(senderID)+"/cookies", nil, &out); err != nil {
		return nil, err
	}
	return out.Cookies, nil
}

// SaveSession stores a fresh cookie jar for a sender.
func (c *Client) SaveSession(ctx context.Context, senderID string, cookies []Cookie) error {
	return c.do(ctx, http.MethodPost, "/senders/"+url.PathEscape(senderID)+"/session", SaveSessionRequest{Cookies: cookies}, nil)
}

// SetHealth reports a sender's health.
func (c *Client) SetHealth(ctx context.Context, senderID, status, reason string) error {
	return c.do(ctx, http.MethodPatch, "/senders/"+url.PathEscape(senderID)+"/health", HealthRequest{HealthStatus: status, Reason: reason}, nil)
}

// Usage fetches today's budget usage for a sender.
func (c *Client) Usage(ctx context.Context, senderID string) (*UsageResponse, error) {
	var out UsageResponse
	if err := c.do(ctx, http.MethodGet, "/usage/"+url.PathEscape(senderID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var e ErrorResponse
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			apiErr.Code = e.Code
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("api: parse response: %w", err)
	}
	return nil
}
