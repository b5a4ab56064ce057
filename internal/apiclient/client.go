// Package apiclient calls the attendance API on behalf of broadcaster and
// listener devices.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"proxattend/internal/analytics"
	"proxattend/internal/attendance"
	"proxattend/internal/identity"
)

// Client is a thin JSON client for the /v1 API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client. token may be empty until RegisterDevice is called.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// kindForStatus maps an API status back to the error taxonomy.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusBadRequest:
		return attendance.ErrValidation
	case status == http.StatusNotFound:
		return attendance.ErrNotFound
	case status == http.StatusConflict:
		return attendance.ErrConflict
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return attendance.ErrPermission
	case status == http.StatusTooManyRequests, status >= 500:
		return attendance.ErrTransient
	default:
		return nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", attendance.ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", attendance.ErrTransient, err)
	}
	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = resp.Status
		}
		if kind := kindForStatus(resp.StatusCode); kind != nil {
			return fmt.Errorf("%w: %s", kind, msg)
		}
		return fmt.Errorf("api %s %s: %s", method, path, msg)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// RegisterDevice obtains an access token for the device and stores it on c.
func (c *Client) RegisterDevice(ctx context.Context, deviceID, role string) error {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/devices/register", map[string]string{"device_id": deviceID, "role": role}, &out); err != nil {
		return err
	}
	c.Token = out.AccessToken
	return nil
}

func (c *Client) CreateSession(ctx context.Context, in attendance.CreateInput) (*attendance.Session, error) {
	var out attendance.Session
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindActiveSession returns nil when the section has no current session.
func (c *Client) FindActiveSession(ctx context.Context, key attendance.SectionKey) (*attendance.Session, error) {
	q := url.Values{}
	q.Set("branch", key.Branch)
	q.Set("section", key.Section)
	q.Set("year", strconv.Itoa(key.Year))
	var out *attendance.Session
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/current?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkPresent(ctx context.Context, token, rollNo string) (attendance.MarkResult, error) {
	var out attendance.MarkResult
	path := "/v1/sessions/" + url.PathEscape(token) + "/mark/" + url.PathEscape(rollNo)
	err := c.do(ctx, http.MethodPatch, path, nil, &out)
	return out, err
}

func (c *Client) GetRoster(ctx context.Context, ref string) (attendance.Roster, error) {
	var out attendance.Roster
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(ref)+"/roster", nil, &out)
	return out, err
}

func (c *Client) GetSummary(ctx context.Context, ref string) (attendance.Summary, error) {
	var out attendance.Summary
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(ref)+"/summary", nil, &out)
	return out, err
}

func (c *Client) Archive(ctx context.Context, ref string, corrected *attendance.ArchiveInput) (attendance.ArchivedSession, error) {
	var out attendance.ArchivedSession
	body := map[string]any{"ref": ref}
	if corrected != nil {
		body["session"] = corrected
	}
	err := c.do(ctx, http.MethodPost, "/v1/sessions/archive", body, &out)
	return out, err
}

func (c *Client) DeleteSession(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(token), nil, nil)
}

// Submit posts one section's attendance log, making the client an
// analytics.Sink.
func (c *Client) Submit(ctx context.Context, e analytics.LogEntry) error {
	return c.do(ctx, http.MethodPost, "/v1/attendance-logs", e, nil)
}

func (c *Client) Verify(ctx context.Context, req identity.Request) (identity.Decision, error) {
	var out identity.Decision
	err := c.do(ctx, http.MethodPost, "/v1/identity/verify", req, &out)
	return out, err
}
