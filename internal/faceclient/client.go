// Package faceclient talks to the face recognition service that holds the
// enrolled templates.
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotEnrolled is returned when the service has no template for the user.
	ErrNotEnrolled = errors.New("face not enrolled")
	// ErrNoFace is returned when no face could be found in the sample.
	ErrNoFace = errors.New("no face detected in sample")
)

// VerifyResult is a 1:1 comparison of a sample with one enrolled template.
type VerifyResult struct {
	UserID     string  `json:"user_id"`
	Verified   bool    `json:"verified"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
}

// Config selects the service. With Skip set every sample verifies, which
// keeps local runs free of the ML stack.
type Config struct {
	BaseURL string
	Skip    bool
	Timeout time.Duration
}

// Client calls the face service.
type Client struct {
	baseURL string
	skip    bool
	http    *http.Client
}

// New creates a client. Verification can take seconds, so the default
// timeout is generous.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		skip:    cfg.Skip,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Verify compares the image at imageURL with the template enrolled for
// userID.
func (c *Client) Verify(ctx context.Context, userID, imageURL string) (*VerifyResult, error) {
	if userID == "" || imageURL == "" {
		return nil, errors.New("faceclient: user id and image url are required")
	}
	if c.skip {
		return &VerifyResult{UserID: userID, Verified: true, Similarity: 1, Threshold: 0.45}, nil
	}
	var out VerifyResult
	err := c.post(ctx, "/verify", map[string]string{"user_id": userID, "image_url": imageURL}, &out)
	switch {
	case errors.Is(err, errStatusNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotEnrolled, userID)
	case errors.Is(err, errStatusUnprocessable):
		return nil, ErrNoFace
	case err != nil:
		return nil, err
	}
	if out.UserID == "" {
		out.UserID = userID
	}
	return &out, nil
}

// Health reports whether the service answers.
func (c *Client) Health(ctx context.Context) error {
	if c.skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

var (
	errStatusNotFound      = errors.New("404")
	errStatusUnprocessable = errors.New("422")
)

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("face service %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errStatusNotFound
	case http.StatusUnprocessableEntity:
		return errStatusUnprocessable
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("face service %s: %s: %s", path, resp.Status, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("face service %s: decoding response: %w", path, err)
	}
	return nil
}
