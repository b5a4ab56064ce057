// Package cloudinary hosts captured face samples so the face service can
// fetch them by URL.
package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrRejected is returned when Cloudinary refuses an upload (bad credentials,
// unsupported file). Retrying the same request will not help.
var ErrRejected = errors.New("cloudinary: upload rejected")

const sampleTag = "attendance-sample"

// Config holds account credentials and the destination folder.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	// BaseURL defaults to the public API host.
	BaseURL string
	Timeout time.Duration
}

// Client uploads samples through the signed upload API.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cloudinary.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, now: time.Now}
}

// UploadResult is the hosted copy of a sample.
type UploadResult struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Bytes     int    `json:"bytes"`
}

// UploadBytes stores one sample. The public id is derived from filename and
// the upload time so repeated attempts by one student never overwrite each
// other.
func (c *Client) UploadBytes(ctx context.Context, data []byte, filename string) (*UploadResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty sample", ErrRejected)
	}
	ts := c.now().Unix()
	stem := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	params := map[string]string{
		"public_id": fmt.Sprintf("%s-%d", stem, ts),
		"tags":      sampleTag,
		"timestamp": strconv.FormatInt(ts, 10),
	}
	if c.cfg.Folder != "" {
		params["folder"] = c.cfg.Folder
	}
	params["signature"] = sign(params, c.cfg.APISecret)
	params["api_key"] = c.cfg.APIKey

	body, contentType, err := multipartBody(params, filename, data)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1_1/%s/image/upload", c.cfg.BaseURL, c.cfg.CloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: upload request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("cloudinary: upload failed (%d): %s", resp.StatusCode, raw)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w (%d): %s", ErrRejected, resp.StatusCode, raw)
	}
	var out UploadResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("cloudinary: decoding upload response: %w", err)
	}
	return &out, nil
}

func multipartBody(params map[string]string, filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// sign computes the request signature: the sorted k=v pairs joined with &,
// followed by the secret. api_key, file and resource_type are not signed.
func sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		switch k {
		case "api_key", "file", "resource_type":
			continue
		}
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}
