package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"APP_ENV", "STORE_BACKEND", "FACE_SKIP", "SESSION_FRESHNESS", "RATE_LIMIT_PER_MIN", "CLOUDINARY_CLOUD_NAME"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.True(t, cfg.FaceSkip)
	assert.Equal(t, 6*time.Hour, cfg.SessionFreshness)
	assert.Equal(t, 120, cfg.RateLimitPerMin)
	assert.False(t, cfg.Production())
	assert.False(t, cfg.CloudinaryConfigured())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("FACE_SKIP", "no")
	t.Setenv("SESSION_FRESHNESS", "90m")
	t.Setenv("SWEEP_INTERVAL", "-1s")
	t.Setenv("RATE_LIMIT_PER_MIN", "abc")
	t.Setenv("CLOUDINARY_CLOUD_NAME", "demo")
	t.Setenv("CLOUDINARY_API_KEY", "k")
	t.Setenv("CLOUDINARY_API_SECRET", "s")

	cfg := Load()
	assert.True(t, cfg.Production())
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.False(t, cfg.FaceSkip)
	assert.Equal(t, 90*time.Minute, cfg.SessionFreshness)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval, "non-positive durations fall back")
	assert.Equal(t, 120, cfg.RateLimitPerMin)
	assert.True(t, cfg.CloudinaryConfigured())
}

func TestLoadClient(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://attend.example.edu/")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("LOG_LEVEL", "")
	c := LoadClient()
	assert.Equal(t, "https://attend.example.edu", c.APIBaseURL)
	assert.Equal(t, 2*time.Second, c.PollInterval)
	assert.Equal(t, "warn", c.LogLevel)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel(" error "))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("verbose"))
}

func TestNewLoggerToWritesJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := NewLoggerTo(&buf, "warn")
	log.Info("dropped")
	log.Warn("kept", "token", "ab12")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "ab12", line["token"])
}
