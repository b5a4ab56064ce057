// Package handler exposes the session store and its collaborators over HTTP.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"proxattend/internal/analytics"
	"proxattend/internal/attendance"
	"proxattend/internal/auth"
	"proxattend/internal/identity"
	"proxattend/internal/metrics"
)

// Sessions is the session store surface served by the API.
type Sessions interface {
	CreateSession(ctx context.Context, in attendance.CreateInput) (*attendance.Session, error)
	FindActiveSession(ctx context.Context, key attendance.SectionKey) (*attendance.Session, error)
	MarkPresent(ctx context.Context, token, rollNo string) (attendance.MarkResult, error)
	GetRoster(ctx context.Context, ref string) (attendance.Roster, error)
	GetSummary(ctx context.Context, ref string) (attendance.Summary, error)
	Archive(ctx context.Context, ref string, corrected *attendance.ArchiveInput) (attendance.ArchivedSession, error)
	DeleteSession(ctx context.Context, token string) (*attendance.Session, error)
	ListArchived(ctx context.Context, authorityEmail string, limit int) ([]attendance.ArchivedSession, error)
}

// Devices records registered installs.
type Devices interface {
	Upsert(ctx context.Context, deviceID, role string) error
}

// LogHistory reads stored attendance logs.
type LogHistory interface {
	Query(ctx context.Context, f analytics.Filter) ([]analytics.StudentHistory, error)
}

// Verifier decides identity matches.
type Verifier interface {
	Verify(ctx context.Context, req identity.Request) (identity.Decision, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// AuthConfig controls token issue and validation.
type AuthConfig struct {
	Issuer     string
	SigningKey string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Handler serves the HTTP API.
type Handler struct {
	sessions Sessions
	devices  Devices
	logs     analytics.Sink
	history  LogHistory
	verifier Verifier
	auth     AuthConfig
	health   map[string]HealthCheck
	log      *slog.Logger
}

// Deps bundles the collaborators of a Handler. History and Verifier may be
// nil, in which case their routes answer 503.
type Deps struct {
	Sessions Sessions
	Devices  Devices
	Logs     analytics.Sink
	History  LogHistory
	Verifier Verifier
	Auth     AuthConfig
	Health   map[string]HealthCheck
	Logger   *slog.Logger
}

// New builds a handler.
func New(d Deps) *Handler {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Handler{
		sessions: d.Sessions,
		devices:  d.Devices,
		logs:     d.Logs,
		history:  d.History,
		verifier: d.Verifier,
		auth:     d.Auth,
		health:   d.Health,
		log:      l,
	}
}

// Register mounts every route on r. Extra middleware runs on the
// authenticated group after token validation.
func (h *Handler) Register(r gin.IRouter, extra ...gin.HandlerFunc) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.Healthz)
	r.POST("/v1/devices/register", h.RegisterDevice)

	v1 := r.Group("/v1", auth.DeviceAuth(h.auth.SigningKey, h.auth.Issuer))
	v1.Use(extra...)

	// Any registered device.
	v1.GET("/sessions/current", h.FindActiveSession)
	v1.PATCH("/sessions/:ref/mark/:rollNo", h.MarkPresent)
	v1.POST("/identity/verify", h.VerifyIdentity)

	authority := v1.Group("", auth.RequireRole(auth.RoleAuthority))
	authority.POST("/sessions", h.CreateSession)
	authority.GET("/sessions/:ref/roster", h.GetRoster)
	authority.GET("/sessions/:ref/summary", h.GetSummary)
	authority.POST("/sessions/archive", h.Archive)
	authority.DELETE("/sessions/:ref", h.DeleteSession)
	authority.GET("/archive", h.ListArchived)
	authority.POST("/attendance-logs", h.SubmitLog)
	authority.GET("/attendance-logs", h.QueryLogs)
}

// Instrument records request latency by route template.
func Instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
	}
}

func ok(c *gin.Context, status int, message string, data any) {
	c.JSON(status, gin.H{"success": true, "message": message, "data": data})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch attendance.KindOf(err) {
	case attendance.KindValidation:
		return http.StatusBadRequest
	case attendance.KindNotFound:
		return http.StatusNotFound
	case attendance.KindConflict:
		return http.StatusConflict
	case attendance.KindTransient:
		return http.StatusServiceUnavailable
	case attendance.KindPermission:
		return http.StatusForbidden
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "route", c.FullPath(), "err", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"success": false, "message": msg, "kind": attendance.KindOf(err).String()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": msg, "kind": attendance.KindValidation.String()})
}

func unavailable(c *gin.Context, msg string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "message": msg, "kind": attendance.KindTransient.String()})
}

// Healthz reports each dependency and answers 503 when one is down.
func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range h.health {
		up := check(c.Request.Context())
		body[name] = up
		if !up {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// RegisterDevice issues tokens for a device and role.
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
		Role     string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "device_id and role are required")
		return
	}
	role := strings.ToLower(strings.TrimSpace(req.Role))
	if !auth.ValidRole(role) {
		badRequest(c, "role must be authority or student")
		return
	}
	if err := h.devices.Upsert(c.Request.Context(), req.DeviceID, role); err != nil {
		h.fail(c, err)
		return
	}
	tokens, err := auth.Issue(req.DeviceID, role, h.auth.Issuer, h.auth.SigningKey, h.auth.AccessTTL, h.auth.RefreshTTL)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, "device registered", gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

// CreateSession opens a session.
func (h *Handler) CreateSession(c *gin.Context) {
	var in attendance.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid session body")
		return
	}
	sess, err := h.sessions.CreateSession(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, "session created", sess)
}

// FindActiveSession answers with the current session of a section, or null.
func (h *Handler) FindActiveSession(c *gin.Context) {
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil {
		badRequest(c, "year must be a number")
		return
	}
	key := attendance.SectionKey{Branch: c.Query("branch"), Section: c.Query("section"), Year: year}
	sess, err := h.sessions.FindActiveSession(c.Request.Context(), key)
	if err != nil {
		h.fail(c, err)
		return
	}
	if sess == nil {
		ok(c, http.StatusOK, "no active session", nil)
		return
	}
	ok(c, http.StatusOK, "active session found", sess)
}

// MarkPresent flags one student.
func (h *Handler) MarkPresent(c *gin.Context) {
	res, err := h.sessions.MarkPresent(c.Request.Context(), c.Param("ref"), c.Param("rollNo"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, "attendance marked", res)
}

// GetRoster returns the grouped roster.
func (h *Handler) GetRoster(c *gin.Context) {
	r, err := h.sessions.GetRoster(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, "roster", r)
}

// GetSummary returns aggregated counts.
func (h *Handler) GetSummary(c *gin.Context) {
	s, err := h.sessions.GetSummary(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, "summary", s)
}

// ArchiveRequest addresses the session to archive by ref, inline data, or
// both.
type ArchiveRequest struct {
	Ref     string                   `json:"ref"`
	Session *attendance.ArchiveInput `json:"session"`
}

// Archive moves a session to the archive.
func (h *Handler) Archive(c *gin.Context) {
	var req ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid archive body")
		return
	}
	a, err := h.sessions.Archive(c.Request.Context(), req.Ref, req.Session)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusCreated, "session archived", a)
}

// DeleteSession drops an active session without archiving.
func (h *Handler) DeleteSession(c *gin.Context) {
	sess, err := h.sessions.DeleteSession(c.Request.Context(), c.Param("ref"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, "session deleted", sess)
}

// ListArchived returns an authority's completed sessions.
func (h *Handler) ListArchived(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	out, err := h.sessions.ListArchived(c.Request.Context(), c.Query("authority"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, "archived sessions", out)
}

// SubmitLog queues one section's attendance log.
func (h *Handler) SubmitLog(c *gin.Context) {
	var e analytics.LogEntry
	if err := c.ShouldBindJSON(&e); err != nil {
		badRequest(c, "invalid attendance log body")
		return
	}
	if err := h.logs.Submit(c.Request.Context(), e); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusAccepted, "attendance log accepted", nil)
}

// QueryLogs returns stored log history for a section and subject.
func (h *Handler) QueryLogs(c *gin.Context) {
	if h.history == nil {
		unavailable(c, "attendance history storage not configured")
		return
	}
	year, err := strconv.Atoi(c.Query("year"))
	if err != nil || year <= 0 {
		badRequest(c, "year must be a positive number")
		return
	}
	f := analytics.Filter{
		Year:    year,
		Branch:  strings.TrimSpace(c.Query("branch")),
		Section: strings.TrimSpace(c.Query("section")),
		Subject: strings.TrimSpace(c.Query("subject")),
	}
	if f.Branch == "" || f.Section == "" || f.Subject == "" {
		badRequest(c, "branch, section and subject are required")
		return
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := c.Query(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				badRequest(c, name+" must be RFC3339")
				return
			}
			*dst = t
		}
	}
	out, err := h.history.Query(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, "attendance history", out)
}

// VerifyIdentity checks a sample against the student's enrolled face.
func (h *Handler) VerifyIdentity(c *gin.Context) {
	if h.verifier == nil {
		unavailable(c, "identity verification not configured")
		return
	}
	var req identity.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid verification body")
		return
	}
	d, err := h.verifier.Verify(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, http.StatusOK, "verification complete", d)
}
