// Package listener runs the student side of a session: scan for the expected
// token, verify identity and mark the student present once.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"proxattend/internal/attendance"
	"proxattend/internal/discovery"
	"proxattend/internal/identity"
)

// State is a step of the listener lifecycle.
type State int

const (
	Idle State = iota
	Scanning
	Matching
	Verifying
	Marking
	Marked
	MarkFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Matching:
		return "matching"
	case Verifying:
		return "verifying"
	case Marking:
		return "marking"
	case Marked:
		return "marked"
	case MarkFailed:
		return "mark_failed"
	default:
		return "unknown"
	}
}

// ErrBusy is returned when Run is called while a run is in progress or
// after it has finished. Use Retry to start over.
var ErrBusy = errors.New("listener: already running or finished")

// PermissionChecker reports whether the device may use the discovery radio.
type PermissionChecker interface {
	DiscoveryAllowed(ctx context.Context) (bool, error)
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context) (bool, error)

func (f PermissionFunc) DiscoveryAllowed(ctx context.Context) (bool, error) { return f(ctx) }

// AlwaysAllowed grants discovery permission.
var AlwaysAllowed = PermissionFunc(func(context.Context) (bool, error) { return true, nil })

// Verifier confirms the student's identity before marking.
type Verifier interface {
	Verify(ctx context.Context, req identity.Request) (identity.Decision, error)
}

// Marker is the session store call the listener makes.
type Marker interface {
	MarkPresent(ctx context.Context, token, rollNo string) (attendance.MarkResult, error)
}

// Config identifies the student and the session they expect.
type Config struct {
	ExpectedToken string
	RollNo        string
	// Sample or ImageURL is forwarded to the verifier.
	Sample   []byte
	ImageURL string
	Logger   *slog.Logger
	// OnState observes every transition.
	OnState func(State)
}

// Outcome describes how a run ended.
type Outcome struct {
	State  State
	Result *attendance.MarkResult
	Reason string
	Err    error
}

// Listener performs at most one mark attempt per run.
type Listener struct {
	perm     PermissionChecker
	scanner  discovery.Scanner
	verifier Verifier
	marker   Marker
	cfg      Config
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	running   bool
	outcome   Outcome
	attempted atomic.Bool
}

// New creates an idle listener.
func New(perm PermissionChecker, scanner discovery.Scanner, verifier Verifier, marker Marker, cfg Config) *Listener {
	if perm == nil {
		perm = AlwaysAllowed
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	cfg.ExpectedToken = strings.TrimSpace(cfg.ExpectedToken)
	cfg.RollNo = strings.TrimSpace(cfg.RollNo)
	return &Listener{perm: perm, scanner: scanner, verifier: verifier, marker: marker, cfg: cfg, log: l}
}

// State returns the current state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Outcome returns the result of the last finished run.
func (l *Listener) Outcome() Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outcome
}

func (l *Listener) set(s State) {
	l.mu.Lock()
	l.state = s
	cb := l.cfg.OnState
	l.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// Run scans until the expected token is seen and a mark attempt finishes, or
// ctx is done. The discovery subscription is released before Run returns in
// every case. A missing permission returns an error of kind Permission.
func (l *Listener) Run(ctx context.Context) (Outcome, error) {
	l.mu.Lock()
	if l.running || l.state != Idle {
		l.mu.Unlock()
		return Outcome{}, ErrBusy
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	if l.cfg.ExpectedToken == "" || l.cfg.RollNo == "" {
		return Outcome{}, fmt.Errorf("%w: expected token and roll number are required", attendance.ErrValidation)
	}

	allowed, err := l.perm.DiscoveryAllowed(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("checking discovery permission: %w", err)
	}
	if !allowed {
		return Outcome{}, fmt.Errorf("%w: discovery permission not granted", attendance.ErrPermission)
	}

	scanCtx, stopScan := context.WithCancel(ctx)
	defer stopScan()
	ads, err := l.scanner.Scan(scanCtx, discovery.ServiceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: starting scan: %v", attendance.ErrTransient, err)
	}
	// Drain so the scanner goroutine can observe cancellation and release
	// the subscription before Run returns.
	defer func() {
		stopScan()
		for range ads {
		}
	}()

	l.set(Scanning)
	for {
		select {
		case <-ctx.Done():
			l.set(Idle)
			return Outcome{}, ctx.Err()
		case adv, ok := <-ads:
			if !ok {
				l.set(Idle)
				if ctx.Err() != nil {
					return Outcome{}, ctx.Err()
				}
				return Outcome{}, fmt.Errorf("%w: discovery channel closed", attendance.ErrTransient)
			}
			if !l.match(adv) {
				continue
			}
			stopScan()
			out := l.attempt(ctx)
			l.mu.Lock()
			l.outcome = out
			l.mu.Unlock()
			return out, nil
		}
	}
}

// match reports whether adv should trigger the one mark attempt.
func (l *Listener) match(adv discovery.Advertisement) bool {
	l.set(Matching)
	if adv.Token() != l.cfg.ExpectedToken {
		l.set(Scanning)
		return false
	}
	if !l.attempted.CompareAndSwap(false, true) {
		return false
	}
	return true
}

func (l *Listener) attempt(ctx context.Context) Outcome {
	l.set(Verifying)
	d, err := l.verifier.Verify(ctx, identity.Request{
		RollNo:   l.cfg.RollNo,
		ImageURL: l.cfg.ImageURL,
		Sample:   l.cfg.Sample,
	})
	if err != nil {
		return l.failed("identity verification failed: "+err.Error(), err)
	}
	if !d.Match {
		reason := d.Reason
		if reason == "" {
			reason = "identity did not match"
		}
		return l.failed(reason, nil)
	}

	l.set(Marking)
	res, err := l.marker.MarkPresent(ctx, l.cfg.ExpectedToken, l.cfg.RollNo)
	if err != nil {
		return l.failed("marking attendance failed: "+err.Error(), err)
	}
	l.set(Marked)
	l.log.Info("attendance marked", "token", res.Token, "roll", res.Student.RollNo, "subject", res.Subject)
	return Outcome{State: Marked, Result: &res}
}

func (l *Listener) failed(reason string, err error) Outcome {
	l.set(MarkFailed)
	l.log.Warn("mark attempt failed", "token", l.cfg.ExpectedToken, "roll", l.cfg.RollNo, "reason", reason)
	return Outcome{State: MarkFailed, Reason: reason, Err: err}
}

// Retry resets a finished listener to Idle and runs it again.
func (l *Listener) Retry(ctx context.Context) (Outcome, error) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return Outcome{}, ErrBusy
	}
	l.state = Idle
	l.outcome = Outcome{}
	l.mu.Unlock()
	l.attempted.Store(false)
	return l.Run(ctx)
}
