// Package broadcaster runs the instructor side of a session: create it,
// advertise its token, follow the live count, review and finalize.
package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proxattend/internal/analytics"
	"proxattend/internal/attendance"
	"proxattend/internal/discovery"
)

// State is a step of the broadcaster lifecycle.
type State int

const (
	Idle State = iota
	Created
	Broadcasting
	Reviewing
	Archiving
	Terminal
	Abandoned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Created:
		return "created"
	case Broadcasting:
		return "broadcasting"
	case Reviewing:
		return "reviewing"
	case Archiving:
		return "archiving"
	case Terminal:
		return "terminal"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultDeleteTimeout = 10 * time.Second
	tokenLength          = 10
)

// ErrState is returned when an action is not valid in the current state.
var ErrState = errors.New("broadcaster: invalid state")

// API is the session store surface the broadcaster drives.
type API interface {
	CreateSession(ctx context.Context, in attendance.CreateInput) (*attendance.Session, error)
	GetRoster(ctx context.Context, ref string) (attendance.Roster, error)
	Archive(ctx context.Context, ref string, corrected *attendance.ArchiveInput) (attendance.ArchivedSession, error)
	DeleteSession(ctx context.Context, token string) error
}

// Config describes the session to run.
type Config struct {
	AuthorityEmail string
	Subject        string
	Sections       []attendance.SectionKey

	PollInterval  time.Duration
	DeleteTimeout time.Duration

	// NewToken overrides token generation.
	NewToken func() string
	// OnLiveCount is called after every successful poll while broadcasting.
	OnLiveCount func(attendance.Counts)
	// OnError is called once if broadcasting ends on its own with an error.
	OnError func(error)
	Logger      *slog.Logger
	Now         func() time.Time
}

// Record is a finalized session kept for local history.
type Record struct {
	Token       string            `json:"token"`
	Subject     string            `json:"subject"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt time.Time         `json:"completedAt"`
	Overall     attendance.Counts `json:"overall"`
}

// Broadcaster is single-use: after Terminal or Abandoned create a new one.
type Broadcaster struct {
	api  API
	adv  discovery.Advertiser
	sink analytics.Sink
	cfg  Config
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	session *attendance.Session
	live    attendance.Counts
	groups  []attendance.SectionGroup
	review  map[string]bool
	history []Record
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    chan struct{}
	err     error
}

// New creates an idle broadcaster.
func New(api API, adv discovery.Advertiser, sink analytics.Sink, cfg Config) *Broadcaster {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = DefaultDeleteTimeout
	}
	if cfg.NewToken == nil {
		cfg.NewToken = NewToken
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Broadcaster{api: api, adv: adv, sink: sink, cfg: cfg, log: l}
}

// NewToken returns a short lowercase hex token derived from a random UUID.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:tokenLength]
}

// State returns the current state.
func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Token returns the session token, empty before Start succeeds.
func (b *Broadcaster) Token() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return ""
	}
	return b.session.Token
}

// LiveCount returns the counts from the latest poll.
func (b *Broadcaster) LiveCount() attendance.Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// History returns finalized sessions, oldest first.
func (b *Broadcaster) History() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.history...)
}

// Done is closed once advertising and polling have both ended, whether by
// Stop, Abandon, ctx or a failure. It is nil before Start succeeds.
func (b *Broadcaster) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Err returns the error that ended broadcasting on its own, if any. The
// broadcaster stays in Broadcasting so the session can still be stopped and
// reviewed.
func (b *Broadcaster) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Start creates the session and begins advertising its token. A failed
// create leaves the broadcaster Idle; the token is not retried. Broadcasting
// ends on Stop, Abandon or when ctx is done.
func (b *Broadcaster) Start(ctx context.Context) (*attendance.Session, error) {
	b.mu.Lock()
	if b.state != Idle {
		st := b.state
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: start from %s", ErrState, st)
	}
	b.state = Created
	b.mu.Unlock()

	sess, adv, err := b.create(ctx)
	if err != nil {
		b.mu.Lock()
		b.state = Idle
		b.mu.Unlock()
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Created {
		// Abandoned while the create was in flight; its delete needs the token.
		b.session = sess
		go b.deleteBestEffort(sess.Token)
		return nil, fmt.Errorf("%w: abandoned during start", ErrState)
	}
	b.session = sess
	b.log.Info("session created", "token", sess.Token, "students", sess.TotalStudents())

	bctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(bctx)
	g.Go(func() error {
		if err := b.adv.Advertise(gctx, adv); err != nil {
			return fmt.Errorf("advertising: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		b.pollLoop(gctx, sess.Token)
		return nil
	})
	b.cancel = cancel
	b.group = g
	b.done = make(chan struct{})
	b.state = Broadcasting
	go b.watch(g, b.done)
	return sess.Clone(), nil
}

// watch reports an advertiser or poll failure as soon as the group ends
// instead of waiting for Stop.
func (b *Broadcaster) watch(g *errgroup.Group, done chan struct{}) {
	defer close(done)
	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	b.mu.Lock()
	if b.state != Broadcasting {
		b.mu.Unlock()
		return
	}
	b.err = err
	token := b.session.Token
	cb := b.cfg.OnError
	b.mu.Unlock()
	b.log.Error("broadcast failed", "token", token, "err", err)
	if cb != nil {
		cb(err)
	}
}

func (b *Broadcaster) create(ctx context.Context) (*attendance.Session, discovery.Advertisement, error) {
	token := b.cfg.NewToken()
	adv, err := discovery.NewAdvertisement(token)
	if err != nil {
		return nil, adv, fmt.Errorf("%w: %v", attendance.ErrValidation, err)
	}
	sess, err := b.api.CreateSession(ctx, attendance.CreateInput{
		AuthorityEmail: b.cfg.AuthorityEmail,
		Subject:        b.cfg.Subject,
		Token:          token,
		Sections:       b.cfg.Sections,
	})
	if err != nil {
		return nil, adv, err
	}
	return sess, adv, nil
}

func (b *Broadcaster) pollLoop(ctx context.Context, token string) {
	t := time.NewTicker(b.cfg.PollInterval)
	defer t.Stop()
	for {
		b.poll(ctx, token)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// poll lets an in-flight request finish after cancellation; its result is
// dropped once broadcasting has ended.
func (b *Broadcaster) poll(ctx context.Context, token string) {
	if ctx.Err() != nil {
		return
	}
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.PollInterval)
	defer cancel()
	r, err := b.api.GetRoster(reqCtx, token)
	if err != nil {
		b.log.Warn("live roster poll failed", "token", token, "err", err)
		return
	}
	b.mu.Lock()
	if b.state != Broadcasting {
		b.mu.Unlock()
		return
	}
	b.live = r.Overall
	cb := b.cfg.OnLiveCount
	b.mu.Unlock()
	if cb != nil {
		cb(r.Overall)
	}
}

// stopBroadcast cancels advertising and polling and waits for both.
func (b *Broadcaster) stopBroadcast(g *errgroup.Group, cancel context.CancelFunc) {
	if cancel == nil {
		return
	}
	cancel()
	_ = g.Wait()
}

// Stop ends broadcasting and loads the full roster for review. If the load
// fails the broadcaster stays in Reviewing and Reload can be retried.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.state != Broadcasting {
		st := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrState, st)
	}
	b.state = Reviewing
	g, cancel := b.group, b.cancel
	b.group, b.cancel = nil, nil
	b.mu.Unlock()

	b.stopBroadcast(g, cancel)
	return b.Reload(ctx)
}

// Reload fetches the roster and reseeds the review map from it, discarding
// manual edits.
func (b *Broadcaster) Reload(ctx context.Context) error {
	b.mu.Lock()
	if b.state != Reviewing {
		st := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: reload from %s", ErrState, st)
	}
	token := b.session.Token
	b.mu.Unlock()

	r, err := b.api.GetRoster(ctx, token)
	if err != nil {
		return fmt.Errorf("loading roster: %w", err)
	}
	groups := groupsFromRoster(r)
	review := make(map[string]bool)
	for _, g := range groups {
		for _, st := range g.Students {
			review[st.RollNo] = st.Present
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Reviewing {
		return fmt.Errorf("%w: reload from %s", ErrState, b.state)
	}
	b.groups = groups
	b.review = review
	b.live = r.Overall
	return nil
}

func groupsFromRoster(r attendance.Roster) []attendance.SectionGroup {
	var out []attendance.SectionGroup
	for _, br := range r.Branches {
		for _, sec := range br.Sections {
			out = append(out, attendance.SectionGroup{
				Branch:   br.Branch,
				Section:  sec.Section,
				Year:     sec.Year,
				Students: append([]attendance.RosterEntry{}, sec.Students...),
			})
		}
	}
	return out
}

// SetPresent overrides one student's flag before finalizing.
func (b *Broadcaster) SetPresent(rollNo string, present bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Reviewing || b.review == nil {
		return fmt.Errorf("%w: edit from %s", ErrState, b.state)
	}
	if _, ok := b.review[rollNo]; !ok {
		return fmt.Errorf("%w: roll %q is not on the roster", attendance.ErrNotFound, rollNo)
	}
	b.review[rollNo] = present
	return nil
}

// Review returns the roster with manual edits applied.
func (b *Broadcaster) Review() []attendance.SectionGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.correctedLocked()
}

func (b *Broadcaster) correctedLocked() []attendance.SectionGroup {
	out := make([]attendance.SectionGroup, len(b.groups))
	for i, g := range b.groups {
		out[i] = g
		out[i].Students = make([]attendance.RosterEntry, len(g.Students))
		for j, st := range g.Students {
			st.Present = b.review[st.RollNo]
			out[i].Students[j] = st
		}
	}
	return out
}

// Finalize submits one attendance log per section and archives the
// corrected roster. Any failure aborts the step and returns to Reviewing.
func (b *Broadcaster) Finalize(ctx context.Context) (attendance.ArchivedSession, error) {
	b.mu.Lock()
	if b.state != Reviewing || b.review == nil {
		st := b.state
		b.mu.Unlock()
		return attendance.ArchivedSession{}, fmt.Errorf("%w: finalize from %s", ErrState, st)
	}
	b.state = Archiving
	sess := b.session
	groups := b.correctedLocked()
	b.mu.Unlock()

	archived, err := b.archive(ctx, sess, groups)
	if err != nil {
		b.mu.Lock()
		b.state = Reviewing
		b.mu.Unlock()
		return attendance.ArchivedSession{}, err
	}

	overall := attendance.BuildRoster(&attendance.Session{Groups: archived.Groups}).Overall
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Terminal
	b.history = append(b.history, Record{
		Token:       archived.Token,
		Subject:     archived.Subject,
		CreatedAt:   archived.CreatedAt,
		CompletedAt: archived.CompletedAt,
		Overall:     overall,
	})
	b.log.Info("session finalized", "token", archived.Token, "present", overall.Present, "total", overall.Total)
	return archived, nil
}

func (b *Broadcaster) archive(ctx context.Context, sess *attendance.Session, groups []attendance.SectionGroup) (attendance.ArchivedSession, error) {
	date := b.cfg.Now()
	for _, g := range groups {
		marks := make([]analytics.Mark, 0, len(g.Students))
		for _, st := range g.Students {
			marks = append(marks, analytics.Mark{RollNo: st.RollNo, Present: st.Present})
		}
		err := b.sink.Submit(ctx, analytics.LogEntry{
			Token:      sess.Token,
			Year:       g.Year,
			Branch:     g.Branch,
			Section:    g.Section,
			Subject:    sess.Subject,
			Date:       date,
			Attendance: marks,
		})
		if err != nil {
			return attendance.ArchivedSession{}, fmt.Errorf("submitting attendance for %s: %w", g.Key(), err)
		}
	}
	return b.api.Archive(ctx, sess.Token, &attendance.ArchiveInput{
		Token:     sess.Token,
		Subject:   sess.Subject,
		Authority: &sess.Authority,
		Groups:    groups,
	})
}

// Abandon tears the session down without archiving. It stops broadcasting
// and fires a single DeleteSession in the background; the outcome is only
// logged. The returned channel closes once polling has stopped and that
// attempt finishes, and is nil when no delete was issued. Callers need not
// wait on it.
func (b *Broadcaster) Abandon() <-chan struct{} {
	b.mu.Lock()
	switch b.state {
	case Created, Broadcasting, Reviewing:
	default:
		b.mu.Unlock()
		return nil
	}
	b.state = Abandoned
	sess := b.session
	g, cancel := b.group, b.cancel
	b.group, b.cancel = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess == nil {
		// Create still in flight; Start issues the delete once it returns.
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if g != nil {
			_ = g.Wait()
		}
		b.deleteBestEffort(sess.Token)
	}()
	return done
}

func (b *Broadcaster) deleteBestEffort(token string) {
	ctx, done := context.WithTimeout(context.Background(), b.cfg.DeleteTimeout)
	defer done()
	if err := b.api.DeleteSession(ctx, token); err != nil {
		b.log.Warn("best-effort session delete failed", "token", token, "err", err)
		return
	}
	b.log.Info("abandoned session deleted", "token", token)
}
