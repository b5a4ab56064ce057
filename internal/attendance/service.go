package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"proxattend/internal/metrics"
)

// DefaultFreshness is how long after creation a session is still reported as
// the current one for its sections.
const DefaultFreshness = 6 * time.Hour

// CreateInput describes a new session.
type CreateInput struct {
	AuthorityEmail string       `json:"authorityEmail"`
	Subject        string       `json:"subject"`
	Token          string       `json:"token"`
	Sections       []SectionKey `json:"sections"`
}

// Service coordinates session lifecycle against a Store and a Directory.
type Service struct {
	store     Store
	dir       Directory
	freshness time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithFreshness overrides DefaultFreshness.
func WithFreshness(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.freshness = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService creates a service backed by a store and directory.
func NewService(store Store, dir Directory, opts ...Option) (*Service, error) {
	if store == nil || dir == nil {
		return nil, fmt.Errorf("%w: store and directory required", ErrValidation)
	}
	s := &Service{
		store:     store,
		dir:       dir,
		freshness: DefaultFreshness,
		now:       func() time.Time { return time.Now().UTC() },
		log:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Freshness returns the discovery window.
func (s *Service) Freshness() time.Duration { return s.freshness }

// CreateSession resolves the authority and a roster snapshot per section and
// stores a new active session under the token.
func (s *Service) CreateSession(ctx context.Context, in CreateInput) (*Session, error) {
	email := strings.ToLower(strings.TrimSpace(in.AuthorityEmail))
	subject := strings.TrimSpace(in.Subject)
	token := strings.TrimSpace(in.Token)
	if email == "" || subject == "" || token == "" || len(in.Sections) == 0 {
		return nil, fmt.Errorf("%w: required fields: authorityEmail, subject, token, sections", ErrValidation)
	}
	keys := make([]SectionKey, 0, len(in.Sections))
	for _, raw := range in.Sections {
		k := raw.Normalize()
		if err := k.Validate(); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	authority, err := s.dir.Authority(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup authority: %w", err)
	}
	if authority == nil {
		return nil, fmt.Errorf("%w: authority %q", ErrNotFound, email)
	}

	if existing, err := s.store.GetByToken(ctx, token); err == nil && existing != nil {
		metrics.SessionConflicts.Inc()
		return nil, fmt.Errorf("%w: a session with token %q is already active", ErrConflict, token)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	groups := make([]SectionGroup, 0, len(keys))
	for _, k := range keys {
		students, err := s.dir.Students(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("lookup roster %s: %w", k, err)
		}
		if len(students) == 0 {
			s.log.Warn("no students found for section", "section", k.String(), "token", token)
		}
		roster := make([]RosterEntry, 0, len(students))
		for _, st := range students {
			roster = append(roster, RosterEntry{RollNo: strings.TrimSpace(st.RollNo), Name: st.Name})
		}
		groups = append(groups, SectionGroup{Branch: k.Branch, Section: k.Section, Year: k.Year, Students: roster})
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Token:     token,
		Subject:   subject,
		Authority: Authority{Name: authority.Name, Email: strings.ToLower(authority.Email)},
		Groups:    groups,
		CreatedAt: s.now(),
	}
	sess.reindex()
	if err := s.store.Insert(ctx, sess); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.SessionConflicts.Inc()
		}
		return nil, err
	}
	metrics.SessionsCreated.Inc()
	s.log.Info("session created", "token", token, "subject", subject, "groups", len(groups), "students", sess.TotalStudents())
	return sess, nil
}

// FindActiveSession returns the newest fresh session covering the section,
// or nil when there is none.
func (s *Service) FindActiveSession(ctx context.Context, key SectionKey) (*Session, error) {
	k := key.Normalize()
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return s.store.FindLatest(ctx, k, s.now().Add(-s.freshness))
}

// MarkPresent sets the roll's flag on the session. Repeating the call for a
// roll already marked succeeds without writing.
func (s *Service) MarkPresent(ctx context.Context, token, rollNo string) (MarkResult, error) {
	token = strings.TrimSpace(token)
	rollNo = strings.TrimSpace(rollNo)
	if token == "" || rollNo == "" {
		return MarkResult{}, fmt.Errorf("%w: token and rollNo are required", ErrValidation)
	}
	var (
		res     MarkResult
		changed bool
	)
	_, err := s.store.Update(ctx, token, func(sess *Session) (bool, error) {
		var err error
		res, changed, err = sess.markPresent(rollNo)
		return changed, err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.MarksTotal.WithLabelValues("not_found").Inc()
		}
		return MarkResult{}, err
	}
	if changed {
		metrics.MarksTotal.WithLabelValues("marked").Inc()
	} else {
		metrics.MarksTotal.WithLabelValues("repeat").Inc()
	}
	return res, nil
}

// GetRoster returns the grouped roster for a token or session id.
func (s *Service) GetRoster(ctx context.Context, ref string) (Roster, error) {
	sess, err := s.resolve(ctx, ref)
	if err != nil {
		return Roster{}, err
	}
	return BuildRoster(sess), nil
}

// GetSummary returns aggregated counts for a token or session id.
func (s *Service) GetSummary(ctx context.Context, ref string) (Summary, error) {
	r, err := s.GetRoster(ctx, ref)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(r), nil
}

// Archive copies the session, overlaid with any corrected data, into the
// archive and removes the active record.
func (s *Service) Archive(ctx context.Context, ref string, corrected *ArchiveInput) (ArchivedSession, error) {
	ref = strings.TrimSpace(ref)
	if corrected != nil {
		c := *corrected
		c.Token = strings.TrimSpace(c.Token)
		corrected = &c
	}
	if ref == "" && (corrected == nil || corrected.Token == "") {
		return ArchivedSession{}, fmt.Errorf("%w: provide a session reference or an inline session", ErrValidation)
	}
	if ref == "" {
		ref = corrected.Token
	}

	active, err := s.resolve(ctx, ref)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return ArchivedSession{}, err
	}
	if active == nil && corrected == nil {
		archived, aerr := s.store.IsArchived(ctx, ref)
		if aerr != nil {
			return ArchivedSession{}, aerr
		}
		if archived {
			return ArchivedSession{}, fmt.Errorf("%w: session %q is already archived", ErrConflict, ref)
		}
		return ArchivedSession{}, err
	}

	now := s.now()
	out := ArchivedSession{CompletedAt: now, CreatedAt: now}
	if active != nil {
		out.Token = active.Token
		out.Subject = active.Subject
		out.Authority = active.Authority
		out.Groups = cloneGroups(active.Groups)
		out.CreatedAt = active.CreatedAt
	}
	if corrected != nil {
		// The active copy is deleted by token, so its token wins.
		if out.Token == "" {
			out.Token = corrected.Token
		}
		if sub := strings.TrimSpace(corrected.Subject); sub != "" {
			out.Subject = sub
		}
		if corrected.Authority != nil {
			out.Authority = Authority{
				Name:  strings.TrimSpace(corrected.Authority.Name),
				Email: strings.ToLower(strings.TrimSpace(corrected.Authority.Email)),
			}
		}
		if corrected.Groups != nil {
			out.Groups = cloneGroups(corrected.Groups)
		}
	}
	if out.Token == "" {
		out.Token = ref
	}
	if out.Groups == nil {
		out.Groups = []SectionGroup{}
	}

	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return ArchivedSession{}, err
	}
	out.ID = id.String()

	if err := s.store.Archive(ctx, out); err != nil {
		return ArchivedSession{}, err
	}
	metrics.SessionsArchived.Inc()
	s.log.Info("session archived", "token", out.Token, "inline", corrected != nil)
	return out, nil
}

// DeleteSession removes the active session without archiving it.
func (s *Service) DeleteSession(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrValidation)
	}
	sess, err := s.store.Delete(ctx, token)
	if err != nil {
		return nil, err
	}
	metrics.SessionsDeleted.WithLabelValues("explicit").Inc()
	s.log.Info("session deleted", "token", token)
	return sess, nil
}

// SweepStale deletes active sessions older than the freshness window. It is
// an addition on top of the best-effort client delete.
func (s *Service) SweepStale(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteCreatedBefore(ctx, s.now().Add(-s.freshness))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SessionsDeleted.WithLabelValues("sweep").Add(float64(n))
		s.log.Info("swept stale sessions", "count", n)
	}
	return n, nil
}

// ListArchived returns completed sessions for an authority, newest first.
func (s *Service) ListArchived(ctx context.Context, authorityEmail string, limit int) ([]ArchivedSession, error) {
	return s.store.ListArchived(ctx, strings.TrimSpace(authorityEmail), limit)
}

func (s *Service) resolve(ctx context.Context, ref string) (*Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: token or id is required", ErrValidation)
	}
	if _, err := uuid.Parse(ref); err == nil {
		return s.store.GetByID(ctx, ref)
	}
	return s.store.GetByToken(ctx, ref)
}
