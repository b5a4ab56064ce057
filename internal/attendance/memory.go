package attendance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a dev and test fallback when Postgres is not configured.
// A single mutex makes every operation atomic per session document.
type MemoryStore struct {
	mu       sync.Mutex
	active   map[string]*Session // token -> session
	byID     map[string]string   // id -> token
	archived map[string]ArchivedSession
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		active:   make(map[string]*Session),
		byID:     make(map[string]string),
		archived: make(map[string]ArchivedSession),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[s.Token]; ok {
		return fmt.Errorf("%w: token %q already active", ErrConflict, s.Token)
	}
	c := s.Clone()
	c.reindex()
	m.active[s.Token] = c
	m.byID[s.ID] = s.Token
	return nil
}

func (m *MemoryStore) GetByToken(ctx context.Context, token string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[token]
	if !ok {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, token)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	token, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: session id %q", ErrNotFound, id)
	}
	return m.GetByToken(ctx, token)
}

func (m *MemoryStore) FindLatest(ctx context.Context, key SectionKey, since time.Time) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Session
	for _, s := range m.active {
		if s.CreatedAt.Before(since) || !s.HasGroup(key) {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	return best.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, token string, fn func(*Session) (bool, error)) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[token]
	if !ok {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, token)
	}
	work := s.Clone()
	work.reindex()
	changed, err := fn(work)
	if err != nil {
		return nil, err
	}
	if changed {
		m.active[token] = work
	}
	return work.Clone(), nil
}

func (m *MemoryStore) Archive(ctx context.Context, a ArchivedSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.archived[a.Token]; ok {
		return fmt.Errorf("%w: session %q is already archived", ErrConflict, a.Token)
	}
	a.Groups = cloneGroups(a.Groups)
	m.archived[a.Token] = a
	if s, ok := m.active[a.Token]; ok {
		delete(m.byID, s.ID)
		delete(m.active, a.Token)
	}
	return nil
}

func (m *MemoryStore) IsArchived(ctx context.Context, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.archived[token]
	return ok, nil
}

func (m *MemoryStore) Delete(ctx context.Context, token string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[token]
	if !ok {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, token)
	}
	delete(m.active, token)
	delete(m.byID, s.ID)
	return s.Clone(), nil
}

func (m *MemoryStore) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for token, s := range m.active {
		if s.CreatedAt.Before(cutoff) {
			delete(m.active, token)
			delete(m.byID, s.ID)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListArchived(ctx context.Context, authorityEmail string, limit int) ([]ArchivedSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = defaultArchiveLimit
	}
	email := strings.ToLower(authorityEmail)
	m.mu.Lock()
	out := make([]ArchivedSession, 0, len(m.archived))
	for _, a := range m.archived {
		if email == "" || a.Authority.Email == email {
			out = append(out, a)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.After(out[j].CompletedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Archived returns the archived copy for token, for history and tests.
func (m *MemoryStore) Archived(token string) (ArchivedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.archived[token]
	return a, ok
}
