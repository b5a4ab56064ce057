package attendance

import (
	"context"
	"time"
)

// Store is the persistence boundary for active and archived sessions. Each
// method is atomic for the single session document it touches.
type Store interface {
	// Insert adds an active session. It returns ErrConflict when the token is
	// already active.
	Insert(ctx context.Context, s *Session) error
	GetByToken(ctx context.Context, token string) (*Session, error)
	GetByID(ctx context.Context, id string) (*Session, error)
	// FindLatest returns the newest session created at or after since that has
	// a group for key, or nil when none does.
	FindLatest(ctx context.Context, key SectionKey, since time.Time) (*Session, error)
	// Update applies fn under the document's write lock and persists the
	// result only when fn reports a change.
	Update(ctx context.Context, token string, fn func(*Session) (bool, error)) (*Session, error)
	// Archive writes a and deletes the active session with a.Token in one step.
	// It returns ErrConflict when a.Token is already archived.
	Archive(ctx context.Context, a ArchivedSession) error
	// IsArchived reports whether an archive already exists for token.
	IsArchived(ctx context.Context, token string) (bool, error)
	Delete(ctx context.Context, token string) (*Session, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListArchived(ctx context.Context, authorityEmail string, limit int) ([]ArchivedSession, error)
}

// Directory resolves roster and authority data owned by registration.
// Absent data is reported as nil/empty, never as an error.
type Directory interface {
	Authority(ctx context.Context, email string) (*Authority, error)
	Students(ctx context.Context, key SectionKey) ([]RosterEntry, error)
}
