package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	activeTable   = "active_sessions"
	archivedTable = "archived_sessions"

	uniqueViolation = "23505"

	defaultArchiveLimit = 50
)

var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var sessionColumns = []string{
	"id", "token", "subject", "authority_name", "authority_email", "section_groups", "created_at",
}

var archivedColumns = []string{
	"id", "token", "subject", "authority_name", "authority_email", "section_groups", "created_at", "completed_at",
}

// Repository persists sessions in Postgres. Each session is one row whose
// section groups live in a JSONB document column.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		s      Session
		groups []byte
	)
	if err := row.Scan(&s.ID, &s.Token, &s.Subject, &s.Authority.Name, &s.Authority.Email, &groups, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(groups, &s.Groups); err != nil {
		return nil, fmt.Errorf("decoding section groups: %w", err)
	}
	s.reindex()
	return &s, nil
}

func scanArchived(row rowScanner) (ArchivedSession, error) {
	var (
		a      ArchivedSession
		groups []byte
	)
	if err := row.Scan(&a.ID, &a.Token, &a.Subject, &a.Authority.Name, &a.Authority.Email, &groups, &a.CreatedAt, &a.CompletedAt); err != nil {
		return ArchivedSession{}, err
	}
	if err := json.Unmarshal(groups, &a.Groups); err != nil {
		return ArchivedSession{}, fmt.Errorf("decoding section groups: %w", err)
	}
	return a, nil
}

func encodeGroups(groups []SectionGroup) (string, error) {
	if groups == nil {
		groups = []SectionGroup{}
	}
	b, err := json.Marshal(groups)
	if err != nil {
		return "", fmt.Errorf("encoding section groups: %w", err)
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Insert writes a new active session.
func (r *Repository) Insert(ctx context.Context, s *Session) error {
	groups, err := encodeGroups(s.Groups)
	if err != nil {
		return err
	}
	query, args, err := psq.Insert(activeTable).
		Columns(sessionColumns...).
		Values(s.ID, s.Token, s.Subject, s.Authority.Name, s.Authority.Email, groups, s.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: token %q already active", ErrConflict, s.Token)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (r *Repository) getOne(ctx context.Context, where sq.Eq, label string) (*Session, error) {
	query, args, err := psq.Select(sessionColumns...).From(activeTable).Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, label)
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return s, nil
}

// GetByToken returns the active session with token.
func (r *Repository) GetByToken(ctx context.Context, token string) (*Session, error) {
	return r.getOne(ctx, sq.Eq{"token": token}, fmt.Sprintf("%q", token))
}

// GetByID returns the active session with id.
func (r *Repository) GetByID(ctx context.Context, id string) (*Session, error) {
	return r.getOne(ctx, sq.Eq{"id": id}, "id "+id)
}

// FindLatest matches the section through JSONB containment on the groups document.
func (r *Repository) FindLatest(ctx context.Context, key SectionKey, since time.Time) (*Session, error) {
	probe, err := json.Marshal([]SectionKey{key})
	if err != nil {
		return nil, err
	}
	query, args, err := psq.Select(sessionColumns...).
		From(activeTable).
		Where(sq.GtOrEq{"created_at": since}).
		Where("section_groups @> ?::jsonb", string(probe)).
		OrderBy("created_at DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying current session: %w", err)
	}
	return s, nil
}

// Update locks the session row, applies fn and writes the groups back when fn
// reports a change.
func (r *Repository) Update(ctx context.Context, token string, fn func(*Session) (bool, error)) (*Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := psq.Select(sessionColumns...).
		From(activeTable).
		Where(sq.Eq{"token": token}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	s, err := scanSession(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %q", ErrNotFound, token)
		}
		return nil, fmt.Errorf("locking session: %w", err)
	}

	changed, err := fn(s)
	if err != nil {
		return nil, err
	}
	if changed {
		groups, err := encodeGroups(s.Groups)
		if err != nil {
			return nil, err
		}
		query, args, err := psq.Update(activeTable).
			Set("section_groups", groups).
			Where(sq.Eq{"id": s.ID}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("building update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("updating session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}
	return s, nil
}

// Archive inserts the archived copy and deletes the active row in one transaction.
func (r *Repository) Archive(ctx context.Context, a ArchivedSession) error {
	groups, err := encodeGroups(a.Groups)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := psq.Insert(archivedTable).
		Columns(archivedColumns...).
		Values(a.ID, a.Token, a.Subject, a.Authority.Name, a.Authority.Email, groups, a.CreatedAt, a.CompletedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: session %q is already archived", ErrConflict, a.Token)
		}
		return fmt.Errorf("inserting archive: %w", err)
	}

	query, args, err = psq.Delete(activeTable).Where(sq.Eq{"token": a.Token}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting active session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing archive: %w", err)
	}
	return nil
}

// IsArchived probes archived_sessions for token.
func (r *Repository) IsArchived(ctx context.Context, token string) (bool, error) {
	query, args, err := psq.Select("1").From(archivedTable).Where(sq.Eq{"token": token}).Limit(1).ToSql()
	if err != nil {
		return false, fmt.Errorf("building select: %w", err)
	}
	var one int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("probing archive: %w", err)
	}
	return true, nil
}

// Delete removes the active session and returns what was removed.
func (r *Repository) Delete(ctx context.Context, token string) (*Session, error) {
	query, args, err := psq.Delete(activeTable).
		Where(sq.Eq{"token": token}).
		Suffix("RETURNING " + strings.Join(sessionColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building delete: %w", err)
	}
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %q", ErrNotFound, token)
		}
		return nil, fmt.Errorf("deleting session: %w", err)
	}
	return s, nil
}

// DeleteCreatedBefore removes active sessions created before cutoff.
func (r *Repository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := psq.Delete(activeTable).Where(sq.Lt{"created_at": cutoff}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("building delete: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListArchived returns an authority's archived sessions, newest first.
func (r *Repository) ListArchived(ctx context.Context, authorityEmail string, limit int) ([]ArchivedSession, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultArchiveLimit
	}
	qb := psq.Select(archivedColumns...).From(archivedTable).OrderBy("completed_at DESC").Limit(uint64(limit))
	if authorityEmail != "" {
		qb = qb.Where(sq.Eq{"authority_email": strings.ToLower(authorityEmail)})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}
	defer rows.Close()
	var out []ArchivedSession
	for rows.Next() {
		a, err := scanArchived(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
