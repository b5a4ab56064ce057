// Package directory looks up registered authorities and section rosters.
// Registration itself lives elsewhere; this package only reads.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"

	"proxattend/internal/attendance"
)

var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres reads the teachers and students tables.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a directory over db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Authority returns the teacher registered under email, or nil.
func (p *Postgres) Authority(ctx context.Context, email string) (*attendance.Authority, error) {
	query, args, err := psq.Select("name", "college_email").
		From("teachers").
		Where(sq.Eq{"college_email": strings.ToLower(strings.TrimSpace(email))}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	var a attendance.Authority
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&a.Name, &a.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying teacher: %w", err)
	}
	return &a, nil
}

// Students returns the roster for key ordered by roll number.
func (p *Postgres) Students(ctx context.Context, key attendance.SectionKey) ([]attendance.RosterEntry, error) {
	query, args, err := psq.Select("roll_no", "name").
		From("students").
		Where(sq.Eq{"branch": key.Branch, "section": key.Section, "year": key.Year}).
		OrderBy("roll_no").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying students: %w", err)
	}
	defer rows.Close()
	var out []attendance.RosterEntry
	for rows.Next() {
		var e attendance.RosterEntry
		if err := rows.Scan(&e.RollNo, &e.Name); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Student is a directory row used to seed the in-memory directory.
type Student struct {
	RollNo string
	Name   string
	attendance.SectionKey
}

// Memory is an in-process directory for dev and tests.
type Memory struct {
	mu          sync.RWMutex
	authorities map[string]attendance.Authority
	students    map[attendance.SectionKey][]attendance.RosterEntry
}

// NewMemory returns an empty directory.
func NewMemory() *Memory {
	return &Memory{
		authorities: make(map[string]attendance.Authority),
		students:    make(map[attendance.SectionKey][]attendance.RosterEntry),
	}
}

// AddAuthority registers a teacher.
func (m *Memory) AddAuthority(name, email string) {
	email = strings.ToLower(strings.TrimSpace(email))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorities[email] = attendance.Authority{Name: name, Email: email}
}

// AddStudents registers students under their section.
func (m *Memory) AddStudents(students ...Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range students {
		k := s.SectionKey.Normalize()
		m.students[k] = append(m.students[k], attendance.RosterEntry{RollNo: s.RollNo, Name: s.Name})
		sort.SliceStable(m.students[k], func(i, j int) bool {
			return m.students[k][i].RollNo < m.students[k][j].RollNo
		})
	}
}

func (m *Memory) Authority(_ context.Context, email string) (*attendance.Authority, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.authorities[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *Memory) Students(_ context.Context, key attendance.SectionKey) ([]attendance.RosterEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]attendance.RosterEntry(nil), m.students[key.Normalize()]...), nil
}
