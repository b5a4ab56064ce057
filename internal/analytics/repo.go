package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Repository stores log entries in attendance_logs, one row per student.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Save writes every mark of e. Redelivered entries overwrite the earlier row.
func (r *Repository) Save(ctx context.Context, e LogEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if len(e.Attendance) == 0 {
		return nil
	}
	ib := psq.Insert("attendance_logs").
		Columns("id", "token", "year", "branch", "section", "subject", "roll_no", "present", "recorded_at")
	for _, m := range e.Attendance {
		ib = ib.Values(uuid.NewString(), e.Token, e.Year, e.Branch, e.Section, e.Subject, m.RollNo, m.Present, e.Date.UTC())
	}
	query, args, err := ib.
		Suffix("ON CONFLICT (token, branch, section, year, roll_no) DO UPDATE SET present = EXCLUDED.present, recorded_at = EXCLUDED.recorded_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting attendance logs: %w", err)
	}
	return nil
}

// Filter selects the history of one subject in one section. Zero From/To
// leave that side of the range open.
type Filter struct {
	Year    int
	Branch  string
	Section string
	Subject string
	From    time.Time
	To      time.Time
}

// DayMark is one dated presence value.
type DayMark struct {
	Date    time.Time `json:"date"`
	Present bool      `json:"present"`
}

// StudentHistory is a student's marks within a Filter.
type StudentHistory struct {
	RollNo     string    `json:"rollNumber"`
	Attendance []DayMark `json:"attendance"`
}

// Query returns histories grouped by roll number in roll order.
func (r *Repository) Query(ctx context.Context, f Filter) ([]StudentHistory, error) {
	qb := psq.Select("roll_no", "recorded_at", "present").
		From("attendance_logs").
		Where(sq.Eq{"year": f.Year, "branch": f.Branch, "section": f.Section, "subject": f.Subject}).
		OrderBy("roll_no", "recorded_at")
	if !f.From.IsZero() {
		qb = qb.Where(sq.GtOrEq{"recorded_at": f.From})
	}
	if !f.To.IsZero() {
		qb = qb.Where(sq.LtOrEq{"recorded_at": f.To})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attendance logs: %w", err)
	}
	defer rows.Close()

	var out []StudentHistory
	for rows.Next() {
		var (
			roll string
			m    DayMark
		)
		if err := rows.Scan(&roll, &m.Date, &m.Present); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].RollNo != roll {
			out = append(out, StudentHistory{RollNo: roll})
		}
		last := &out[len(out)-1]
		last.Attendance = append(last.Attendance, m)
	}
	return out, rows.Err()
}
