// Package analytics receives per-section attendance logs submitted when a
// session is finalized and stores them for reporting.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"proxattend/internal/attendance"
	"proxattend/internal/metrics"
	"proxattend/internal/queue"
)

// Mark is one student's final presence in a log entry.
type Mark struct {
	RollNo  string `json:"rollNumber"`
	Present bool   `json:"present"`
}

// LogEntry is the corrected attendance of one section group.
type LogEntry struct {
	Token      string    `json:"token"`
	Year       int       `json:"year"`
	Branch     string    `json:"branch"`
	Section    string    `json:"section"`
	Subject    string    `json:"subject"`
	Date       time.Time `json:"date"`
	Attendance []Mark    `json:"attendance"`
}

// Validate checks the required fields.
func (e LogEntry) Validate() error {
	if e.Year <= 0 || strings.TrimSpace(e.Branch) == "" || strings.TrimSpace(e.Section) == "" ||
		strings.TrimSpace(e.Subject) == "" || e.Date.IsZero() || e.Attendance == nil {
		return fmt.Errorf("%w: required fields: year, branch, section, subject, date, attendance", attendance.ErrValidation)
	}
	return nil
}

// Sink accepts log entries.
type Sink interface {
	Submit(ctx context.Context, e LogEntry) error
}

// QueueSink hands entries to the worker through a queue.
type QueueSink struct {
	q queue.Queue
}

// NewQueueSink wraps q.
func NewQueueSink(q queue.Queue) *QueueSink {
	return &QueueSink{q: q}
}

// Submit validates and enqueues e. A publish failure is reported as transient.
func (s *QueueSink) Submit(ctx context.Context, e LogEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding log entry: %w", err)
	}
	if err := s.q.Publish(ctx, queue.Message{Type: queue.TypeAttendanceLog, Body: body}); err != nil {
		metrics.AttendanceLogs.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: queue publish: %v", attendance.ErrTransient, err)
	}
	metrics.AttendanceLogs.WithLabelValues("queued").Inc()
	return nil
}

// Decode parses a queued log entry.
func Decode(msg queue.Message) (LogEntry, error) {
	if msg.Type != queue.TypeAttendanceLog {
		return LogEntry{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var e LogEntry
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		return LogEntry{}, fmt.Errorf("decoding log entry: %w", err)
	}
	return e, nil
}
