package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxattend/internal/analytics"
	"proxattend/internal/queue"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type memSaver struct {
	mu    sync.Mutex
	saved []analytics.LogEntry
	fail  string
}

func (m *memSaver) Save(_ context.Context, e analytics.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Section == m.fail {
		return errors.New("insert failed")
	}
	m.saved = append(m.saved, e)
	return nil
}

func (m *memSaver) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func TestConsumeLogsStoresDecodableEntries(t *testing.T) {
	q := queue.NewInMemory(8)
	sink := analytics.NewQueueSink(q)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	entry := analytics.LogEntry{
		Token: "ab12", Year: 1, Branch: "CSE", Section: "A", Subject: "DS",
		Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Attendance: []analytics.Mark{{RollNo: "01", Present: true}},
	}
	require.NoError(t, sink.Submit(ctx, entry))
	require.NoError(t, q.Publish(ctx, queue.Message{Type: "unknown", Body: json.RawMessage(`{}`)}))
	failing := entry
	failing.Section = "B"
	require.NoError(t, sink.Submit(ctx, failing))
	second := entry
	second.Branch = "ECE"
	require.NoError(t, sink.Submit(ctx, second))

	saver := &memSaver{fail: "B"}
	done := make(chan error, 1)
	go func() { done <- consumeLogs(ctx, q, saver, quiet) }()

	assert.Eventually(t, func() bool { return saver.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "CSE", saver.saved[0].Branch)
	assert.Equal(t, "ECE", saver.saved[1].Branch)
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) SweepStale(context.Context) (int64, error) {
	c.calls.Add(1)
	return 0, c.err
}

func TestSweepRunsImmediatelyAndOnTick(t *testing.T) {
	s := &countingSweeper{err: errors.New("db down")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweep(ctx, s, 5*time.Millisecond, quiet) }()

	assert.Eventually(t, func() bool { return s.calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done, "sweep errors are logged, not fatal")
}
