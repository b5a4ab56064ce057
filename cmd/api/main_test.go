package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxattend/internal/analytics"
	"proxattend/internal/queue"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func TestDrainLogsKeepsMemoryQueueFlowing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var logs lockedBuffer
	q := queue.NewInMemory(2)
	require.NoError(t, drainLogs(ctx, q, slog.New(slog.NewJSONHandler(&logs, nil))))

	sink := analytics.NewQueueSink(q)
	entry := analytics.LogEntry{
		Token:      "ab12",
		Year:       1,
		Branch:     "CSE",
		Section:    "A",
		Subject:    "DS",
		Date:       time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Attendance: []analytics.Mark{{RollNo: "01", Present: true}},
	}
	for i := 0; i < 100; i++ {
		submitCtx, done := context.WithTimeout(ctx, time.Second)
		err := sink.Submit(submitCtx, entry)
		done()
		require.NoError(t, err, "submit %d", i)
	}
	require.NoError(t, q.Publish(ctx, queue.Message{Type: "checkin", Body: []byte(`{}`)}))

	assert.Eventually(t, func() bool {
		return strings.Count(logs.String(), "attendance log dropped") == 100 &&
			strings.Contains(logs.String(), "dropping queue message")
	}, 2*time.Second, 5*time.Millisecond)
}
