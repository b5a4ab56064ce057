package listener

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxattend/internal/attendance"
	"proxattend/internal/discovery"
	"proxattend/internal/identity"
)

type stubVerifier struct {
	mu    sync.Mutex
	match bool
	err   error
	calls int
}

func (v *stubVerifier) Verify(_ context.Context, req identity.Request) (identity.Decision, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return identity.Decision{}, v.err
	}
	if !v.match {
		return identity.Decision{Reason: "face did not match"}, nil
	}
	return identity.Decision{Match: true, Similarity: 0.9}, nil
}

func (v *stubVerifier) set(match bool, err error) {
	v.mu.Lock()
	v.match, v.err = match, err
	v.mu.Unlock()
}

type countingMarker struct {
	calls atomic.Int32
	err   error
}

func (m *countingMarker) MarkPresent(_ context.Context, token, rollNo string) (attendance.MarkResult, error) {
	m.calls.Add(1)
	if m.err != nil {
		return attendance.MarkResult{}, m.err
	}
	return attendance.MarkResult{Token: token, Student: attendance.RosterEntry{RollNo: rollNo, Present: true}, Subject: "DS"}, nil
}

type runResult struct {
	out Outcome
	err error
}

func runAsync(ctx context.Context, l *Listener) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		out, err := l.Run(ctx)
		ch <- runResult{out, err}
	}()
	return ch
}

func emit(t *testing.T, air *discovery.Air, tokens ...string) {
	t.Helper()
	require.Eventually(t, func() bool { return air.Subscribers() == 1 }, time.Second, time.Millisecond)
	for _, tok := range tokens {
		adv, err := discovery.NewAdvertisement(tok)
		require.NoError(t, err)
		air.Emit(adv)
	}
}

func wait(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("listener did not finish")
		return runResult{}
	}
}

func newListener(air *discovery.Air, v Verifier, m Marker) *Listener {
	return New(AlwaysAllowed, air, v, m, Config{ExpectedToken: "ab12", RollNo: "01", ImageURL: "https://img/01.jpg"})
}

func TestRepeatedAdvertisementsMarkOnce(t *testing.T) {
	air := discovery.NewAir(time.Millisecond)
	marker := &countingMarker{}
	v := &stubVerifier{match: true}
	var states []State
	var mu sync.Mutex
	l := New(AlwaysAllowed, air, v, marker, Config{
		ExpectedToken: " ab12 ",
		RollNo:        "01",
		ImageURL:      "https://img/01.jpg",
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	res := runAsync(context.Background(), l)
	emit(t, air, "zz99", "ab12", "ab12", "ab12", "ab12")
	r := wait(t, res)

	require.NoError(t, r.err)
	assert.Equal(t, Marked, r.out.State)
	require.NotNil(t, r.out.Result)
	assert.True(t, r.out.Result.Student.Present)
	assert.EqualValues(t, 1, marker.calls.Load())
	assert.Equal(t, 1, v.calls)
	assert.Equal(t, 0, air.Subscribers(), "subscription is released before Run returns")
	assert.Equal(t, Marked, l.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Scanning, Matching, Scanning, Matching, Verifying, Marking, Marked}, states)
}

func TestOtherTokensAreIgnored(t *testing.T) {
	air := discovery.NewAir(time.Millisecond)
	marker := &countingMarker{}
	l := newListener(air, &stubVerifier{match: true}, marker)

	ctx, cancel := context.WithCancel(context.Background())
	res := runAsync(ctx, l)
	emit(t, air, "zz99", "ab123")
	cancel()
	r := wait(t, res)

	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, Idle, l.State())
	assert.Zero(t, marker.calls.Load())
	assert.Equal(t, 0, air.Subscribers())
}

func TestVerificationFailureSkipsMark(t *testing.T) {
	air := discovery.NewAir(time.Millisecond)
	marker := &countingMarker{}
	v := &stubVerifier{}
	l := newListener(air, v, marker)

	res := runAsync(context.Background(), l)
	emit(t, air, "ab12")
	r := wait(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, MarkFailed, r.out.State)
	assert.Equal(t, "face did not match", r.out.Reason)
	assert.Zero(t, marker.calls.Load())

	_, err := l.Run(context.Background())
	assert.ErrorIs(t, err, ErrBusy, "a finished listener needs Retry")

	v.set(true, nil)
	retry := make(chan runResult, 1)
	go func() {
		out, err := l.Retry(context.Background())
		retry <- runResult{out, err}
	}()
	emit(t, air, "ab12")
	r = wait(t, retry)
	require.NoError(t, r.err)
	assert.Equal(t, Marked, r.out.State)
	assert.EqualValues(t, 1, marker.calls.Load())
	assert.Equal(t, Marked, l.Outcome().State)
}

func TestVerifierAndMarkErrors(t *testing.T) {
	air := discovery.NewAir(time.Millisecond)
	l := newListener(air, &stubVerifier{err: attendance.ErrTransient}, &countingMarker{})
	res := runAsync(context.Background(), l)
	emit(t, air, "ab12")
	r := wait(t, res)
	require.NoError(t, r.err)
	assert.Equal(t, MarkFailed, r.out.State)
	assert.ErrorIs(t, r.out.Err, attendance.ErrTransient)

	marker := &countingMarker{err: attendance.ErrNotFound}
	l = newListener(air, &stubVerifier{match: true}, marker)
	res = runAsync(context.Background(), l)
	emit(t, air, "ab12")
	r = wait(t, res)
	assert.Equal(t, MarkFailed, r.out.State)
	assert.ErrorIs(t, r.out.Err, attendance.ErrNotFound)
	assert.Contains(t, r.out.Reason, "marking attendance failed")
}

func TestPermissionAndConfig(t *testing.T) {
	air := discovery.NewAir(time.Millisecond)
	denied := PermissionFunc(func(context.Context) (bool, error) { return false, nil })
	l := New(denied, air, &stubVerifier{match: true}, &countingMarker{}, Config{ExpectedToken: "ab12", RollNo: "01"})
	_, err := l.Run(context.Background())
	assert.ErrorIs(t, err, attendance.ErrPermission)
	assert.Equal(t, Idle, l.State())
	assert.Equal(t, 0, air.Subscribers())

	broken := PermissionFunc(func(context.Context) (bool, error) { return false, errors.New("no adapter") })
	l = New(broken, air, &stubVerifier{}, &countingMarker{}, Config{ExpectedToken: "ab12", RollNo: "01"})
	_, err = l.Run(context.Background())
	assert.Error(t, err)

	l = New(nil, air, &stubVerifier{}, &countingMarker{}, Config{RollNo: "01"})
	_, err = l.Run(context.Background())
	assert.ErrorIs(t, err, attendance.ErrValidation)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "mark_failed", MarkFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}
