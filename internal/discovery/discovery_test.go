package discovery

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvertisementWireFormat(t *testing.T) {
	adv, err := NewAdvertisement(" ab12 ")
	require.NoError(t, err)
	assert.Equal(t, ServiceID, adv.ServiceID)

	frame, err := adv.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, frame, 16+1+4)
	assert.Equal(t, ServiceID[:], frame[:16])
	assert.Equal(t, byte(4), frame[16])
	assert.Equal(t, "ab12", string(frame[17:]))

	var got Advertisement
	require.NoError(t, got.UnmarshalBinary(frame))
	assert.Equal(t, adv, got)
	assert.Equal(t, "ab12", got.Token())
}

func TestAdvertisementLimits(t *testing.T) {
	_, err := NewAdvertisement("")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = NewAdvertisement(strings.Repeat("a", MaxPayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = NewAdvertisement(strings.Repeat("a", MaxPayload))
	assert.NoError(t, err)

	var a Advertisement
	assert.ErrorIs(t, a.UnmarshalBinary([]byte{1, 2, 3}), ErrMalformed)

	frame := make([]byte, 17+3)
	frame[16] = 5
	assert.ErrorIs(t, a.UnmarshalBinary(frame), ErrMalformed)
}

func TestAirDeliversToMatchingService(t *testing.T) {
	air := NewAir(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	scanCtx, stopScan := context.WithCancel(ctx)
	ads, err := air.Scan(scanCtx, ServiceID)
	require.NoError(t, err)
	other, err := air.Scan(scanCtx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 2, air.Subscribers())

	adv, err := NewAdvertisement("ab12")
	require.NoError(t, err)
	advCtx, stopAdv := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- air.Advertise(advCtx, adv) }()

	select {
	case got := <-ads:
		assert.Equal(t, "ab12", got.Token())
	case <-ctx.Done():
		t.Fatal("no advertisement received")
	}
	select {
	case got := <-other:
		t.Fatalf("unexpected advertisement %q on other service", got.Token())
	case <-time.After(20 * time.Millisecond):
	}

	stopAdv()
	require.NoError(t, <-done)

	stopScan()
	for range ads {
	}
	for range other {
	}
	assert.Eventually(t, func() bool { return air.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAirDropsWhenScannerIsSlow(t *testing.T) {
	air := NewAir(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := air.Scan(ctx, ServiceID)
	require.NoError(t, err)

	adv, err := NewAdvertisement("ab12")
	require.NoError(t, err)
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			air.Emit(adv)
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a slow scanner")
	}
}

func TestAirRejectsOversizedAdvertisement(t *testing.T) {
	air := NewAir(time.Millisecond)
	err := air.Advertise(context.Background(), Advertisement{ServiceID: ServiceID, Payload: make([]byte, MaxPayload+1)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "discovery:0000feed-0000-1000-8000-00805f9b34fb", channelName(ServiceID))
}
