// Package discovery carries session tokens over a short-range broadcast
// channel. An advertisement is unauthenticated and unencrypted: receiving one
// is the only (weak) evidence of proximity.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServiceID tags attendance advertisements so scanners can filter for them.
var ServiceID = uuid.MustParse("0000feed-0000-1000-8000-00805f9b34fb")

const (
	// MaxPayload is the service-data room left in a legacy BLE advertisement.
	MaxPayload = 20

	// DefaultInterval is how often an advertiser re-emits.
	DefaultInterval = 250 * time.Millisecond
)

var (
	ErrPayloadTooLarge = errors.New("discovery: payload too large")
	ErrMalformed       = errors.New("discovery: malformed advertisement")
)

// Advertisement is one broadcast frame.
type Advertisement struct {
	ServiceID uuid.UUID
	Payload   []byte
}

// NewAdvertisement builds an attendance advertisement carrying token.
func NewAdvertisement(token string) (Advertisement, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Advertisement{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}
	if len(token) > MaxPayload {
		return Advertisement{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(token))
	}
	return Advertisement{ServiceID: ServiceID, Payload: []byte(token)}, nil
}

// Token returns the payload as a trimmed string.
func (a Advertisement) Token() string {
	return strings.TrimSpace(string(a.Payload))
}

// MarshalBinary encodes the frame as 16 service-id bytes, one length byte and
// the payload.
func (a Advertisement) MarshalBinary() ([]byte, error) {
	if len(a.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, 0, 17+len(a.Payload))
	out = append(out, a.ServiceID[:]...)
	out = append(out, byte(len(a.Payload)))
	return append(out, a.Payload...), nil
}

// UnmarshalBinary decodes a frame written by MarshalBinary.
func (a *Advertisement) UnmarshalBinary(b []byte) error {
	if len(b) < 17 {
		return ErrMalformed
	}
	n := int(b[16])
	if n > MaxPayload || len(b) != 17+n {
		return ErrMalformed
	}
	id, err := uuid.FromBytes(b[:16])
	if err != nil {
		return ErrMalformed
	}
	a.ServiceID = id
	a.Payload = append([]byte(nil), b[17:]...)
	return nil
}

// Advertiser emits an advertisement until ctx is cancelled. Only one
// advertisement per device is active at a time.
type Advertiser interface {
	Advertise(ctx context.Context, adv Advertisement) error
}

// Scanner delivers advertisements tagged with serviceID. The returned channel
// is closed once ctx is done and the subscription has been released.
type Scanner interface {
	Scan(ctx context.Context, serviceID uuid.UUID) (<-chan Advertisement, error)
}

func emitLoop(ctx context.Context, interval time.Duration, emit func() error) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if err := emit(); err != nil {
		return err
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := emit(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
