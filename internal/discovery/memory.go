package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Air is an in-process broadcast medium. Every scanner subscribed to a
// service id receives every frame advertised under it; slow scanners drop
// frames instead of blocking the advertiser, like a radio would.
type Air struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]airSub
	interval time.Duration
}

type airSub struct {
	service uuid.UUID
	ch      chan Advertisement
}

// NewAir returns an empty medium that re-emits at interval.
func NewAir(interval time.Duration) *Air {
	return &Air{subs: make(map[int]airSub), interval: interval}
}

func (a *Air) Advertise(ctx context.Context, adv Advertisement) error {
	if _, err := adv.MarshalBinary(); err != nil {
		return err
	}
	return emitLoop(ctx, a.interval, func() error {
		a.Emit(adv)
		return nil
	})
}

// Emit delivers one frame to current subscribers.
func (a *Air) Emit(adv Advertisement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.subs {
		if s.service != adv.ServiceID {
			continue
		}
		frame := Advertisement{ServiceID: adv.ServiceID, Payload: append([]byte(nil), adv.Payload...)}
		select {
		case s.ch <- frame:
		default:
		}
	}
}

func (a *Air) Scan(ctx context.Context, serviceID uuid.UUID) (<-chan Advertisement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in := make(chan Advertisement, 16)
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.subs[id] = airSub{service: serviceID, ch: in}
	a.mu.Unlock()

	out := make(chan Advertisement)
	go func() {
		defer close(out)
		defer func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case adv := <-in:
				select {
				case out <- adv:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Subscribers reports how many scans are open.
func (a *Air) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}
