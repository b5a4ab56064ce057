package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisChannel relays advertisements through Redis pub/sub so devices on the
// same network segment can stand in for a radio during development.
type RedisChannel struct {
	client   *redis.Client
	interval time.Duration
}

// NewRedisChannel wraps client.
func NewRedisChannel(client *redis.Client, interval time.Duration) *RedisChannel {
	return &RedisChannel{client: client, interval: interval}
}

func channelName(serviceID uuid.UUID) string {
	return "discovery:" + serviceID.String()
}

func (r *RedisChannel) Advertise(ctx context.Context, adv Advertisement) error {
	frame, err := adv.MarshalBinary()
	if err != nil {
		return err
	}
	ch := channelName(adv.ServiceID)
	return emitLoop(ctx, r.interval, func() error {
		if err := r.client.Publish(ctx, ch, frame).Err(); err != nil {
			return fmt.Errorf("publishing advertisement: %w", err)
		}
		return nil
	})
}

func (r *RedisChannel) Scan(ctx context.Context, serviceID uuid.UUID) (<-chan Advertisement, error) {
	sub := r.client.Subscribe(ctx, channelName(serviceID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	out := make(chan Advertisement)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var adv Advertisement
				if err := adv.UnmarshalBinary([]byte(m.Payload)); err != nil {
					slog.Debug("dropping malformed advertisement", "err", err)
					continue
				}
				if adv.ServiceID != serviceID {
					continue
				}
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
