// Package fanout bridges notification events across processes. A worker
// publishes an envelope without knowing which gateway instance holds the
// destination connection; every gateway subscribes to the shared Redis
// channel and delivers to the rooms it serves. This indirection is the
// whole reason events survive horizontal scaling.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"caseflow/internal/metrics"
	"caseflow/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultChannel = "fanout:events"

// Envelope pairs an event with its destination room.
type Envelope struct {
	Room  string                   `json:"room"`
	Event models.NotificationEvent `json:"event"`
}

type Bus struct {
	rdb     *redis.Client
	channel string
	logger  zerolog.Logger
}

func NewBus(rdb *redis.Client, logger zerolog.Logger) *Bus {
	return &Bus{
		rdb:     rdb,
		channel: defaultChannel,
		logger:  logger.With().Str("component", "fanout").Logger(),
	}
}

// Publish sends one envelope to every subscribed gateway instance.
func (b *Bus) Publish(ctx context.Context, room string, event models.NotificationEvent) error {
	data, err := json.Marshal(Envelope{Room: room, Event: event})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	metrics.IncEvent(event.Type)
	b.logger.Debug().Str("room", room).Str("type", event.Type).Msg("event published")
	return nil
}

// Subscribe returns a channel of envelopes. The channel closes when ctx
// is done or the subscription drops; go-redis reconnects the underlying
// subscription transparently.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	// Wait for the subscription to be confirmed so publishes after this
	// call cannot be missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Error().Err(err).Msg("malformed fanout envelope dropped")
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
