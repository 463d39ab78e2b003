package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/todo-api/internal/model"
)

// resubscribeDelay is how long Run waits before resubscribing after the
// pub/sub channel closes.
const resubscribeDelay = time.Second

// RedisRelay publishes events to a Redis channel and forwards everything
// received on that channel to the local Hub, so subscribers on every
// replica see writes made through any of them.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *zap.Logger
}

// NewRedisRelay creates a new RedisRelay instance.
func NewRedisRelay(client *redis.Client, channel string, hub *Hub, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger,
	}
}

// Publish sends the event to the Redis channel. Local delivery happens when
// Run receives it back.
func (r *RedisRelay) Publish(ctx context.Context, event model.ItemEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding item event: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing item event: %w", err)
	}

	return nil
}

// Run subscribes to the Redis channel and forwards events to the hub until
// ctx is cancelled. A closed subscription is re-established.
func (r *RedisRelay) Run(ctx context.Context) {
	for {
		sub := r.client.Subscribe(ctx, r.channel)
		r.forward(ctx, sub.Channel())
		_ = sub.Close()

		if ctx.Err() != nil {
			return
		}

		r.logger.Error("redis subscription closed, reconnecting", zap.String("channel", r.channel))

		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

// forward relays messages until the channel closes or ctx is done.
func (r *RedisRelay) forward(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			var event model.ItemEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("unable to decode item event", zap.Error(err))
				continue
			}

			_ = r.hub.Publish(ctx, event)
		}
	}
}
