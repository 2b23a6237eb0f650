package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "docqueue:events"

// RedisBridge publishes events on a Redis channel and feeds every event
// received on it into a local Hub, so subscribers see transitions made by
// workers in other processes.
type RedisBridge struct {
	client  *redis.Client
	channel string
	hub     *Hub
}

func NewRedisBridge(client *redis.Client, hub *Hub) *RedisBridge {
	return &RedisBridge{client: client, channel: DefaultChannel, hub: hub}
}

func (b *RedisBridge) Publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		zap.S().Named("notify").Errorw("failed to encode event", "task_id", e.TaskID, "error", err)
		return
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		zap.S().Named("notify").Warnw("failed to publish event", "task_id", e.TaskID, "error", err)
	}
}

// Run relays channel messages into the hub until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				zap.S().Named("notify").Warnw("dropping malformed event", "error", err)
				continue
			}
			b.hub.Publish(ctx, e)
		}
	}
}
