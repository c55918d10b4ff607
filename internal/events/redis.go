package events

import (
	"clai-chat/internal/logger"
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisBus publishes events as JSON on a Redis pub/sub channel so that every
// server instance (and its webhook relay) sees them.
type RedisBus struct {
	client  *redis.Client
	channel string
	buffer  int
}

// NewRedisBus connects to Redis at url and verifies the connection
func NewRedisBus(ctx context.Context, url, channel string, buffer int) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{"addr": opts.Addr, "channel": channel}).Info("Connected to Redis event bus")
	return NewRedisBusFromClient(client, channel, buffer), nil
}

// NewRedisBusFromClient wraps an existing client
func NewRedisBusFromClient(client *redis.Client, channel string, buffer int) *RedisBus {
	if buffer < 1 {
		buffer = 1
	}
	return &RedisBus{client: client, channel: channel, buffer: buffer}
}

// Publish sends e to the channel
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("error encoding event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("error publishing event: %w", err)
	}
	return nil
}

// Subscribe decodes events from the channel until ctx is done. Undecodable
// messages are logged and skipped.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("error subscribing to %s: %w", b.channel, err)
	}

	out := make(chan Event, b.buffer)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					logger.Log.WithError(err).WithField("channel", msg.Channel).Warn("Skipping undecodable event")
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the Redis client
func (b *RedisBus) Close() error {
	return b.client.Close()
}
