// Package gossip provides a generic Redis Pub/Sub broadcaster used by the
// Session Manager to keep per-instance rosters consistent in a
// multi-instance deployment.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// TypedPubSub publishes and subscribes JSON-encoded values of type T on a
// single Redis connection.
type TypedPubSub[T any] struct {
	client goredis.UniversalClient
	logger *logrus.Logger
}

// NewTypedPubSub wraps an existing Redis client for typed gossip.
func NewTypedPubSub[T any](client goredis.UniversalClient, logger *logrus.Logger) *TypedPubSub[T] {
	return &TypedPubSub[T]{client: client, logger: logger}
}

// Publish broadcasts msg on the given Redis channel name.
func (p *TypedPubSub[T]) Publish(ctx context.Context, channel string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal gossip payload: %w", err)
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish gossip message: %w", err)
	}
	return nil
}

// Subscribe blocks, delivering every message received on channel to handler
// until ctx is cancelled. Malformed payloads are logged and skipped rather
// than terminating the subscription.
func (p *TypedPubSub[T]) Subscribe(ctx context.Context, channel string, handler func(T)) error {
	sub := p.client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe gossip channel %s: %w", channel, err)
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
			var payload T
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				if p.logger != nil {
					p.logger.WithFields(logrus.Fields{"channel": channel}).Warn("gossip: dropping undecodable message")
				}
				continue
			}
			handler(payload)
		}
	}
}
