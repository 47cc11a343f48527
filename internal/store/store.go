// Package store defines the write-through persistence contract for
// ChannelState (the "channels" table) and provides a Postgres-backed
// implementation. The in-memory Channel Registry (internal/registry) is the
// hot path; this package is its durable backing store.
package store

import (
	"context"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

// ChannelStore persists ChannelState across process restarts.
type ChannelStore interface {
	Save(ctx context.Context, state *broker.ChannelState) error
	Load(ctx context.Context, channelID string) (*broker.ChannelState, error)
	Delete(ctx context.Context, channelID string) error
}
