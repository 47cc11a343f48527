package store

import (
	"context"
	"sync"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

// MemStore is an in-memory ChannelStore, used by tests in place of
// PostgresStore.
type MemStore struct {
	mu    sync.Mutex
	rows  map[string]broker.ChannelState
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{rows: make(map[string]broker.ChannelState)}
}

var _ ChannelStore = (*MemStore)(nil)

func (m *MemStore) Save(_ context.Context, state *broker.ChannelState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[state.ChannelID] = *state
	return nil
}

func (m *MemStore) Load(_ context.Context, channelID string) (*broker.ChannelState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[channelID]
	if !ok {
		return nil, nil
	}
	cp := row
	return &cp, nil
}

func (m *MemStore) Delete(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, channelID)
	return nil
}
