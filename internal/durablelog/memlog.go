package durablelog

import (
	"context"
	"sync"
	"time"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

// MemLog is an in-memory Log implementation satisfying the same contract as
// KafkaLog. It backs unit and end-to-end tests so the rest of the broker can
// be exercised without a live Kafka cluster; it is not used in production.
type MemLog struct {
	mu       sync.Mutex
	cond     *sync.Cond
	channels map[string][]broker.EventMessage
	local    map[string]int64
}

// NewMemLog constructs an empty in-memory log.
func NewMemLog() *MemLog {
	m := &MemLog{
		channels: make(map[string][]broker.EventMessage),
		local:    make(map[string]int64),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

var _ Log = (*MemLog)(nil)

func (m *MemLog) EnsureChannel(_ context.Context, channelID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		m.channels[channelID] = nil
		m.local[channelID] = 0
	}
	return nil
}

func (m *MemLog) Append(_ context.Context, channelID string, env broker.EventMessage) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[channelID]; !ok {
		return 0, 0, broker.NewError(broker.ErrTransient, "channel %s not provisioned", channelID)
	}
	m.local[channelID]++
	env.LocalOffset = m.local[channelID]
	m.channels[channelID] = append(m.channels[channelID], env)
	m.cond.Broadcast()
	return env.GlobalOffset, env.LocalOffset, nil
}

func (m *MemLog) ReadRange(ctx context.Context, channelID string, fromGlobal, fromLocal int64, limit int, wait time.Duration) ([]broker.EventMessage, error) {
	deadline := time.Now().Add(wait)
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		out := selectRange(m.channels[channelID], fromGlobal, fromLocal, limit)
		if len(out) > 0 || wait <= 0 {
			return out, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return out, nil
		}
		waitWithTimeout(m.cond, remaining)
		if time.Now().After(deadline) {
			return selectRange(m.channels[channelID], fromGlobal, fromLocal, limit), nil
		}
	}
}

func (m *MemLog) TruncateOrDelete(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, channelID)
	delete(m.local, channelID)
	return nil
}

func (m *MemLog) LastOffset(channelID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local[channelID]
}
