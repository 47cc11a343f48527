// Package session implements the Session Manager: the live agent
// roster per channel, connect/disconnect lifecycle, host election exposure,
// idle reaping, and cross-instance roster gossip. One roster per channel;
// all rosters are guarded by the Manager's single RWMutex.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/gossip"
)

// RosterDelta is gossiped across instances on connect/disconnect so every
// instance's in-memory roster reflects sessions owned by its peers.
type RosterDelta struct {
	ChannelID string           `json:"channelId"`
	SessionID string           `json:"sessionId"`
	Kind      string           `json:"kind"` // "connect" or "disconnect"
	Agent     broker.AgentInfo `json:"agent"`
}

// RosterTopic is the Redis Pub/Sub channel name a channelId's roster deltas
// are gossiped on.
func RosterTopic(channelID string) string {
	return "roster:" + channelID
}

type channelRoster struct {
	sessions     map[string]*broker.Session // sessionId -> session
	agentIndex   map[string]string          // agentName -> sessionId
	owned        map[string]bool            // sessionId -> locally connected here
	lastActivity map[string]time.Time       // sessionId -> last touch
	lastConnTime time.Time                  // monotonic watermark for connectionTime assignment
}

// Manager owns the per-channel rosters.
type Manager struct {
	mu           sync.RWMutex
	channels     map[string]*channelRoster
	sessionIndex map[string]string // sessionId -> channelId, across all channels

	idleTTL time.Duration
	gossip  *gossip.TypedPubSub[RosterDelta]
	logger  *logrus.Logger
}

// New constructs a Session Manager. gossip may be nil for single-instance
// deployments or tests.
func New(idleTTL time.Duration, pubsub *gossip.TypedPubSub[RosterDelta], logger *logrus.Logger) *Manager {
	return &Manager{
		channels:     make(map[string]*channelRoster),
		sessionIndex: make(map[string]string),
		idleTTL:      idleTTL,
		gossip:       pubsub,
		logger:       logger,
	}
}

// ChannelOf resolves a sessionId to its channelId across all channels. It
// takes the Manager's read lock.
func (m *Manager) ChannelOf(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channelID, ok := m.sessionIndex[sessionID]
	return channelID, ok
}

func (m *Manager) roster(channelID string) *channelRoster {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.channels[channelID]
	if !ok {
		r = &channelRoster{
			sessions:     make(map[string]*broker.Session),
			agentIndex:   make(map[string]string),
			owned:        make(map[string]bool),
			lastActivity: make(map[string]time.Time),
		}
		m.channels[channelID] = r
	}
	return r
}

// ConnectParams carries the fields of a new session.
type ConnectParams struct {
	ChannelID       string
	AgentName       string
	AgentType       string
	Descriptor      string
	AgentContext    string
	IPAddress       string
	Role            string
	CustomEventType string
	Metadata        map[string]string
}

// Connect registers a new local session, assigning a monotonic connectionTime
// within the channel (ties broken by bumping the clock forward by a
// nanosecond, keeping host election total).
func (m *Manager) Connect(ctx context.Context, p ConnectParams) (*broker.Session, error) {
	r := m.roster(p.ChannelID)

	now := time.Now()

	var sess *broker.Session
	func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, conflict := r.agentIndex[p.AgentName]; conflict {
			sess = nil
			return
		}
		if !now.After(r.lastConnTime) {
			now = r.lastConnTime.Add(time.Nanosecond)
		}
		r.lastConnTime = now

		sess = &broker.Session{
			SessionID:       uuid.NewString(),
			ChannelID:       p.ChannelID,
			AgentName:       p.AgentName,
			AgentType:       p.AgentType,
			Descriptor:      p.Descriptor,
			AgentContext:    p.AgentContext,
			IPAddress:       p.IPAddress,
			ConnectionTime:  now,
			Role:            p.Role,
			CustomEventType: p.CustomEventType,
			Metadata:        p.Metadata,
		}
		r.sessions[sess.SessionID] = sess
		r.agentIndex[p.AgentName] = sess.SessionID
		r.owned[sess.SessionID] = true
		r.lastActivity[sess.SessionID] = now
		m.sessionIndex[sess.SessionID] = p.ChannelID
	}()

	if sess == nil {
		return nil, broker.NewError(broker.ErrAgentNameConflict, "agent %s already connected in channel %s", p.AgentName, p.ChannelID)
	}

	if m.gossip != nil {
		delta := RosterDelta{ChannelID: p.ChannelID, SessionID: sess.SessionID, Kind: "connect", Agent: sess.ToAgentInfo()}
		if err := m.gossip.Publish(ctx, RosterTopic(p.ChannelID), delta); err != nil && m.logger != nil {
			m.logger.WithError(err).Warn("session: failed to gossip connect delta")
		}
	}
	return sess, nil
}

// Disconnect removes a session from the roster, local or previously merged
// from gossip. The gossip delta is only published for locally-owned
// sessions so a disconnect doesn't echo back and forth between instances.
func (m *Manager) Disconnect(ctx context.Context, channelID, sessionID string) (*broker.Session, error) {
	r := m.roster(channelID)

	var sess *broker.Session
	var wasOwned bool
	func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		s, ok := r.sessions[sessionID]
		if !ok {
			return
		}
		sess = s
		wasOwned = r.owned[sessionID]
		delete(r.sessions, sessionID)
		delete(r.agentIndex, s.AgentName)
		delete(r.owned, sessionID)
		delete(r.lastActivity, sessionID)
		delete(m.sessionIndex, sessionID)
	}()

	if sess == nil {
		return nil, broker.NewError(broker.ErrSessionNotFound, broker.SessionNotFoundMessage)
	}

	if wasOwned && m.gossip != nil {
		delta := RosterDelta{ChannelID: channelID, SessionID: sessionID, Kind: "disconnect", Agent: sess.ToAgentInfo()}
		if err := m.gossip.Publish(ctx, RosterTopic(channelID), delta); err != nil && m.logger != nil {
			m.logger.WithError(err).Warn("session: failed to gossip disconnect delta")
		}
	}
	return sess, nil
}

// ApplyRemoteDelta merges a gossiped roster change from another instance.
// Deltas about locally-owned sessions are ignored: this instance is already
// authoritative for them.
func (m *Manager) ApplyRemoteDelta(delta RosterDelta) {
	r := m.roster(delta.ChannelID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if r.owned[delta.SessionID] {
		return
	}

	switch delta.Kind {
	case "connect":
		if _, exists := r.sessions[delta.SessionID]; exists {
			return
		}
		if _, conflict := r.agentIndex[delta.Agent.AgentName]; conflict {
			return
		}
		sess := &broker.Session{
			SessionID:              delta.SessionID,
			ChannelID:              delta.ChannelID,
			AgentName:              delta.Agent.AgentName,
			AgentType:              delta.Agent.AgentType,
			Descriptor:             delta.Agent.Descriptor,
			IPAddress:              delta.Agent.IPAddress,
			ConnectionTime:         delta.Agent.ConnectionTime,
			Role:                   delta.Agent.Role,
			CustomEventType:        delta.Agent.CustomEventType,
			Metadata:               delta.Agent.Metadata,
			RestrictedCapabilities: delta.Agent.RestrictedCapabilities,
		}
		r.sessions[sess.SessionID] = sess
		r.agentIndex[sess.AgentName] = sess.SessionID
		m.sessionIndex[sess.SessionID] = sess.ChannelID
	case "disconnect":
		if s, ok := r.sessions[delta.SessionID]; ok {
			delete(r.sessions, delta.SessionID)
			delete(r.agentIndex, s.AgentName)
			delete(r.lastActivity, delta.SessionID)
			delete(m.sessionIndex, delta.SessionID)
		}
	}
}

// ListenGossip subscribes to a channel's roster topic until ctx is
// cancelled, merging remote deltas as they arrive. Intended to run in a
// background goroutine started alongside Connect for that channel.
func (m *Manager) ListenGossip(ctx context.Context, channelID string) error {
	if m.gossip == nil {
		return nil
	}
	return m.gossip.Subscribe(ctx, RosterTopic(channelID), m.ApplyRemoteDelta)
}

// Touch refreshes a session's idle-reaper watermark. Called on every
// send/receive/ping that references the session.
func (m *Manager) Touch(channelID, sessionID string) {
	r := m.roster(channelID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		r.lastActivity[sessionID] = time.Now()
	}
}

// UpdateWatermarks advances a session's read watermarks under the roster
// lock, so concurrent receives from the same session never double-deliver
// ephemerals.
func (m *Manager) UpdateWatermarks(channelID, sessionID string, persistenceReadAt, ephemeralReadAt time.Time) {
	r := m.roster(channelID)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	s.LastPersistenceReadTime = persistenceReadAt
	if ephemeralReadAt.After(s.LastEphemeralReadTime) {
		s.LastEphemeralReadTime = ephemeralReadAt
	}
	r.lastActivity[sessionID] = time.Now()
}

// GetActiveAgents returns the full roster as AgentInfo, ordered by
// connectionTime then agentName — the same order clients use for host
// election, so the roster response trivially yields the host.
func (m *Manager) GetActiveAgents(channelID string) []broker.AgentInfo {
	r := m.roster(channelID)
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]broker.AgentInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.ToAgentInfo())
	}
	sortByHostOrder(out)
	return out
}

// GetSystemAgents returns only sessions whose role carries the reserved
// system-agent prefix.
func (m *Manager) GetSystemAgents(channelID string) []broker.AgentInfo {
	r := m.roster(channelID)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []broker.AgentInfo
	for _, s := range r.sessions {
		if len(s.Role) >= len(broker.SystemAgentPrefix) && s.Role[:len(broker.SystemAgentPrefix)] == broker.SystemAgentPrefix {
			out = append(out, s.ToAgentInfo())
		}
	}
	sortByHostOrder(out)
	return out
}

// Host returns the session elected host (earliest connectionTime, ties
// broken by agentName). Every client computes the same answer from the
// roster; the server merely exposes the inputs.
func (m *Manager) Host(channelID string) (broker.AgentInfo, bool) {
	agents := m.GetActiveAgents(channelID)
	if len(agents) == 0 {
		return broker.AgentInfo{}, false
	}
	return agents[0], true
}

// Get returns a session by id, or nil if it is not present in the roster.
func (m *Manager) Get(channelID, sessionID string) *broker.Session {
	r := m.roster(channelID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return r.sessions[sessionID]
}

// ChannelSize reports how many sessions are currently live in a channel.
func (m *Manager) ChannelSize(channelID string) int {
	r := m.roster(channelID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(r.sessions)
}

// DropChannel discards an entire roster, called on channel deletion.
func (m *Manager) DropChannel(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.channels[channelID]; ok {
		for sessionID := range r.sessions {
			delete(m.sessionIndex, sessionID)
		}
	}
	delete(m.channels, channelID)
}

// ReapIdle returns and removes locally-owned sessions that have been idle
// past the configured TTL, gossiping each removal. The caller is responsible
// for appending the corresponding systemEvent DISCONNECT.
func (m *Manager) ReapIdle() []*broker.Session {
	if m.idleTTL <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-m.idleTTL)

	var reaped []*broker.Session
	m.mu.Lock()
	for _, r := range m.channels {
		for sessionID, lastSeen := range r.lastActivity {
			if !r.owned[sessionID] {
				continue
			}
			if lastSeen.Before(cutoff) {
				if s, ok := r.sessions[sessionID]; ok {
					reaped = append(reaped, s)
				}
			}
		}
	}
	m.mu.Unlock()

	for _, s := range reaped {
		m.mu.Lock()
		if r, ok := m.channels[s.ChannelID]; ok {
			delete(r.sessions, s.SessionID)
			delete(r.agentIndex, s.AgentName)
			delete(r.owned, s.SessionID)
			delete(r.lastActivity, s.SessionID)
		}
		delete(m.sessionIndex, s.SessionID)
		m.mu.Unlock()

		if m.gossip != nil {
			delta := RosterDelta{ChannelID: s.ChannelID, SessionID: s.SessionID, Kind: "disconnect", Agent: s.ToAgentInfo()}
			if err := m.gossip.Publish(context.Background(), RosterTopic(s.ChannelID), delta); err != nil && m.logger != nil {
				m.logger.WithError(err).Warn("session: failed to gossip reap delta")
			}
		}
	}
	return reaped
}

func sortByHostOrder(agents []broker.AgentInfo) {
	sort.Slice(agents, func(i, j int) bool {
		if !agents[i].ConnectionTime.Equal(agents[j].ConnectionTime) {
			return agents[i].ConnectionTime.Before(agents[j].ConnectionTime)
		}
		return agents[i].AgentName < agents[j].AgentName
	})
}
