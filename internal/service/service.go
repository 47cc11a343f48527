// Package service orchestrates the per-channel message pipeline:
// it wires the Channel Registry, Session Manager, Durable Log, Ephemeral
// Cache, Filter Engine and Identity packages into the external operations
// (connect, disconnect, send, receive, list-agents, list-system-agents,
// status, delete-channel). It lives in its own package because each of
// those collaborators imports internal/broker for shared types, and broker
// itself must stay leaf-level to avoid an import cycle.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/config"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/durablelog"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/ephemeral"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/filter"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/identity"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/registry"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/session"
)

// Service is the broker's internal service interface implementation.
// Concrete transports (internal/api) marshal HTTP/WS requests onto these
// methods.
type Service struct {
	registry   *registry.Registry
	sessions   *session.Manager
	durableLog durablelog.Log
	ephemeral  *ephemeral.Cache
	cfg        config.Broker
	iceServers []string
	logger     *logrus.Logger

	gossipMu      sync.Mutex
	gossipCancels map[string]context.CancelFunc
}

// New wires the collaborators into a Service.
func New(reg *registry.Registry, sessions *session.Manager, log durablelog.Log, eph *ephemeral.Cache, cfg config.Broker, iceServers []string, logger *logrus.Logger) *Service {
	return &Service{
		registry:      reg,
		sessions:      sessions,
		durableLog:    log,
		ephemeral:     eph,
		cfg:           cfg,
		iceServers:    iceServers,
		logger:        logger,
		gossipCancels: make(map[string]context.CancelFunc),
	}
}

// ensureGossipListener starts the channel's roster-gossip subscription the
// first time a session of that channel connects through this instance. A
// no-op when gossip is disabled (the listener exits immediately).
func (s *Service) ensureGossipListener(channelID string) {
	s.gossipMu.Lock()
	defer s.gossipMu.Unlock()
	if _, ok := s.gossipCancels[channelID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.gossipCancels[channelID] = cancel
	go func() {
		if err := s.sessions.ListenGossip(ctx, channelID); err != nil && s.logger != nil {
			s.logger.WithError(err).WithField("channel_id", channelID).Warn("roster gossip listener stopped")
		}
	}()
}

func (s *Service) stopGossipListener(channelID string) {
	s.gossipMu.Lock()
	defer s.gossipMu.Unlock()
	if cancel, ok := s.gossipCancels[channelID]; ok {
		cancel()
		delete(s.gossipCancels, channelID)
	}
}

// ChannelOf resolves the channel a live session is attached to. Transports
// use it to label metrics and logs without re-running session lookup.
func (s *Service) ChannelOf(sessionID string) (string, bool) {
	return s.sessions.ChannelOf(sessionID)
}

// disconnectPayload is the opaque content carried by a DISCONNECT envelope;
// EventMessage.Content stays an opaque string at the routing layer, so the
// systemEvent flag rides inside it.
type disconnectPayload struct {
	broker.AgentInfo
	SystemEvent bool `json:"systemEvent"`
}

// Connect implements connect(). The channel is created on the first
// successful connect that resolves a new (devKey, scope, name, password)
// tuple to a channelId that doesn't exist yet.
func (s *Service) Connect(ctx context.Context, req broker.ConnectRequest) (*broker.ConnectResponse, error) {
	channelID, state, err := s.resolveChannelForConnect(ctx, req)
	if err != nil {
		return nil, err
	}
	s.ensureGossipListener(channelID)

	sess, err := s.sessions.Connect(ctx, session.ConnectParams{
		ChannelID:       channelID,
		AgentName:       req.AgentName,
		AgentType:       req.AgentType,
		Descriptor:      req.Descriptor,
		AgentContext:    req.AgentContext,
		IPAddress:       req.IPAddress,
		Role:            req.Role,
		CustomEventType: req.CustomEventType,
		Metadata:        req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	agentInfo := sess.ToAgentInfo()
	content, err := json.Marshal(agentInfo)
	if err != nil {
		return nil, broker.NewError(broker.ErrBadRequest, "encode connect payload: %v", err)
	}
	_, err = s.route(ctx, channelID, broker.EventMessage{
		From:    sess.AgentName,
		To:      broker.BroadcastTo,
		Type:    broker.EventConnect,
		Content: string(content),
	})
	if err != nil {
		return nil, err
	}

	var iceServers []string
	if req.EnableWebrtcRelay {
		iceServers = s.iceServers
	}

	return &broker.ConnectResponse{
		SessionID:  sess.SessionID,
		ChannelID:  channelID,
		Date:       sess.ConnectionTime,
		State:      state.ToDto(),
		IceServers: iceServers,
	}, nil
}

// resolveChannelForConnect derives or looks up the channel a connect()
// request targets, creating it on first use when the request names a
// channel rather than an existing channelId, and rejecting password
// mismatches for already-provisioned channels. A connect by channelId that
// carries no password hash is allowed through to the lookup.
func (s *Service) resolveChannelForConnect(ctx context.Context, req broker.ConnectRequest) (string, *broker.ChannelState, error) {
	if req.ChannelID != "" {
		state, err := s.registry.Lookup(ctx, req.ChannelID)
		if err != nil {
			return "", nil, err
		}
		if state == nil {
			return "", nil, broker.NewError(broker.ErrChannelNotFound, "channel %s not found", req.ChannelID)
		}
		if req.HashedPassword != "" && state.HashedChannelPassword != "" && !identity.ConstantTimeEqual(req.HashedPassword, state.HashedChannelPassword) {
			return "", nil, broker.NewError(broker.ErrUnauthorized, "password hash mismatch for channel %s", req.ChannelID)
		}
		return req.ChannelID, state, nil
	}

	if req.ChannelName == "" {
		return "", nil, broker.NewError(broker.ErrBadRequest, "connect requires either channelId or channelName")
	}

	channelID := identity.DeriveChannelID(req.DevAPIKey, req.APIKeyScope, req.ChannelName, req.HashedPassword)
	state, err := s.registry.Lookup(ctx, channelID)
	if err != nil {
		return "", nil, err
	}
	if state == nil {
		state, err = s.registry.CreateChannel(ctx, channelID, req.DevAPIKey, req.ChannelName, req.HashedPassword, req.APIKeyScope == broker.ScopePublic, nil, s.cfg.ChannelDefaultAge.Milliseconds())
		if err != nil {
			return "", nil, err
		}
		return channelID, state, nil
	}

	if state.HashedChannelPassword != "" && !identity.ConstantTimeEqual(req.HashedPassword, state.HashedChannelPassword) {
		return "", nil, broker.NewError(broker.ErrUnauthorized, "password hash mismatch for channel %s", req.ChannelName)
	}
	return channelID, state, nil
}

// Disconnect implements disconnect(); idempotent. The asyncDisconnect hint
// from the wire is a transport concern: internal/api answers the caller
// before invoking this method, which always runs to completion.
func (s *Service) Disconnect(ctx context.Context, sessionID string) error {
	return s.disconnect(ctx, sessionID, false)
}

func (s *Service) disconnect(ctx context.Context, sessionID string, systemEvent bool) error {
	channelID, ok := s.sessions.ChannelOf(sessionID)
	if !ok {
		return nil // idempotent: unknown session is already "disconnected"
	}

	sess, err := s.sessions.Disconnect(ctx, channelID, sessionID)
	if err != nil {
		if broker.KindOf(err) == broker.ErrSessionNotFound {
			return nil
		}
		return err
	}

	s.finalizeDisconnect(ctx, channelID, sess, systemEvent)
	return nil
}

// finalizeDisconnect appends the DISCONNECT event and, if the channel was
// provisioned as ephemeral and is now empty, tears it down. The session must
// already be removed from the roster by the caller (either Manager.Disconnect
// or Manager.ReapIdle).
func (s *Service) finalizeDisconnect(ctx context.Context, channelID string, sess *broker.Session, systemEvent bool) {
	payload := disconnectPayload{AgentInfo: sess.ToAgentInfo(), SystemEvent: systemEvent}
	content, err := json.Marshal(payload)
	if err != nil {
		if s.logger != nil {
			s.logger.WithError(err).Warn("disconnect: failed to encode DISCONNECT payload")
		}
	} else if _, err := s.route(ctx, channelID, broker.EventMessage{
		From:    sess.AgentName,
		To:      broker.BroadcastTo,
		Type:    broker.EventDisconnect,
		Content: string(content),
	}); err != nil && s.logger != nil {
		s.logger.WithError(err).Warn("disconnect: failed to append DISCONNECT event")
	}

	// Channels provisioned with a zero retention hint are treated as
	// ephemeral: once the last session leaves, the channel is torn down
	// rather than waiting for an external reaper.
	if s.sessions.ChannelSize(channelID) == 0 {
		if state, lookupErr := s.registry.Lookup(ctx, channelID); lookupErr == nil && state != nil && state.AgeMs == 0 {
			if _, delErr := s.registry.Delete(ctx, channelID); delErr != nil && s.logger != nil {
				s.logger.WithError(delErr).Warn("disconnect: failed to delete emptied ephemeral channel")
			}
			s.ephemeral.Drop(channelID)
			s.stopGossipListener(channelID)
		}
	}
}

// Send implements send(). `from` is always server-assigned from the
// session, never taken from the caller-supplied envelope.
func (s *Service) Send(ctx context.Context, sessionID string, msg broker.EventMessage) (broker.ChannelStateDto, error) {
	channelID, ok := s.sessions.ChannelOf(sessionID)
	if !ok {
		return broker.ChannelStateDto{}, broker.NewError(broker.ErrSessionNotFound, broker.SessionNotFoundMessage)
	}
	sess := s.sessions.Get(channelID, sessionID)
	if sess == nil {
		return broker.ChannelStateDto{}, broker.NewError(broker.ErrSessionNotFound, broker.SessionNotFoundMessage)
	}
	if msg.To != "" && msg.Filter != "" {
		return broker.ChannelStateDto{}, broker.NewError(broker.ErrBadRequest, "to and filter are mutually exclusive")
	}

	msg.From = sess.AgentName
	routed, err := s.route(ctx, channelID, msg)
	if err != nil {
		return broker.ChannelStateDto{}, err
	}
	s.sessions.Touch(channelID, sessionID)

	state, err := s.registry.Lookup(ctx, channelID)
	if err != nil {
		return broker.ChannelStateDto{}, err
	}
	dto := state.ToDto()
	dto.GlobalOffset = routed.GlobalOffset
	dto.LocalOffset = routed.LocalOffset
	return dto, nil
}

// route assigns offsets to an envelope and commits it to the durable log or
// the ephemeral cache.
func (s *Service) route(ctx context.Context, channelID string, env broker.EventMessage) (broker.EventMessage, error) {
	global, _, err := s.registry.AllocateOffsets(channelID, env.Ephemeral)
	if err != nil {
		return env, err
	}
	env.GlobalOffset = global
	env.Date = time.Now()

	if env.Ephemeral {
		s.ephemeral.Put(channelID, env)
		return env, nil
	}

	_, localOffset, err := s.durableLog.Append(ctx, channelID, env)
	if err != nil {
		return env, broker.NewError(broker.ErrTransient, "append durable event: %v", err)
	}
	env.LocalOffset = localOffset
	s.registry.ReconcileLocalOffset(channelID, localOffset)
	return env, nil
}

// waitBudget derives the long-poll timeout from a ReceiveConfig's
// pollSource hint.
func (s *Service) waitBudget(pollSource broker.PollSource) time.Duration {
	if pollSource == broker.PollNone {
		return 0
	}
	return s.cfg.LongPollTimeout
}

// Receive assembles one poll: durable range read, ephemeral batch,
// per-session filtering, offset and watermark advancement.
func (s *Service) Receive(ctx context.Context, sessionID string, cfg broker.ReceiveConfig) (*broker.EventMessageResult, error) {
	channelID, ok := s.sessions.ChannelOf(sessionID)
	if !ok {
		return nil, broker.NewError(broker.ErrSessionNotFound, broker.SessionNotFoundMessage)
	}
	sess := s.sessions.Get(channelID, sessionID)
	if sess == nil {
		return nil, broker.NewError(broker.ErrSessionNotFound, broker.SessionNotFoundMessage)
	}

	// 1. Resolve ChannelState.
	state, err := s.registry.Lookup(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, broker.NewError(broker.ErrChannelNotFound, "channel %s not found", channelID)
	}

	// 2. Determine durable read anchor.
	fromGlobal := state.OriginalGlobalOffset
	fromLocal := int64(0)
	if cfg.GlobalOffset != nil {
		fromGlobal = *cfg.GlobalOffset
	}
	if cfg.LocalOffset != nil {
		fromLocal = *cfg.LocalOffset
	}

	limit := cfg.Limit
	if limit < 0 {
		limit = s.cfg.DefaultReceiveLimit
	}
	if limit > s.cfg.MaxReceiveLimit {
		limit = s.cfg.MaxReceiveLimit
	}
	wait := s.waitBudget(cfg.PollSource)

	readCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	// 3. Durable batch. An explicit limit of zero skips the durable read
	// entirely (no long-poll wait) but still runs the ephemeral half below,
	// so the watermark advances past now.
	var durableBatch []broker.EventMessage
	if limit > 0 {
		durableBatch, err = s.durableLog.ReadRange(readCtx, channelID, fromGlobal, fromLocal, limit, wait)
		if err != nil {
			return nil, broker.NewError(broker.ErrTransient, "read durable range: %v", err)
		}
	}

	// 4. Ephemeral batch.
	ephemeralBatch := s.ephemeral.ReadSince(channelID, sess.LastEphemeralReadTime)

	// 5. Filter.
	agentInfo := sess.ToAgentInfo()
	filteredDurable := make([]broker.EventMessage, 0, len(durableBatch))
	for _, e := range durableBatch {
		if s.shouldDeliver(e, sess.AgentName, sess.CustomEventType, agentInfo) {
			filteredDurable = append(filteredDurable, e)
		}
	}
	filteredEphemeral := make([]broker.EventMessage, 0, len(ephemeralBatch))
	for _, e := range ephemeralBatch {
		if s.shouldDeliver(e, sess.AgentName, sess.CustomEventType, agentInfo) {
			filteredEphemeral = append(filteredEphemeral, e)
		}
	}

	// 6. Advance offsets from the unfiltered durable batch.
	nextGlobal, nextLocal := fromGlobal, fromLocal
	for _, e := range durableBatch {
		if e.GlobalOffset > nextGlobal {
			nextGlobal = e.GlobalOffset
		}
		if e.LocalOffset > nextLocal {
			nextLocal = e.LocalOffset
		}
	}

	// 7. Advance watermarks (serialized per session inside the Session
	// Manager).
	ephemeralWatermark := sess.LastEphemeralReadTime
	for _, e := range ephemeralBatch {
		if e.Date.After(ephemeralWatermark) {
			ephemeralWatermark = e.Date
		}
	}
	s.sessions.UpdateWatermarks(channelID, sessionID, time.Now(), ephemeralWatermark)

	// 8. Assemble the result.
	return &broker.EventMessageResult{
		Events:           filteredDurable,
		EphemeralEvents:  filteredEphemeral,
		NextGlobalOffset: nextGlobal,
		NextLocalOffset:  nextLocal,
	}, nil
}

// shouldDeliver is the per-event routing decision for one session.
func (s *Service) shouldDeliver(e broker.EventMessage, selfAgentName, selfCustomEventType string, info broker.AgentInfo) bool {
	addressed := e.To == info.AgentName || e.To == broker.BroadcastTo
	matched := addressed
	if !matched && e.Filter != "" {
		if ok, err := filter.Eval(e.Filter, filter.Lookup(info)); err == nil && ok {
			matched = true
		}
	}

	isSender := e.From == selfAgentName
	if isSender {
		isAlwaysEchoed := e.Type == broker.EventConnect || e.Type == broker.EventDisconnect
		isSelfTargeted := e.To == selfAgentName
		if !isAlwaysEchoed && !isSelfTargeted {
			return false
		}
	} else if !matched {
		return false
	}

	if e.Type == broker.EventCustom && selfCustomEventType != "" && e.CustomType != selfCustomEventType {
		return false
	}
	return true
}

// ListAgents returns the channel roster visible to the session.
func (s *Service) ListAgents(ctx context.Context, sessionID string) ([]broker.AgentInfo, error) {
	channelID, ok := s.sessions.ChannelOf(sessionID)
	if !ok {
		return nil, broker.NewError(broker.ErrSessionNotFound, broker.SessionNotFoundMessage)
	}
	return s.sessions.GetActiveAgents(channelID), nil
}

// ListSystemAgents returns only sessions whose role carries the reserved
// system prefix.
func (s *Service) ListSystemAgents(ctx context.Context, sessionID string) ([]broker.AgentInfo, error) {
	channelID, ok := s.sessions.ChannelOf(sessionID)
	if !ok {
		return nil, broker.NewError(broker.ErrSessionNotFound, broker.SessionNotFoundMessage)
	}
	return s.sessions.GetSystemAgents(channelID), nil
}

// StatusResult is returned from status().
type StatusResult struct {
	Session    broker.AgentInfo       `json:"session"`
	Channel    broker.ChannelStateDto `json:"channel"`
	Host       broker.AgentInfo       `json:"host"`
	RosterSize int                    `json:"rosterSize"`
}

// Status reports session and channel health in one round trip.
func (s *Service) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	channelID, ok := s.sessions.ChannelOf(sessionID)
	if !ok {
		return nil, broker.NewError(broker.ErrSessionNotFound, broker.SessionNotFoundMessage)
	}
	sess := s.sessions.Get(channelID, sessionID)
	if sess == nil {
		return nil, broker.NewError(broker.ErrSessionNotFound, broker.SessionNotFoundMessage)
	}
	state, err := s.registry.Lookup(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, broker.NewError(broker.ErrChannelNotFound, "channel %s not found", channelID)
	}
	host, _ := s.sessions.Host(channelID)
	return &StatusResult{
		Session:    sess.ToAgentInfo(),
		Channel:    state.ToDto(),
		Host:       host,
		RosterSize: s.sessions.ChannelSize(channelID),
	}, nil
}

// DeleteChannel tears a channel down, authorized by devApiKey
// ownership.
func (s *Service) DeleteChannel(ctx context.Context, channelID, devAPIKey string) (bool, error) {
	state, err := s.registry.Lookup(ctx, channelID)
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}
	if state.DevKeyID != "" && state.DevKeyID != devAPIKey {
		return false, broker.NewError(broker.ErrUnauthorized, "devApiKey does not own channel %s", channelID)
	}

	ok, err := s.registry.Delete(ctx, channelID)
	if err != nil {
		return false, err
	}
	s.sessions.DropChannel(channelID)
	s.ephemeral.Drop(channelID)
	s.stopGossipListener(channelID)
	return ok, nil
}

// PeekChannelOffsets exposes the registry's (cacheCounter, dbOffset,
// logLastOffset) self-check for the admin probe, authorized like
// delete-channel by devApiKey ownership.
func (s *Service) PeekChannelOffsets(ctx context.Context, channelID, devAPIKey string) (broker.ChannelOffsetInfo, error) {
	state, err := s.registry.Lookup(ctx, channelID)
	if err != nil {
		return broker.ChannelOffsetInfo{}, err
	}
	if state == nil {
		return broker.ChannelOffsetInfo{}, broker.NewError(broker.ErrChannelNotFound, "channel %s not found", channelID)
	}
	if state.DevKeyID != "" && state.DevKeyID != devAPIKey {
		return broker.ChannelOffsetInfo{}, broker.NewError(broker.ErrUnauthorized, "devApiKey does not own channel %s", channelID)
	}
	return s.registry.PeekChannelOffsets(channelID)
}

// ReapIdleSessions sweeps and disconnects sessions idle past
// SESSION_IDLE_TTL_MS, appending a systemEvent=true DISCONNECT for each.
// Intended to run on a ticker from cmd/broker.
func (s *Service) ReapIdleSessions(ctx context.Context) {
	for _, sess := range s.sessions.ReapIdle() {
		s.finalizeDisconnect(ctx, sess.ChannelID, sess, true)
	}
}
