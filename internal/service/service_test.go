package service

import (
	"context"
	"testing"
	"time"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/config"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/durablelog"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/ephemeral"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/registry"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/session"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/store"
)

// newTestServiceSharedLog builds a Service whose registry and durable log
// share the same underlying MemLog, matching production wiring where
// the registry's EnsureChannel call and the pipeline's Append/ReadRange
// address the same backing store.
func newTestServiceSharedLog() *Service {
	log := durablelog.NewMemLog()
	reg := registry.New(log, store.NewMemStore())
	sessions := session.New(0, nil, nil)
	eph := ephemeral.New(time.Minute, 100)
	cfg := config.Broker{
		DefaultReceiveLimit: 50,
		MaxReceiveLimit:     500,
		LongPollTimeout:     200 * time.Millisecond,
		EphemeralTTL:        time.Minute,
		ChannelDefaultAge:   86400000 * time.Millisecond,
	}
	return New(reg, sessions, log, eph, cfg, nil, nil)
}

func TestConnectCreatesChannelOnFirstUse(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	resp, err := s.Connect(ctx, broker.ConnectRequest{
		DevAPIKey:   "dev1",
		APIKeyScope: broker.ScopePublic,
		ChannelName: "room",
		AgentName:   "alice",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if resp.SessionID == "" || resp.ChannelID == "" {
		t.Fatalf("expected a populated connect response, got %+v", resp)
	}
}

func TestConnectRejectsAgentNameConflict(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()
	req := broker.ConnectRequest{DevAPIKey: "dev1", APIKeyScope: broker.ScopePublic, ChannelName: "room", AgentName: "alice"}

	if _, err := s.Connect(ctx, req); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	_, err := s.Connect(ctx, req)
	if broker.KindOf(err) != broker.ErrAgentNameConflict {
		t.Fatalf("expected AgentNameConflict, got %v", err)
	}
}

func TestConnectRejectsPasswordMismatch(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	first, err := s.Connect(ctx, broker.ConnectRequest{
		DevAPIKey: "dev1", APIKeyScope: broker.ScopePublic, ChannelName: "room",
		HashedPassword: "hash-a", AgentName: "alice",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// A by-name channelId includes the hash, so a different hash by name
	// derives a different channel; the mismatch shows when joining the
	// existing channel by its id.
	_, err = s.Connect(ctx, broker.ConnectRequest{
		ChannelID: first.ChannelID, HashedPassword: "hash-b", AgentName: "bob",
	})
	if broker.KindOf(err) != broker.ErrUnauthorized {
		t.Fatalf("expected Unauthorized for mismatched hash, got %v", err)
	}
}

func TestSendThenReceiveDeliversBroadcast(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	alice, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "alice"})
	if err != nil {
		t.Fatalf("connect alice: %v", err)
	}
	bob, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "bob"})
	if err != nil {
		t.Fatalf("connect bob: %v", err)
	}

	if _, err := s.Send(ctx, alice.SessionID, broker.EventMessage{To: broker.BroadcastTo, Type: broker.EventChatText, Content: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	result, err := s.Receive(ctx, bob.SessionID, broker.ReceiveConfig{
		GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: 10, PollSource: broker.PollNone,
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	found := false
	for _, e := range result.Events {
		if e.Content == "hello" && e.From == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected bob to receive alice's broadcast, got %+v", result.Events)
	}
}

func TestReceiveSuppressesOwnBroadcastEcho(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	alice, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "alice"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := s.Send(ctx, alice.SessionID, broker.EventMessage{To: broker.BroadcastTo, Type: broker.EventChatText, Content: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	result, err := s.Receive(ctx, alice.SessionID, broker.ReceiveConfig{
		GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: 10, PollSource: broker.PollNone,
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	for _, e := range result.Events {
		if e.Content == "hi" {
			t.Fatalf("expected sender's own chat broadcast to be suppressed, got %+v", result.Events)
		}
	}
}

func TestReceiveAlwaysEchoesOwnConnectEvent(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	alice, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "alice"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	result, err := s.Receive(ctx, alice.SessionID, broker.ReceiveConfig{
		GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: 10, PollSource: broker.PollNone,
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	found := false
	for _, e := range result.Events {
		if e.Type == broker.EventConnect && e.From == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected alice to see her own CONNECT event, got %+v", result.Events)
	}
}

func TestReceiveTwiceWithoutNewEphemeralsReturnsEmptySecondBatch(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	alice, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "alice"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	bob, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "bob"})
	if err != nil {
		t.Fatalf("connect bob: %v", err)
	}
	if _, err := s.Send(ctx, alice.SessionID, broker.EventMessage{To: broker.BroadcastTo, Type: broker.EventUDPData, Content: "ping", Ephemeral: true}); err != nil {
		t.Fatalf("send ephemeral: %v", err)
	}

	cfg := broker.ReceiveConfig{GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: 10, PollSource: broker.PollNone}
	first, err := s.Receive(ctx, bob.SessionID, cfg)
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if len(first.EphemeralEvents) != 1 {
		t.Fatalf("expected one ephemeral event on first receive, got %d", len(first.EphemeralEvents))
	}

	second, err := s.Receive(ctx, bob.SessionID, cfg)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if len(second.EphemeralEvents) != 0 {
		t.Fatalf("expected no ephemeral events on second receive, got %d", len(second.EphemeralEvents))
	}
}

func TestChannelIsolation(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	a1, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room-a", AgentName: "alice"})
	if err != nil {
		t.Fatalf("connect a1: %v", err)
	}
	b1, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room-b", AgentName: "bob"})
	if err != nil {
		t.Fatalf("connect b1: %v", err)
	}
	if _, err := s.Send(ctx, a1.SessionID, broker.EventMessage{To: broker.BroadcastTo, Type: broker.EventChatText, Content: "secret"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	result, err := s.Receive(ctx, b1.SessionID, broker.ReceiveConfig{GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: 10, PollSource: broker.PollNone})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	for _, e := range result.Events {
		if e.Content == "secret" {
			t.Fatalf("expected channel isolation, but room-b session saw room-a's event")
		}
	}
}

func TestFilterRoutingMatchesStandaloneEvaluation(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	alice, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "alice", Role: "client", Metadata: map[string]string{"tier": "premium"}})
	if err != nil {
		t.Fatalf("connect alice: %v", err)
	}
	bob, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "bob", Role: "client", Metadata: map[string]string{"tier": "free"}})
	if err != nil {
		t.Fatalf("connect bob: %v", err)
	}
	carol, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "carol", Role: "client", Metadata: map[string]string{"tier": "premium"}})
	if err != nil {
		t.Fatalf("connect carol: %v", err)
	}

	if _, err := s.Send(ctx, alice.SessionID, broker.EventMessage{Filter: "tier=premium", Type: broker.EventChatText, Content: "vip-only"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	cfg := broker.ReceiveConfig{GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: 10, PollSource: broker.PollNone}

	bobResult, err := s.Receive(ctx, bob.SessionID, cfg)
	if err != nil {
		t.Fatalf("bob receive: %v", err)
	}
	for _, e := range bobResult.Events {
		if e.Content == "vip-only" {
			t.Fatalf("expected bob (tier=free) to be excluded by the filter")
		}
	}

	carolResult, err := s.Receive(ctx, carol.SessionID, cfg)
	if err != nil {
		t.Fatalf("carol receive: %v", err)
	}
	found := false
	for _, e := range carolResult.Events {
		if e.Content == "vip-only" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected carol (tier=premium) to match the filter")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	alice, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "alice"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Disconnect(ctx, alice.SessionID); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := s.Disconnect(ctx, alice.SessionID); err != nil {
		t.Fatalf("second disconnect should be a no-op, got: %v", err)
	}
}

func TestDeleteChannelRejectsWrongDevKey(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	resp, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "alice"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err = s.DeleteChannel(ctx, resp.ChannelID, "dev2")
	if broker.KindOf(err) != broker.ErrUnauthorized {
		t.Fatalf("expected Unauthorized for wrong devApiKey, got %v", err)
	}

	ok, err := s.DeleteChannel(ctx, resp.ChannelID, "dev1")
	if err != nil || !ok {
		t.Fatalf("expected delete with correct devApiKey to succeed, got ok=%v err=%v", ok, err)
	}
}

func ptr(v int64) *int64 { return &v }

func TestTargetedMessageSkipsThirdParty(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	alice, _ := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "alice"})
	bob, _ := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "bob"})
	carol, _ := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "carol"})

	if _, err := s.Send(ctx, alice.SessionID, broker.EventMessage{To: "bob", Type: broker.EventChatText, Content: "secret"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	cfg := broker.ReceiveConfig{GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: 10, PollSource: broker.PollNone}
	bobResult, err := s.Receive(ctx, bob.SessionID, cfg)
	if err != nil {
		t.Fatalf("receive bob: %v", err)
	}
	carolResult, err := s.Receive(ctx, carol.SessionID, cfg)
	if err != nil {
		t.Fatalf("receive carol: %v", err)
	}

	contains := func(events []broker.EventMessage) bool {
		for _, e := range events {
			if e.Content == "secret" {
				return true
			}
		}
		return false
	}
	if !contains(bobResult.Events) {
		t.Fatalf("expected bob to receive the targeted message, got %+v", bobResult.Events)
	}
	if contains(carolResult.Events) {
		t.Fatalf("carol must not receive a message targeted at bob, got %+v", carolResult.Events)
	}
}

func TestReceiveWithZeroLimitStillAdvancesEphemeralWatermark(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	alice, _ := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "alice"})
	bob, _ := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "bob"})

	if _, err := s.Send(ctx, alice.SessionID, broker.EventMessage{
		To: "bob", Type: broker.EventWebRTCSignaling, Content: "<sdp>", Ephemeral: true,
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	zero := broker.ReceiveConfig{GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: 0, PollSource: broker.PollNone}
	result, err := s.Receive(ctx, bob.SessionID, zero)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(result.Events) != 0 {
		t.Fatalf("limit=0 must return no durable events, got %+v", result.Events)
	}
	if len(result.EphemeralEvents) != 1 {
		t.Fatalf("expected the ephemeral event on the zero-limit call, got %+v", result.EphemeralEvents)
	}

	// The watermark advanced, so a full receive sees no ephemerals.
	full := broker.ReceiveConfig{GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: 10, PollSource: broker.PollNone}
	again, err := s.Receive(ctx, bob.SessionID, full)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if len(again.EphemeralEvents) != 0 {
		t.Fatalf("watermark should have advanced past the ephemeral, got %+v", again.EphemeralEvents)
	}
}

func TestPasswordExchangeRouting(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	bob, err := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", HashedPassword: "H", AgentName: "bob"})
	if err != nil {
		t.Fatalf("connect bob: %v", err)
	}

	// Newcomer joins by channelId only, holding no channel secret.
	newcomer, err := s.Connect(ctx, broker.ConnectRequest{ChannelID: bob.ChannelID, AgentName: "n"})
	if err != nil {
		t.Fatalf("connect by channelId: %v", err)
	}

	if _, err := s.Send(ctx, newcomer.SessionID, broker.EventMessage{
		To: broker.BroadcastTo, Type: broker.EventPasswordRequest, Content: "pubkey-pem",
	}); err != nil {
		t.Fatalf("send password request: %v", err)
	}

	cfg := broker.ReceiveConfig{GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: 20, PollSource: broker.PollNone}
	bobResult, err := s.Receive(ctx, bob.SessionID, cfg)
	if err != nil {
		t.Fatalf("receive bob: %v", err)
	}
	gotRequest := false
	for _, e := range bobResult.Events {
		if e.Type == broker.EventPasswordRequest && e.From == "n" && e.Content == "pubkey-pem" {
			gotRequest = true
		}
	}
	if !gotRequest {
		t.Fatalf("expected bob to see the password request, got %+v", bobResult.Events)
	}

	// Bob replies with ciphertext the server must pass through untouched.
	if _, err := s.Send(ctx, bob.SessionID, broker.EventMessage{
		To: "n", Type: broker.EventPasswordReply, Ephemeral: true, Content: "rsa-ciphertext",
	}); err != nil {
		t.Fatalf("send password reply: %v", err)
	}

	nResult, err := s.Receive(ctx, newcomer.SessionID, cfg)
	if err != nil {
		t.Fatalf("receive newcomer: %v", err)
	}
	gotReply := false
	for _, e := range nResult.EphemeralEvents {
		if e.Type == broker.EventPasswordReply && e.Content == "rsa-ciphertext" {
			gotReply = true
		}
	}
	if !gotReply {
		t.Fatalf("expected the ephemeral password reply, got %+v", nResult.EphemeralEvents)
	}
}

func TestReceiveNegativeLimitUsesConfiguredDefault(t *testing.T) {
	s := newTestServiceSharedLog()
	ctx := context.Background()

	alice, _ := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "alice"})
	bob, _ := s.Connect(ctx, broker.ConnectRequest{DevAPIKey: "dev1", ChannelName: "room", AgentName: "bob"})
	if _, err := s.Send(ctx, alice.SessionID, broker.EventMessage{To: broker.BroadcastTo, Type: broker.EventChatText, Content: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	result, err := s.Receive(ctx, bob.SessionID, broker.ReceiveConfig{
		GlobalOffset: ptr(int64(0)), LocalOffset: ptr(int64(0)), Limit: -1, PollSource: broker.PollNone,
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(result.Events) == 0 {
		t.Fatal("default limit should return the pending events")
	}
}
