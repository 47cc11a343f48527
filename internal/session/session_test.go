package session

import (
	"context"
	"testing"
	"time"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

func TestConnectAssignsMonotonicConnectionTime(t *testing.T) {
	m := New(0, nil, nil)
	ctx := context.Background()

	a, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "alice"})
	if err != nil {
		t.Fatalf("connect alice: %v", err)
	}
	b, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "bob"})
	if err != nil {
		t.Fatalf("connect bob: %v", err)
	}
	if !a.ConnectionTime.Before(b.ConnectionTime) {
		t.Fatalf("expected strictly increasing connectionTime, got %v then %v", a.ConnectionTime, b.ConnectionTime)
	}
}

func TestConnectRejectsDuplicateAgentName(t *testing.T) {
	m := New(0, nil, nil)
	ctx := context.Background()

	if _, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "alice"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "alice"})
	if err == nil {
		t.Fatalf("expected AgentNameConflict for duplicate agent name")
	}
	if broker.KindOf(err) != broker.ErrAgentNameConflict {
		t.Fatalf("expected ErrAgentNameConflict, got %v", broker.KindOf(err))
	}
}

func TestHostElectionPicksEarliestConnectionTime(t *testing.T) {
	m := New(0, nil, nil)
	ctx := context.Background()

	if _, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "bob"}); err != nil {
		t.Fatalf("connect bob: %v", err)
	}
	if _, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "alice"}); err != nil {
		t.Fatalf("connect alice: %v", err)
	}

	host, ok := m.Host("c1")
	if !ok {
		t.Fatalf("expected a host to be elected")
	}
	if host.AgentName != "bob" {
		t.Fatalf("expected bob (earliest connectionTime) as host, got %s", host.AgentName)
	}
}

func TestDisconnectRemovesFromRoster(t *testing.T) {
	m := New(0, nil, nil)
	ctx := context.Background()

	sess, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "alice"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := m.Disconnect(ctx, "c1", sess.SessionID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if m.ChannelSize("c1") != 0 {
		t.Fatalf("expected empty roster after disconnect")
	}
	if _, err := m.Disconnect(ctx, "c1", sess.SessionID); err == nil {
		t.Fatalf("expected SessionNotFound on second disconnect")
	}

	// Freed agent name can reconnect.
	if _, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "alice"}); err != nil {
		t.Fatalf("reconnect after disconnect: %v", err)
	}
}

func TestGetSystemAgentsFiltersByRolePrefix(t *testing.T) {
	m := New(0, nil, nil)
	ctx := context.Background()

	if _, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "alice", Role: "client"}); err != nil {
		t.Fatalf("connect alice: %v", err)
	}
	if _, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "cleaner", Role: broker.SystemAgentPrefix + "cleanup"}); err != nil {
		t.Fatalf("connect cleaner: %v", err)
	}

	sysAgents := m.GetSystemAgents("c1")
	if len(sysAgents) != 1 || sysAgents[0].AgentName != "cleaner" {
		t.Fatalf("expected only the system agent, got %+v", sysAgents)
	}
}

func TestApplyRemoteDeltaMergesAndClearsWithoutOwnership(t *testing.T) {
	m := New(0, nil, nil)

	m.ApplyRemoteDelta(RosterDelta{
		ChannelID: "c1",
		SessionID: "remote-1",
		Kind:      "connect",
		Agent:     broker.AgentInfo{AgentName: "remote-agent", ConnectionTime: time.Now()},
	})
	if m.ChannelSize("c1") != 1 {
		t.Fatalf("expected remote session to be merged into roster")
	}

	m.ApplyRemoteDelta(RosterDelta{ChannelID: "c1", SessionID: "remote-1", Kind: "disconnect"})
	if m.ChannelSize("c1") != 0 {
		t.Fatalf("expected remote disconnect to clear the roster entry")
	}
}

func TestReapIdleRemovesStaleLocalSessions(t *testing.T) {
	m := New(10*time.Millisecond, nil, nil)
	ctx := context.Background()

	if _, err := m.Connect(ctx, ConnectParams{ChannelID: "c1", AgentName: "alice"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	reaped := m.ReapIdle()
	if len(reaped) != 1 || reaped[0].AgentName != "alice" {
		t.Fatalf("expected alice to be reaped, got %+v", reaped)
	}
	if m.ChannelSize("c1") != 0 {
		t.Fatalf("expected roster to be empty after reap")
	}
}
