package registry

import (
	"context"
	"testing"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/durablelog"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/store"
)

func newTestRegistry() *Registry {
	return New(durablelog.NewMemLog(), store.NewMemStore())
}

func TestCreateChannelIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	first, err := r.CreateChannel(ctx, "c1", "dev1", "room", "hash", true, nil, 86400000)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := r.CreateChannel(ctx, "c1", "dev1", "room", "hash", true, nil, 86400000)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if first.ChannelID != second.ChannelID || first.CreatedAt != second.CreatedAt {
		t.Fatalf("expected idempotent create to return the same state")
	}
}

func TestLookupHitsCacheThenStore(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if _, err := r.CreateChannel(ctx, "c1", "dev1", "room", "hash", false, nil, 1000); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Evict from cache, forcing the next lookup to hit the durable store.
	r.mu.Lock()
	delete(r.entries, "c1")
	r.mu.Unlock()

	state, err := r.Lookup(ctx, "c1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if state == nil || state.ChannelID != "c1" {
		t.Fatalf("expected lookup to recover state from store, got %+v", state)
	}
}

func TestAllocateOffsetsStrictlyIncreasing(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if _, err := r.CreateChannel(ctx, "c1", "dev1", "room", "hash", false, nil, 1000); err != nil {
		t.Fatalf("create: %v", err)
	}

	g1, _, err := r.AllocateOffsets("c1", false)
	if err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	g2, _, err := r.AllocateOffsets("c1", false)
	if err != nil {
		t.Fatalf("allocate 2: %v", err)
	}
	if !(g1 < g2) {
		t.Fatalf("expected strictly increasing global offsets, got %d then %d", g1, g2)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if _, err := r.CreateChannel(ctx, "c1", "dev1", "room", "hash", false, nil, 1000); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := r.Delete(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("expected first delete to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = r.Delete(ctx, "c1")
	if err != nil || ok {
		t.Fatalf("expected second delete to be a no-op, got ok=%v err=%v", ok, err)
	}
}

func TestPeekChannelOffsetsReseedsFromLog(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if _, err := r.CreateChannel(ctx, "c1", "dev1", "room", "hash", false, nil, 1000); err != nil {
		t.Fatalf("create: %v", err)
	}

	info, err := r.PeekChannelOffsets("c1")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if info.CacheLocalCounter != 0 || info.LogLastOffset != 0 {
		t.Fatalf("expected fresh channel to have zeroed offsets, got %+v", info)
	}

	// Append straight to the log, leaving the registry's counter behind.
	if _, _, err := r.durableLog.Append(ctx, "c1", broker.EventMessage{GlobalOffset: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	info, err = r.PeekChannelOffsets("c1")
	if err != nil {
		t.Fatalf("peek after append: %v", err)
	}
	if info.CacheLocalCounter != 1 || info.LogLastOffset != 1 {
		t.Fatalf("expected cache counter re-seeded to the log's offset 1, got %+v", info)
	}
}
