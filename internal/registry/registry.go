// Package registry implements the Channel Registry: channel
// create/lookup/delete, an in-memory ChannelState cache backed by a durable
// store, and the per-channel offset allocator.
//
// The cache is a singleflight-guarded read-through map. Entries never
// expire on their own (a live channel must stay cached for its whole
// lifetime) and are invalidated explicitly on delete.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/durablelog"
	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/store"
)

// entry wraps a ChannelState with the atomic offset counters the allocator
// mutates on the hot path, and a mutex guarding the non-atomic fields
// (AllowedAgentNames, etc.) that change far less often.
type entry struct {
	mu    sync.RWMutex
	state broker.ChannelState

	global atomic.Int64
	local  atomic.Int64
}

// Registry owns the cache and its write-through store.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	durableLog durablelog.Log
	store      store.ChannelStore
	sf         singleflight.Group
}

// New constructs a Registry backed by the given durable log and store.
func New(log durablelog.Log, s store.ChannelStore) *Registry {
	return &Registry{
		entries:    make(map[string]*entry),
		durableLog: log,
		store:      s,
	}
}

// CreateChannel provisions a channel. Idempotent by channelId: creating a
// channelId that already exists returns the existing state rather than
// erroring.
func (r *Registry) CreateChannel(ctx context.Context, channelID, devKeyID, channelName, hashedPassword string, publicChannel bool, allowed []string, ageMs int64) (*broker.ChannelState, error) {
	if e := r.peek(channelID); e != nil {
		return e.snapshot(), nil
	}

	topic := ChannelTopic(channelID)
	if err := r.durableLog.EnsureChannel(ctx, channelID, topic); err != nil {
		return nil, broker.NewError(broker.ErrTransient, "provision durable log: %v", err)
	}

	state := broker.ChannelState{
		ChannelID:             channelID,
		ChannelName:           channelName,
		HashedChannelPassword: hashedPassword,
		DevKeyID:              devKeyID,
		TopicName:             topic,
		PublicChannel:         publicChannel,
		AllowedAgentNames:     allowed,
		AgeMs:                 ageMs,
		CreatedAt:             time.Now(),
	}

	if r.store != nil {
		if err := r.store.Save(ctx, &state); err != nil {
			return nil, broker.NewError(broker.ErrTransient, "persist channel: %v", err)
		}
	}

	e := &entry{state: state}
	r.mu.Lock()
	if existing, ok := r.entries[channelID]; ok {
		r.mu.Unlock()
		return existing.snapshot(), nil
	}
	r.entries[channelID] = e
	r.mu.Unlock()

	return e.snapshot(), nil
}

// Lookup is the O(1) hot path: an in-memory hit, or a single-flighted load
// from the store on miss.
func (r *Registry) Lookup(ctx context.Context, channelID string) (*broker.ChannelState, error) {
	if e := r.peek(channelID); e != nil {
		return e.snapshot(), nil
	}
	if r.store == nil {
		return nil, nil
	}

	v, err, _ := r.sf.Do(channelID, func() (interface{}, error) {
		loaded, err := r.store.Load(ctx, channelID)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			return nil, nil
		}
		if err := r.durableLog.EnsureChannel(ctx, channelID, loaded.TopicName); err != nil {
			return nil, err
		}
		e := &entry{state: *loaded}
		e.global.Store(loaded.OriginalGlobalOffset)
		e.local.Store(loaded.OriginalLocalOffset)

		r.mu.Lock()
		if existing, ok := r.entries[channelID]; ok {
			r.mu.Unlock()
			return existing, nil
		}
		r.entries[channelID] = e
		r.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, broker.NewError(broker.ErrTransient, "load channel: %v", err)
	}
	if v == nil {
		return nil, nil
	}
	return v.(*entry).snapshot(), nil
}

// Delete tears down a channel: durable log, store row, cache entry, and (via
// the caller) its sessions. Idempotent: deleting a channelId that is not
// present returns false without error.
func (r *Registry) Delete(ctx context.Context, channelID string) (bool, error) {
	r.mu.Lock()
	_, existed := r.entries[channelID]
	delete(r.entries, channelID)
	r.mu.Unlock()

	if !existed {
		// Still attempt cleanup in case the entry was evicted from cache by
		// a restart but the row/topic survive in the durable backends.
		if r.store != nil {
			if loaded, _ := r.store.Load(ctx, channelID); loaded == nil {
				return false, nil
			}
		} else {
			return false, nil
		}
	}

	if err := r.durableLog.TruncateOrDelete(ctx, channelID); err != nil {
		return false, broker.NewError(broker.ErrTransient, "delete durable log: %v", err)
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, channelID); err != nil {
			return false, broker.NewError(broker.ErrTransient, "delete channel row: %v", err)
		}
	}
	return true, nil
}

// AllocateOffsets assigns the next globalOffset for a send. The returned
// local value is always 0: for durable sends the log assigns localOffset on
// append, and ephemeral sends never carry one (their globalOffset only sorts
// them alongside durable events on the client).
func (r *Registry) AllocateOffsets(channelID string, isEphemeral bool) (int64, int64, error) {
	e := r.peek(channelID)
	if e == nil {
		return 0, 0, broker.NewError(broker.ErrChannelNotFound, "channel %s not found", channelID)
	}
	global := e.global.Add(1)
	// Local is assigned by the durable log on append and reconciled back via
	// ReconcileLocalOffset; ephemeral sends never carry one. Either way there
	// is nothing to allocate here beyond the global counter.
	return global, 0, nil
}

// ReconcileLocalOffset updates the cached localOffset after a durable append
// returns the value the log actually assigned.
func (r *Registry) ReconcileLocalOffset(channelID string, localOffset int64) {
	e := r.peek(channelID)
	if e == nil {
		return
	}
	for {
		cur := e.local.Load()
		if localOffset <= cur {
			return
		}
		if e.local.CompareAndSwap(cur, localOffset) {
			return
		}
	}
}

// PeekChannelOffsets returns the admin self-check triple. If the
// cache's local counter has fallen behind the durable log's last known
// offset, the cached counter is re-seeded from the log.
func (r *Registry) PeekChannelOffsets(channelID string) (broker.ChannelOffsetInfo, error) {
	e := r.peek(channelID)
	if e == nil {
		return broker.ChannelOffsetInfo{}, broker.NewError(broker.ErrChannelNotFound, "channel %s not found", channelID)
	}
	logLast := r.durableLog.LastOffset(channelID)
	cacheLocal := e.local.Load()
	if cacheLocal < logLast {
		e.local.Store(logLast)
		cacheLocal = logLast
	}
	return broker.ChannelOffsetInfo{
		CacheLocalCounter: cacheLocal,
		DBLocalOffset:     e.state.OriginalLocalOffset,
		DBGlobalOffset:    e.state.OriginalGlobalOffset,
		LogLastOffset:     logLast,
	}, nil
}

func (r *Registry) peek(channelID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[channelID]
}

func (e *entry) snapshot() *broker.ChannelState {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	state.GlobalOffset = e.global.Load()
	state.LocalOffset = e.local.Load()
	return &state
}

// ChannelTopic returns the durable log topic name for a channelId, used by
// CreateChannel to name a new channel's topic.
func ChannelTopic(channelID string) string {
	return fmt.Sprintf("channel-%s", channelID)
}
