// Package ephemeral implements the Ephemeral Cache: a bounded,
// per-channel ring of non-durable events (WEBRTC_SIGNALING and PASSWORD_*
// by default, or any event sent with the ephemeral flag) that never reach
// the Durable Log. Entries expire on a TTL sweep and overflow
// drops the oldest entry first, trading loss for bounded memory.
package ephemeral

import (
	"sync"
	"time"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

// Cache holds one bounded slice of events per channel.
type Cache struct {
	mu       sync.Mutex
	channels map[string][]entry

	ttl      time.Duration
	capacity int
}

type entry struct {
	event      broker.EventMessage
	appendedAt time.Time
	expireAt   time.Time
}

// New constructs an Ephemeral Cache. capacity bounds the number of events
// retained per channel; ttl bounds how long an event survives regardless of
// capacity pressure.
func New(ttl time.Duration, capacity int) *Cache {
	return &Cache{
		channels: make(map[string][]entry),
		ttl:      ttl,
		capacity: capacity,
	}
}

// Put appends an ephemeral event to a channel's ring with a server
// timestamp, dropping the oldest entry if the channel is at capacity. The
// stored event's Date is set to that same append timestamp, so a reader can
// use the Dates it received as its ReadSince watermark.
func (c *Cache) Put(channelID string, event broker.EventMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	event.Date = now
	bucket := c.channels[channelID]
	bucket = append(bucket, entry{event: event, appendedAt: now, expireAt: now.Add(c.ttl)})
	if over := len(bucket) - c.capacity; over > 0 {
		bucket = bucket[over:]
	}
	c.channels[channelID] = bucket
}

// ReadSince returns ephemeral events appended strictly after lastReadTime,
// oldest first. Expired entries are skipped but not evicted here;
// eviction happens on the next Sweep. Reading does not consume entries —
// at-most-once delivery is the caller's per-session watermark discipline.
func (c *Cache) ReadSince(channelID string, lastReadTime time.Time) []broker.EventMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.channels[channelID]
	now := time.Now()
	var out []broker.EventMessage
	for _, e := range bucket {
		if e.expireAt.Before(now) {
			continue
		}
		if e.appendedAt.After(lastReadTime) {
			out = append(out, e.event)
		}
	}
	return out
}

// Sweep removes expired entries across all channels. Intended to run
// periodically from a background goroutine (see cmd/broker).
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for channelID, bucket := range c.channels {
		live := bucket[:0:0]
		for _, e := range bucket {
			if e.expireAt.After(now) {
				live = append(live, e)
			}
		}
		if len(live) == 0 {
			delete(c.channels, channelID)
		} else {
			c.channels[channelID] = live
		}
	}
}

// Drop removes a channel's ephemeral ring entirely, called on channel delete.
func (c *Cache) Drop(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, channelID)
}
