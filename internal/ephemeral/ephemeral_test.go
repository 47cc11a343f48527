package ephemeral

import (
	"testing"
	"time"

	"github.com/HaithamMubarak/messaging-platform-sdk-sub003/internal/broker"
)

func TestReadSinceFiltersByWatermarkAndExpiry(t *testing.T) {
	c := New(50*time.Millisecond, 10)
	c.Put("c1", broker.EventMessage{GlobalOffset: 1, Content: "a"})
	watermark := time.Now()
	time.Sleep(time.Millisecond)
	c.Put("c1", broker.EventMessage{GlobalOffset: 2, Content: "b"})

	events := c.ReadSince("c1", watermark)
	if len(events) != 1 || events[0].Content != "b" {
		t.Fatalf("expected only the event appended after the watermark, got %+v", events)
	}

	time.Sleep(60 * time.Millisecond)
	events = c.ReadSince("c1", time.Time{})
	if len(events) != 0 {
		t.Fatalf("expected expired entries to be filtered out, got %+v", events)
	}
}

func TestReadSinceDoesNotConsumeEntries(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("c1", broker.EventMessage{GlobalOffset: 1})

	first := c.ReadSince("c1", time.Time{})
	second := c.ReadSince("c1", time.Time{})
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected repeated reads with the same watermark to return the same events, got %d then %d", len(first), len(second))
	}
}

func TestPutDropsOldestOnOverflow(t *testing.T) {
	c := New(time.Minute, 2)
	c.Put("c1", broker.EventMessage{GlobalOffset: 1})
	c.Put("c1", broker.EventMessage{GlobalOffset: 2})
	c.Put("c1", broker.EventMessage{GlobalOffset: 3})

	events := c.ReadSince("c1", time.Time{})
	if len(events) != 2 {
		t.Fatalf("expected capacity to cap at 2 events, got %d", len(events))
	}
	if events[0].GlobalOffset != 2 || events[1].GlobalOffset != 3 {
		t.Fatalf("expected the oldest entry to be dropped, got %+v", events)
	}
}

func TestSweepRemovesExpiredChannels(t *testing.T) {
	c := New(10*time.Millisecond, 10)
	c.Put("c1", broker.EventMessage{GlobalOffset: 1})

	time.Sleep(20 * time.Millisecond)
	c.Sweep()

	c.mu.Lock()
	_, ok := c.channels["c1"]
	c.mu.Unlock()
	if ok {
		t.Fatalf("expected sweep to remove the fully-expired channel bucket")
	}
}

func TestDropRemovesChannel(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("c1", broker.EventMessage{GlobalOffset: 1})
	c.Drop("c1")

	if events := c.ReadSince("c1", time.Time{}); len(events) != 0 {
		t.Fatalf("expected dropped channel to have no events, got %+v", events)
	}
}
