package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/model"
)

func cachedEvent(eventType model.EventType, ip string, ts time.Time) model.SecurityEvent {
	return model.SecurityEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Severity:  model.SeverityLow,
		IPAddress: ip,
		Timestamp: ts,
	}
}

func TestRecentFiltersToWindow(t *testing.T) {
	base := time.Now()
	var offset time.Duration
	c := NewRecentCache(16, 24*time.Hour)
	c.now = func() time.Time { return base.Add(offset) }

	c.Add(cachedEvent(model.EventFailedLogin, "10.0.0.1", base.Add(-2*time.Hour)))
	c.Add(cachedEvent(model.EventFailedLogin, "10.0.0.1", base.Add(-30*time.Minute)))
	c.Add(cachedEvent(model.EventFailedLogin, "10.0.0.1", base.Add(-5*time.Minute)))

	got := c.Recent(model.EventFailedLogin, "10.0.0.1", time.Hour)
	if len(got) != 2 {
		t.Fatalf("recent = %d events, want 2", len(got))
	}
	if got[0].Timestamp.After(got[1].Timestamp) {
		t.Fatalf("recent events not oldest first")
	}
	if n := c.RecentCount(model.EventFailedLogin, "10.0.0.1", time.Hour); n != 2 {
		t.Fatalf("recent count = %d, want 2", n)
	}
	if n := c.RecentCount(model.EventFailedLogin, "10.0.0.1", 3*time.Hour); n != 3 {
		t.Fatalf("wider window count = %d, want 3", n)
	}
}

func TestRecentKeysDoNotMix(t *testing.T) {
	c := NewRecentCache(16, 24*time.Hour)
	now := time.Now()
	c.Add(cachedEvent(model.EventFailedLogin, "10.0.0.1", now))
	c.Add(cachedEvent(model.EventFailedLogin, "10.0.0.2", now))
	c.Add(cachedEvent(model.EventAPIAbuse, "10.0.0.1", now))

	if n := c.RecentCount(model.EventFailedLogin, "10.0.0.1", time.Hour); n != 1 {
		t.Fatalf("count = %d, want 1; other keys leaked in", n)
	}
	if got := c.Recent(model.EventAPIAbuse, "10.0.0.2", time.Hour); len(got) != 0 {
		t.Fatalf("unknown key returned %d events", len(got))
	}
}

func TestSweepEvictsExpiredEvents(t *testing.T) {
	base := time.Now()
	var offset time.Duration
	c := NewRecentCache(16, time.Hour)
	c.now = func() time.Time { return base.Add(offset) }

	c.Add(cachedEvent(model.EventFailedLogin, "10.0.0.1", base))
	c.Add(cachedEvent(model.EventFailedLogin, "10.0.0.1", base.Add(30*time.Minute)))

	offset = 90 * time.Minute
	if n := c.Sweep(); n != 1 {
		t.Fatalf("sweep evicted %d, want 1", n)
	}
	if n := c.RecentCount(model.EventFailedLogin, "10.0.0.1", time.Hour); n != 1 {
		t.Fatalf("count after sweep = %d, want 1", n)
	}

	offset = 3 * time.Hour
	if n := c.Sweep(); n != 1 {
		t.Fatalf("second sweep evicted %d, want 1", n)
	}
	if got := c.Recent(model.EventFailedLogin, "10.0.0.1", 24*time.Hour); len(got) != 0 {
		t.Fatalf("emptied entry still served %d events", len(got))
	}
}

func TestConcurrentAddsAccountExactly(t *testing.T) {
	c := NewRecentCache(16, 24*time.Hour)
	const writers = 32

	// all writers race the first install of the same key
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c.Add(cachedEvent(model.EventFailedLogin, "10.0.0.9", time.Now()))
		}()
	}
	close(start)
	wg.Wait()

	if n := c.RecentCount(model.EventFailedLogin, "10.0.0.9", time.Hour); n != writers {
		t.Fatalf("cached %d of %d concurrent adds", n, writers)
	}
}

func TestRecentReturnsCopy(t *testing.T) {
	c := NewRecentCache(16, 24*time.Hour)
	now := time.Now()
	c.Add(cachedEvent(model.EventFailedLogin, "10.0.0.1", now))

	got := c.Recent(model.EventFailedLogin, "10.0.0.1", time.Hour)
	got[0].IPAddress = "mutated"

	again := c.Recent(model.EventFailedLogin, "10.0.0.1", time.Hour)
	if again[0].IPAddress != "10.0.0.1" {
		t.Fatalf("caller mutation leaked into the cache")
	}
}
