package monitor

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"sentinel/internal/model"
)

// EventKey identifies one recent-window series. A typed key rather than a
// concatenated string so "a|b" and "a" + "|b" style collisions cannot occur.
type EventKey struct {
	EventType model.EventType
	IPAddress string
}

type cacheEntry struct {
	mu     sync.Mutex
	events []model.SecurityEvent
	head   int
}

// RecentCache is the in-process recency index over ingested events, keyed by
// (event_type, ip_address). It is a lookup optimization only, never a source
// of truth: entries are bounded by an LRU with a TTL and additionally swept
// by the scheduler, and reads filter to the requested window so a stale
// entry can never serve events older than asked for.
type RecentCache struct {
	// mu serializes entry installation and removal; without it two writers
	// missing the same key would each install a private entry and the last
	// Add would drop the other's events.
	mu     sync.Mutex
	index  *expirable.LRU[EventKey, *cacheEntry]
	maxAge time.Duration
	now    func() time.Time
}

func NewRecentCache(maxKeys int, maxAge time.Duration) *RecentCache {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &RecentCache{
		index:  expirable.NewLRU[EventKey, *cacheEntry](maxKeys, nil, maxAge),
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (c *RecentCache) Add(ev model.SecurityEvent) {
	key := EventKey{EventType: ev.EventType, IPAddress: ev.IPAddress}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.index.Get(key)
	if !ok {
		entry = &cacheEntry{events: make([]model.SecurityEvent, 0, 16)}
	}
	entry.mu.Lock()
	entry.events = append(entry.events, ev)
	entry.evictLocked(c.now().Add(-c.maxAge))
	entry.mu.Unlock()
	// re-add to refresh LRU recency and TTL
	c.index.Add(key, entry)
}

// Recent returns cached events for the key newer than now-lookback, oldest
// first.
func (c *RecentCache) Recent(eventType model.EventType, ip string, lookback time.Duration) []model.SecurityEvent {
	entry, ok := c.index.Get(EventKey{EventType: eventType, IPAddress: ip})
	if !ok {
		return nil
	}
	cutoff := c.now().Add(-lookback)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]model.SecurityEvent, 0, len(entry.events)-entry.head)
	for i := entry.head; i < len(entry.events); i++ {
		if entry.events[i].Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, entry.events[i])
	}
	return out
}

// RecentCount satisfies the dispatcher's recent-window query without copying.
func (c *RecentCache) RecentCount(eventType model.EventType, ip string, lookback time.Duration) int {
	entry, ok := c.index.Get(EventKey{EventType: eventType, IPAddress: ip})
	if !ok {
		return 0
	}
	cutoff := c.now().Add(-lookback)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	n := 0
	for i := entry.head; i < len(entry.events); i++ {
		if !entry.events[i].Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// Sweep drops events older than the cache max age from every live entry and
// removes entries that end up empty. Returns the number of events evicted.
func (c *RecentCache) Sweep() int {
	cutoff := c.now().Add(-c.maxAge)
	evicted := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.index.Keys() {
		entry, ok := c.index.Peek(key)
		if !ok {
			continue
		}
		entry.mu.Lock()
		evicted += entry.evictLocked(cutoff)
		empty := entry.head >= len(entry.events)
		entry.mu.Unlock()
		if empty {
			c.index.Remove(key)
		}
	}
	return evicted
}

// evictLocked advances head past events older than cutoff and compacts the
// backing slice once half of it is dead. Caller holds entry.mu.
func (e *cacheEntry) evictLocked(cutoff time.Time) int {
	evicted := 0
	for e.head < len(e.events) {
		if !e.events[e.head].Timestamp.Before(cutoff) {
			break
		}
		e.head++
		evicted++
	}
	if e.head > 0 && e.head*2 >= len(e.events) {
		e.events = append([]model.SecurityEvent{}, e.events[e.head:]...)
		e.head = 0
	}
	return evicted
}
