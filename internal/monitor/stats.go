package monitor

import (
	"sync"
	"time"

	"sentinel/internal/model"
)

// Counters keeps cheap process-lifetime running totals so the stats endpoint
// never has to fan out store queries on the hot path. Recent timestamps are
// held in a head-evicted slice for the events-last-hour figure.
type Counters struct {
	mu         sync.Mutex
	total      int
	bySeverity map[model.Severity]int
	unresolved int
	recent     []time.Time
	head       int
	now        func() time.Time
}

func NewCounters() *Counters {
	return &Counters{
		bySeverity: make(map[model.Severity]int),
		now:        time.Now,
	}
}

func (c *Counters) RecordEvent(ev model.SecurityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.bySeverity[ev.Severity]++
	if !ev.Resolved {
		c.unresolved++
	}
	c.recent = append(c.recent, ev.Timestamp)
	c.evictLocked(c.now().Add(-time.Hour))
}

func (c *Counters) RecordResolved(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unresolved -= n
	if c.unresolved < 0 {
		c.unresolved = 0
	}
}

func (c *Counters) Snapshot() (total, lastHour, unresolved int, bySeverity map[model.Severity]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(c.now().Add(-time.Hour))
	bySeverity = make(map[model.Severity]int, len(c.bySeverity))
	for k, v := range c.bySeverity {
		bySeverity[k] = v
	}
	return c.total, len(c.recent) - c.head, c.unresolved, bySeverity
}

func (c *Counters) evictLocked(cutoff time.Time) {
	for c.head < len(c.recent) {
		if !c.recent[c.head].Before(cutoff) {
			break
		}
		c.head++
	}
	if c.head > 0 && c.head*2 >= len(c.recent) {
		c.recent = append([]time.Time{}, c.recent[c.head:]...)
		c.head = 0
	}
}
