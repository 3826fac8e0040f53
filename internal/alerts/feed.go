package alerts

import (
	"sync"
	"time"

	"sentinel/internal/model"
)

// Feed is the bounded in-process alert stream the dashboard layer polls.
// Oldest entries fall off the front once the limit is reached.
type Feed struct {
	mu    sync.RWMutex
	buf   []model.SecurityAlert
	limit int
}

func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 1000
	}
	return &Feed{limit: limit}
}

func (f *Feed) Add(alert model.SecurityAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.buf) < f.limit {
		f.buf = append(f.buf, alert)
		return
	}
	copy(f.buf, f.buf[1:])
	f.buf[len(f.buf)-1] = alert
}

func (f *Feed) List(limit int) []model.SecurityAlert {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit <= 0 || limit > len(f.buf) {
		limit = len(f.buf)
	}
	out := make([]model.SecurityAlert, 0, limit)
	start := len(f.buf) - limit
	for i := start; i < len(f.buf); i++ {
		out = append(out, f.buf[i])
	}
	return out
}

func (f *Feed) Since(ts time.Time) []model.SecurityAlert {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]model.SecurityAlert, 0)
	for _, a := range f.buf {
		if a.SentAt != nil && !a.SentAt.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = nil
}
