package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"sentinel/internal/model"
)

// Key is a strongly typed composite identifier. Building keys from fields
// instead of concatenated strings keeps "user:a:b" from colliding with a
// user literally named "a:b".
type Key struct {
	Scope  string
	Value  string
	Action string
}

func UserKey(userID, action string) Key {
	return Key{Scope: "user", Value: userID, Action: action}
}

func IPKey(addr string) Key {
	return Key{Scope: "ip", Value: addr}
}

func (k Key) String() string {
	if k.Action != "" {
		return k.Scope + ":" + k.Value + ":" + k.Action
	}
	return k.Scope + ":" + k.Value
}

// Limits are the admission parameters for one check.
type Limits struct {
	MaxRequests int
	Window      time.Duration
	BurstLimit  int
}

func DefaultLimits() Limits {
	return Limits{MaxRequests: 100, Window: 15 * time.Minute, BurstLimit: 10}
}

// burstWindow is the short secondary window burst protection applies over.
const burstWindow = 60 * time.Second

type record struct {
	count       int
	windowStart time.Time
	resetTime   time.Time
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	records map[Key]*record
}

// Limiter is a sliding-window admission controller with burst protection.
// Records live only in memory; each check is an atomic read-modify-write on
// the key's record, sharded so unrelated identifiers never contend.
type Limiter struct {
	shards   [shardCount]shard
	defaults Limits
	now      func() time.Time
}

func NewLimiter(defaults Limits) *Limiter {
	if defaults.MaxRequests <= 0 {
		defaults = DefaultLimits()
	}
	l := &Limiter{defaults: defaults, now: time.Now}
	for i := range l.shards {
		l.shards[i].records = make(map[Key]*record)
	}
	return l
}

func (l *Limiter) shard(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.Scope))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Value))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Action))
	return &l.shards[h.Sum32()%shardCount]
}

// Check admits or rejects one request for the identifier. The window resets
// once it has fully elapsed; burst protection rejects without consuming a
// slot when the burst cap is hit inside the first 60 seconds of a window.
func (l *Limiter) Check(k Key, limits Limits) model.RateLimitResult {
	if limits.MaxRequests <= 0 {
		limits = l.defaults
	}
	now := l.now()
	sh := l.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[k]
	if !ok || rec.windowStart.Before(now.Add(-limits.Window)) {
		rec = &record{windowStart: now, resetTime: now.Add(limits.Window)}
		sh.records[k] = rec
	}

	if limits.BurstLimit > 0 && rec.count >= limits.BurstLimit && now.Sub(rec.windowStart) < burstWindow {
		return model.RateLimitResult{
			Allowed:    false,
			Remaining:  clamp(limits.MaxRequests - rec.count),
			ResetTime:  rec.resetTime,
			RetryAfter: retryAfterSeconds(rec.resetTime, now),
		}
	}

	rec.count++
	return model.RateLimitResult{
		Allowed:   rec.count <= limits.MaxRequests,
		Remaining: clamp(limits.MaxRequests - rec.count),
		ResetTime: rec.resetTime,
	}
}

// CheckDefault applies the configured default limits.
func (l *Limiter) CheckDefault(k Key) model.RateLimitResult {
	return l.Check(k, l.defaults)
}

// CheckUser keys by user id and action, sharing the same backing store and
// algorithm as every other scope.
func (l *Limiter) CheckUser(userID, action string, limits Limits) model.RateLimitResult {
	return l.Check(UserKey(userID, action), limits)
}

// CheckIP keys by source address.
func (l *Limiter) CheckIP(addr string, limits Limits) model.RateLimitResult {
	return l.Check(IPKey(addr), limits)
}

// Cleanup drops records whose window elapsed more than maxIdle ago. Driven
// by the background sweep; never required for correctness since stale
// windows reset lazily on the next check.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for k, rec := range sh.records {
			if rec.resetTime.Before(cutoff) {
				delete(sh.records, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func retryAfterSeconds(reset, now time.Time) int {
	d := reset.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return secs
}
