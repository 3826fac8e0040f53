package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/config"
	"sentinel/internal/model"
	"sentinel/internal/storage"
)

// Finding is a detector's proposal to create or bump a threat indicator.
type Finding struct {
	IndicatorType model.IndicatorType
	Value         string
	ThreatLevel   model.Severity
	Description   string
	FirstSeen     time.Time
	Occurrences   int
}

// Detector inspects a single event during ingestion. Implementations must be
// cheap: they run synchronously on the recording caller's goroutine, one
// pass per event. Behavioral-pattern and geographic detectors plug in here.
type Detector interface {
	Name() string
	Detect(ev model.SecurityEvent) (Finding, bool)
}

// Tracker owns threat indicator state: the in-memory authoritative map, the
// persisted copy, and the registered detectors.
type Tracker struct {
	mu         sync.Mutex
	indicators map[trackerKey]*model.ThreatIndicator

	store     storage.Store
	cfg       *config.Manager
	logger    *slog.Logger
	detectors []Detector
	now       func() time.Time
}

type trackerKey struct {
	Type  model.IndicatorType
	Value string
}

func NewTracker(store storage.Store, cfg *config.Manager, logger *slog.Logger) *Tracker {
	return &Tracker{
		indicators: make(map[trackerKey]*model.ThreatIndicator),
		store:      store,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (t *Tracker) Register(d Detector) {
	t.detectors = append(t.detectors, d)
}

// Hydrate loads persisted indicators into the in-memory map at startup.
func (t *Tracker) Hydrate(ctx context.Context) error {
	list, err := t.store.ListIndicators(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range list {
		ind := list[i]
		t.indicators[trackerKey{Type: ind.IndicatorType, Value: ind.Value}] = &ind
	}
	return nil
}

// Inspect runs every registered detector against the event and applies any
// findings. Detection only raises visibility; it never blocks.
func (t *Tracker) Inspect(ctx context.Context, ev model.SecurityEvent) {
	for _, d := range t.detectors {
		finding, ok := d.Detect(ev)
		if !ok {
			continue
		}
		t.apply(ctx, finding)
		if t.logger != nil {
			t.logger.Warn("threat indicator raised",
				"detector", d.Name(),
				"indicator_type", finding.IndicatorType,
				"value", finding.Value,
				"threat_level", finding.ThreatLevel,
			)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, f Finding) {
	now := t.now().UTC()
	t.mu.Lock()
	key := trackerKey{Type: f.IndicatorType, Value: f.Value}
	ind, ok := t.indicators[key]
	if ok {
		ind.LastSeen = now
		ind.Occurrences++
	} else {
		firstSeen := f.FirstSeen
		if firstSeen.IsZero() {
			firstSeen = now
		}
		occurrences := f.Occurrences
		if occurrences < 1 {
			occurrences = 1
		}
		ind = &model.ThreatIndicator{
			ID:            uuid.NewString(),
			IndicatorType: f.IndicatorType,
			Value:         f.Value,
			ThreatLevel:   f.ThreatLevel,
			Description:   f.Description,
			FirstSeen:     firstSeen.UTC(),
			LastSeen:      now,
			Occurrences:   occurrences,
		}
		t.indicators[key] = ind
	}
	snapshot := *ind
	t.mu.Unlock()

	if err := t.store.UpsertIndicator(ctx, snapshot); err != nil && t.logger != nil {
		t.logger.Error("persist indicator failed", "value", snapshot.Value, "err", err)
	}
}

// BlockIP marks the ip_address indicator for ip as blocked. Detection state
// (occurrences, first/last seen) is left untouched.
func (t *Tracker) BlockIP(ctx context.Context, ip, reason string) error {
	return t.setBlocked(ctx, ip, true, reason)
}

// UnblockIP clears the blocked flag and reason.
func (t *Tracker) UnblockIP(ctx context.Context, ip string) error {
	return t.setBlocked(ctx, ip, false, "")
}

func (t *Tracker) setBlocked(ctx context.Context, ip string, blocked bool, reason string) error {
	t.mu.Lock()
	ind, ok := t.indicators[trackerKey{Type: model.IndicatorIPAddress, Value: ip}]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("block %s: %w", ip, storage.ErrNotFound)
	}
	ind.IsBlocked = blocked
	ind.BlockReason = reason
	snapshot := *ind
	t.mu.Unlock()

	if err := t.store.UpsertIndicator(ctx, snapshot); err != nil {
		return fmt.Errorf("persist block state for %s: %w", ip, err)
	}
	return nil
}

func (t *Tracker) IsBlocked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ind, ok := t.indicators[trackerKey{Type: model.IndicatorIPAddress, Value: ip}]
	return ok && ind.IsBlocked
}

func (t *Tracker) Indicators() []model.ThreatIndicator {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.ThreatIndicator, 0, len(t.indicators))
	for _, ind := range t.indicators {
		out = append(out, *ind)
	}
	return out
}

// Counts returns (total indicators, blocked ip count) for stats.
func (t *Tracker) Counts() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	blocked := 0
	for key, ind := range t.indicators {
		if key.Type == model.IndicatorIPAddress && ind.IsBlocked {
			blocked++
		}
	}
	return len(t.indicators), blocked
}

// ipBurstDetector promotes a burst of same-type events from one source IP
// into an ip_address indicator once the 1-hour count reaches the configured
// suspicious-IP threshold.
type ipBurstDetector struct {
	cache *RecentCache
	cfg   *config.Manager
}

func NewIPBurstDetector(cache *RecentCache, cfg *config.Manager) Detector {
	return &ipBurstDetector{cache: cache, cfg: cfg}
}

func (d *ipBurstDetector) Name() string { return "ip_burst" }

func (d *ipBurstDetector) Detect(ev model.SecurityEvent) (Finding, bool) {
	if ev.IPAddress == "" {
		return Finding{}, false
	}
	threshold := d.cfg.Get().Monitoring.AlertThresholds.SuspiciousIPsPerHour
	recent := d.cache.Recent(ev.EventType, ev.IPAddress, time.Hour)
	if len(recent) < threshold {
		return Finding{}, false
	}
	return Finding{
		IndicatorType: model.IndicatorIPAddress,
		Value:         ev.IPAddress,
		ThreatLevel:   model.SeverityHigh,
		Description:   fmt.Sprintf("%d %s events within one hour", len(recent), ev.EventType),
		FirstSeen:     recent[0].Timestamp,
		Occurrences:   len(recent),
	}, true
}
