package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/alerts"
	"sentinel/internal/config"
	"sentinel/internal/model"
	"sentinel/internal/storage"
)

var (
	ErrInvalidEventType = errors.New("invalid event type")
	ErrInvalidSeverity  = errors.New("invalid severity")
)

// EventInput is a SecurityEvent before the service assigns identity and
// time.
type EventInput struct {
	EventType   model.EventType `json:"event_type"`
	Severity    model.Severity  `json:"severity"`
	UserID      string          `json:"user_id,omitempty"`
	IPAddress   string          `json:"ip_address"`
	UserAgent   string          `json:"user_agent,omitempty"`
	Description string          `json:"description"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

func (in EventInput) validate() error {
	if !model.ValidEventType(in.EventType) {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, in.EventType)
	}
	if !model.ValidSeverity(in.Severity) {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, in.Severity)
	}
	return nil
}

// Service is the ingestion front of the pipeline. Everything it needs is
// injected at construction; there is no package-level state.
type Service struct {
	store      storage.Store
	cache      *RecentCache
	tracker    *Tracker
	dispatcher *alerts.Dispatcher
	counters   *Counters
	cfg        *config.Manager
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(store storage.Store, cache *RecentCache, tracker *Tracker, dispatcher *alerts.Dispatcher, cfg *config.Manager, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		cache:      cache,
		tracker:    tracker,
		dispatcher: dispatcher,
		counters:   NewCounters(),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// RecordEvent assigns identity and time, persists the event, indexes it for
// recent-window lookups, and runs detection and alert policy inline. Channel
// delivery itself happens off this goroutine; a slow webhook never shows up
// in ingestion latency.
func (s *Service) RecordEvent(ctx context.Context, in EventInput) (model.SecurityEvent, error) {
	if err := in.validate(); err != nil {
		return model.SecurityEvent{}, err
	}
	ev := model.SecurityEvent{
		ID:          uuid.NewString(),
		EventType:   in.EventType,
		Severity:    in.Severity,
		UserID:      in.UserID,
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		Description: in.Description,
		Metadata:    in.Metadata,
		Timestamp:   s.now().UTC(),
	}
	if err := s.store.InsertEvent(ctx, ev); err != nil {
		return model.SecurityEvent{}, fmt.Errorf("persist event: %w", err)
	}
	s.cache.Add(ev)
	s.counters.RecordEvent(ev)

	if s.cfg.Get().Monitoring.RealTime {
		s.tracker.Inspect(ctx, ev)
		s.dispatcher.Dispatch(ctx, ev)
	}
	if s.logger != nil {
		s.logger.Debug("event recorded",
			"id", ev.ID, "event_type", ev.EventType, "severity", ev.Severity, "ip", ev.IPAddress)
	}
	return ev, nil
}

// GetRecentEvents serves from the in-process index only; it is a fast,
// possibly approximate view that never includes events older than the
// window.
func (s *Service) GetRecentEvents(eventType model.EventType, ip string, lookbackHours int) []model.SecurityEvent {
	if lookbackHours <= 0 {
		lookbackHours = 1
	}
	return s.cache.Recent(eventType, ip, time.Duration(lookbackHours)*time.Hour)
}

func (s *Service) GetEvents(ctx context.Context, f storage.EventFilter, limit int) ([]model.SecurityEvent, error) {
	events, err := s.store.ListEvents(ctx, f, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// ResolveEvent marks an event resolved. Resolving twice is an idempotent
// no-op; an unknown id is an error.
func (s *Service) ResolveEvent(ctx context.Context, id, resolvedBy, notes string) error {
	err := s.store.ResolveEvent(ctx, id, resolvedBy, notes, s.now())
	if errors.Is(err, storage.ErrAlreadyResolved) {
		return nil
	}
	if err != nil {
		return err
	}
	s.counters.RecordResolved(1)
	return nil
}

func (s *Service) BlockIP(ctx context.Context, ip, reason string) error {
	return s.tracker.BlockIP(ctx, ip, reason)
}

func (s *Service) UnblockIP(ctx context.Context, ip string) error {
	return s.tracker.UnblockIP(ctx, ip)
}

func (s *Service) Indicators() []model.ThreatIndicator {
	return s.tracker.Indicators()
}

// Stats is a best-effort aggregate; it reads only in-memory state and never
// fails the caller.
func (s *Service) Stats() model.Stats {
	total, lastHour, unresolved, bySeverity := s.counters.Snapshot()
	sent, failed := s.dispatcher.Totals()
	indicators, blockedIPs := s.tracker.Counts()
	return model.Stats{
		TotalEvents:      total,
		EventsLastHour:   lastHour,
		BySeverity:       bySeverity,
		UnresolvedEvents: unresolved,
		AlertsSent:       sent,
		AlertsFailed:     failed,
		ThreatIndicators: indicators,
		BlockedIPs:       blockedIPs,
	}
}

// Counters exposes the running totals for the scheduler's bookkeeping.
func (s *Service) Counters() *Counters {
	return s.counters
}
