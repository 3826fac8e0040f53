package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"sentinel/internal/model"
)

// memoryStore keeps all records in process memory. It backs the
// storage-disabled mode and the test suites; semantics mirror the SQL
// drivers.
type memoryStore struct {
	mu         sync.RWMutex
	events     map[string]model.SecurityEvent
	alerts     map[string]model.SecurityAlert
	indicators map[indicatorKey]model.ThreatIndicator
}

type indicatorKey struct {
	Type  model.IndicatorType
	Value string
}

func NewMemory() Store {
	return &memoryStore{
		events:     make(map[string]model.SecurityEvent),
		alerts:     make(map[string]model.SecurityAlert),
		indicators: make(map[indicatorKey]model.ThreatIndicator),
	}
}

func (s *memoryStore) Init(ctx context.Context) error { return nil }
func (s *memoryStore) Close() error                   { return nil }

func (s *memoryStore) InsertEvent(ctx context.Context, ev model.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
	return nil
}

func (s *memoryStore) GetEvent(ctx context.Context, id string) (model.SecurityEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return model.SecurityEvent{}, ErrNotFound
	}
	return ev, nil
}

func (s *memoryStore) ListEvents(ctx context.Context, f EventFilter, limit int) ([]model.SecurityEvent, error) {
	s.mu.RLock()
	out := make([]model.SecurityEvent, 0, len(s.events))
	for _, ev := range s.events {
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		if f.UserID != "" && ev.UserID != f.UserID {
			continue
		}
		if f.Resolved != nil && ev.Resolved != *f.Resolved {
			continue
		}
		if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && ev.Timestamp.After(f.To) {
			continue
		}
		out = append(out, ev)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ResolveEvent(ctx context.Context, id, resolvedBy, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if ev.Resolved {
		return ErrAlreadyResolved
	}
	ev.Resolved = true
	t := at.UTC()
	ev.ResolvedAt = &t
	ev.ResolvedBy = resolvedBy
	ev.ResolutionNotes = notes
	s.events[id] = ev
	return nil
}

func (s *memoryStore) ResolveStaleEvents(ctx context.Context, severity model.Severity, olderThan time.Time, resolvedBy, notes string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	t := at.UTC()
	for id, ev := range s.events {
		if ev.Resolved || ev.Severity != severity || !ev.Timestamp.Before(olderThan) {
			continue
		}
		ev.Resolved = true
		ev.ResolvedAt = &t
		ev.ResolvedBy = resolvedBy
		ev.ResolutionNotes = notes
		s.events[id] = ev
		n++
	}
	return n, nil
}

func (s *memoryStore) InsertAlert(ctx context.Context, a model.SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	return nil
}

func (s *memoryStore) UpdateAlert(ctx context.Context, a model.SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	s.alerts[a.ID] = a
	return nil
}

func (s *memoryStore) ListPendingAlerts(ctx context.Context, limit int) ([]model.SecurityAlert, error) {
	s.mu.RLock()
	out := make([]model.SecurityAlert, 0)
	for _, a := range s.alerts {
		if !a.Sent && a.RetryCount < a.MaxRetries {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastAttempt, out[j].LastAttempt
		switch {
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ListAlertsByEvent(ctx context.Context, eventID string) ([]model.SecurityAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.SecurityAlert, 0)
	for _, a := range s.alerts {
		if a.EventID == eventID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memoryStore) UpsertIndicator(ctx context.Context, ind model.ThreatIndicator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := indicatorKey{Type: ind.IndicatorType, Value: ind.Value}
	if existing, ok := s.indicators[key]; ok {
		ind.ID = existing.ID
		ind.FirstSeen = existing.FirstSeen
	}
	s.indicators[key] = ind
	return nil
}

func (s *memoryStore) GetIndicator(ctx context.Context, typ model.IndicatorType, value string) (model.ThreatIndicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ind, ok := s.indicators[indicatorKey{Type: typ, Value: value}]
	if !ok {
		return model.ThreatIndicator{}, ErrNotFound
	}
	return ind, nil
}

func (s *memoryStore) ListIndicators(ctx context.Context) ([]model.ThreatIndicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ThreatIndicator, 0, len(s.indicators))
	for _, ind := range s.indicators {
		out = append(out, ind)
	}
	return out, nil
}
