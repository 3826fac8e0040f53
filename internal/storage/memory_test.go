package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/model"
)

func memEvent(severity model.Severity, userID string, ts time.Time) model.SecurityEvent {
	return model.SecurityEvent{
		ID:        uuid.NewString(),
		EventType: model.EventDataAccess,
		Severity:  severity,
		UserID:    userID,
		IPAddress: "10.0.0.1",
		Timestamp: ts,
	}
}

func TestListEventsFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	old := memEvent(model.SeverityLow, "u1", now.Add(-2*time.Hour))
	mid := memEvent(model.SeverityHigh, "u2", now.Add(-time.Hour))
	newest := memEvent(model.SeverityHigh, "u1", now)
	for _, ev := range []model.SecurityEvent{old, mid, newest} {
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.ListEvents(ctx, EventFilter{}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].ID != newest.ID || got[2].ID != old.ID {
		t.Fatalf("not newest first: %+v", got)
	}

	got, _ = s.ListEvents(ctx, EventFilter{Severity: model.SeverityHigh, UserID: "u1"}, 0)
	if len(got) != 1 || got[0].ID != newest.ID {
		t.Fatalf("combined filter returned %+v", got)
	}

	got, _ = s.ListEvents(ctx, EventFilter{From: now.Add(-90 * time.Minute)}, 0)
	if len(got) != 2 {
		t.Fatalf("from filter returned %d events, want 2", len(got))
	}

	got, _ = s.ListEvents(ctx, EventFilter{}, 1)
	if len(got) != 1 || got[0].ID != newest.ID {
		t.Fatalf("limit did not keep newest: %+v", got)
	}
}

func TestResolveEventStates(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	ev := memEvent(model.SeverityLow, "u1", time.Now().UTC())
	if err := s.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.ResolveEvent(ctx, ev.ID, "admin", "done", time.Now()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.ResolveEvent(ctx, ev.ID, "admin", "again", time.Now()); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("err = %v, want ErrAlreadyResolved", err)
	}
	if err := s.ResolveEvent(ctx, "missing", "admin", "", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsertIndicatorPreservesIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	first := model.ThreatIndicator{
		ID:            uuid.NewString(),
		IndicatorType: model.IndicatorIPAddress,
		Value:         "10.0.0.1",
		ThreatLevel:   model.SeverityHigh,
		FirstSeen:     time.Now().Add(-time.Hour).UTC(),
		LastSeen:      time.Now().Add(-time.Hour).UTC(),
		Occurrences:   1,
	}
	if err := s.UpsertIndicator(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	update := first
	update.ID = uuid.NewString()
	update.FirstSeen = time.Now().UTC()
	update.LastSeen = time.Now().UTC()
	update.Occurrences = 2
	if err := s.UpsertIndicator(ctx, update); err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	got, err := s.GetIndicator(ctx, model.IndicatorIPAddress, "10.0.0.1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != first.ID || !got.FirstSeen.Equal(first.FirstSeen) {
		t.Fatalf("identity not preserved across upsert: %+v", got)
	}
	if got.Occurrences != 2 {
		t.Fatalf("occurrences = %d, want 2", got.Occurrences)
	}
}

func TestListPendingAlertsOrderAndExclusion(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	earlier := time.Now().Add(-time.Hour).UTC()
	later := time.Now().UTC()

	fresh := model.SecurityAlert{ID: uuid.NewString(), AlertType: model.ChannelWebhook, MaxRetries: 3}
	tried := model.SecurityAlert{ID: uuid.NewString(), AlertType: model.ChannelWebhook, MaxRetries: 3, RetryCount: 1, LastAttempt: &later}
	older := model.SecurityAlert{ID: uuid.NewString(), AlertType: model.ChannelWebhook, MaxRetries: 3, RetryCount: 1, LastAttempt: &earlier}
	sent := model.SecurityAlert{ID: uuid.NewString(), AlertType: model.ChannelWebhook, MaxRetries: 3, Sent: true}
	exhausted := model.SecurityAlert{ID: uuid.NewString(), AlertType: model.ChannelWebhook, MaxRetries: 3, RetryCount: 3}
	for _, a := range []model.SecurityAlert{fresh, tried, older, sent, exhausted} {
		if err := s.InsertAlert(ctx, a); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.ListPendingAlerts(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("pending = %d, want 3", len(got))
	}
	if got[0].ID != fresh.ID || got[1].ID != older.ID || got[2].ID != tried.ID {
		t.Fatalf("pending order wrong: %+v", got)
	}
}
