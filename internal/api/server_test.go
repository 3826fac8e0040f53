package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sentinel/internal/alerts"
	"sentinel/internal/config"
	"sentinel/internal/model"
	"sentinel/internal/monitor"
	"sentinel/internal/storage"
)

type stubSweep struct {
	restarts int
}

func (s *stubSweep) Restart() { s.restarts++ }

func newTestServer(t *testing.T) (*Server, *monitor.Service, *stubSweep) {
	t.Helper()
	mgr := config.NewStaticManager(nil)
	store := storage.NewMemory()
	cache := monitor.NewRecentCache(64, 24*time.Hour)
	feed := alerts.NewFeed(100)
	dispatcher := alerts.NewDispatcher(store, cache, mgr, feed, nil)
	tracker := monitor.NewTracker(store, mgr, nil)
	service := monitor.NewService(store, cache, tracker, dispatcher, mgr, nil)
	sweep := &stubSweep{}
	return &Server{
		cfg:     mgr,
		service: service,
		feed:    feed,
		sweep:   sweep,
		version: "test",
	}, service, sweep
}

func TestResolveEndpoint(t *testing.T) {
	srv, service, _ := newTestServer(t)
	ev, err := service.RecordEvent(context.Background(), monitor.EventInput{
		EventType: model.EventFailedLogin,
		Severity:  model.SeverityLow,
		IPAddress: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	body := `{"id": "` + ev.ID + `", "resolved_by": "admin", "notes": "reviewed"}`
	rec := httptest.NewRecorder()
	srv.handleResolve(rec, httptest.NewRequest(http.MethodPost, "/events/resolve", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleResolve(rec, httptest.NewRequest(http.MethodPost, "/events/resolve", strings.NewReader(`{"id": "missing", "resolved_by": "admin"}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown id", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleResolve(rec, httptest.NewRequest(http.MethodPost, "/events/resolve", strings.NewReader(`{"id": ""}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing fields", rec.Code)
	}
}

func TestRecentEventsEndpointValidation(t *testing.T) {
	srv, service, _ := newTestServer(t)
	if _, err := service.RecordEvent(context.Background(), monitor.EventInput{
		EventType: model.EventFailedLogin,
		Severity:  model.SeverityLow,
		IPAddress: "10.0.0.1",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.handleRecentEvents(rec, httptest.NewRequest(http.MethodGet, "/events/recent?type=failed_login&ip=10.0.0.1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}

	rec = httptest.NewRecorder()
	srv.handleRecentEvents(rec, httptest.NewRequest(http.MethodGet, "/events/recent?type=bogus&ip=10.0.0.1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad type", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleRecentEvents(rec, httptest.NewRequest(http.MethodGet, "/events/recent?type=failed_login", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for missing ip", rec.Code)
	}
}

func TestMonitoringConfigEndpoint(t *testing.T) {
	srv, _, sweep := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleMonitoringConfig(rec, httptest.NewRequest(http.MethodPost, "/config/monitoring",
		strings.NewReader(`{"auto_resolution": false}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}
	if srv.cfg.Get().Monitoring.AutoResolution {
		t.Fatalf("patch not applied")
	}
	if sweep.restarts != 1 {
		t.Fatalf("sweep restarts = %d, want 1", sweep.restarts)
	}

	rec = httptest.NewRecorder()
	srv.handleMonitoringConfig(rec, httptest.NewRequest(http.MethodPost, "/config/monitoring",
		strings.NewReader(`{"retention_days": -1}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for invalid patch", rec.Code)
	}
	if srv.cfg.Get().Monitoring.RetentionDays != 90 {
		t.Fatalf("rejected patch mutated config")
	}
	if sweep.restarts != 1 {
		t.Fatalf("rejected patch restarted sweep")
	}

	rec = httptest.NewRecorder()
	srv.handleMonitoringConfig(rec, httptest.NewRequest(http.MethodGet, "/config/monitoring", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got struct {
		Monitoring config.MonitoringConfig `json:"monitoring"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Monitoring.AutoResolution {
		t.Fatalf("get did not reflect patched config")
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, service, _ := newTestServer(t)
	if _, err := service.RecordEvent(context.Background(), monitor.EventInput{
		EventType: model.EventAPIAbuse,
		Severity:  model.SeverityLow,
		IPAddress: "10.0.0.1",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var stats model.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalEvents != 1 {
		t.Fatalf("total events = %d, want 1", stats.TotalEvents)
	}
}
