package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"sentinel/internal/config"
	"sentinel/internal/model"
)

var (
	// ErrNotFound is returned when an id does not exist in the store.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyResolved is returned when resolving an event that is already
	// resolved. Callers treat it as an idempotent no-op.
	ErrAlreadyResolved = errors.New("event already resolved")
)

// EventFilter narrows ListEvents. Zero values mean "any".
type EventFilter struct {
	EventType model.EventType
	Severity  model.Severity
	UserID    string
	Resolved  *bool
	From      time.Time
	To        time.Time
}

type Store interface {
	Init(ctx context.Context) error
	Close() error

	InsertEvent(ctx context.Context, ev model.SecurityEvent) error
	GetEvent(ctx context.Context, id string) (model.SecurityEvent, error)
	ListEvents(ctx context.Context, f EventFilter, limit int) ([]model.SecurityEvent, error)
	ResolveEvent(ctx context.Context, id, resolvedBy, notes string, at time.Time) error
	ResolveStaleEvents(ctx context.Context, severity model.Severity, olderThan time.Time, resolvedBy, notes string, at time.Time) (int, error)

	InsertAlert(ctx context.Context, a model.SecurityAlert) error
	UpdateAlert(ctx context.Context, a model.SecurityAlert) error
	ListPendingAlerts(ctx context.Context, limit int) ([]model.SecurityAlert, error)
	ListAlertsByEvent(ctx context.Context, eventID string) ([]model.SecurityAlert, error)

	UpsertIndicator(ctx context.Context, ind model.ThreatIndicator) error
	GetIndicator(ctx context.Context, typ model.IndicatorType, value string) (model.ThreatIndicator, error)
	ListIndicators(ctx context.Context) ([]model.ThreatIndicator, error)
}

// NewStore builds the configured driver. A disabled storage section yields
// the in-memory store so the rest of the pipeline never deals with nil.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return NewMemory(), nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	if value == nil {
		return "{}"
	}
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeMetadata(raw string) map[string]any {
	if raw == "" || raw == "{}" || raw == "null" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
