package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"sentinel/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/sentinel?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			user_id TEXT,
			ip_address TEXT NOT NULL,
			user_agent TEXT,
			description TEXT NOT NULL,
			metadata_json JSONB,
			ts TIMESTAMPTZ NOT NULL,
			resolved BOOLEAN NOT NULL DEFAULT FALSE,
			resolved_at TIMESTAMPTZ,
			resolved_by TEXT,
			resolution_notes TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON security_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ip ON security_events(event_type, ip_address)`,
		`CREATE TABLE IF NOT EXISTS security_alerts (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			recipient TEXT NOT NULL,
			message TEXT NOT NULL,
			sent BOOLEAN NOT NULL DEFAULT FALSE,
			sent_at TIMESTAMPTZ,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			last_attempt TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_pending ON security_alerts(sent, retry_count)`,
		`CREATE TABLE IF NOT EXISTS threat_indicators (
			id TEXT PRIMARY KEY,
			indicator_type TEXT NOT NULL,
			value TEXT NOT NULL,
			threat_level TEXT NOT NULL,
			description TEXT,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			occurrences INTEGER NOT NULL,
			is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
			block_reason TEXT,
			UNIQUE(indicator_type, value)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) InsertEvent(ctx context.Context, ev model.SecurityEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events
		(id, event_type, severity, user_id, ip_address, user_agent, description, metadata_json, ts, resolved, resolved_at, resolved_by, resolution_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.ID, string(ev.EventType), string(ev.Severity), ev.UserID, ev.IPAddress,
		ev.UserAgent, ev.Description, encodeJSON(ev.Metadata), ev.Timestamp.UTC(),
		ev.Resolved, ev.ResolvedAt, ev.ResolvedBy, ev.ResolutionNotes,
	)
	return err
}

func scanPGEvent(r rowScanner) (model.SecurityEvent, error) {
	var ev model.SecurityEvent
	var userID, userAgent, metadata, resolvedBy, notes sql.NullString
	var resolvedAt sql.NullTime
	err := r.Scan(&ev.ID, &ev.EventType, &ev.Severity, &userID, &ev.IPAddress,
		&userAgent, &ev.Description, &metadata, &ev.Timestamp, &ev.Resolved,
		&resolvedAt, &resolvedBy, &notes)
	if err != nil {
		return ev, err
	}
	ev.UserID = userID.String
	ev.UserAgent = userAgent.String
	ev.Metadata = decodeMetadata(metadata.String)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		ev.ResolvedAt = &t
	}
	ev.ResolvedBy = resolvedBy.String
	ev.ResolutionNotes = notes.String
	return ev, nil
}

func (s *postgresStore) GetEvent(ctx context.Context, id string) (model.SecurityEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_type, severity, user_id, ip_address, user_agent, description, metadata_json, ts, resolved, resolved_at, resolved_by, resolution_notes
		FROM security_events WHERE id = $1`, id)
	ev, err := scanPGEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SecurityEvent{}, ErrNotFound
	}
	return ev, err
}

func (s *postgresStore) ListEvents(ctx context.Context, f EventFilter, limit int) ([]model.SecurityEvent, error) {
	query := `SELECT id, event_type, severity, user_id, ip_address, user_agent, description, metadata_json, ts, resolved, resolved_at, resolved_by, resolution_notes
		FROM security_events`
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = "+arg(string(f.EventType)))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = "+arg(string(f.Severity)))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = "+arg(f.UserID))
	}
	if f.Resolved != nil {
		conds = append(conds, "resolved = "+arg(*f.Resolved))
	}
	if !f.From.IsZero() {
		conds = append(conds, "ts >= "+arg(f.From.UTC()))
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts <= "+arg(f.To.UTC()))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SecurityEvent
	for rows.Next() {
		ev, err := scanPGEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *postgresStore) ResolveEvent(ctx context.Context, id, resolvedBy, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE security_events SET resolved = TRUE, resolved_at = $1, resolved_by = $2, resolution_notes = $3
		WHERE id = $4 AND resolved = FALSE`,
		at.UTC(), resolvedBy, notes, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var resolved bool
		err := s.db.QueryRowContext(ctx, `SELECT resolved FROM security_events WHERE id = $1`, id).Scan(&resolved)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (s *postgresStore) ResolveStaleEvents(ctx context.Context, severity model.Severity, olderThan time.Time, resolvedBy, notes string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE security_events SET resolved = TRUE, resolved_at = $1, resolved_by = $2, resolution_notes = $3
		WHERE severity = $4 AND resolved = FALSE AND ts < $5`,
		at.UTC(), resolvedBy, notes, string(severity), olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *postgresStore) InsertAlert(ctx context.Context, a model.SecurityAlert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_alerts
		(id, event_id, alert_type, recipient, message, sent, sent_at, error_message, retry_count, max_retries, last_attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.EventID, string(a.AlertType), a.Recipient, a.Message,
		a.Sent, a.SentAt, a.ErrorMessage, a.RetryCount, a.MaxRetries, a.LastAttempt,
	)
	return err
}

func (s *postgresStore) UpdateAlert(ctx context.Context, a model.SecurityAlert) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE security_alerts SET sent = $1, sent_at = $2, error_message = $3, retry_count = $4, last_attempt = $5
		WHERE id = $6`,
		a.Sent, a.SentAt, a.ErrorMessage, a.RetryCount, a.LastAttempt, a.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPGAlert(r rowScanner) (model.SecurityAlert, error) {
	var a model.SecurityAlert
	var sentAt, lastAttempt sql.NullTime
	var errMsg sql.NullString
	err := r.Scan(&a.ID, &a.EventID, &a.AlertType, &a.Recipient, &a.Message,
		&a.Sent, &sentAt, &errMsg, &a.RetryCount, &a.MaxRetries, &lastAttempt)
	if err != nil {
		return a, err
	}
	if sentAt.Valid {
		t := sentAt.Time
		a.SentAt = &t
	}
	a.ErrorMessage = errMsg.String
	if lastAttempt.Valid {
		t := lastAttempt.Time
		a.LastAttempt = &t
	}
	return a, nil
}

func (s *postgresStore) ListPendingAlerts(ctx context.Context, limit int) ([]model.SecurityAlert, error) {
	query := `SELECT id, event_id, alert_type, recipient, message, sent, sent_at, error_message, retry_count, max_retries, last_attempt
		FROM security_alerts WHERE sent = FALSE AND retry_count < max_retries ORDER BY last_attempt`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SecurityAlert
	for rows.Next() {
		a, err := scanPGAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *postgresStore) ListAlertsByEvent(ctx context.Context, eventID string) ([]model.SecurityAlert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, alert_type, recipient, message, sent, sent_at, error_message, retry_count, max_retries, last_attempt
		FROM security_alerts WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SecurityAlert
	for rows.Next() {
		a, err := scanPGAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *postgresStore) UpsertIndicator(ctx context.Context, ind model.ThreatIndicator) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threat_indicators
		(id, indicator_type, value, threat_level, description, first_seen, last_seen, occurrences, is_blocked, block_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT(indicator_type, value) DO UPDATE SET
			threat_level = EXCLUDED.threat_level,
			description = EXCLUDED.description,
			last_seen = EXCLUDED.last_seen,
			occurrences = EXCLUDED.occurrences,
			is_blocked = EXCLUDED.is_blocked,
			block_reason = EXCLUDED.block_reason`,
		ind.ID, string(ind.IndicatorType), ind.Value, string(ind.ThreatLevel), ind.Description,
		ind.FirstSeen.UTC(), ind.LastSeen.UTC(), ind.Occurrences, ind.IsBlocked, ind.BlockReason,
	)
	return err
}

func scanPGIndicator(r rowScanner) (model.ThreatIndicator, error) {
	var ind model.ThreatIndicator
	var desc, blockReason sql.NullString
	err := r.Scan(&ind.ID, &ind.IndicatorType, &ind.Value, &ind.ThreatLevel, &desc,
		&ind.FirstSeen, &ind.LastSeen, &ind.Occurrences, &ind.IsBlocked, &blockReason)
	if err != nil {
		return ind, err
	}
	ind.Description = desc.String
	ind.BlockReason = blockReason.String
	return ind, nil
}

func (s *postgresStore) GetIndicator(ctx context.Context, typ model.IndicatorType, value string) (model.ThreatIndicator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, indicator_type, value, threat_level, description, first_seen, last_seen, occurrences, is_blocked, block_reason
		FROM threat_indicators WHERE indicator_type = $1 AND value = $2`, string(typ), value)
	ind, err := scanPGIndicator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ThreatIndicator{}, ErrNotFound
	}
	return ind, err
}

func (s *postgresStore) ListIndicators(ctx context.Context) ([]model.ThreatIndicator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, indicator_type, value, threat_level, description, first_seen, last_seen, occurrences, is_blocked, block_reason
		FROM threat_indicators ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ThreatIndicator
	for rows.Next() {
		ind, err := scanPGIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}
