package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sentinel/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:sentinel.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			user_id TEXT,
			ip_address TEXT NOT NULL,
			user_agent TEXT,
			description TEXT NOT NULL,
			metadata_json TEXT,
			ts TEXT NOT NULL,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at TEXT,
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
			sent INTEGER NOT NULL DEFAULT 0,
			sent_at TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			last_attempt TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_pending ON security_alerts(sent, retry_count)`,
		`CREATE TABLE IF NOT EXISTS threat_indicators (
			id TEXT PRIMARY KEY,
			indicator_type TEXT NOT NULL,
			value TEXT NOT NULL,
			threat_level TEXT NOT NULL,
			description TEXT,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			occurrences INTEGER NOT NULL,
			is_blocked INTEGER NOT NULL DEFAULT 0,
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

func sqliteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func sqliteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteTime(*t)
}

func parseSQLiteTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func (s *sqliteStore) InsertEvent(ctx context.Context, ev model.SecurityEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events
		(id, event_type, severity, user_id, ip_address, user_agent, description, metadata_json, ts, resolved, resolved_at, resolved_by, resolution_notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.EventType), string(ev.Severity), ev.UserID, ev.IPAddress,
		ev.UserAgent, ev.Description, encodeJSON(ev.Metadata), sqliteTime(ev.Timestamp),
		boolToInt(ev.Resolved), sqliteTimePtr(ev.ResolvedAt), ev.ResolvedBy, ev.ResolutionNotes,
	)
	return err
}

func (s *sqliteStore) GetEvent(ctx context.Context, id string) (model.SecurityEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_type, severity, user_id, ip_address, user_agent, description, metadata_json, ts, resolved, resolved_at, resolved_by, resolution_notes
		FROM security_events WHERE id = ?`, id)
	ev, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SecurityEvent{}, ErrNotFound
	}
	return ev, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(r rowScanner) (model.SecurityEvent, error) {
	var ev model.SecurityEvent
	var userID, userAgent, metadata, resolvedBy, notes sql.NullString
	var ts string
	var resolvedAt sql.NullString
	var resolved int
	err := r.Scan(&ev.ID, &ev.EventType, &ev.Severity, &userID, &ev.IPAddress,
		&userAgent, &ev.Description, &metadata, &ts, &resolved, &resolvedAt, &resolvedBy, &notes)
	if err != nil {
		return ev, err
	}
	ev.UserID = userID.String
	ev.UserAgent = userAgent.String
	ev.Metadata = decodeMetadata(metadata.String)
	if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
		ev.Timestamp = parsed
	}
	ev.Resolved = resolved != 0
	ev.ResolvedAt = parseSQLiteTime(resolvedAt)
	ev.ResolvedBy = resolvedBy.String
	ev.ResolutionNotes = notes.String
	return ev, nil
}

func (s *sqliteStore) ListEvents(ctx context.Context, f EventFilter, limit int) ([]model.SecurityEvent, error) {
	query := `SELECT id, event_type, severity, user_id, ip_address, user_agent, description, metadata_json, ts, resolved, resolved_at, resolved_by, resolution_notes
		FROM security_events`
	var conds []string
	var args []any
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Resolved != nil {
		conds = append(conds, "resolved = ?")
		args = append(args, boolToInt(*f.Resolved))
	}
	if !f.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, sqliteTime(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, sqliteTime(f.To))
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
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ResolveEvent(ctx context.Context, id, resolvedBy, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE security_events SET resolved = 1, resolved_at = ?, resolved_by = ?, resolution_notes = ?
		WHERE id = ? AND resolved = 0`,
		sqliteTime(at), resolvedBy, notes, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var resolved int
		err := s.db.QueryRowContext(ctx, `SELECT resolved FROM security_events WHERE id = ?`, id).Scan(&resolved)
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

func (s *sqliteStore) ResolveStaleEvents(ctx context.Context, severity model.Severity, olderThan time.Time, resolvedBy, notes string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE security_events SET resolved = 1, resolved_at = ?, resolved_by = ?, resolution_notes = ?
		WHERE severity = ? AND resolved = 0 AND ts < ?`,
		sqliteTime(at), resolvedBy, notes, string(severity), sqliteTime(olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) InsertAlert(ctx context.Context, a model.SecurityAlert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_alerts
		(id, event_id, alert_type, recipient, message, sent, sent_at, error_message, retry_count, max_retries, last_attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EventID, string(a.AlertType), a.Recipient, a.Message,
		boolToInt(a.Sent), sqliteTimePtr(a.SentAt), a.ErrorMessage, a.RetryCount, a.MaxRetries,
		sqliteTimePtr(a.LastAttempt),
	)
	return err
}

func (s *sqliteStore) UpdateAlert(ctx context.Context, a model.SecurityAlert) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE security_alerts SET sent = ?, sent_at = ?, error_message = ?, retry_count = ?, last_attempt = ?
		WHERE id = ?`,
		boolToInt(a.Sent), sqliteTimePtr(a.SentAt), a.ErrorMessage, a.RetryCount,
		sqliteTimePtr(a.LastAttempt), a.ID)
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

func scanSQLiteAlert(r rowScanner) (model.SecurityAlert, error) {
	var a model.SecurityAlert
	var sent int
	var sentAt, errMsg, lastAttempt sql.NullString
	err := r.Scan(&a.ID, &a.EventID, &a.AlertType, &a.Recipient, &a.Message,
		&sent, &sentAt, &errMsg, &a.RetryCount, &a.MaxRetries, &lastAttempt)
	if err != nil {
		return a, err
	}
	a.Sent = sent != 0
	a.SentAt = parseSQLiteTime(sentAt)
	a.ErrorMessage = errMsg.String
	a.LastAttempt = parseSQLiteTime(lastAttempt)
	return a, nil
}

func (s *sqliteStore) ListPendingAlerts(ctx context.Context, limit int) ([]model.SecurityAlert, error) {
	query := `SELECT id, event_id, alert_type, recipient, message, sent, sent_at, error_message, retry_count, max_retries, last_attempt
		FROM security_alerts WHERE sent = 0 AND retry_count < max_retries ORDER BY last_attempt`
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
		a, err := scanSQLiteAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListAlertsByEvent(ctx context.Context, eventID string) ([]model.SecurityAlert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_id, alert_type, recipient, message, sent, sent_at, error_message, retry_count, max_retries, last_attempt
		FROM security_alerts WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SecurityAlert
	for rows.Next() {
		a, err := scanSQLiteAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertIndicator(ctx context.Context, ind model.ThreatIndicator) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threat_indicators
		(id, indicator_type, value, threat_level, description, first_seen, last_seen, occurrences, is_blocked, block_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(indicator_type, value) DO UPDATE SET
			threat_level = excluded.threat_level,
			description = excluded.description,
			last_seen = excluded.last_seen,
			occurrences = excluded.occurrences,
			is_blocked = excluded.is_blocked,
			block_reason = excluded.block_reason`,
		ind.ID, string(ind.IndicatorType), ind.Value, string(ind.ThreatLevel), ind.Description,
		sqliteTime(ind.FirstSeen), sqliteTime(ind.LastSeen), ind.Occurrences,
		boolToInt(ind.IsBlocked), ind.BlockReason,
	)
	return err
}

func scanSQLiteIndicator(r rowScanner) (model.ThreatIndicator, error) {
	var ind model.ThreatIndicator
	var desc, blockReason sql.NullString
	var firstSeen, lastSeen string
	var blocked int
	err := r.Scan(&ind.ID, &ind.IndicatorType, &ind.Value, &ind.ThreatLevel, &desc,
		&firstSeen, &lastSeen, &ind.Occurrences, &blocked, &blockReason)
	if err != nil {
		return ind, err
	}
	ind.Description = desc.String
	if t, perr := time.Parse(time.RFC3339Nano, firstSeen); perr == nil {
		ind.FirstSeen = t
	}
	if t, perr := time.Parse(time.RFC3339Nano, lastSeen); perr == nil {
		ind.LastSeen = t
	}
	ind.IsBlocked = blocked != 0
	ind.BlockReason = blockReason.String
	return ind, nil
}

func (s *sqliteStore) GetIndicator(ctx context.Context, typ model.IndicatorType, value string) (model.ThreatIndicator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, indicator_type, value, threat_level, description, first_seen, last_seen, occurrences, is_blocked, block_reason
		FROM threat_indicators WHERE indicator_type = ? AND value = ?`, string(typ), value)
	ind, err := scanSQLiteIndicator(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ThreatIndicator{}, ErrNotFound
	}
	return ind, err
}

func (s *sqliteStore) ListIndicators(ctx context.Context) ([]model.ThreatIndicator, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, indicator_type, value, threat_level, description, first_seen, last_seen, occurrences, is_blocked, block_reason
		FROM threat_indicators ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ThreatIndicator
	for rows.Next() {
		ind, err := scanSQLiteIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
