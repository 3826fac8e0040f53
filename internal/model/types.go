package model

import "time"

type EventType string

const (
	EventLoginAttempt        EventType = "login_attempt"
	EventFailedLogin         EventType = "failed_login"
	EventSuspiciousActivity  EventType = "suspicious_activity"
	EventDataAccess          EventType = "data_access"
	EventAPIAbuse            EventType = "api_abuse"
	EventEncryptionError     EventType = "encryption_error"
	EventComplianceViolation EventType = "compliance_violation"
	EventSystemAlert         EventType = "system_alert"
)

func ValidEventType(t EventType) bool {
	switch t {
	case EventLoginAttempt, EventFailedLogin, EventSuspiciousActivity,
		EventDataAccess, EventAPIAbuse, EventEncryptionError,
		EventComplianceViolation, EventSystemAlert:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for comparison; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func ValidSeverity(s Severity) bool {
	return s.Rank() > 0
}

type SecurityEvent struct {
	ID              string         `json:"id"`
	EventType       EventType      `json:"event_type"`
	Severity        Severity       `json:"severity"`
	UserID          string         `json:"user_id,omitempty"`
	IPAddress       string         `json:"ip_address"`
	UserAgent       string         `json:"user_agent,omitempty"`
	Description     string         `json:"description"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Resolved        bool           `json:"resolved"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
}

type IndicatorType string

const (
	IndicatorIPAddress       IndicatorType = "ip_address"
	IndicatorUserAgent       IndicatorType = "user_agent"
	IndicatorBehaviorPattern IndicatorType = "behavior_pattern"
	IndicatorGeographic      IndicatorType = "geographic_location"
)

// ThreatIndicator is an aggregated signal derived from repeated events that
// share a value. LastSeen never precedes FirstSeen; Occurrences >= 1.
type ThreatIndicator struct {
	ID            string        `json:"id"`
	IndicatorType IndicatorType `json:"indicator_type"`
	Value         string        `json:"value"`
	ThreatLevel   Severity      `json:"threat_level"`
	Description   string        `json:"description"`
	FirstSeen     time.Time     `json:"first_seen"`
	LastSeen      time.Time     `json:"last_seen"`
	Occurrences   int           `json:"occurrences"`
	IsBlocked     bool          `json:"is_blocked"`
	BlockReason   string        `json:"block_reason,omitempty"`
}

type AlertChannel string

const (
	ChannelEmail     AlertChannel = "email"
	ChannelSMS       AlertChannel = "sms"
	ChannelWebhook   AlertChannel = "webhook"
	ChannelDashboard AlertChannel = "dashboard"
)

// SecurityAlert records one delivery attempt chain for an event on one
// channel. Once Sent is true the record is terminal and never retried.
type SecurityAlert struct {
	ID           string       `json:"id"`
	EventID      string       `json:"event_id"`
	AlertType    AlertChannel `json:"alert_type"`
	Recipient    string       `json:"recipient"`
	Message      string       `json:"message"`
	Sent         bool         `json:"sent"`
	SentAt       *time.Time   `json:"sent_at,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	LastAttempt  *time.Time   `json:"last_attempt,omitempty"`
}

// RateLimitResult is the outcome of a single admission check. RetryAfter is
// populated (whole seconds) only when the call was rejected by burst
// protection.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	ResetTime  time.Time `json:"reset_time"`
	RetryAfter int       `json:"retry_after,omitempty"`
}

// Stats is the aggregate view served to the dashboard layer.
type Stats struct {
	TotalEvents      int              `json:"total_events"`
	EventsLastHour   int              `json:"events_last_hour"`
	BySeverity       map[Severity]int `json:"by_severity"`
	UnresolvedEvents int              `json:"unresolved_events"`
	AlertsSent       int              `json:"alerts_sent"`
	AlertsFailed     int              `json:"alerts_failed"`
	ThreatIndicators int              `json:"threat_indicators"`
	BlockedIPs       int              `json:"blocked_ips"`
}
