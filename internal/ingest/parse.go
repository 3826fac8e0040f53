package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sentinel/internal/model"
	"sentinel/internal/monitor"
)

var errEmptyPayload = errors.New("empty payload")

// DecodeEvent parses one inbound JSON object into an EventInput, normalizing
// enum casing and requiring the fields ingestion cannot default.
func DecodeEvent(raw []byte) (monitor.EventInput, error) {
	var in monitor.EventInput
	if len(raw) == 0 {
		return in, errEmptyPayload
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("decode event: %w", err)
	}
	return NormalizeInput(in)
}

// NormalizeInput trims and lowercases the enum fields and validates the
// result. Severity defaults to low when omitted.
func NormalizeInput(in monitor.EventInput) (monitor.EventInput, error) {
	in.EventType = model.EventType(strings.ToLower(strings.TrimSpace(string(in.EventType))))
	in.Severity = model.Severity(strings.ToLower(strings.TrimSpace(string(in.Severity))))
	in.IPAddress = strings.TrimSpace(in.IPAddress)
	in.Description = strings.TrimSpace(in.Description)
	if in.Severity == "" {
		in.Severity = model.SeverityLow
	}
	if !model.ValidEventType(in.EventType) {
		return in, fmt.Errorf("unknown event type %q", in.EventType)
	}
	if !model.ValidSeverity(in.Severity) {
		return in, fmt.Errorf("unknown severity %q", in.Severity)
	}
	if in.IPAddress == "" {
		return in, errors.New("ip_address is required")
	}
	return in, nil
}
