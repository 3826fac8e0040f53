package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelGatesOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", "json", &buf)

	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info record emitted below warn level: %s", buf.String())
	}
	logger.Warn("loud")
	if buf.Len() == 0 {
		t.Fatalf("warn record suppressed")
	}
}

func TestJSONFormatCarriesServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("info", "json", &buf)
	logger.Info("hello", "k", "v")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	if rec["service"] != "sentinel" || rec["k"] != "v" {
		t.Fatalf("attrs missing from record: %v", rec)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("info", "text", &buf)
	logger.Info("hello")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("text format produced json: %s", out)
	}
	if !strings.Contains(out, "service=sentinel") {
		t.Fatalf("service attr missing: %s", out)
	}
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("verbose", "json", &buf)

	logger.Debug("quiet")
	if buf.Len() != 0 {
		t.Fatalf("debug record emitted at default level")
	}
	logger.Info("loud")
	if buf.Len() == 0 {
		t.Fatalf("info record suppressed at default level")
	}
}
