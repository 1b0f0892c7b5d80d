package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerWritesJSONWithFields(t *testing.T) {
	var buf bytes.Buffer
	l := WithStage(NewLogger("info", &buf), "job-1", "packaging")
	l.Info("stage finished", Tier(2), Error(errors.New("x")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if rec[KeyJobID] != "job-1" || rec[KeyStage] != "packaging" {
		t.Errorf("missing job/stage attrs: %v", rec)
	}
	if rec[KeyTier] != float64(2) {
		t.Errorf("tier = %v, want 2", rec[KeyTier])
	}
	if rec[KeyError] != "x" {
		t.Errorf("error = %v, want x", rec[KeyError])
	}
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("error", &buf)
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info line written at error level: %s", buf.String())
	}
}
