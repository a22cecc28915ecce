package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		" WARN ":   slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"":         slog.LevelInfo,
		"verbose?": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := levelFromString(in); got != want {
			t.Errorf("levelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerWritesServiceAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", "dispatch-server")
	logger.Debug("hidden")
	logger.Info("offers sent", "trip_id", "t1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["service"] != "dispatch-server" || rec["trip_id"] != "t1" || rec["msg"] != "offers sent" {
		t.Fatalf("unexpected record %v", rec)
	}
}
