package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "info", "json", false)

	log.Debug("dropped")
	log.Info("supervisor.transition", "session_id", "u1", "to", "open")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "dropped") {
		t.Fatalf("debug record logged at info level: %q", line)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("not JSON: %q (%v)", line, err)
	}
	if rec["msg"] != "supervisor.transition" || rec["session_id"] != "u1" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewLogger_Pretty(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "debug", "pretty", false)

	log.Warn("lock.renew.fail", "session_id", "u1", "err", "lease lost")

	out := buf.String()
	for _, want := range []string{"[WARN]", "lock.renew.fail", "session_id=u1", `err="lease lost"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}
