package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warn":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetupFiltersByLevel(t *testing.T) {
	orig := log.Logger
	t.Cleanup(func() { log.Logger = orig })

	var buf bytes.Buffer
	if err := setup(&buf, "warn", false); err != nil {
		t.Fatalf("setup: %v", err)
	}
	log.Info().Msg("quiet")
	log.Warn().Str("component", "room").Msg("loud")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["message"] != "loud" || entry["component"] != "room" || entry["level"] != "warn" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected a timestamp")
	}
}

func TestSetupPretty(t *testing.T) {
	orig := log.Logger
	t.Cleanup(func() { log.Logger = orig })

	var buf bytes.Buffer
	if err := setup(&buf, "info", true); err != nil {
		t.Fatalf("setup: %v", err)
	}
	log.Info().Msg("hello")
	if !strings.Contains(buf.String(), "hello") || strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected console output, got %q", buf.String())
	}
}

func TestSetupRejectsBadLevel(t *testing.T) {
	if err := Setup("chatty", false); err == nil {
		t.Error("expected error")
	}
}
