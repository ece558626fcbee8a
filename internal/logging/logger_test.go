package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{App: "coderace", Instance: "i-1", Level: "debug", Out: &buf})
	component := Component(logger, "bridge")
	component.Debug().Str("key", "session_x").Msg("exposed")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	for field, want := range map[string]string{
		"app":       "coderace",
		"instance":  "i-1",
		"component": "bridge",
		"key":       "session_x",
		"message":   "exposed",
		"level":     "debug",
	} {
		if got := line[field]; got != want {
			t.Errorf("%s = %v, want %q", field, got, want)
		}
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "nonsense", Out: &buf})
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line written at default level: %q", buf.String())
	}
	logger.Info().Msg("shown")
	if buf.Len() == 0 {
		t.Error("info line not written")
	}
}
