package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewEmitsJSONAtConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo)

	log.Info("engine opened", "dir", "/data")
	log.Debug("should not appear at Info level")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected exactly one emitted line at Info level, got %d: %q", len(lines), buf.String())
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("expected valid JSON output, got error: %v", err)
	}
	if decoded["msg"] != "engine opened" {
		t.Fatalf("msg = %v, want %q", decoded["msg"], "engine opened")
	}
	if decoded["dir"] != "/data" {
		t.Fatalf("dir = %v, want /data", decoded["dir"])
	}
}

func TestBytesHumanizesCounts(t *testing.T) {
	cases := []struct {
		n        uint64
		contains string
	}{
		{0, "0 B"},
		{1024, "kB"},
		{4 * 1024 * 1024, "MB"},
	}
	for _, c := range cases {
		got := Bytes(c.n)
		if !strings.Contains(got, c.contains) {
			t.Fatalf("Bytes(%d) = %q, want it to contain %q", c.n, got, c.contains)
		}
	}
}
