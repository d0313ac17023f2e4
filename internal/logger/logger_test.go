package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "warn", Format: "json", Out: &buf})

	Debug("hidden %d", 1)
	Info("hidden %d", 2)
	Warn("shown %d", 3)
	Error("shown %d", 4)

	entries := lines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %s", len(entries), buf.String())
	}
	if entries[0]["level"] != "warn" || entries[0]["message"] != "shown 3" {
		t.Errorf("unexpected first entry: %v", entries[0])
	}
	if entries[1]["level"] != "error" {
		t.Errorf("unexpected second entry: %v", entries[1])
	}
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "verbose", Format: "json", Out: &buf})

	Debug("hidden")
	Info("shown")

	if entries := lines(t, &buf); len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

func TestCallerPointsAtCallSite(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "info", Format: "json", Out: &buf})

	Info("where")

	entries := lines(t, &buf)
	caller, _ := entries[0]["caller"].(string)
	if !strings.Contains(caller, "logger_test.go") {
		t.Errorf("caller = %q, want logger_test.go", caller)
	}
}

func TestGetForComponent(t *testing.T) {
	var buf bytes.Buffer
	Setup(Options{Level: "debug", Format: "json", Out: &buf})

	log := GetForComponent("pipeline")
	log.Info().Str("ilk", "weth").Msg("cycle")

	entries := lines(t, &buf)
	if entries[0]["component"] != "pipeline" || entries[0]["ilk"] != "weth" {
		t.Errorf("unexpected entry: %v", entries[0])
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultwatch.log")
	closer := Setup(Options{Level: "info", Format: "text", File: path, MaxSizeMB: 1})
	Info("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	defer Setup(Options{Level: "info", Format: "json"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing message: %q", data)
	}
}
