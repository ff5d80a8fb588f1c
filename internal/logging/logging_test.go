package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlord.log")
	logger, err := New("debug", "json", path)
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("[Overlord] Acquiring vessels", zap.Int("count", 3))
	if err := logger.Sync(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("log line %q is not JSON: %v", data, err)
	}
	if entry["msg"] != "[Overlord] Acquiring vessels" || entry["count"] != float64(3) {
		t.Errorf("entry %v", entry)
	}
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlord.log")
	logger, err := New("warn", "console", path)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "shown") {
		t.Errorf("log contents %q", data)
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	if _, err := New("loud", "console", ""); err == nil {
		t.Error("bad level accepted")
	}
	if _, err := New("info", "xml", ""); err == nil {
		t.Error("bad format accepted")
	}
}
