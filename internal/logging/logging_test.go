package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if !logger.Core().Enabled(0) { // info
		t.Error("info level should be enabled by default")
	}
	if logger.Core().Enabled(-1) { // debug
		t.Error("debug level should be disabled by default")
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "estimator.log")
	logger, err := New(Config{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	logger.Debug("hello from test")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file = %q, want message", data)
	}
	if !strings.Contains(string(data), `"service":"estimator"`) {
		t.Errorf("log file = %q, want service field", data)
	}
}

func TestNew_BadLevelFallsBack(t *testing.T) {
	logger, err := New(Config{Level: "chatty", Format: "console"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if !logger.Core().Enabled(0) {
		t.Error("info should be enabled after fallback")
	}
}
