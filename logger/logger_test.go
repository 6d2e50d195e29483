package logger

import (
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := GetLogger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level.
	t.Setenv("LOG_LEVEL", "")

	log := newLogger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := newLogger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := newLogger()
	path := t.TempDir() + "/marketpulse.log"
	if err := log.Configure("debug", "text", path, 0); err != nil {
		t.Fatalf("configure file output: %v", err)
	}
	if err := log.Configure("debug", "text", path, 7); err != nil {
		t.Fatalf("configure rotated output: %v", err)
	}
}
