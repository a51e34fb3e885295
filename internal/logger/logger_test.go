package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesComponentToFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "logs", "pulse.log")
	l, err := New(Options{Level: "debug", Format: "json", Output: path, MaxAge: 7})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	Component(l, "state").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"component":"state"`) || !strings.Contains(line, `"message":"hello"`) {
		t.Errorf("unexpected log line: %s", line)
	}
}

func TestNewRejectsBadOptions(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if _, err := New(Options{Level: "loud"}); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("expected error for bad format")
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	e := Discard()
	if OrDiscard(e) != e {
		t.Error("OrDiscard should return the given entry")
	}
}
