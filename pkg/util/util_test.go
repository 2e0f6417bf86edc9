package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "twsim.log")
	logger, err := NewLoggerWithFile("info", path)
	if err != nil {
		t.Fatalf("NewLoggerWithFile: %v", err)
	}
	logger.Sugar().Infow("session_active", "conn", "c-1")
	logger.Sugar().Debugw("dropped_below_level")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(raw)
	if !strings.Contains(out, `"msg":"session_active"`) {
		t.Errorf("log file missing event: %s", out)
	}
	if !strings.Contains(out, `"level":"INFO"`) {
		t.Errorf("want capital level names, got %s", out)
	}
	if strings.Contains(out, "dropped_below_level") {
		t.Errorf("debug line written at info level")
	}
}

func TestNewLogger_BadLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Fatal("want error for unknown level")
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	c := NewManualClock(start)

	ch := c.After(time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(500 * time.Millisecond)
	select {
	case got := <-ch:
		if want := start.Add(time.Second); !got.Equal(want) {
			t.Errorf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if got := c.Now(); !got.Equal(start.Add(time.Second)) {
		t.Errorf("Now() = %v", got)
	}
}
