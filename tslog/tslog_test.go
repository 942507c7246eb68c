package tslog

import "testing"

func TestDiscardDoesNotPanic(t *testing.T) {
	l := Discard()
	l.Debug("msg", "k", "v")
	l.Info("msg")
	l.Warning("msg", "k", 1)
	l.Error("msg", "k", nil)
}

func TestNewDefaultsToStderr(t *testing.T) {
	l := New(Config{})
	if l == nil {
		t.Fatal("New returned nil Logger")
	}
	// Smoke test only: real output goes to stderr, nothing to assert on.
	l.Info("started")
}
