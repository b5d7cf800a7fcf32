package logging

import "testing"

func TestNewJSON(t *testing.T) {
	l, err := New(true)
	if err != nil {
		t.Fatalf("New(true) returned error: %v", err)
	}
	if l == nil {
		t.Fatal("New(true) returned nil logger")
	}
	l.Named("transport").Infow("dialing core", "host", "10.0.0.5", "port", 443)
}

func TestNewConsole(t *testing.T) {
	l, err := New(false)
	if err != nil {
		t.Fatalf("New(false) returned error: %v", err)
	}
	if l == nil {
		t.Fatal("New(false) returned nil logger")
	}
	l.Named("changegroups").Warnw("poll overrun", "group", "mixer-levels", "elapsed_ms", 480)
}

func TestNopIsSafe(t *testing.T) {
	l := Nop()
	l.Info("discarded")
	if err := Sync(l); err != nil {
		t.Fatalf("Sync on nop logger returned error: %v", err)
	}
}

func TestSyncNilLogger(t *testing.T) {
	if err := Sync(nil); err != nil {
		t.Fatalf("Sync(nil) returned error: %v", err)
	}
}
