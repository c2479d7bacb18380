package fleet

import (
	"io"
	"log"
	"testing"
	"time"
)

func TestSweeperDefaults(t *testing.T) {
	s, err := NewSweeper(NewRegistry(), 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}
	if s.timeout != DefaultLivenessTimeout {
		t.Fatalf("timeout = %v, want %v", s.timeout, DefaultLivenessTimeout)
	}
	if s.interval != DefaultSweepInterval {
		t.Fatalf("interval = %v, want %v", s.interval, DefaultSweepInterval)
	}
}

func TestSweeperRequiresRegistry(t *testing.T) {
	if _, err := NewSweeper(nil, 0, 0, nil, nil); err == nil {
		t.Fatal("NewSweeper(nil) succeeded, want error")
	}
}

func TestSweepInvokesHook(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	r.Register("esp-01", "10.0.0.5", "1.0.0", nil)

	var notified []string
	s, err := NewSweeper(r, 60*time.Second, time.Second, log.New(io.Discard, "", 0), func(id string) {
		notified = append(notified, id)
	})
	if err != nil {
		t.Fatalf("NewSweeper() error = %v", err)
	}

	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	s.sweep()

	if len(notified) != 1 || notified[0] != "esp-01" {
		t.Fatalf("hook received %v, want [esp-01]", notified)
	}

	// Already-offline devices do not fire the hook again.
	s.sweep()
	if len(notified) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(notified))
	}
}
