package update

import (
	"testing"
	"time"
)

func TestRestartGuardAllowsWithinWindow(t *testing.T) {
	g := NewRestartGuard(3, 10*time.Second, 5*time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !g.Allow(now) {
			t.Fatalf("attempt %d should be allowed", i)
		}
		g.Record(now)
	}
	if g.Allow(now) {
		t.Errorf("4th attempt within the window should be denied")
	}
}

func TestRestartGuardCooldownExpires(t *testing.T) {
	g := NewRestartGuard(1, 10*time.Second, 2*time.Second)
	now := time.Now()

	if !g.Allow(now) {
		t.Fatalf("first attempt should be allowed")
	}
	g.Record(now)
	g.Record(now) // exceed maxInWindow, arms cooldown

	if g.Allow(now) {
		t.Errorf("expected cooldown to deny further attempts")
	}
	if !g.Allow(now.Add(3 * time.Second)) {
		t.Errorf("expected cooldown to have expired after its duration")
	}
}

func TestRestartGuardPrunesOldHistory(t *testing.T) {
	g := NewRestartGuard(2, time.Second, 5*time.Second)
	now := time.Now()
	g.Record(now)
	g.Record(now)
	if g.Allow(now) {
		t.Fatalf("expected window to be full")
	}
	if !g.Allow(now.Add(2 * time.Second)) {
		t.Errorf("expected pruning to free up the window after it elapses")
	}
}
