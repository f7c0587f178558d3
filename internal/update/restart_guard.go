package update

import (
	"sync"
	"time"
)

// RestartGuard adds storm detection on top of the plain cool-down timer,
// adapted from the teacher's supervisor.RestartPolicy: even a forced
// update (which is normally exempt from the FAILED cool-down per spec.md
// §4.3) must not be allowed to retry-loop a crashing installer into a
// reboot storm.
type RestartGuard struct {
	maxInWindow int
	window      time.Duration
	cooldown    time.Duration

	mu            sync.Mutex
	history       []time.Time
	cooldownUntil time.Time
}

func NewRestartGuard(maxInWindow int, window, cooldown time.Duration) *RestartGuard {
	return &RestartGuard{maxInWindow: maxInWindow, window: window, cooldown: cooldown}
}

// Allow reports whether another install attempt may proceed right now.
func (g *RestartGuard) Allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Before(g.cooldownUntil) {
		return false
	}
	g.prune(now)
	return len(g.history) < g.maxInWindow
}

// Record logs an install attempt and enters cooldown if the window's
// attempt count exceeds the storm threshold; entering cooldown clears the
// window's history, so attempts are allowed again once it expires.
func (g *RestartGuard) Record(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(now)
	g.history = append(g.history, now)
	if len(g.history) > g.maxInWindow {
		g.cooldownUntil = now.Add(g.cooldown)
		g.history = g.history[:0]
	}
}

func (g *RestartGuard) prune(now time.Time) {
	cutoff := now.Add(-g.window)
	kept := g.history[:0]
	for _, t := range g.history {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	g.history = kept
}
