// Package power owns the power_state variable and the heartbeat-interval
// table of spec.md §3/§4.1. Read by many tasks and written only by the
// session layer, per spec.md §5: "treat as atomic snapshot."
package power

import (
	"sync"
	"time"
)

type State string

const (
	Active  State = "ACTIVE"
	Passive State = "PASSIVE"
	Sleep   State = "SLEEP"
)

// HeartbeatInterval returns the cadence for a power state (spec.md §3:
// 5s / 30s / 300s for ACTIVE / PASSIVE / SLEEP).
func HeartbeatInterval(s State) time.Duration {
	switch s {
	case Passive:
		return 30 * time.Second
	case Sleep:
		return 300 * time.Second
	default:
		return 5 * time.Second
	}
}

// Var is an atomically-snapshotted power state variable shared between the
// session (sole writer) and the dispatcher/tui (readers).
type Var struct {
	mu    sync.RWMutex
	state State
}

func NewVar() *Var { return &Var{state: Active} }

func (v *Var) Get() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *Var) Set(s State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
}
