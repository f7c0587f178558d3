// Package license implements the license/agent state machine of spec.md
// §3: server-authoritative transitions, a terminal-state allowlist, and
// grace-period-bounded cancellation of in-flight handlers. Allowlist
// filtering is grounded on the teacher's filteredRegistry pattern
// (internal/app/toolregistry/registry.go), which excludes named
// operations from an otherwise-open set by name.
package license

import (
	"sync"
	"time"
)

// AgentState mirrors spec.md §3.
type AgentState string

const (
	StatePending AgentState = "PENDING"
	StateActive  AgentState = "ACTIVE"
	StateExpired AgentState = "EXPIRED"
	StateBlocked AgentState = "BLOCKED"
)

// Permissions mirror spec.md §3.
type Permissions struct {
	MasterMode           bool
	FileTransfer         bool
	LocalSettingsLocked  bool
}

// allowlist is the set of methods admitted regardless of agent state
// (spec.md §4.2 step 1 and §8 invariant 4).
var allowlist = map[string]bool{
	"ping":               true,
	"status":             true,
	"capabilities/list":  true,
	"tools/list":         true,
}

// IsAllowlisted reports whether method is admitted even when the agent
// state would otherwise refuse it.
func IsAllowlisted(method string) bool {
	return allowlist[method]
}

// Machine is the local cache of server-authoritative license/agent state.
// The agent never promotes itself from PENDING to ACTIVE (spec.md §3
// invariant); every transition here is driven by an explicit Apply call
// from the session layer's license_state_change handling.
type Machine struct {
	mu            sync.RWMutex
	state         AgentState
	permissions   Permissions
	graceDeadline time.Time

	onTransition []func(old, new AgentState)
}

func New() *Machine {
	return &Machine{state: StatePending}
}

// OnTransition registers a callback invoked synchronously on every state
// change, used by the dispatcher to cancel in-flight non-allowlist
// handlers within the declared grace period (spec.md §8 invariant 4).
func (m *Machine) OnTransition(fn func(old, new AgentState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = append(m.onTransition, fn)
}

// Apply transitions to newState, arming a grace-period deadline after
// which any in-flight non-allowlist handler must have been cancelled.
func (m *Machine) Apply(newState AgentState, gracePeriod time.Duration) {
	m.mu.Lock()
	old := m.state
	m.state = newState
	if gracePeriod > 0 {
		m.graceDeadline = time.Now().Add(gracePeriod)
	} else {
		m.graceDeadline = time.Time{}
	}
	callbacks := append([]func(old, new AgentState){}, m.onTransition...)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(old, newState)
	}
}

// ApplyLicenseStateChange implements session.LicenseSink, adapting the
// wire frame's bare string state to Apply.
func (m *Machine) ApplyLicenseStateChange(newState string, gracePeriod time.Duration) {
	m.Apply(AgentState(newState), gracePeriod)
}

// SetPermissions updates the cached permission set (server-pushed via
// config frames).
func (m *Machine) SetPermissions(p Permissions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.permissions = p
}

// ApplyPermissions implements session.PermissionsSink, adapting the wire
// frame's bare string-keyed map to Permissions.
func (m *Machine) ApplyPermissions(raw map[string]bool) {
	m.SetPermissions(Permissions{
		MasterMode:          raw["master_mode"],
		FileTransfer:        raw["file_transfer"],
		LocalSettingsLocked: raw["local_settings_locked"],
	})
}

func (m *Machine) Permissions() Permissions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.permissions
}

func (m *Machine) State() AgentState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// GraceDeadline returns the deadline by which in-flight handlers must be
// cancelled after a BLOCKED transition, or the zero Time if none is armed.
func (m *Machine) GraceDeadline() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.graceDeadline
}

// Admit reports whether method may be dispatched given the current state,
// per spec.md §4.2 pre-condition gate step 1.
func (m *Machine) Admit(method string) (ok bool, reasonKind string) {
	state := m.State()
	switch state {
	case StateActive:
		return true, ""
	case StatePending:
		if IsAllowlisted(method) {
			return true, ""
		}
		return false, "awaiting_activation"
	case StateExpired:
		if IsAllowlisted(method) {
			return true, ""
		}
		return false, "license_expired"
	case StateBlocked:
		if IsAllowlisted(method) {
			return true, ""
		}
		return false, "license_blocked"
	default:
		return false, "license_expired"
	}
}
