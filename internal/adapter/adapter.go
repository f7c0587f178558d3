// Package adapter implements the PlatformAdapter: a capability-keyed
// registry of host primitives. Per spec.md §1 Non-goals, the concrete
// backend for any capability (screen capture, input injection, process
// launch) is out of scope; this package fixes only the contract the
// dispatcher depends on, plus stub backends used by tests and by any
// platform lacking a real backend.
package adapter

import (
	"context"
	"sync"
)

// Capability names, per spec.md §2.
const (
	CapScreenCapture = "screen.capture"
	CapInputInject   = "input.inject"
	CapClipboard     = "clipboard"
	CapFS            = "fs"
	CapShell         = "shell"
	CapWindow        = "window"
	CapPower         = "power"
	CapCredentials   = "credentials"
	CapNet           = "net"
)

// ErrNoGUISession is returned by a gui-only capability backend when no
// interactive desktop session is available (spec.md §4.4 "gui-only
// tools").
var ErrNoGUISession = &guiError{}

type guiError struct{}

func (*guiError) Error() string { return "NO_GUI_SESSION" }

// Backend is a capability's idempotent, cancellable operation surface.
// Concrete capabilities (screen capture, input injection, ...) each
// define their own richer interface embedding Backend; the dispatcher
// only depends on Present and the capability-keyed lookup below.
type Backend interface {
	// Present reports whether this capability is usable in the current
	// session (e.g. false for input.inject on headless Linux).
	Present(ctx context.Context) bool
}

// Adapter is the capability-keyed registry the dispatcher consults before
// validating a request (spec.md §4.4 "The dispatcher consults `present`
// before validating a request").
type Adapter struct {
	mu      sync.RWMutex
	backends map[string]Backend
}

func New() *Adapter {
	return &Adapter{backends: make(map[string]Backend)}
}

// Register adds (or replaces, before the agent starts serving traffic) a
// capability backend.
func (a *Adapter) Register(capability string, backend Backend) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backends[capability] = backend
}

// Present reports whether capability is registered and reports itself
// present.
func (a *Adapter) Present(ctx context.Context, capability string) bool {
	a.mu.RLock()
	b, ok := a.backends[capability]
	a.mu.RUnlock()
	if !ok {
		return false
	}
	return b.Present(ctx)
}

// MissingCapabilities filters required down to the ones currently absent,
// for the capability_unavailable error's "missing names listed" (spec.md
// §4.4).
func (a *Adapter) MissingCapabilities(ctx context.Context, required []string) []string {
	var missing []string
	for _, c := range required {
		if !a.Present(ctx, c) {
			missing = append(missing, c)
		}
	}
	return missing
}

// ListPresent returns every currently-present capability name, for
// `capabilities/list` and the doctor report.
func (a *Adapter) ListPresent(ctx context.Context) []string {
	a.mu.RLock()
	names := make([]string, 0, len(a.backends))
	for name := range a.backends {
		names = append(names, name)
	}
	a.mu.RUnlock()

	var present []string
	for _, n := range names {
		if a.Present(ctx, n) {
			present = append(present, n)
		}
	}
	return present
}

// ListAll returns every registered capability name regardless of present
// state, for the doctor report's full enumeration.
func (a *Adapter) ListAll() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.backends))
	for name := range a.backends {
		names = append(names, name)
	}
	return names
}

// StubBackend is a minimal Backend whose presence is fixed at
// construction; used for capabilities with no platform-specific backend
// wired (headless test environments, capabilities out of this spec's
// scope).
type StubBackend struct {
	present bool
}

func NewStubBackend(present bool) *StubBackend { return &StubBackend{present: present} }

func (s *StubBackend) Present(ctx context.Context) bool { return s.present }
