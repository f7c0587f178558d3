package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	agenterrors "github.com/fleetlink/endpoint-agent/internal/errors"
	"github.com/fleetlink/endpoint-agent/internal/logging"
	"github.com/fleetlink/endpoint-agent/internal/metrics"
	"github.com/fleetlink/endpoint-agent/internal/power"
)

// RequestHandler is the CommandDispatcher's half of the contract: the
// session forwards every inbound `request` frame here and never inspects
// tool semantics itself. sink.Resolve is guaranteed to be called exactly
// once (possibly synchronously, possibly later from another goroutine).
type RequestHandler interface {
	HandleRequest(ctx context.Context, id, method string, params json.RawMessage, origin string, sink Sink)
}

// LicenseSink receives license/agent state transitions pushed by the
// control plane, per spec.md §4.1's "forwards license state-change
// messages to a local state machine."
type LicenseSink interface {
	ApplyLicenseStateChange(newState string, gracePeriod time.Duration)
}

// PowerSink is notified when the session observes a transition out of
// SLEEP (an explicit `wake` frame, or a `config` frame whose power_state
// field leaves SLEEP), so the dispatcher can drain its sleep queue in
// arrival order before any newly accepted request (spec.md §8 invariant 7).
type PowerSink interface {
	OnWake(ctx context.Context)
}

// PermissionsSink receives the raw permission map pushed by the control
// plane in register_ack/config frames (spec.md §3's Permissions), so the
// license state machine's cached Permissions stays in sync with whatever
// the server last pushed.
type PermissionsSink interface {
	ApplyPermissions(map[string]bool)
}

// Identity is the set of registration fields the session needs but does
// not own (agent package owns their derivation).
type Identity struct {
	MachineID   string
	Fingerprint map[string]string
	OS          string
	Arch        string
	Version     string
}

// SecretStore is the minimal persistence contract the session needs; the
// agent package's SecretStore satisfies it.
type SecretStore interface {
	Load() (string, bool, error)
	Save(secret string) error
}

// Config tunes a Session.
type Config struct {
	URL                string
	Identity           Identity
	Secrets            SecretStore
	Handler            RequestHandler
	License            LicenseSink
	Power              PowerSink
	// PowerVar is the shared power-state variable the dispatcher reads for
	// its SLEEP pre-condition/queueing gate (spec.md §4.2 step 3). The
	// session is the sole writer: every observed power-state change is
	// mirrored here so PowerVar.Get() reflects what the control plane last
	// pushed, not just its zero value.
	PowerVar           *power.Var
	Permissions        PermissionsSink
	Backoff            agenterrors.BackoffConfig
	DefaultHeartbeat    time.Duration // used until first config frame
	InvalidSecretBackoff time.Duration // floor after INVALID_AGENT_SECRET
	Dialer             *websocket.Dialer
	// Metrics is optional; when set, the session records heartbeat and
	// reconnect series against it.
	Metrics            *metrics.Collectors
}

// PowerState mirrors spec.md §3.
type PowerState string

const (
	PowerActive  PowerState = "ACTIVE"
	PowerPassive PowerState = "PASSIVE"
	PowerSleep   PowerState = "SLEEP"
)

// HardRequestCeiling bounds how long a PendingTable entry survives before
// ExpireOverdue reclaims it; set above the dispatcher's own 120s hard
// deadline cap plus the 5-minute sleep-queue ceiling so it never fires
// ahead of the dispatcher's own outcome.
const HardRequestCeiling = 8 * time.Minute

// HeartbeatInterval returns the cadence for a power state (spec.md §3).
func HeartbeatInterval(p PowerState) time.Duration {
	switch p {
	case PowerPassive:
		return 30 * time.Second
	case PowerSleep:
		return 300 * time.Second
	default:
		return 5 * time.Second
	}
}

// Session is the SessionLayer: one logical duplex link, reconnecting
// forever. Control flow is grounded on the arkeep agent connection
// manager's outer reconnect loop plus concurrent heartbeat/read pumps,
// specialized to the wingthing-style JSON envelope protocol.
type Session struct {
	cfg    Config
	log    logging.Logger
	Pending *PendingTable

	mu            sync.RWMutex
	conn          *websocket.Conn
	sessionID     string
	powerState    PowerState
	heartbeatIvl  time.Duration
	gotFirstConfig bool
	licenseStatus string
	writeMu       sync.Mutex
	currentTaskFn func() string

	snapshotMu sync.RWMutex
	snapshot   StateSnapshot
}

// StateSnapshot is a read-only, atomically-replaced view of session state
// that other goroutines read through Snapshot (the `agentd status`
// command). Written only by the session, per spec.md §5 "treat as
// atomic snapshot."
type StateSnapshot struct {
	Connected     bool
	SessionID     string
	PowerState    PowerState
	LicenseStatus string
	Permissions   map[string]bool
}

func New(cfg Config, log logging.Logger) *Session {
	if cfg.Backoff.Initial == 0 {
		cfg.Backoff = agenterrors.DefaultSessionBackoff()
	}
	if cfg.DefaultHeartbeat == 0 {
		cfg.DefaultHeartbeat = 30 * time.Second
	}
	if cfg.InvalidSecretBackoff == 0 {
		cfg.InvalidSecretBackoff = 5 * time.Minute
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Session{
		cfg:          cfg,
		log:          logging.OrNop(log),
		Pending:      NewPendingTable(),
		powerState:   PowerActive,
		heartbeatIvl: cfg.DefaultHeartbeat,
	}
}

// Snapshot returns the current read-only state view.
func (s *Session) Snapshot() StateSnapshot {
	s.snapshotMu.RLock()
	defer s.snapshotMu.RUnlock()
	return s.snapshot
}

func (s *Session) setSnapshot(mut func(*StateSnapshot)) {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()
	mut(&s.snapshot)
}

// Run is the outer reconnect loop; it never returns except on ctx
// cancellation, matching spec.md §4.1 "Never give up; the agent is
// expected to run indefinitely."
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.connectAndServe(ctx)
		s.Pending.DrainWithFailure(agenterrors.KindCancelled, "session disconnected")
		s.setSnapshot(func(snap *StateSnapshot) { snap.Connected = false })

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == errInvalidSecret {
			s.log.Warn("agent secret rejected by control plane; entering long backoff")
			select {
			case <-time.After(s.cfg.InvalidSecretBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			attempt = 0
			continue
		}

		delay := agenterrors.Backoff(s.cfg.Backoff, attempt)
		s.log.Warn("session disconnected, reconnecting in %s: %v", delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		attempt++
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ReconnectCount.Inc()
		}
	}
}

var errInvalidSecret = fmt.Errorf("session: invalid agent secret")

func (s *Session) connectAndServe(ctx context.Context) error {
	header := http.Header{}
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("session: dial: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.register(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	g.Go(func() error { return s.readLoop(gctx) })
	return g.Wait()
}

func (s *Session) register(ctx context.Context) error {
	secret, _, err := s.cfg.Secrets.Load()
	if err != nil {
		s.log.Warn("failed to load stored secret: %v", err)
	}
	reg := RegisterFrame{
		Type:        TypeRegister,
		MachineID:   s.cfg.Identity.MachineID,
		Fingerprint: s.cfg.Identity.Fingerprint,
		OS:          s.cfg.Identity.OS,
		Arch:        s.cfg.Identity.Arch,
		Version:     s.cfg.Identity.Version,
		Secret:      secret,
	}
	if err := s.writeJSON(reg); err != nil {
		return fmt.Errorf("session: write register: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("session: read register_ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeRegisterAck {
		return fmt.Errorf("session: expected register_ack, got %q (err=%v)", env.Type, err)
	}
	var ack RegisterAckFrame
	if err := json.Unmarshal(data, &ack); err != nil {
		return fmt.Errorf("session: decode register_ack: %w", err)
	}
	if ack.ErrorCode == "INVALID_AGENT_SECRET" {
		return errInvalidSecret
	}
	if ack.AgentSecret != "" {
		if err := s.cfg.Secrets.Save(ack.AgentSecret); err != nil {
			s.log.Warn("failed to persist agent secret: %v", err)
		}
	}

	s.mu.Lock()
	s.sessionID = ack.SessionID
	s.licenseStatus = ack.LicenseStatus
	s.applyConfigFieldsLocked(ack.Config)
	s.mu.Unlock()

	s.setSnapshot(func(snap *StateSnapshot) {
		snap.Connected = true
		snap.SessionID = ack.SessionID
		snap.LicenseStatus = ack.LicenseStatus
		snap.PowerState = s.powerState
		snap.Permissions = ack.Config.Permissions
	})
	if ack.Config.Permissions != nil && s.cfg.Permissions != nil {
		s.cfg.Permissions.ApplyPermissions(ack.Config.Permissions)
	}
	return nil
}

// applyConfigFieldsLocked must be called with s.mu held.
func (s *Session) applyConfigFieldsLocked(f ConfigFields) {
	if f.HeartbeatIntervalMS > 0 {
		s.heartbeatIvl = time.Duration(f.HeartbeatIntervalMS) * time.Millisecond
	}
	if f.PowerState != "" {
		s.powerState = PowerState(f.PowerState)
		if s.cfg.PowerVar != nil {
			s.cfg.PowerVar.Set(power.State(s.powerState))
		}
	}
	s.gotFirstConfig = true
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	for {
		s.mu.RLock()
		ivl := s.heartbeatIvl
		power := s.powerState
		s.mu.RUnlock()

		hb := HeartbeatFrame{
			Type:         TypeHeartbeat,
			PowerState:   string(power),
			ScreenLocked: false,
			Version:      s.cfg.Identity.Version,
			QueueDepth:   s.Pending.Len(),
		}
		if s.currentTaskFn != nil {
			hb.CurrentTask = s.currentTaskFn()
		}
		if err := s.writeJSON(hb); err != nil {
			return fmt.Errorf("session: write heartbeat: %w", err)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.HeartbeatsSent.Inc()
		}
		if n := s.Pending.ExpireOverdue(time.Now(), agenterrors.KindTimeout); n > 0 {
			s.log.Warn("expired %d overdue pending request(s)", n)
		}

		// spec.md §4.1: "if no inbound traffic or ack is observed within
		// 2.5x the current heartbeat interval, close and reconnect" is
		// enforced by readLoop's read deadline, reset on every inbound
		// frame; heartbeatLoop only needs to fire on schedule.
		select {
		case <-time.After(ivl):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	s.mu.RLock()
	conn := s.conn
	ivl := s.heartbeatIvl
	s.mu.RUnlock()

	deadline := time.Duration(float64(ivl) * 2.5)
	_ = conn.SetReadDeadline(time.Now().Add(deadline))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code == websocket.CloseNormalClosure {
				s.log.Info("session closed by server (%s)", ce.Text)
			}
			return fmt.Errorf("session: read: %w", err)
		}

		s.mu.RLock()
		ivl = s.heartbeatIvl
		s.mu.RUnlock()
		_ = conn.SetReadDeadline(time.Now().Add(time.Duration(float64(ivl) * 2.5)))

		s.handleFrame(ctx, data)
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// spec.md §4.1: "Parse errors on inbound frames are logged and the
		// frame dropped; the session is not closed for a single malformed
		// message."
		s.log.Warn("dropping malformed frame: %v", err)
		return
	}

	switch env.Type {
	case TypeConfig:
		var cf ConfigFrame
		if err := json.Unmarshal(data, &cf); err != nil {
			s.log.Warn("dropping malformed config frame: %v", err)
			return
		}
		s.mu.Lock()
		prevPower := s.powerState
		s.applyConfigFieldsLocked(cf.ConfigFields)
		nextPower := s.powerState
		s.mu.Unlock()
		s.setSnapshot(func(snap *StateSnapshot) {
			snap.PowerState = nextPower
			if cf.Permissions != nil {
				snap.Permissions = cf.Permissions
			}
		})
		if prevPower == PowerSleep && nextPower != PowerSleep && s.cfg.Power != nil {
			s.cfg.Power.OnWake(ctx)
		}
		if cf.Permissions != nil && s.cfg.Permissions != nil {
			s.cfg.Permissions.ApplyPermissions(cf.Permissions)
		}

	case TypeWake:
		// Open question (ii): wake before any config is an implicit
		// transition to ACTIVE at the default 5s interval, overridden by
		// any later config frame.
		s.mu.Lock()
		s.powerState = PowerActive
		if !s.gotFirstConfig {
			s.heartbeatIvl = HeartbeatInterval(PowerActive)
		}
		s.mu.Unlock()
		if s.cfg.PowerVar != nil {
			s.cfg.PowerVar.Set(power.Active)
		}
		s.setSnapshot(func(snap *StateSnapshot) { snap.PowerState = PowerActive })
		if s.cfg.Power != nil {
			s.cfg.Power.OnWake(ctx)
		}

	case TypeLicenseStateChange:
		var lf LicenseStateChangeFrame
		if err := json.Unmarshal(data, &lf); err != nil {
			s.log.Warn("dropping malformed license_state_change frame: %v", err)
			return
		}
		s.mu.Lock()
		s.licenseStatus = lf.NewState
		s.mu.Unlock()
		s.setSnapshot(func(snap *StateSnapshot) { snap.LicenseStatus = lf.NewState })
		if s.cfg.License != nil {
			s.cfg.License.ApplyLicenseStateChange(lf.NewState, time.Duration(lf.GracePeriodMS)*time.Millisecond)
		}

	case TypeRequest:
		var rf RequestFrame
		if err := json.Unmarshal(data, &rf); err != nil {
			s.log.Warn("dropping malformed request frame: %v", err)
			return
		}
		if s.cfg.Handler == nil {
			s.sendError(rf.ID, agenterrors.KindInternal, "no request handler installed", "")
			return
		}
		if s.Pending.Has(rf.ID) {
			// spec.md §8 invariant 2: ids never repeat within a session; a
			// repeat is a control-plane bug, not a condition to surface to
			// the dispatcher.
			s.log.Warn("dropping request with duplicate id %s", rf.ID)
			return
		}
		origin := s.sessionIDSnapshot()
		writer := SinkFunc(func(o Outcome) {
			if o.Err != nil {
				s.sendError(rf.ID, o.Err.Kind, o.Err.Error(), o.Err.Reason)
				return
			}
			s.sendResponse(rf.ID, o.Result)
		})
		// Routed through PendingTable so a synthetic disconnect failure
		// (DrainWithFailure) and the dispatcher's real outcome can never
		// both reach the wire for the same id (spec.md §8 invariant 2).
		s.Pending.Put(rf.ID, time.Now().Add(HardRequestCeiling), origin, writer)
		forwarder := SinkFunc(func(o Outcome) { s.Pending.Resolve(rf.ID, o) })
		s.cfg.Handler.HandleRequest(ctx, rf.ID, rf.Method, rf.Params, origin, forwarder)

	case TypeResponse, TypeError:
		// Inbound response/error would only occur if the session itself
		// issued a request upstream (not used by this spec); ignore.

	default:
		s.log.Warn("dropping frame of unknown type %q", env.Type)
	}
}

func (s *Session) sessionIDSnapshot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// sendResponse/sendError let the dispatcher resolve a request asynchronously
// (after handleFrame's sink closure has already returned).
func (s *Session) sendResponse(id string, result interface{}) {
	if err := s.writeJSON(ResponseFrame{Type: TypeResponse, ID: id, Result: result}); err != nil {
		// spec.md §4.1: "Write errors on a response fail that response
		// only; further responses are attempted."
		s.log.Warn("failed to write response %s: %v", id, err)
	}
}

func (s *Session) sendError(id string, code agenterrors.Kind, message, reason string) {
	if err := s.writeJSON(ErrorFrame{Type: TypeError, ID: id, Code: string(code), Message: message, Reason: reason}); err != nil {
		s.log.Warn("failed to write error %s: %v", id, err)
	}
}

// Notify sends an agent-initiated notification frame.
func (s *Session) Notify(event string, data interface{}) error {
	return s.writeJSON(NotificationFrame{Type: TypeNotification, Event: event, Data: data})
}

// writeJSON serializes the outbound writer onto a single mutex so frames
// never interleave on the wire (spec.md §5 "The outbound writer is
// serialized by a single queue").
func (s *Session) writeJSON(v interface{}) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("session: not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}
