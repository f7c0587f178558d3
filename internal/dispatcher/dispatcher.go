// Package dispatcher implements the CommandDispatcher: translates inbound
// requests into tool invocations, enforces the pre-condition gate, bounds
// concurrency, imposes deadlines, and emits exactly one response or error
// per request (spec.md §4.2).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/fleetlink/endpoint-agent/internal/adapter"
	agenterrors "github.com/fleetlink/endpoint-agent/internal/errors"
	"github.com/fleetlink/endpoint-agent/internal/license"
	"github.com/fleetlink/endpoint-agent/internal/logging"
	"github.com/fleetlink/endpoint-agent/internal/metrics"
	"github.com/fleetlink/endpoint-agent/internal/power"
	"github.com/fleetlink/endpoint-agent/internal/session"
	"github.com/fleetlink/endpoint-agent/internal/telemetry"
	"github.com/fleetlink/endpoint-agent/internal/toolregistry"
)

var tracer = telemetry.Tracer("dispatcher")

// HardDeadlineCap is the ceiling no request deadline may exceed, per
// spec.md §4.2 and the Open Question decision in DESIGN.md.
const HardDeadlineCap = 120 * time.Second

// DefaultQueuedCeiling is the independent ceiling on queued (sleeping)
// requests, per spec.md §4.2 "Queue while sleeping."
const DefaultQueuedCeiling = 5 * time.Minute

const (
	MethodPing              = "ping"
	MethodStatus            = "status"
	MethodCapabilitiesList  = "capabilities/list"
	MethodToolsList         = "tools/list"
	MethodToolsCall         = "tools/call"
	MethodResourcesList     = "resources/list"
	MethodPromptsList       = "prompts/list"
	MethodEmergencyStop     = "emergency_stop"
)

// StatusProvider supplies the fields the `status` reserved method reports;
// implemented by the agent's top-level wiring (version, platform are
// process-level constants, not owned by any one component).
type StatusProvider struct {
	Version  string
	Platform string
}

// CommandFilter denies configured destructive shapes for shell-like tools
// (spec.md §4.2 "Security gates"). The concrete deny rules are a policy
// concern outside this spec's scope; Dispatcher only guarantees the gate
// runs and surfaces policy_blocked with a reason on denial.
type CommandFilter interface {
	// Check returns ("", true) if args are allowed, or a machine-readable
	// reason and false if denied.
	Check(toolName string, args map[string]interface{}) (reason string, allowed bool)
}

// AllowAllFilter denies nothing; used when no command filter is wired.
type AllowAllFilter struct{}

func (AllowAllFilter) Check(string, map[string]interface{}) (string, bool) { return "", true }

// Config tunes a Dispatcher.
type Config struct {
	Registry       *toolregistry.Registry
	Adapter        *adapter.Adapter
	License        *license.Machine
	Power          *power.Var
	Status         StatusProvider
	Filter         CommandFilter
	PoolSize       int64
	AdmissionQueue int
	DefaultTimeout time.Duration
	// Metrics is optional; when set, the dispatcher records dispatched
	// request counts/durations and sleep-queue depth against it.
	Metrics        *metrics.Collectors
}

// queuedRequest is one entry in the sleep-drain FIFO.
type queuedRequest struct {
	id       string
	method   string
	params   json.RawMessage
	origin   string
	sink     session.Sink
	queuedAt time.Time
}

// Dispatcher implements session.RequestHandler.
type Dispatcher struct {
	cfg Config
	log logging.Logger

	pool      *semaphore.Weighted
	admission chan struct{}

	exclusiveMu   sync.Map // tool name -> *sync.Mutex
	globalMu      sync.Mutex

	sleepMu    sync.Mutex
	sleepQueue []*queuedRequest

	forceWakeFn func()

	activeMu sync.Mutex
	active   map[string]activeHandler
}

type activeHandler struct {
	method string
	cancel context.CancelFunc
}

func New(cfg Config, log logging.Logger) *Dispatcher {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if cfg.AdmissionQueue <= 0 {
		cfg.AdmissionQueue = 64
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.Filter == nil {
		cfg.Filter = AllowAllFilter{}
	}
	d := &Dispatcher{
		cfg:       cfg,
		log:       logging.OrNop(log),
		pool:      semaphore.NewWeighted(cfg.PoolSize),
		admission: make(chan struct{}, cfg.AdmissionQueue),
		active:    make(map[string]activeHandler),
	}
	if cfg.License != nil {
		cfg.License.OnTransition(d.onLicenseTransition)
	}
	return d
}

// onLicenseTransition cancels every in-flight non-allowlist handler when
// the agent moves to BLOCKED, within the declared grace period (spec.md
// §8 invariant 4). A zero grace period cancels immediately.
func (d *Dispatcher) onLicenseTransition(old, new license.AgentState) {
	if new != license.StateBlocked {
		return
	}
	deadline := d.cfg.License.GraceDeadline()
	cancelNonAllowlisted := func() {
		d.activeMu.Lock()
		defer d.activeMu.Unlock()
		for id, h := range d.active {
			if !license.IsAllowlisted(h.method) {
				h.cancel()
				delete(d.active, id)
			}
		}
	}
	if deadline.IsZero() || time.Now().After(deadline) {
		cancelNonAllowlisted()
		return
	}
	time.AfterFunc(time.Until(deadline), cancelNonAllowlisted)
}

// EmergencyStop implements the emergency_stop control method of spec.md
// §5: cancels every currently running handler that accepts cancellation
// and drops anything still parked in the sleep queue, returning a summary.
func (d *Dispatcher) EmergencyStop() map[string]interface{} {
	d.activeMu.Lock()
	cancelled := len(d.active)
	for _, h := range d.active {
		h.cancel()
	}
	d.active = make(map[string]activeHandler)
	d.activeMu.Unlock()

	d.sleepMu.Lock()
	drained := d.sleepQueue
	d.sleepQueue = nil
	d.sleepMu.Unlock()
	for _, qr := range drained {
		qr.sink.Resolve(session.Outcome{Err: agenterrors.Tag(agenterrors.KindCancelled, "emergency_stop drained sleep queue", nil)})
	}

	return map[string]interface{}{"cancelledHandlers": cancelled, "drainedQueued": len(drained)}
}

// OnWakeNeeded installs a callback invoked when a request is queued due to
// SLEEP, so the session can proactively request a wake (spec.md §4.2).
func (d *Dispatcher) OnWakeNeeded(fn func()) { d.forceWakeFn = fn }

// OnWake implements session.PowerSink: the session calls this once it
// observes a transition out of SLEEP, so queued requests drain in arrival
// order ahead of anything newly accepted (spec.md §8 invariant 7).
func (d *Dispatcher) OnWake(ctx context.Context) { d.DrainSleepQueue(ctx) }

// HandleRequest implements session.RequestHandler.
func (d *Dispatcher) HandleRequest(ctx context.Context, id, method string, params json.RawMessage, origin string, sink session.Sink) {
	// Pre-condition 1: agent_state gate.
	if ok, reasonKind := d.cfg.License.Admit(method); !ok {
		sink.Resolve(session.Outcome{Err: agenterrors.Tag(agenterrors.Kind(reasonKind), "agent state does not permit this method", nil)})
		return
	}

	// Pre-condition 3: power state — queue while SLEEP (before admission,
	// since a sleeping agent must not consume a pool slot).
	if d.cfg.Power.Get() == power.Sleep {
		d.enqueueSleeping(id, method, params, origin, sink)
		return
	}

	select {
	case d.admission <- struct{}{}:
	default:
		sink.Resolve(session.Outcome{Err: agenterrors.Tag(agenterrors.KindBusy, "admission queue full", nil)})
		return
	}

	go d.execute(ctx, id, method, params, origin, sink, time.Now())
}

func (d *Dispatcher) enqueueSleeping(id, method string, params json.RawMessage, origin string, sink session.Sink) {
	d.sleepMu.Lock()
	d.sleepQueue = append(d.sleepQueue, &queuedRequest{
		id: id, method: method, params: params, origin: origin, sink: sink, queuedAt: time.Now(),
	})
	depth := len(d.sleepQueue)
	d.sleepMu.Unlock()
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.QueueDepth.Set(float64(depth))
	}
	if d.forceWakeFn != nil {
		d.forceWakeFn()
	}
}

// DrainSleepQueue is called by the session when power state transitions
// SLEEP -> ACTIVE; it dispatches queued entries in arrival order before
// any newly arrived request (spec.md §8 invariant 7). Entries overdue
// against DefaultQueuedCeiling fail with queued_timeout instead of being
// executed.
func (d *Dispatcher) DrainSleepQueue(ctx context.Context) {
	d.sleepMu.Lock()
	queue := d.sleepQueue
	d.sleepQueue = nil
	d.sleepMu.Unlock()
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.QueueDepth.Set(0)
	}

	now := time.Now()
	for _, qr := range queue {
		if now.Sub(qr.queuedAt) > DefaultQueuedCeiling {
			qr.sink.Resolve(session.Outcome{Err: agenterrors.Tag(agenterrors.KindQueuedTimeout, "exceeded queued ceiling while asleep", nil)})
			continue
		}
		select {
		case d.admission <- struct{}{}:
			go d.execute(ctx, qr.id, qr.method, qr.params, qr.origin, qr.sink, qr.queuedAt)
		default:
			qr.sink.Resolve(session.Outcome{Err: agenterrors.Tag(agenterrors.KindBusy, "admission queue full during drain", nil)})
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, id, method string, params json.RawMessage, origin string, sink session.Sink, acceptedAt time.Time) {
	defer func() { <-d.admission }()

	ctx, span := tracer.Start(ctx, "dispatcher.execute", trace.WithAttributes(
		attribute.String("request.method", method),
		attribute.String("request.origin", origin),
	))
	defer span.End()

	deadline := d.effectiveDeadline(method)
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	d.activeMu.Lock()
	d.active[id] = activeHandler{method: method, cancel: cancel}
	d.activeMu.Unlock()
	defer func() {
		d.activeMu.Lock()
		delete(d.active, id)
		d.activeMu.Unlock()
	}()

	if err := d.pool.Acquire(execCtx, 1); err != nil {
		sink.Resolve(session.Outcome{Err: agenterrors.Tag(agenterrors.KindTimeout, "deadline exceeded waiting for an executor", nil)})
		return
	}
	defer d.pool.Release(1)

	result, outErr := d.runMethod(execCtx, id, method, params, origin)
	if d.cfg.Metrics != nil {
		outcome := "ok"
		if outErr != nil {
			outcome = string(outErr.Kind)
		}
		d.cfg.Metrics.DispatchedRequests.WithLabelValues(method, outcome).Inc()
		d.cfg.Metrics.DispatchDuration.WithLabelValues(method).Observe(time.Since(acceptedAt).Seconds())
	}
	if outErr != nil {
		span.SetAttributes(attribute.String("request.outcome", string(outErr.Kind)))
		span.RecordError(outErr)
		sink.Resolve(session.Outcome{Err: outErr})
		return
	}
	span.SetAttributes(attribute.String("request.outcome", "ok"))
	sink.Resolve(session.Outcome{Result: result})
}

func (d *Dispatcher) effectiveDeadline(method string) time.Duration {
	if method == MethodToolsCall {
		// The real per-tool/caller deadline (callerOrToolDeadline) isn't
		// known until the tool definition is looked up inside
		// dispatchToolCall. execCtx only needs to outlive whatever toolCtx
		// that derives from it, so give it the full hard cap here and let
		// toolCtx enforce the real, possibly shorter, deadline.
		return HardDeadlineCap
	}
	deadline := d.cfg.DefaultTimeout
	if deadline > HardDeadlineCap {
		deadline = HardDeadlineCap
	}
	return deadline
}

// runMethod handles reserved control methods directly, or delegates to
// dispatchToolCall for tools/call.
func (d *Dispatcher) runMethod(ctx context.Context, id, method string, params json.RawMessage, origin string) (interface{}, *agenterrors.TaggedError) {
	switch method {
	case MethodPing:
		return map[string]interface{}{"ok": true, "now": time.Now().UTC().Format(time.RFC3339)}, nil

	case MethodStatus:
		return map[string]interface{}{
			"version":       d.cfg.Status.Version,
			"platform":      d.cfg.Status.Platform,
			"licenseStatus": d.cfg.License.State(),
			"capabilities":  d.cfg.Adapter.ListPresent(ctx),
			"powerState":    d.cfg.Power.Get(),
		}, nil

	case MethodCapabilitiesList:
		return map[string]interface{}{"capabilities": d.cfg.Adapter.ListPresent(ctx)}, nil

	case MethodToolsList:
		return map[string]interface{}{"tools": d.cfg.Registry.List()}, nil

	case MethodResourcesList:
		return map[string]interface{}{"resources": []interface{}{}}, nil

	case MethodPromptsList:
		return map[string]interface{}{"prompts": []interface{}{}}, nil

	case MethodToolsCall:
		return d.dispatchToolCall(ctx, id, params, origin)

	case MethodEmergencyStop:
		return d.EmergencyStop(), nil

	default:
		return nil, agenterrors.Tag(agenterrors.KindUnknownMethod, fmt.Sprintf("unknown method %q", method), nil)
	}
}

func (d *Dispatcher) dispatchToolCall(ctx context.Context, id string, params json.RawMessage, origin string) (interface{}, *agenterrors.TaggedError) {
	var call session.ToolCallParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, agenterrors.Tag(agenterrors.KindInvalidArguments, "malformed tools/call params", err)
	}

	def, ok := d.lookupDefinition(call.Name)
	if !ok {
		return nil, agenterrors.Tag(agenterrors.KindUnknownTool, fmt.Sprintf("unknown tool %q", call.Name), nil)
	}

	// Pre-condition 2: capability availability.
	if missing := d.cfg.Adapter.MissingCapabilities(ctx, def.Capabilities); len(missing) > 0 {
		return nil, agenterrors.Tag(agenterrors.KindCapabilityUnavailable, fmt.Sprintf("missing capabilities: %v", missing), nil)
	}

	// Security gate: shell-like command filter.
	if def.HasTag(toolregistry.TagShellLike) {
		if reason, allowed := d.cfg.Filter.Check(call.Name, call.Arguments); !allowed {
			d.log.Warn("policy_blocked: tool=%s reason=%s", call.Name, reason)
			return nil, agenterrors.TagWithReason(agenterrors.KindPolicyBlocked, reason, "command filter denied this request", nil)
		}
	}

	release := d.acquireExclusion(def)
	defer release()

	toolCtx := ctx
	if toolDeadline := callerOrToolDeadline(call.Arguments, def.TimeoutMS); toolDeadline > 0 {
		if toolDeadline > HardDeadlineCap {
			toolDeadline = HardDeadlineCap
		}
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, toolDeadline)
		defer cancel()
	}

	result, found := d.cfg.Registry.Execute(toolCtx, toolregistry.Call{ID: id, Name: call.Name, Arguments: call.Arguments})
	if !found {
		return nil, agenterrors.Tag(agenterrors.KindUnknownTool, fmt.Sprintf("unknown tool %q", call.Name), nil)
	}
	if result.Error != nil {
		if toolCtx.Err() != nil {
			return nil, agenterrors.Tag(agenterrors.KindTimeout, "tool deadline exceeded", toolCtx.Err())
		}
		var te *agenterrors.TaggedError
		if ok := asTagged(result.Error, &te); ok {
			return nil, te
		}
		return nil, agenterrors.Tag(agenterrors.KindInternal, agenterrors.FormatBounded(result.Error), result.Error)
	}
	return result.Content, nil
}

func asTagged(err error, target **agenterrors.TaggedError) bool {
	type unwrapper interface{ Unwrap() error }
	for e := err; e != nil; {
		if te, ok := e.(*agenterrors.TaggedError); ok {
			*target = te
			return true
		}
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// callerOrToolDeadline implements spec.md §4.2's "effective deadline =
// min(server-supplied, tool default, hard cap 120s)": a caller-supplied
// `timeout` argument (seconds) is the server-supplied component here,
// since timeouts travel inside tools/call arguments rather than as a
// separate protocol field.
func callerOrToolDeadline(args map[string]interface{}, toolDefaultMS int) time.Duration {
	var callerDeadline time.Duration
	if raw, ok := args["timeout"]; ok {
		switch v := raw.(type) {
		case float64:
			callerDeadline = time.Duration(v) * time.Second
		case int:
			callerDeadline = time.Duration(v) * time.Second
		}
	}
	toolDefault := time.Duration(toolDefaultMS) * time.Millisecond

	switch {
	case callerDeadline > 0 && toolDefault > 0:
		if callerDeadline < toolDefault {
			return callerDeadline
		}
		return toolDefault
	case callerDeadline > 0:
		return callerDeadline
	default:
		return toolDefault
	}
}

func (d *Dispatcher) lookupDefinition(name string) (toolregistry.Definition, bool) {
	for _, def := range d.cfg.Registry.List() {
		if def.Name == name {
			return def, true
		}
	}
	return toolregistry.Definition{}, false
}

// acquireExclusion applies spec.md §4.2's exclusive / serialized-globally
// tags, returning a release function. Per-tool exclusion is a semaphore
// of 1 acquired before the handler runs and released on return,
// cancellation, or panic (spec.md §5) — the defer in dispatchToolCall
// guarantees the latter two.
func (d *Dispatcher) acquireExclusion(def toolregistry.Definition) func() {
	if def.HasTag(toolregistry.TagSerializedGlobally) {
		d.globalMu.Lock()
		return d.globalMu.Unlock
	}
	if def.HasTag(toolregistry.TagExclusive) {
		muAny, _ := d.exclusiveMu.LoadOrStore(def.Name, &sync.Mutex{})
		mu := muAny.(*sync.Mutex)
		mu.Lock()
		return mu.Unlock
	}
	return func() {}
}
