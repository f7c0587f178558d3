package toolregistry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	agenterrors "github.com/fleetlink/endpoint-agent/internal/errors"
	"github.com/fleetlink/endpoint-agent/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

func policyBlocked(reason string) *agenterrors.TaggedError {
	if reason == "" {
		reason = "tool disabled by policy"
	}
	return agenterrors.TagWithReason(agenterrors.KindPolicyBlocked, reason, reason, nil)
}

// Config tunes a Registry at construction, mirroring the teacher's
// toolregistry.Config.
type Config struct {
	Policy      Policy
	RetryPolicy RetryPolicy
	SchemaCacheSize int
	// Metrics is optional; when set, Execute mirrors the invoked tool's
	// breaker state into tool_circuit_breaker_open after every call.
	Metrics     *metrics.Collectors
}

// Registry is the process-lifetime, append-only (until Freeze) ToolRegistry
// of spec.md §4.4. Adapted from the teacher's Registry: a name->Executor
// map behind a dirty-flag cached definition list, each registration run
// through the validation -> policy -> retry/breaker wrapper chain.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Executor
	frozen   bool

	cachedDefs []Definition
	defsDirty  bool

	policy   Policy
	retry    RetryPolicy
	breakers *agenterrors.CircuitBreakerManager
	metrics  *metrics.Collectors

	schemaCache *lru.Cache[string, ParameterSchema]
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Policy == nil {
		cfg.Policy = AllowAllPolicy{}
	}
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = DefaultRetryPolicy()
	}
	size := cfg.SchemaCacheSize
	if size <= 0 {
		size = 256
	}
	cache, _ := lru.New[string, ParameterSchema](size)
	return &Registry{
		tools:       make(map[string]Executor),
		defsDirty:   true,
		policy:      cfg.Policy,
		retry:       cfg.RetryPolicy,
		breakers:    agenterrors.NewCircuitBreakerManager(cfg.RetryPolicy.Breaker),
		metrics:     cfg.Metrics,
		schemaCache: cache,
	}
}

// Register wraps base in the validation/policy/retry chain and adds it
// under its declared name. Registering after Freeze returns an error: the
// registry is process-lifetime and append-only only during startup (spec.md §3
// "ToolRegistry is process-lifetime, append-only after initialization").
func (r *Registry) Register(base Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("toolregistry: registry is frozen, cannot register %q", base.Definition().Name)
	}
	name := base.Definition().Name
	if name == "" {
		return fmt.Errorf("toolregistry: tool has empty name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("toolregistry: tool %q already registered", name)
	}

	wrapped := r.wrap(base)
	r.tools[name] = wrapped
	r.defsDirty = true
	r.schemaCache.Add(name, base.Definition().Parameters)
	return nil
}

func (r *Registry) wrap(base Executor) Executor {
	v := &validatingExecutor{delegate: base}
	p := withPolicy(Executor(v), r.policy)
	return newRetryExecutor(p, r.retry, r.breakers)
}

// Freeze prevents further registration, matching spec.md §4.4 "registered
// at startup from a static set plus a platform-specific set... the
// registry is then frozen."
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the wrapped executor for name.
func (r *Registry) Get(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registry snapshot for `tools/list`, cached until the
// next Register invalidates it (double-checked locking, as in the
// teacher's List).
func (r *Registry) List() []Definition {
	r.mu.RLock()
	if !r.defsDirty {
		defs := r.cachedDefs
		r.mu.RUnlock()
		return defs
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.defsDirty {
		return r.cachedDefs
	}
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	r.cachedDefs = defs
	r.defsDirty = false
	return defs
}

// Execute invokes a registered tool by name through the full wrapper
// chain. Returns (nil, false) if the tool is unknown so the caller can
// surface `unknown_tool`.
func (r *Registry) Execute(ctx context.Context, call Call) (*Result, bool) {
	t, ok := r.Get(call.Name)
	if !ok {
		return nil, false
	}
	result, err := t.Execute(ctx, call)
	if r.metrics != nil {
		state := 0.0
		if r.breakers.Get("tool-"+call.Name).Metrics().State == agenterrors.StateOpen {
			state = 1
		}
		r.metrics.CircuitBreakerOpen.WithLabelValues(call.Name).Set(state)
	}
	if err != nil {
		return &Result{CallID: call.ID, Error: agenterrors.Tag(agenterrors.KindInternal, agenterrors.FormatBounded(err), err)}, true
	}
	return result, true
}

// BreakerMetrics exposes per-tool circuit breaker state for the doctor
// report and metrics collectors.
func (r *Registry) BreakerMetrics() []agenterrors.Metrics {
	return r.breakers.GetMetrics()
}
