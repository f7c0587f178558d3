package toolregistry

import "context"

// CallContext is what a policy resolves enablement from, mirroring the
// teacher's toolspolicy.ToolCallContext (Channel becomes the request
// origin tag here rather than a chat channel).
type CallContext struct {
	ToolName string
	Tags     []string
	Origin   string
}

// Decision is a policy's answer for one call.
type Decision struct {
	Enabled         bool
	EnforcementMode string // e.g. "warn_allow"
	Reason          string
}

// Policy resolves whether a call is allowed, adapted from the teacher's
// policy-aware registry decorator.
type Policy interface {
	Resolve(ctx CallContext) Decision
}

// AllowAllPolicy is the default: every registered tool is enabled. A
// control-plane-pushed permission set (spec.md §3 "permissions") plugs in
// a different Policy via Config.Policy at construction.
type AllowAllPolicy struct{}

func (AllowAllPolicy) Resolve(CallContext) Decision { return Decision{Enabled: true} }

type policyAwareExecutor struct {
	delegate Executor
	policy   Policy
}

func withPolicy(delegate Executor, policy Policy) Executor {
	if policy == nil {
		return delegate
	}
	return &policyAwareExecutor{delegate: delegate, policy: policy}
}

func (p *policyAwareExecutor) Definition() Definition { return p.delegate.Definition() }

func (p *policyAwareExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	def := p.delegate.Definition()
	decision := p.policy.Resolve(CallContext{ToolName: def.Name, Tags: def.Tags})
	if !decision.Enabled && decision.EnforcementMode != "warn_allow" {
		return &Result{CallID: call.ID, Error: policyBlocked(decision.Reason)}, nil
	}
	return p.delegate.Execute(ctx, call)
}

var _ Executor = (*policyAwareExecutor)(nil)
