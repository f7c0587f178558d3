package toolregistry

import (
	"context"
	"time"

	agenterrors "github.com/fleetlink/endpoint-agent/internal/errors"
)

// RetryPolicy tunes the retry/breaker layer per tool, adapted from the
// teacher's retryExecutor policy resolution (normalizeRetryConfig /
// normalizeCircuitBreakerConfig), simplified to one policy shape instead
// of a per-call-site override table.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     agenterrors.BackoffConfig
	Breaker     agenterrors.CircuitBreakerConfig
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     agenterrors.DefaultRetryBackoff(),
		Breaker:     agenterrors.DefaultCircuitBreakerConfig(),
	}
}

// retryExecutor wraps delegate with attempt-bounded retry and a per-tool
// circuit breaker. Go-level infra errors (the second return value of
// Execute) and transient-tagged Result.Errors count against the breaker;
// of those, only transient ones are retried, and a non-transient Go-level
// error is returned after its first attempt. An application-level
// Result.Error that is not transient is returned as-is on the first
// attempt without touching the breaker, matching the
// teacher's "route only infra errors through the breaker" design.
type retryExecutor struct {
	delegate Executor
	policy   RetryPolicy
	breaker  *agenterrors.CircuitBreaker
}

func newRetryExecutor(delegate Executor, policy RetryPolicy, breakers *agenterrors.CircuitBreakerManager) *retryExecutor {
	name := "tool-" + delegate.Definition().Name
	return &retryExecutor{delegate: delegate, policy: policy, breaker: breakers.Get(name)}
}

func (r *retryExecutor) Definition() Definition { return r.delegate.Definition() }

func (r *retryExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	var lastResult *Result
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		result, err := r.executeOnce(ctx, call)
		if agenterrors.IsDegraded(err) {
			return &Result{CallID: call.ID, Error: agenterrors.Tag(agenterrors.KindInternal, "tool circuit breaker open", err)}, nil
		}
		lastResult, lastErr = result, err

		if err == nil && (result == nil || result.Error == nil) {
			return result, nil
		}

		// A non-transient application error is final; don't retry or trip
		// the breaker on it.
		if err == nil && result != nil && result.Error != nil && !agenterrors.IsTransient(result.Error) {
			return result, nil
		}
		if err != nil && !agenterrors.IsTransient(err) {
			return result, err
		}

		if attempt < r.policy.MaxAttempts-1 {
			delay := agenterrors.Backoff(r.policy.Backoff, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &Result{CallID: call.ID, Error: agenterrors.Tag(agenterrors.KindCancelled, "cancelled during retry backoff", ctx.Err())}, nil
			}
		}
	}
	return lastResult, lastErr
}

func (r *retryExecutor) executeOnce(ctx context.Context, call Call) (*Result, error) {
	return agenterrors.ExecuteFunc(r.breaker, ctx, func(ctx context.Context) (*Result, error) {
		result, err := r.delegate.Execute(ctx, call)
		if err != nil {
			return result, err
		}
		if result != nil && result.Error != nil && agenterrors.IsTransient(result.Error) {
			// Promote a transient application error so it counts against
			// the breaker, without losing the original Result for the
			// caller if retries are exhausted.
			return result, result.Error
		}
		return result, nil
	})
}

var _ Executor = (*retryExecutor)(nil)
