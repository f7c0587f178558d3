package toolregistry

import (
	"context"
	"errors"
	"testing"
	"time"

	agenterrors "github.com/fleetlink/endpoint-agent/internal/errors"
)

type retryStubExecutor struct {
	def       Definition
	attempts  int
	failUntil int
	transient bool
}

func (e *retryStubExecutor) Definition() Definition { return e.def }

func (e *retryStubExecutor) Execute(ctx context.Context, call Call) (*Result, error) {
	e.attempts++
	if e.attempts <= e.failUntil {
		if e.transient {
			return &Result{CallID: call.ID, Error: agenterrors.NewTransientError(errors.New("transient"), "flaky")}, nil
		}
		return nil, errors.New("connection refused")
	}
	return &Result{CallID: call.ID, Content: "ok"}, nil
}

func fastRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.Backoff.Initial = time.Millisecond
	p.Backoff.Max = 5 * time.Millisecond
	return p
}

func TestRetryExecutorRetriesTransientApplicationError(t *testing.T) {
	stub := &retryStubExecutor{def: Definition{Name: "flaky"}, failUntil: 2, transient: true}
	r := newRetryExecutor(stub, fastRetryPolicy(), agenterrors.NewCircuitBreakerManager(agenterrors.DefaultCircuitBreakerConfig()))

	result, err := r.Execute(context.Background(), Call{ID: "1", Name: "flaky"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "ok" {
		t.Errorf("expected eventual success, got %+v", result)
	}
	if stub.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", stub.attempts)
	}
}

func TestRetryExecutorDoesNotRetryPermanentGoLevelError(t *testing.T) {
	// Go-level non-transient errors don't retry; a custom executor returns
	// a permanent error on every call to prove only one attempt is made.
	perm := &permanentOnce{}
	r := newRetryExecutor(perm, fastRetryPolicy(), agenterrors.NewCircuitBreakerManager(agenterrors.DefaultCircuitBreakerConfig()))

	_, err := r.Execute(context.Background(), Call{ID: "1", Name: "x"})
	if err == nil {
		t.Fatalf("expected the permanent error to propagate")
	}
	if perm.calls != 1 {
		t.Errorf("expected exactly 1 attempt for a permanent error, got %d", perm.calls)
	}
}

type permanentOnce struct{ calls int }

func (p *permanentOnce) Definition() Definition { return Definition{Name: "permanent"} }
func (p *permanentOnce) Execute(ctx context.Context, call Call) (*Result, error) {
	p.calls++
	return nil, agenterrors.NewPermanentError(errors.New("bad args"), "permanent")
}

func TestRetryExecutorTripsBreakerOnRepeatedInfraFailures(t *testing.T) {
	stub := &retryStubExecutor{def: Definition{Name: "infra-fail"}, failUntil: 100, transient: false}
	policy := fastRetryPolicy()
	policy.Breaker.FailureThreshold = 2
	mgr := agenterrors.NewCircuitBreakerManager(policy.Breaker)
	r := newRetryExecutor(stub, policy, mgr)

	// First call trips the breaker after its second failed attempt; its
	// third attempt is refused by the open breaker without reaching the
	// delegate.
	result, err := r.Execute(context.Background(), Call{ID: "1", Name: "infra-fail"})
	if err == nil && (result == nil || result.Error == nil) {
		t.Fatalf("expected the first call to ultimately fail")
	}

	// A subsequent call should short-circuit via the open breaker rather
	// than invoking the delegate again.
	attemptsBefore := stub.attempts
	result2, err2 := r.Execute(context.Background(), Call{ID: "2", Name: "infra-fail"})
	if err2 != nil {
		t.Fatalf("expected a normalized *Result, not a raw error, got %v", err2)
	}
	if result2.Error == nil {
		t.Fatalf("expected a tagged internal error when the breaker is open")
	}
	if te, ok := result2.Error.(*agenterrors.TaggedError); !ok || te.Kind != agenterrors.KindInternal {
		t.Errorf("expected KindInternal for a tripped breaker, got %v", result2.Error)
	}
	if stub.attempts != attemptsBefore {
		t.Errorf("expected the open breaker to short-circuit without calling the delegate again")
	}
}
