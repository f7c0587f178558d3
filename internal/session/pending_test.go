package session

import (
	"testing"
	"time"

	agenterrors "github.com/fleetlink/endpoint-agent/internal/errors"
)

type recordingSink struct {
	outcomes []Outcome
}

func (r *recordingSink) Resolve(o Outcome) { r.outcomes = append(r.outcomes, o) }

func TestPendingTablePutThenResolveDeliversOnce(t *testing.T) {
	table := NewPendingTable()
	sink := &recordingSink{}
	table.Put("req-1", time.Now().Add(time.Minute), "peer-1", sink)

	if !table.Has("req-1") {
		t.Fatalf("expected Has to report the freshly Put id")
	}

	if ok := table.Resolve("req-1", Outcome{Result: "done"}); !ok {
		t.Fatalf("expected the first Resolve to succeed")
	}
	if table.Has("req-1") {
		t.Errorf("expected Resolve to remove the entry from the table")
	}

	// A duplicate/late resolution must be dropped, not delivered twice.
	if ok := table.Resolve("req-1", Outcome{Result: "again"}); ok {
		t.Errorf("expected a second Resolve of the same id to report false")
	}
	if len(sink.outcomes) != 1 {
		t.Fatalf("expected the sink to be notified exactly once, got %d", len(sink.outcomes))
	}
	if sink.outcomes[0].Result != "done" {
		t.Errorf("sink outcome = %+v, want Result=done", sink.outcomes[0])
	}
}

func TestPendingTableResolveUnknownIDReportsFalse(t *testing.T) {
	table := NewPendingTable()
	if ok := table.Resolve("never-put", Outcome{}); ok {
		t.Errorf("expected Resolve of an unknown id to report false")
	}
}

func TestPendingTableDrainWithFailureResolvesEveryEntry(t *testing.T) {
	table := NewPendingTable()
	a, b := &recordingSink{}, &recordingSink{}
	table.Put("a", time.Now().Add(time.Minute), "peer", a)
	table.Put("b", time.Now().Add(time.Minute), "peer", b)

	table.DrainWithFailure(agenterrors.KindCancelled, "socket closed")

	if table.Len() != 0 {
		t.Errorf("expected DrainWithFailure to empty the table, Len() = %d", table.Len())
	}
	for name, s := range map[string]*recordingSink{"a": a, "b": b} {
		if len(s.outcomes) != 1 {
			t.Fatalf("%s: expected exactly one outcome, got %d", name, len(s.outcomes))
		}
		if s.outcomes[0].Err == nil || s.outcomes[0].Err.Kind != agenterrors.KindCancelled {
			t.Errorf("%s: expected a KindCancelled failure, got %+v", name, s.outcomes[0])
		}
	}
}

func TestPendingTableExpireOverdueOnlyResolvesPastDeadline(t *testing.T) {
	table := NewPendingTable()
	overdue := &recordingSink{}
	fresh := &recordingSink{}
	table.Put("overdue", time.Now().Add(-time.Second), "peer", overdue)
	table.Put("fresh", time.Now().Add(time.Hour), "peer", fresh)

	n := table.ExpireOverdue(time.Now(), agenterrors.KindTimeout)
	if n != 1 {
		t.Fatalf("ExpireOverdue returned %d, want 1", n)
	}
	if len(overdue.outcomes) != 1 || overdue.outcomes[0].Err.Kind != agenterrors.KindTimeout {
		t.Errorf("expected the overdue entry to resolve with KindTimeout, got %+v", overdue.outcomes)
	}
	if len(fresh.outcomes) != 0 {
		t.Errorf("expected the entry within its deadline to remain pending")
	}
	if !table.Has("fresh") {
		t.Errorf("expected the fresh entry to remain in the table")
	}
}

func TestPendingTableLenReflectsOutstandingEntries(t *testing.T) {
	table := NewPendingTable()
	if table.Len() != 0 {
		t.Fatalf("expected an empty table to start at Len() == 0")
	}
	table.Put("x", time.Now().Add(time.Minute), "peer", &recordingSink{})
	table.Put("y", time.Now().Add(time.Minute), "peer", &recordingSink{})
	if table.Len() != 2 {
		t.Errorf("Len() = %d, want 2", table.Len())
	}
	table.Resolve("x", Outcome{})
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after resolving one entry", table.Len())
	}
}
