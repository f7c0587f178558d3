package adapter

import (
	"context"
	"sort"
	"testing"
)

func TestPresentReflectsRegisteredBackend(t *testing.T) {
	a := New()
	a.Register(CapClipboard, NewStubBackend(true))
	a.Register(CapShell, NewStubBackend(false))

	if !a.Present(context.Background(), CapClipboard) {
		t.Errorf("expected %s to be present", CapClipboard)
	}
	if a.Present(context.Background(), CapShell) {
		t.Errorf("expected %s to be absent", CapShell)
	}
	if a.Present(context.Background(), CapWindow) {
		t.Errorf("expected an unregistered capability to report absent")
	}
}

func TestMissingCapabilitiesFiltersToAbsentOnes(t *testing.T) {
	a := New()
	a.Register(CapClipboard, NewStubBackend(true))
	a.Register(CapShell, NewStubBackend(false))

	missing := a.MissingCapabilities(context.Background(), []string{CapClipboard, CapShell, CapWindow})
	sort.Strings(missing)
	want := []string{CapShell, CapWindow}
	if len(missing) != len(want) {
		t.Fatalf("MissingCapabilities = %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Errorf("MissingCapabilities = %v, want %v", missing, want)
			break
		}
	}
}

func TestMissingCapabilitiesEmptyWhenAllPresent(t *testing.T) {
	a := New()
	a.Register(CapNet, NewStubBackend(true))
	if missing := a.MissingCapabilities(context.Background(), []string{CapNet}); len(missing) != 0 {
		t.Errorf("expected no missing capabilities, got %v", missing)
	}
}

func TestListPresentExcludesAbsentBackends(t *testing.T) {
	a := New()
	a.Register(CapClipboard, NewStubBackend(true))
	a.Register(CapShell, NewStubBackend(false))

	present := a.ListPresent(context.Background())
	if len(present) != 1 || present[0] != CapClipboard {
		t.Errorf("ListPresent() = %v, want [%s]", present, CapClipboard)
	}
}

func TestListAllIncludesEveryRegisteredCapabilityRegardlessOfPresence(t *testing.T) {
	a := New()
	a.Register(CapClipboard, NewStubBackend(true))
	a.Register(CapShell, NewStubBackend(false))

	all := a.ListAll()
	sort.Strings(all)
	want := []string{CapClipboard, CapShell}
	if len(all) != len(want) {
		t.Fatalf("ListAll() = %v, want %v", all, want)
	}
	for i := range want {
		if all[i] != want[i] {
			t.Errorf("ListAll() = %v, want %v", all, want)
			break
		}
	}
}

func TestErrNoGUISessionMessage(t *testing.T) {
	if ErrNoGUISession.Error() != "NO_GUI_SESSION" {
		t.Errorf("ErrNoGUISession.Error() = %q, want NO_GUI_SESSION", ErrNoGUISession.Error())
	}
}
