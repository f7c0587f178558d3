package license

import (
	"testing"
	"time"
)

func TestAdmitPendingAllowsOnlyAllowlisted(t *testing.T) {
	m := New()
	if ok, _ := m.Admit("ping"); !ok {
		t.Errorf("expected ping to be admitted while PENDING")
	}
	if ok, reason := m.Admit("tools/call"); ok {
		t.Errorf("expected tools/call to be refused while PENDING")
	} else if reason != "awaiting_activation" {
		t.Errorf("reason = %q, want awaiting_activation", reason)
	}
}

func TestAdmitActiveAllowsEverything(t *testing.T) {
	m := New()
	m.Apply(StateActive, 0)
	if ok, _ := m.Admit("tools/call"); !ok {
		t.Errorf("expected tools/call to be admitted while ACTIVE")
	}
}

func TestAdmitBlockedReason(t *testing.T) {
	m := New()
	m.Apply(StateBlocked, 0)
	if ok, reason := m.Admit("tools/call"); ok || reason != "license_blocked" {
		t.Errorf("Admit(tools/call) = (%v, %q), want (false, license_blocked)", ok, reason)
	}
	if ok, _ := m.Admit("status"); !ok {
		t.Errorf("expected status to remain admitted while BLOCKED")
	}
}

func TestOnTransitionFiresSynchronously(t *testing.T) {
	m := New()
	var seen []AgentState
	m.OnTransition(func(old, new AgentState) { seen = append(seen, new) })

	m.Apply(StateActive, 0)
	m.Apply(StateBlocked, time.Minute)

	if len(seen) != 2 || seen[0] != StateActive || seen[1] != StateBlocked {
		t.Errorf("OnTransition callbacks saw %v, want [ACTIVE BLOCKED]", seen)
	}
	if m.GraceDeadline().IsZero() {
		t.Errorf("expected a non-zero grace deadline after Apply with gracePeriod > 0")
	}
}

func TestApplyLicenseStateChangeAdaptsWireString(t *testing.T) {
	m := New()
	m.ApplyLicenseStateChange("EXPIRED", 0)
	if m.State() != StateExpired {
		t.Errorf("State() = %v, want EXPIRED", m.State())
	}
}

func TestApplyPermissionsMapsWireKeysToFields(t *testing.T) {
	m := New()
	m.ApplyPermissions(map[string]bool{
		"master_mode":            true,
		"file_transfer":          false,
		"local_settings_locked":  true,
		"unknown_future_field":   true,
	})
	got := m.Permissions()
	want := Permissions{MasterMode: true, FileTransfer: false, LocalSettingsLocked: true}
	if got != want {
		t.Errorf("Permissions() = %+v, want %+v", got, want)
	}
}

func TestIsAllowlisted(t *testing.T) {
	for _, method := range []string{"ping", "status", "capabilities/list", "tools/list"} {
		if !IsAllowlisted(method) {
			t.Errorf("expected %q to be allowlisted", method)
		}
	}
	if IsAllowlisted("tools/call") {
		t.Errorf("did not expect tools/call to be allowlisted")
	}
}
