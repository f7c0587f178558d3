package update

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

type stubCheckClient struct {
	available bool
	desc      Descriptor
	calls     int
}

func (s *stubCheckClient) Check(platform, arch, currentVersion, channel, machineID string) (bool, Descriptor, string, error) {
	s.calls++
	return s.available, s.desc, "", nil
}

type stubInstaller struct {
	installed []string
	fail      bool
}

func (s *stubInstaller) Install(path string) error {
	if s.fail {
		return fmt.Errorf("install failed")
	}
	s.installed = append(s.installed, path)
	return nil
}

func newTestEngine(t *testing.T, client CheckClient, installer Installer) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	e := New(Config{
		Platform: "linux", Arch: "amd64", Channel: "stable", MachineID: "m1",
		CurrentVersion: func() string { return "1.0.0" },
		StagingDir:     dir,
		Client:         client,
		Installer:      installer,
		AutoDownload:   true,
		AutoInstall:    true,
		CooldownPeriod: time.Hour,
	}, nil)
	return e, dir
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestEngineUpToDateStaysIdle(t *testing.T) {
	client := &stubCheckClient{available: false}
	e, _ := newTestEngine(t, client, &stubInstaller{})

	e.Tick(UpdateFlagCheck)

	if got := e.State(); got != StateIdle {
		t.Errorf("State() = %v, want IDLE after an up-to-date check", got)
	}
}

func TestEngineDownloadVerifiesSHA256AndInstalls(t *testing.T) {
	payload := []byte("new-binary-contents")
	digest := sha256Hex(payload)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	client := &stubCheckClient{available: true, desc: Descriptor{
		Version: "1.1.0", Channel: "stable", SHA256: digest, Filename: "agentd-1.1.0",
		DownloadURL: srv.URL,
	}}
	installer := &stubInstaller{}
	e, _ := newTestEngine(t, client, installer)

	e.Tick(UpdateFlagCheck)

	if len(installer.installed) != 1 {
		t.Fatalf("expected exactly one install call, got %d", len(installer.installed))
	}
	if got := e.Descriptor().Version; got != "1.1.0" {
		t.Errorf("Descriptor().Version = %q, want 1.1.0", got)
	}
}

func TestEngineRejectsSHA256Mismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	client := &stubCheckClient{available: true, desc: Descriptor{
		Version: "1.1.0", SHA256: sha256Hex([]byte("expected-but-different")), Filename: "agentd-1.1.0",
		DownloadURL: srv.URL,
	}}
	installer := &stubInstaller{}
	e, dir := newTestEngine(t, client, installer)

	e.Tick(UpdateFlagCheck)

	if got := e.State(); got != StateFailed {
		t.Errorf("State() = %v, want FAILED on sha256 mismatch", got)
	}
	if len(installer.installed) != 0 {
		t.Errorf("expected no install to occur after a sha256 mismatch")
	}
	if _, err := os.Stat(dir + "/agentd-1.1.0"); !os.IsNotExist(err) {
		t.Errorf("expected the tampered download to be removed from staging")
	}
}

func TestEngineIdempotentSkipsRedownload(t *testing.T) {
	payload := []byte("binary-v2")
	digest := sha256Hex(payload)
	var downloadCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloadCount++
		w.Write(payload)
	}))
	defer srv.Close()

	client := &stubCheckClient{available: true, desc: Descriptor{
		Version: "2.0.0", SHA256: digest, Filename: "agentd-2.0.0", DownloadURL: srv.URL,
	}}
	installer := &stubInstaller{}
	dir := t.TempDir()
	e := New(Config{
		Platform: "linux", Arch: "amd64", Channel: "stable", MachineID: "m1",
		CurrentVersion: func() string { return "1.0.0" },
		StagingDir:     dir,
		Client:         client,
		Installer:      installer,
		AutoDownload:   true,
		AutoInstall:    false,
		CooldownPeriod: time.Hour,
	}, nil)

	e.Tick(UpdateFlagCheck)
	if downloadCount != 1 {
		t.Fatalf("expected exactly one download, got %d", downloadCount)
	}
	if len(installer.installed) != 0 {
		t.Fatalf("AutoInstall is false; expected no install yet, got %d", len(installer.installed))
	}
	if got := e.State(); got != StateDownloaded {
		t.Fatalf("State() = %v, want DOWNLOADED", got)
	}

	// A forced tick for the same already-downloaded version must install
	// straight from the verified artifact rather than re-downloading
	// (invariant 5: update idempotence).
	e.runCycle(true)
	if downloadCount != 1 {
		t.Errorf("expected idempotence to skip a redundant download, got %d total downloads", downloadCount)
	}
	if len(installer.installed) != 1 {
		t.Errorf("expected the forced tick to install once, got %d installs", len(installer.installed))
	}
}

func TestEngineCooldownAfterFailureBlocksPlainChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	unreachableURL := srv.URL
	srv.Close() // guarantees a connection failure on download

	client := &stubCheckClient{available: true, desc: Descriptor{
		Version: "9.9.9", SHA256: "deadbeef", Filename: "x", DownloadURL: unreachableURL,
	}}
	e, _ := newTestEngine(t, client, &stubInstaller{})

	e.Tick(UpdateFlagCheck)
	if e.State() != StateFailed {
		t.Fatalf("expected FAILED after an unreachable download, got %v", e.State())
	}

	callsBefore := client.calls
	e.Tick(UpdateFlagCheck)
	if client.calls != callsBefore {
		t.Errorf("expected cool-down to suppress a plain check, but Check was called again")
	}
}

func TestEngineForcedInstallExemptFromCooldownButGuardedByRestartGuard(t *testing.T) {
	payload := []byte("forced-binary")
	digest := sha256Hex(payload)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	client := &stubCheckClient{available: true, desc: Descriptor{
		Version: "3.0.0", SHA256: digest, Filename: "agentd-3.0.0", DownloadURL: srv.URL,
	}}
	installer := &stubInstaller{}
	e, _ := newTestEngine(t, client, installer)
	e.restartGuard = NewRestartGuard(1, time.Hour, time.Hour)

	e.runCycle(true)
	if len(installer.installed) != 1 {
		t.Fatalf("expected first forced install to succeed, got %d installs", len(installer.installed))
	}

	e.runCycle(true)
	if len(installer.installed) != 1 {
		t.Errorf("expected the restart-storm guard to suppress a second forced install within the window")
	}
	if e.State() != StateFailed {
		t.Errorf("expected a suppressed forced install to land in FAILED, got %v", e.State())
	}
}
