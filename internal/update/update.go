// Package update implements the UpdateEngine: heartbeat-counter-driven
// check, verified download, atomic swap, and restart (spec.md §4.3).
// Cool-down and restart-storm guarding are adapted from the teacher's
// internal/devops/supervisor RestartPolicy.
package update

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetlink/endpoint-agent/internal/logging"
	"github.com/fleetlink/endpoint-agent/internal/metrics"
	"github.com/fleetlink/endpoint-agent/internal/telemetry"
)

var tracer = telemetry.Tracer("update")

// State is the update engine's state machine, per spec.md §4.3.
type State string

const (
	StateIdle        State = "IDLE"
	StateChecking    State = "CHECKING"
	StateUpToDate    State = "UP_TO_DATE"
	StateAvailable   State = "AVAILABLE"
	StateDownloading State = "DOWNLOADING"
	StateDownloaded  State = "DOWNLOADED"
	StateInstalling  State = "INSTALLING"
	StateFailed      State = "FAILED"
)

// Descriptor is the server-supplied update description plus local
// download bookkeeping (spec.md §3).
type Descriptor struct {
	Version        string
	Channel        string
	Size           int64
	SHA256         string
	Filename       string
	DownloadURL    string
	ReleaseNotes   string
	IsForced       bool
	DownloadPath   string
	DownloadedBytes int64
	Status         State
}

// UpdateFlag is the server-pushed heartbeat hint, per spec.md §4.3.
type UpdateFlag int

const (
	UpdateFlagNone   UpdateFlag = 0
	UpdateFlagCheck  UpdateFlag = 1
	UpdateFlagForced UpdateFlag = 2
)

// Installer performs the platform-specific atomic swap; concrete
// per-platform backends (Windows MSI invocation, macOS bundle rename +
// re-exec, Linux binary rename + supervising-unit restart) are outside
// this spec's Non-goals boundary (installer/packaging pipeline). Install
// is handed the verified staging path and must not make the new binary
// visible at its final path until it returns nil.
type Installer interface {
	Install(stagingPath string) error
}

// CheckClient performs the update-check HTTP call.
type CheckClient interface {
	Check(platform, arch, currentVersion, channel, machineID string) (available bool, desc Descriptor, reason string, err error)
}

// HTTPCheckClient is the default CheckClient against the control plane's
// update HTTP surface (spec.md §6).
type HTTPCheckClient struct {
	BaseURL string
	HTTP    *http.Client
}

type checkResponse struct {
	UpdateAvailable bool   `json:"updateAvailable"`
	Reason          string `json:"reason,omitempty"`
	Version         string `json:"version,omitempty"`
	Channel         string `json:"channel,omitempty"`
	Size            int64  `json:"size,omitempty"`
	SHA256          string `json:"sha256,omitempty"`
	Filename        string `json:"filename,omitempty"`
	DownloadURL     string `json:"downloadUrl,omitempty"`
	ReleaseNotes    string `json:"releaseNotes,omitempty"`
	IsForced        bool   `json:"isForced,omitempty"`
}

func (c *HTTPCheckClient) Check(platform, arch, currentVersion, channel, machineID string) (bool, Descriptor, string, error) {
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	u, err := url.Parse(c.BaseURL + "/api/updates/check")
	if err != nil {
		return false, Descriptor{}, "", fmt.Errorf("update: parse base url: %w", err)
	}
	q := u.Query()
	q.Set("platform", platform)
	q.Set("arch", arch)
	q.Set("currentVersion", currentVersion)
	q.Set("channel", channel)
	q.Set("machineId", machineID)
	u.RawQuery = q.Encode()

	resp, err := client.Get(u.String())
	if err != nil {
		return false, Descriptor{}, "", fmt.Errorf("update: check request: %w", err)
	}
	defer resp.Body.Close()

	var cr checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return false, Descriptor{}, "", fmt.Errorf("update: decode check response: %w", err)
	}
	if !cr.UpdateAvailable {
		return false, Descriptor{}, cr.Reason, nil
	}
	return true, Descriptor{
		Version: cr.Version, Channel: cr.Channel, Size: cr.Size, SHA256: cr.SHA256,
		Filename: cr.Filename, DownloadURL: cr.DownloadURL, ReleaseNotes: cr.ReleaseNotes, IsForced: cr.IsForced,
	}, "", nil
}

// Config tunes an Engine.
type Config struct {
	Platform        string
	Arch            string
	Channel         string
	MachineID       string
	CurrentVersion  func() string
	StagingDir      string
	Client          CheckClient
	Installer       Installer
	AutoDownload    bool
	AutoInstall     bool
	CooldownPeriod  time.Duration // default 1h, spec.md §4.3
	HeartbeatThreshold int        // default 60
	HTTP            *http.Client
	// Metrics is optional; when set, the engine mirrors its state machine
	// into the update_engine_state gauge on every transition.
	Metrics         *metrics.Collectors
}

var allStates = []State{
	StateIdle, StateChecking, StateUpToDate, StateAvailable,
	StateDownloading, StateDownloaded, StateInstalling, StateFailed,
}

// Engine is the UpdateEngine of spec.md §4.3. It owns its staging
// directory and a single worker; callers drive it via Tick (heartbeat
// counter plus the server's check/forced update flag).
type Engine struct {
	cfg Config
	log logging.Logger

	mu         sync.Mutex
	state      State
	descriptor Descriptor
	failedAt   time.Time
	counter    int

	restartGuard *RestartGuard
}

func New(cfg Config, log logging.Logger) *Engine {
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = time.Hour
	}
	if cfg.HeartbeatThreshold <= 0 {
		cfg.HeartbeatThreshold = 60
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o700); err != nil {
		// Staging dir creation failures surface on first download attempt
		// instead of at construction, matching the engine's own
		// fail-into-FAILED-state philosophy rather than panicking here.
		_ = err
	}
	return &Engine{
		cfg:          cfg,
		log:          logging.OrNop(log),
		state:        StateIdle,
		restartGuard: NewRestartGuard(3, 15*time.Minute, cfg.CooldownPeriod),
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Descriptor() Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.descriptor
}

// Tick advances the heartbeat counter and the server-pushed update flag,
// triggering a check (or forced install) per spec.md §4.3's thresholds.
func (e *Engine) Tick(flag UpdateFlag) {
	e.mu.Lock()
	e.counter++
	shouldCheck := e.counter >= e.cfg.HeartbeatThreshold
	if shouldCheck {
		e.counter = 0
	}
	e.mu.Unlock()

	switch flag {
	case UpdateFlagForced:
		e.runCycle(true)
	case UpdateFlagCheck:
		e.runCycle(false)
	default:
		if shouldCheck {
			e.runCycle(false)
		}
	}
}

// runCycle drives IDLE -> CHECKING -> .. per the state machine. forced
// bypasses the cool-down and auto_install=false gates (spec.md §4.3).
func (e *Engine) runCycle(forced bool) {
	_, span := tracer.Start(context.Background(), "update.runCycle", trace.WithAttributes(
		attribute.Bool("update.forced", forced),
	))
	defer span.End()

	e.mu.Lock()
	if !forced {
		if e.state == StateFailed && time.Since(e.failedAt) < e.cfg.CooldownPeriod {
			e.mu.Unlock()
			return
		}
		if e.state != StateIdle && e.state != StateFailed {
			e.mu.Unlock()
			return // a cycle is already in flight
		}
	}
	e.state = StateChecking
	e.mu.Unlock()

	available, desc, _, err := e.cfg.Client.Check(e.cfg.Platform, e.cfg.Arch, e.cfg.CurrentVersion(), e.cfg.Channel, e.cfg.MachineID)
	if err != nil {
		e.fail(fmt.Errorf("check: %w", err))
		return
	}
	if !available {
		e.setState(StateUpToDate)
		e.setState(StateIdle)
		return
	}

	// Invariant 5 (update idempotence): if we already have this version
	// downloaded and verified, skip straight to install/no-op instead of
	// re-downloading.
	e.mu.Lock()
	already := e.descriptor.Version == desc.Version && e.descriptor.Status == StateDownloaded
	e.mu.Unlock()
	if already {
		if forced || e.cfg.AutoInstall {
			e.install(forced)
		}
		return
	}

	desc.IsForced = desc.IsForced || forced
	e.setDescriptor(desc, StateAvailable)

	if !forced && !e.cfg.AutoDownload {
		return
	}
	if err := e.download(desc); err != nil {
		e.fail(fmt.Errorf("download: %w", err))
		return
	}
	if forced || e.cfg.AutoInstall {
		e.install(forced)
	}
}

func (e *Engine) download(desc Descriptor) error {
	e.setState(StateDownloading)

	client := e.cfg.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(desc.DownloadURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	stagingPath := filepath.Join(e.cfg.StagingDir, desc.Filename)
	f, err := os.Create(stagingPath)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	closeErr := f.Close()
	if err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("stream download: %w", err)
	}
	if closeErr != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("close staging file: %w", closeErr)
	}

	measured := hex.EncodeToString(hasher.Sum(nil))
	if !sha256Equal(measured, desc.SHA256) {
		os.Remove(stagingPath)
		return fmt.Errorf("sha256 mismatch: got %s want %s", measured, desc.SHA256)
	}

	desc.DownloadPath = stagingPath
	desc.DownloadedBytes = written
	e.setDescriptor(desc, StateDownloaded)
	return nil
}

func (e *Engine) install(forced bool) {
	now := time.Now()
	if !e.restartGuard.Allow(now) {
		e.log.Warn("install suppressed: restart-storm guard active even though forced=%v", forced)
		e.fail(fmt.Errorf("install suppressed by restart-storm guard"))
		return
	}
	e.restartGuard.Record(now)

	e.mu.Lock()
	desc := e.descriptor
	e.mu.Unlock()

	if desc.DownloadPath == "" {
		e.fail(fmt.Errorf("install: no verified artifact staged"))
		return
	}
	// Invariant 6 (SHA-256 gate): re-verify on-disk before install, since
	// this may run long after download.
	if ok, err := verifyOnDisk(desc.DownloadPath, desc.SHA256); err != nil || !ok {
		e.fail(fmt.Errorf("install: sha256 re-verification failed: %v", err))
		return
	}

	e.setState(StateInstalling)
	if err := e.cfg.Installer.Install(desc.DownloadPath); err != nil {
		e.fail(fmt.Errorf("install: %w", err))
		return
	}
	// A successful Install is expected to re-exec or be restarted by the
	// supervising unit; if it returns normally the new process will
	// register with the new version on next startup.
}

func (e *Engine) fail(err error) {
	e.mu.Lock()
	e.state = StateFailed
	e.failedAt = time.Now()
	e.descriptor.Status = StateFailed
	e.mu.Unlock()
	e.log.Warn("update cycle failed: %v", err)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.descriptor.Status = s
	e.mu.Unlock()
	e.reportState(s)
}

func (e *Engine) setDescriptor(d Descriptor, s State) {
	d.Status = s
	e.mu.Lock()
	e.descriptor = d
	e.state = s
	e.mu.Unlock()
	e.reportState(s)
}

// reportState mirrors the current state into the update_engine_state
// gauge, zeroing every other labeled state so exactly one series reads 1.
func (e *Engine) reportState(current State) {
	if e.cfg.Metrics == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		e.cfg.Metrics.UpdateState.WithLabelValues(string(s)).Set(v)
	}
}

func sha256Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func verifyOnDisk(path, want string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	got := hex.EncodeToString(h.Sum(nil))
	return sha256Equal(got, want), nil
}
