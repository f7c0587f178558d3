package main

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetlink/endpoint-agent/internal/adapter"
	agentidentity "github.com/fleetlink/endpoint-agent/internal/agent"
	"github.com/fleetlink/endpoint-agent/internal/config"
	"github.com/fleetlink/endpoint-agent/internal/dispatcher"
	"github.com/fleetlink/endpoint-agent/internal/facade"
	"github.com/fleetlink/endpoint-agent/internal/license"
	"github.com/fleetlink/endpoint-agent/internal/logging"
	"github.com/fleetlink/endpoint-agent/internal/metrics"
	"github.com/fleetlink/endpoint-agent/internal/power"
	"github.com/fleetlink/endpoint-agent/internal/session"
	"github.com/fleetlink/endpoint-agent/internal/shellsession"
	"github.com/fleetlink/endpoint-agent/internal/toolregistry"
	"github.com/fleetlink/endpoint-agent/internal/update"
)

// version is overridden at build time via -ldflags.
var version = "2.0.5"

// container holds every wired component, assembled once per process.
type container struct {
	cfg config.Config
	log logging.Logger

	identity  agentidentity.FingerprintInputs
	machineID string
	secrets   agentidentity.SecretStore

	adapter    *adapter.Adapter
	registry   *toolregistry.Registry
	license    *license.Machine
	power      *power.Var
	dispatcher *dispatcher.Dispatcher
	session    *session.Session
	facade     *facade.Facade
	update     *update.Engine
	metrics    *metrics.Collectors
}

func buildContainer() (*container, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	base := logging.NewBaseLogger(logging.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	rootLog := logging.NewComponentLogger("agentd", base)

	machineID, err := agentidentity.MachineID(config.MachineIDPath(cfg.ConfigDir))
	if err != nil {
		return nil, fmt.Errorf("machine id: %w", err)
	}
	secrets := agentidentity.NewFileSecretStore(cfg.ConfigDir + "/agent_secret")
	fingerprintInputs := agentidentity.GatherFingerprintInputs()

	capAdapter := adapter.New()
	registerDefaultCapabilities(capAdapter)

	reg := prometheus.NewRegistry()
	metricsCollectors := metrics.New(reg)

	registry := toolregistry.NewRegistry(toolregistry.Config{Metrics: metricsCollectors})
	shellSessions := shellsession.NewTable()
	registerBuiltinTools(registry, shellSessions)
	registry.Freeze()

	licenseMachine := license.New()
	powerVar := power.NewVar()

	disp := dispatcher.New(dispatcher.Config{
		Registry: registry,
		Adapter:  capAdapter,
		License:  licenseMachine,
		Power:    powerVar,
		Status:   dispatcher.StatusProvider{Version: version, Platform: runtime.GOOS},
		Metrics:  metricsCollectors,
	}, logging.NewComponentLogger("dispatcher", base))

	sess := session.New(session.Config{
		URL: cfg.ServerURL,
		Identity: session.Identity{
			MachineID:   machineID,
			Fingerprint: map[string]string{"sha256": agentidentity.Fingerprint(fingerprintInputs)},
			OS:          runtime.GOOS,
			Arch:        runtime.GOARCH,
			Version:     version,
		},
		Secrets:     secrets,
		Handler:     disp,
		Power:       disp,
		PowerVar:    powerVar,
		License:     licenseMachine,
		Permissions: licenseMachine,
		Metrics:     metricsCollectors,
	}, logging.NewComponentLogger("session", base))

	disp.OnWakeNeeded(func() {
		_ = sess.Notify("wake-requested", nil)
	})

	updateEngine := update.New(update.Config{
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		Channel:        cfg.Channel,
		MachineID:      machineID,
		CurrentVersion: func() string { return version },
		StagingDir:     config.StagingDir(cfg.ConfigDir),
		Client:         &update.HTTPCheckClient{BaseURL: cfg.ServerURL, HTTP: http.DefaultClient},
		Installer:      noopInstaller{},
		AutoDownload:   true,
		AutoInstall:    false,
		Metrics:        metricsCollectors,
	}, logging.NewComponentLogger("update", base))

	httpFacade := facade.New(disp, uuid.NewString, shellSessions, logging.NewComponentLogger("facade", base))

	return &container{
		cfg: cfg, log: rootLog,
		identity: fingerprintInputs, machineID: machineID, secrets: secrets,
		adapter: capAdapter, registry: registry, license: licenseMachine, power: powerVar,
		dispatcher: disp, session: sess, facade: httpFacade, update: updateEngine, metrics: metricsCollectors,
	}, nil
}

// noopInstaller is the fallback Installer when no platform-specific
// backend is wired (spec.md §1 Non-goals: installer/packaging pipeline
// is out of scope). It deliberately fails so the engine lands in FAILED
// rather than silently pretending to install.
type noopInstaller struct{}

func (noopInstaller) Install(string) error {
	return fmt.Errorf("no platform installer backend wired for %s", runtime.GOOS)
}

func registerDefaultCapabilities(a *adapter.Adapter) {
	// Concrete per-platform backends are out of this spec's scope; these
	// stubs report presence so the dispatcher's pre-condition gate and
	// the doctor report have something real to consult in tests and on
	// platforms lacking a wired backend.
	a.Register(adapter.CapClipboard, adapter.NewStubBackend(true))
	a.Register(adapter.CapFS, adapter.NewStubBackend(true))
	a.Register(adapter.CapNet, adapter.NewStubBackend(true))
	a.Register(adapter.CapShell, adapter.NewStubBackend(true))
	a.Register(adapter.CapScreenCapture, adapter.NewStubBackend(runtime.GOOS != "linux"))
	a.Register(adapter.CapInputInject, adapter.NewStubBackend(runtime.GOOS != "linux"))
	a.Register(adapter.CapWindow, adapter.NewStubBackend(runtime.GOOS != "linux"))
	a.Register(adapter.CapPower, adapter.NewStubBackend(true))
	a.Register(adapter.CapCredentials, adapter.NewStubBackend(true))
}
