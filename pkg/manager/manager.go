// Package manager is the entry point that wires a kiln.cue configuration to
// the registry, distributor, executor, policy engine and one ledger and
// installer per target.
package manager

import (
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/http"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/devkiln/kiln/pkg/bom"
	"github.com/devkiln/kiln/pkg/builtins"
	"github.com/devkiln/kiln/pkg/config"
	"github.com/devkiln/kiln/pkg/configure"
	"github.com/devkiln/kiln/pkg/distributor"
	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/executor"
	"github.com/devkiln/kiln/pkg/installer"
	"github.com/devkiln/kiln/pkg/ledger"
	"github.com/devkiln/kiln/pkg/policy"
	"github.com/devkiln/kiln/pkg/registry"
	"github.com/devkiln/kiln/pkg/resolver"
	"github.com/devkiln/kiln/pkg/targets/local"
	"github.com/devkiln/kiln/pkg/telemetry"
	"github.com/devkiln/kiln/pkg/transports/ssh"
)

// Options carries dependencies that do not come from configuration.
type Options struct {
	// Telemetry defaults to telemetry.Discard.
	Telemetry *telemetry.Telemetry

	// Executors replaces the executor built for a configured target.
	Executors map[string]engine.TargetExecutor

	// Builtins are added to, or replace, the hooks of package builtins.
	Builtins map[string]engine.BuiltinFunc

	// Transport overrides the artifact download transport.
	Transport http.RoundTripper
}

// Manager exposes kiln's operations over every configured target. Targets
// are connected and their ledgers opened on first use.
type Manager struct {
	cfg         *config.Config
	registry    *registry.Registry
	distributor *distributor.Distributor
	executor    *executor.Executor
	configure   *configure.Processor
	policy      *policy.Engine
	environment engine.EnvironmentProvider
	telemetry   *telemetry.Telemetry
	logger      *telemetry.Logger
	executors   map[string]engine.TargetExecutor

	mu      sync.Mutex
	targets map[string]*targetState
}

type targetState struct {
	target    engine.Target
	ledger    *ledger.Ledger
	installer *installer.Installer
	closer    io.Closer
}

func distributorConfig(cfg *config.Config, opts Options, tel *telemetry.Telemetry) (distributor.Config, error) {
	dc := distributor.Config{
		CacheDir:  cfg.CacheDir,
		Attempts:  cfg.Distribution.Attempts,
		Backoff:   cfg.Distribution.BackoffDuration(),
		Transport: opts.Transport,
		Logger:    tel.Logger,
		Metrics:   tel.Metrics,
	}
	if cfg.Distribution.Keyring != "" {
		keys, err := distributor.LoadKeyring(cfg.Distribution.Keyring)
		if err != nil {
			return distributor.Config{}, err
		}
		dc.Keyring = keys
	}
	return dc, nil
}

// New loads the registry and builds the shared components.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Manager, error) {
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Discard()
	}
	logger := telemetry.OrNop(tel.Logger).NewComponentLogger("manager")

	reg, err := registry.Load(cfg.Registry)
	if err != nil {
		return nil, err
	}

	distCfg, err := distributorConfig(cfg, opts, tel)
	if err != nil {
		return nil, err
	}
	dist, err := distributor.New(reg, distCfg)
	if err != nil {
		return nil, err
	}

	pe, err := policy.NewEngine(ctx, policy.Config{
		Paths:           cfg.Policy.Modules,
		DisableBuiltins: cfg.Policy.DisableBuiltins,
		Logger:          tel.Logger,
	})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		registry:    reg,
		distributor: dist,
		configure:   configure.NewProcessor(configure.WithLogger(tel.Logger)),
		policy:      pe,
		telemetry:   tel,
		logger:      logger,
		executors:   opts.Executors,
		targets:     make(map[string]*targetState),
	}
	if cfg.Secrets != nil {
		m.environment = configure.NewDotenvProvider(cfg.Secrets.Dotenv)
	}
	hooks := builtins.Default()
	maps.Copy(hooks, opts.Builtins)
	m.executor = executor.New(executor.Config{
		SafetyFactor: cfg.Install.SafetyFactor,
		Builtins:     hooks,
		Statuses:     statusRouter{m},
		Logger:       tel.Logger,
		Metrics:      tel.Metrics,
	})

	logger.Zerolog().Debug().
		Str("registry", cfg.Registry).
		Int("extensions", reg.Len()).
		Int("policies", len(pe.Policies())).
		Msg("manager ready")
	return m, nil
}

// Close closes every opened ledger and remote connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result *multierror.Error
	for _, name := range slices.Sorted(maps.Keys(m.targets)) {
		st := m.targets[name]
		if err := st.ledger.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s ledger: %w", name, err))
		}
		if st.closer != nil {
			if err := st.closer.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s connection: %w", name, err))
			}
		}
	}
	m.targets = make(map[string]*targetState)
	return result.ErrorOrNil()
}

// Config returns the configuration the manager was built from.
func (m *Manager) Config() *config.Config { return m.cfg }

// Registry returns the loaded registry.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Distributor returns the artifact distributor.
func (m *Manager) Distributor() *distributor.Distributor { return m.distributor }

// Policies returns the loaded admission policies.
func (m *Manager) Policies() []policy.Policy { return m.policy.Policies() }

// DefaultOptions returns install options from configuration.
func (m *Manager) DefaultOptions() installer.Options {
	return installer.Options{
		ContinueOnError: m.cfg.Install.ContinueOnError,
		Parallelism:     m.cfg.Install.Parallelism,
	}
}

// target returns the state of a configured target, opening it if needed.
func (m *Manager) target(ctx context.Context, name string) (*targetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.targets[name]; ok {
		return st, nil
	}

	tc, ok := m.cfg.Targets[name]
	if !ok {
		return nil, engine.NewConfigError(fmt.Sprintf("target %q is not configured", name), engine.ErrNotFound).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name).
			WithDetail("targets", m.cfg.TargetNames())
	}

	exec, closer, err := m.newExecutor(name, tc)
	if err != nil {
		return nil, err
	}

	l, err := ledger.Open(ctx, m.cfg.Ledger.Backend, m.cfg.Ledger.Dir, name,
		ledger.WithLogger(m.telemetry.Logger),
		ledger.WithMetrics(m.telemetry.Metrics),
		ledger.WithEvents(m.telemetry.Events),
	)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	target := engine.Target{
		Name:     name,
		Executor: exec,
		Env:      tc.Env,
		Capacity: tc.Capacity.Engine(),
		WorkDir:  tc.WorkDir,
	}
	icfg := installer.Config{
		Target:    target,
		Source:    m.registry,
		Ledger:    l,
		Fetcher:   m.distributor,
		Executor:  m.executor,
		Configure: m.configure,
		Policy:    m.policy,
		Logger:    m.telemetry.Logger,
		Metrics:   m.telemetry.Metrics,
		Tracer:    m.telemetry.Tracer,
	}
	if m.environment != nil {
		icfg.Environment = m.environment
	}
	in, err := installer.New(icfg)
	if err != nil {
		_ = l.Close()
		return nil, err
	}

	st := &targetState{target: target, ledger: l, installer: in, closer: closer}
	m.targets[name] = st
	return st, nil
}

func (m *Manager) newExecutor(name string, tc config.TargetConfig) (engine.TargetExecutor, io.Closer, error) {
	if exec, ok := m.executors[name]; ok {
		return exec, nil, nil
	}

	switch tc.Kind {
	case "ssh":
		sc := ssh.DefaultConfig(tc.SSH.Host, tc.SSH.User)
		sc.Port = tc.SSH.Port
		sc.KeyPath = tc.SSH.KeyPath
		sc.KnownHosts = tc.SSH.KnownHosts
		sc.ConnectTimeout = tc.SSH.TimeoutDuration()
		sc.WorkDir = tc.WorkDir
		t, err := ssh.New(name, sc, m.telemetry.Logger)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	default:
		return local.New(name, local.WithWorkDir(tc.WorkDir), local.WithLogger(m.telemetry.Logger)), nil, nil
	}
}

// Resolve computes the install plan of a profile, or of an extension set
// when profile is empty.
func (m *Manager) Resolve(profile string, extensions []string) (*engine.InstallPlan, error) {
	if profile != "" {
		return resolver.ResolveProfile(profile, m.registry)
	}
	return resolver.Resolve(extensions, m.registry)
}

// Graph renders the dependency graph of a profile or extension set as DOT.
func (m *Manager) Graph(profile string, extensions []string) (string, error) {
	if profile != "" {
		p, ok := m.registry.Profile(profile)
		if !ok {
			return "", unknownProfile(profile)
		}
		extensions = p.Extensions
	}
	return resolver.ToDOT(extensions, m.registry)
}

// InstallProfile installs a profile on target.
func (m *Manager) InstallProfile(ctx context.Context, profile, target string, opts installer.Options) (*engine.Report, error) {
	st, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	return st.installer.InstallProfile(ctx, profile, opts)
}

// InstallExtensions installs an ad hoc extension set on target.
func (m *Manager) InstallExtensions(ctx context.Context, names []string, target string, opts installer.Options) (*engine.Report, error) {
	st, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	return st.installer.InstallExtensions(ctx, names, opts)
}

// UninstallProfile removes a profile from target.
func (m *Manager) UninstallProfile(ctx context.Context, profile, target string, force bool) (*engine.Report, error) {
	st, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	return st.installer.UninstallProfile(ctx, profile, force)
}

// UninstallExtensions removes an ad hoc extension set from target.
func (m *Manager) UninstallExtensions(ctx context.Context, names []string, target string, force bool) (*engine.Report, error) {
	st, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	return st.installer.UninstallExtensions(ctx, names, force)
}

// ValidateExtension runs the validate hook and commands of one extension on
// target. It does not change the ledger.
func (m *Manager) ValidateExtension(ctx context.Context, name, target string) (*engine.ValidationResult, error) {
	st, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	return st.installer.ValidateExtension(ctx, name)
}

// Status returns the current phase of every extension the ledger of target
// has seen.
func (m *Manager) Status(ctx context.Context, target string) ([]engine.Status, error) {
	st, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	return st.ledger.Statuses(ctx, target)
}

// Log returns the ledger events of target, optionally for one extension.
func (m *Manager) Log(ctx context.Context, target, extension string) (iter.Seq2[engine.Event, error], error) {
	st, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	return st.ledger.Query(ctx, target, extension), nil
}

// Events returns the ledger events of target accepted by filter. The
// target of filter is always set to target.
func (m *Manager) Events(ctx context.Context, target string, filter ledger.Filter) (iter.Seq2[engine.Event, error], error) {
	st, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	filter.Target = target
	return st.ledger.QueryFilter(ctx, filter), nil
}

// LedgerPath returns the file backing the ledger of target.
func (m *Manager) LedgerPath(target string) string {
	ext := ".db"
	if m.cfg.Ledger.Backend == ledger.BackendJSONL {
		ext = ".jsonl"
	}
	return filepath.Join(m.cfg.Ledger.Dir, target+ext)
}

// GenerateBom builds the bill of materials of target from its ledger.
func (m *Manager) GenerateBom(ctx context.Context, target string) (*engine.Bom, error) {
	st, err := m.target(ctx, target)
	if err != nil {
		return nil, err
	}
	return bom.NewGenerator(st.ledger, m.registry).Generate(ctx, target)
}

func unknownProfile(name string) error {
	return engine.NewConfigError(fmt.Sprintf("profile %q not found", name), engine.ErrNotFound).
		WithCode(engine.ErrCodeNotFound).
		WithResource(name)
}

// statusRouter serves executor idempotency checks from the ledger of the
// target being asked about.
type statusRouter struct {
	m *Manager
}

func (r statusRouter) LatestStatus(ctx context.Context, target, extension string) (engine.Status, error) {
	r.m.mu.Lock()
	st, ok := r.m.targets[target]
	r.m.mu.Unlock()
	if !ok {
		return engine.Status{Target: target, Extension: extension, Phase: engine.PhaseNotRequested}, nil
	}
	return st.ledger.LatestStatus(ctx, target, extension)
}
