// Package installer orchestrates profile operations on one target. An install
// resolves the requested extensions, then fetches, configures, installs and
// validates each one in dependency order, recording every transition in the
// target's ledger. Independent extensions run concurrently up to the
// configured parallelism.
package installer

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/devkiln/kiln/pkg/configure"
	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/executor"
	"github.com/devkiln/kiln/pkg/policy"
	"github.com/devkiln/kiln/pkg/resolver"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// DefaultParallelism bounds concurrent extension installs.
const DefaultParallelism = 4

// Operation names used in reports, metrics and spans.
const (
	OperationInstall   = "install"
	OperationUninstall = "uninstall"
)

// Ledger is the per-target event log the installer records into.
type Ledger interface {
	Append(ctx context.Context, ev engine.Event) (engine.Event, error)
	LatestStatus(ctx context.Context, target, extension string) (engine.Status, error)
	Statuses(ctx context.Context, target string) ([]engine.Status, error)
}

// Fetcher produces the verified artifact of a manifest.
type Fetcher interface {
	FetchManifest(ctx context.Context, m engine.ExtensionManifest) (*engine.Artifact, error)
}

// Admission decides whether an extension may be installed on the target.
type Admission interface {
	Admit(ctx context.Context, in policy.Input) (*policy.Decision, error)
}

// Source supplies manifests, profiles and protection flags.
type Source interface {
	resolver.ProfileSource
	IsProtected(name string) bool
}

// Config wires an Installer to one target.
type Config struct {
	Target    engine.Target
	Source    Source
	Ledger    Ledger
	Fetcher   Fetcher
	Executor  *executor.Executor
	Configure *configure.Processor

	// Policy and Environment are optional.
	Policy      Admission
	Environment engine.EnvironmentProvider

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Options tune one install run.
type Options struct {
	// ContinueOnError attempts dependents of a failed extension instead of
	// skipping them as blocked. It lifts the rule that an extension starts
	// only once every dependency is installed or skipped: a dependent then
	// runs against whatever its failed dependency left on the target, and
	// its own validate step decides whether it is usable. With the default
	// false the rule holds and only independent branches keep going.
	ContinueOnError bool

	// Parallelism bounds concurrent installs; zero means DefaultParallelism.
	Parallelism int

	// Overrides are variable overrides by extension, applied over the
	// profile's own.
	Overrides map[string]map[string]string
}

// Installer runs install and uninstall operations against one target.
type Installer struct {
	target      engine.Target
	source      Source
	ledger      Ledger
	fetcher     Fetcher
	executor    *executor.Executor
	configure   *configure.Processor
	policy      Admission
	environment engine.EnvironmentProvider
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
}

// New creates an Installer.
func New(cfg Config) (*Installer, error) {
	switch {
	case cfg.Target.Name == "" || cfg.Target.Executor == nil:
		return nil, invalidConfig("target with an executor is required")
	case cfg.Source == nil:
		return nil, invalidConfig("source is required")
	case cfg.Ledger == nil:
		return nil, invalidConfig("ledger is required")
	case cfg.Fetcher == nil:
		return nil, invalidConfig("fetcher is required")
	case cfg.Executor == nil:
		return nil, invalidConfig("executor is required")
	}

	logger := telemetry.OrNop(cfg.Logger)
	in := &Installer{
		target:      cfg.Target,
		source:      cfg.Source,
		ledger:      cfg.Ledger,
		fetcher:     cfg.Fetcher,
		executor:    cfg.Executor,
		configure:   cfg.Configure,
		policy:      cfg.Policy,
		environment: cfg.Environment,
		logger:      logger.NewComponentLogger("installer").WithTarget(cfg.Target.Name),
		metrics:     cfg.Metrics,
		tracer:      telemetry.OrNoopTracer(cfg.Tracer),
	}
	if in.configure == nil {
		in.configure = configure.NewProcessor(configure.WithLogger(logger))
	}
	if in.metrics == nil {
		in.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return in, nil
}

func invalidConfig(msg string) error {
	return engine.NewConfigError(msg, nil).WithCode(engine.ErrCodeValidation)
}

// Target returns the name of the installer's target.
func (in *Installer) Target() string { return in.target.Name }

// InstallProfile installs every extension of the named profile and its
// dependencies. Resolution errors abort before any ledger event; extension
// failures are reported per extension. A ledger write failure aborts the run
// and is returned alongside the partial report.
func (in *Installer) InstallProfile(ctx context.Context, name string, opts Options) (*engine.Report, error) {
	profile, ok := in.source.Profile(name)
	if !ok {
		return nil, unknownProfile(name)
	}
	plan, err := resolver.Resolve(profile.Extensions, in.source)
	if err != nil {
		return nil, err
	}
	return in.install(ctx, plan, name, opts, mergeOverrides(profile.Overrides, opts.Overrides))
}

// InstallExtensions installs an ad hoc set of extensions and their
// dependencies.
func (in *Installer) InstallExtensions(ctx context.Context, names []string, opts Options) (*engine.Report, error) {
	plan, err := resolver.Resolve(names, in.source)
	if err != nil {
		return nil, err
	}
	return in.install(ctx, plan, "", opts, opts.Overrides)
}

func unknownProfile(name string) error {
	return engine.NewConfigError(fmt.Sprintf("unknown profile %s", name), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(name)
}

func mergeOverrides(base, extra map[string]map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(base)+len(extra))
	for ext, vars := range base {
		out[ext] = maps.Clone(vars)
	}
	for ext, vars := range extra {
		if out[ext] == nil {
			out[ext] = make(map[string]string, len(vars))
		}
		maps.Copy(out[ext], vars)
	}
	return out
}

func (in *Installer) install(ctx context.Context, plan *engine.InstallPlan, profile string, opts Options, overrides map[string]map[string]string) (*engine.Report, error) {
	runID := uuid.NewString()
	logger := in.logger.WithRunID(runID)
	report := &engine.Report{
		RunID:     runID,
		Target:    in.target.Name,
		Profile:   profile,
		Operation: OperationInstall,
		StartedAt: time.Now(),
	}

	ctx, span := in.tracer.StartRunSpan(ctx, OperationInstall, runID, in.target.Name, profile)
	defer span.End()
	in.metrics.RecordOperationStarted(OperationInstall)

	target, info, err := in.prepareTarget(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		in.metrics.RecordOperationCompleted(OperationInstall, "error", time.Since(report.StartedAt))
		return nil, err
	}

	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	logger.Zerolog().Info().
		Str("profile", profile).
		Strs("order", plan.Order).
		Int("parallelism", parallelism).
		Msg("starting install")

	r := &run{
		in:         in,
		id:         runID,
		plan:       plan,
		opts:       opts,
		overrides:  overrides,
		target:     target,
		info:       info,
		logger:     logger,
		unitStatus: make(map[string]engine.ExtensionResult, len(plan.Order)),
		done:       make(map[string]chan struct{}, len(plan.Order)),
	}
	r.execute(ctx, parallelism)

	for _, name := range plan.Order {
		report.Results = append(report.Results, r.unitStatus[name])
	}
	report.EndedAt = time.Now()
	in.finish(span, logger, report, r.abortErr)
	return report, r.abortErr
}

// prepareTarget queries the target and merges provider environment over the
// target's configured environment.
func (in *Installer) prepareTarget(ctx context.Context) (engine.Target, engine.TargetInfo, error) {
	target := in.target
	info, err := target.Executor.Info(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return target, info, engine.NewCancelledError("cancelled while contacting target", err).
				WithResource(target.Name)
		}
		return target, info, engine.NewTransientError("failed to query target", err).
			WithCode(engine.ErrCodeNetwork).
			WithResource(target.Name)
	}

	env := maps.Clone(target.Env)
	if env == nil {
		env = make(map[string]string)
	}
	if in.environment != nil {
		provided, err := in.environment.Environment(ctx, target.Name)
		if err != nil {
			return target, info, err
		}
		maps.Copy(env, provided)
	}
	target.Env = env
	return target, info, nil
}

// finish records the run summary in logs, metrics and the run span.
func (in *Installer) finish(span trace.Span, logger *telemetry.Logger, report *engine.Report, abortErr error) {
	summary := calculateSummary(report)
	status := "success"
	switch {
	case abortErr != nil:
		status = "error"
		telemetry.RecordError(span, abortErr)
	case summary.Failed > 0:
		status = "failed"
		telemetry.RecordError(span, Errors(report))
	default:
		telemetry.RecordSuccess(span)
	}
	in.metrics.RecordOperationCompleted(report.Operation, status, report.EndedAt.Sub(report.StartedAt))

	event := logger.Zerolog().Info()
	if status != "success" {
		event = logger.Zerolog().Warn()
	}
	event.
		Str("operation", report.Operation).
		Int("installed", summary.Installed).
		Int("removed", summary.Removed).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Dur("duration", report.EndedAt.Sub(report.StartedAt)).
		Msg("run completed")
}

// run is the state of one install across its worker goroutines.
type run struct {
	in        *Installer
	id        string
	plan      *engine.InstallPlan
	opts      Options
	overrides map[string]map[string]string
	target    engine.Target
	info      engine.TargetInfo
	logger    *telemetry.Logger

	mu         sync.Mutex
	unitStatus map[string]engine.ExtensionResult
	done       map[string]chan struct{}
	abortErr   error
	cancel     context.CancelFunc
}

// execute starts one goroutine per extension. Each waits for its
// dependencies to finish, then for a worker slot.
func (r *run) execute(ctx context.Context, parallelism int) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	for _, name := range r.plan.Order {
		r.done[name] = make(chan struct{})
	}

	sem := semaphore.NewWeighted(int64(parallelism))
	var wg sync.WaitGroup
	for _, name := range r.plan.Order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(r.done[name])
			r.storeResult(r.schedule(ctx, sem, name))
		}()
	}
	wg.Wait()
}

func (r *run) schedule(ctx context.Context, sem *semaphore.Weighted, name string) engine.ExtensionResult {
	for _, dep := range r.plan.Dependencies[name] {
		select {
		case <-r.done[dep]:
		case <-ctx.Done():
			return r.cancelledResult(ctx, name)
		}
	}
	if ctx.Err() != nil {
		return r.cancelledResult(ctx, name)
	}
	if blocker, ok := r.checkDependencies(name); !ok {
		return r.markSkipped(name, blocker)
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return r.cancelledResult(ctx, name)
	}
	defer sem.Release(1)
	return r.installUnit(ctx, name)
}

// checkDependencies reports whether every dependency of name ended installed
// or already installed. It returns the first one that did not.
func (r *run) checkDependencies(name string) (string, bool) {
	if r.opts.ContinueOnError {
		return "", true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range r.plan.Dependencies[name] {
		if !satisfies(r.unitStatus[dep]) {
			return dep, false
		}
	}
	return "", true
}

func satisfies(res engine.ExtensionResult) bool {
	switch res.Outcome {
	case engine.OutcomeInstalled:
		return true
	case engine.OutcomeSkipped:
		return res.Reason == engine.ReasonAlreadyInstalled
	default:
		return false
	}
}

// markSkipped reports name as blocked by a dependency. Blocked extensions
// never reach the ledger.
func (r *run) markSkipped(name, blocker string) engine.ExtensionResult {
	m := r.plan.Manifests[name]
	r.logger.WithExtension(m.Name, m.Version).Zerolog().Warn().
		Str("dependency", blocker).
		Msg("skipping extension, dependency did not install")
	r.in.metrics.RecordOutcome(r.target.Name, string(engine.OutcomeSkipped))
	return engine.ExtensionResult{
		Name:    m.Name,
		Version: m.Version,
		Outcome: engine.OutcomeSkipped,
		Reason:  engine.ReasonBlocked,
	}
}

// cancelledResult reports an extension that never started.
func (r *run) cancelledResult(ctx context.Context, name string) engine.ExtensionResult {
	m := r.plan.Manifests[name]
	r.in.metrics.RecordOutcome(r.target.Name, string(engine.OutcomeFailed))
	return engine.ExtensionResult{
		Name:    m.Name,
		Version: m.Version,
		Outcome: engine.OutcomeFailed,
		Reason:  engine.ReasonCancelled,
		Error:   engine.NewCancelledError("run cancelled before start", context.Cause(ctx)).WithResource(name),
	}
}

func (r *run) storeResult(res engine.ExtensionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unitStatus[res.Name] = res
}

// abort stops the run after the audit trail could not be written.
func (r *run) abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortErr == nil {
		r.abortErr = err
		r.logger.WithError(err).Error("ledger write failed, aborting run")
		r.cancel()
	}
}

// ValidateExtension runs the validation of one extension against the target
// with the same environment an install would see. The ledger is not touched.
func (in *Installer) ValidateExtension(ctx context.Context, name string) (*engine.ValidationResult, error) {
	m, ok := in.source.Get(name)
	if !ok {
		return nil, engine.NewConfigError(fmt.Sprintf("extension %q not found in registry", name), engine.ErrNotFound).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	target, _, err := in.prepareTarget(ctx)
	if err != nil {
		return nil, err
	}
	return in.executor.RunValidate(ctx, executor.Request{Manifest: m, Target: target})
}
