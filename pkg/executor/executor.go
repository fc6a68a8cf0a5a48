// Package executor runs the lifecycle steps of one extension on one target.
// Steps are never retried; a non-zero exit or a timeout fails the step.
package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/devkiln/kiln/pkg/configure"
	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// DefaultSafetyFactor scales the declared install time into a step timeout.
const DefaultSafetyFactor = 3.0

const maxCapturedOutput = 8 << 10

// Step names used in logs, metrics and errors.
const (
	StepCheck    = "check"
	StepInstall  = "install"
	StepValidate = "validate"
	StepRemove   = "remove"
)

// Environment variables injected into every step.
const (
	EnvExtension    = "KILN_EXTENSION"
	EnvVersion      = "KILN_VERSION"
	EnvTarget       = "KILN_TARGET"
	EnvArtifactPath = "KILN_ARTIFACT_PATH"
	EnvExtensionDir = "KILN_EXTENSION_DIR"
)

// StatusReader is the ledger view the executor consults for idempotency.
type StatusReader interface {
	LatestStatus(ctx context.Context, target, extension string) (engine.Status, error)
}

// Config configures an Executor.
type Config struct {
	SafetyFactor float64
	Builtins     map[string]engine.BuiltinFunc
	Statuses     StatusReader
	Logger       *telemetry.Logger
	Metrics      *telemetry.Metrics
}

// Executor runs hooks through a target's engine.TargetExecutor.
type Executor struct {
	safetyFactor float64
	builtins     map[string]engine.BuiltinFunc
	statuses     StatusReader
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
}

// New creates an Executor.
func New(cfg Config) *Executor {
	e := &Executor{
		safetyFactor: cfg.SafetyFactor,
		builtins:     maps.Clone(cfg.Builtins),
		statuses:     cfg.Statuses,
		logger:       telemetry.OrNop(cfg.Logger).NewComponentLogger("executor"),
		metrics:      cfg.Metrics,
	}
	if e.safetyFactor <= 0 {
		e.safetyFactor = DefaultSafetyFactor
	}
	if e.builtins == nil {
		e.builtins = make(map[string]engine.BuiltinFunc)
	}
	if e.metrics == nil {
		e.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	return e
}

// Request is one lifecycle step invocation.
type Request struct {
	Manifest engine.ExtensionManifest
	Target   engine.Target

	// Config is the rendered configuration; nil means none.
	Config *configure.RenderedConfig

	// Artifact is the verified artifact; nil or virtual means none.
	Artifact *engine.Artifact
}

// StepResult is the outcome of a step that ran to completion.
type StepResult struct {
	Step     string
	Hook     string
	Result   *engine.CommandResult
	Duration time.Duration
}

// Timeout returns the step timeout for m.
func (e *Executor) Timeout(m engine.ExtensionManifest) time.Duration {
	return m.Requirements.Timeout(e.safetyFactor)
}

// Satisfied reports whether the extension is already installed on the target:
// the ledger records it installed at the manifest version and the check hook,
// if any, passes; or the check hook alone passes.
func (e *Executor) Satisfied(ctx context.Context, req Request) (bool, error) {
	m := req.Manifest
	recorded := false
	if e.statuses != nil {
		st, err := e.statuses.LatestStatus(ctx, req.Target.Name, m.Name)
		if err != nil {
			return false, err
		}
		recorded = st.Phase == engine.PhaseInstalled && st.Version == m.Version
	}

	if m.Hooks.Check.IsZero() {
		return recorded, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout(m))
	defer cancel()
	res, err := e.run(ctx, StepCheck, m.Hooks.Check, req)
	if err != nil {
		if engine.IsCancelled(err) {
			return false, err
		}
		e.logger.WithExtension(m.Name, m.Version).WithError(err).Debug("check hook failed")
		return false, nil
	}
	return res.Result.Success(), nil
}

// RunInstall uploads rendered files and runs the install hook.
func (e *Executor) RunInstall(ctx context.Context, req Request) (*StepResult, error) {
	m := req.Manifest
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.Timeout(m))
	defer cancel()

	if req.Config != nil {
		for _, f := range req.Config.Files {
			if err := req.Target.Executor.Upload(ctx, f.Content, f.Destination, f.Mode); err != nil {
				return nil, e.stepError(ctx, StepInstall, m, nil, fmt.Errorf("upload %s: %w", f.Destination, err))
			}
		}
	}

	if m.Hooks.Install.IsZero() {
		return &StepResult{Step: StepInstall, Duration: time.Since(start)}, nil
	}
	res, err := e.run(ctx, StepInstall, m.Hooks.Install, req)
	if err != nil {
		return res, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

// RunRemove runs the remove hook. Without a hook removal is a no-op.
func (e *Executor) RunRemove(ctx context.Context, req Request) (*StepResult, error) {
	m := req.Manifest
	if m.Hooks.Remove.IsZero() {
		return &StepResult{Step: StepRemove}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout(m))
	defer cancel()
	return e.run(ctx, StepRemove, m.Hooks.Remove, req)
}

// RunValidate runs the validate hook and every validate command. The result
// is returned even when a check fails; the error is then an execution error.
func (e *Executor) RunValidate(ctx context.Context, req Request) (*engine.ValidationResult, error) {
	m := req.Manifest
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.Timeout(m))
	defer cancel()

	result := &engine.ValidationResult{Extension: m.Name, Target: req.Target.Name, Passed: true}
	var firstErr error
	record := func(check engine.CheckResult, err error) {
		if err != nil && check.Error == "" {
			check.Error = err.Error()
		}
		check.Passed = err == nil
		result.Checks = append(result.Checks, check)
		if err != nil {
			result.Passed = false
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if !m.Hooks.Validate.IsZero() {
		res, err := e.run(ctx, StepValidate, m.Hooks.Validate, req)
		check := engine.CheckResult{Name: hookName(m.Hooks.Validate)}
		if res != nil {
			check.Output = truncate(res.Result.Output())
		}
		record(check, err)
		if engine.IsCancelled(err) {
			result.Duration = time.Since(start)
			return result, err
		}
	}

	for _, vc := range m.Validate {
		check, err := e.validateCommand(ctx, req, vc)
		record(check, err)
		if engine.IsCancelled(err) {
			break
		}
	}

	result.Duration = time.Since(start)
	return result, firstErr
}

func (e *Executor) validateCommand(ctx context.Context, req Request, vc engine.ValidateCommand) (engine.CheckResult, error) {
	m := req.Manifest
	flag := vc.VersionFlag
	if flag == "" {
		flag = "--version"
	}
	script := vc.Name + " " + flag
	check := engine.CheckResult{Name: script}

	cmd := engine.Command{Name: script, Script: script, Env: e.environment(req), Dir: req.Target.WorkDir}
	res, err := e.exec(ctx, StepValidate, m, func(ctx context.Context) (*engine.CommandResult, error) {
		return req.Target.Executor.Run(ctx, cmd)
	})
	if res != nil {
		check.Output = truncate(res.Output())
	}
	if err != nil {
		return check, err
	}

	if vc.ExpectedPattern != "" {
		re, err := regexp.Compile(vc.ExpectedPattern)
		if err != nil {
			return check, engine.NewConfigError("invalid expected pattern", err).
				WithCode(engine.ErrCodeMalformedManifest).
				WithResource(m.Name).
				WithDetail("pattern", vc.ExpectedPattern)
		}
		if !re.MatchString(res.Output()) {
			check.Error = fmt.Sprintf("output does not match %q", vc.ExpectedPattern)
			return check, engine.NewExecutionError(
				fmt.Sprintf("validation of %s failed: %s", m.Name, check.Error), nil,
			).WithCode(engine.ErrCodeExecutionFailed).
				WithResource(m.Name).
				WithOperation(StepValidate).
				WithDetail("output", check.Output)
		}
	}
	return check, nil
}

// run resolves and executes one hook.
func (e *Executor) run(ctx context.Context, step string, hook *engine.HookRef, req Request) (*StepResult, error) {
	m := req.Manifest
	runnable, err := e.resolve(m, hook)
	if err != nil {
		return nil, err
	}

	env := engine.RunEnv{
		Target:    req.Target.Executor,
		Extension: m.Name,
		Env:       e.environment(req),
		Dir:       req.Target.WorkDir,
	}
	start := time.Now()
	res, err := e.exec(ctx, step, m, func(ctx context.Context) (*engine.CommandResult, error) {
		return runnable.Run(ctx, env)
	})
	out := &StepResult{Step: step, Hook: runnable.String(), Result: res, Duration: time.Since(start)}
	if err != nil {
		return out, err
	}
	return out, nil
}

// exec runs fn and maps its outcome onto the error taxonomy.
func (e *Executor) exec(ctx context.Context, step string, m engine.ExtensionManifest,
	fn func(context.Context) (*engine.CommandResult, error)) (*engine.CommandResult, error) {
	logger := e.logger.WithExtension(m.Name, m.Version).WithField("step", step)
	done := e.metrics.StepStarted()
	start := time.Now()

	res, err := fn(ctx)
	done()
	elapsed := time.Since(start)

	if err == nil && res == nil {
		res = &engine.CommandResult{Duration: elapsed}
	}
	if err == nil && !res.Success() {
		err = fmt.Errorf("exit code %d", res.ExitCode)
	}
	if err != nil {
		err = e.stepError(ctx, step, m, res, err)
		e.metrics.RecordStep(step, "failed", elapsed)
		logger.Zerolog().Warn().Err(err).Dur("duration", elapsed).Msg("step failed")
		return res, err
	}

	e.metrics.RecordStep(step, "succeeded", elapsed)
	logger.Zerolog().Debug().Dur("duration", elapsed).Msg("step succeeded")
	return res, nil
}

// stepError classifies a step failure as cancelled, timed out or failed.
func (e *Executor) stepError(ctx context.Context, step string, m engine.ExtensionManifest, res *engine.CommandResult, cause error) error {
	var ee *engine.EngineError
	if errors.As(cause, &ee) && ee.Class == engine.ErrorClassConfig {
		return cause
	}

	switch {
	case errors.Is(context.Cause(ctx), context.DeadlineExceeded):
		err := engine.NewExecutionError(
			fmt.Sprintf("%s of %s timed out after %v", step, m.Name, e.Timeout(m)), cause,
		).WithCode(engine.ErrCodeTimeout).
			WithResource(m.Name).
			WithOperation(step)
		return withOutput(err, res)
	case ctx.Err() != nil:
		return engine.NewCancelledError(fmt.Sprintf("%s of %s cancelled", step, m.Name), cause).
			WithResource(m.Name).
			WithOperation(step)
	}

	err := engine.NewExecutionError(fmt.Sprintf("%s of %s failed", step, m.Name), cause).
		WithCode(engine.ErrCodeExecutionFailed).
		WithResource(m.Name).
		WithOperation(step)
	if res != nil {
		err = err.WithDetail("exit_code", res.ExitCode)
	}
	return withOutput(err, res)
}

func withOutput(err *engine.EngineError, res *engine.CommandResult) *engine.EngineError {
	if out := res.Output(); out != "" {
		err = err.WithDetail("output", truncate(out))
	}
	return err
}

func (e *Executor) resolve(m engine.ExtensionManifest, hook *engine.HookRef) (engine.Runnable, error) {
	if hook.Builtin != "" {
		fn, ok := e.builtins[hook.Builtin]
		if !ok {
			return nil, engine.NewConfigError(fmt.Sprintf("unknown builtin %q", hook.Builtin), nil).
				WithCode(engine.ErrCodeMalformedManifest).
				WithResource(m.Name)
		}
		return engine.Builtin(hook.Builtin, fn), nil
	}

	path := hook.Script
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.Dir, path)
	}
	return engine.Script(path), nil
}

// environment builds the step environment. Later sources win: target env,
// variables (or their defaults when nothing was rendered), install env, then
// the KILN_ variables.
func (e *Executor) environment(req Request) map[string]string {
	m := req.Manifest
	env := maps.Clone(req.Target.Env)
	if env == nil {
		env = make(map[string]string)
	}
	if req.Config != nil {
		maps.Copy(env, req.Config.Variables)
		maps.Copy(env, req.Config.InstallEnv)
	} else {
		// Steps run outside an install (validate, remove) see the
		// manifest's variable defaults.
		for _, v := range m.Configure.Variables {
			if v.Default != nil {
				env[v.Name] = *v.Default
			}
		}
	}

	env[EnvExtension] = m.Name
	env[EnvVersion] = m.Version
	env[EnvTarget] = req.Target.Name
	env[EnvExtensionDir] = m.Dir
	if req.Artifact != nil && !req.Artifact.Virtual {
		env[EnvArtifactPath] = req.Artifact.LocalPath
	}
	return env
}

func hookName(h *engine.HookRef) string {
	if h.Builtin != "" {
		return "builtin:" + h.Builtin
	}
	return "script:" + h.Script
}

// truncate keeps the tail of long output, where failures are reported.
func truncate(s string) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	s = s[len(s)-maxCapturedOutput:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return "...\n" + s
}
