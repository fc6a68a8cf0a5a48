package installer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/devkiln/kiln/pkg/configure"
	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/executor"
	"github.com/devkiln/kiln/pkg/policy"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// ledgerFailure marks an error from the ledger itself. It aborts the run.
type ledgerFailure struct {
	err error
}

func (e *ledgerFailure) Error() string { return e.err.Error() }
func (e *ledgerFailure) Unwrap() error { return e.err }

// unit walks one extension through its phases.
type unit struct {
	runID    string
	target   string
	manifest engine.ExtensionManifest
	ledger   Ledger
	logger   *telemetry.Logger
	span     trace.Span

	// phase is the last phase recorded in the ledger.
	phase engine.Phase
}

// record appends a transition. Appends are never cancelled so that a run
// interrupted mid-step still leaves a terminal entry.
func (u *unit) record(ctx context.Context, phase engine.Phase, mutate func(*engine.Event)) error {
	ev := engine.Event{
		RunID:     u.runID,
		Target:    u.target,
		Extension: u.manifest.Name,
		Phase:     phase,
		Version:   u.manifest.Version,
	}
	if mutate != nil {
		mutate(&ev)
	}
	if _, err := u.ledger.Append(context.WithoutCancel(ctx), ev); err != nil {
		return &ledgerFailure{err: err}
	}
	u.phase = phase
	telemetry.AddPhaseEvent(u.span, string(phase))
	return nil
}

// fail records a Failed event for err and returns the phase it failed at.
func (u *unit) fail(ctx context.Context, err error) (engine.Phase, error) {
	at := u.phase
	rerr := u.record(ctx, engine.PhaseFailed, func(ev *engine.Event) {
		ev.Error = err.Error()
		ev.ErrorCode = engine.CodeOf(err)
		ev.Output = capturedOutput(err)
	})
	return at, rerr
}

func capturedOutput(err error) string {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		if out, ok := ee.Details["output"].(string); ok {
			return out
		}
	}
	return ""
}

// installUnit runs one extension to a terminal phase.
func (r *run) installUnit(ctx context.Context, name string) engine.ExtensionResult {
	m := r.plan.Manifests[name]
	start := time.Now()
	ctx, span := r.in.tracer.StartExtensionSpan(ctx, OperationInstall, m.Name, m.Version)
	defer span.End()

	u := &unit{
		runID:    r.id,
		target:   r.target.Name,
		manifest: m,
		ledger:   r.in.ledger,
		logger:   r.logger.WithExtension(m.Name, m.Version),
		span:     span,
		phase:    engine.PhaseNotRequested,
	}
	result := engine.ExtensionResult{Name: m.Name, Version: m.Version}

	outcome, reason, err := r.installSteps(ctx, u)
	result.Duration = time.Since(start)

	if err == nil {
		result.Outcome, result.Reason, result.Phase = outcome, reason, u.phase
		telemetry.RecordSuccess(span)
		r.in.metrics.RecordOutcome(r.target.Name, string(outcome))
		u.logger.Zerolog().Info().
			Str("outcome", string(outcome)).
			Str("reason", reason).
			Dur("duration", result.Duration).
			Msg("extension done")
		return result
	}

	if ctx.Err() != nil && !engine.IsCancelled(err) {
		err = engine.NewCancelledError("installation cancelled", err).WithResource(m.Name)
	}
	result.Outcome, result.Error, result.Phase = engine.OutcomeFailed, err, u.phase

	var lf *ledgerFailure
	if errors.As(err, &lf) {
		r.abort(lf.err)
		result.Error = lf.err
	} else if u.phase != engine.PhaseNotRequested {
		at, rerr := u.fail(ctx, err)
		result.Phase = at
		if rerr != nil {
			r.abort(rerr.(*ledgerFailure).err)
		}
	}

	telemetry.RecordError(span, result.Error)
	r.in.metrics.RecordOutcome(r.target.Name, string(engine.OutcomeFailed))
	r.in.metrics.RecordError(string(engine.ClassOf(result.Error)), engine.CodeOf(result.Error))
	u.logger.WithError(result.Error).Zerolog().Error().
		Str("phase", string(result.Phase)).
		Str("code", engine.CodeOf(result.Error)).
		Dur("duration", result.Duration).
		Msg("extension failed")
	return result
}

// installSteps checks idempotency, then either re-validates a satisfied
// extension or runs the full fetch, configure, install, validate sequence.
func (r *run) installSteps(ctx context.Context, u *unit) (engine.Outcome, string, error) {
	m := u.manifest
	req := executor.Request{Manifest: m, Target: r.target}

	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	satisfied, err := r.in.executor.Satisfied(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return "", "", &ledgerFailure{err: err}
	}

	if err := u.record(ctx, engine.PhaseRequested, nil); err != nil {
		return "", "", err
	}

	if satisfied {
		u.logger.Debug("already installed, re-validating")
		if err := r.validate(ctx, u, req); err != nil {
			return "", "", err
		}
		err := u.record(ctx, engine.PhaseInstalled, func(ev *engine.Event) {
			ev.Reason = engine.ReasonAlreadyInstalled
		})
		return engine.OutcomeSkipped, engine.ReasonAlreadyInstalled, err
	}

	if err := r.admit(ctx, m); err != nil {
		return "", "", err
	}

	if err := u.record(ctx, engine.PhaseFetching, nil); err != nil {
		return "", "", err
	}
	artifact, err := r.in.fetcher.FetchManifest(ctx, m)
	if err != nil {
		return "", "", err
	}
	req.Artifact = artifact

	if err := r.step(ctx, u, engine.PhaseConfiguring); err != nil {
		return "", "", err
	}
	rendered, err := r.in.configure.Render(ctx, m, configure.TargetContext{
		Target:       r.target.Name,
		OS:           r.info.OS,
		Arch:         r.info.Arch,
		Env:          r.target.Env,
		Overrides:    r.overrides[m.Name],
		ArtifactPath: artifact.LocalPath,
	})
	if err != nil {
		return "", "", err
	}
	req.Config = rendered

	if err := r.step(ctx, u, engine.PhaseInstalling); err != nil {
		return "", "", err
	}
	installStart := time.Now()
	if _, err := r.in.executor.RunInstall(ctx, req); err != nil {
		return "", "", err
	}

	if err := r.validate(ctx, u, req); err != nil {
		return "", "", err
	}
	err = u.record(ctx, engine.PhaseInstalled, func(ev *engine.Event) {
		ev.Checksum = artifact.Checksum
		ev.Duration = time.Since(installStart)
	})
	return engine.OutcomeInstalled, "", err
}

// step records the next phase unless the run was cancelled in between.
func (r *run) step(ctx context.Context, u *unit, phase engine.Phase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return u.record(ctx, phase, nil)
}

func (r *run) validate(ctx context.Context, u *unit, req executor.Request) error {
	if err := r.step(ctx, u, engine.PhaseValidating); err != nil {
		return err
	}
	_, err := r.in.executor.RunValidate(ctx, req)
	return err
}

// admit runs the admission policy, if any, before anything is fetched.
func (r *run) admit(ctx context.Context, m engine.ExtensionManifest) error {
	if r.in.policy == nil {
		return nil
	}
	_, err := r.in.policy.Admit(ctx, policy.NewInput(m, r.target, r.info))
	if err != nil && !errors.Is(err, engine.ErrPolicyDenied) && !engine.IsCancelled(err) {
		return fmt.Errorf("admission check for %s: %w", m.Name, err)
	}
	return err
}
