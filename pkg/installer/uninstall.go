package installer

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/executor"
	"github.com/devkiln/kiln/pkg/resolver"
)

// UninstallProfile removes the extensions of the named profile and their
// dependencies in reverse install order, so dependents go before what they
// depend on. Protected extensions are never removed. Without force, an
// extension still required by another installed extension is kept and the
// first removal failure stops the remaining removals; with force both checks
// are bypassed and every removal is attempted.
func (in *Installer) UninstallProfile(ctx context.Context, name string, force bool) (*engine.Report, error) {
	plan, err := resolver.ResolveProfile(name, in.source)
	if err != nil {
		return nil, err
	}
	return in.uninstall(ctx, plan, name, force)
}

// UninstallExtensions removes an ad hoc set of extensions and their
// dependencies.
func (in *Installer) UninstallExtensions(ctx context.Context, names []string, force bool) (*engine.Report, error) {
	plan, err := resolver.Resolve(names, in.source)
	if err != nil {
		return nil, err
	}
	return in.uninstall(ctx, plan, "", force)
}

func (in *Installer) uninstall(ctx context.Context, plan *engine.InstallPlan, profile string, force bool) (*engine.Report, error) {
	runID := uuid.NewString()
	logger := in.logger.WithRunID(runID)
	report := &engine.Report{
		RunID:     runID,
		Target:    in.target.Name,
		Profile:   profile,
		Operation: OperationUninstall,
		StartedAt: time.Now(),
	}

	ctx, span := in.tracer.StartRunSpan(ctx, OperationUninstall, runID, in.target.Name, profile)
	defer span.End()
	in.metrics.RecordOperationStarted(OperationUninstall)

	statuses, err := in.ledger.Statuses(ctx, in.target.Name)
	if err != nil {
		in.metrics.RecordOperationCompleted(OperationUninstall, "error", time.Since(report.StartedAt))
		return nil, err
	}
	installed := make(map[string]engine.Status, len(statuses))
	for _, st := range statuses {
		if st.Phase == engine.PhaseInstalled {
			installed[st.Extension] = st
		}
	}

	target, _, err := in.prepareTarget(ctx)
	if err != nil {
		in.metrics.RecordOperationCompleted(OperationUninstall, "error", time.Since(report.StartedAt))
		return nil, err
	}

	var abortErr error
	stopped := false
	for _, name := range plan.Reverse() {
		m := plan.Manifests[name]
		result := engine.ExtensionResult{Name: m.Name, Version: m.Version, Outcome: engine.OutcomeSkipped}

		st, isInstalled := installed[name]
		dependent := ""
		if isInstalled && !force {
			dependent = in.requiredBy(name, installed)
		}
		switch {
		case abortErr != nil || ctx.Err() != nil:
			result.Outcome = engine.OutcomeFailed
			result.Reason = engine.ReasonCancelled
			result.Error = engine.NewCancelledError("removal not started", ctx.Err()).WithResource(name)
		case in.source.IsProtected(name) || m.Protected:
			result.Reason = engine.ReasonProtected
		case !isInstalled:
			result.Reason = engine.ReasonNotInstalled
		case stopped:
			result.Reason = engine.ReasonBlocked
		case dependent != "":
			result.Reason = engine.ReasonInUse
			logger.WithExtension(m.Name, m.Version).Zerolog().Warn().
				Str("dependent", dependent).
				Msg("keeping extension, still required")
		default:
			m.Version = st.Version
			result = in.removeUnit(ctx, runID, target, m)
			if result.Outcome == engine.OutcomeRemoved {
				delete(installed, name)
			} else if lf, ok := result.Error.(*ledgerFailure); ok {
				abortErr = lf.err
				result.Error = lf.err
			} else if !force {
				stopped = true
			}
		}

		if result.Outcome == engine.OutcomeSkipped || result.Reason == engine.ReasonCancelled {
			in.metrics.RecordOutcome(in.target.Name, string(result.Outcome))
		}
		report.Results = append(report.Results, result)
	}

	report.EndedAt = time.Now()
	in.finish(span, logger, report, abortErr)
	return report, abortErr
}

// requiredBy returns an installed extension that depends on name.
func (in *Installer) requiredBy(name string, installed map[string]engine.Status) string {
	dependents := make([]string, 0, len(installed))
	for other := range installed {
		dependents = append(dependents, other)
	}
	slices.Sort(dependents)

	for _, other := range dependents {
		if other == name {
			continue
		}
		m, ok := in.source.Get(other)
		if !ok {
			continue
		}
		if slices.Contains(m.DependencyNames(), name) {
			return other
		}
	}
	return ""
}

// removeUnit runs the remove step of one installed extension.
func (in *Installer) removeUnit(ctx context.Context, runID string, target engine.Target, m engine.ExtensionManifest) engine.ExtensionResult {
	start := time.Now()
	ctx, span := in.tracer.StartExtensionSpan(ctx, OperationUninstall, m.Name, m.Version)
	defer span.End()

	u := &unit{
		runID:    runID,
		target:   target.Name,
		manifest: m,
		ledger:   in.ledger,
		logger:   in.logger.WithRunID(runID).WithExtension(m.Name, m.Version),
		span:     span,
		phase:    engine.PhaseInstalled,
	}
	result := engine.ExtensionResult{Name: m.Name, Version: m.Version}

	err := u.record(ctx, engine.PhaseRemoving, nil)
	if err == nil {
		_, err = in.executor.RunRemove(ctx, executor.Request{Manifest: m, Target: target})
		if err == nil {
			err = u.record(ctx, engine.PhaseRemoved, nil)
		} else if ctx.Err() != nil && !engine.IsCancelled(err) {
			err = engine.NewCancelledError("removal cancelled", err).WithResource(m.Name)
		}
	}
	result.Duration = time.Since(start)

	if err == nil {
		result.Outcome, result.Phase = engine.OutcomeRemoved, engine.PhaseRemoved
		in.metrics.RecordOutcome(target.Name, string(engine.OutcomeRemoved))
		u.logger.Zerolog().Info().Dur("duration", result.Duration).Msg("extension removed")
		return result
	}

	result.Outcome, result.Error, result.Phase = engine.OutcomeFailed, err, u.phase
	if _, isLedger := err.(*ledgerFailure); !isLedger {
		if _, rerr := u.fail(ctx, err); rerr != nil {
			result.Error = rerr
		}
	}
	in.metrics.RecordOutcome(target.Name, string(engine.OutcomeFailed))
	in.metrics.RecordError(string(engine.ClassOf(err)), engine.CodeOf(err))
	u.logger.WithError(err).Zerolog().Error().Str("phase", string(result.Phase)).Msg("extension removal failed")
	return result
}
