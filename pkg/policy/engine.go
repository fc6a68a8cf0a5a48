package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// Engine evaluates admission policies before an extension is fetched.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   *telemetry.Logger
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// Config configures an Engine.
type Config struct {
	// Paths are .rego/.json files or directories with custom policies.
	Paths []string

	// DisableBuiltins skips the capacity policies.
	DisableBuiltins bool

	Logger *telemetry.Logger
}

// NewEngine compiles the builtin policies and those found under cfg.Paths.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   telemetry.OrNop(cfg.Logger).NewComponentLogger("policy-engine"),
	}

	if !cfg.DisableBuiltins {
		for _, p := range Builtins() {
			if err := e.Add(ctx, p); err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
			}
		}
	}
	if len(cfg.Paths) > 0 {
		if err := e.Load(ctx, cfg.Paths); err != nil {
			return nil, err
		}
	}

	e.logger.Zerolog().Debug().Int("policies", len(e.policies)).Msg("policy engine ready")
	return e, nil
}

// Load compiles every policy found under paths.
func (e *Engine) Load(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(paths)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.Add(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Add compiles p and registers it, replacing a policy of the same name.
func (e *Engine) Add(ctx context.Context, p Policy) error {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return compileError(p, err)
	}
	query := module.Package.Path.String() + ".deny"

	prepared, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return compileError(p, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = &compiledPolicy{policy: p, query: prepared}
	return nil
}

// Policies returns the registered policies ordered by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	slices.SortFunc(out, func(a, b Policy) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Evaluate runs every enabled policy against in. A policy that fails to
// evaluate is reported in Decision.Errors and does not deny.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	start := time.Now()

	decision := &Decision{Allowed: true}
	for _, p := range e.Policies() {
		if !p.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, p.Name)

		violations, err := e.evaluatePolicy(ctx, p.Name, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, engine.NewCancelledError("policy evaluation cancelled", ctx.Err()).
					WithResource(in.Extension.Name)
			}
			e.logger.WithError(err).Zerolog().Error().
				Str("policy", p.Name).
				Str("extension", in.Extension.Name).
				Msg("policy evaluation failed")
			decision.Errors = append(decision.Errors, fmt.Sprintf("%s: %v", p.Name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}

	decision.Duration = time.Since(start)
	e.logger.Zerolog().Debug().
		Str("extension", in.Extension.Name).
		Str("target", in.Target.Name).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("admission evaluated")
	return decision, nil
}

// Admit evaluates in and returns a POLICY_DENIED error listing the blocking
// violations when the decision is a denial.
func (e *Engine) Admit(ctx context.Context, in Input) (*Decision, error) {
	decision, err := e.Evaluate(ctx, in)
	if err != nil {
		return nil, err
	}
	for _, w := range decision.Warnings {
		e.logger.WithExtension(in.Extension.Name, in.Extension.Version).Zerolog().Warn().
			Str("policy", w.Policy).
			Msg(w.Message)
	}
	if decision.Allowed {
		return decision, nil
	}

	messages := make([]string, len(decision.Violations))
	policies := make([]string, len(decision.Violations))
	for i, v := range decision.Violations {
		messages[i] = v.Message
		policies[i] = v.Policy
	}
	return decision, engine.NewPermanentError(strings.Join(messages, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(in.Extension.Name).
		WithOperation("admit").
		WithDetail("target", in.Target.Name).
		WithDetail("policies", policies)
}

func (e *Engine) evaluatePolicy(ctx context.Context, name string, in Input) ([]Violation, error) {
	e.mu.RLock()
	cp, ok := e.policies[name]
	e.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	results, err := cp.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, in))
		}
	}
	slices.SortFunc(violations, func(a, b Violation) int { return strings.Compare(a.Message, b.Message) })
	return violations, nil
}

func createViolation(p Policy, result interface{}, in Input) Violation {
	v := Violation{
		Policy:    p.Name,
		Extension: in.Extension.Name,
		Target:    in.Target.Name,
		Severity:  p.Severity,
	}
	if v.Severity == "" {
		v.Severity = SeverityError
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
	default:
		raw, _ := json.Marshal(r)
		v.Message = string(raw)
	}
	return v
}

func compileError(p Policy, err error) error {
	ce := engine.NewConfigError(fmt.Sprintf("failed to compile policy %s", p.Name), err).
		WithCode(engine.ErrCodeMalformedManifest).
		WithResource(p.Name)
	if p.Source != "" {
		ce = ce.WithDetail("file", p.Source)
	}
	return ce
}
