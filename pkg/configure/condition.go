package configure

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultConditionTimeout bounds a single condition evaluation.
const DefaultConditionTimeout = 5 * time.Second

const maxConditionSteps = 100_000

// ConditionEvaluator evaluates template conditions as Starlark expressions.
// Conditions see env, vars (dicts), os, arch, target (strings) and the
// platform struct.
type ConditionEvaluator struct {
	timeout time.Duration
}

// NewConditionEvaluator creates an evaluator with the given timeout.
func NewConditionEvaluator(timeout time.Duration) *ConditionEvaluator {
	if timeout <= 0 {
		timeout = DefaultConditionTimeout
	}
	return &ConditionEvaluator{timeout: timeout}
}

// ConditionInput is the data a condition can reference.
type ConditionInput struct {
	Target string
	OS     string
	Arch   string
	Env    map[string]string
	Vars   map[string]string
}

// Eval reports whether expr is truthy. An empty expression is true.
func (ce *ConditionEvaluator) Eval(ctx context.Context, expr string, in ConditionInput) (bool, error) {
	if expr == "" {
		return true, nil
	}

	thread := &starlark.Thread{
		Name:  "condition",
		Print: func(*starlark.Thread, string) {},
	}
	thread.SetMaxExecutionSteps(maxConditionSteps)

	evalCtx, cancel := context.WithTimeout(ctx, ce.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("condition timed out after %v", ce.timeout))
	})
	defer stop()

	env := starlark.StringDict{
		"env":    stringDict(in.Env),
		"vars":   stringDict(in.Vars),
		"os":     starlark.String(in.OS),
		"arch":   starlark.String(in.Arch),
		"target": starlark.String(in.Target),
		"platform": starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"os":   starlark.String(in.OS),
			"arch": starlark.String(in.Arch),
		}),
	}

	v, err := starlark.Eval(thread, "when", expr, env)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	return bool(v.Truth()), nil
}

// stringDict converts m to a frozen Starlark dict with sorted insertion order.
func stringDict(m map[string]string) *starlark.Dict {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := starlark.NewDict(len(m))
	for _, k := range keys {
		_ = d.SetKey(starlark.String(k), starlark.String(m[k]))
	}
	d.Freeze()
	return d
}
