package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TargetExecutor runs commands on one concrete deployment target.
// Implementations live outside the engine (local shell, SSH).
type TargetExecutor interface {
	// Name returns the target name.
	Name() string

	// Run executes a command string. A non-zero exit is reported in the
	// result, not as an error; errors mean the command could not be run.
	Run(ctx context.Context, cmd Command) (*CommandResult, error)

	// Upload writes content to path on the target.
	Upload(ctx context.Context, content []byte, path string, mode os.FileMode) error

	// Info describes the target platform.
	Info(ctx context.Context) (TargetInfo, error)
}

// Command is a script to run on a target.
type Command struct {
	// Name identifies the command in logs.
	Name string

	// Script is the shell source to run.
	Script string

	// Env is added to the target environment.
	Env map[string]string

	// Dir is the working directory; empty uses the target default.
	Dir string
}

// CommandResult contains the outcome of a command.
type CommandResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Success returns true for a zero exit code.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Output returns stdout and stderr joined.
func (r *CommandResult) Output() string {
	if r == nil {
		return ""
	}
	switch {
	case r.Stdout == "":
		return r.Stderr
	case r.Stderr == "":
		return r.Stdout
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// TargetInfo describes a target platform.
type TargetInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

// Capacity is what a target can offer to extension requirements.
// Zero values mean unknown and are not enforced.
type Capacity struct {
	MemoryMB int  `json:"memory_mb"`
	DiskMB   int  `json:"disk_mb"`
	GPU      bool `json:"gpu"`
}

// Target bundles an executor with its target-scoped settings.
type Target struct {
	Name     string
	Executor TargetExecutor
	Env      map[string]string
	Capacity Capacity
	WorkDir  string
}

// EnvironmentProvider supplies secrets and environment values for a target.
type EnvironmentProvider interface {
	Environment(ctx context.Context, target string) (map[string]string, error)
}

// RunEnv is what a lifecycle step sees when it runs.
type RunEnv struct {
	Target    TargetExecutor
	Extension string
	Env       map[string]string
	Dir       string
}

// Runnable is a lifecycle step. Variants are Script and Builtin.
type Runnable interface {
	Run(ctx context.Context, env RunEnv) (*CommandResult, error)
	String() string
}

// BuiltinFunc implements a lifecycle step in Go.
type BuiltinFunc func(ctx context.Context, env RunEnv) (*CommandResult, error)

type scriptRunnable struct {
	path string
}

// Script returns a Runnable that sends the file at path to the target shell.
func Script(path string) Runnable {
	return scriptRunnable{path: path}
}

func (s scriptRunnable) Run(ctx context.Context, env RunEnv) (*CommandResult, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, NewConfigError("failed to read lifecycle script", err).
			WithCode(ErrCodeMissingFile).
			WithResource(env.Extension).
			WithDetail("file", s.path)
	}
	return env.Target.Run(ctx, Command{
		Name:   filepath.Base(s.path),
		Script: string(content),
		Env:    env.Env,
		Dir:    env.Dir,
	})
}

func (s scriptRunnable) String() string {
	return "script:" + s.path
}

type builtinRunnable struct {
	name string
	fn   BuiltinFunc
}

// Builtin returns a Runnable backed by a Go function.
func Builtin(name string, fn BuiltinFunc) Runnable {
	return builtinRunnable{name: name, fn: fn}
}

func (b builtinRunnable) Run(ctx context.Context, env RunEnv) (*CommandResult, error) {
	if b.fn == nil {
		return nil, fmt.Errorf("builtin %s has no implementation", b.name)
	}
	return b.fn(ctx, env)
}

func (b builtinRunnable) String() string {
	return "builtin:" + b.name
}
