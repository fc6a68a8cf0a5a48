// Package local runs lifecycle scripts on the machine kiln runs on, through
// an in-process POSIX shell interpreter.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// Kind is the target kind reported by Info.
const Kind = "local"

// Executor is an engine.TargetExecutor for the local machine.
type Executor struct {
	name    string
	workDir string
	env     map[string]string
	logger  *telemetry.Logger
}

var _ engine.TargetExecutor = (*Executor)(nil)

// Option configures an Executor.
type Option func(*Executor)

// WithWorkDir sets the default working directory of commands. It is created
// on first use.
func WithWorkDir(dir string) Option {
	return func(e *Executor) { e.workDir = dir }
}

// WithEnv adds variables to every command on top of the process environment.
func WithEnv(env map[string]string) Option {
	return func(e *Executor) { e.env = maps.Clone(env) }
}

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New creates a local executor named name.
func New(name string, opts ...Option) *Executor {
	e := &Executor{name: name}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = telemetry.OrNop(e.logger).NewComponentLogger("target.local").WithTarget(name)
	return e
}

// Name returns the target name.
func (e *Executor) Name() string {
	return e.name
}

// Run interprets cmd.Script. A non-zero exit status is returned in the
// result; parse failures, a missing working directory and cancellation are
// errors.
func (e *Executor) Run(ctx context.Context, cmd engine.Command) (*engine.CommandResult, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(cmd.Script), cmd.Name)
	if err != nil {
		return nil, engine.NewExecutionError("failed to parse script", err).
			WithCode(engine.ErrCodeExecutionFailed).
			WithResource(cmd.Name).
			WithOperation("run")
	}

	dir, err := e.dir(cmd.Dir)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(e.environ(cmd.Env)...)),
		interp.StdIO(nil, &stdout, &stderr),
		interp.ExecHandlers(e.execHandler),
	)
	if err != nil {
		return nil, engine.NewExecutionError("failed to create interpreter", err).
			WithCode(engine.ErrCodeExecutionFailed).
			WithResource(cmd.Name)
	}

	start := time.Now()
	err = runner.Run(ctx, prog)
	result := &engine.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, engine.NewCancelledError("command interrupted", ctxErr).
			WithResource(cmd.Name).
			WithDetail("target", e.name)
	}

	var status interp.ExitStatus
	switch {
	case err == nil:
	case errors.As(err, &status):
		result.ExitCode = int(status)
	default:
		return result, engine.NewExecutionError("script execution failed", err).
			WithCode(engine.ErrCodeExecutionFailed).
			WithResource(cmd.Name)
	}

	e.logger.Zerolog().Debug().
		Str("command", cmd.Name).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command finished")
	return result, nil
}

func (e *Executor) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		e.logger.Zerolog().Trace().Strs("args", args).Msg("exec")
		return next(ctx, args)
	}
}

func (e *Executor) dir(requested string) (string, error) {
	dir := requested
	if dir == "" {
		dir = e.workDir
	}
	if dir == "" {
		return os.Getwd()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", engine.NewExecutionError("failed to create working directory", err).
			WithCode(engine.ErrCodeExecutionFailed).
			WithDetail("dir", dir)
	}
	return dir, nil
}

// environ layers the executor and command variables over the process
// environment. Later entries win.
func (e *Executor) environ(extra map[string]string) []string {
	pairs := os.Environ()
	for _, env := range []map[string]string{e.env, extra} {
		for _, k := range slices.Sorted(maps.Keys(env)) {
			pairs = append(pairs, k+"="+env[k])
		}
	}
	return pairs
}

// Upload writes content to path, creating parent directories. Relative paths
// are anchored at the working directory. The file is written to a temporary
// name and renamed into place.
func (e *Executor) Upload(ctx context.Context, content []byte, path string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return engine.NewCancelledError("upload cancelled", err).WithResource(path)
	}
	if !filepath.IsAbs(path) && e.workDir != "" {
		path = filepath.Join(e.workDir, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return uploadError(path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return uploadError(path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return uploadError(path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return uploadError(path, err)
	}
	if err := tmp.Close(); err != nil {
		return uploadError(path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return uploadError(path, err)
	}

	e.logger.Zerolog().Debug().Str("path", path).Int("bytes", len(content)).Msg("file uploaded")
	return nil
}

// Info describes the local platform.
func (e *Executor) Info(context.Context) (engine.TargetInfo, error) {
	return engine.TargetInfo{Name: e.name, Kind: Kind, OS: runtime.GOOS, Arch: runtime.GOARCH}, nil
}

func uploadError(path string, err error) error {
	return engine.NewExecutionError(fmt.Sprintf("failed to write %s", path), err).
		WithCode(engine.ErrCodeExecutionFailed).
		WithOperation("upload")
}
