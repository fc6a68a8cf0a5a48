package builtins

import (
	"context"
	"regexp"

	"github.com/devkiln/kiln/pkg/engine"
)

var serviceName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9@._:-]*$`)

func service(env engine.RunEnv) (string, error) {
	name, err := param(env, ParamService)
	if err != nil {
		return "", err
	}
	if !serviceName.MatchString(name) {
		return "", paramError(env, ParamService, "is not a valid unit name")
	}
	return quote(name), nil
}

// serviceEnable enables and starts a systemd unit. Both are no-ops for a
// unit that is already enabled and running.
func serviceEnable(ctx context.Context, env engine.RunEnv) (*engine.CommandResult, error) {
	name, err := service(env)
	if err != nil {
		return nil, err
	}
	return run(ctx, env, ServiceEnable, privileged(env, "systemctl enable --now "+name))
}

// serviceDisable stops and disables a unit; a unit that does not exist is
// already gone.
func serviceDisable(ctx context.Context, env engine.RunEnv) (*engine.CommandResult, error) {
	name, err := service(env)
	if err != nil {
		return nil, err
	}
	exists, err := run(ctx, env, ServiceCheck, "systemctl cat "+name+" >/dev/null 2>&1")
	if err != nil {
		return nil, err
	}
	if !exists.Success() {
		return done("unit " + env.Env[ParamService] + " not present"), nil
	}
	return run(ctx, env, ServiceDisable, privileged(env, "systemctl disable --now "+name))
}

func serviceCheck(ctx context.Context, env engine.RunEnv) (*engine.CommandResult, error) {
	name, err := service(env)
	if err != nil {
		return nil, err
	}
	return run(ctx, env, ServiceCheck, "systemctl is-active --quiet "+name)
}
