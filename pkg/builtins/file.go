package builtins

import (
	"context"
	"os"
	"path"
	"strconv"

	"github.com/devkiln/kiln/pkg/engine"
)

const defaultFileMode os.FileMode = 0o644

func filePath(env engine.RunEnv) (string, error) {
	p, err := param(env, ParamFilePath)
	if err != nil {
		return "", err
	}
	if !path.IsAbs(p) {
		return "", paramError(env, ParamFilePath, "must be absolute")
	}
	return path.Clean(p), nil
}

// fileWrite uploads FILE_CONTENT to FILE_PATH with FILE_MODE.
func fileWrite(ctx context.Context, env engine.RunEnv) (*engine.CommandResult, error) {
	p, err := filePath(env)
	if err != nil {
		return nil, err
	}
	mode := defaultFileMode
	if s := env.Env[ParamFileMode]; s != "" {
		m, err := strconv.ParseUint(s, 8, 32)
		if err != nil || m > 0o7777 {
			return nil, paramError(env, ParamFileMode, "must be an octal permission such as 0644")
		}
		mode = os.FileMode(m)
	}
	if err := env.Target.Upload(ctx, []byte(env.Env[ParamFileContent]), p, mode); err != nil {
		return nil, err
	}
	return done("wrote " + p), nil
}

func fileRemove(ctx context.Context, env engine.RunEnv) (*engine.CommandResult, error) {
	p, err := filePath(env)
	if err != nil {
		return nil, err
	}
	return run(ctx, env, FileRemove, privileged(env, "rm -f "+quote(p)))
}

func fileCheck(ctx context.Context, env engine.RunEnv) (*engine.CommandResult, error) {
	p, err := filePath(env)
	if err != nil {
		return nil, err
	}
	return run(ctx, env, FileCheck, "test -f "+quote(p))
}
