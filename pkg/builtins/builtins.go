// Package builtins implements lifecycle hooks in Go for common extension
// shapes: distribution packages, system services and single files.
//
// A manifest selects one with a builtin hook and passes parameters as
// configure variables:
//
//	configure:
//	  variables:
//	    - name: PACKAGES
//	      default: "git curl"
//	hooks:
//	  install:  {builtin: package.install}
//	  validate: {builtin: package.check}
//	  remove:   {builtin: package.remove}
//
// Every builtin runs through the target's executor, so they behave the
// same on local and SSH targets.
package builtins

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/devkiln/kiln/pkg/engine"
)

// Builtin names.
const (
	PackageInstall = "package.install"
	PackageRemove  = "package.remove"
	PackageCheck   = "package.check"
	ServiceEnable  = "service.enable"
	ServiceDisable = "service.disable"
	ServiceCheck   = "service.check"
	FileWrite      = "file.write"
	FileRemove     = "file.remove"
	FileCheck      = "file.check"
)

// Parameters read from the step environment.
const (
	ParamPackages       = "PACKAGES"
	ParamPackageManager = "PACKAGE_MANAGER"
	ParamService        = "SERVICE"
	ParamFilePath       = "FILE_PATH"
	ParamFileContent    = "FILE_CONTENT"
	ParamFileMode       = "FILE_MODE"

	// ParamSudo prefixes privileged commands with "sudo -n" when "true".
	ParamSudo = "USE_SUDO"
)

// Default returns every builtin keyed by name.
func Default() map[string]engine.BuiltinFunc {
	return map[string]engine.BuiltinFunc{
		PackageInstall: packageInstall,
		PackageRemove:  packageRemove,
		PackageCheck:   packageCheck,
		ServiceEnable:  serviceEnable,
		ServiceDisable: serviceDisable,
		ServiceCheck:   serviceCheck,
		FileWrite:      fileWrite,
		FileRemove:     fileRemove,
		FileCheck:      fileCheck,
	}
}

func param(env engine.RunEnv, name string) (string, error) {
	v := strings.TrimSpace(env.Env[name])
	if v == "" {
		return "", paramError(env, name, "is required")
	}
	return v, nil
}

func paramError(env engine.RunEnv, name, problem string) error {
	return engine.NewConfigError(fmt.Sprintf("builtin parameter %s %s", name, problem), nil).
		WithCode(engine.ErrCodeValidation).
		WithResource(env.Extension).
		WithDetail("parameter", name)
}

// run executes script on the target with the step environment.
func run(ctx context.Context, env engine.RunEnv, name, script string) (*engine.CommandResult, error) {
	return env.Target.Run(ctx, engine.Command{
		Name:   name,
		Script: script,
		Env:    env.Env,
		Dir:    env.Dir,
	})
}

func privileged(env engine.RunEnv, command string) string {
	if env.Env[ParamSudo] == "true" {
		return "sudo -n " + command
	}
	return command
}

// quote single-quotes s for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// words splits a list on commas and whitespace and checks every item
// against valid.
func words(env engine.RunEnv, name, value string, valid *regexp.Regexp) ([]string, error) {
	items := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(items) == 0 {
		return nil, paramError(env, name, "is empty")
	}
	for _, item := range items {
		if !valid.MatchString(item) {
			return nil, paramError(env, name, fmt.Sprintf("has invalid item %q", item))
		}
	}
	return items, nil
}

// done is the result of a builtin that had nothing to do.
func done(msg string) *engine.CommandResult {
	return &engine.CommandResult{Stdout: msg + "\n"}
}
