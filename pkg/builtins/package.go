package builtins

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/devkiln/kiln/pkg/engine"
)

var packageName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9+._:=~-]*$`)

// packageManager describes the commands of one distribution package manager.
type packageManager struct {
	name    string
	query   string
	install string
	remove  string
}

var packageManagers = map[string]packageManager{
	"apt": {
		name:    "apt",
		query:   `for p in %s; do dpkg-query -W -f='${Status}' "$p" 2>/dev/null | grep -q 'ok installed' || exit 1; done`,
		install: "env DEBIAN_FRONTEND=noninteractive apt-get install -y",
		remove:  "env DEBIAN_FRONTEND=noninteractive apt-get remove -y",
	},
	"dnf": {
		name:    "dnf",
		query:   "rpm -q %s >/dev/null 2>&1",
		install: "dnf install -y",
		remove:  "dnf remove -y",
	},
	"yum": {
		name:    "yum",
		query:   "rpm -q %s >/dev/null 2>&1",
		install: "yum install -y",
		remove:  "yum remove -y",
	},
	"zypper": {
		name:    "zypper",
		query:   "rpm -q %s >/dev/null 2>&1",
		install: "zypper --non-interactive install",
		remove:  "zypper --non-interactive remove",
	},
	"apk": {
		name:    "apk",
		query:   "apk info -e %s >/dev/null 2>&1",
		install: "apk add --no-cache",
		remove:  "apk del",
	},
}

// detectOrder is the lookup order when PACKAGE_MANAGER is not set.
var detectOrder = []string{"apt-get", "dnf", "yum", "zypper", "apk"}

const detectScript = `for m in apt-get dnf yum zypper apk; do
  if command -v "$m" >/dev/null 2>&1; then echo "$m"; exit 0; fi
done
exit 1`

// queryCommand builds a command that exits zero only when every package
// is installed.
func (pm packageManager) queryCommand(pkgs []string) string {
	names := make([]string, len(pkgs))
	for i, p := range pkgs {
		// Version pins do not take part in the installed check.
		names[i] = quote(strings.SplitN(p, "=", 2)[0])
	}
	return fmt.Sprintf(pm.query, strings.Join(names, " "))
}

func quoteAll(items []string) string {
	q := make([]string, len(items))
	for i, it := range items {
		q[i] = quote(it)
	}
	return strings.Join(q, " ")
}

// resolvePackages reads PACKAGES and finds the package manager to use.
func resolvePackages(ctx context.Context, env engine.RunEnv) ([]string, packageManager, error) {
	value, err := param(env, ParamPackages)
	if err != nil {
		return nil, packageManager{}, err
	}
	pkgs, err := words(env, ParamPackages, value, packageName)
	if err != nil {
		return nil, packageManager{}, err
	}

	name := env.Env[ParamPackageManager]
	if name == "" {
		res, err := run(ctx, env, "detect package manager", detectScript)
		if err != nil {
			return nil, packageManager{}, err
		}
		if !res.Success() {
			return nil, packageManager{}, engine.NewExecutionError(
				fmt.Sprintf("no supported package manager found (looked for %s)", strings.Join(detectOrder, ", ")), nil,
			).WithCode(engine.ErrCodeExecutionFailed).
				WithResource(env.Extension)
		}
		name = strings.TrimSpace(res.Stdout)
	}
	if name == "apt-get" {
		name = "apt"
	}
	pm, ok := packageManagers[name]
	if !ok {
		return nil, packageManager{}, paramError(env, ParamPackageManager, fmt.Sprintf("names unsupported manager %q", name))
	}
	return pkgs, pm, nil
}

func packageCheck(ctx context.Context, env engine.RunEnv) (*engine.CommandResult, error) {
	pkgs, pm, err := resolvePackages(ctx, env)
	if err != nil {
		return nil, err
	}
	return run(ctx, env, PackageCheck, pm.queryCommand(pkgs))
}

func packageInstall(ctx context.Context, env engine.RunEnv) (*engine.CommandResult, error) {
	pkgs, pm, err := resolvePackages(ctx, env)
	if err != nil {
		return nil, err
	}
	present, err := run(ctx, env, PackageCheck, pm.queryCommand(pkgs))
	if err != nil {
		return nil, err
	}
	if present.Success() {
		return done("packages already present: " + strings.Join(pkgs, " ")), nil
	}
	return run(ctx, env, PackageInstall, privileged(env, pm.install+" "+quoteAll(pkgs)))
}

func packageRemove(ctx context.Context, env engine.RunEnv) (*engine.CommandResult, error) {
	pkgs, pm, err := resolvePackages(ctx, env)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(pkgs))
	for i, p := range pkgs {
		names[i] = strings.SplitN(p, "=", 2)[0]
	}
	return run(ctx, env, PackageRemove, privileged(env, pm.remove+" "+quoteAll(names)))
}
