package configure

import (
	"context"
	"errors"
	"maps"
	"os"

	"github.com/subosito/gotenv"

	"github.com/devkiln/kiln/pkg/engine"
)

// DotenvProvider reads environment values from dotenv files. For target t
// the file at Path is read first, then Path + "." + t overrides it. Missing
// files are ignored.
type DotenvProvider struct {
	Path string
}

var _ engine.EnvironmentProvider = (*DotenvProvider)(nil)

// NewDotenvProvider creates a provider over path.
func NewDotenvProvider(path string) *DotenvProvider {
	return &DotenvProvider{Path: path}
}

// Environment implements engine.EnvironmentProvider.
func (p *DotenvProvider) Environment(_ context.Context, target string) (map[string]string, error) {
	env := make(map[string]string)
	if p == nil || p.Path == "" {
		return env, nil
	}

	for _, path := range []string{p.Path, p.Path + "." + target} {
		values, err := gotenv.Read(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, engine.NewConfigError("failed to read dotenv file", err).
				WithCode(engine.ErrCodeMalformedManifest).
				WithDetail("file", path)
		}
		maps.Copy(env, values)
	}
	return env, nil
}

// StaticEnvironment serves a fixed map for every target.
type StaticEnvironment map[string]string

// Environment implements engine.EnvironmentProvider.
func (s StaticEnvironment) Environment(context.Context, string) (map[string]string, error) {
	return maps.Clone(map[string]string(s)), nil
}
