package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/devkiln/kiln/pkg/engine"
)

// FileName is the configuration file looked up by Find.
const FileName = "kiln.cue"

// EnvConfig overrides the configuration path.
const EnvConfig = "KILN_CONFIG"

// DefaultTarget is added when no target is configured.
const DefaultTarget = "local"

// Loader compiles kiln.cue files against the built-in schema.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		panic(fmt.Sprintf("config: invalid built-in schema: %v", err))
	}
	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#Config")),
		validator: validator.New(),
	}
}

// Default returns the configuration used when no kiln.cue exists. Relative
// paths resolve against base.
func Default(base string) *Config {
	cfg, err := NewLoader().LoadBytes("default", nil, base)
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}

// Find returns the configuration path to use: explicit if set, then
// $KILN_CONFIG, ./kiln.cue and the user config directory. It returns ""
// when nothing exists.
func Find(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfig); env != "" {
		return env
	}
	candidates := []string{FileName}
	if dir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, "kiln", FileName))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// Load reads a kiln.cue file, or every .cue file of a directory unified
// together. Relative paths in the result resolve against the file's
// directory.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, engine.NewConfigError("configuration not found", err).
			WithCode(engine.ErrCodeMissingFile).
			WithDetail("file", path)
	}

	files := []string{path}
	base := filepath.Dir(path)
	if info.IsDir() {
		if files, err = cueFiles(path); err != nil {
			return nil, err
		}
		base = path
	}

	value := l.schema
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, engine.NewConfigError("failed to read configuration", err).
				WithCode(engine.ErrCodeMissingFile).
				WithDetail("file", file)
		}
		v := l.ctx.CompileBytes(content, cue.Filename(file))
		if err := v.Err(); err != nil {
			return nil, l.configError(file, err)
		}
		value = value.Unify(v)
	}

	cfg, err := l.decode(value, path, base)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = files
	return cfg, nil
}

// LoadBytes compiles a single configuration document named name.
func (l *Loader) LoadBytes(name string, content []byte, base string) (*Config, error) {
	v := l.ctx.CompileBytes(content, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, l.configError(name, err)
	}
	cfg, err := l.decode(l.schema.Unify(v), name, base)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = []string{name}
	return cfg, nil
}

func (l *Loader) decode(value cue.Value, file, base string) (*Config, error) {
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, l.configError(file, err)
	}

	var cfg Config
	if err := value.Decode(&cfg); err != nil {
		return nil, l.configError(file, err)
	}

	if len(cfg.Targets) == 0 {
		cfg.Targets = map[string]TargetConfig{DefaultTarget: {Kind: "local"}}
	}

	if err := l.validator.Struct(&cfg); err != nil {
		return nil, validationError(file, err)
	}

	if err := cfg.resolvePaths(base); err != nil {
		return nil, engine.NewConfigError("failed to resolve configuration paths", err).
			WithCode(engine.ErrCodeValidation).
			WithDetail("file", file)
	}
	return &cfg, nil
}

// Errors lists the problems in err with their positions.
func Errors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Field:   strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

func (l *Loader) configError(file string, err error) error {
	problems := Errors(err)
	msg := "invalid configuration"
	field := ""
	if len(problems) > 0 {
		msg = problems[0].String()
		field = problems[0].Field
	}
	return engine.NewConfigError(msg, err).
		WithCode(engine.ErrCodeValidation).
		WithDetail("file", file).
		WithDetail("field", field).
		WithDetail("problems", problems)
}

func validationError(file string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return engine.NewConfigError("invalid configuration", err).
			WithCode(engine.ErrCodeValidation).
			WithDetail("file", file)
	}

	problems := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, ValidationError{
			File:    file,
			Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: fmt.Sprintf("failed %q check", fe.Tag()),
		})
	}
	return engine.NewConfigError(problems[0].String(), err).
		WithCode(engine.ErrCodeValidation).
		WithDetail("file", file).
		WithDetail("field", problems[0].Field).
		WithDetail("problems", problems)
}

func cueFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, engine.NewConfigError("failed to read configuration directory", err).
			WithCode(engine.ErrCodeMissingFile).
			WithDetail("file", dir)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".cue") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, engine.NewConfigError("no .cue files in configuration directory", nil).
			WithCode(engine.ErrCodeMissingFile).
			WithDetail("file", dir)
	}
	slices.Sort(files)
	return files, nil
}

// resolvePaths expands ~ and anchors relative paths at base.
func (c *Config) resolvePaths(base string) error {
	home, _ := os.UserHomeDir()
	expand := func(p *string) error {
		if *p == "" {
			return nil
		}
		switch {
		case *p == "~" || strings.HasPrefix(*p, "~/"):
			if home == "" {
				return fmt.Errorf("cannot expand %s: no home directory", *p)
			}
			*p = filepath.Join(home, strings.TrimPrefix(*p, "~"))
		case !filepath.IsAbs(*p) && base != "":
			*p = filepath.Join(base, *p)
		}
		return nil
	}

	paths := []*string{&c.Registry, &c.CacheDir, &c.Ledger.Dir, &c.Distribution.Keyring}
	for i := range c.Policy.Modules {
		paths = append(paths, &c.Policy.Modules[i])
	}
	if c.Secrets != nil {
		paths = append(paths, &c.Secrets.Dotenv)
	}
	for name, t := range c.Targets {
		if t.SSH != nil {
			ssh := *t.SSH
			paths = append(paths, &ssh.KeyPath, &ssh.KnownHosts)
			t.SSH = &ssh
			c.Targets[name] = t
		}
	}

	for _, p := range paths {
		if err := expand(p); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
