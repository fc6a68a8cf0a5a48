// Package configure renders the per-extension configuration that lifecycle
// steps consume: resolved variables, scoped environment and template files.
package configure

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// DefaultFileMode is used for rendered files without an explicit mode.
const DefaultFileMode os.FileMode = 0o644

// TargetContext is what a render knows about where the extension goes.
type TargetContext struct {
	Target string
	OS     string
	Arch   string

	// Env is the target-scoped environment. A key equal to a variable name
	// takes precedence over overrides and defaults.
	Env map[string]string

	// Overrides are the profile's variable overrides for this extension.
	Overrides map[string]string

	// ArtifactPath is the local path of the verified artifact, if any.
	ArtifactPath string
}

// RenderedFile is a template rendered for one target.
type RenderedFile struct {
	Source      string
	Destination string
	Mode        os.FileMode
	Content     []byte
}

// RenderedConfig is the configuration of one extension on one target.
type RenderedConfig struct {
	Extension string
	Version   string

	// Variables holds every declared variable after precedence.
	Variables map[string]string

	// InstallEnv is visible to lifecycle steps; it includes RuntimeEnv.
	InstallEnv map[string]string

	// RuntimeEnv is exported for the installed tool.
	RuntimeEnv map[string]string

	Files []RenderedFile

	// SkippedTemplates lists template sources whose condition was false.
	SkippedTemplates []string
}

// templateData is the dot value of every template.
type templateData struct {
	Extension    string
	Version      string
	Target       string
	OS           string
	Arch         string
	ArtifactPath string
	Vars         map[string]string
	Env          map[string]string
}

// Processor renders extension configuration. It holds no per-render state
// and is safe for concurrent use.
type Processor struct {
	conditions *ConditionEvaluator
	logger     *telemetry.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(p *Processor) { p.logger = logger.NewComponentLogger("configure") }
}

// WithConditionTimeout bounds template condition evaluation.
func WithConditionTimeout(d time.Duration) Option {
	return func(p *Processor) { p.conditions = NewConditionEvaluator(d) }
}

// NewProcessor creates a Processor.
func NewProcessor(opts ...Option) *Processor {
	p := &Processor{
		conditions: NewConditionEvaluator(DefaultConditionTimeout),
		logger:     telemetry.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Render resolves variables and renders environment entries and templates
// of m for tc. Variables resolve target env first, then profile override,
// then manifest default; a required variable with none of those fails.
func (p *Processor) Render(ctx context.Context, m engine.ExtensionManifest, tc TargetContext) (*RenderedConfig, error) {
	vars, err := resolveVariables(m, tc)
	if err != nil {
		return nil, err
	}

	out := &RenderedConfig{
		Extension:  m.Name,
		Version:    m.Version,
		Variables:  vars,
		InstallEnv: make(map[string]string),
		RuntimeEnv: make(map[string]string),
	}
	data := templateData{
		Extension:    m.Name,
		Version:      m.Version,
		Target:       tc.Target,
		OS:           tc.OS,
		Arch:         tc.Arch,
		ArtifactPath: tc.ArtifactPath,
		Vars:         vars,
		Env:          nonNil(tc.Env),
	}

	for _, ev := range m.Configure.Environment {
		value, err := renderString(m.Name, "environment."+ev.Key, ev.Value, data)
		if err != nil {
			return nil, err
		}
		out.InstallEnv[ev.Key] = value
		if ev.Scope == engine.EnvScopeRuntime {
			out.RuntimeEnv[ev.Key] = value
		}
	}

	cond := ConditionInput{Target: tc.Target, OS: tc.OS, Arch: tc.Arch, Env: data.Env, Vars: vars}
	for _, tmpl := range m.Configure.Templates {
		ok, err := p.conditions.Eval(ctx, tmpl.When, cond)
		if err != nil {
			return nil, templateError(m.Name, tmpl.Source, err)
		}
		if !ok {
			p.logger.WithExtension(m.Name, m.Version).Zerolog().Debug().
				Str("template", tmpl.Source).
				Str("when", tmpl.When).
				Msg("template condition false, skipping")
			out.SkippedTemplates = append(out.SkippedTemplates, tmpl.Source)
			continue
		}

		file, err := renderTemplate(m, tmpl, data)
		if err != nil {
			return nil, err
		}
		out.Files = append(out.Files, file)
	}

	p.logger.WithExtension(m.Name, m.Version).Zerolog().Debug().
		Str("target", tc.Target).
		Int("variables", len(vars)).
		Int("files", len(out.Files)).
		Msg("configuration rendered")
	return out, nil
}

func resolveVariables(m engine.ExtensionManifest, tc TargetContext) (map[string]string, error) {
	vars := make(map[string]string, len(m.Configure.Variables))
	for _, v := range m.Configure.Variables {
		if value, ok := tc.Env[v.Name]; ok {
			vars[v.Name] = value
			continue
		}
		if value, ok := tc.Overrides[v.Name]; ok {
			vars[v.Name] = value
			continue
		}
		if v.Default != nil {
			vars[v.Name] = *v.Default
			continue
		}
		if v.Required {
			return nil, engine.NewConfigError(
				fmt.Sprintf("required variable %s has no value", v.Name), nil,
			).WithCode(engine.ErrCodeMissingVariable).
				WithResource(m.Name).
				WithDetail("variable", v.Name).
				WithDetail("target", tc.Target)
		}
		vars[v.Name] = ""
	}
	return vars, nil
}

func renderTemplate(m engine.ExtensionManifest, tmpl engine.Template, data templateData) (RenderedFile, error) {
	path := tmpl.Source
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.Dir, path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return RenderedFile{}, engine.NewConfigError("failed to read template", err).
			WithCode(engine.ErrCodeTemplate).
			WithResource(m.Name).
			WithDetail("file", path)
	}

	content, err := render(tmpl.Source, string(src), data)
	if err != nil {
		return RenderedFile{}, templateError(m.Name, tmpl.Source, err)
	}
	dest, err := renderString(m.Name, tmpl.Source+" destination", tmpl.Destination, data)
	if err != nil {
		return RenderedFile{}, err
	}

	mode := tmpl.Mode
	if mode == 0 {
		mode = DefaultFileMode
	}
	return RenderedFile{
		Source:      tmpl.Source,
		Destination: dest,
		Mode:        mode,
		Content:     content,
	}, nil
}

func renderString(extension, name, text string, data templateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	out, err := render(name, text, data)
	if err != nil {
		return "", templateError(extension, name, err)
	}
	return string(out), nil
}

func render(name, text string, data templateData) ([]byte, error) {
	t, err := template.New(name).Option("missingkey=error").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var funcs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"quote": func(s string) string { return fmt.Sprintf("%q", s) },
	"default": func(def, v string) string {
		if v == "" {
			return def
		}
		return v
	},
}

func templateError(extension, source string, err error) error {
	return engine.NewConfigError(fmt.Sprintf("failed to render %s", source), err).
		WithCode(engine.ErrCodeTemplate).
		WithResource(extension).
		WithDetail("template", source)
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
