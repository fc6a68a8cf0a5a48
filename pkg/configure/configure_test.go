package configure

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/devkiln/kiln/pkg/engine"
)

func strPtr(s string) *string { return &s }

func gitManifest(t *testing.T) engine.ExtensionManifest {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("gitconfig.tmpl", "[user]\n\tname = {{ .Vars.GIT_USER }}\n\temail = {{ .Vars.GIT_EMAIL }}\n")
	write("darwin.tmpl", "[credential]\n\thelper = osxkeychain\n")
	write("broken.tmpl", "{{ .Vars.UNDECLARED }}")

	return engine.ExtensionManifest{
		Name:    "git",
		Version: "2.43.0",
		Dir:     dir,
		Configure: engine.ConfigureSpec{
			Variables: []engine.Variable{
				{Name: "GIT_USER", Default: strPtr("developer")},
				{Name: "GIT_EMAIL", Required: true},
				{Name: "GIT_EDITOR"},
			},
			Environment: []engine.EnvVar{
				{Key: "GIT_CONFIG_GLOBAL", Value: "{{ .Env.HOME }}/.gitconfig", Scope: engine.EnvScopeRuntime},
				{Key: "GIT_INSTALL_LOG", Value: "/tmp/{{ .Extension }}-{{ .Version }}.log", Scope: engine.EnvScopeInstall},
			},
			Templates: []engine.Template{
				{Source: "gitconfig.tmpl", Destination: "{{ .Env.HOME }}/.gitconfig"},
				{Source: "darwin.tmpl", Destination: "/etc/gitconfig.d/darwin", Mode: 0o600, When: `os == "darwin"`},
			},
		},
	}
}

func TestRender(t *testing.T) {
	m := gitManifest(t)
	p := NewProcessor()

	got, err := p.Render(context.Background(), m, TargetContext{
		Target:    "local",
		OS:        "linux",
		Arch:      "amd64",
		Env:       map[string]string{"HOME": "/home/dev"},
		Overrides: map[string]string{"GIT_EMAIL": "dev@example.com"},
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	wantVars := map[string]string{
		"GIT_USER":   "developer",
		"GIT_EMAIL":  "dev@example.com",
		"GIT_EDITOR": "",
	}
	if diff := cmp.Diff(wantVars, got.Variables); diff != "" {
		t.Errorf("Variables mismatch (-want +got):\n%s", diff)
	}

	wantInstall := map[string]string{
		"GIT_CONFIG_GLOBAL": "/home/dev/.gitconfig",
		"GIT_INSTALL_LOG":   "/tmp/git-2.43.0.log",
	}
	if diff := cmp.Diff(wantInstall, got.InstallEnv); diff != "" {
		t.Errorf("InstallEnv mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]string{"GIT_CONFIG_GLOBAL": "/home/dev/.gitconfig"}, got.RuntimeEnv); diff != "" {
		t.Errorf("RuntimeEnv mismatch (-want +got):\n%s", diff)
	}

	wantFiles := []RenderedFile{{
		Source:      "gitconfig.tmpl",
		Destination: "/home/dev/.gitconfig",
		Mode:        DefaultFileMode,
		Content:     []byte("[user]\n\tname = developer\n\temail = dev@example.com\n"),
	}}
	if diff := cmp.Diff(wantFiles, got.Files); diff != "" {
		t.Errorf("Files mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"darwin.tmpl"}, got.SkippedTemplates); diff != "" {
		t.Errorf("SkippedTemplates mismatch (-want +got):\n%s", diff)
	}
}

func TestRender_ConditionalTemplate(t *testing.T) {
	m := gitManifest(t)
	got, err := NewProcessor().Render(context.Background(), m, TargetContext{
		OS:        "darwin",
		Env:       map[string]string{"HOME": "/Users/dev"},
		Overrides: map[string]string{"GIT_EMAIL": "dev@example.com"},
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(got.Files) != 2 {
		t.Fatalf("rendered %d files, want 2", len(got.Files))
	}
	if got.Files[1].Mode != 0o600 {
		t.Errorf("Mode = %o, want 600", got.Files[1].Mode)
	}
}

func TestRender_VariablePrecedence(t *testing.T) {
	m := engine.ExtensionManifest{
		Name: "python",
		Configure: engine.ConfigureSpec{
			Variables: []engine.Variable{{Name: "PYTHON_VERSION", Default: strPtr("3.11")}},
		},
	}

	tests := []struct {
		name string
		tc   TargetContext
		want string
	}{
		{name: "default", tc: TargetContext{}, want: "3.11"},
		{
			name: "override beats default",
			tc:   TargetContext{Overrides: map[string]string{"PYTHON_VERSION": "3.12"}},
			want: "3.12",
		},
		{
			name: "target env beats override",
			tc: TargetContext{
				Env:       map[string]string{"PYTHON_VERSION": "3.13"},
				Overrides: map[string]string{"PYTHON_VERSION": "3.12"},
			},
			want: "3.13",
		},
		{
			name: "empty env value still wins",
			tc: TargetContext{
				Env:       map[string]string{"PYTHON_VERSION": ""},
				Overrides: map[string]string{"PYTHON_VERSION": "3.12"},
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewProcessor().Render(context.Background(), m, tt.tc)
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if v := got.Variables["PYTHON_VERSION"]; v != tt.want {
				t.Errorf("PYTHON_VERSION = %q, want %q", v, tt.want)
			}
		})
	}
}

func TestRender_Errors(t *testing.T) {
	base := gitManifest(t)
	ok := TargetContext{
		Env:       map[string]string{"HOME": "/home/dev"},
		Overrides: map[string]string{"GIT_EMAIL": "dev@example.com"},
	}

	tests := []struct {
		name   string
		mutate func(m *engine.ExtensionManifest)
		tc     TargetContext
		want   error
	}{
		{
			name:   "required variable missing",
			mutate: func(*engine.ExtensionManifest) {},
			tc:     TargetContext{Env: map[string]string{"HOME": "/home/dev"}},
			want:   engine.ErrMissingVariable,
		},
		{
			name: "undeclared variable in template",
			mutate: func(m *engine.ExtensionManifest) {
				m.Configure.Templates = []engine.Template{{Source: "broken.tmpl", Destination: "/tmp/x"}}
			},
			tc:   ok,
			want: engine.ErrTemplate,
		},
		{
			name: "missing env key in environment entry",
			mutate: func(m *engine.ExtensionManifest) {
				m.Configure.Environment = []engine.EnvVar{{Key: "X", Value: "{{ .Env.NOPE }}"}}
			},
			tc:   ok,
			want: engine.ErrTemplate,
		},
		{
			name: "template file missing",
			mutate: func(m *engine.ExtensionManifest) {
				m.Configure.Templates = []engine.Template{{Source: "absent.tmpl", Destination: "/tmp/x"}}
			},
			tc:   ok,
			want: engine.ErrTemplate,
		},
		{
			name: "template syntax error",
			mutate: func(m *engine.ExtensionManifest) {
				m.Configure.Environment = []engine.EnvVar{{Key: "X", Value: "{{ .Vars.GIT_USER "}}
			},
			tc:   ok,
			want: engine.ErrTemplate,
		},
		{
			name: "condition does not compile",
			mutate: func(m *engine.ExtensionManifest) {
				m.Configure.Templates[0].When = "os =="
			},
			tc:   ok,
			want: engine.ErrTemplate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base
			m.Configure.Templates = append([]engine.Template(nil), base.Configure.Templates...)
			m.Configure.Environment = append([]engine.EnvVar(nil), base.Configure.Environment...)
			tt.mutate(&m)

			got, err := NewProcessor().Render(context.Background(), m, tt.tc)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Render() error = %v, want %v", err, tt.want)
			}
			if got != nil {
				t.Errorf("Render() returned a config alongside an error")
			}
			var ee *engine.EngineError
			if errors.As(err, &ee) && ee.Resource != "git" {
				t.Errorf("Resource = %q, want git", ee.Resource)
			}
		})
	}
}

func TestConditionEvaluator(t *testing.T) {
	ce := NewConditionEvaluator(time.Second)
	in := ConditionInput{
		Target: "gpu-box",
		OS:     "linux",
		Arch:   "arm64",
		Env:    map[string]string{"CI": "true"},
		Vars:   map[string]string{"EDITION": "pro"},
	}

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{expr: "", want: true},
		{expr: `os == "linux"`, want: true},
		{expr: `os == "linux" and arch == "amd64"`, want: false},
		{expr: `platform.arch in ("arm64", "aarch64")`, want: true},
		{expr: `env.get("CI") == "true"`, want: true},
		{expr: `"HOME" in env`, want: false},
		{expr: `vars["EDITION"] != "community"`, want: true},
		{expr: `target.startswith("gpu")`, want: true},
		{expr: `len([x for x in range(10)])`, want: true},
		{expr: `undefined_name`, wantErr: true},
		{expr: `env["MISSING"]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ce.Eval(context.Background(), tt.expr, in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Eval(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestConditionEvaluator_StepLimit(t *testing.T) {
	ce := NewConditionEvaluator(time.Second)
	_, err := ce.Eval(context.Background(), `len([x for x in range(10000000)]) > 0`, ConditionInput{})
	if err == nil {
		t.Fatal("Eval() of an unbounded expression succeeded")
	}
}

func TestDotenvProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("GIT_EMAIL=dev@example.com\nTOKEN=base\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+".staging", []byte("TOKEN=staging\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p := NewDotenvProvider(path)
	tests := []struct {
		target string
		want   map[string]string
	}{
		{target: "local", want: map[string]string{"GIT_EMAIL": "dev@example.com", "TOKEN": "base"}},
		{target: "staging", want: map[string]string{"GIT_EMAIL": "dev@example.com", "TOKEN": "staging"}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := p.Environment(context.Background(), tt.target)
			if err != nil {
				t.Fatalf("Environment() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Environment() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	empty, err := NewDotenvProvider(filepath.Join(dir, "absent.env")).Environment(context.Background(), "local")
	if err != nil || len(empty) != 0 {
		t.Errorf("Environment() for missing file = %v, %v", empty, err)
	}
}
