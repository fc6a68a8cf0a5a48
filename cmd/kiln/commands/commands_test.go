package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"

	"github.com/devkiln/kiln/pkg/engine"
)

// run executes the root command with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func workspace(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("KILN_CONFIG", "")
	dir := t.TempDir()
	if out, err := run(t, "init", "--dir", dir); err != nil {
		t.Fatalf("init error = %v\n%s", err, out)
	}
	return dir
}

func TestInit(t *testing.T) {
	dir := workspace(t)
	for _, rel := range []string{"kiln.cue", "registry/profiles.yaml", "registry/extensions/hello/extension.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("%s not created: %v", rel, err)
		}
	}

	out, err := run(t, "init", "--dir", dir, "--ssh-key")
	if err != nil {
		t.Fatalf("second init error = %v", err)
	}
	if !strings.Contains(out, "Kept existing") {
		t.Errorf("second init overwrote files:\n%s", out)
	}
	key := filepath.Join(dir, ".kiln", "keys", "id_ed25519")
	if info, err := os.Stat(key); err != nil || info.Mode().Perm() != 0o600 {
		t.Errorf("private key = %v, %v", info, err)
	}
	if _, err := os.Stat(key + ".pub"); err != nil {
		t.Errorf("public key missing: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	dir := workspace(t)
	out, err := run(t, "config", "validate", "-c", filepath.Join(dir, "kiln.cue"))
	if err != nil {
		t.Fatalf("config validate error = %v\n%s", err, out)
	}
	for _, want := range []string{"Registry: 1 extensions, 1 profiles", "Targets: local"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	bad := filepath.Join(dir, "bad.cue")
	if err := os.WriteFile(bad, []byte("install: parallelism: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err = run(t, "config", "validate", "-c", bad)
	if ExitCode(err) != 2 {
		t.Errorf("invalid config exit code = %d (%v), want 2", ExitCode(err), err)
	}
}

func TestInstallStatusBom(t *testing.T) {
	dir := workspace(t)
	cfg := filepath.Join(dir, "kiln.cue")

	out, err := run(t, "install", "--profile", "starter", "-c", cfg)
	if err != nil {
		t.Fatalf("install error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "✓ hello") || !strings.Contains(out, "1 installed") {
		t.Errorf("install output:\n%s", out)
	}

	out, err = run(t, "install", "hello", "-c", cfg)
	if err != nil {
		t.Fatalf("second install error = %v", err)
	}
	if !strings.Contains(out, "already installed") {
		t.Errorf("second install output:\n%s", out)
	}

	out, err = run(t, "status", "--profile", "starter", "-c", cfg)
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out, "1/1 installed (100%)") {
		t.Errorf("status output:\n%s", out)
	}

	bomPath := filepath.Join(dir, "bom.toml")
	if _, err := run(t, "bom", "-o", bomPath, "-c", cfg); err != nil {
		t.Fatalf("bom error = %v", err)
	}
	var got engine.Bom
	if _, err := toml.DecodeFile(bomPath, &got); err != nil {
		t.Fatalf("decode bom: %v", err)
	}
	if len(got.Extensions) != 1 || got.Extensions[0].Name != "hello" || got.Extensions[0].Category != "examples" {
		t.Errorf("bom = %+v", got)
	}

	out, err = run(t, "validate", "hello", "-c", cfg)
	if err != nil {
		t.Fatalf("validate error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "hello on local: passed") {
		t.Errorf("validate output:\n%s", out)
	}

	out, err = run(t, "uninstall", "hello", "-c", cfg)
	if err != nil {
		t.Fatalf("uninstall error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 removed") {
		t.Errorf("uninstall output:\n%s", out)
	}

	out, err = run(t, "log", "-e", "hello", "-c", cfg)
	if err != nil {
		t.Fatalf("log error = %v", err)
	}
	if !strings.Contains(out, "installed") || !strings.Contains(out, "removed") {
		t.Errorf("log output:\n%s", out)
	}
}

func TestResolveAndGraph(t *testing.T) {
	dir := workspace(t)
	cfg := filepath.Join(dir, "kiln.cue")

	out, err := run(t, "resolve", "--profile", "starter", "-c", cfg)
	if err != nil {
		t.Fatalf("resolve error = %v", err)
	}
	if !strings.Contains(out, "1. hello") {
		t.Errorf("resolve output:\n%s", out)
	}

	out, err = run(t, "graph", "hello", "-c", cfg)
	if err != nil {
		t.Fatalf("graph error = %v", err)
	}
	if !strings.HasPrefix(out, "digraph") {
		t.Errorf("graph output:\n%s", out)
	}
}

func TestSelectionErrors(t *testing.T) {
	dir := workspace(t)
	cfg := filepath.Join(dir, "kiln.cue")

	tests := []struct {
		name string
		args []string
		code string
	}{
		{name: "nothing selected", args: []string{"install", "-c", cfg}, code: engine.ErrCodeValidation},
		{name: "both selected", args: []string{"install", "hello", "--profile", "starter", "-c", cfg}, code: engine.ErrCodeValidation},
		{name: "unknown profile", args: []string{"install", "--profile", "absent", "-c", cfg}, code: engine.ErrCodeNotFound},
		{name: "unknown target", args: []string{"status", "--target", "mars", "-c", cfg}, code: engine.ErrCodeNotFound},
		{name: "bad override", args: []string{"install", "hello", "--set", "novalue", "-c", cfg}, code: engine.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			if engine.CodeOf(err) != tt.code {
				t.Errorf("error = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"python.VERSION=3.12", "python.PIP=off", "node.URL=a=b"})
	if err != nil {
		t.Fatalf("parseOverrides() error = %v", err)
	}
	want := map[string]map[string]string{
		"python": {"VERSION": "3.12", "PIP": "off"},
		"node":   {"URL": "a=b"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("overrides mismatch (-want +got):\n%s", diff)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errFailures, 1},
		{engine.NewConfigError("bad", nil), 2},
		{engine.NewCancelledError("stop", context.Canceled), 130},
		{errors.Join(errors.New("x"), context.Canceled), 130},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
