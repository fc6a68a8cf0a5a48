package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/devkiln/kiln/pkg/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default("/srv")

	if cfg.Registry != "/srv/registry" {
		t.Errorf("Registry = %q", cfg.Registry)
	}
	if cfg.Ledger.Backend != "sqlite" {
		t.Errorf("Ledger.Backend = %q, want sqlite", cfg.Ledger.Backend)
	}
	if cfg.Install.Parallelism != 4 || cfg.Install.SafetyFactor != 3 || cfg.Install.ContinueOnError {
		t.Errorf("Install = %+v", cfg.Install)
	}
	if cfg.Distribution.Attempts != 3 || cfg.Distribution.BackoffDuration().Seconds() != 2 {
		t.Errorf("Distribution = %+v", cfg.Distribution)
	}
	if diff := cmp.Diff([]string{DefaultTarget}, cfg.TargetNames()); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
	if cfg.Telemetry.LogLevel != "info" || cfg.Telemetry.Tracing.Exporter != "none" {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
	if home, err := os.UserHomeDir(); err == nil && !strings.HasPrefix(cfg.CacheDir, home) {
		t.Errorf("CacheDir = %q, want it under %s", cfg.CacheDir, home)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
registry: "reg"
ledger: backend: "jsonl"
install: {
	parallelism:     8
	safetyFactor:    2.5
	continueOnError: true
}
distribution: {
	attempts: 5
	backoff: "500ms"
	keyring: "keys/trusted.asc"
}
targets: {
	local: env: EDITOR: "vim"
	build: {
		kind: "ssh"
		ssh: {host: "build.internal", user: "ops", keyPath: "/keys/id"}
		capacity: {memoryMB: 16384, gpu: true}
	}
}
policy: modules: ["policies"]
secrets: dotenv: ".env"
telemetry: tracing: {enabled: true, exporter: "stdout"}
`)
	dir := filepath.Dir(path)

	cfg, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Registry != filepath.Join(dir, "reg") {
		t.Errorf("Registry = %q", cfg.Registry)
	}
	if cfg.Ledger.Backend != "jsonl" {
		t.Errorf("Ledger.Backend = %q", cfg.Ledger.Backend)
	}
	wantInstall := InstallConfig{Parallelism: 8, SafetyFactor: 2.5, ContinueOnError: true}
	if diff := cmp.Diff(wantInstall, cfg.Install); diff != "" {
		t.Errorf("Install mismatch (-want +got):\n%s", diff)
	}
	if cfg.Distribution.Attempts != 5 || cfg.Distribution.BackoffDuration().Milliseconds() != 500 || cfg.Distribution.Keyring != filepath.Join(dir, "keys/trusted.asc") {
		t.Errorf("Distribution = %+v", cfg.Distribution)
	}

	if diff := cmp.Diff([]string{"build", "local"}, cfg.TargetNames()); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
	build := cfg.Targets["build"]
	if build.SSH == nil || build.SSH.Address() != "build.internal:22" || build.SSH.KeyPath != "/keys/id" {
		t.Errorf("build ssh = %+v", build.SSH)
	}
	if got := build.Capacity.Engine(); got != (engine.Capacity{MemoryMB: 16384, GPU: true}) {
		t.Errorf("build capacity = %+v", got)
	}
	if cfg.Targets["local"].Env["EDITOR"] != "vim" || cfg.Targets["local"].Kind != "local" {
		t.Errorf("local = %+v", cfg.Targets["local"])
	}

	if diff := cmp.Diff([]string{filepath.Join(dir, "policies")}, cfg.Policy.Modules); diff != "" {
		t.Errorf("policy modules mismatch (-want +got):\n%s", diff)
	}
	if cfg.Secrets == nil || cfg.Secrets.Dotenv != filepath.Join(dir, ".env") {
		t.Errorf("Secrets = %+v", cfg.Secrets)
	}

	tc := cfg.TelemetryFor("1.2.3")
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "stdout" || tc.ServiceVersion != "1.2.3" {
		t.Errorf("telemetry = %+v", tc.Tracing)
	}
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"base.cue":    "ledger: backend: \"jsonl\"\n",
		"targets.cue": "targets: edge: {}\n",
		"README.md":   "not cue",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	cfg, err := NewLoader().Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Ledger.Backend != "jsonl" {
		t.Errorf("Ledger.Backend = %q", cfg.Ledger.Backend)
	}
	if diff := cmp.Diff([]string{"edge"}, cfg.TargetNames()); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}
	if len(cfg.SourceFiles) != 2 {
		t.Errorf("SourceFiles = %v", cfg.SourceFiles)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCode  string
		wantField string
	}{
		{
			name:     "syntax",
			content:  "registry: \"unterminated\n",
			wantCode: engine.ErrCodeValidation,
		},
		{
			name:      "unknown backend",
			content:   "ledger: backend: \"postgres\"\n",
			wantCode:  engine.ErrCodeValidation,
			wantField: "ledger.backend",
		},
		{
			name:      "parallelism out of range",
			content:   "install: parallelism: 0\n",
			wantCode:  engine.ErrCodeValidation,
			wantField: "install.parallelism",
		},
		{
			name:      "unknown field",
			content:   "colour: \"blue\"\n",
			wantCode:  engine.ErrCodeValidation,
			wantField: "colour",
		},
		{
			name:      "ssh target without ssh settings",
			content:   "targets: build: kind: \"ssh\"\n",
			wantCode:  engine.ErrCodeValidation,
			wantField: "Targets[build].SSH",
		},
		{
			name:      "otlp without endpoint",
			content:   "telemetry: tracing: exporter: \"otlp\"\n",
			wantCode:  engine.ErrCodeValidation,
			wantField: "Telemetry.Tracing.Endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := NewLoader().Load(context.Background(), path)
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if engine.ClassOf(err) != engine.ErrorClassConfig || engine.CodeOf(err) != tt.wantCode {
				t.Fatalf("Load() error = %v, want config %s", err, tt.wantCode)
			}

			var ee *engine.EngineError
			if !errors.As(err, &ee) {
				t.Fatalf("error %T is not an EngineError", err)
			}
			if ee.Details["file"] != path {
				t.Errorf("file detail = %v, want %s", ee.Details["file"], path)
			}
			if tt.wantField == "" {
				return
			}
			problems, _ := ee.Details["problems"].([]ValidationError)
			found := false
			for _, p := range problems {
				found = found || strings.Contains(p.Field, tt.wantField)
			}
			if !found {
				t.Errorf("problems = %v, want one for %s", problems, tt.wantField)
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), filepath.Join(t.TempDir(), "absent.cue"))
	if engine.CodeOf(err) != engine.ErrCodeMissingFile {
		t.Errorf("Load() error = %v, want MISSING_FILE", err)
	}
}

func TestFind(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/kiln/kiln.cue")

	if got := Find("explicit.cue"); got != "explicit.cue" {
		t.Errorf("Find(explicit) = %q", got)
	}
	if got := Find(""); got != "/etc/kiln/kiln.cue" {
		t.Errorf("Find() = %q, want env override", got)
	}
}

func TestValidationError_String(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{File: "kiln.cue", Line: 3, Column: 5, Field: "ledger.backend", Message: "bad"}, "kiln.cue:3:5: ledger.backend: bad"},
		{ValidationError{File: "kiln.cue", Message: "bad"}, "kiln.cue: bad"},
		{ValidationError{Field: "install", Message: "bad"}, "install: bad"},
		{ValidationError{Message: "bad"}, "bad"},
	}
	for _, tt := range tests {
		if got := tt.err.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
