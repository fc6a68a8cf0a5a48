// Package registrytest writes throwaway registry directories for tests.
package registrytest

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/devkiln/kiln/pkg/registry"
)

// Fixture is a registry root under t.TempDir.
type Fixture struct {
	t        testing.TB
	Root     string
	profiles map[string][]string
}

// New creates an empty registry root with an extensions directory.
func New(t testing.TB) *Fixture {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, registry.ExtensionsDir), 0o755); err != nil {
		t.Fatalf("failed to create extensions dir: %v", err)
	}
	return &Fixture{t: t, Root: root, profiles: map[string][]string{}}
}

// Write writes content to a path relative to the root.
func (f *Fixture) Write(rel, content string) *Fixture {
	f.t.Helper()
	path := filepath.Join(f.Root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		f.t.Fatalf("failed to create dir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		f.t.Fatalf("failed to write %s: %v", rel, err)
	}
	return f
}

// Manifest writes a raw extension.yaml for name.
func (f *Fixture) Manifest(name, body string) *Fixture {
	f.t.Helper()
	return f.Write(filepath.Join(registry.ExtensionsDir, name, registry.ManifestFile), body)
}

// Extension writes a minimal manifest with the given dependencies.
func (f *Fixture) Extension(name, version string, deps ...string) *Fixture {
	f.t.Helper()
	var sb strings.Builder
	fmt.Fprintf(&sb, "name: %s\nversion: %s\ncategory: test\n", name, version)
	if len(deps) > 0 {
		sb.WriteString("dependencies:\n")
		for _, d := range deps {
			fmt.Fprintf(&sb, "  - %q\n", d)
		}
	}
	return f.Manifest(name, sb.String())
}

// File writes a file next to an extension's manifest.
func (f *Fixture) File(extension, rel, content string) *Fixture {
	f.t.Helper()
	return f.Write(filepath.Join(registry.ExtensionsDir, extension, rel), content)
}

// Profile adds a profile and rewrites profiles.yaml.
func (f *Fixture) Profile(name string, extensions ...string) *Fixture {
	f.t.Helper()
	f.profiles[name] = extensions

	names := make([]string, 0, len(f.profiles))
	for n := range f.profiles {
		names = append(names, n)
	}
	slices.Sort(names)

	var sb strings.Builder
	sb.WriteString("profiles:\n")
	for _, n := range names {
		fmt.Fprintf(&sb, "  %s:\n    description: %s profile\n    extensions:\n", n, n)
		for _, e := range f.profiles[n] {
			fmt.Fprintf(&sb, "      - %s\n", e)
		}
	}
	return f.Write(registry.ProfilesFile, sb.String())
}

// Path returns the absolute path of a file relative to the root.
func (f *Fixture) Path(rel string) string {
	return filepath.Join(f.Root, rel)
}

// Load loads the registry and fails the test on error.
func (f *Fixture) Load() *registry.Registry {
	f.t.Helper()
	reg, err := registry.Load(f.Root)
	if err != nil {
		f.t.Fatalf("failed to load registry: %v", err)
	}
	return reg
}
