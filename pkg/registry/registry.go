// Package registry loads extension manifests, the consolidated registry file
// and profile definitions into an immutable, validated index.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/devkiln/kiln/pkg/engine"
)

// File and directory names inside a registry root.
const (
	RegistryFile  = "registry.yaml"
	ProfilesFile  = "profiles.yaml"
	ExtensionsDir = "extensions"
	ManifestFile  = "extension.yaml"
)

// Registry is an immutable name -> manifest index built once per invocation.
type Registry struct {
	root       string
	manifests  map[string]engine.ExtensionManifest
	names      []string
	categories []string
	profiles   map[string]engine.Profile
}

// Filter selects manifests in List. A nil filter selects everything.
type Filter func(engine.ExtensionManifest) bool

// ByCategory selects manifests of one category.
func ByCategory(category string) Filter {
	return func(m engine.ExtensionManifest) bool {
		return strings.EqualFold(m.Category, category)
	}
}

// Matching selects manifests whose name, description or category contain query.
func Matching(query string) Filter {
	q := strings.ToLower(query)
	return func(m engine.ExtensionManifest) bool {
		return strings.Contains(strings.ToLower(m.Name), q) ||
			strings.Contains(strings.ToLower(m.Description), q) ||
			strings.Contains(strings.ToLower(m.Category), q)
	}
}

// loader carries state while a registry is being built.
type loader struct {
	root     string
	validate *validator.Validate
	index    registryFile
}

// Load reads a registry root directory. Either a fully validated registry
// or an error is returned; nothing is partially loaded.
func Load(root string) (*Registry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registry path: %w", err)
	}

	l := &loader{root: abs, validate: newValidator()}

	if err := l.loadIndex(); err != nil {
		return nil, err
	}

	manifests, err := l.loadManifests()
	if err != nil {
		return nil, err
	}

	reg := &Registry{
		root:      abs,
		manifests: manifests,
		names:     make([]string, 0, len(manifests)),
	}
	for name := range manifests {
		reg.names = append(reg.names, name)
	}
	slices.Sort(reg.names)
	reg.categories = l.categories(manifests)

	profiles, err := l.loadProfiles(manifests)
	if err != nil {
		return nil, err
	}
	reg.profiles = profiles

	return reg, nil
}

func missingFile(path string, err error) error {
	return engine.NewConfigError(fmt.Sprintf("missing file %s", path), err).
		WithCode(engine.ErrCodeMissingFile).
		WithResource(path).
		WithDetail("file", path)
}

// decodeStrict decodes YAML rejecting unknown fields.
func decodeStrict(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// loadIndex reads the optional registry.yaml.
func (l *loader) loadIndex() error {
	path := filepath.Join(l.root, RegistryFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return missingFile(path, err)
	}

	if err := decodeStrict(data, &l.index); err != nil {
		return malformed(path, "", err)
	}
	if err := l.validate.Struct(&l.index); err != nil {
		return validationError(path, err)
	}
	return nil
}

// loadManifests reads every extensions/<dir>/extension.yaml and enriches it
// with registry entries and defaults.
func (l *loader) loadManifests() (map[string]engine.ExtensionManifest, error) {
	dir := filepath.Join(l.root, ExtensionsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, missingFile(dir, err)
	}

	manifests := make(map[string]engine.ExtensionManifest)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		extDir := filepath.Join(dir, entry.Name())
		path := filepath.Join(extDir, ManifestFile)

		m, err := l.loadManifest(path, extDir)
		if err != nil {
			return nil, err
		}

		if prev, exists := manifests[m.Name]; exists {
			return nil, engine.NewConfigError(
				fmt.Sprintf("duplicate extension name %s in %s and %s", m.Name, prev.File, path), nil,
			).WithCode(engine.ErrCodeDuplicateName).WithResource(m.Name).WithDetail("file", path)
		}
		manifests[m.Name] = m
	}

	// Every extension listed in registry.yaml must have a manifest.
	for name := range l.index.Extensions {
		if _, ok := manifests[name]; !ok {
			return nil, missingFile(filepath.Join(dir, name, ManifestFile), fs.ErrNotExist)
		}
	}

	return manifests, nil
}

func (l *loader) loadManifest(path, dir string) (engine.ExtensionManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.ExtensionManifest{}, missingFile(path, err)
	}

	var mf manifestFile
	if err := decodeStrict(data, &mf); err != nil {
		return engine.ExtensionManifest{}, malformed(path, "", err)
	}
	if err := l.validate.Struct(&mf); err != nil {
		return engine.ExtensionManifest{}, validationError(path, err)
	}

	entry, listed := l.index.Extensions[mf.Name]
	if listed {
		if mf.Category == "" {
			mf.Category = entry.Category
		}
		if mf.Description == "" {
			mf.Description = entry.Description
		}
		mf.Protected = mf.Protected || entry.Protected
		for _, c := range entry.Conflicts {
			if !slices.Contains(mf.Conflicts, c) {
				mf.Conflicts = append(mf.Conflicts, c)
			}
		}
	}

	if mf.Category == "" {
		return engine.ExtensionManifest{}, malformed(path, "category", errors.New("category is required"))
	}
	if len(l.index.Categories) > 0 && !slices.Contains(l.index.Categories, mf.Category) {
		return engine.ExtensionManifest{}, malformed(path, "category",
			fmt.Errorf("unknown category %q", mf.Category))
	}

	reqs := &requirementsFile{}
	if mf.Requirements != nil {
		*reqs = *mf.Requirements
	}
	if listed {
		entry.Requirements.apply(reqs)
	}
	l.index.Defaults.Requirements.apply(reqs)

	m, err := mf.toManifest(path, dir)
	if err != nil {
		return engine.ExtensionManifest{}, err
	}
	m.Requirements = reqs.toRequirements()
	return m, nil
}

func (l *loader) categories(manifests map[string]engine.ExtensionManifest) []string {
	if len(l.index.Categories) > 0 {
		out := slices.Clone(l.index.Categories)
		slices.Sort(out)
		return out
	}
	var out []string
	for _, m := range manifests {
		if !slices.Contains(out, m.Category) {
			out = append(out, m.Category)
		}
	}
	slices.Sort(out)
	return out
}

// loadProfiles reads the optional profiles.yaml.
func (l *loader) loadProfiles(manifests map[string]engine.ExtensionManifest) (map[string]engine.Profile, error) {
	profiles := make(map[string]engine.Profile)

	path := filepath.Join(l.root, ProfilesFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return profiles, nil
	}
	if err != nil {
		return nil, missingFile(path, err)
	}

	var pf profilesFile
	if err := decodeStrict(data, &pf); err != nil {
		return nil, malformed(path, "", err)
	}
	if err := l.validate.Struct(&pf); err != nil {
		return nil, validationError(path, err)
	}

	for name, entry := range pf.Profiles {
		for i, ext := range entry.Extensions {
			if _, ok := manifests[ext]; !ok {
				return nil, engine.NewResolutionError(
					fmt.Sprintf("profile %s references unknown extension %s", name, ext), nil,
				).WithCode(engine.ErrCodeMissingExtension).
					WithResource(ext).
					WithDetail("file", path).
					WithDetail("field", fmt.Sprintf("profiles.%s.extensions[%d]", name, i))
			}
		}
		profiles[name] = engine.Profile{
			Name:        name,
			Description: entry.Description,
			Extensions:  slices.Clone(entry.Extensions),
			Overrides:   entry.Overrides,
		}
	}
	return profiles, nil
}

// Root returns the absolute registry directory.
func (r *Registry) Root() string {
	return r.root
}

// Get returns the manifest for name.
func (r *Registry) Get(name string) (engine.ExtensionManifest, bool) {
	m, ok := r.manifests[name]
	return m, ok
}

// Len returns the number of extensions.
func (r *Registry) Len() int {
	return len(r.names)
}

// List returns the manifests accepted by filter in name order. The sequence
// is finite and can be iterated any number of times.
func (r *Registry) List(filter Filter) iter.Seq[engine.ExtensionManifest] {
	return func(yield func(engine.ExtensionManifest) bool) {
		for _, name := range r.names {
			m := r.manifests[name]
			if filter != nil && !filter(m) {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// Search returns manifests matching query in name order.
func (r *Registry) Search(query string) []engine.ExtensionManifest {
	return slices.Collect(r.List(Matching(query)))
}

// Categories returns the known categories, sorted.
func (r *Registry) Categories() []string {
	return slices.Clone(r.categories)
}

// Conflicts returns the extensions that name conflicts with, in either direction.
func (r *Registry) Conflicts(name string) []string {
	var out []string
	if m, ok := r.manifests[name]; ok {
		out = append(out, m.Conflicts...)
	}
	for _, other := range r.names {
		if slices.Contains(r.manifests[other].Conflicts, name) && !slices.Contains(out, other) {
			out = append(out, other)
		}
	}
	slices.Sort(out)
	return out
}

// IsProtected reports whether name must never be removed.
func (r *Registry) IsProtected(name string) bool {
	return r.manifests[name].Protected
}

// Profile returns a profile by name.
func (r *Registry) Profile(name string) (engine.Profile, bool) {
	p, ok := r.profiles[name]
	return p, ok
}

// Profiles returns all profiles sorted by name.
func (r *Registry) Profiles() []engine.Profile {
	out := make([]engine.Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b engine.Profile) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}
