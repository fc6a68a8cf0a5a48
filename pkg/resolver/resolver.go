// Package resolver turns a requested set of extensions into a deterministic
// install plan over the transitive dependency closure.
package resolver

import (
	"fmt"
	"slices"

	"github.com/Masterminds/semver/v3"

	"github.com/devkiln/kiln/pkg/engine"
)

// ManifestSource looks up manifests by name.
type ManifestSource interface {
	Get(name string) (engine.ExtensionManifest, bool)
}

// ProfileSource additionally looks up profiles.
type ProfileSource interface {
	ManifestSource
	Profile(name string) (engine.Profile, bool)
}

// Resolve builds the install plan for requested. A missing reference, an
// unsatisfied version constraint, a declared conflict or a cycle aborts
// resolution; no partial plan is returned.
func Resolve(requested []string, source ManifestSource) (*engine.InstallPlan, error) {
	builder, manifests, roots, err := buildGraph(requested, source)
	if err != nil {
		return nil, err
	}

	graph, err := builder.Build(roots...)
	if err != nil {
		return nil, err
	}

	return &engine.InstallPlan{
		Requested:    roots,
		Order:        graph.Order,
		Levels:       graph.Levels,
		Dependencies: graph.Dependencies,
		Dependents:   graph.Dependents,
		Manifests:    manifests,
	}, nil
}

// ResolveProfile resolves the extension set of a named profile.
func ResolveProfile(name string, source ProfileSource) (*engine.InstallPlan, error) {
	profile, ok := source.Profile(name)
	if !ok {
		return nil, engine.NewConfigError(fmt.Sprintf("unknown profile %s", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	return Resolve(profile.Extensions, source)
}

// ToDOT renders the resolved graph of requested in DOT format.
func ToDOT(requested []string, source ManifestSource) (string, error) {
	builder, manifests, roots, err := buildGraph(requested, source)
	if err != nil {
		return "", err
	}
	if _, err := builder.Build(roots...); err != nil {
		return "", err
	}

	labels := make(map[string]string, len(manifests))
	for name, m := range manifests {
		labels[name] = fmt.Sprintf("%s\n%s", name, m.Version)
	}
	return builder.ToDOT(labels), nil
}

// buildGraph walks the dependency closure depth-first from the sorted roots.
func buildGraph(requested []string, source ManifestSource) (*engine.DAGBuilder, map[string]engine.ExtensionManifest, []string, error) {
	roots := slices.Clone(requested)
	slices.Sort(roots)
	roots = slices.Compact(roots)

	builder := engine.NewDAGBuilder()
	manifests := make(map[string]engine.ExtensionManifest)

	var visit func(name, requiredBy string) error
	visit = func(name, requiredBy string) error {
		if _, seen := manifests[name]; seen {
			return nil
		}
		m, ok := source.Get(name)
		if !ok {
			err := engine.NewResolutionError(fmt.Sprintf("extension %s not found", name), nil).
				WithCode(engine.ErrCodeMissingExtension).
				WithResource(name)
			if requiredBy != "" {
				err.WithDetail("required_by", requiredBy)
			}
			return err
		}
		manifests[name] = m
		builder.AddNode(name, m.DependencyNames()...)

		for _, dep := range m.Dependencies {
			if err := visit(dep.Name, name); err != nil {
				return err
			}
			if err := checkConstraint(name, dep, manifests[dep.Name]); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range roots {
		if err := visit(name, ""); err != nil {
			return nil, nil, nil, err
		}
	}

	if err := checkConflicts(manifests); err != nil {
		return nil, nil, nil, err
	}

	return builder, manifests, roots, nil
}

func checkConstraint(dependent string, dep engine.Dependency, m engine.ExtensionManifest) error {
	if dep.Constraint == "" {
		return nil
	}
	constraint, err := semver.NewConstraint(dep.Constraint)
	if err != nil {
		return engine.NewConfigError(fmt.Sprintf("invalid constraint %q on %s", dep.Constraint, dep.Name), err).
			WithCode(engine.ErrCodeMalformedManifest).
			WithResource(dependent)
	}
	version, err := semver.NewVersion(m.Version)
	if err != nil {
		return engine.NewConfigError(fmt.Sprintf("invalid version %q", m.Version), err).
			WithCode(engine.ErrCodeMalformedManifest).
			WithResource(dep.Name)
	}
	if !constraint.Check(version) {
		return engine.NewResolutionError(
			fmt.Sprintf("%s requires %s %s, registry has %s", dependent, dep.Name, dep.Constraint, m.Version), nil,
		).WithCode(engine.ErrCodeVersionConflict).
			WithResource(dep.Name).
			WithDetail("required_by", dependent).
			WithDetail("constraint", dep.Constraint).
			WithDetail("version", m.Version)
	}
	return nil
}

func checkConflicts(manifests map[string]engine.ExtensionManifest) error {
	names := make([]string, 0, len(manifests))
	for name := range manifests {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		for _, other := range manifests[name].Conflicts {
			if _, ok := manifests[other]; ok {
				return engine.NewResolutionError(
					fmt.Sprintf("extensions %s and %s conflict", name, other), nil,
				).WithCode(engine.ErrCodeConflictingExtensions).
					WithResource(name).
					WithDetail("conflicts_with", other)
			}
		}
	}
	return nil
}
