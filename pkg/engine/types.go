package engine

import (
	"os"
	"slices"
	"time"
)

// Requirement defaults applied when neither the manifest nor the registry supply a value.
const (
	DefaultMemoryMB    = 256
	DefaultDiskMB      = 100
	DefaultInstallTime = 60 * time.Second
)

// ExtensionManifest is the declarative description of one installable extension.
// Manifests are immutable once the registry has loaded them.
type ExtensionManifest struct {
	// Name is the unique extension identifier.
	Name string `json:"name"`

	// Version is the semantic version of the extension.
	Version string `json:"version"`

	// Category is the canonical category (e.g., "language", "devops").
	Category string `json:"category"`

	// Description is a one-line summary.
	Description string `json:"description,omitempty"`

	// Dependencies lists the extensions that must be installed first.
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// Conflicts lists extensions that cannot share a target with this one.
	Conflicts []string `json:"conflicts,omitempty"`

	// Protected extensions are never removed by profile uninstall.
	Protected bool `json:"protected,omitempty"`

	// Requirements are the resources the extension needs on a target.
	Requirements Requirements `json:"requirements"`

	// Source locates the artifact to download. Nil for script-only extensions.
	Source *Source `json:"source,omitempty"`

	// Hooks reference the lifecycle steps.
	Hooks Hooks `json:"hooks"`

	// Validate lists commands whose output proves the extension works.
	Validate []ValidateCommand `json:"validate,omitempty"`

	// Configure holds variables, environment and templates.
	Configure ConfigureSpec `json:"configure"`

	// Dir is the directory the manifest was loaded from.
	// Relative script and template paths resolve against it.
	Dir string `json:"-"`

	// File is the manifest path, used in error messages.
	File string `json:"-"`
}

// DependencyNames returns the names of all declared dependencies.
func (m ExtensionManifest) DependencyNames() []string {
	names := make([]string, 0, len(m.Dependencies))
	for _, d := range m.Dependencies {
		names = append(names, d.Name)
	}
	return names
}

// Dependency is an edge in the extension graph with an optional version constraint.
type Dependency struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint,omitempty"`
}

// Requirements describe what an extension needs from its target.
type Requirements struct {
	MemoryMB    int           `json:"memory_mb"`
	DiskMB      int           `json:"disk_mb"`
	InstallTime time.Duration `json:"install_time"`
	GPU         bool          `json:"gpu"`
}

// DefaultRequirements returns the built-in requirement defaults.
func DefaultRequirements() Requirements {
	return Requirements{
		MemoryMB:    DefaultMemoryMB,
		DiskMB:      DefaultDiskMB,
		InstallTime: DefaultInstallTime,
	}
}

// Timeout returns installTime scaled by the safety factor.
func (r Requirements) Timeout(safetyFactor float64) time.Duration {
	base := r.InstallTime
	if base <= 0 {
		base = DefaultInstallTime
	}
	if safetyFactor <= 0 {
		safetyFactor = 1
	}
	return time.Duration(float64(base) * safetyFactor)
}

// Source locates an artifact and the values it must verify against.
type Source struct {
	// URL is an http(s):// or file:// location.
	URL string `json:"url"`

	// SHA256 is the expected lowercase hex digest.
	SHA256 string `json:"sha256"`

	// Signature is an optional URL of a detached OpenPGP signature.
	Signature string `json:"signature,omitempty"`
}

// HookRef references a lifecycle step. Exactly one of Script or Builtin is set.
type HookRef struct {
	// Script is a path relative to the manifest directory.
	Script string `json:"script,omitempty"`

	// Builtin is the name of a registered Go function.
	Builtin string `json:"builtin,omitempty"`
}

// IsZero reports whether the hook is unset.
func (h *HookRef) IsZero() bool {
	return h == nil || (h.Script == "" && h.Builtin == "")
}

// Hooks groups the lifecycle step references of an extension.
type Hooks struct {
	Install  *HookRef `json:"install,omitempty"`
	Validate *HookRef `json:"validate,omitempty"`
	Remove   *HookRef `json:"remove,omitempty"`

	// Check reports whether the extension is already present on a target.
	// Exit code zero means satisfied.
	Check *HookRef `json:"check,omitempty"`
}

// ValidateCommand runs "<Name> <VersionFlag>" and matches the output.
type ValidateCommand struct {
	Name            string `json:"name"`
	VersionFlag     string `json:"version_flag,omitempty"`
	ExpectedPattern string `json:"expected_pattern,omitempty"`
}

// ConfigureSpec declares the configuration an extension renders before install.
type ConfigureSpec struct {
	Variables   []Variable `json:"variables,omitempty"`
	Environment []EnvVar   `json:"environment,omitempty"`
	Templates   []Template `json:"templates,omitempty"`
}

// Variable is a named configuration value.
type Variable struct {
	Name     string  `json:"name"`
	Default  *string `json:"default,omitempty"`
	Required bool    `json:"required,omitempty"`
}

// EnvScope selects when an environment variable applies.
type EnvScope string

const (
	// EnvScopeInstall variables are only visible to lifecycle steps.
	EnvScopeInstall EnvScope = "install"

	// EnvScopeRuntime variables are exported for the installed tool as well.
	EnvScopeRuntime EnvScope = "runtime"
)

// EnvVar is an environment entry whose value is a template.
type EnvVar struct {
	Key   string   `json:"key"`
	Value string   `json:"value"`
	Scope EnvScope `json:"scope,omitempty"`
}

// Template renders Source into Destination on the target when the condition holds.
type Template struct {
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
	Mode        os.FileMode `json:"mode,omitempty"`

	// When is an optional boolean expression over env, os, arch and vars.
	When string `json:"when,omitempty"`
}

// Profile is a named, curated set of extensions.
type Profile struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Extensions  []string `json:"extensions"`

	// Overrides maps extension name to variable overrides.
	Overrides map[string]map[string]string `json:"overrides,omitempty"`
}

// InstallPlan is the resolved, totally ordered set of extensions to install.
type InstallPlan struct {
	// Requested is the sorted input set.
	Requested []string `json:"requested"`

	// Order lists every extension after all of its dependencies.
	Order []string `json:"order"`

	// Levels groups extensions with no dependency path between members.
	Levels [][]string `json:"levels"`

	// Dependencies maps each extension to its direct dependencies.
	Dependencies map[string][]string `json:"dependencies"`

	// Dependents maps each extension to the extensions that depend on it.
	Dependents map[string][]string `json:"dependents"`

	// Manifests holds the manifest of every planned extension.
	Manifests map[string]ExtensionManifest `json:"-"`
}

// Reverse returns the removal order: dependents before their dependencies.
func (p *InstallPlan) Reverse() []string {
	out := slices.Clone(p.Order)
	slices.Reverse(out)
	return out
}

// Contains reports whether the plan includes the named extension.
func (p *InstallPlan) Contains(name string) bool {
	_, ok := p.Dependencies[name]
	return ok
}

// Artifact is a downloaded, verified extension payload.
type Artifact struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	LocalPath         string `json:"local_path,omitempty"`
	Checksum          string `json:"checksum,omitempty"`
	SignatureVerified bool   `json:"signature_verified"`

	// Virtual marks extensions with nothing to download.
	Virtual bool `json:"virtual,omitempty"`
}

// Event is one immutable ledger record.
type Event struct {
	// ID is a unique event identifier.
	ID string `json:"id"`

	// Seq is the store-assigned position; zero until appended.
	Seq int64 `json:"seq"`

	// RunID correlates events written by one install or uninstall run.
	RunID string `json:"run_id,omitempty"`

	Target    string    `json:"target"`
	Extension string    `json:"extension"`
	Phase     Phase     `json:"phase"`
	Previous  Phase     `json:"previous,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Version  string        `json:"version,omitempty"`
	Checksum string        `json:"checksum,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	// Error and ErrorCode are set on Failed events.
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// Output holds captured stdout/stderr of a failed step.
	Output string `json:"output,omitempty"`

	// Reason qualifies the phase (e.g., "already installed").
	Reason string `json:"reason,omitempty"`
}

// Status is the folded ledger view of one (target, extension) pair.
type Status struct {
	Target      string    `json:"target"`
	Extension   string    `json:"extension"`
	Phase       Phase     `json:"phase"`
	Version     string    `json:"version,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	LastEvent   time.Time `json:"last_event"`
	InstalledAt time.Time `json:"installed_at,omitempty"`

	// FailedAt is the phase a Failed pair was in when it failed.
	FailedAt  Phase  `json:"failed_at,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// Outcome is the per-extension result of a profile operation.
type Outcome string

const (
	OutcomeInstalled Outcome = "installed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeRemoved   Outcome = "removed"
)

// Skip reasons.
const (
	ReasonAlreadyInstalled = "already installed"
	ReasonBlocked          = "blocked"
	ReasonProtected        = "protected"
	ReasonNotInstalled     = "not installed"
	ReasonInUse            = "in use"
	ReasonCancelled        = "cancelled"
)

// ExtensionResult records how one extension fared in a run.
type ExtensionResult struct {
	Name     string        `json:"name"`
	Version  string        `json:"version,omitempty"`
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Phase    Phase         `json:"phase,omitempty"`
	Error    error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Report aggregates per-extension outcomes of a profile operation.
type Report struct {
	RunID     string            `json:"run_id"`
	Target    string            `json:"target"`
	Profile   string            `json:"profile,omitempty"`
	Operation string            `json:"operation"`
	Results   []ExtensionResult `json:"results"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
}

func (r *Report) filter(o Outcome) []ExtensionResult {
	var out []ExtensionResult
	for _, res := range r.Results {
		if res.Outcome == o {
			out = append(out, res)
		}
	}
	return out
}

// Installed returns results with OutcomeInstalled.
func (r *Report) Installed() []ExtensionResult { return r.filter(OutcomeInstalled) }

// Skipped returns results with OutcomeSkipped.
func (r *Report) Skipped() []ExtensionResult { return r.filter(OutcomeSkipped) }

// Failed returns results with OutcomeFailed.
func (r *Report) Failed() []ExtensionResult { return r.filter(OutcomeFailed) }

// Removed returns results with OutcomeRemoved.
func (r *Report) Removed() []ExtensionResult { return r.filter(OutcomeRemoved) }

// HasFailures reports whether any extension failed.
func (r *Report) HasFailures() bool {
	return len(r.Failed()) > 0
}

// Result returns the result for the named extension.
func (r *Report) Result(name string) (ExtensionResult, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return ExtensionResult{}, false
}

// CheckResult is the outcome of one validation check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ValidationResult is the outcome of validating one extension on a target.
type ValidationResult struct {
	Extension string        `json:"extension"`
	Target    string        `json:"target"`
	Passed    bool          `json:"passed"`
	Checks    []CheckResult `json:"checks"`
	Duration  time.Duration `json:"duration"`
}

// Bom is the bill of materials of one target.
type Bom struct {
	Target      string         `json:"target" yaml:"target" toml:"target"`
	GeneratedAt time.Time      `json:"generated_at" yaml:"generated_at" toml:"generated_at"`
	Extensions  []BomExtension `json:"extensions" yaml:"extensions" toml:"extensions"`
}

// BomExtension is one installed extension in a BOM.
type BomExtension struct {
	Name        string    `json:"name" yaml:"name" toml:"name"`
	Version     string    `json:"version" yaml:"version" toml:"version"`
	Category    string    `json:"category,omitempty" yaml:"category,omitempty" toml:"category,omitempty"`
	Checksum    string    `json:"checksum,omitempty" yaml:"checksum,omitempty" toml:"checksum,omitempty"`
	InstalledAt time.Time `json:"installed_at" yaml:"installed_at" toml:"installed_at"`
}
