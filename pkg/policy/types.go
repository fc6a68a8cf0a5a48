package policy

import (
	"time"

	"github.com/devkiln/kiln/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module with a deny rule.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`

	// Rego contains the module source. Its package must define a
	// `deny` set of strings or objects with a `message` field.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that carry none.
	Severity Severity `json:"severity,omitempty"`

	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for builtins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	Policy    string   `json:"policy"`
	Extension string   `json:"extension,omitempty"`
	Target    string   `json:"target,omitempty"`
	Message   string   `json:"message"`
	Severity  Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Violations are blocking; Warnings are not.
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`

	// Errors lists policies whose evaluation failed.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Operation string         `json:"operation"`
	Extension ExtensionInput `json:"extension"`
	Target    TargetInput    `json:"target"`
}

// ExtensionInput describes the extension being admitted.
type ExtensionInput struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Category     string              `json:"category"`
	Dependencies []string            `json:"dependencies"`
	Requirements engine.Requirements `json:"requirements"`
}

// TargetInput describes the target the extension goes to.
type TargetInput struct {
	Name     string          `json:"name"`
	OS       string          `json:"os,omitempty"`
	Arch     string          `json:"arch,omitempty"`
	Capacity engine.Capacity `json:"capacity"`

	// Declared is false when the target advertises no capacity at all.
	Declared bool `json:"declared"`
}

// NewInput builds the admission input for installing m on target.
func NewInput(m engine.ExtensionManifest, target engine.Target, info engine.TargetInfo) Input {
	c := target.Capacity
	return Input{
		Operation: "install",
		Extension: ExtensionInput{
			Name:         m.Name,
			Version:      m.Version,
			Category:     m.Category,
			Dependencies: m.DependencyNames(),
			Requirements: m.Requirements,
		},
		Target: TargetInput{
			Name:     target.Name,
			OS:       info.OS,
			Arch:     info.Arch,
			Capacity: c,
			Declared: c.MemoryMB > 0 || c.DiskMB > 0 || c.GPU,
		},
	}
}
