package registry

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/devkiln/kiln/pkg/engine"
)

// manifestFile is the on-disk form of extensions/<name>/extension.yaml.
type manifestFile struct {
	Name         string            `yaml:"name" validate:"required,extname"`
	Version      string            `yaml:"version" validate:"required"`
	Category     string            `yaml:"category"`
	Description  string            `yaml:"description"`
	Dependencies []dependencyEntry `yaml:"dependencies" validate:"dive"`
	Conflicts    []string          `yaml:"conflicts" validate:"dive,extname"`
	Protected    bool              `yaml:"protected"`
	Requirements *requirementsFile `yaml:"requirements"`
	Source       *sourceFile       `yaml:"source"`
	Hooks        hooksFile         `yaml:"hooks"`
	Validate     []validateFile    `yaml:"validate" validate:"dive"`
	Configure    configureFile     `yaml:"configure"`
}

// dependencyEntry accepts either "name" or {name, version}.
type dependencyEntry struct {
	Name    string `yaml:"name" validate:"required,extname"`
	Version string `yaml:"version"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *dependencyEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		d.Name = node.Value
		return nil
	}
	type plain dependencyEntry
	return node.Decode((*plain)(d))
}

type requirementsFile struct {
	Memory      *int  `yaml:"memory" validate:"omitempty,gte=0"`
	Disk        *int  `yaml:"disk" validate:"omitempty,gte=0"`
	InstallTime *int  `yaml:"installTime" validate:"omitempty,gt=0"`
	GPU         *bool `yaml:"gpu"`
}

type sourceFile struct {
	URL       string `yaml:"url" validate:"required,url"`
	SHA256    string `yaml:"sha256" validate:"required,len=64,hexadecimal"`
	Signature string `yaml:"signature" validate:"omitempty,url"`
}

type hookFile struct {
	Script  string `yaml:"script" validate:"required_without=Builtin,excluded_with=Builtin"`
	Builtin string `yaml:"builtin"`
}

type hooksFile struct {
	Install  *hookFile `yaml:"install"`
	Validate *hookFile `yaml:"validate"`
	Remove   *hookFile `yaml:"remove"`
	Check    *hookFile `yaml:"check"`
}

type validateFile struct {
	Name            string `yaml:"name" validate:"required"`
	VersionFlag     string `yaml:"versionFlag"`
	ExpectedPattern string `yaml:"expectedPattern" validate:"omitempty,pattern"`
}

type configureFile struct {
	Variables   []variableFile `yaml:"variables" validate:"dive"`
	Environment []envFile      `yaml:"environment" validate:"dive"`
	Templates   []templateFile `yaml:"templates" validate:"dive"`
}

type variableFile struct {
	Name     string  `yaml:"name" validate:"required"`
	Default  *string `yaml:"default"`
	Required bool    `yaml:"required"`
}

type envFile struct {
	Key   string `yaml:"key" validate:"required"`
	Value string `yaml:"value"`
	Scope string `yaml:"scope" validate:"omitempty,oneof=install runtime"`
}

type templateFile struct {
	Source      string `yaml:"source" validate:"required"`
	Destination string `yaml:"destination" validate:"required"`
	Mode        string `yaml:"mode" validate:"omitempty,filemode"`
	When        string `yaml:"when"`
}

// registryFile is the on-disk form of registry.yaml.
type registryFile struct {
	Version    string                   `yaml:"version"`
	Categories []string                 `yaml:"categories"`
	Defaults   registryDefaults         `yaml:"defaults"`
	Extensions map[string]registryEntry `yaml:"extensions" validate:"dive"`
}

type registryDefaults struct {
	Requirements *requirementsFile `yaml:"requirements"`
}

type registryEntry struct {
	Category     string            `yaml:"category"`
	Description  string            `yaml:"description"`
	Protected    bool              `yaml:"protected"`
	Conflicts    []string          `yaml:"conflicts" validate:"dive,extname"`
	Requirements *requirementsFile `yaml:"requirements"`
}

// profilesFile is the on-disk form of profiles.yaml.
type profilesFile struct {
	Profiles map[string]profileEntry `yaml:"profiles" validate:"dive"`
}

type profileEntry struct {
	Description string                       `yaml:"description"`
	Extensions  []string                     `yaml:"extensions" validate:"required,min=1,dive,extname"`
	Overrides   map[string]map[string]string `yaml:"overrides"`
}

var extNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// newValidator returns a validator that reports yaml field names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("extname", func(fl validator.FieldLevel) bool {
		return extNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("pattern", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("filemode", func(fl validator.FieldLevel) bool {
		_, err := parseMode(fl.Field().String())
		return err == nil
	})
	return v
}

func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0o644, nil
	}
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil || mode > 0o7777 {
		return 0, fmt.Errorf("invalid file mode %q", s)
	}
	return os.FileMode(mode), nil
}

// malformed builds a MalformedManifest error with file and field context.
func malformed(file, field string, err error) *engine.EngineError {
	msg := fmt.Sprintf("malformed manifest %s", file)
	if field != "" {
		msg = fmt.Sprintf("malformed manifest %s: field %s", file, field)
	}
	return engine.NewConfigError(msg, err).
		WithCode(engine.ErrCodeMalformedManifest).
		WithResource(file).
		WithDetail("file", file).
		WithDetail("field", field)
}

// validationError converts the first validator failure into a MalformedManifest error.
func validationError(file string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		return malformed(file, field, fmt.Errorf("failed %q validation", fe.Tag()))
	}
	return malformed(file, "", err)
}

// toManifest converts a validated manifest file into the engine type.
func (mf *manifestFile) toManifest(file, dir string) (engine.ExtensionManifest, error) {
	if _, err := semver.StrictNewVersion(mf.Version); err != nil {
		return engine.ExtensionManifest{}, malformed(file, "version", err)
	}

	m := engine.ExtensionManifest{
		Name:        mf.Name,
		Version:     mf.Version,
		Category:    mf.Category,
		Description: mf.Description,
		Conflicts:   mf.Conflicts,
		Protected:   mf.Protected,
		Dir:         dir,
		File:        file,
	}

	for i, dep := range mf.Dependencies {
		if dep.Version != "" {
			if _, err := semver.NewConstraint(dep.Version); err != nil {
				return engine.ExtensionManifest{}, malformed(file, fmt.Sprintf("dependencies[%d].version", i), err)
			}
		}
		m.Dependencies = append(m.Dependencies, engine.Dependency{Name: dep.Name, Constraint: dep.Version})
	}

	if mf.Source != nil {
		m.Source = &engine.Source{
			URL:       mf.Source.URL,
			SHA256:    strings.ToLower(mf.Source.SHA256),
			Signature: mf.Source.Signature,
		}
	}

	m.Hooks = engine.Hooks{
		Install:  mf.Hooks.Install.toHook(),
		Validate: mf.Hooks.Validate.toHook(),
		Remove:   mf.Hooks.Remove.toHook(),
		Check:    mf.Hooks.Check.toHook(),
	}

	for _, v := range mf.Validate {
		m.Validate = append(m.Validate, engine.ValidateCommand{
			Name:            v.Name,
			VersionFlag:     v.VersionFlag,
			ExpectedPattern: v.ExpectedPattern,
		})
	}

	for _, v := range mf.Configure.Variables {
		m.Configure.Variables = append(m.Configure.Variables, engine.Variable{
			Name:     v.Name,
			Default:  v.Default,
			Required: v.Required,
		})
	}
	for _, e := range mf.Configure.Environment {
		scope := engine.EnvScope(e.Scope)
		if scope == "" {
			scope = engine.EnvScopeInstall
		}
		m.Configure.Environment = append(m.Configure.Environment, engine.EnvVar{Key: e.Key, Value: e.Value, Scope: scope})
	}
	for _, tf := range mf.Configure.Templates {
		mode, _ := parseMode(tf.Mode)
		m.Configure.Templates = append(m.Configure.Templates, engine.Template{
			Source:      tf.Source,
			Destination: tf.Destination,
			Mode:        mode,
			When:        tf.When,
		})
	}

	return m, nil
}

func (h *hookFile) toHook() *engine.HookRef {
	if h == nil {
		return nil
	}
	return &engine.HookRef{Script: h.Script, Builtin: h.Builtin}
}

// apply fills requirement fields that are still unset from r.
func (r *requirementsFile) apply(into *requirementsFile) {
	if r == nil {
		return
	}
	if into.Memory == nil {
		into.Memory = r.Memory
	}
	if into.Disk == nil {
		into.Disk = r.Disk
	}
	if into.InstallTime == nil {
		into.InstallTime = r.InstallTime
	}
	if into.GPU == nil {
		into.GPU = r.GPU
	}
}

func (r *requirementsFile) toRequirements() engine.Requirements {
	req := engine.DefaultRequirements()
	if r.Memory != nil {
		req.MemoryMB = *r.Memory
	}
	if r.Disk != nil {
		req.DiskMB = *r.Disk
	}
	if r.InstallTime != nil {
		req.InstallTime = time.Duration(*r.InstallTime) * time.Second
	}
	if r.GPU != nil {
		req.GPU = *r.GPU
	}
	return req
}
