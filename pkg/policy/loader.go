package policy

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// Loader reads policies from .rego and .json files.
type Loader struct {
	logger *telemetry.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger *telemetry.Logger) *Loader {
	return &Loader{logger: telemetry.OrNop(logger).NewComponentLogger("policy-loader")}
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadFromPath(path)
		if err != nil {
			return nil, err
		}
		all = append(all, policies...)
	}

	l.logger.Zerolog().Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("policies loaded from paths")
	return all, nil
}

func (l *Loader) loadFromPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewConfigError("policy path does not exist", err).
				WithCode(engine.ErrCodeMissingFile).
				WithDetail("file", path)
		}
		return nil, engine.NewConfigError("failed to stat policy path", err).WithDetail("file", path)
	}

	if info.IsDir() {
		return l.loadFromDirectory(path)
	}
	p, err := l.loadFromFile(path)
	if err != nil {
		return nil, err
	}
	return []Policy{p}, nil
}

// loadFromDirectory loads every .rego and .json file below dir. Files that
// fail to parse are logged and skipped.
func (l *Loader) loadFromDirectory(dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		p, err := l.loadFromFile(path)
		if err != nil {
			l.logger.WithError(err).Zerolog().Warn().Str("path", path).Msg("skipping policy file")
			return nil
		}
		policies = append(policies, p)
		return nil
	})
	if err != nil {
		return nil, engine.NewConfigError("failed to walk policy directory", err).WithDetail("file", dir)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

func (l *Loader) loadFromFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, engine.NewConfigError("failed to read policy file", err).
			WithCode(engine.ErrCodeMissingFile).
			WithDetail("file", path)
	}

	var p Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = parseRegoFile(path, data)
	case ".json":
		p, err = parseJSONFile(path, data)
		if err != nil {
			return Policy{}, err
		}
	default:
		return Policy{}, engine.NewConfigError("unsupported policy file type", nil).WithDetail("file", path)
	}

	l.logger.Zerolog().Debug().Str("path", path).Str("policy", p.Name).Msg("policy loaded from file")
	return p, nil
}

// parseRegoFile names the policy after its file and takes the description
// from the leading comment block. Custom rego denies block admission.
func parseRegoFile(path string, data []byte) Policy {
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: extractDescription(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
		Source:      path,
	}
}

// parseJSONFile reads a policy definition. Enabled defaults to true.
func parseJSONFile(path string, data []byte) (Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, engine.NewConfigError("failed to parse policy definition", err).
			WithCode(engine.ErrCodeMalformedManifest).
			WithDetail("file", path)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	p.Source = path
	return p, nil
}

func extractDescription(content string) string {
	var description strings.Builder
	for line := range strings.SplitSeq(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if comment, ok := strings.CutPrefix(trimmed, "#"); ok {
			comment = strings.TrimSpace(comment)
			if comment == "" {
				continue
			}
			if description.Len() > 0 {
				description.WriteString(" ")
			}
			description.WriteString(comment)
			continue
		}
		if trimmed != "" {
			break
		}
	}
	return description.String()
}
