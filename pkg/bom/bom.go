// Package bom derives the bill of materials of a target from its ledger.
// Generation reads only ledger and registry state, so the same ledger always
// yields the same document.
package bom

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/devkiln/kiln/pkg/engine"
)

// Output formats accepted by Write.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

// Formats lists the supported output formats.
var Formats = []string{FormatJSON, FormatYAML, FormatTOML}

// Uncategorized is the summary bucket of extensions without a category.
const Uncategorized = "uncategorized"

// StatusSource is the ledger view a BOM is built from.
type StatusSource interface {
	Statuses(ctx context.Context, target string) ([]engine.Status, error)
}

// ManifestSource supplies registry metadata for installed extensions.
type ManifestSource interface {
	Get(name string) (engine.ExtensionManifest, bool)
}

// Generator builds BOMs.
type Generator struct {
	statuses StatusSource
	source   ManifestSource
}

// NewGenerator creates a Generator. source may be nil.
func NewGenerator(statuses StatusSource, source ManifestSource) *Generator {
	return &Generator{statuses: statuses, source: source}
}

// Generate lists every extension whose latest phase on target is Installed,
// sorted by name. GeneratedAt is the time of the newest ledger event, so an
// unchanged ledger produces an identical BOM.
func (g *Generator) Generate(ctx context.Context, target string) (*engine.Bom, error) {
	statuses, err := g.statuses.Statuses(ctx, target)
	if err != nil {
		return nil, err
	}

	bom := &engine.Bom{Target: target, Extensions: []engine.BomExtension{}}
	for _, st := range statuses {
		if st.LastEvent.After(bom.GeneratedAt) {
			bom.GeneratedAt = st.LastEvent
		}
		if st.Phase != engine.PhaseInstalled {
			continue
		}

		ext := engine.BomExtension{
			Name:        st.Extension,
			Version:     st.Version,
			Checksum:    st.Checksum,
			InstalledAt: st.InstalledAt,
		}
		if g.source != nil {
			if m, ok := g.source.Get(st.Extension); ok {
				ext.Category = m.Category
				if ext.Version == "" {
					ext.Version = m.Version
				}
			}
		}
		bom.Extensions = append(bom.Extensions, ext)
	}

	slices.SortFunc(bom.Extensions, func(a, b engine.BomExtension) int {
		return strings.Compare(a.Name, b.Name)
	})
	return bom, nil
}

// Write encodes bom to w in format.
func Write(w io.Writer, bom *engine.Bom, format string) error {
	switch strings.ToLower(format) {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(bom)
	case FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(bom); err != nil {
			return err
		}
		return enc.Close()
	case FormatTOML:
		return toml.NewEncoder(w).Encode(bom)
	default:
		return engine.NewConfigError(fmt.Sprintf("unknown BOM format %q", format), nil).
			WithCode(engine.ErrCodeValidation).
			WithDetail("formats", Formats)
	}
}

// CategoryCount is one line of a BOM summary.
type CategoryCount struct {
	Category   string   `json:"category" yaml:"category"`
	Count      int      `json:"count" yaml:"count"`
	Extensions []string `json:"extensions" yaml:"extensions"`
}

// Summary groups the extensions of bom by category, sorted by category.
func Summary(bom *engine.Bom) []CategoryCount {
	byCategory := make(map[string]*CategoryCount)
	for _, ext := range bom.Extensions {
		category := cmp.Or(ext.Category, Uncategorized)
		c, ok := byCategory[category]
		if !ok {
			c = &CategoryCount{Category: category}
			byCategory[category] = c
		}
		c.Count++
		c.Extensions = append(c.Extensions, ext.Name)
	}

	out := make([]CategoryCount, 0, len(byCategory))
	for _, c := range byCategory {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b CategoryCount) int { return strings.Compare(a.Category, b.Category) })
	return out
}
