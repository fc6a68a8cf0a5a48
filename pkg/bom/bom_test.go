package bom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/ledger"
	"github.com/devkiln/kiln/pkg/registry/registrytest"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// tickingClock advances one second per call.
func tickingClock() func() time.Time {
	at := epoch
	return func() time.Time {
		at = at.Add(time.Second)
		return at
	}
}

type fixture struct {
	ledger *ledger.Ledger
	gen    *Generator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registrytest.New(t).
		Manifest("docker", "name: docker\nversion: 24.0.7\ncategory: containers\n").
		Manifest("python", "name: python\nversion: 3.12.0\ncategory: languages\n").
		Manifest("git", "name: git\nversion: 2.43.0\n").
		Manifest("node", "name: node\nversion: 20.11.0\ncategory: languages\n").
		Load()

	l, err := ledger.Open(context.Background(), ledger.BackendJSONL, t.TempDir(), "local", ledger.WithClock(tickingClock()))
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return &fixture{ledger: l, gen: NewGenerator(l, reg)}
}

func (f *fixture) record(t *testing.T, ext, version string, phases ...engine.Phase) {
	t.Helper()
	for _, phase := range phases {
		ev := engine.Event{Target: "local", Extension: ext, Phase: phase, Version: version}
		if phase == engine.PhaseInstalled {
			ev.Checksum = "sha256:" + ext
		}
		if _, err := f.ledger.Append(context.Background(), ev); err != nil {
			t.Fatalf("Append(%s %s) error = %v", ext, phase, err)
		}
	}
}

var installed = []engine.Phase{engine.PhaseRequested, engine.PhaseValidating, engine.PhaseInstalled}

func TestGenerate(t *testing.T) {
	f := newFixture(t)
	f.record(t, "python", "3.12.0", installed...)
	f.record(t, "docker", "24.0.7", installed...)
	f.record(t, "git", "2.43.0", installed...)
	f.record(t, "node", "20.11.0", engine.PhaseRequested, engine.PhaseFetching, engine.PhaseFailed)
	f.record(t, "git", "2.43.0", engine.PhaseRemoving, engine.PhaseRemoved)

	bom, err := f.gen.Generate(context.Background(), "local")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	want := &engine.Bom{
		Target:      "local",
		GeneratedAt: epoch.Add(14 * time.Second),
		Extensions: []engine.BomExtension{
			{Name: "docker", Version: "24.0.7", Category: "containers", Checksum: "sha256:docker", InstalledAt: epoch.Add(6 * time.Second)},
			{Name: "python", Version: "3.12.0", Category: "languages", Checksum: "sha256:python", InstalledAt: epoch.Add(3 * time.Second)},
		},
	}
	if diff := cmp.Diff(want, bom); diff != "" {
		t.Errorf("Generate() mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	f := newFixture(t)
	f.record(t, "docker", "24.0.7", installed...)
	f.record(t, "python", "3.12.0", installed...)

	var outputs []string
	for range 2 {
		bom, err := f.gen.Generate(context.Background(), "local")
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		var buf bytes.Buffer
		if err := Write(&buf, bom, FormatJSON); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		outputs = append(outputs, buf.String())
	}
	if outputs[0] != outputs[1] {
		t.Errorf("repeated generation differs:\n%s\n%s", outputs[0], outputs[1])
	}
}

func TestGenerate_EmptyTarget(t *testing.T) {
	f := newFixture(t)
	bom, err := f.gen.Generate(context.Background(), "local")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if bom.Extensions == nil || len(bom.Extensions) != 0 {
		t.Errorf("Extensions = %#v, want empty list", bom.Extensions)
	}
	if !bom.GeneratedAt.IsZero() {
		t.Errorf("GeneratedAt = %v, want zero for an empty ledger", bom.GeneratedAt)
	}
}

func TestGenerate_UnknownToRegistry(t *testing.T) {
	f := newFixture(t)
	f.record(t, "retired", "0.9.0", installed...)

	bom, err := f.gen.Generate(context.Background(), "local")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	got := bom.Extensions[0]
	if got.Name != "retired" || got.Version != "0.9.0" || got.Category != "" {
		t.Errorf("extension = %+v", got)
	}
}

func TestWrite(t *testing.T) {
	bom := &engine.Bom{
		Target:      "local",
		GeneratedAt: epoch,
		Extensions: []engine.BomExtension{
			{Name: "docker", Version: "24.0.7", Category: "containers", Checksum: "sha256:abc", InstalledAt: epoch},
		},
	}

	tests := []struct {
		format string
		decode func([]byte, *engine.Bom) error
	}{
		{FormatJSON, func(b []byte, out *engine.Bom) error { return json.Unmarshal(b, out) }},
		{FormatYAML, func(b []byte, out *engine.Bom) error { return yaml.Unmarshal(b, out) }},
		{FormatTOML, func(b []byte, out *engine.Bom) error { return toml.Unmarshal(b, out) }},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, bom, tt.format); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if !strings.Contains(buf.String(), "24.0.7") {
				t.Errorf("output missing version:\n%s", buf.String())
			}

			var got engine.Bom
			if err := tt.decode(buf.Bytes(), &got); err != nil {
				t.Fatalf("decode error = %v\n%s", err, buf.String())
			}
			if got.Target != "local" || len(got.Extensions) != 1 || got.Extensions[0].Checksum != "sha256:abc" {
				t.Errorf("decoded = %+v", got)
			}
			if !got.Extensions[0].InstalledAt.Equal(epoch) {
				t.Errorf("InstalledAt = %v, want %v", got.Extensions[0].InstalledAt, epoch)
			}
		})
	}
}

func TestWrite_UnknownFormat(t *testing.T) {
	err := Write(&bytes.Buffer{}, &engine.Bom{}, "xml")
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeValidation {
		t.Errorf("Write() error = %v, want validation error", err)
	}
}

func TestSummary(t *testing.T) {
	bom := &engine.Bom{Extensions: []engine.BomExtension{
		{Name: "docker", Category: "containers"},
		{Name: "git"},
		{Name: "node", Category: "languages"},
		{Name: "python", Category: "languages"},
	}}

	want := []CategoryCount{
		{Category: "containers", Count: 1, Extensions: []string{"docker"}},
		{Category: "languages", Count: 2, Extensions: []string{"node", "python"}},
		{Category: Uncategorized, Count: 1, Extensions: []string{"git"}},
	}
	if diff := cmp.Diff(want, Summary(bom)); diff != "" {
		t.Errorf("Summary() mismatch (-want +got):\n%s", diff)
	}
}
