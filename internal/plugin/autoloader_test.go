package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildMapping_Example(t *testing.T) {
	active := []*Plugin{{
		Name:       "acme/widgets",
		Namespaces: map[string]string{`Acme\Widgets`: "src"},
		Active:     true,
	}}

	entries, conflicts := BuildMapping("data/plugins", active)
	if len(conflicts) != 0 {
		t.Errorf("Unexpected conflicts %v", conflicts)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(entries))
	}
	if entries[0].Namespace != `Acme\Widgets` || entries[0].Path != "data/plugins/acme/widgets/src" {
		t.Errorf("Unexpected entry %+v", entries[0])
	}
}

func TestBuildMapping_OrderAndFiltering(t *testing.T) {
	active := []*Plugin{
		{Name: "acme/widgets", Active: true, Namespaces: map[string]string{
			`Acme\Widgets\Tests`: "/tests",
			`Acme\Widgets`:       "/src/",
		}},
		{Name: "beta/off", Active: false, Namespaces: map[string]string{`Beta`: "src"}},
		{Name: "zeta/tools", Active: true, Namespaces: map[string]string{`Zeta`: ""}},
	}

	entries, _ := BuildMapping("data/plugins", active)

	want := []MappingEntry{
		{Namespace: `Acme\Widgets`, Path: "data/plugins/acme/widgets/src", Plugin: "acme/widgets"},
		{Namespace: `Acme\Widgets\Tests`, Path: "data/plugins/acme/widgets/tests", Plugin: "acme/widgets"},
		{Namespace: `Zeta`, Path: "data/plugins/zeta/tools", Plugin: "zeta/tools"},
	}
	if len(entries) != len(want) {
		t.Fatalf("Expected %d entries, got %d: %+v", len(want), len(entries), entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("Entry %d: expected %+v, got %+v", i, want[i], entries[i])
		}
	}
}

func TestBuildMapping_FirstClaimWins(t *testing.T) {
	active := []*Plugin{
		{Name: "acme/widgets", Active: true, Namespaces: map[string]string{`Shared`: "src"}},
		{Name: "zeta/tools", Active: true, Namespaces: map[string]string{`Shared`: "lib"}},
	}

	entries, conflicts := BuildMapping("data/plugins", active)
	if len(entries) != 1 || entries[0].Plugin != "acme/widgets" {
		t.Errorf("Expected acme/widgets to keep the namespace, got %+v", entries)
	}
	if len(conflicts) != 1 || conflicts[0].Plugin != "zeta/tools" || conflicts[0].Winner != "acme/widgets" {
		t.Errorf("Unexpected conflicts %+v", conflicts)
	}
}

func TestAutoloaderGenerator_RegenerateAndLoad(t *testing.T) {
	pluginsDir := filepath.Join(t.TempDir(), "plugins")
	gen := NewAutoloaderGenerator(pluginsDir, "", testLogger())

	if gen.Path() != filepath.Join(pluginsDir, "autoloader.yaml") {
		t.Errorf("Unexpected default path %s", gen.Path())
	}

	active := []*Plugin{
		{Name: "acme/widgets", Active: true, Namespaces: map[string]string{`Acme\Widgets`: "src"}},
		{Name: "zeta/tools", Active: true, Namespaces: map[string]string{`Zeta\Tools`: "lib"}},
	}
	written, err := gen.Regenerate(context.Background(), active)
	if err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}

	raw, err := os.ReadFile(gen.Path())
	if err != nil {
		t.Fatalf("Failed to read mapping: %v", err)
	}
	if !strings.Contains(string(raw), "# Generated on ") {
		t.Errorf("Mapping should carry a generation timestamp:\n%s", raw)
	}

	loaded, err := LoadMapping(gen.Path())
	if err != nil {
		t.Fatalf("LoadMapping failed: %v", err)
	}
	if len(loaded) != len(written) {
		t.Fatalf("Expected %d entries, got %d", len(written), len(loaded))
	}
	for i := range written {
		if loaded[i].Namespace != written[i].Namespace || loaded[i].Path != written[i].Path {
			t.Errorf("Entry %d: wrote %+v, read %+v", i, written[i], loaded[i])
		}
	}

	tmpFiles, _ := filepath.Glob(filepath.Join(pluginsDir, ".autoloader.yaml.*.tmp"))
	if len(tmpFiles) != 0 {
		t.Errorf("Temporary files left behind: %v", tmpFiles)
	}
}

func TestAutoloaderGenerator_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom", "autoload.yaml")
	gen := NewAutoloaderGenerator(t.TempDir(), path, testLogger())

	if _, err := gen.Regenerate(context.Background(), nil); err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	loaded, err := LoadMapping(path)
	if err != nil {
		t.Fatalf("LoadMapping failed: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("Expected empty mapping, got %+v", loaded)
	}
}

func TestAutoloaderGenerator_CancelledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoloader.yaml")
	gen := NewAutoloaderGenerator(t.TempDir(), path, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gen.Regenerate(ctx, nil); err == nil {
		t.Error("Expected error for cancelled context")
	}
	if fileExists(path) {
		t.Error("Mapping should not be written after cancellation")
	}
}
