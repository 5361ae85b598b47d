package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin-catalog.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write catalog: %v", err)
	}
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, `
version: "1.0"
updated: "2026-10-01"
plugins:
  - name: zeta/tools
    description: Developer tools
    source: https://plugins.example.com/zeta-tools.zip
    category: development
  - name: acme/widgets
    description: Widgets for Zource
    author: Acme
    source: https://plugins.example.com/acme-widgets.zip
    category: content
    featured: true
categories:
  content:
    name: Content
    description: Content types and blocks
  development:
    name: Development
    description: Tools for plugin authors
`)

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	entries := catalog.Entries()
	if len(entries) != 2 || entries[0].Name != "acme/widgets" {
		t.Errorf("Expected entries sorted by name, got %+v", entries)
	}
	if e := catalog.Get("zeta/tools"); e == nil || e.Category != "development" {
		t.Errorf("Get returned %+v", e)
	}
	if catalog.Get("acme/none") != nil {
		t.Error("Get should return nil for unknown entries")
	}
	if featured := catalog.Featured(); len(featured) != 1 || featured[0].Name != "acme/widgets" {
		t.Errorf("Unexpected featured entries %+v", featured)
	}
	if content := catalog.ByCategory("content"); len(content) != 1 {
		t.Errorf("Expected 1 content entry, got %d", len(content))
	}
	if len(catalog.GetCategories()) != 2 {
		t.Errorf("Expected 2 categories, got %d", len(catalog.GetCategories()))
	}
}

func TestLoadCatalog_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad name":  "plugins:\n  - name: Acme/Widgets\n    source: x.zip\n",
		"no source": "plugins:\n  - name: acme/widgets\n",
		"duplicate": "plugins:\n  - name: acme/widgets\n    source: a.zip\n  - name: acme/widgets\n    source: b.zip\n",
		"bad yaml":  "plugins: [",
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadCatalog(writeCatalog(t, content)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadCatalogOrEmpty(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yaml")} {
		catalog, err := LoadCatalogOrEmpty(path)
		if err != nil {
			t.Fatalf("LoadCatalogOrEmpty(%q) failed: %v", path, err)
		}
		if len(catalog.Entries()) != 0 {
			t.Errorf("Expected empty catalog for %q", path)
		}
	}
}

func TestManager_CatalogInstall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	src := writePluginDir(t, filepath.Join(env.workDir, "widgets"), acmeManifest)
	catalog, err := LoadCatalog(writeCatalog(t, "plugins:\n  - name: acme/widgets\n    source: "+src+"\n  - name: zeta/tools\n    source: /nowhere\n"))
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	env.manager.catalog = catalog

	statuses, err := env.manager.Catalog(ctx)
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	if len(statuses) != 2 || statuses[0].Installed {
		t.Fatalf("Unexpected catalog status %+v", statuses)
	}

	p, err := env.manager.InstallFromCatalog(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("InstallFromCatalog failed: %v", err)
	}

	statuses, _ = env.manager.Catalog(ctx)
	if !statuses[0].Installed || !statuses[0].Active || statuses[0].PluginID != p.ID {
		t.Errorf("Expected acme/widgets to be installed, got %+v", statuses[0])
	}

	if _, err := env.manager.InstallFromCatalog(ctx, "acme/none"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Expected ErrPluginNotFound, got %v", err)
	}
}
