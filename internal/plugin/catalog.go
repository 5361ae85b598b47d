package plugin

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog lists plugins that can be installed by name
type Catalog struct {
	Version    string                     `json:"version" yaml:"version"`
	Updated    string                     `json:"updated" yaml:"updated"`
	Plugins    []CatalogEntry             `json:"plugins" yaml:"plugins"`
	Categories map[string]CatalogCategory `json:"categories" yaml:"categories"`

	mu sync.RWMutex
}

// CatalogEntry is an installable plugin and where to get it
type CatalogEntry struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Author      string `json:"author,omitempty" yaml:"author"`
	// Source is an http(s) URL, an archive path or a directory
	Source   string `json:"source" yaml:"source"`
	Category string `json:"category,omitempty" yaml:"category"`
	Featured bool   `json:"featured" yaml:"featured"`
}

// CatalogCategory represents a category in the catalog
type CatalogCategory struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// CatalogStatus combines a catalog entry with its installation state
type CatalogStatus struct {
	CatalogEntry
	Installed bool   `json:"installed"`
	Active    bool   `json:"active"`
	PluginID  string `json:"plugin_id,omitempty"`
}

// EmptyCatalog returns a catalog with no entries
func EmptyCatalog() *Catalog {
	return &Catalog{
		Version:    "1.0",
		Plugins:    []CatalogEntry{},
		Categories: make(map[string]CatalogCategory),
	}
}

// LoadCatalog loads the plugin catalog from a YAML file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	catalog := EmptyCatalog()
	if err := yaml.Unmarshal(data, catalog); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	seen := make(map[string]bool)
	for _, p := range catalog.Plugins {
		if !ValidName(p.Name) {
			return nil, fmt.Errorf("catalog entry %q: %w", p.Name, ErrInvalidName)
		}
		if p.Source == "" {
			return nil, fmt.Errorf("catalog entry %q has no source", p.Name)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("catalog entry %q listed twice", p.Name)
		}
		seen[p.Name] = true
	}

	sort.Slice(catalog.Plugins, func(i, j int) bool {
		return catalog.Plugins[i].Name < catalog.Plugins[j].Name
	})
	return catalog, nil
}

// LoadCatalogOrEmpty loads path, returning an empty catalog when path is unset or missing
func LoadCatalogOrEmpty(path string) (*Catalog, error) {
	if path == "" {
		return EmptyCatalog(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return EmptyCatalog(), nil
	}
	return LoadCatalog(path)
}

// Entries returns all catalog entries ordered by name
func (c *Catalog) Entries() []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CatalogEntry(nil), c.Plugins...)
}

// Get returns the entry called name, or nil
func (c *Catalog) Get(name string) *CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.Plugins {
		if p.Name == name {
			return &p
		}
	}
	return nil
}

// Featured returns featured entries
func (c *Catalog) Featured() []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var featured []CatalogEntry
	for _, p := range c.Plugins {
		if p.Featured {
			featured = append(featured, p)
		}
	}
	return featured
}

// ByCategory returns entries in category
func (c *Catalog) ByCategory(category string) []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var plugins []CatalogEntry
	for _, p := range c.Plugins {
		if p.Category == category {
			plugins = append(plugins, p)
		}
	}
	return plugins
}

// GetCategories returns all categories
func (c *Catalog) GetCategories() map[string]CatalogCategory {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Categories
}
