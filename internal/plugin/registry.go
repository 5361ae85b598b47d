package plugin

import (
	"context"
	"sort"
	"time"
)

// Plugin is an installed plugin as recorded in the registry
type Plugin struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Namespaces  map[string]string `json:"namespaces"`
	Active      bool              `json:"active"`
	Description string            `json:"description,omitempty"`
	InstalledAt time.Time         `json:"installed_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NamespaceNames returns the plugin's namespace prefixes in sorted order
func (p *Plugin) NamespaceNames() []string {
	names := make([]string, 0, len(p.Namespaces))
	for ns := range p.Namespaces {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// Registry is the persistent record of installed plugins.
// Finders return (nil, nil) when nothing matches.
type Registry interface {
	FindByName(ctx context.Context, name string) (*Plugin, error)
	FindByID(ctx context.Context, id string) (*Plugin, error)
	// FindAll returns every plugin ordered by name
	FindAll(ctx context.Context) ([]*Plugin, error)
	// FindActive returns active plugins ordered by name
	FindActive(ctx context.Context) ([]*Plugin, error)
	// Save inserts or updates p in one transaction
	Save(ctx context.Context, p *Plugin) error
	// Remove deletes p in one transaction
	Remove(ctx context.Context, p *Plugin) error
}
