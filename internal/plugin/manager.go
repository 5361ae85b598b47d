package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zource/zource/internal/events"
	"github.com/zource/zource/internal/metrics"
)

const stagingDirName = ".staging"

// Publisher receives lifecycle events after each completed mutation
type Publisher interface {
	PublishLifecycle(ev events.LifecycleEvent) error
}

// ManagerConfig wires the manager's collaborators
type ManagerConfig struct {
	PluginsDir string
	Registry   Registry
	Extractor  *ArchiveExtractor
	Fetcher    *Fetcher
	Autoloader *AutoloaderGenerator
	// Publisher and Catalog are optional
	Publisher Publisher
	Catalog   *Catalog
	Logger    *slog.Logger
}

// Manager installs, activates, deactivates and uninstalls plugins.
// Mutations of one plugin are serialized; each completed mutation
// regenerates the autoloader mapping.
type Manager struct {
	pluginsDir string
	registry   Registry
	extractor  *ArchiveExtractor
	fetcher    *Fetcher
	autoloader *AutoloaderGenerator
	publisher  Publisher
	catalog    *Catalog
	logger     *slog.Logger

	locks *keyedMutex
}

// NewManager creates a plugin manager
func NewManager(cfg ManagerConfig) *Manager {
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = EmptyCatalog()
	}
	return &Manager{
		pluginsDir: cfg.PluginsDir,
		registry:   cfg.Registry,
		extractor:  cfg.Extractor,
		fetcher:    cfg.Fetcher,
		autoloader: cfg.Autoloader,
		publisher:  cfg.Publisher,
		catalog:    catalog,
		logger:     cfg.Logger.With("component", "plugin-manager"),
		locks:      newKeyedMutex(),
	}
}

// PluginsDir returns the installation root
func (m *Manager) PluginsDir() string {
	return m.pluginsDir
}

// InstallDir returns the directory a plugin called name is installed into
func (m *Manager) InstallDir(name string) string {
	return filepath.Join(m.pluginsDir, filepath.FromSlash(name))
}

// Rebuild clears leftover staging directories and regenerates the autoloader from the registry
func (m *Manager) Rebuild(ctx context.Context) error {
	if err := os.MkdirAll(m.pluginsDir, 0755); err != nil {
		return fmt.Errorf("failed to create plugins directory: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(m.pluginsDir, stagingDirName)); err != nil {
		m.logger.Warn("Failed to clear staging directory", "error", err)
	}
	_, err := m.regenerate(ctx)
	return err
}

// InstallFromExternal installs from a local directory, a local archive or an http(s) URL
func (m *Manager) InstallFromExternal(ctx context.Context, source string) (*Plugin, error) {
	if isRemote(source) {
		localPath, err := m.fetcher.Fetch(ctx, source)
		if err != nil {
			metrics.RecordOperation("install", metrics.ResultError)
			return nil, err
		}
		defer func() { _ = os.Remove(localPath) }()
		return m.InstallFromFile(ctx, localPath)
	}

	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("plugin source %s: %w", source, err)
	}
	if info.IsDir() {
		return m.InstallFromDirectory(ctx, source)
	}

	// Extraction deletes rejected archives, so it only ever sees a scratch copy
	localPath, err := m.fetcher.CopyLocal(source)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(localPath) }()
	return m.InstallFromFile(ctx, localPath)
}

// InstallFromFile installs a plugin archive owned by the caller's request
// (an upload or a scratch copy); the archive is deleted when it is rejected.
// Nothing appears under the plugins directory unless the archive and its
// manifest are valid.
func (m *Manager) InstallFromFile(ctx context.Context, archivePath string) (*Plugin, error) {
	manifest, err := m.extractor.Inspect(archivePath)
	if err != nil {
		metrics.RecordOperation("install", metrics.ResultError)
		return nil, err
	}

	unlock := m.locks.Lock(manifest.Name)
	defer unlock()

	if existing, err := m.existing(ctx, manifest.Name); existing != nil || err != nil {
		return existing, err
	}

	stage, err := m.newStagingDir(manifest.Name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(stage) }()

	if _, err := m.extractor.Extract(archivePath, stage); err != nil {
		metrics.RecordOperation("install", metrics.ResultError)
		return nil, err
	}

	target := m.InstallDir(manifest.Name)
	if err := m.commit(stage, target); err != nil {
		metrics.RecordOperation("install", metrics.ResultError)
		return nil, err
	}

	return m.register(ctx, manifest, true)
}

// InstallFromDirectory installs the plugin found in dir. A directory outside
// the plugins root is copied to <pluginsDir>/<name> first.
func (m *Manager) InstallFromDirectory(ctx context.Context, dir string) (*Plugin, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		metrics.RecordOperation("install", metrics.ResultError)
		return nil, err
	}

	unlock := m.locks.Lock(manifest.Name)
	defer unlock()

	if existing, err := m.existing(ctx, manifest.Name); existing != nil || err != nil {
		return existing, err
	}

	target := m.InstallDir(manifest.Name)
	if samePath(dir, target) {
		return m.register(ctx, manifest, false)
	}

	stage, err := m.newStagingDir(manifest.Name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(stage) }()

	if err := copyDir(dir, stage); err != nil {
		metrics.RecordOperation("install", metrics.ResultError)
		return nil, fmt.Errorf("failed to stage %s: %w", dir, err)
	}
	if err := m.commit(stage, target); err != nil {
		metrics.RecordOperation("install", metrics.ResultError)
		return nil, err
	}

	return m.register(ctx, manifest, true)
}

// InstallFromCatalog installs the catalog entry called name
func (m *Manager) InstallFromCatalog(ctx context.Context, name string) (*Plugin, error) {
	entry := m.catalog.Get(name)
	if entry == nil {
		return nil, fmt.Errorf("%w in catalog: %s", ErrPluginNotFound, name)
	}

	p, err := m.InstallFromExternal(ctx, entry.Source)
	if err != nil {
		return nil, err
	}
	if p.Name != name {
		m.logger.Warn("Catalog entry installed a differently named plugin", "entry", name, "plugin", p.Name)
	}
	return p, nil
}

// Activate marks p active and regenerates the autoloader
func (m *Manager) Activate(ctx context.Context, p *Plugin) error {
	return m.setActive(ctx, p, true)
}

// Deactivate marks p inactive and regenerates the autoloader; its files stay in place
func (m *Manager) Deactivate(ctx context.Context, p *Plugin) error {
	return m.setActive(ctx, p, false)
}

// Uninstall removes p from the registry, deletes its directory and regenerates the autoloader
func (m *Manager) Uninstall(ctx context.Context, p *Plugin) error {
	unlock := m.locks.Lock(p.Name)
	defer unlock()

	if err := m.registry.Remove(ctx, p); err != nil {
		metrics.RecordOperation("uninstall", metrics.ResultError)
		return err
	}

	cleanupErr := m.cleanup(p.Name)
	_, regenErr := m.regenerate(ctx)

	m.publish(events.LifecycleEvent{PluginID: p.ID, Name: p.Name, Event: events.EventUninstalled})

	if err := errors.Join(cleanupErr, regenErr); err != nil {
		metrics.RecordOperation("uninstall", metrics.ResultError)
		return err
	}

	metrics.RecordOperation("uninstall", metrics.ResultSuccess)
	m.logger.Info("Plugin uninstalled", "id", p.ID, "name", p.Name)
	return nil
}

// GetPluginByName returns the plugin called name
func (m *Manager) GetPluginByName(ctx context.Context, name string) (*Plugin, error) {
	p, err := m.registry.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return p, nil
}

// GetPlugin returns the plugin with id
func (m *Manager) GetPlugin(ctx context.Context, id string) (*Plugin, error) {
	p, err := m.registry.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return p, nil
}

// GetPlugins returns all installed plugins ordered by name
func (m *Manager) GetPlugins(ctx context.Context) ([]*Plugin, error) {
	return m.registry.FindAll(ctx)
}

// Mapping returns the autoloader mapping currently on disk
func (m *Manager) Mapping() ([]MappingEntry, error) {
	entries, err := LoadMapping(m.autoloader.Path())
	if os.IsNotExist(err) {
		return []MappingEntry{}, nil
	}
	return entries, err
}

// Catalog returns every catalog entry with its installation state
func (m *Manager) Catalog(ctx context.Context) ([]CatalogStatus, error) {
	installed, err := m.registry.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*Plugin, len(installed))
	for _, p := range installed {
		byName[p.Name] = p
	}

	entries := m.catalog.Entries()
	statuses := make([]CatalogStatus, 0, len(entries))
	for _, e := range entries {
		status := CatalogStatus{CatalogEntry: e}
		if p, ok := byName[e.Name]; ok {
			status.Installed = true
			status.Active = p.Active
			status.PluginID = p.ID
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (m *Manager) setActive(ctx context.Context, p *Plugin, active bool) error {
	operation := "deactivate"
	event := events.EventDeactivated
	if active {
		operation = "activate"
		event = events.EventActivated
	}

	unlock := m.locks.Lock(p.Name)
	defer unlock()

	current, err := m.registry.FindByID(ctx, p.ID)
	if err != nil {
		metrics.RecordOperation(operation, metrics.ResultError)
		return err
	}
	if current == nil {
		metrics.RecordOperation(operation, metrics.ResultError)
		return fmt.Errorf("%w: %s", ErrPluginNotFound, p.Name)
	}

	current.Active = active
	if err := m.registry.Save(ctx, current); err != nil {
		metrics.RecordOperation(operation, metrics.ResultError)
		return err
	}
	*p = *current

	if _, err := m.regenerate(ctx); err != nil {
		metrics.RecordOperation(operation, metrics.ResultError)
		return err
	}

	m.publish(events.LifecycleEvent{PluginID: p.ID, Name: p.Name, Event: event})
	metrics.RecordOperation(operation, metrics.ResultSuccess)
	m.logger.Info("Plugin "+operation+"d", "id", p.ID, "name", p.Name)
	return nil
}

// existing returns the registered plugin called name; callers hold its lock
func (m *Manager) existing(ctx context.Context, name string) (*Plugin, error) {
	p, err := m.registry.FindByName(ctx, name)
	if err != nil {
		metrics.RecordOperation("install", metrics.ResultError)
		return nil, err
	}
	if p != nil {
		metrics.RecordOperation("install", metrics.ResultNoop)
		m.logger.Info("Plugin already installed", "id", p.ID, "name", name)
	}
	return p, nil
}

// register persists a plugin whose files are already in place.
// When owned, the install directory is removed again if persisting fails.
func (m *Manager) register(ctx context.Context, manifest *Manifest, owned bool) (*Plugin, error) {
	p := &Plugin{
		Name:        manifest.Name,
		Namespaces:  manifest.Namespaces,
		Active:      true,
		Description: manifest.Description,
	}

	if err := m.registry.Save(ctx, p); err != nil {
		metrics.RecordOperation("install", metrics.ResultError)
		if errors.Is(err, ErrAlreadyInstalled) {
			// Registered concurrently by another process; its files are in use
			if existing, findErr := m.registry.FindByName(ctx, manifest.Name); findErr == nil && existing != nil {
				return existing, nil
			}
			return nil, err
		}
		if owned {
			if rmErr := os.RemoveAll(m.InstallDir(manifest.Name)); rmErr != nil {
				m.logger.Error("Failed to roll back plugin directory", "name", manifest.Name, "error", rmErr)
			}
		}
		return nil, err
	}

	m.publish(events.LifecycleEvent{PluginID: p.ID, Name: p.Name, Event: events.EventInstalled})

	if _, err := m.regenerate(ctx); err != nil {
		metrics.RecordOperation("install", metrics.ResultError)
		return p, err
	}

	metrics.RecordOperation("install", metrics.ResultSuccess)
	m.logger.Info("Plugin installed", "id", p.ID, "name", p.Name, "namespaces", len(p.Namespaces))
	return p, nil
}

// regenerate rewrites the autoloader from the active plugins in the registry
func (m *Manager) regenerate(ctx context.Context) ([]MappingEntry, error) {
	active, err := m.registry.FindActive(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := m.autoloader.Regenerate(ctx, active)
	if err != nil {
		return nil, err
	}

	if all, err := m.registry.FindAll(ctx); err == nil {
		metrics.SetPluginCounts(len(active), len(all)-len(active))
	}

	m.publish(events.LifecycleEvent{Event: events.EventRegenerated, Entries: len(entries)})
	return entries, nil
}

// commit moves a fully staged plugin into target, replacing a stale unregistered directory
func (m *Manager) commit(stage, target string) error {
	if _, err := os.Stat(target); err == nil {
		m.logger.Warn("Replacing unregistered plugin directory", "dir", target)
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("failed to clear %s: %w", target, err)
		}
	}
	if err := moveDir(stage, target); err != nil {
		return fmt.Errorf("failed to move plugin into place: %w", err)
	}
	return nil
}

// cleanup deletes the install directory of name and its vendor directory when empty
func (m *Manager) cleanup(name string) error {
	dir := m.InstallDir(name)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s must be a directory", ErrCleanupError, dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: %v", ErrCleanupError, err)
	}

	// Fails while other plugins of the vendor remain
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

func (m *Manager) newStagingDir(name string) (string, error) {
	root := filepath.Join(m.pluginsDir, stagingDirName)
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	dir, err := os.MkdirTemp(root, strings.ReplaceAll(name, "/", "-")+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

func (m *Manager) publish(ev events.LifecycleEvent) {
	if m.publisher == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := m.publisher.PublishLifecycle(ev); err != nil {
		m.logger.Warn("Failed to publish plugin event", "event", ev.Event, "name", ev.Name, "error", err)
	}
}

func isRemote(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
