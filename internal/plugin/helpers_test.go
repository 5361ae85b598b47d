package plugin

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/zource/zource/internal/database"
	"github.com/zource/zource/internal/events"
)

const acmeManifest = `{"name":"acme/widgets","namespaces":{"Acme\\Widgets":"src"},"description":"Widgets for Zource"}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	return NewRepository(db, testLogger())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.LifecycleEvent
}

func (p *recordingPublisher) PublishLifecycle(ev events.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.EventType
	for _, ev := range p.events {
		if ev.Event != events.EventRegenerated {
			out = append(out, ev.Event)
		}
	}
	return out
}

type testEnv struct {
	manager    *Manager
	repo       *Repository
	publisher  *recordingPublisher
	pluginsDir string
	tmpDir     string
	workDir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	env := &testEnv{
		repo:       newTestRepository(t),
		publisher:  &recordingPublisher{},
		pluginsDir: filepath.Join(root, "data", "plugins"),
		tmpDir:     filepath.Join(root, "data", "tmp"),
		workDir:    filepath.Join(root, "work"),
	}
	if err := os.MkdirAll(env.workDir, 0755); err != nil {
		t.Fatalf("Failed to create work dir: %v", err)
	}

	logger := testLogger()
	env.manager = NewManager(ManagerConfig{
		PluginsDir: env.pluginsDir,
		Registry:   env.repo,
		Extractor:  NewArchiveExtractor(ArchiveLimits{MaxEntries: 100, MaxBytes: 1 << 20}, logger),
		Fetcher:    NewFetcher(FetcherConfig{TmpDir: env.tmpDir}, logger),
		Autoloader: NewAutoloaderGenerator(env.pluginsDir, "", logger),
		Publisher:  env.publisher,
		Logger:     logger,
	})
	if err := env.manager.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	return env
}

// writePluginDir creates a plugin source tree with the given manifest
func writePluginDir(t *testing.T, dir, manifest string) string {
	t.Helper()
	files := map[string]string{
		"src/Widget.php": "<?php\nclass Widget {}\n",
	}
	if manifest != "" {
		files[ManifestFile] = manifest
	}
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	return dir
}

// buildZip returns a zip archive holding files in the given order
func buildZip(t *testing.T, files [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f[0])
		if err != nil {
			t.Fatalf("Failed to add %s: %v", f[0], err)
		}
		if _, err := w.Write([]byte(f[1])); err != nil {
			t.Fatalf("Failed to write %s: %v", f[0], err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func writeZip(t *testing.T, path string, files [][2]string) string {
	t.Helper()
	if err := os.WriteFile(path, buildZip(t, files), 0644); err != nil {
		t.Fatalf("Failed to write archive: %v", err)
	}
	return path
}

func acmeArchiveFiles() [][2]string {
	return [][2]string{
		{ManifestFile, acmeManifest},
		{"src/", ""},
		{"src/Widget.php", "<?php\nclass Widget {}\n"},
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
