package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/zource/zource/internal/database"
	"github.com/zource/zource/internal/logging"
	"github.com/zource/zource/internal/plugin"
)

const widgetsManifest = `{"name":"acme/widgets","namespaces":{"Acme\\Widgets":"src"}}`

type apiEnv struct {
	router     http.Handler
	manager    *plugin.Manager
	pluginsDir string
	workDir    string
	logs       *logging.RingBuffer
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	root := t.TempDir()
	db, err := database.Open(&database.Config{Path: filepath.Join(root, "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	logger := testLogger()
	pluginsDir := filepath.Join(root, "plugins")
	tmpDir := filepath.Join(root, "tmp")

	manager := plugin.NewManager(plugin.ManagerConfig{
		PluginsDir: pluginsDir,
		Registry:   plugin.NewRepository(db, logger),
		Extractor:  plugin.NewArchiveExtractor(plugin.ArchiveLimits{MaxEntries: 100, MaxBytes: 1 << 20}, logger),
		Fetcher:    plugin.NewFetcher(plugin.FetcherConfig{TmpDir: tmpDir}, logger),
		Autoloader: plugin.NewAutoloaderGenerator(pluginsDir, "", logger),
		Logger:     logger,
	})
	if err := manager.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	logs := logging.NewRingBuffer(50)
	workDir := filepath.Join(root, "work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatalf("Failed to create work dir: %v", err)
	}

	router := NewRouter(RouterConfig{
		Plugins:   manager,
		Logs:      logs,
		UploadDir: tmpDir,
		HealthChecks: map[string]HealthCheck{
			"database": db.Health,
		},
		Logger: logger,
	})

	return &apiEnv{router: router, manager: manager, pluginsDir: pluginsDir, workDir: workDir, logs: logs}
}

func (e *apiEnv) do(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodePlugin(t *testing.T, w *httptest.ResponseRecorder) plugin.Plugin {
	t.Helper()
	var resp struct {
		Success bool          `json:"success"`
		Data    plugin.Plugin `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return resp.Data
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Error == nil {
		t.Fatalf("Expected error body, got %s", w.Body.String())
	}
	return resp.Error.Code
}

func writeWidgetsDir(t *testing.T, dir string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(widgetsManifest), 0644); err != nil {
		t.Fatalf("Failed to write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "Widget.php"), []byte("<?php\n"), 0644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	return dir
}

func widgetsZip(t *testing.T, manifest string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := [][2]string{{"src/Widget.php", "<?php\n"}}
	if manifest != "" {
		files = append([][2]string{{plugin.ManifestFile, manifest}}, files...)
	}
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

func multipartArchive(t *testing.T, field string, data []byte) ([]byte, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "widgets.zip")
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("Failed to write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Failed to close multipart writer: %v", err)
	}
	return body.Bytes(), mw.FormDataContentType()
}

func autoloaderEntries(t *testing.T, env *apiEnv) []plugin.MappingEntry {
	t.Helper()
	w := env.do(t, http.MethodGet, "/api/v1/plugins/autoloader", nil, "")
	var mapping struct {
		Data []plugin.MappingEntry `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&mapping); err != nil {
		t.Fatalf("Failed to decode mapping: %v", err)
	}
	return mapping.Data
}

func TestPluginAPI_InstallLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	src := writeWidgetsDir(t, filepath.Join(env.workDir, "widgets"))

	body, _ := json.Marshal(InstallRequest{Source: src})
	w := env.do(t, http.MethodPost, "/api/v1/plugins/install", body, "application/json")
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	p := decodePlugin(t, w)
	if p.Name != "acme/widgets" || !p.Active {
		t.Fatalf("Expected an active acme/widgets, got %+v", p)
	}

	w = env.do(t, http.MethodGet, "/api/v1/plugins/by-name/acme/widgets", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/plugins/"+p.ID+"/deactivate", nil, "")
	if w.Code != http.StatusOK || decodePlugin(t, w).Active {
		t.Errorf("Deactivate: expected inactive plugin, got %d", w.Code)
	}
	if entries := autoloaderEntries(t, env); len(entries) != 0 {
		t.Errorf("Expected empty mapping after deactivation, got %+v", entries)
	}

	w = env.do(t, http.MethodPost, "/api/v1/plugins/"+p.ID+"/activate", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Activate: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !decodePlugin(t, w).Active {
		t.Error("Expected plugin to be active after activation")
	}

	entries := autoloaderEntries(t, env)
	if len(entries) != 1 || entries[0].Namespace != `Acme\Widgets` || entries[0].Plugin != "acme/widgets" {
		t.Errorf("Unexpected mapping %+v", entries)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/plugins/"+p.ID, nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("Uninstall: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(filepath.Join(env.pluginsDir, "acme", "widgets")); !os.IsNotExist(err) {
		t.Error("Expected plugin directory to be removed")
	}

	w = env.do(t, http.MethodGet, "/api/v1/plugins/"+p.ID, nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after uninstall, got %d", w.Code)
	}
}

func TestPluginAPI_List(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/plugins/", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Data []plugin.Plugin `json:"data"`
		Meta Meta            `json:"meta"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Data == nil || len(resp.Data) != 0 || resp.Meta.Total != 0 {
		t.Errorf("Expected empty list, got %+v", resp)
	}

	if _, err := env.manager.InstallFromDirectory(context.Background(), writeWidgetsDir(t, filepath.Join(env.workDir, "w"))); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	w = env.do(t, http.MethodGet, "/api/v1/plugins/", nil, "")
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Meta.Total != 1 || resp.Data[0].Name != "acme/widgets" {
		t.Errorf("Expected one plugin, got %+v", resp)
	}
}

func TestPluginAPI_Upload(t *testing.T) {
	env := newAPIEnv(t)

	body, contentType := multipartArchive(t, "archive", widgetsZip(t, widgetsManifest))
	w := env.do(t, http.MethodPost, "/api/v1/plugins/upload", body, contentType)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if decodePlugin(t, w).Name != "acme/widgets" {
		t.Error("Expected acme/widgets to be installed")
	}
	if _, err := os.Stat(filepath.Join(env.pluginsDir, "acme", "widgets", "src", "Widget.php")); err != nil {
		t.Errorf("Expected extracted source file: %v", err)
	}
}

func TestPluginAPI_UploadErrors(t *testing.T) {
	env := newAPIEnv(t)

	t.Run("missing manifest", func(t *testing.T) {
		body, contentType := multipartArchive(t, "archive", widgetsZip(t, ""))
		w := env.do(t, http.MethodPost, "/api/v1/plugins/upload", body, contentType)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("Expected 422, got %d", w.Code)
		}
		if code := errorCode(t, w); code != "MISSING_MANIFEST" {
			t.Errorf("Expected MISSING_MANIFEST, got %s", code)
		}
	})

	t.Run("corrupt archive", func(t *testing.T) {
		body, contentType := multipartArchive(t, "archive", []byte("not a zip"))
		w := env.do(t, http.MethodPost, "/api/v1/plugins/upload", body, contentType)
		if code := errorCode(t, w); code != "CORRUPT_ARCHIVE" {
			t.Errorf("Expected CORRUPT_ARCHIVE, got %s", code)
		}
	})

	t.Run("missing field", func(t *testing.T) {
		body, contentType := multipartArchive(t, "archive", widgetsZip(t, `{"namespaces":{"A\\B":"src"}}`))
		w := env.do(t, http.MethodPost, "/api/v1/plugins/upload", body, contentType)
		if code := errorCode(t, w); code != "MISSING_FIELD" {
			t.Errorf("Expected MISSING_FIELD, got %s", code)
		}
	})

	t.Run("wrong form field", func(t *testing.T) {
		body, contentType := multipartArchive(t, "file", widgetsZip(t, widgetsManifest))
		w := env.do(t, http.MethodPost, "/api/v1/plugins/upload", body, contentType)
		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", w.Code)
		}
	})

	entries, err := os.ReadDir(env.pluginsDir)
	if err != nil {
		t.Fatalf("Failed to read plugins dir: %v", err)
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() != ".staging" {
			t.Errorf("Rejected uploads must not leave %s behind", e.Name())
		}
	}
}

func TestPluginAPI_UploadTooLarge(t *testing.T) {
	env := newAPIEnv(t)
	handler := NewPluginHandler(env.manager, t.TempDir(), 64, testLogger())

	body, contentType := multipartArchive(t, "archive", widgetsZip(t, widgetsManifest))
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	handler.Upload(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", w.Code)
	}
}

func TestPluginAPI_InstallValidation(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"empty source", `{"source":""}`, http.StatusBadRequest},
		{"bad scheme", `{"source":"ftp://example.com/a.zip"}`, http.StatusBadRequest},
		{"missing path", `{"source":"/definitely/not/here"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/plugins/install", []byte(tt.body), "application/json")
			if w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
		})
	}
}

func TestPluginAPI_InstallLocalFileKept(t *testing.T) {
	env := newAPIEnv(t)

	notes := filepath.Join(env.workDir, "important.txt")
	if err := os.WriteFile(notes, []byte("keep me"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	body, _ := json.Marshal(InstallRequest{Source: notes})
	w := env.do(t, http.MethodPost, "/api/v1/plugins/install", body, "application/json")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "CORRUPT_ARCHIVE" {
		t.Errorf("Expected CORRUPT_ARCHIVE, got %s", code)
	}
	if data, err := os.ReadFile(notes); err != nil || string(data) != "keep me" {
		t.Errorf("Source file must be left intact, got %q, %v", data, err)
	}
}

func TestPluginAPI_InstallFromURL(t *testing.T) {
	env := newAPIEnv(t)
	archive := widgetsZip(t, widgetsManifest)

	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/widgets.zip" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(archive)
	}))
	defer remote.Close()

	body, _ := json.Marshal(InstallRequest{Source: remote.URL + "/widgets.zip"})
	w := env.do(t, http.MethodPost, "/api/v1/plugins/install", body, "application/json")
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	body, _ = json.Marshal(InstallRequest{Source: remote.URL + "/missing.zip"})
	w = env.do(t, http.MethodPost, "/api/v1/plugins/install", body, "application/json")
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 for failed download, got %d", w.Code)
	}
}

func TestPluginAPI_NotFound(t *testing.T) {
	env := newAPIEnv(t)

	for _, path := range []string{
		"/api/v1/plugins/unknown-id",
		"/api/v1/plugins/by-name/acme/none",
	} {
		w := env.do(t, http.MethodGet, path, nil, "")
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}

	w := env.do(t, http.MethodPost, "/api/v1/plugins/unknown-id/activate", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Activate unknown: expected 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/plugins/by-name/Acme/none", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Invalid name: expected 400, got %d", w.Code)
	}
}

func TestPluginAPI_CatalogEmpty(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/plugins/catalog", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/plugins/catalog/acme/widgets/install", nil, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown catalog entry, got %d", w.Code)
	}
}

func TestRouter_Health(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"database":"ok"`) {
		t.Errorf("Expected database component, got %s", w.Body.String())
	}

	degraded := NewRouter(RouterConfig{
		Plugins: env.manager,
		HealthChecks: map[string]HealthCheck{
			"events": func(context.Context) error { return errors.New("NATS connection not active") },
		},
		Logger: testLogger(),
	})
	w = httptest.NewRecorder()
	degraded.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	env := newAPIEnv(t)
	env.do(t, http.MethodGet, "/api/v1/plugins/", nil, "")

	w := env.do(t, http.MethodGet, "/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "zource_http_requests_total") {
		t.Error("Expected HTTP request counter in metrics output")
	}
}

func TestLogAPI_Filters(t *testing.T) {
	env := newAPIEnv(t)
	env.logs.Add(logging.Entry{Level: "INFO", Message: "one", Component: "plugin-manager"})
	env.logs.Add(logging.Entry{Level: "WARN", Message: "two", Component: "fetcher"})
	env.logs.Add(logging.Entry{Level: "INFO", Message: "three", Component: "fetcher"})

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"one", "two", "three"}},
		{"?level=info", []string{"one", "three"}},
		{"?component=fetcher", []string{"two", "three"}},
		{"?limit=1", []string{"three"}},
	}

	for _, tt := range tests {
		w := env.do(t, http.MethodGet, "/api/v1/logs"+tt.query, nil, "")
		var resp struct {
			Data []logging.Entry `json:"data"`
		}
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		var got []string
		for _, e := range resp.Data {
			got = append(got, e.Message)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("%q: expected %v, got %v", tt.query, tt.want, got)
		}
	}

	w := env.do(t, http.MethodGet, "/api/v1/logs?limit=0", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for limit=0, got %d", w.Code)
	}
}
