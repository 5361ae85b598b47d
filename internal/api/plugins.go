package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/zource/zource/internal/plugin"
)

const defaultMaxUploadBytes = 64 << 20

// PluginService defines the plugin operations exposed over HTTP
type PluginService interface {
	InstallFromExternal(ctx context.Context, source string) (*plugin.Plugin, error)
	InstallFromFile(ctx context.Context, archivePath string) (*plugin.Plugin, error)
	InstallFromCatalog(ctx context.Context, name string) (*plugin.Plugin, error)
	Activate(ctx context.Context, p *plugin.Plugin) error
	Deactivate(ctx context.Context, p *plugin.Plugin) error
	Uninstall(ctx context.Context, p *plugin.Plugin) error
	GetPlugin(ctx context.Context, id string) (*plugin.Plugin, error)
	GetPluginByName(ctx context.Context, name string) (*plugin.Plugin, error)
	GetPlugins(ctx context.Context) ([]*plugin.Plugin, error)
	Mapping() ([]plugin.MappingEntry, error)
	Catalog(ctx context.Context) ([]plugin.CatalogStatus, error)
}

// PluginHandler handles plugin API endpoints
type PluginHandler struct {
	service        PluginService
	uploadDir      string
	maxUploadBytes int64
	logger         *slog.Logger
}

// NewPluginHandler creates a plugin handler. Uploaded archives are spooled in uploadDir.
func NewPluginHandler(service PluginService, uploadDir string, maxUploadBytes int64, logger *slog.Logger) *PluginHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &PluginHandler{
		service:        service,
		uploadDir:      uploadDir,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With("component", "plugin-api"),
	}
}

// Routes returns the plugin routes
func (h *PluginHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListPlugins)
	r.Post("/install", h.Install)
	r.Post("/upload", h.Upload)
	r.Get("/autoloader", h.GetAutoloader)

	// Catalog
	r.Get("/catalog", h.GetCatalog)
	r.Post("/catalog/{vendor}/{name}/install", h.InstallFromCatalog)

	r.Get("/by-name/{vendor}/{name}", h.GetPluginByName)

	r.Get("/{id}", h.GetPlugin)
	r.Post("/{id}/activate", h.Activate)
	r.Post("/{id}/deactivate", h.Deactivate)
	r.Delete("/{id}", h.Uninstall)

	return r
}

// ListPlugins lists every installed plugin
func (h *PluginHandler) ListPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := h.service.GetPlugins(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if plugins == nil {
		plugins = []*plugin.Plugin{}
	}
	List(w, plugins, len(plugins))
}

// GetPlugin returns a plugin by ID
func (h *PluginHandler) GetPlugin(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPlugin(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, p)
}

// GetPluginByName returns a plugin by its <vendor>/<name>
func (h *PluginHandler) GetPluginByName(w http.ResponseWriter, r *http.Request) {
	vendor, name := chi.URLParam(r, "vendor"), chi.URLParam(r, "name")
	if errs := validatePluginName(vendor, name); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	p, err := h.service.GetPluginByName(r.Context(), vendor+"/"+name)
	if err != nil {
		WriteError(w, err)
		return
	}
	OK(w, p)
}

// Install installs a plugin from a directory, archive path or URL
func (h *PluginHandler) Install(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid JSON body")
		return
	}
	if errs := req.Validate(); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	p, err := h.service.InstallFromExternal(r.Context(), req.Source)
	if err != nil {
		h.logger.Warn("Install failed", "source", req.Source, "error", err)
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, p)
}

// Upload installs a plugin from a multipart "archive" upload
func (h *PluginHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadBytes {
		Error(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "Archive exceeds the upload limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	file, header, err := r.FormFile("archive")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", "Archive exceeds the upload limit")
			return
		}
		BadRequest(w, "Missing archive file")
		return
	}
	defer func() { _ = file.Close() }()

	if err := os.MkdirAll(h.uploadDir, 0755); err != nil {
		InternalError(w, "Failed to prepare upload directory")
		return
	}
	tmp, err := os.CreateTemp(h.uploadDir, "upload-*.zip")
	if err != nil {
		InternalError(w, "Failed to store upload")
		return
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, copyErr := io.Copy(tmp, file)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		BadRequest(w, "Failed to read uploaded archive")
		return
	}

	p, err := h.service.InstallFromFile(r.Context(), tmp.Name())
	if err != nil {
		h.logger.Warn("Upload install failed", "filename", header.Filename, "error", err)
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, p)
}

// Activate activates a plugin
func (h *PluginHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.service.Activate)
}

// Deactivate deactivates a plugin
func (h *PluginHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.service.Deactivate)
}

func (h *PluginHandler) toggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, *plugin.Plugin) error) {
	ctx := r.Context()
	p, err := h.service.GetPlugin(ctx, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := fn(ctx, p); err != nil {
		WriteError(w, err)
		return
	}
	OK(w, p)
}

// Uninstall removes a plugin and its files
func (h *PluginHandler) Uninstall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := h.service.GetPlugin(ctx, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.service.Uninstall(ctx, p); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

// GetAutoloader returns the namespace mapping currently on disk
func (h *PluginHandler) GetAutoloader(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.Mapping()
	if err != nil {
		WriteError(w, err)
		return
	}
	List(w, entries, len(entries))
}

// GetCatalog returns catalog entries with installation state
func (h *PluginHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.service.Catalog(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	List(w, statuses, len(statuses))
}

// InstallFromCatalog installs a catalog entry by name
func (h *PluginHandler) InstallFromCatalog(w http.ResponseWriter, r *http.Request) {
	vendor, name := chi.URLParam(r, "vendor"), chi.URLParam(r, "name")
	if errs := validatePluginName(vendor, name); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	p, err := h.service.InstallFromCatalog(r.Context(), vendor+"/"+name)
	if err != nil {
		h.logger.Warn("Catalog install failed", "name", vendor+"/"+name, "error", err)
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusCreated, p)
}
