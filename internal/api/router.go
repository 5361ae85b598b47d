package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zource/zource/internal/logging"
	"github.com/zource/zource/internal/metrics"
)

// Version is reported by the health endpoint
var Version = "dev"

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Plugins        PluginService
	Hub            *Hub
	Logs           *logging.RingBuffer
	UploadDir      string
	MaxUploadBytes int64
	AllowedOrigins []string
	RequestTimeout time.Duration
	HealthChecks   map[string]HealthCheck
	Logger         *slog.Logger
}

// NewRouter creates the HTTP router with all routes
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", handleHealth(cfg.HealthChecks))
	r.Handle("/metrics", metrics.Handler())

	// WebSocket stays outside the request timeout
	if cfg.Hub != nil {
		r.Get("/api/v1/events/ws", cfg.Hub.HandleWebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		r.Route("/api/v1", func(r chi.Router) {
			plugins := NewPluginHandler(cfg.Plugins, cfg.UploadDir, cfg.MaxUploadBytes, cfg.Logger)
			r.Mount("/plugins", plugins.Routes())

			if cfg.Logs != nil {
				r.Get("/logs", NewLogHandler(cfg.Logs).ListLogs)
			}
		})
	})

	return r
}

func handleHealth(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		components := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				status = "degraded"
				components[name] = err.Error()
				continue
			}
			components[name] = "ok"
		}

		code := http.StatusOK
		if status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		JSON(w, code, map[string]interface{}{
			"status":     status,
			"version":    Version,
			"components": components,
		})
	}
}
