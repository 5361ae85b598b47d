package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("Failed to read metrics: %v", err)
	}
	return string(body)
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/plugins/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plugins/abc", nil))

	body := scrape(t)
	want := `zource_http_requests_total{method="GET",route="/api/v1/plugins/{id}",status="404"}`
	if !strings.Contains(body, want) {
		t.Errorf("Expected %s in scrape output", want)
	}
	if strings.Contains(body, "/api/v1/plugins/abc") {
		t.Error("Raw path should not be used as a label")
	}
}

func TestRecordOperation(t *testing.T) {
	RecordOperation("install", ResultSuccess)
	RecordRegeneration(3)
	SetPluginCounts(2, 1)

	body := scrape(t)
	for _, want := range []string{
		`zource_plugin_operations_total{operation="install",result="success"}`,
		`zource_autoloader_entries 3`,
		`zource_plugins{state="inactive"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %s in scrape output", want)
		}
	}
}
