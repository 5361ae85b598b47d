package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/zource/zource/internal/logging"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// LogHandler serves recently captured log entries
type LogHandler struct {
	buffer *logging.RingBuffer
}

// NewLogHandler creates a log handler reading from buffer
func NewLogHandler(buffer *logging.RingBuffer) *LogHandler {
	return &LogHandler{buffer: buffer}
}

// ListLogs returns recent entries filtered by level and component
func (h *LogHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxLogLimit {
			BadRequest(w, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	level := strings.ToUpper(r.URL.Query().Get("level"))
	component := r.URL.Query().Get("component")

	// Filter over the whole buffer, then keep the newest matches
	all := h.buffer.Recent(0)
	entries := make([]logging.Entry, 0, limit)
	for _, e := range all {
		if level != "" && e.Level != level {
			continue
		}
		if component != "" && e.Component != component {
			continue
		}
		entries = append(entries, e)
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	List(w, entries, len(entries))
}
