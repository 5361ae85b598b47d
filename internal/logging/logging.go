// Package logging sets up structured logging and keeps recent entries for the admin log view
package logging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Entry is a captured log record
type Entry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// RingBuffer stores the most recent log entries and fans them out to subscribers
type RingBuffer struct {
	entries []Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex

	subscribers map[chan Entry]struct{}
	subMu       sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding up to size entries
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		entries:     make([]Entry, size),
		size:        size,
		subscribers: make(map[chan Entry]struct{}),
	}
}

// Add appends an entry, overwriting the oldest one when full
func (rb *RingBuffer) Add(entry Entry) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()

	rb.subMu.RLock()
	for ch := range rb.subscribers {
		select {
		case ch <- entry:
		default:
			// slow subscriber
		}
	}
	rb.subMu.RUnlock()
}

// Recent returns up to n of the newest entries, oldest first
func (rb *RingBuffer) Recent(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}

	result := make([]Entry, n)
	start := (rb.head - n + rb.size) % rb.size
	for i := 0; i < n; i++ {
		result[i] = rb.entries[(start+i)%rb.size]
	}
	return result
}

// Subscribe returns a channel receiving every new entry
func (rb *RingBuffer) Subscribe() chan Entry {
	ch := make(chan Entry, 100)
	rb.subMu.Lock()
	rb.subscribers[ch] = struct{}{}
	rb.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (rb *RingBuffer) Unsubscribe(ch chan Entry) {
	rb.subMu.Lock()
	if _, ok := rb.subscribers[ch]; ok {
		delete(rb.subscribers, ch)
		close(ch)
	}
	rb.subMu.Unlock()
}

// BufferHandler is a slog handler that captures records into a RingBuffer
// and forwards them to a wrapped handler.
type BufferHandler struct {
	buffer *RingBuffer
	next   slog.Handler
	level  slog.Leveler
	attrs  []slog.Attr
}

// NewBufferHandler wraps next, capturing every record at or above level
func NewBufferHandler(buffer *RingBuffer, next slog.Handler, level slog.Leveler) *BufferHandler {
	return &BufferHandler{
		buffer: buffer,
		next:   next,
		level:  level,
	}
}

// Enabled implements slog.Handler
func (h *BufferHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	var component string

	collect := func(a slog.Attr) {
		if a.Key == "component" {
			component = a.Value.String()
			return
		}
		attrs[a.Key] = a.Value.Any()
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	h.buffer.Add(Entry{
		Time:      r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: component,
		Attrs:     attrs,
	})

	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &BufferHandler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		level:  h.level,
		attrs:  merged,
	}
}

// WithGroup implements slog.Handler
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	return &BufferHandler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		level:  h.level,
		attrs:  h.attrs,
	}
}

// New builds the process logger: JSON (or text) output to w, records captured in buffer.
// Changing level later adjusts verbosity without rebuilding the logger.
func New(w io.Writer, format string, level *slog.LevelVar, buffer *RingBuffer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var next slog.Handler
	if format == "text" {
		next = slog.NewTextHandler(w, opts)
	} else {
		next = slog.NewJSONHandler(w, opts)
	}

	return slog.New(NewBufferHandler(buffer, next, level))
}
