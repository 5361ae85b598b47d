// Package events provides the embedded NATS bus that announces plugin lifecycle changes
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Bus provides pub/sub messaging over an embedded NATS server
type Bus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   []*nats.Subscription
	subsMu sync.Mutex
}

// Config configures the event bus
type Config struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server; 0 picks a free port
	Port int
}

// NewBus starts an embedded NATS server and connects to it
func NewBus(cfg Config, logger *slog.Logger) (*Bus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	port := cfg.Port
	if port == 0 {
		port = server.RANDOM_PORT
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", port)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("zource"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	bus := &Bus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
	}

	bus.logger.Info("Event bus started", "url", ns.ClientURL())
	return bus, nil
}

// ClientURL returns the NATS client URL
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Publish marshals data as JSON and publishes it to subject
func (b *Bus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return b.conn.Publish(subject, payload)
}

// PublishLifecycle publishes a plugin lifecycle event on its subject
func (b *Bus) PublishLifecycle(ev LifecycleEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return b.Publish(ev.Subject(), ev)
}

// Subscribe registers handler for subject (wildcards allowed)
func (b *Bus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()

	return sub, nil
}

// SubscribeLifecycle delivers every decoded lifecycle event to handler
func (b *Bus) SubscribeLifecycle(handler func(LifecycleEvent)) (*nats.Subscription, error) {
	return b.Subscribe(SubjectAll, func(msg *nats.Msg) {
		var ev LifecycleEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Error("Failed to unmarshal event", "subject", msg.Subject, "error", err)
			return
		}
		handler(ev)
	})
}

// Flush waits until published messages have been processed by the server
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// HealthCheck verifies the client connection is alive
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}
	return b.conn.FlushWithContext(ctx)
}

// Stop drains subscriptions and shuts the server down
func (b *Bus) Stop() {
	b.subsMu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.subsMu.Unlock()

	_ = b.conn.Drain()
	b.server.Shutdown()

	b.logger.Info("Event bus stopped")
}
