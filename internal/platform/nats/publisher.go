// Package nats mirrors normalized escrow events onto a JetStream
// stream so consumers outside this process can tail the feed without a
// dashboard connection.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/paygrid-labs/escrowstream/pkg/escrow"
)

// Config holds connection and stream settings.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration

	StreamName    string
	SubjectPrefix string
	MaxAge        time.Duration
}

// DefaultConfig returns settings for local development.
func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		Name:           "escrowstream",
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 10 * time.Second,
		StreamName:     "ESCROW_EVENTS",
		SubjectPrefix:  "escrow.events",
		MaxAge:         24 * time.Hour,
	}
}

// Publisher owns a NATS connection and the mirror stream.
type Publisher struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect establishes the connection and ensures the mirror stream
// exists. Idempotent with respect to the stream.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats-publisher")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Description: "Normalized escrow events mirrored from the live pipeline",
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}

	return &Publisher{cfg: cfg, nc: nc, js: js, logger: logger}, nil
}

// PublishEvent mirrors one event; the subject carries the kind for
// consumer-side filtering.
func (p *Publisher) PublishEvent(ctx context.Context, ev *escrow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.cfg.SubjectPrefix, ev.Kind)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains in-flight messages and shuts the connection down.
func (p *Publisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
