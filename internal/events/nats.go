// Package events publishes run lifecycle and repair decision events to NATS
// JetStream so external systems (dashboards, alerting) can follow runs
// without polling the ops API.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/metabuilder/internal/config"
	"git.home.luguber.info/inful/metabuilder/internal/logfields"
	"git.home.luguber.info/inful/metabuilder/internal/orchestrator"
)

// NATSPublisher publishes run events to a JetStream stream.
type NATSPublisher struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
	stream string
}

// NewNATSPublisher connects to NATS and ensures the event stream exists.
func NewNATSPublisher(cfg *config.EventsConfig) (*NATSPublisher, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("event publishing is disabled")
	}

	conn, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &NATSPublisher{
		conn:   conn,
		js:     js,
		prefix: cfg.SubjectPrefix,
		stream: cfg.Stream,
	}
	if err := p.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("NATS event publisher initialized",
		slog.String("url", cfg.NATSURL),
		slog.String("stream", cfg.Stream),
		slog.String("subject_prefix", cfg.SubjectPrefix))
	return p, nil
}

func (p *NATSPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        p.stream,
		Description: "Metabuilder run lifecycle and repair events",
		Subjects:    []string{p.prefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("ensure event stream: %w", err)
	}
	return nil
}

// PublishRunEvent publishes one event on <prefix>.<type>.
func (p *NATSPublisher) PublishRunEvent(ctx context.Context, event orchestrator.RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, event.Type)
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := p.js.Publish(pubCtx, subject, data); err != nil {
		return fmt.Errorf("publish run event: %w", err)
	}

	slog.Debug("Run event published",
		logfields.RunID(event.RunID),
		slog.String("subject", subject))
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
