package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/narivals/rivals-ledger/internal/model"
)

// NATSConfig holds the connection settings for the event publisher.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Subject        string        `mapstructure:"subject"`
	ConnectionName string        `mapstructure:"connection_name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
}

// natsConn is the subset of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes ledger events to <subject>.<event type>.
type NATSPublisher struct {
	nc      natsConn
	subject string
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name(cfg.ConnectionName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("disconnected from NATS", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSPublisher(nc, cfg.Subject), nil
}

func newNATSPublisher(nc natsConn, subject string) *NATSPublisher {
	if subject == "" {
		subject = "rivals.ledger"
	}
	return &NATSPublisher{nc: nc, subject: subject}
}

// Notify publishes e. Failures are logged; the ledger has already committed.
func (p *NATSPublisher) Notify(_ context.Context, e model.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal event", "type", e.Type, "err", err)
		return
	}
	if err := p.nc.Publish(p.Subject(e.Type), data); err != nil {
		slog.Error("failed to publish event", "type", e.Type, "err", err)
	}
}

// Subject returns the subject used for an event type.
func (p *NATSPublisher) Subject(t model.EventType) string {
	return p.subject + "." + string(t)
}

// Close closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	p.nc.Close()
}
