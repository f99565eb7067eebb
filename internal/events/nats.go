package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/observability"
)

// NATSConfig configures the NATS publisher.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	MaxReconnects  int           `yaml:"max_reconnects"`
}

// NATSPublisher publishes events as JSON messages with routing headers.
type NATSPublisher struct {
	conn    *nats.Conn
	config  NATSConfig
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewNATSPublisher connects to NATS. The client reconnects on its own after
// the initial connection succeeds.
func NewNATSPublisher(cfg NATSConfig, logger *zap.Logger, metrics *observability.Metrics) (*NATSPublisher, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.Name == "" {
		cfg.Name = "threatlens"
	}
	logger = logger.With(zap.String("component", "events"))

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info("NATS publisher initialized", zap.String("url", cfg.URL))
	return &NATSPublisher{conn: conn, config: cfg, logger: logger, metrics: metrics}, nil
}

// Publish sends e on its subject.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(e.Subject)
	msg.Data = data
	msg.Header.Set("x-event-id", e.ID)
	msg.Header.Set("x-event-source", e.Source)
	if e.Indicator != nil {
		msg.Header.Set("x-indicator-type", string(e.Indicator.Type))
		msg.Header.Set("x-severity", string(e.Indicator.Severity))
	}
	if e.Alert != nil {
		msg.Header.Set("x-severity", string(e.Alert.Severity))
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		err = fmt.Errorf("publish timeout: %w", ctx.Err())
	default:
		err = p.conn.PublishMsg(msg)
	}
	p.metrics.EventPublished(e.Subject, err)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// IsReady reports whether the connection is up.
func (p *NATSPublisher) IsReady() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
