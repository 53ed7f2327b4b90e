// Package publish republishes pipeline events over NATS for external
// consumers (the WebSocket fan-out server, alerting, analytics). Messages
// are JSON-encoded bus payloads on subjects under the configured prefix:
//
//	<prefix>.trade.bc            TradeUpdate
//	<prefix>.trade.amm           TradeUpdate
//	<prefix>.token.discovered    TokenDiscovered
//	<prefix>.token.threshold     ThresholdCrossed
//	<prefix>.token.graduated     Graduated
//	<prefix>.price.sol           PriceUpdate
//
// Publishing is fire-and-forget: a failed publish is counted and logged,
// never propagated back into the ingestion path.
package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/bus"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
)

// Conn is the NATS surface the publisher uses; satisfied by *nats.Conn.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher bridges bus topics onto NATS subjects.
type Publisher struct {
	cfg     config.PublishConfig
	conn    Conn
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Connect dials NATS with the configured reconnect policy and returns a
// publisher over the connection.
func Connect(cfg config.PublishConfig, m *metrics.Metrics, logger *slog.Logger) (*Publisher, error) {
	log := logger.With("component", "publisher")

	conn, err := nats.Connect(cfg.NatsURL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.NatsURL, err)
	}

	return NewPublisher(cfg, conn, m, log), nil
}

// NewPublisher wraps an existing connection; used directly by tests.
func NewPublisher(cfg config.PublishConfig, conn Conn, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "pump"
	}
	return &Publisher{cfg: cfg, conn: conn, metrics: m, logger: logger}
}

// Register subscribes the publisher to every outbound topic.
func (p *Publisher) Register(b *bus.Bus) {
	prefix := p.cfg.SubjectPrefix

	subscribeJSON(b.BCTrade, p.publishFn(prefix+".trade.bc"))
	subscribeJSON(b.AMMTrade, p.publishFn(prefix+".trade.amm"))
	subscribeJSON(b.TokenDiscovered, p.publishFn(prefix+".token.discovered"))
	subscribeJSON(b.TokenThresholdCrossed, p.publishFn(prefix+".token.threshold"))
	subscribeJSON(b.TokenGraduated, p.publishFn(prefix+".token.graduated"))
	subscribeJSON(b.PriceUpdated, p.publishFn(prefix+".price.sol"))
}

// subscribeJSON wires one typed topic to an encoded-payload consumer.
func subscribeJSON[T any](topic *bus.Topic[T], fn func([]byte, error)) {
	topic.Subscribe(func(v T) {
		data, err := json.Marshal(v)
		fn(data, err)
	})
}

func (p *Publisher) publishFn(subject string) func([]byte, error) {
	return func(data []byte, err error) {
		if err != nil {
			p.metrics.PublishErrors.Inc()
			p.logger.Warn("encode for publish failed", "subject", subject, "error", err)
			return
		}
		if err := p.conn.Publish(subject, data); err != nil {
			p.metrics.PublishErrors.Inc()
			p.logger.Warn("publish failed", "subject", subject, "error", err)
		}
	}
}

// Close drains the connection so queued publishes flush before shutdown.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", "error", err)
	}
}
