// solprice.go maintains the SOL/USD reference price used by every market-cap
// calculation.
//
// Two sources run concurrently:
//
//   - WebSocket ticker stream (primary): pushes price updates as they happen,
//     auto-reconnects with exponential backoff (1s → 30s max).
//
//   - REST poll (fallback): fetches the ticker price every update interval so
//     a dead stream degrades to 5s-stale prices instead of frozen ones.
//
// Every accepted update is published on the price.updated topic and recorded
// in the metrics gauge. Reads are lock-free (atomic bits).
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/bus"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

const (
	wsReadTimeout    = 90 * time.Second
	maxReconnectWait = 30 * time.Second
)

// SolPrice tracks the current SOL/USD price from a ticker stream with a
// REST poll fallback.
type SolPrice struct {
	cfg     config.SolPriceConfig
	bus     *bus.Bus
	metrics *metrics.Metrics
	http    *resty.Client
	logger  *slog.Logger

	bits atomic.Uint64 // float64 bits of the last accepted price
}

// NewSolPrice creates the reference-price service. InitialPrice (if set)
// seeds the price so market caps are sane before the first update arrives.
func NewSolPrice(cfg config.SolPriceConfig, b *bus.Bus, m *metrics.Metrics, logger *slog.Logger) *SolPrice {
	httpClient := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	s := &SolPrice{
		cfg:     cfg,
		bus:     b,
		metrics: m,
		http:    httpClient,
		logger:  logger.With("component", "sol_price"),
	}
	if cfg.InitialPrice > 0 {
		s.bits.Store(math.Float64bits(cfg.InitialPrice))
	}
	return s
}

// Get returns the last accepted SOL/USD price (0 before the first update).
func (s *SolPrice) Get() float64 {
	return math.Float64frombits(s.bits.Load())
}

// Run starts the stream and poll loops. Blocks until ctx is cancelled.
func (s *SolPrice) Run(ctx context.Context) {
	if s.cfg.WSURL != "" {
		go s.streamLoop(ctx)
	}
	if s.cfg.RestURL == "" {
		<-ctx.Done()
		return
	}

	interval := s.cfg.UpdateInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// tickerMessage covers both the stream and REST ticker payload shapes:
// {"price":"180.00"} and {"c":"180.00"} (close price).
type tickerMessage struct {
	Price string `json:"price"`
	Close string `json:"c"`
}

func (m tickerMessage) value() (float64, error) {
	raw := m.Price
	if raw == "" {
		raw = m.Close
	}
	if raw == "" {
		return 0, fmt.Errorf("ticker message carries no price field")
	}
	var v float64
	if _, err := fmt.Sscanf(raw, "%g", &v); err != nil {
		return 0, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return v, nil
}

func (s *SolPrice) poll(ctx context.Context) {
	var msg tickerMessage
	resp, err := s.http.R().
		SetContext(ctx).
		SetResult(&msg).
		Get(s.cfg.RestURL)
	if err != nil {
		s.logger.Warn("price poll failed", "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		s.logger.Warn("price poll failed", "status", resp.StatusCode())
		return
	}

	price, err := msg.value()
	if err != nil {
		s.logger.Warn("price poll returned unusable payload", "error", err)
		return
	}
	s.accept(price)
}

func (s *SolPrice) streamLoop(ctx context.Context) {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("price stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *SolPrice) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.logger.Info("price stream connected", "url", s.cfg.WSURL)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var msg tickerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring non-json ticker message")
			continue
		}
		price, err := msg.value()
		if err != nil {
			continue
		}
		s.accept(price)
	}
}

func (s *SolPrice) accept(price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	s.bits.Store(math.Float64bits(price))
	s.metrics.SolPriceUsd.Set(price)
	s.bus.PriceUpdated.Publish(types.PriceUpdate{PriceUsd: price, At: time.Now()})
}
