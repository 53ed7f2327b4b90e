// Package api runs the ops HTTP server: health, Prometheus metrics, and a
// few read-only JSON endpoints over the store for quick inspection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/db"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// Stats is the statistics slice of the token repository.
type Stats interface {
	GetStatistics(ctx context.Context) (*db.Statistics, error)
}

// Tokens lists tokens for the inspection endpoints.
type Tokens interface {
	FindByFilter(ctx context.Context, filter db.TokenFilter, limit, offset int) ([]*types.Token, error)
}

// Trades lists recent trades for the inspection endpoints.
type Trades interface {
	GetRecentTrades(ctx context.Context, limit int) ([]*types.Trade, error)
}

const defaultListLimit = 50

// Server runs the ops HTTP endpoints.
type Server struct {
	cfg    config.MetricsConfig
	stats  Stats
	tokens Tokens
	trades Trades
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the ops server. metricsHandler serves the Prometheus
// registry (metrics.Metrics.Handler()).
func NewServer(cfg config.MetricsConfig, metricsHandler http.Handler,
	stats Stats, tokens Tokens, trades Trades, logger *slog.Logger) *Server {

	s := &Server{
		cfg:    cfg,
		stats:  stats,
		tokens: tokens,
		trades: trades,
		logger: logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/tokens", s.handleTokens)
	mux.HandleFunc("/api/trades/recent", s.handleRecentTrades)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Stop. Blocks; run in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("ops server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping ops server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.GetStatistics(r.Context())
	if err != nil {
		s.logger.Error("stats query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, statsView{
		TotalTokens:      stats.TotalTokens,
		GraduatedTokens:  stats.GraduatedTokens,
		ThresholdCrossed: stats.ThresholdCrossed,
		TotalTrades:      stats.TotalTrades,
		TotalVolumeUsd:   stats.TotalVolumeUsd,
	})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.TokenFilter{
		GraduatedOnly: q.Get("graduated") == "true",
	}
	if v := q.Get("min_market_cap"); v != "" {
		mc, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "min_market_cap must be a number", http.StatusBadRequest)
			return
		}
		filter.MinMarketCapUsd = mc
	}

	tokens, err := s.tokens.FindByFilter(r.Context(), filter, queryLimit(q.Get("limit")), 0)
	if err != nil {
		s.logger.Error("token list failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		views = append(views, newTokenView(t))
	}
	writeJSON(w, s.logger, views)
}

func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.trades.GetRecentTrades(r.Context(), queryLimit(r.URL.Query().Get("limit")))
	if err != nil {
		s.logger.Error("trade list failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	views := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		views = append(views, newTradeView(t))
	}
	writeJSON(w, s.logger, views)
}

func queryLimit(raw string) int {
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return defaultListLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Response shapes
// ————————————————————————————————————————————————————————————————————————

type statsView struct {
	TotalTokens      int64   `json:"total_tokens"`
	GraduatedTokens  int64   `json:"graduated_tokens"`
	ThresholdCrossed int64   `json:"threshold_crossed"`
	TotalTrades      int64   `json:"total_trades"`
	TotalVolumeUsd   float64 `json:"total_volume_usd"`
}

type tokenView struct {
	MintAddress    string     `json:"mint_address"`
	Symbol         string     `json:"symbol,omitempty"`
	Name           string     `json:"name,omitempty"`
	CurrentProgram string     `json:"current_program"`
	PriceUsd       float64    `json:"price_usd"`
	MarketCapUsd   float64    `json:"market_cap_usd"`
	CurveProgress  float64    `json:"curve_progress"`
	Graduated      bool       `json:"graduated"`
	LastTradeAt    *time.Time `json:"last_trade_at,omitempty"`
}

func newTokenView(t *types.Token) tokenView {
	return tokenView{
		MintAddress:    t.MintAddress,
		Symbol:         t.Symbol,
		Name:           t.Name,
		CurrentProgram: string(t.CurrentProgram),
		PriceUsd:       t.LatestPriceUsd,
		MarketCapUsd:   t.LatestMarketCapUsd,
		CurveProgress:  t.LatestBondingCurveProgress,
		Graduated:      t.GraduatedToAmm,
		LastTradeAt:    t.LastTradeAt,
	}
}

type tradeView struct {
	Signature    string    `json:"signature"`
	MintAddress  string    `json:"mint_address"`
	Program      string    `json:"program"`
	TradeType    string    `json:"trade_type"`
	SolAmount    uint64    `json:"sol_amount"`
	TokenAmount  uint64    `json:"token_amount"`
	PriceUsd     float64   `json:"price_usd"`
	MarketCapUsd float64   `json:"market_cap_usd"`
	VolumeUsd    float64   `json:"volume_usd"`
	Slot         uint64    `json:"slot"`
	BlockTime    time.Time `json:"block_time"`
}

func newTradeView(t *types.Trade) tradeView {
	return tradeView{
		Signature:    t.Signature,
		MintAddress:  t.MintAddress,
		Program:      string(t.Program),
		TradeType:    string(t.TradeType),
		SolAmount:    t.SolAmount,
		TokenAmount:  t.TokenAmount,
		PriceUsd:     t.PriceUsd,
		MarketCapUsd: t.MarketCapUsd,
		VolumeUsd:    t.VolumeUsd,
		Slot:         t.Slot,
		BlockTime:    t.BlockTime,
	}
}
