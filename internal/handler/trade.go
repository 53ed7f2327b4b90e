// Package handler turns parsed events into persisted rows and lifecycle
// events: price computation, token discovery against the save thresholds,
// the threshold/graduation state machine, and the pending-trade buffer that
// feeds the batch writer.
//
// All methods run on the bus dispatch path (the stream receive loop), so
// nothing here blocks: store writes go through the writer queue, and the only
// repository call is the token lookup on a cache miss.
package handler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/bus"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/db"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/pricing"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// PriceSource supplies the current SOL/USD reference price.
type PriceSource interface {
	Get() float64
}

// Sink receives items bound for the store; satisfied by db.Writer.
type Sink interface {
	Enqueue(db.Item) bool
}

// TokenStore is the repository slice the handler needs for cache misses.
type TokenStore interface {
	FindByMint(ctx context.Context, mint string) (*types.Token, error)
	FindByBondingCurveKey(ctx context.Context, key string) (*types.Token, error)
}

// Snapshot sampling tiers: always above $100k market cap, then thinning
// probabilities down the tail.
const (
	snapshotAlwaysAbove = 100_000.0
	snapshotHalfAbove   = 50_000.0
	snapshotFifthAbove  = 20_000.0
	snapshotBaseRate    = 0.10
)

// knownTTL bounds the in-memory token state map; entries idle longer are
// pruned on the save tick.
const knownTTL = 2 * time.Hour

// Handler consumes parsed trade and lifecycle events.
type Handler struct {
	cfg     config.DiscoveryConfig
	tick    time.Duration
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	tokens  TokenStore
	cache   *db.TokenCache
	sink    Sink
	sol     PriceSource

	rng func() float64
	now func() time.Time

	mu      sync.Mutex
	pending []*types.Trade
	known   map[string]*tokenState
}

type tokenState struct {
	token    *types.Token
	lastSeen time.Time
}

// New creates the handler. saveInterval is the pending-buffer drain cadence.
func New(cfg config.DiscoveryConfig, saveInterval time.Duration, b *bus.Bus, m *metrics.Metrics,
	tokens TokenStore, cache *db.TokenCache, sink Sink, sol PriceSource, logger *slog.Logger) *Handler {

	if saveInterval <= 0 {
		saveInterval = time.Second
	}
	return &Handler{
		cfg:     cfg,
		tick:    saveInterval,
		bus:     b,
		metrics: m,
		logger:  logger.With("component", "trade_handler"),
		tokens:  tokens,
		cache:   cache,
		sink:    sink,
		sol:     sol,
		rng:     rand.Float64,
		now:     time.Now,
		known:   make(map[string]*tokenState),
	}
}

// HandleBCTrade processes one bonding-curve trade.
func (h *Handler) HandleBCTrade(ctx context.Context, ev types.BCTradeEvent) types.HandleResult {
	solPrice := h.sol.Get()
	reserves := types.ReserveInfo{
		SolReserves:   ev.VirtualSolReserves,
		TokenReserves: ev.VirtualTokenReserves,
		IsVirtual:     true,
	}
	info := pricing.Calculate(reserves, solPrice, pricing.SupplyBondingCurve)
	progress := pricing.CurveProgress(0, ev.VirtualSolReserves, false)

	trade := &types.Trade{
		Signature:            ev.Signature,
		MintAddress:          ev.MintAddress,
		Program:              types.ProgramBondingCurve,
		TradeType:            ev.TradeType,
		UserAddress:          ev.UserAddress,
		SolAmount:            ev.SolAmount,
		TokenAmount:          ev.TokenAmount,
		PriceSol:             info.PriceSol,
		PriceUsd:             info.PriceUsd,
		MarketCapUsd:         info.MarketCapUsd,
		VolumeUsd:            pricing.VolumeUsd(ev.SolAmount, solPrice),
		VirtualSolReserves:   ev.VirtualSolReserves,
		VirtualTokenReserves: ev.VirtualTokenReserves,
		BondingCurveProgress: progress,
		Slot:                 ev.Slot,
		BlockTime:            ev.BlockTime,
	}

	res, token := h.applyTrade(ctx, trade, false)
	if res.Outcome != types.HandleSaved {
		return res
	}
	h.metrics.TradesParsed.WithLabelValues(string(types.ProgramBondingCurve)).Inc()
	h.bus.BCTrade.Publish(types.TradeUpdate{Trade: trade, Token: token})
	return res
}

// HandleAMMTrade processes one AMM swap.
func (h *Handler) HandleAMMTrade(ctx context.Context, ev types.AMMTradeEvent) types.HandleResult {
	solPrice := h.sol.Get()
	reserves := types.ReserveInfo{
		SolReserves:   ev.PoolSolReserves,
		TokenReserves: ev.PoolTokenReserves,
	}
	info := pricing.Calculate(reserves, solPrice, pricing.SupplyAMMPool)

	trade := &types.Trade{
		Signature:            ev.Signature,
		MintAddress:          ev.MintAddress,
		Program:              types.ProgramAMMPool,
		TradeType:            ev.TradeType,
		UserAddress:          ev.UserAddress,
		SolAmount:            ev.SolAmount,
		TokenAmount:          ev.TokenAmount,
		PriceSol:             info.PriceSol,
		PriceUsd:             info.PriceUsd,
		MarketCapUsd:         info.MarketCapUsd,
		VolumeUsd:            pricing.VolumeUsd(ev.SolAmount, solPrice),
		VirtualSolReserves:   ev.PoolSolReserves,
		VirtualTokenReserves: ev.PoolTokenReserves,
		BondingCurveProgress: 100,
		Slot:                 ev.Slot,
		BlockTime:            ev.BlockTime,
	}

	res, token := h.applyTrade(ctx, trade, true)
	if res.Outcome != types.HandleSaved {
		return res
	}
	h.metrics.TradesParsed.WithLabelValues(string(types.ProgramAMMPool)).Inc()
	h.bus.AMMTrade.Publish(types.TradeUpdate{Trade: trade, Token: token})
	return res
}

// applyTrade runs discovery and the token state machine, buffers the trade,
// and samples a price snapshot. Returns the token state after the trade.
func (h *Handler) applyTrade(ctx context.Context, trade *types.Trade, isAmm bool) (types.HandleResult, *types.Token) {
	now := h.now()

	token, err := h.lookupToken(ctx, trade.MintAddress)
	if err != nil {
		return types.Failed(err), nil
	}

	if token == nil {
		threshold := h.cfg.BCSaveThreshold
		if isAmm {
			threshold = h.cfg.AMMSaveThreshold
		}
		if !h.cfg.SaveAllTokens && trade.MarketCapUsd < threshold {
			return types.Skipped("below save threshold"), nil
		}
		token = h.createToken(trade, isAmm, now)
	} else {
		h.updateToken(token, trade, isAmm, now)
	}

	h.rememberToken(token, now)
	h.enqueue(db.Item{Token: cloneToken(token)})

	h.mu.Lock()
	h.pending = append(h.pending, trade)
	depth := len(h.pending)
	h.mu.Unlock()
	h.metrics.PendingTrades.Set(float64(depth))

	h.maybeSnapshot(trade, now)
	return types.Saved(), token
}

// lookupToken checks handler state, then the hot cache, then the repository.
// Cache hits for untracked mints short-circuit without a query.
func (h *Handler) lookupToken(ctx context.Context, mint string) (*types.Token, error) {
	h.mu.Lock()
	if st, ok := h.known[mint]; ok {
		h.mu.Unlock()
		return st.token, nil
	}
	h.mu.Unlock()

	if entry, ok := h.cache.Lookup(mint); ok && !entry.Tracked {
		return nil, nil
	}

	return h.tokens.FindByMint(ctx, mint)
}

func (h *Handler) createToken(trade *types.Trade, isAmm bool, now time.Time) *types.Token {
	token := &types.Token{
		MintAddress:                trade.MintAddress,
		FirstProgram:               trade.Program,
		FirstSeenSlot:              trade.Slot,
		FirstPriceSol:              trade.PriceSol,
		FirstPriceUsd:              trade.PriceUsd,
		FirstMarketCapUsd:          trade.MarketCapUsd,
		LatestPriceSol:             trade.PriceSol,
		LatestPriceUsd:             trade.PriceUsd,
		LatestMarketCapUsd:         trade.MarketCapUsd,
		LatestVirtualSolReserves:   trade.VirtualSolReserves,
		LatestVirtualTokenReserves: trade.VirtualTokenReserves,
		LatestBondingCurveProgress: trade.BondingCurveProgress,
		LatestUpdateSlot:           trade.Slot,
		CurrentProgram:             trade.Program,
		GraduatedToAmm:             isAmm,
		LastTradeAt:                &trade.BlockTime,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if trade.MarketCapUsd >= h.cfg.BCSaveThreshold {
		// The crossing is stamped with the block time of the trade that
		// pushed the token over, not the local processing time.
		at := trade.BlockTime
		token.ThresholdCrossedAt = &at
	}

	h.cache.Put(db.CacheEntry{
		MintAddress:      token.MintAddress,
		Tracked:          true,
		FirstSeen:        now,
		ThresholdCrossed: token.ThresholdCrossedAt != nil,
	})

	h.bus.TokenDiscovered.Publish(types.TokenDiscovered{Token: token})
	if token.ThresholdCrossedAt != nil {
		h.bus.TokenThresholdCrossed.Publish(types.ThresholdCrossed{
			MintAddress:  token.MintAddress,
			MarketCapUsd: trade.MarketCapUsd,
			At:           *token.ThresholdCrossedAt,
		})
	}
	return token
}

func (h *Handler) updateToken(token *types.Token, trade *types.Trade, isAmm bool, now time.Time) {
	// Stale frames (older slot than already applied) must not move state
	// backwards; the trade row itself is still recorded.
	if trade.Slot >= token.LatestUpdateSlot {
		token.LatestPriceSol = trade.PriceSol
		token.LatestPriceUsd = trade.PriceUsd
		token.LatestMarketCapUsd = trade.MarketCapUsd
		token.LatestVirtualSolReserves = trade.VirtualSolReserves
		token.LatestVirtualTokenReserves = trade.VirtualTokenReserves
		if !isAmm {
			token.LatestBondingCurveProgress = trade.BondingCurveProgress
		}
		token.LatestUpdateSlot = trade.Slot
	}
	bt := trade.BlockTime
	token.LastTradeAt = &bt
	token.UpdatedAt = now

	if token.ThresholdCrossedAt == nil && trade.MarketCapUsd >= h.cfg.BCSaveThreshold {
		at := trade.BlockTime
		token.ThresholdCrossedAt = &at
		h.cache.MarkThresholdCrossed(token.MintAddress)
		h.bus.TokenThresholdCrossed.Publish(types.ThresholdCrossed{
			MintAddress:  token.MintAddress,
			MarketCapUsd: trade.MarketCapUsd,
			At:           at,
		})
	}

	if isAmm {
		token.CurrentProgram = types.ProgramAMMPool
		token.LatestBondingCurveProgress = 100
		if !token.GraduatedToAmm {
			token.GraduatedToAmm = true
			at := now
			token.GraduationAt = &at
			h.bus.TokenGraduated.Publish(types.Graduated{
				MintAddress: token.MintAddress,
				Signature:   trade.Signature,
				Method:      types.GraduationAMMTrade,
				At:          now,
			})
		}
	}
}

// maybeSnapshot enqueues a price snapshot with market-cap tiered sampling.
func (h *Handler) maybeSnapshot(trade *types.Trade, now time.Time) {
	mcap := trade.MarketCapUsd
	p := snapshotBaseRate
	switch {
	case mcap > snapshotAlwaysAbove:
		p = 1
	case mcap > snapshotHalfAbove:
		p = 0.5
	case mcap > snapshotFifthAbove:
		p = 0.2
	}
	if p < 1 && h.rng() >= p {
		return
	}

	h.enqueue(db.Item{Snapshot: &types.PriceSnapshot{
		MintAddress:          trade.MintAddress,
		Slot:                 trade.Slot,
		PriceSol:             trade.PriceSol,
		PriceUsd:             trade.PriceUsd,
		MarketCapUsd:         mcap,
		VirtualSolReserves:   trade.VirtualSolReserves,
		VirtualTokenReserves: trade.VirtualTokenReserves,
		BondingCurveProgress: trade.BondingCurveProgress,
		CreatedAt:            now,
	}})
}

// HandlePoolCreated captures the pool creator path: the token row is
// upserted with graduation fields even when never seen on the curve.
func (h *Handler) HandlePoolCreated(ctx context.Context, ev types.PoolCreatedEvent) {
	now := h.now()

	token, err := h.lookupToken(ctx, ev.BaseMint)
	if err != nil {
		h.logger.Warn("pool-created lookup failed", "mint", ev.BaseMint, "error", err)
		token = nil
	}
	if token == nil {
		token = &types.Token{
			MintAddress:    ev.BaseMint,
			Creator:        ev.Creator,
			FirstProgram:   types.ProgramAMMPool,
			FirstSeenSlot:  ev.Slot,
			CurrentProgram: types.ProgramAMMPool,
			CreatedAt:      now,
		}
	}
	if token.Creator == "" {
		token.Creator = ev.Creator
	}

	already := token.GraduatedToAmm
	token.GraduatedToAmm = true
	token.CurrentProgram = types.ProgramAMMPool
	token.LatestBondingCurveProgress = 100
	if token.AmmPoolAddress == "" {
		token.AmmPoolAddress = ev.PoolAddress
	}
	if token.GraduationSignature == "" {
		token.GraduationSignature = ev.Signature
	}
	if token.GraduationAt == nil {
		at := now
		token.GraduationAt = &at
	}
	token.UpdatedAt = now

	h.rememberToken(token, now)
	h.enqueue(db.Item{Token: cloneToken(token)})

	if !already {
		h.bus.TokenGraduated.Publish(types.Graduated{
			MintAddress: ev.BaseMint,
			PoolAddress: ev.PoolAddress,
			Signature:   ev.Signature,
			Method:      types.GraduationPoolCreation,
			At:          now,
		})
	}
}

// HandleAccountUpdate records a reserve snapshot and refreshes curve
// progress for the owning token.
func (h *Handler) HandleAccountUpdate(ctx context.Context, ev types.BCAccountUpdateEvent) {
	token, err := h.tokenByCurveKey(ctx, ev.BondingCurveKey)
	if err != nil {
		h.logger.Warn("account-update lookup failed", "curve_key", ev.BondingCurveKey, "error", err)
		return
	}
	if token == nil {
		// Curve account for a token below the save threshold; nothing to do.
		return
	}

	now := h.now()
	progress := pricing.CurveProgress(ev.Lamports, ev.VirtualSolReserves, ev.Complete)

	h.enqueue(db.Item{AccountState: &types.AccountState{
		MintAddress:          token.MintAddress,
		Program:              types.ProgramBondingCurve,
		Slot:                 ev.Slot,
		VirtualSolReserves:   ev.VirtualSolReserves,
		VirtualTokenReserves: ev.VirtualTokenReserves,
		RealSolReserves:      ev.RealSolReserves,
		RealTokenReserves:    ev.RealTokenReserves,
		BondingCurveComplete: ev.Complete,
		CreatedAt:            now,
	}})

	if ev.Slot >= token.LatestUpdateSlot {
		token.LatestVirtualSolReserves = ev.VirtualSolReserves
		token.LatestVirtualTokenReserves = ev.VirtualTokenReserves
		token.LatestBondingCurveProgress = progress
		token.LatestUpdateSlot = ev.Slot
	}
	if token.BondingCurveKey == "" {
		token.BondingCurveKey = ev.BondingCurveKey
	}
	token.UpdatedAt = now

	if ev.Complete && !token.GraduatedToAmm {
		token.GraduatedToAmm = true
		token.CurrentProgram = types.ProgramAMMPool
		at := now
		token.GraduationAt = &at
		h.bus.TokenGraduated.Publish(types.Graduated{
			MintAddress: token.MintAddress,
			Method:      types.GraduationCurveComplete,
			At:          now,
		})
	}

	h.rememberToken(token, now)
	h.enqueue(db.Item{Token: cloneToken(token)})
	h.bus.CurveProgress.Publish(types.CurveProgress{
		MintAddress:     token.MintAddress,
		BondingCurveKey: ev.BondingCurveKey,
		Progress:        progress,
		Complete:        ev.Complete,
	})
}

func (h *Handler) tokenByCurveKey(ctx context.Context, key string) (*types.Token, error) {
	h.mu.Lock()
	for _, st := range h.known {
		if st.token.BondingCurveKey == key {
			h.mu.Unlock()
			return st.token, nil
		}
	}
	h.mu.Unlock()
	return h.tokens.FindByBondingCurveKey(ctx, key)
}

// enqueue hands a non-trade item to the writer queue. Unlike trades these
// have no requeue buffer, so a refusal is counted and the item is lost.
func (h *Handler) enqueue(item db.Item) {
	if !h.sink.Enqueue(item) {
		h.metrics.QueueDrops.Inc()
		h.logger.Warn("writer queue full, dropped item")
	}
}

func (h *Handler) rememberToken(token *types.Token, now time.Time) {
	h.mu.Lock()
	h.known[token.MintAddress] = &tokenState{token: token, lastSeen: now}
	h.mu.Unlock()
}

// Run drains the pending-trade buffer on the save tick until ctx is
// cancelled, then performs one final drain.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.DrainPending()
			return
		case <-ticker.C:
			h.DrainPending()
			h.pruneKnown()
		}
	}
}

// DrainPending moves buffered trades into the writer queue. Trades the
// writer cannot accept go back to the head of the buffer.
func (h *Handler) DrainPending() {
	h.mu.Lock()
	drained := h.pending
	h.pending = nil
	h.mu.Unlock()

	for i, trade := range drained {
		if !h.sink.Enqueue(db.Item{Trade: trade}) {
			h.mu.Lock()
			h.pending = append(append([]*types.Trade{}, drained[i:]...), h.pending...)
			depth := len(h.pending)
			h.mu.Unlock()
			h.metrics.PendingTrades.Set(float64(depth))
			h.logger.Warn("writer queue full, requeued pending trades", "count", len(drained)-i)
			return
		}
	}

	h.mu.Lock()
	depth := len(h.pending)
	h.mu.Unlock()
	h.metrics.PendingTrades.Set(float64(depth))
}

func (h *Handler) pruneKnown() {
	cutoff := h.now().Add(-knownTTL)
	h.mu.Lock()
	for mint, st := range h.known {
		if st.lastSeen.Before(cutoff) {
			delete(h.known, mint)
		}
	}
	h.mu.Unlock()
}

// PendingCount reports the buffered trade count.
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func cloneToken(t *types.Token) *types.Token {
	c := *t
	return &c
}
