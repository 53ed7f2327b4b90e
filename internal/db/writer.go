package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// Item is one tagged queue entry; exactly one field is set.
type Item struct {
	Token        *types.Token
	Trade        *types.Trade
	Snapshot     *types.PriceSnapshot
	AccountState *types.AccountState
}

// Batch is one flush worth of partitioned items.
type Batch struct {
	Tokens        []*types.Token
	Trades        []*types.Trade
	Snapshots     []*types.PriceSnapshot
	AccountStates []*types.AccountState
	Mints         []string // affected mints, for the stats routine
}

// Empty reports whether the batch carries nothing.
func (b Batch) Empty() bool {
	return len(b.Tokens) == 0 && len(b.Trades) == 0 &&
		len(b.Snapshots) == 0 && len(b.AccountStates) == 0
}

// Flusher commits one batch atomically.
type Flusher interface {
	FlushBatch(ctx context.Context, b Batch) error
}

// Writer owns the FIFO write queue. A flush fires every interval or as soon
// as the queue reaches the batch size, drains up to one batch from the head,
// and hands it to the flusher. A failed flush requeues the drained items at
// the head so ordering survives transient store outages.
type Writer struct {
	cfg     config.BatchConfig
	flusher Flusher
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue    chan Item
	kick     chan struct{} // size-trigger, coalesced
	failures int
}

// NewWriter creates a batch writer over the given flusher.
func NewWriter(cfg config.BatchConfig, f Flusher, m *metrics.Metrics, logger *slog.Logger) *Writer {
	if cfg.Size <= 0 {
		cfg.Size = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	return &Writer{
		cfg:     cfg,
		flusher: f,
		metrics: m,
		logger:  logger.With("component", "batch_writer"),
		queue:   make(chan Item, 64*cfg.Size),
		kick:    make(chan struct{}, 1),
	}
}

// Enqueue appends one item. Returns false when the queue is saturated; the
// item is dropped and counted rather than blocking the caller.
func (w *Writer) Enqueue(item Item) bool {
	select {
	case w.queue <- item:
	default:
		w.logger.Error("write queue saturated, dropping item")
		return false
	}

	w.metrics.WriteQueueDepth.Set(float64(len(w.queue)))
	if len(w.queue) >= w.cfg.Size {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return true
}

// QueueLen reports the current queue depth.
func (w *Writer) QueueLen() int {
	return len(w.queue)
}

// Run flushes until ctx is cancelled, then performs one final drain with a
// fresh short-lived context so queued writes survive shutdown.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.finalDrain()
			return
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.kick:
			w.Flush(ctx)
		}
	}
}

func (w *Writer) finalDrain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for len(w.queue) > 0 {
		if err := w.Flush(ctx); err != nil {
			w.logger.Error("final drain failed, dropping queued items", "error", err, "remaining", len(w.queue))
			return
		}
	}
}

// Flush drains up to one batch from the queue head and commits it. On error
// the drained items go back to the head and the error is returned.
func (w *Writer) Flush(ctx context.Context) error {
	items := w.drain()
	if len(items) == 0 {
		return nil
	}

	batch := partition(items)
	if err := w.flusher.FlushBatch(ctx, batch); err != nil {
		w.metrics.BatchRequeues.Inc()
		w.failures++
		if w.cfg.MaxFlushRetry > 0 && w.failures > w.cfg.MaxFlushRetry {
			w.logger.Error("flush retries exhausted, dropping batch",
				"error", err, "items", len(items), "attempts", w.failures)
			w.failures = 0
			return err
		}
		w.requeueHead(items)
		w.logger.Warn("flush failed, requeued batch", "error", err, "items", len(items))
		return err
	}

	w.failures = 0
	w.metrics.BatchFlushes.Inc()
	w.metrics.RowsWritten.WithLabelValues("token").Add(float64(len(batch.Tokens)))
	w.metrics.RowsWritten.WithLabelValues("trade").Add(float64(len(batch.Trades)))
	w.metrics.RowsWritten.WithLabelValues("snapshot").Add(float64(len(batch.Snapshots)))
	w.metrics.RowsWritten.WithLabelValues("account_state").Add(float64(len(batch.AccountStates)))
	w.metrics.WriteQueueDepth.Set(float64(len(w.queue)))
	return nil
}

func (w *Writer) drain() []Item {
	var items []Item
	for len(items) < w.cfg.Size {
		select {
		case item := <-w.queue:
			items = append(items, item)
		default:
			return items
		}
	}
	return items
}

// requeueHead puts failed items back in front of whatever arrived since the
// drain, preserving per-mint FIFO order.
func (w *Writer) requeueHead(items []Item) {
	var tail []Item
	for {
		select {
		case item := <-w.queue:
			tail = append(tail, item)
			continue
		default:
		}
		break
	}

	for _, item := range append(items, tail...) {
		select {
		case w.queue <- item:
		default:
			w.logger.Error("write queue saturated during requeue, dropping item")
		}
	}
	w.metrics.WriteQueueDepth.Set(float64(len(w.queue)))
}

// partition splits items by kind and dedupes tokens by mint, first
// occurrence winning (later occurrences of the same mint in one batch carry
// older or equal state, since the handler enqueues in processing order).
func partition(items []Item) Batch {
	var b Batch
	seenToken := make(map[string]bool)
	seenMint := make(map[string]bool)

	markMint := func(mint string) {
		if mint != "" && !seenMint[mint] {
			seenMint[mint] = true
			b.Mints = append(b.Mints, mint)
		}
	}

	for _, item := range items {
		switch {
		case item.Token != nil:
			if !seenToken[item.Token.MintAddress] {
				seenToken[item.Token.MintAddress] = true
				b.Tokens = append(b.Tokens, item.Token)
			}
			markMint(item.Token.MintAddress)
		case item.Trade != nil:
			b.Trades = append(b.Trades, item.Trade)
			markMint(item.Trade.MintAddress)
		case item.Snapshot != nil:
			b.Snapshots = append(b.Snapshots, item.Snapshot)
		case item.AccountState != nil:
			b.AccountStates = append(b.AccountStates, item.AccountState)
		}
	}
	return b
}

// ————————————————————————————————————————————————————————————————————————
// Postgres flusher
// ————————————————————————————————————————————————————————————————————————

// PGFlusher commits batches in one transaction: tokens, trades, snapshots,
// account states, then the per-mint stats routine, in that fixed order.
type PGFlusher struct {
	pool *pgxpool.Pool
}

// NewPGFlusher creates a flusher over the pool.
func NewPGFlusher(pool *pgxpool.Pool) *PGFlusher {
	return &PGFlusher{pool: pool}
}

// FlushBatch implements Flusher.
func (f *PGFlusher) FlushBatch(ctx context.Context, b Batch) error {
	if b.Empty() {
		return nil
	}

	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := NewTokenRepo(tx).BatchSave(ctx, b.Tokens); err != nil {
		return err
	}
	if err := NewTradeRepo(tx).BatchSave(ctx, b.Trades); err != nil {
		return err
	}
	if err := insertSnapshots(ctx, tx, b.Snapshots); err != nil {
		return err
	}
	if err := insertAccountStates(ctx, tx, b.AccountStates); err != nil {
		return err
	}
	for _, mint := range b.Mints {
		if _, err := tx.Exec(ctx, `SELECT update_token_stats($1)`, mint); err != nil {
			return fmt.Errorf("update stats for %s: %w", mint, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit flush tx: %w", err)
	}
	return nil
}

func insertSnapshots(ctx context.Context, q Querier, snaps []*types.PriceSnapshot) error {
	for _, s := range snaps {
		_, err := q.Exec(ctx, `
			INSERT INTO price_snapshots_unified (
				mint_address, slot, price_sol, price_usd, market_cap_usd,
				virtual_sol_reserves, virtual_token_reserves,
				bonding_curve_progress, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			s.MintAddress, int64(s.Slot), s.PriceSol, s.PriceUsd, s.MarketCapUsd,
			int64(s.VirtualSolReserves), int64(s.VirtualTokenReserves),
			s.BondingCurveProgress, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert snapshot %s@%d: %w", s.MintAddress, s.Slot, err)
		}
	}
	return nil
}

func insertAccountStates(ctx context.Context, q Querier, states []*types.AccountState) error {
	for _, s := range states {
		_, err := q.Exec(ctx, `
			INSERT INTO account_states_unified (
				mint_address, program, slot,
				virtual_sol_reserves, virtual_token_reserves,
				real_sol_reserves, real_token_reserves,
				bonding_curve_complete, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			s.MintAddress, string(s.Program), int64(s.Slot),
			int64(s.VirtualSolReserves), int64(s.VirtualTokenReserves),
			int64(s.RealSolReserves), int64(s.RealTokenReserves),
			s.BondingCurveComplete, s.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert account state %s@%d: %w", s.MintAddress, s.Slot, err)
		}
	}
	return nil
}
