package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// TradeRepo reads and writes trades_unified.
type TradeRepo struct {
	q Querier
}

// NewTradeRepo creates a repository over q.
func NewTradeRepo(q Querier) *TradeRepo {
	return &TradeRepo{q: q}
}

// WithQuerier returns a copy bound to a different querier.
func (r *TradeRepo) WithQuerier(q Querier) *TradeRepo {
	return &TradeRepo{q: q}
}

const tradeColumns = `
	signature, mint_address, program, trade_type, user_address,
	sol_amount::BIGINT, token_amount::BIGINT,
	price_sol, price_usd, market_cap_usd, volume_usd,
	virtual_sol_reserves::BIGINT, virtual_token_reserves::BIGINT,
	bonding_curve_progress, slot, block_time`

func scanTrade(row pgx.Row) (*types.Trade, error) {
	var t types.Trade
	var solAmount, tokenAmount, vSol, vTok, slot int64
	err := row.Scan(
		&t.Signature, &t.MintAddress, &t.Program, &t.TradeType, &t.UserAddress,
		&solAmount, &tokenAmount,
		&t.PriceSol, &t.PriceUsd, &t.MarketCapUsd, &t.VolumeUsd,
		&vSol, &vTok,
		&t.BondingCurveProgress, &slot, &t.BlockTime,
	)
	if err != nil {
		return nil, err
	}
	t.SolAmount = uint64(solAmount)
	t.TokenAmount = uint64(tokenAmount)
	t.VirtualSolReserves = uint64(vSol)
	t.VirtualTokenReserves = uint64(vTok)
	t.Slot = uint64(slot)
	return &t, nil
}

func (r *TradeRepo) queryTrades(ctx context.Context, sql string, args ...any) ([]*types.Trade, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// BatchSave inserts trades; replayed signatures are silently skipped, making
// the whole pipeline safe against upstream redelivery.
func (r *TradeRepo) BatchSave(ctx context.Context, trades []*types.Trade) error {
	for _, t := range trades {
		_, err := r.q.Exec(ctx, `
			INSERT INTO trades_unified (
				signature, mint_address, program, trade_type, user_address,
				sol_amount, token_amount,
				price_sol, price_usd, market_cap_usd, volume_usd,
				virtual_sol_reserves, virtual_token_reserves,
				bonding_curve_progress, slot, block_time
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (signature) DO NOTHING`,
			t.Signature, t.MintAddress, string(t.Program), string(t.TradeType), t.UserAddress,
			int64(t.SolAmount), int64(t.TokenAmount),
			t.PriceSol, t.PriceUsd, t.MarketCapUsd, t.VolumeUsd,
			int64(t.VirtualSolReserves), int64(t.VirtualTokenReserves),
			t.BondingCurveProgress, int64(t.Slot), t.BlockTime)
		if err != nil {
			return fmt.Errorf("insert trade %s: %w", t.Signature, err)
		}
	}
	return nil
}

// GetRecentTrades returns the newest trades across all mints.
func (r *TradeRepo) GetRecentTrades(ctx context.Context, limit int) ([]*types.Trade, error) {
	return r.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades_unified
		ORDER BY block_time DESC LIMIT $1`, limit)
}

// GetTradesForToken returns a mint's trades, newest first.
func (r *TradeRepo) GetTradesForToken(ctx context.Context, mint string, limit int) ([]*types.Trade, error) {
	return r.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades_unified
		WHERE mint_address = $1
		ORDER BY slot DESC, block_time DESC LIMIT $2`, mint, limit)
}

// GetHighValueTrades returns trades at or above the USD volume floor.
func (r *TradeRepo) GetHighValueTrades(ctx context.Context, minVolumeUsd float64, limit int) ([]*types.Trade, error) {
	return r.queryTrades(ctx, `
		SELECT `+tradeColumns+` FROM trades_unified
		WHERE volume_usd >= $1
		ORDER BY volume_usd DESC LIMIT $2`, minVolumeUsd, limit)
}

// VolumeBucket is one time bucket of GetVolumeByPeriod.
type VolumeBucket struct {
	Bucket    time.Time
	Trades    int64
	VolumeUsd float64
}

// GetVolumeByPeriod aggregates trade volume into fixed-width buckets
// (e.g. "1 hour", "15 minutes") between start and end.
func (r *TradeRepo) GetVolumeByPeriod(ctx context.Context, start, end time.Time, bucket string) ([]VolumeBucket, error) {
	rows, err := r.q.Query(ctx, `
		SELECT date_bin($3::interval, block_time, $1) AS bucket,
		       count(*), COALESCE(sum(volume_usd), 0)
		FROM trades_unified
		WHERE block_time >= $1 AND block_time < $2
		GROUP BY bucket ORDER BY bucket`, start, end, bucket)
	if err != nil {
		return nil, fmt.Errorf("volume by period: %w", err)
	}
	defer rows.Close()

	var out []VolumeBucket
	for rows.Next() {
		var b VolumeBucket
		if err := rows.Scan(&b.Bucket, &b.Trades, &b.VolumeUsd); err != nil {
			return nil, fmt.Errorf("scan volume bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TraderStats is one row of GetTopTraders.
type TraderStats struct {
	UserAddress string
	Trades      int64
	VolumeUsd   float64
}

// GetTopTraders ranks users by total USD volume.
func (r *TradeRepo) GetTopTraders(ctx context.Context, limit int) ([]TraderStats, error) {
	rows, err := r.q.Query(ctx, `
		SELECT user_address, count(*), COALESCE(sum(volume_usd), 0) AS volume
		FROM trades_unified
		GROUP BY user_address
		ORDER BY volume DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("top traders: %w", err)
	}
	defer rows.Close()

	var out []TraderStats
	for rows.Next() {
		var s TraderStats
		if err := rows.Scan(&s.UserAddress, &s.Trades, &s.VolumeUsd); err != nil {
			return nil, fmt.Errorf("scan trader stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
