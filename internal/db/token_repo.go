package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// TokenRepo reads and writes tokens_unified.
type TokenRepo struct {
	q Querier
}

// NewTokenRepo creates a repository over q, which may be a pool or an open
// transaction.
func NewTokenRepo(q Querier) *TokenRepo {
	return &TokenRepo{q: q}
}

// WithQuerier returns a copy bound to a different querier, used by the batch
// writer to run the same statements inside its flush transaction.
func (r *TokenRepo) WithQuerier(q Querier) *TokenRepo {
	return &TokenRepo{q: q}
}

const tokenColumns = `
	mint_address, COALESCE(symbol, ''), COALESCE(name, ''), COALESCE(uri, ''),
	COALESCE(creator, ''), total_supply::BIGINT, COALESCE(bonding_curve_key, ''),
	first_program, first_seen_slot, first_price_sol, first_price_usd, first_market_cap_usd,
	latest_price_sol, latest_price_usd, latest_market_cap_usd,
	latest_virtual_sol_reserves::BIGINT, latest_virtual_token_reserves::BIGINT,
	latest_bonding_curve_progress, latest_update_slot,
	current_program, graduated_to_amm, COALESCE(amm_pool_address, ''),
	COALESCE(graduation_signature, ''),
	threshold_crossed_at, graduation_at, last_trade_at, created_at, updated_at`

func scanToken(row pgx.Row) (*types.Token, error) {
	var t types.Token
	var totalSupply, vSol, vTok, firstSlot, updateSlot int64
	err := row.Scan(
		&t.MintAddress, &t.Symbol, &t.Name, &t.URI,
		&t.Creator, &totalSupply, &t.BondingCurveKey,
		&t.FirstProgram, &firstSlot, &t.FirstPriceSol, &t.FirstPriceUsd, &t.FirstMarketCapUsd,
		&t.LatestPriceSol, &t.LatestPriceUsd, &t.LatestMarketCapUsd,
		&vSol, &vTok,
		&t.LatestBondingCurveProgress, &updateSlot,
		&t.CurrentProgram, &t.GraduatedToAmm, &t.AmmPoolAddress,
		&t.GraduationSignature,
		&t.ThresholdCrossedAt, &t.GraduationAt, &t.LastTradeAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.TotalSupply = uint64(totalSupply)
	t.FirstSeenSlot = uint64(firstSlot)
	t.LatestVirtualSolReserves = uint64(vSol)
	t.LatestVirtualTokenReserves = uint64(vTok)
	t.LatestUpdateSlot = uint64(updateSlot)
	return &t, nil
}

// FindByMint returns the token row, or (nil, nil) when absent.
func (r *TokenRepo) FindByMint(ctx context.Context, mint string) (*types.Token, error) {
	row := r.q.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens_unified WHERE mint_address = $1`, mint)
	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find token %s: %w", mint, err)
	}
	return t, nil
}

// FindByBondingCurveKey resolves a curve account back to its token row, used
// by the completion monitor. Returns (nil, nil) when unknown.
func (r *TokenRepo) FindByBondingCurveKey(ctx context.Context, key string) (*types.Token, error) {
	row := r.q.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens_unified WHERE bonding_curve_key = $1`, key)
	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find token by curve key %s: %w", key, err)
	}
	return t, nil
}

// TokenFilter narrows FindByFilter. Zero values mean "no constraint".
type TokenFilter struct {
	Program         types.Program
	GraduatedOnly   bool
	MinMarketCapUsd float64
}

// FindByFilter lists tokens matching the filter, richest first.
func (r *TokenRepo) FindByFilter(ctx context.Context, filter TokenFilter, limit, offset int) ([]*types.Token, error) {
	var where []string
	var args []any
	if filter.Program != "" {
		args = append(args, string(filter.Program))
		where = append(where, fmt.Sprintf("current_program = $%d", len(args)))
	}
	if filter.GraduatedOnly {
		where = append(where, "graduated_to_amm")
	}
	if filter.MinMarketCapUsd > 0 {
		args = append(args, filter.MinMarketCapUsd)
		where = append(where, fmt.Sprintf("latest_market_cap_usd >= $%d", len(args)))
	}

	sql := `SELECT ` + tokenColumns + ` FROM tokens_unified`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY latest_market_cap_usd DESC LIMIT $%d", len(args))
	args = append(args, offset)
	sql += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []*types.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// tokenUpsert preserves first-write metadata (symbol, name, uri, creator,
// supply, first-* figures) on conflict, takes the latest price block only
// when the incoming slot is not older, keeps the earliest threshold and
// graduation timestamps, and never clears graduated_to_amm.
const tokenUpsert = `
INSERT INTO tokens_unified (
	mint_address, symbol, name, uri, creator, total_supply, bonding_curve_key,
	first_program, first_seen_slot, first_price_sol, first_price_usd, first_market_cap_usd,
	latest_price_sol, latest_price_usd, latest_market_cap_usd,
	latest_virtual_sol_reserves, latest_virtual_token_reserves,
	latest_bonding_curve_progress, latest_update_slot,
	current_program, graduated_to_amm, amm_pool_address, graduation_signature,
	threshold_crossed_at, graduation_at, last_trade_at, created_at, updated_at
) VALUES (
	$1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), NULLIF($5,''), $6, NULLIF($7,''),
	$8, $9, $10, $11, $12,
	$13, $14, $15,
	$16, $17,
	$18, $19,
	$20, $21, NULLIF($22,''), NULLIF($23,''),
	$24, $25, $26, now(), now()
)
ON CONFLICT (mint_address) DO UPDATE SET
	symbol            = COALESCE(tokens_unified.symbol, EXCLUDED.symbol),
	name              = COALESCE(tokens_unified.name, EXCLUDED.name),
	uri               = COALESCE(tokens_unified.uri, EXCLUDED.uri),
	creator           = COALESCE(tokens_unified.creator, EXCLUDED.creator),
	total_supply      = CASE WHEN tokens_unified.total_supply = 0
	                         THEN EXCLUDED.total_supply ELSE tokens_unified.total_supply END,
	bonding_curve_key = COALESCE(tokens_unified.bonding_curve_key, EXCLUDED.bonding_curve_key),
	latest_price_sol              = EXCLUDED.latest_price_sol,
	latest_price_usd              = EXCLUDED.latest_price_usd,
	latest_market_cap_usd         = EXCLUDED.latest_market_cap_usd,
	latest_virtual_sol_reserves   = EXCLUDED.latest_virtual_sol_reserves,
	latest_virtual_token_reserves = EXCLUDED.latest_virtual_token_reserves,
	latest_bonding_curve_progress = EXCLUDED.latest_bonding_curve_progress,
	latest_update_slot            = EXCLUDED.latest_update_slot,
	current_program      = EXCLUDED.current_program,
	graduated_to_amm     = tokens_unified.graduated_to_amm OR EXCLUDED.graduated_to_amm,
	amm_pool_address     = COALESCE(tokens_unified.amm_pool_address, EXCLUDED.amm_pool_address),
	graduation_signature = COALESCE(tokens_unified.graduation_signature, EXCLUDED.graduation_signature),
	threshold_crossed_at = COALESCE(tokens_unified.threshold_crossed_at, EXCLUDED.threshold_crossed_at),
	graduation_at        = COALESCE(tokens_unified.graduation_at, EXCLUDED.graduation_at),
	last_trade_at        = COALESCE(EXCLUDED.last_trade_at, tokens_unified.last_trade_at),
	updated_at           = now()
WHERE EXCLUDED.latest_update_slot >= tokens_unified.latest_update_slot`

func tokenArgs(t *types.Token) []any {
	return []any{
		t.MintAddress, t.Symbol, t.Name, t.URI, t.Creator, int64(t.TotalSupply), t.BondingCurveKey,
		string(t.FirstProgram), int64(t.FirstSeenSlot), t.FirstPriceSol, t.FirstPriceUsd, t.FirstMarketCapUsd,
		t.LatestPriceSol, t.LatestPriceUsd, t.LatestMarketCapUsd,
		int64(t.LatestVirtualSolReserves), int64(t.LatestVirtualTokenReserves),
		t.LatestBondingCurveProgress, int64(t.LatestUpdateSlot),
		string(t.CurrentProgram), t.GraduatedToAmm, t.AmmPoolAddress, t.GraduationSignature,
		t.ThresholdCrossedAt, t.GraduationAt, t.LastTradeAt,
	}
}

// Save upserts one token.
func (r *TokenRepo) Save(ctx context.Context, t *types.Token) error {
	if _, err := r.q.Exec(ctx, tokenUpsert, tokenArgs(t)...); err != nil {
		return fmt.Errorf("upsert token %s: %w", t.MintAddress, err)
	}
	return nil
}

// BatchSave upserts tokens one statement each. Callers dedupe by mint first;
// the writer runs this inside its flush transaction.
func (r *TokenRepo) BatchSave(ctx context.Context, tokens []*types.Token) error {
	for _, t := range tokens {
		if err := r.Save(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePrice writes the latest price block for a mint, ignoring updates
// older than the stored slot.
func (r *TokenRepo) UpdatePrice(ctx context.Context, mint string, priceSol, priceUsd, marketCapUsd, progress float64, slot uint64) error {
	_, err := r.q.Exec(ctx, `
		UPDATE tokens_unified SET
			latest_price_sol = $2, latest_price_usd = $3, latest_market_cap_usd = $4,
			latest_bonding_curve_progress = $5, latest_update_slot = $6, updated_at = now()
		WHERE mint_address = $1 AND latest_update_slot <= $6`,
		mint, priceSol, priceUsd, marketCapUsd, progress, int64(slot))
	if err != nil {
		return fmt.Errorf("update price %s: %w", mint, err)
	}
	return nil
}

// MarkGraduated upserts graduation state, creating a minimal row when the
// token was never seen on the curve. Idempotent; the earliest graduation
// timestamp wins.
func (r *TokenRepo) MarkGraduated(ctx context.Context, mint, poolAddress, signature string, at time.Time) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO tokens_unified (
			mint_address, first_program, current_program,
			graduated_to_amm, amm_pool_address, graduation_signature, graduation_at,
			created_at, updated_at
		) VALUES ($1, $2, $2, TRUE, NULLIF($3,''), NULLIF($4,''), $5, now(), now())
		ON CONFLICT (mint_address) DO UPDATE SET
			graduated_to_amm     = TRUE,
			current_program      = EXCLUDED.current_program,
			amm_pool_address     = COALESCE(tokens_unified.amm_pool_address, EXCLUDED.amm_pool_address),
			graduation_signature = COALESCE(tokens_unified.graduation_signature, EXCLUDED.graduation_signature),
			graduation_at        = LEAST(COALESCE(tokens_unified.graduation_at, EXCLUDED.graduation_at), EXCLUDED.graduation_at),
			updated_at           = now()`,
		mint, string(types.ProgramAMMPool), poolAddress, signature, at)
	if err != nil {
		return fmt.Errorf("mark graduated %s: %w", mint, err)
	}
	return nil
}

// Statistics is the aggregate store snapshot exposed by the API layer.
type Statistics struct {
	TotalTokens      int64
	GraduatedTokens  int64
	ThresholdCrossed int64
	TotalTrades      int64
	TotalVolumeUsd   float64
}

// GetStatistics aggregates across both tables.
func (r *TokenRepo) GetStatistics(ctx context.Context) (*Statistics, error) {
	var s Statistics
	err := r.q.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE graduated_to_amm),
		       count(*) FILTER (WHERE threshold_crossed_at IS NOT NULL),
		       COALESCE(sum(total_trades), 0),
		       COALESCE(sum(total_volume_usd), 0)
		FROM tokens_unified`).Scan(
		&s.TotalTokens, &s.GraduatedTokens, &s.ThresholdCrossed, &s.TotalTrades, &s.TotalVolumeUsd)
	if err != nil {
		return nil, fmt.Errorf("token statistics: %w", err)
	}
	return &s, nil
}

// RecentlyActive returns cache rows for tokens created in the given window,
// feeding the hot cache refresh.
func (r *TokenRepo) RecentlyActive(ctx context.Context, since time.Time) ([]CacheEntry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT mint_address, created_at, threshold_crossed_at IS NOT NULL
		FROM tokens_unified
		WHERE created_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("recently active tokens: %w", err)
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		var e CacheEntry
		if err := rows.Scan(&e.MintAddress, &e.FirstSeen, &e.ThresholdCrossed); err != nil {
			return nil, fmt.Errorf("scan cache row: %w", err)
		}
		e.Tracked = true
		out = append(out, e)
	}
	return out, rows.Err()
}
