package db

// schema is the full unified-table DDL plus the per-mint stats routine the
// batch writer invokes inside each flush transaction.
const schema = `
CREATE TABLE IF NOT EXISTS tokens_unified (
    mint_address                  TEXT PRIMARY KEY,
    symbol                        TEXT,
    name                          TEXT,
    uri                           TEXT,
    creator                       TEXT,
    total_supply                  NUMERIC(20,0) NOT NULL DEFAULT 0,
    bonding_curve_key             TEXT,

    first_program                 TEXT NOT NULL,
    first_seen_slot               BIGINT NOT NULL DEFAULT 0,
    first_price_sol               DOUBLE PRECISION NOT NULL DEFAULT 0,
    first_price_usd               DOUBLE PRECISION NOT NULL DEFAULT 0,
    first_market_cap_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,

    latest_price_sol              DOUBLE PRECISION NOT NULL DEFAULT 0,
    latest_price_usd              DOUBLE PRECISION NOT NULL DEFAULT 0,
    latest_market_cap_usd         DOUBLE PRECISION NOT NULL DEFAULT 0,
    latest_virtual_sol_reserves   NUMERIC(20,0) NOT NULL DEFAULT 0,
    latest_virtual_token_reserves NUMERIC(20,0) NOT NULL DEFAULT 0,
    latest_bonding_curve_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
    latest_update_slot            BIGINT NOT NULL DEFAULT 0,

    current_program               TEXT NOT NULL,
    graduated_to_amm              BOOLEAN NOT NULL DEFAULT FALSE,
    amm_pool_address              TEXT,
    graduation_signature          TEXT,

    threshold_crossed_at          TIMESTAMPTZ,
    graduation_at                 TIMESTAMPTZ,
    last_trade_at                 TIMESTAMPTZ,

    total_trades                  BIGINT NOT NULL DEFAULT 0,
    total_buys                    BIGINT NOT NULL DEFAULT 0,
    total_sells                   BIGINT NOT NULL DEFAULT 0,
    total_volume_usd              DOUBLE PRECISION NOT NULL DEFAULT 0,
    unique_traders                BIGINT NOT NULL DEFAULT 0,

    created_at                    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at                    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tokens_unified_market_cap
    ON tokens_unified (latest_market_cap_usd DESC);
CREATE INDEX IF NOT EXISTS idx_tokens_unified_created_at
    ON tokens_unified (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tokens_unified_bonding_curve_key
    ON tokens_unified (bonding_curve_key) WHERE bonding_curve_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_tokens_unified_graduated
    ON tokens_unified (graduated_to_amm) WHERE graduated_to_amm;

CREATE TABLE IF NOT EXISTS trades_unified (
    signature                     TEXT PRIMARY KEY,
    mint_address                  TEXT NOT NULL,
    program                       TEXT NOT NULL,
    trade_type                    TEXT NOT NULL,
    user_address                  TEXT NOT NULL,
    sol_amount                    NUMERIC(20,0) NOT NULL,
    token_amount                  NUMERIC(20,0) NOT NULL,
    price_sol                     DOUBLE PRECISION NOT NULL,
    price_usd                     DOUBLE PRECISION NOT NULL,
    market_cap_usd                DOUBLE PRECISION NOT NULL,
    volume_usd                    DOUBLE PRECISION NOT NULL,
    virtual_sol_reserves          NUMERIC(20,0) NOT NULL DEFAULT 0,
    virtual_token_reserves        NUMERIC(20,0) NOT NULL DEFAULT 0,
    bonding_curve_progress        DOUBLE PRECISION NOT NULL DEFAULT 0,
    slot                          BIGINT NOT NULL,
    block_time                    TIMESTAMPTZ NOT NULL,
    created_at                    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_trades_unified_mint_slot
    ON trades_unified (mint_address, slot DESC);
CREATE INDEX IF NOT EXISTS idx_trades_unified_block_time
    ON trades_unified (block_time DESC);
CREATE INDEX IF NOT EXISTS idx_trades_unified_volume
    ON trades_unified (volume_usd DESC);
CREATE INDEX IF NOT EXISTS idx_trades_unified_user
    ON trades_unified (user_address);

CREATE TABLE IF NOT EXISTS price_snapshots_unified (
    id                            BIGSERIAL PRIMARY KEY,
    mint_address                  TEXT NOT NULL,
    slot                          BIGINT NOT NULL,
    price_sol                     DOUBLE PRECISION NOT NULL,
    price_usd                     DOUBLE PRECISION NOT NULL,
    market_cap_usd                DOUBLE PRECISION NOT NULL,
    virtual_sol_reserves          NUMERIC(20,0) NOT NULL DEFAULT 0,
    virtual_token_reserves        NUMERIC(20,0) NOT NULL DEFAULT 0,
    bonding_curve_progress        DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at                    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_price_snapshots_mint_time
    ON price_snapshots_unified (mint_address, created_at DESC);

CREATE TABLE IF NOT EXISTS account_states_unified (
    id                            BIGSERIAL PRIMARY KEY,
    mint_address                  TEXT NOT NULL,
    program                       TEXT NOT NULL,
    slot                          BIGINT NOT NULL,
    virtual_sol_reserves          NUMERIC(20,0) NOT NULL DEFAULT 0,
    virtual_token_reserves        NUMERIC(20,0) NOT NULL DEFAULT 0,
    real_sol_reserves             NUMERIC(20,0) NOT NULL DEFAULT 0,
    real_token_reserves           NUMERIC(20,0) NOT NULL DEFAULT 0,
    bonding_curve_complete        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at                    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_account_states_mint_slot
    ON account_states_unified (mint_address, slot DESC);

CREATE OR REPLACE FUNCTION update_token_stats(p_mint TEXT) RETURNS void AS $$
BEGIN
    UPDATE tokens_unified t SET
        total_trades     = s.trades,
        total_buys       = s.buys,
        total_sells      = s.sells,
        total_volume_usd = s.volume,
        unique_traders   = s.traders,
        updated_at       = now()
    FROM (
        SELECT count(*)                                   AS trades,
               count(*) FILTER (WHERE trade_type = 'buy') AS buys,
               count(*) FILTER (WHERE trade_type = 'sell') AS sells,
               COALESCE(sum(volume_usd), 0)               AS volume,
               count(DISTINCT user_address)               AS traders
        FROM trades_unified
        WHERE mint_address = p_mint
    ) s
    WHERE t.mint_address = p_mint;
END;
$$ LANGUAGE plpgsql;
`
