// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the ingestion pipeline — token and
// trade rows, parsed on-chain events, and the payloads carried on the internal
// event bus. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums and platform constants
// ————————————————————————————————————————————————————————————————————————

// Program identifies which on-chain program a trade or token state belongs to.
type Program string

const (
	ProgramBondingCurve Program = "bonding_curve"
	ProgramAMMPool      Program = "amm_pool"
)

// TradeType is the direction of a swap from the user's perspective.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// GraduationMethod records which signal detected a token's migration to the AMM.
type GraduationMethod string

const (
	GraduationPoolCreation  GraduationMethod = "pool_creation"
	GraduationCurveComplete GraduationMethod = "curve_complete"
	GraduationAMMTrade      GraduationMethod = "amm_trade"
)

// On-chain program addresses (base58).
const (
	BondingCurveProgramID = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"
	AMMProgramID          = "pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"
	TokenProgramID        = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

// Platform economics. The launchpad mints every token with a fixed 1 billion
// supply at 6 decimals; bonding-curve market caps are computed against that
// constant, never against the mint's reported supply. AMM market caps use the
// pool's token-side reserve instead (see pricing.Calculator).
const (
	LamportsPerSol = uint64(1_000_000_000)
	TokenDecimals  = 6

	// BCCirculatingSupply is the effective circulating figure for
	// bonding-curve market caps: 1e9, chosen so that
	// marketCapUsd = (virtualSolLamports/virtualTokenRaw) * solPriceUsd.
	BCCirculatingSupply = float64(1_000_000_000)

	// GraduationTargetSol is the SOL the curve collects before migration.
	// Source sites disagree between 84 and 85; 84 matches the
	// account-lamport path and is used everywhere here.
	GraduationTargetSol = float64(84)

	// InitialVirtualSolLamports is the curve's virtual SOL at token
	// creation, used to derive progress when the account lamport balance
	// is unavailable.
	InitialVirtualSolLamports = uint64(30_000_000_000)
)

// ————————————————————————————————————————————————————————————————————————
// Persisted entities
// ————————————————————————————————————————————————————————————————————————

// Token is the canonical lifecycle view of one mint, keyed by MintAddress.
// Created on the first qualifying trade, mutated by trades and the
// specialized monitors, never deleted.
type Token struct {
	MintAddress     string
	Symbol          string
	Name            string
	URI             string
	Creator         string
	TotalSupply     uint64
	BondingCurveKey string

	FirstProgram      Program
	FirstSeenSlot     uint64
	FirstPriceSol     float64
	FirstPriceUsd     float64
	FirstMarketCapUsd float64

	LatestPriceSol             float64
	LatestPriceUsd             float64
	LatestMarketCapUsd         float64
	LatestVirtualSolReserves   uint64
	LatestVirtualTokenReserves uint64
	LatestBondingCurveProgress float64
	LatestUpdateSlot           uint64

	CurrentProgram      Program
	GraduatedToAmm      bool
	AmmPoolAddress      string
	GraduationSignature string

	ThresholdCrossedAt *time.Time
	GraduationAt       *time.Time
	LastTradeAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Trade is one persisted swap, keyed by Signature. Append-only; inserting the
// same signature twice is a no-op.
type Trade struct {
	Signature   string
	MintAddress string
	Program     Program
	TradeType   TradeType
	UserAddress string

	SolAmount   uint64 // lamports
	TokenAmount uint64 // token-decimals-scaled

	PriceSol     float64
	PriceUsd     float64
	MarketCapUsd float64
	VolumeUsd    float64

	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	BondingCurveProgress float64

	Slot      uint64
	BlockTime time.Time
}

// PriceSnapshot is a probabilistically sampled (mint, slot) price point.
type PriceSnapshot struct {
	MintAddress          string
	Slot                 uint64
	PriceSol             float64
	PriceUsd             float64
	MarketCapUsd         float64
	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	BondingCurveProgress float64
	CreatedAt            time.Time
}

// AccountState is an append-only (mint, program, slot) reserve snapshot
// derived from an on-chain account decode.
type AccountState struct {
	MintAddress          string
	Program              Program
	Slot                 uint64
	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	RealSolReserves      uint64
	RealTokenReserves    uint64
	BondingCurveComplete bool
	CreatedAt            time.Time
}

// ReserveInfo is the value type handed to the price calculator.
type ReserveInfo struct {
	SolReserves   uint64
	TokenReserves uint64
	IsVirtual     bool
}

// ————————————————————————————————————————————————————————————————————————
// Parsed events (parser output)
// ————————————————————————————————————————————————————————————————————————

// BCTradeEvent is a decoded bonding-curve trade.
type BCTradeEvent struct {
	Signature            string
	MintAddress          string
	UserAddress          string
	TradeType            TradeType
	SolAmount            uint64
	TokenAmount          uint64
	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	RealSolReserves      uint64
	RealTokenReserves    uint64
	Slot                 uint64
	BlockTime            time.Time
}

// AMMTradeEvent is a decoded AMM swap. Amounts are reconstructed from the
// transaction's inner token-program transfers, not from instruction data
// (which only carries slippage bounds).
type AMMTradeEvent struct {
	Signature   string
	MintAddress string
	UserAddress string
	TradeType   TradeType
	SolAmount   uint64
	TokenAmount uint64

	PoolAddress string
	InputMint   string
	OutputMint  string
	InAmount    uint64
	OutAmount   uint64

	PoolSolReserves   uint64
	PoolTokenReserves uint64

	Slot      uint64
	BlockTime time.Time
}

// BCAccountUpdateEvent is a decoded bonding-curve account snapshot.
type BCAccountUpdateEvent struct {
	BondingCurveKey      string
	VirtualSolReserves   uint64
	VirtualTokenReserves uint64
	RealSolReserves      uint64
	RealTokenReserves    uint64
	TokenTotalSupply     uint64
	Complete             bool
	Creator              string
	Lamports             uint64
	Slot                 uint64
}

// PoolCreatedEvent is a decoded AMM create_pool instruction.
type PoolCreatedEvent struct {
	PoolAddress string
	Creator     string
	BaseMint    string
	QuoteMint   string
	Signature   string
	Slot        uint64
	BlockTime   time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Event bus payloads
// ————————————————————————————————————————————————————————————————————————

// StreamFrame is the envelope republished on the stream.data topic for every
// frame received from an upstream connection. The manager does no decoding.
type StreamFrame struct {
	ConnectionID string
	Update       *pb.SubscribeUpdate
}

// TradeUpdate pairs a persisted-shape trade with the token state after the
// trade was applied. Emitted on bc.trade / amm.trade.
type TradeUpdate struct {
	Trade *Trade
	Token *Token
}

// TokenDiscovered is emitted once when a token row is first created.
type TokenDiscovered struct {
	Token *Token
}

// ThresholdCrossed is emitted at most once per mint, when market cap first
// reaches the bonding-curve save threshold.
type ThresholdCrossed struct {
	MintAddress  string
	MarketCapUsd float64
	At           time.Time
}

// Graduated is emitted when a token's migration to the AMM is detected.
type Graduated struct {
	MintAddress string
	PoolAddress string
	Signature   string
	Method      GraduationMethod
	At          time.Time
}

// CurveProgress is emitted by the curve-completion monitor.
type CurveProgress struct {
	MintAddress     string
	BondingCurveKey string
	Progress        float64
	Complete        bool
}

// PriceUpdate carries the current SOL/USD reference price.
type PriceUpdate struct {
	PriceUsd float64
	At       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Handler result
// ————————————————————————————————————————————————————————————————————————

// HandleOutcome classifies what the trade handler did with one event.
type HandleOutcome int

const (
	HandleSaved HandleOutcome = iota
	HandleSkipped
	HandleFailed
)

// HandleResult is the explicit status sum returned by the trade handler
// instead of exception-style control flow.
type HandleResult struct {
	Outcome HandleOutcome
	Reason  string // set for HandleSkipped
	Err     error  // set for HandleFailed
}

func Saved() HandleResult                { return HandleResult{Outcome: HandleSaved} }
func Skipped(reason string) HandleResult { return HandleResult{Outcome: HandleSkipped, Reason: reason} }
func Failed(err error) HandleResult      { return HandleResult{Outcome: HandleFailed, Err: err} }
