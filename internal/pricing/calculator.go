// Package pricing computes token prices, market caps, and bonding-curve
// progress from on-chain reserves, and maintains the SOL/USD reference price
// the calculations depend on.
//
// Calculator is pure: reserves in, price out, no clock, no I/O. All reserve
// arithmetic stays in uint64/decimal; floating point appears only in the
// final SOL ratio and USD multiplication.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// PriceInfo is the result of one price calculation.
type PriceInfo struct {
	PriceSol     float64
	PriceUsd     float64
	MarketCapUsd float64
}

// SupplyConvention selects the circulating-supply source for market cap.
//
// Bonding-curve tokens use the platform's fixed 1e9 convention. AMM tokens
// use the token-side pool reserve — using the mint total supply instead
// produces market caps 3x-10x too high, so the convention is an explicit
// parameter, never inferred from call site.
type SupplyConvention int

const (
	SupplyBondingCurve SupplyConvention = iota
	SupplyAMMPool
)

var lamportsPerSolDec = decimal.NewFromInt(int64(types.LamportsPerSol))

// Calculate derives price and market cap from reserves at the given SOL/USD
// price. Zero token reserves yield zero price and zero market cap.
func Calculate(reserves types.ReserveInfo, solPriceUsd float64, convention SupplyConvention) PriceInfo {
	if reserves.TokenReserves == 0 {
		return PriceInfo{}
	}

	sol := decimal.NewFromUint64(reserves.SolReserves)
	tok := decimal.NewFromUint64(reserves.TokenReserves)

	// SOL per raw token unit: (lamports / raw) / 1e9.
	priceSol, _ := sol.Div(tok).Div(lamportsPerSolDec).Float64()
	priceUsd := priceSol * solPriceUsd

	var circulating float64
	switch convention {
	case SupplyAMMPool:
		circulating = float64(reserves.TokenReserves)
	default:
		circulating = types.BCCirculatingSupply
	}

	return PriceInfo{
		PriceSol:     priceSol,
		PriceUsd:     priceUsd,
		MarketCapUsd: priceUsd * circulating,
	}
}

// CurveProgress computes bonding-curve completion as a 0-100 percentage.
//
// solInCurveLamports should be the curve account's lamport balance when
// available; pass 0 to fall back to the virtual-reserve delta
// (virtualSol - virtualSolAtCreation). When the on-chain complete flag is
// set, progress clamps to 100 regardless of reserves.
func CurveProgress(solInCurveLamports, virtualSolReserves uint64, complete bool) float64 {
	if complete {
		return 100
	}

	lamports := solInCurveLamports
	if lamports == 0 && virtualSolReserves > types.InitialVirtualSolLamports {
		lamports = virtualSolReserves - types.InitialVirtualSolLamports
	}

	solInCurve := float64(lamports) / float64(types.LamportsPerSol)
	progress := 100 * solInCurve / types.GraduationTargetSol
	if progress > 100 {
		return 100
	}
	if progress < 0 {
		return 0
	}
	return progress
}

// VolumeUsd converts a lamport amount to its USD value.
func VolumeUsd(solAmountLamports uint64, solPriceUsd float64) float64 {
	v, _ := decimal.NewFromUint64(solAmountLamports).
		Div(lamportsPerSolDec).
		Float64()
	return v * solPriceUsd
}
