package handler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/bus"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/db"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedPrice float64

func (p fixedPrice) Get() float64 { return float64(p) }

type fakeStore struct {
	mu     sync.Mutex
	byMint map[string]*types.Token
	byKey  map[string]*types.Token
}

func newFakeStore() *fakeStore {
	return &fakeStore{byMint: map[string]*types.Token{}, byKey: map[string]*types.Token{}}
}

func (s *fakeStore) FindByMint(_ context.Context, mint string) (*types.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byMint[mint], nil
}

func (s *fakeStore) FindByBondingCurveKey(_ context.Context, key string) (*types.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key], nil
}

type fakeSink struct {
	mu    sync.Mutex
	items []db.Item
	full  bool
}

func (s *fakeSink) Enqueue(item db.Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.items = append(s.items, item)
	return true
}

func (s *fakeSink) byKind() (tokens []*types.Token, trades []*types.Trade, snaps, states int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		switch {
		case it.Token != nil:
			tokens = append(tokens, it.Token)
		case it.Trade != nil:
			trades = append(trades, it.Trade)
		case it.Snapshot != nil:
			snaps++
		case it.AccountState != nil:
			states++
		}
	}
	return
}

type fixture struct {
	h     *Handler
	bus   *bus.Bus
	store *fakeStore
	sink  *fakeSink
	m     *metrics.Metrics
}

func newFixture(t *testing.T, cfg config.DiscoveryConfig, solPrice float64) *fixture {
	t.Helper()
	b := bus.New(testLogger())
	store := newFakeStore()
	sink := &fakeSink{}
	m := metrics.New()
	cache := db.NewTokenCache(2*time.Hour, time.Minute, nil, metrics.New(), testLogger())
	h := New(cfg, time.Second, b, m, store, cache, sink, fixedPrice(solPrice), testLogger())
	return &fixture{h: h, bus: b, store: store, sink: sink, m: m}
}

func discoveryDefaults() config.DiscoveryConfig {
	return config.DiscoveryConfig{BCSaveThreshold: 8888, AMMSaveThreshold: 1000}
}

func bcTrade(mint, sig string, slot, vSol, vTok uint64) types.BCTradeEvent {
	return types.BCTradeEvent{
		Signature:            sig,
		MintAddress:          mint,
		UserAddress:          "user1",
		TradeType:            types.TradeBuy,
		SolAmount:            1_000_000_000,
		TokenAmount:          30_000_000_000_000,
		VirtualSolReserves:   vSol,
		VirtualTokenReserves: vTok,
		Slot:                 slot,
		BlockTime:            time.Unix(1700000000, 0),
	}
}

func TestHandleBCTradeComputesPriceAndDiscoversToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, discoveryDefaults(), 180)

	var discovered []types.TokenDiscovered
	f.bus.TokenDiscovered.Subscribe(func(ev types.TokenDiscovered) { discovered = append(discovered, ev) })
	var crossed []types.ThresholdCrossed
	f.bus.TokenThresholdCrossed.Subscribe(func(ev types.ThresholdCrossed) { crossed = append(crossed, ev) })

	// 100 SOL virtual vs 1e9 raw token units at $180: market cap $18,000.
	res := f.h.HandleBCTrade(context.Background(), bcTrade("mintA", "sig1", 100, 100_000_000_000, 1_000_000_000))
	if res.Outcome != types.HandleSaved {
		t.Fatalf("outcome = %+v, want saved", res)
	}

	tokens, _, _, _ := f.sink.byKind()
	if len(tokens) != 1 {
		t.Fatalf("sink got %d tokens, want 1", len(tokens))
	}
	tok := tokens[0]
	if tok.LatestMarketCapUsd < 17_999 || tok.LatestMarketCapUsd > 18_001 {
		t.Errorf("market cap = %v, want ~18000", tok.LatestMarketCapUsd)
	}
	if tok.FirstProgram != types.ProgramBondingCurve || tok.CurrentProgram != types.ProgramBondingCurve {
		t.Errorf("programs = %s/%s", tok.FirstProgram, tok.CurrentProgram)
	}
	if tok.ThresholdCrossedAt == nil {
		t.Error("market cap above threshold must set thresholdCrossedAt on creation")
	}
	if len(discovered) != 1 || len(crossed) != 1 {
		t.Errorf("events: %d discovered, %d crossed, want 1/1", len(discovered), len(crossed))
	}
	if f.h.PendingCount() != 1 {
		t.Errorf("pending trades = %d, want 1", f.h.PendingCount())
	}
}

func TestHandleBCTradeBelowThresholdSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, discoveryDefaults(), 180)

	// 10 SOL vs 1e9 raw: market cap $1,800, below the $8,888 threshold.
	res := f.h.HandleBCTrade(context.Background(), bcTrade("mintB", "sig1", 100, 10_000_000_000, 1_000_000_000))
	if res.Outcome != types.HandleSkipped {
		t.Fatalf("outcome = %+v, want skipped", res)
	}
	if tokens, trades, _, _ := f.sink.byKind(); len(tokens) != 0 || len(trades) != 0 {
		t.Error("skipped trade must not reach the sink")
	}
	if f.h.PendingCount() != 0 {
		t.Error("skipped trade must not be buffered")
	}
}

func TestSaveAllTokensBypassesThreshold(t *testing.T) {
	t.Parallel()

	cfg := discoveryDefaults()
	cfg.SaveAllTokens = true
	f := newFixture(t, cfg, 180)

	res := f.h.HandleBCTrade(context.Background(), bcTrade("mintC", "sig1", 100, 10_000_000_000, 1_000_000_000))
	if res.Outcome != types.HandleSaved {
		t.Fatalf("outcome = %+v, want saved with saveAllTokens", res)
	}
}

func TestThresholdCrossedEmittedExactlyOnce(t *testing.T) {
	t.Parallel()

	cfg := discoveryDefaults()
	cfg.SaveAllTokens = true
	f := newFixture(t, cfg, 180)

	var crossed int
	f.bus.TokenThresholdCrossed.Subscribe(func(types.ThresholdCrossed) { crossed++ })

	// Below threshold: tracked but not crossed.
	f.h.HandleBCTrade(context.Background(), bcTrade("mintD", "sig1", 100, 10_000_000_000, 1_000_000_000))
	if crossed != 0 {
		t.Fatalf("crossed = %d before reaching threshold", crossed)
	}

	// Crosses.
	f.h.HandleBCTrade(context.Background(), bcTrade("mintD", "sig2", 101, 100_000_000_000, 1_000_000_000))
	// Stays above; must not re-emit.
	f.h.HandleBCTrade(context.Background(), bcTrade("mintD", "sig3", 102, 120_000_000_000, 1_000_000_000))

	if crossed != 1 {
		t.Errorf("crossed = %d, want exactly 1", crossed)
	}
}

func TestThresholdCrossedStampedWithBlockTime(t *testing.T) {
	t.Parallel()

	cfg := discoveryDefaults()
	cfg.SaveAllTokens = true
	f := newFixture(t, cfg, 180)

	var crossed []types.ThresholdCrossed
	f.bus.TokenThresholdCrossed.Subscribe(func(ev types.ThresholdCrossed) { crossed = append(crossed, ev) })

	// Tracked below the threshold first, then pushed over by a trade with a
	// distinct block time.
	f.h.HandleBCTrade(context.Background(), bcTrade("mintL", "sig1", 100, 10_000_000_000, 1_000_000_000))
	ev := bcTrade("mintL", "sig2", 101, 100_000_000_000, 1_000_000_000)
	ev.BlockTime = time.Unix(1700000050, 0)
	f.h.HandleBCTrade(context.Background(), ev)

	tokens, _, _, _ := f.sink.byKind()
	tok := tokens[len(tokens)-1]
	if tok.ThresholdCrossedAt == nil || !tok.ThresholdCrossedAt.Equal(ev.BlockTime) {
		t.Errorf("thresholdCrossedAt = %v, want crossing trade's block time %v", tok.ThresholdCrossedAt, ev.BlockTime)
	}
	if len(crossed) != 1 || !crossed[0].At.Equal(ev.BlockTime) {
		t.Errorf("crossed events = %+v, want At = block time", crossed)
	}

	// Discovery straight above the threshold stamps the first trade's time.
	first := bcTrade("mintM", "sig1", 100, 100_000_000_000, 1_000_000_000)
	f.h.HandleBCTrade(context.Background(), first)
	tokens, _, _, _ = f.sink.byKind()
	tok = tokens[len(tokens)-1]
	if tok.ThresholdCrossedAt == nil || !tok.ThresholdCrossedAt.Equal(first.BlockTime) {
		t.Errorf("thresholdCrossedAt on discovery = %v, want %v", tok.ThresholdCrossedAt, first.BlockTime)
	}
}

func TestFullSinkDropsAreCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, discoveryDefaults(), 180)
	f.h.rng = func() float64 { return 0.9 } // suppress the snapshot roll
	f.sink.full = true

	res := f.h.HandleBCTrade(context.Background(), bcTrade("mintN", "sig1", 100, 100_000_000_000, 1_000_000_000))
	if res.Outcome != types.HandleSaved {
		t.Fatalf("outcome = %+v", res)
	}
	if got := testutil.ToFloat64(f.m.QueueDrops); got != 1 {
		t.Errorf("queue drops = %v, want 1 for the refused token row", got)
	}
}

func TestStaleSlotDoesNotMoveTokenStateBackwards(t *testing.T) {
	t.Parallel()

	f := newFixture(t, discoveryDefaults(), 180)

	f.h.HandleBCTrade(context.Background(), bcTrade("mintE", "sig1", 200, 100_000_000_000, 1_000_000_000))
	// Slot 150 arrives late with different reserves.
	res := f.h.HandleBCTrade(context.Background(), bcTrade("mintE", "sig2", 150, 50_000_000_000, 1_000_000_000))
	if res.Outcome != types.HandleSaved {
		t.Fatalf("late trade outcome = %+v, want saved (row still recorded)", res)
	}

	tokens, _, _, _ := f.sink.byKind()
	last := tokens[len(tokens)-1]
	if last.LatestUpdateSlot != 200 {
		t.Errorf("latestUpdateSlot = %d, want 200 (stale slot ignored)", last.LatestUpdateSlot)
	}
	if last.LatestVirtualSolReserves != 100_000_000_000 {
		t.Errorf("reserves overwritten by stale trade: %d", last.LatestVirtualSolReserves)
	}
	if f.h.PendingCount() != 2 {
		t.Errorf("pending = %d, want both trades buffered", f.h.PendingCount())
	}
}

func TestHandleAMMTradeUsesPoolSideSupplyAndGraduates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, discoveryDefaults(), 180)

	// Token already tracked from its curve days.
	f.store.byMint["mintF"] = &types.Token{
		MintAddress:    "mintF",
		FirstProgram:   types.ProgramBondingCurve,
		CurrentProgram: types.ProgramBondingCurve,
	}

	var graduated []types.Graduated
	f.bus.TokenGraduated.Subscribe(func(ev types.Graduated) { graduated = append(graduated, ev) })

	// 30 SOL pool side vs 500e12 raw tokens: market cap = 30 * 180 = $5,400.
	ev := types.AMMTradeEvent{
		Signature:         "ammsig1",
		MintAddress:       "mintF",
		UserAddress:       "user1",
		TradeType:         types.TradeBuy,
		SolAmount:         1_850_000_000,
		TokenAmount:       42_000_000_000,
		PoolAddress:       "pool1",
		PoolSolReserves:   30_000_000_000,
		PoolTokenReserves: 500_000_000_000_000,
		Slot:              300,
		BlockTime:         time.Unix(1700000100, 0),
	}
	res := f.h.HandleAMMTrade(context.Background(), ev)
	if res.Outcome != types.HandleSaved {
		t.Fatalf("outcome = %+v", res)
	}

	tokens, _, _, _ := f.sink.byKind()
	tok := tokens[len(tokens)-1]
	if tok.LatestMarketCapUsd < 5_399 || tok.LatestMarketCapUsd > 5_401 {
		t.Errorf("AMM market cap = %v, want ~5400 (pool-side supply)", tok.LatestMarketCapUsd)
	}
	if !tok.GraduatedToAmm || tok.CurrentProgram != types.ProgramAMMPool {
		t.Errorf("token not graduated: %+v", tok)
	}
	if len(graduated) != 1 || graduated[0].Method != types.GraduationAMMTrade {
		t.Errorf("graduated events = %+v", graduated)
	}
}

func TestHandlePoolCreatedUpsertsUnknownToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, discoveryDefaults(), 180)

	var graduated []types.Graduated
	f.bus.TokenGraduated.Subscribe(func(ev types.Graduated) { graduated = append(graduated, ev) })

	ev := types.PoolCreatedEvent{
		PoolAddress: "pool9",
		Creator:     "creator9",
		BaseMint:    "mintG",
		QuoteMint:   "So11111111111111111111111111111111111111112",
		Signature:   "poolsig",
		Slot:        400,
		BlockTime:   time.Unix(1700000200, 0),
	}
	f.h.HandlePoolCreated(context.Background(), ev)
	// Duplicate delivery is a no-op for the event.
	f.h.HandlePoolCreated(context.Background(), ev)

	tokens, _, _, _ := f.sink.byKind()
	if len(tokens) == 0 {
		t.Fatal("pool creation must upsert a token row")
	}
	tok := tokens[len(tokens)-1]
	if !tok.GraduatedToAmm || tok.AmmPoolAddress != "pool9" || tok.GraduationSignature != "poolsig" {
		t.Errorf("graduation fields: %+v", tok)
	}
	if tok.Creator != "creator9" {
		t.Errorf("creator = %q, want captured from pool creation", tok.Creator)
	}
	if len(graduated) != 1 || graduated[0].Method != types.GraduationPoolCreation {
		t.Errorf("graduated events = %+v", graduated)
	}
}

func TestHandleAccountUpdateCompleteGraduates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, discoveryDefaults(), 180)
	f.store.byKey["curve1"] = &types.Token{
		MintAddress:     "mintH",
		BondingCurveKey: "curve1",
		FirstProgram:    types.ProgramBondingCurve,
		CurrentProgram:  types.ProgramBondingCurve,
	}

	var progress []types.CurveProgress
	f.bus.CurveProgress.Subscribe(func(ev types.CurveProgress) { progress = append(progress, ev) })
	var graduated []types.Graduated
	f.bus.TokenGraduated.Subscribe(func(ev types.Graduated) { graduated = append(graduated, ev) })

	f.h.HandleAccountUpdate(context.Background(), types.BCAccountUpdateEvent{
		BondingCurveKey:      "curve1",
		VirtualSolReserves:   114_000_000_000,
		VirtualTokenReserves: 100_000_000_000,
		Complete:             true,
		Lamports:             84_000_000_000,
		Slot:                 500,
	})

	if len(progress) != 1 || progress[0].Progress != 100 || !progress[0].Complete {
		t.Errorf("progress events = %+v", progress)
	}
	if len(graduated) != 1 || graduated[0].Method != types.GraduationCurveComplete {
		t.Errorf("graduated events = %+v", graduated)
	}
	tokens, _, _, states := f.sink.byKind()
	if states != 1 {
		t.Errorf("account states enqueued = %d, want 1", states)
	}
	if len(tokens) == 0 {
		t.Fatal("completion must upsert the token row")
	}
	tok := tokens[len(tokens)-1]
	if !tok.GraduatedToAmm || tok.CurrentProgram != types.ProgramAMMPool || tok.GraduationAt == nil {
		t.Errorf("token after completion = %+v", tok)
	}
}

func TestHandleAccountUpdateUnknownCurveIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, discoveryDefaults(), 180)
	f.h.HandleAccountUpdate(context.Background(), types.BCAccountUpdateEvent{
		BondingCurveKey: "unknown",
		Complete:        true,
		Slot:            1,
	})
	if len(f.sink.items) != 0 {
		t.Error("unknown curve account must be ignored")
	}
}

func TestSnapshotSamplingTiers(t *testing.T) {
	t.Parallel()

	cfg := discoveryDefaults()
	cfg.SaveAllTokens = true
	f := newFixture(t, cfg, 180)
	f.h.rng = func() float64 { return 0.9 } // above every tier probability

	// Market cap ~$1,800: base 10% tier, rng 0.9 suppresses the snapshot.
	f.h.HandleBCTrade(context.Background(), bcTrade("mintI", "sig1", 100, 10_000_000_000, 1_000_000_000))
	if _, _, snaps, _ := f.sink.byKind(); snaps != 0 {
		t.Errorf("snapshots = %d, want 0 in the 10%% tier with high roll", snaps)
	}

	// Market cap ~$108,000: always sampled.
	f.h.HandleBCTrade(context.Background(), bcTrade("mintI", "sig2", 101, 600_000_000_000, 1_000_000_000))
	if _, _, snaps, _ := f.sink.byKind(); snaps != 1 {
		t.Errorf("snapshots = %d, want 1 above $100k", snaps)
	}
}

func TestDrainPendingMovesTradesToSink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, discoveryDefaults(), 180)
	f.h.HandleBCTrade(context.Background(), bcTrade("mintJ", "sig1", 100, 100_000_000_000, 1_000_000_000))
	f.h.HandleBCTrade(context.Background(), bcTrade("mintJ", "sig2", 101, 101_000_000_000, 1_000_000_000))

	f.h.DrainPending()

	_, trades, _, _ := f.sink.byKind()
	if len(trades) != 2 || trades[0].Signature != "sig1" || trades[1].Signature != "sig2" {
		t.Errorf("drained trades = %+v, want sig1 then sig2", trades)
	}
	if f.h.PendingCount() != 0 {
		t.Errorf("pending = %d after drain", f.h.PendingCount())
	}
}

func TestDrainPendingRequeuesWhenSinkFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t, discoveryDefaults(), 180)
	f.h.HandleBCTrade(context.Background(), bcTrade("mintK", "sig1", 100, 100_000_000_000, 1_000_000_000))
	f.h.HandleBCTrade(context.Background(), bcTrade("mintK", "sig2", 101, 101_000_000_000, 1_000_000_000))

	f.sink.full = true
	f.h.DrainPending()
	if f.h.PendingCount() != 2 {
		t.Fatalf("pending = %d, want 2 requeued", f.h.PendingCount())
	}

	f.sink.full = false
	f.h.DrainPending()
	_, trades, _, _ := f.sink.byKind()
	if len(trades) != 2 || trades[0].Signature != "sig1" {
		t.Errorf("order lost across requeue: %+v", trades)
	}
}
