// Package ingest is the central orchestrator of the ingestion daemon.
//
// It wires together all subsystems:
//
//  1. Stream manager holds the Geyser connection pool and republishes raw
//     frames on the bus.
//  2. Parser turns frames into typed trade/account/pool events.
//  3. Trade handler runs pricing, discovery, and the graduation state
//     machine, feeding the batch writer.
//  4. Specialized monitors (pool creation, curve completion) own the
//     deduplicated graduation paths.
//  5. SOL price service keeps the USD reference fresh; the NATS publisher
//     re-emits lifecycle events for external consumers.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	pb "github.com/rpcpool/yellowstone-grpc/examples/golang/proto"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/bus"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/db"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/handler"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/monitor"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/parser"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/pricing"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/publish"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/stream"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/pkg/types"
)

// Service owns every component of the pipeline and the order they start and
// stop in.
type Service struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *metrics.Metrics

	pool      *pgxpool.Pool
	tokenRepo *db.TokenRepo
	tradeRepo *db.TradeRepo
	cache     *db.TokenCache
	writer    *db.Writer

	sol      *pricing.SolPrice
	parser   *parser.Parser
	handler  *handler.Handler
	manager  *stream.Manager
	poolMon  *monitor.PoolCreation
	curveMon *monitor.CurveCompletion

	publisher *publish.Publisher

	// Three shutdown stages: sources (stream, price, cache), then the
	// handler (drains pending into the writer), then the writer itself.
	auxCancel     context.CancelFunc
	handlerCancel context.CancelFunc
	writerCancel  context.CancelFunc
	handlerDone   chan struct{}
	writerDone    chan struct{}
	wg            sync.WaitGroup
	started       bool
}

// New creates and wires all components. The store is opened and migrated
// here so a bad DSN fails fast, before any stream connects.
func New(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*Service, error) {
	b := bus.New(logger)

	pool, err := db.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	tokenRepo := db.NewTokenRepo(pool)
	tradeRepo := db.NewTradeRepo(pool)
	cache := db.NewTokenCache(0, 0, tokenRepo.RecentlyActive, m, logger)
	writer := db.NewWriter(cfg.Batch, db.NewPGFlusher(pool), m, logger)

	sol := pricing.NewSolPrice(cfg.SolPrice, b, m, logger)
	h := handler.New(cfg.Discovery, cfg.Batch.SaveInterval, b, m, tokenRepo, cache, writer, sol, logger)
	mgr := stream.NewManager(cfg.Stream, stream.NewGeyserDialer(cfg.Stream), b, m, logger)

	s := &Service{
		cfg:       cfg,
		logger:    logger.With("component", "ingest"),
		bus:       b,
		metrics:   m,
		pool:      pool,
		tokenRepo: tokenRepo,
		tradeRepo: tradeRepo,
		cache:     cache,
		writer:    writer,
		sol:       sol,
		parser:    parser.New(),
		handler:   h,
		manager:   mgr,
		poolMon:   monitor.NewPoolCreation(h, m, logger),
		curveMon:  monitor.NewCurveCompletion(h, m, logger),
	}

	if cfg.Publish.Enabled {
		pub, err := publish.Connect(cfg.Publish, m, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s.publisher = pub
	}
	return s, nil
}

// Start wires the bus, registers subscriptions, and launches every loop.
// Returns immediately; the pipeline runs until Stop.
func (s *Service) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("ingest service already started")
	}
	s.started = true

	auxCtx, auxCancel := context.WithCancel(context.Background())
	handlerCtx, handlerCancel := context.WithCancel(context.Background())
	writerCtx, writerCancel := context.WithCancel(context.Background())
	s.auxCancel = auxCancel
	s.handlerCancel = handlerCancel
	s.writerCancel = writerCancel
	s.handlerDone = make(chan struct{})
	s.writerDone = make(chan struct{})

	s.wireBus(auxCtx)
	s.registerSubscriptions(auxCtx)
	if s.publisher != nil {
		s.publisher.Register(s.bus)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cache.Run(auxCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sol.Run(auxCtx)
	}()

	go func() {
		defer close(s.handlerDone)
		s.handler.Run(handlerCtx)
	}()

	go func() {
		defer close(s.writerDone)
		s.writer.Run(writerCtx)
	}()

	s.manager.Start(ctx)

	s.logger.Info("ingestion pipeline started",
		"max_connections", s.cfg.Stream.MaxConnections,
		"bc_threshold_usd", s.cfg.Discovery.BCSaveThreshold,
		"amm_threshold_usd", s.cfg.Discovery.AMMSaveThreshold,
		"save_all", s.cfg.Discovery.SaveAllTokens,
		"publish", s.cfg.Publish.Enabled,
	)
	return nil
}

// Stop shuts the pipeline down in dependency order: stream first so no new
// frames arrive, then the handler (flushing its pending buffer into the
// writer), then the writer's final drain, then external connections.
func (s *Service) Stop() {
	s.logger.Info("shutting down...")

	s.manager.Stop()

	s.auxCancel()
	s.wg.Wait()

	s.handlerCancel()
	<-s.handlerDone

	s.writerCancel()
	<-s.writerDone

	if s.publisher != nil {
		s.publisher.Close()
	}
	s.pool.Close()

	s.logger.Info("shutdown complete")
}

// wireBus connects the parse and handle stages.
//
// All of this runs on the stream receive goroutines: Parse is pure, and the
// handler never blocks, so a slow store cannot back-pressure the sockets.
func (s *Service) wireBus(ctx context.Context) {
	s.bus.StreamData.Subscribe(func(frame types.StreamFrame) {
		events, stats := s.parser.Parse(frame.Update)
		if stats.Malformed > 0 {
			s.metrics.ParseMalformed.Add(float64(stats.Malformed))
		}
		if stats.Unknown > 0 {
			s.metrics.FramesUnknown.Add(float64(stats.Unknown))
		}

		for _, ev := range events.BCTrades {
			s.bus.BCTradeParsed.Publish(ev)
		}
		for _, ev := range events.AMMTrades {
			s.bus.AMMTradeParsed.Publish(ev)
		}
		for _, ev := range events.AccountUpdates {
			s.bus.BCAccountUpdate.Publish(ev)
		}
		for _, ev := range events.PoolsCreated {
			s.bus.PoolCreated.Publish(ev)
		}
	})

	s.bus.BCTradeParsed.Subscribe(func(ev types.BCTradeEvent) {
		if res := s.handler.HandleBCTrade(ctx, ev); res.Outcome == types.HandleFailed {
			s.logger.Warn("bc trade failed", "signature", ev.Signature, "error", res.Err)
		}
	})
	s.bus.AMMTradeParsed.Subscribe(func(ev types.AMMTradeEvent) {
		if res := s.handler.HandleAMMTrade(ctx, ev); res.Outcome == types.HandleFailed {
			s.logger.Warn("amm trade failed", "signature", ev.Signature, "error", res.Err)
		}
	})

	// Completed curves belong to the curve-completion monitor, which owns
	// the dedupe; wiring them here too would double-fire graduation.
	s.bus.BCAccountUpdate.Subscribe(func(ev types.BCAccountUpdateEvent) {
		if ev.Complete {
			return
		}
		s.handler.HandleAccountUpdate(ctx, ev)
	})
}

// registerSubscriptions adds the primary upstream interests and the
// graduation monitors. Registration order matters: bonding-curve trades
// first so they land on the first (least contended) pool slot.
func (s *Service) registerSubscriptions(ctx context.Context) {
	noVote := false
	noFailed := false

	s.manager.SubscribeTo("bc_trades", stream.PriorityBondingCurve, stream.Spec{
		Transactions: map[string]*pb.SubscribeRequestFilterTransactions{
			"bc_trades": {
				Vote:           &noVote,
				Failed:         &noFailed,
				AccountInclude: []string{types.BondingCurveProgramID},
			},
		},
	})

	s.manager.SubscribeTo("amm_trades", stream.PriorityAMMPool, stream.Spec{
		Transactions: map[string]*pb.SubscribeRequestFilterTransactions{
			"amm_trades": {
				Vote:           &noVote,
				Failed:         &noFailed,
				AccountInclude: []string{types.AMMProgramID},
			},
		},
	})

	s.manager.SubscribeTo("bc_accounts", stream.PriorityAccountWatch, stream.Spec{
		Accounts: map[string]*pb.SubscribeRequestFilterAccounts{
			"bc_accounts": {
				Owner: []string{types.BondingCurveProgramID},
			},
		},
	})

	s.poolMon.Register(ctx, s.manager, s.bus)
	s.curveMon.Register(ctx, s.manager, s.bus)
}

// TokenRepo exposes the token repository for the ops API.
func (s *Service) TokenRepo() *db.TokenRepo { return s.tokenRepo }

// TradeRepo exposes the trade repository for the ops API.
func (s *Service) TradeRepo() *db.TradeRepo { return s.tradeRepo }

// Bus exposes the event bus, mainly for tests and the ops API.
func (s *Service) Bus() *bus.Bus { return s.bus }
