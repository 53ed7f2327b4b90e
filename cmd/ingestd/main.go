// pump.fun ingestion daemon — streams the launchpad's bonding-curve and AMM
// programs over Geyser gRPC, prices every trade, tracks token lifecycle
// (discovery → threshold → graduation), and persists everything to Postgres.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts service, waits for SIGINT/SIGTERM
//	ingest/service.go    — orchestrator: wires stream → parser → handler → writer, manages lifecycle
//	stream/manager.go    — Geyser connection pool: merged subscriptions, reconnect, health migration
//	parser/parser.go     — decodes trade events, AMM swaps, pool creations, curve account updates
//	pricing/             — reserve-ratio pricing, market caps, curve progress, SOL/USD reference
//	handler/trade.go     — discovery thresholds, threshold/graduation state machine, trade buffering
//	monitor/monitor.go   — pool-creation and curve-completion graduation watchers
//	db/                  — pgx repositories, hot token cache, transactional batch writer
//	publish/nats.go      — re-emits lifecycle/trade events over NATS for external consumers
//	api/server.go        — ops HTTP: /healthz, /metrics, read-only stats endpoints
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/api"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/config"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/ingest"
	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()
	if p := os.Getenv("PUMP_CONFIG"); p != "" && !flagPassed("config") {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := ingest.New(ctx, *cfg, m, logger)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	var opsServer *api.Server
	if cfg.Metrics.Enabled {
		opsServer = api.NewServer(cfg.Metrics, m.Handler(), svc.TokenRepo(), svc.TokenRepo(), svc.TradeRepo(), logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start service", "error", err)
		os.Exit(1)
	}

	logger.Info("pump.fun ingestion daemon started",
		"endpoint", cfg.Stream.Endpoint,
		"commitment", cfg.Stream.Commitment,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// A second signal skips the graceful drain.
	go func() {
		<-sigCh
		logger.Error("second signal, forcing exit")
		os.Exit(1)
	}()

	if opsServer != nil {
		if err := opsServer.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}

	svc.Stop()
}

func flagPassed(name string) bool {
	passed := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			passed = true
		}
	})
	return passed
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
