// clodds — a prediction-market trading service: venue feed adapters behind a
// typed signal bus, price alerts on a cron scheduler, a round-based HFT
// engine for Polymarket crypto markets, and an HTTP/WS gateway on top.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires services, waits for SIGINT/SIGTERM
//	bus/bus.go           — in-process fan-out for ticks, orderbooks, and trade signals
//	feed/manager.go      — venue adapter registry + normalized market data API
//	feed/polymarket      — Gamma/CLOB REST + market WebSocket adapter
//	feed/binance         — spot ticker REST + trade-stream adapter
//	market/book.go       — local order book mirror fed by snapshots + deltas
//	userws/manager.go    — per-user authenticated venue sockets (fills, order events)
//	cron/service.go      — scheduled jobs: alert scans, market checks, agent turns
//	hft/engine.go        — scanner → evaluators → execution for 15-minute crypto rounds
//	exchange/client.go   — Polymarket CLOB REST client (EIP-712 L1 + HMAC L2 auth)
//	store/store.go       — SQLite persistence: alerts, positions, users, credentials
//	api/server.go        — gateway: REST + WS hub, health, metrics, backtests
//
// Trading is dry-run by default; set CLODDS_DRY_RUN=false and provide a wallet
// key to place real orders.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clodds/internal/api"
	"clodds/internal/bus"
	"clodds/internal/config"
	"clodds/internal/cron"
	"clodds/internal/exchange"
	"clodds/internal/feed"
	"clodds/internal/feed/binance"
	"clodds/internal/feed/polymarket"
	"clodds/internal/hft"
	"clodds/internal/store"
	"clodds/internal/userws"
	"clodds/pkg/types"
)

func main() {
	// Path from CLODDS_CONFIG when set, else ./config.yaml.
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx := context.Background()

	st, err := store.Open(store.Config{Path: cfg.Store.Path, CredentialKey: cfg.Store.CredentialKey}, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}

	b := bus.New(logger)

	feeds := feed.NewManager(logger)
	for venue, fc := range cfg.Feeds {
		if !fc.Enabled {
			continue
		}
		switch venue {
		case types.VenuePolymarket:
			feeds.Register(polymarket.New(polymarket.Config{}, logger))
		case types.VenueBinance:
			feeds.Register(binance.New(binance.Config{Watchlist: cfg.HFT.Assets}, logger))
		default:
			logger.Warn("no adapter registered for venue", "venue", venue)
		}
	}
	b.ConnectFeeds(feeds)

	userSockets := userws.NewManager(cfg.Executor.UserWSURL, logger)
	userSockets.OnFill(func(userID string, f types.Fill) {
		logger.Info("fill",
			"user", userID,
			"token", f.TokenID,
			"side", f.Side,
			"price", f.Price,
			"size", f.Size,
			"status", f.Status,
		)
	})
	userSockets.OnOrder(func(userID string, e types.OrderEvent) {
		logger.Debug("order event", "user", userID, "order", e.OrderID, "type", e.Type)
	})

	polyCreds := cfg.Feeds[types.VenuePolymarket]
	execClient, err := exchange.NewClient(exchange.Config{
		BaseURL:       cfg.Executor.BaseURL,
		PrivateKey:    cfg.Executor.PrivateKey,
		FunderAddress: cfg.Executor.FunderAddress,
		ChainID:       cfg.Executor.ChainID,
		SignatureType: cfg.Executor.SignatureType,
		APIKey:        polyCreds.APIKey,
		Secret:        polyCreds.APISecret,
		Passphrase:    polyCreds.Passphrase,
		DryRun:        cfg.Executor.DryRun,
		NegRisk:       cfg.Executor.NegRisk,
	}, logger)
	if err != nil {
		logger.Error("failed to create exchange client", "error", err)
		os.Exit(1)
	}

	var eng *hft.Engine
	if cfg.HFT.Enabled {
		eng = hft.NewEngine(hft.EngineConfig{
			Enabled:        true,
			DryRun:         cfg.HFT.DryRun,
			StakeUSD:       cfg.HFT.StakeUSD,
			SellCooldownMs: cfg.HFT.SellCooldownMs,
			Strategies: hft.StrategiesConfig{
				Momentum: hft.MomentumConfig{
					Window:         cfg.HFT.MomentumWindow,
					MinSpotMovePct: cfg.HFT.MomentumMinMovePct,
				},
			},
			Scanner: hft.ScannerConfig{
				Assets:         cfg.HFT.Assets,
				RescanInterval: cfg.HFT.RescanInterval,
			},
			Positions: hft.PositionsConfig{
				MaxOpenPositions: cfg.HFT.MaxOpenPositions,
				ForceExitSec:     cfg.HFT.ForceExitSec,
				StopLossPct:      cfg.HFT.StopLossPct,
				TakeProfitPct:    cfg.HFT.TakeProfitPct,
			},
		}, feeds, execClient, logger)
		eng.SetRecorder(st)
		eng.SetSignalFunc(func(s types.TradeSignal) { b.EmitSignal(s) })
	}

	deps := api.Deps{Feeds: feeds, Bus: b, Store: st, Exec: execClient}
	if eng != nil {
		deps.Engine = eng
	}
	gateway, err := api.NewServer(api.Config{
		Port:        cfg.Gateway.Port,
		Bind:        cfg.Gateway.Bind,
		Token:       cfg.Gateway.Auth.Token,
		CORSMode:    cfg.Gateway.CORS.Mode,
		CORSOrigins: cfg.Gateway.CORS.Origins,
		ForceHTTPS:  cfg.Gateway.ForceHTTPS,
		RatePerMin:  cfg.Gateway.RatePerMin,
	}, deps, logger)
	if err != nil {
		logger.Error("failed to create gateway", "error", err)
		os.Exit(1)
	}

	var cronSvc *cron.Service
	if cfg.Cron.Enabled {
		cronSvc = cron.New(&cron.Handlers{
			Markets: feeds,
			Alerts:  st,
			Send:    gateway.SendAlert,
			Logger:  logger,
		}, logger)
	}

	if err := feeds.Start(ctx); err != nil {
		logger.Error("failed to start feeds", "error", err)
		os.Exit(1)
	}

	if !cfg.Executor.DryRun {
		credCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		if err := execClient.EnsureCredentials(credCtx); err != nil {
			cancel()
			logger.Error("failed to derive exchange credentials", "error", err)
			os.Exit(1)
		}
		if _, err := userSockets.GetOrCreate(credCtx, "bot", execClient.Credentials()); err != nil {
			logger.Warn("user socket unavailable", "error", err)
		}
		cancel()
	}

	if eng != nil {
		if err := eng.Start(ctx); err != nil {
			logger.Error("failed to start engine", "error", err)
			os.Exit(1)
		}
	}

	if cronSvc != nil {
		if err := cronSvc.Start(ctx); err != nil {
			logger.Error("failed to start cron", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		if err := gateway.Start(ctx); err != nil {
			logger.Error("gateway failed", "error", err)
		}
	}()

	if cfg.Executor.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("clodds started",
		"gateway", fmt.Sprintf("http://%s:%d", cfg.Gateway.Bind, cfg.Gateway.Port),
		"venues", feeds.Venues(),
		"hft", cfg.HFT.Enabled,
		"cron", cfg.Cron.Enabled,
		"dry_run", cfg.Executor.DryRun,
		"store", cfg.Store.Path,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop in dependency order: gateway, engine, cron, sockets, feeds, store.
	gateway.Stop()
	if eng != nil {
		eng.Stop()
	}
	if cronSvc != nil {
		cronSvc.Stop()
	}
	userSockets.DisconnectAll()
	feeds.Stop()
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
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
