package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	"crashgame/internal/archive"
	"crashgame/internal/cache"
	"crashgame/internal/config"
	"crashgame/internal/database"
	"crashgame/internal/game"
	"crashgame/internal/ledger"
	"crashgame/internal/server"
	"crashgame/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// wallet is what every ledger backend offers.
type wallet interface {
	ledger.Gateway
	ledger.Funder
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "crashgame: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	needDB := cfg.Ledger.Backend == "postgres" || cfg.Archive.Postgres
	needRedis := cfg.Ledger.Backend == "redis" || cfg.Archive.Redis

	var db database.Service
	if needDB {
		db, err = database.New(ctx, cfg.Database.DSN())
		if err != nil {
			return err
		}
		defer db.Close()

		sqlDB := stdlib.OpenDBFromPool(db.Pool())
		if err := database.RunMigrations(sqlDB); err != nil {
			return err
		}
		logger.InfoGlobal().Msg("Database migrated")
	}

	var rdb cache.Service
	if needRedis {
		rdb, err = cache.New(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var funds wallet
	switch cfg.Ledger.Backend {
	case "postgres":
		funds = ledger.NewPostgres(db.Pool())
	case "redis":
		funds = ledger.NewRedis(rdb.GetClient())
	default:
		funds = ledger.NewMemory()
		logger.WarnGlobal().Msg("Using in-memory ledger, balances are lost on restart")
	}

	var stores archive.Multi
	if cfg.Archive.Postgres {
		stores = append(stores, archive.NewPostgres(db.Pool()))
	}
	if cfg.Archive.Redis {
		stores = append(stores, archive.NewRedis(rdb.GetClient(), cfg.Game.HistorySize))
	}

	history := game.NewHistory(cfg.Game.HistorySize)
	deps := game.Deps{
		Fairness: game.NewGenerator(cfg.Game.HouseEdgeBps, nil),
		Ledger:   funds,
		History:  history,
	}

	var store archive.Store
	if len(stores) > 0 {
		store = stores
		deps.Archiver = stores

		recent, err := stores.Recent(ctx, cfg.Game.HistorySize)
		if err != nil {
			return fmt.Errorf("warm history: %w", err)
		}
		history.Warm(recent)
		if deps.LastRoundID, deps.LastNonce, err = stores.LastRound(ctx); err != nil {
			return fmt.Errorf("resume round numbering: %w", err)
		}
		logger.InfoGlobal().Int("rounds", len(recent)).Int64("last_round_id", deps.LastRoundID).Msg("History warmed")
	}

	hub := game.NewHub(cfg.Game.SubscriberQueue, history)
	deps.Publisher = hub

	scheduler, err := game.NewScheduler(game.Config{
		PendingDelay:      cfg.Game.PendingDelay,
		BettingDuration:   cfg.Game.BettingDuration,
		CountdownInterval: cfg.Game.CountdownInterval,
		TickInterval:      cfg.Game.TickInterval,
		Cooldown:          cfg.Game.Cooldown,
		CommandTimeout:    cfg.Game.CommandTimeout,
		LedgerTimeout:     cfg.Ledger.Timeout,
		GrowthRate:        cfg.Game.GrowthRate,
		Stakes:            game.StakeLimits{Min: cfg.Game.MinStake, Max: cfg.Game.MaxStake},
		InboxSize:         cfg.Game.InboxSize,
		ArchiveQueue:      cfg.Archive.QueueSize,
	}, deps)
	if err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Config:       cfg.Server,
		Rounds:       scheduler,
		Hub:          hub,
		History:      history,
		Funds:        funds,
		HouseEdgeBps: cfg.Game.HouseEdgeBps,
		Archive:      store,
		DB:           db,
		Cache:        rdb,
	})
	srv.RegisterFiberRoutes()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.InfoGlobal().Str("addr", addr).Str("ledger", cfg.Ledger.Backend).Msg("HTTP server listening")
		return srv.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.InfoGlobal().Msg("Shutdown complete")
	return nil
}
