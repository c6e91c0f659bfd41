package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tradesim-core/internal/api"
	"tradesim-core/internal/balance"
	"tradesim-core/internal/domain"
	"tradesim-core/internal/events"
	"tradesim-core/internal/market"
	"tradesim-core/internal/monitor"
	"tradesim-core/internal/reconciliation"
	"tradesim-core/internal/risk"
	"tradesim-core/internal/settlement"
	"tradesim-core/internal/trading"
	"tradesim-core/internal/withdrawal"
	"tradesim-core/pkg/cache"
	"tradesim-core/pkg/config"
	"tradesim-core/pkg/db"
	"tradesim-core/pkg/db/postgres"
	"tradesim-core/pkg/i18n"
	"tradesim-core/pkg/logger"
)

var buildVersion = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zap.ReplaceGlobals(zl)
	sl := zl.Sugar()

	sl.Info(i18n.Get("Starting"))
	sl.Infof(i18n.Get("ConfigLoaded"), cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		sl.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer store.Close()
	sl.Infof(i18n.Get("UsingDBDriver"), cfg.DBDriver)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)

	bus := events.NewBus()
	bus.OnDrop(func(e events.Event) { metrics.ObserveBusDrop(string(e)) })

	// Trading rules
	tiers := domain.DefaultTiers()
	if cfg.TiersFile != "" {
		if tiers, err = domain.LoadTiers(cfg.TiersFile); err != nil {
			zl.Fatal("load tier table", zap.String("path", cfg.TiersFile), zap.Error(err))
		}
	}
	symbols := cfg.Instruments
	if len(symbols) == 0 {
		symbols = domain.DefaultInstruments
	}
	instruments := domain.NewInstrumentSet(symbols)
	riskMgr := risk.NewManager(risk.Config{
		MinStake:           cfg.MinStake,
		MaxStake:           cfg.MaxStake,
		MaxActivePositions: cfg.MaxActivePositions,
		WarningThreshold:   risk.DefaultConfig().WarningThreshold,
	})

	ledger := balance.NewLedger(store, bus, zl)
	tradingSvc := trading.NewService(store, tiers, instruments, riskMgr, bus, zl, trading.WithMetrics(metrics))
	engine := settlement.NewEngine(store, bus, zl, settlement.WithMetrics(metrics))
	withdrawals := withdrawal.NewService(store, bus, zl)

	// Reconciliation, optionally behind a redis leader lock
	reconOpts := []reconciliation.Option{
		reconciliation.WithMetrics(metrics),
		reconciliation.WithBatch(cfg.ReconcileBatch),
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		locker := cache.NewRedisLocker(rdb, "", zl)
		if err := locker.Ping(ctx); err != nil {
			zl.Warn("redis unreachable; sweeping without leader lock", zap.Error(err))
		} else {
			reconOpts = append(reconOpts, reconciliation.WithLocker(locker))
			sl.Infof(i18n.Get("LeaderLockEnabled"), cfg.RedisAddr)
		}
	}
	recon := reconciliation.NewService(engine, store, ledger, bus, zl, cfg.ReconcileInterval, reconOpts...)
	recon.Start(ctx)
	sl.Info(i18n.Get("ReconStarted"))

	(&monitor.Monitor{Bus: bus, Sink: monitor.LogSink{Logger: zl.Named("alerts")}, Logger: zl}).Start(ctx)

	// Display prices
	var feed *market.Feed
	if cfg.EnablePriceFeed {
		var src market.Source = market.NewBinanceSource()
		if cfg.UseMockFeed {
			src = &market.MockSource{StartPrice: 100, Step: 0.5}
		}
		feed = market.NewFeed(src, bus, instruments.Symbols(), cfg.PriceCacheTTL, zl)
		feed.Start(ctx, cfg.PriceCacheTTL)
		if cfg.UseMockFeed {
			sl.Info(i18n.Get("MockFeedStarted"))
		} else {
			sl.Info(i18n.Get("BinanceFeedStarted"))
		}
	}

	if cfg.GRPCHealthAddr != "" {
		hs := api.NewHealthService(store, 5*time.Second, zl)
		go func() {
			if err := hs.Serve(ctx, cfg.GRPCHealthAddr); err != nil {
				zl.Error("grpc health service stopped", zap.Error(err))
			}
		}()
		sl.Infof(i18n.Get("GRPCHealthStarted"), cfg.GRPCHealthAddr)
	}

	// API
	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(cfg, api.Deps{
		Store:       store,
		Bus:         bus,
		Ledger:      ledger,
		Trading:     tradingSvc,
		Engine:      engine,
		Recon:       recon,
		Withdrawals: withdrawals,
		Feed:        feed,
		Metrics:     metrics,
		Gatherer:    reg,
		Logger:      zl,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sl.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()
	sl.Infof(i18n.Get("ServerListening"), cfg.Port)
	zl.Info("build", zap.String("version", buildVersion))

	<-ctx.Done()
	sl.Info(i18n.Get("ShuttingDown"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
}

// openStore connects the configured backend and brings its schema up to date.
func openStore(ctx context.Context, cfg *config.Config) (domain.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		store, err := postgres.New(ctx, postgres.ClientConfig{DSN: cfg.PostgresDSN, MaxConns: 10, MinConns: 1})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "sqlite":
		database, err := db.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := db.ApplyMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf(i18n.Get("DBMigrationsFailed"), err)
		}
		return database, nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}
