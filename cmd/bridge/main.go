// cmd/bridge serves one strategy's exchange-shaped HTTP API over Zerodha
// Kite. The bot manager starts one per bot with STRATEGY_TAG and PORT set.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"kitebridge/config"
	"kitebridge/internal/bridge"
	"kitebridge/internal/catalog"
	"kitebridge/internal/history"
	"kitebridge/internal/logger"
	"kitebridge/internal/markethours"
	"kitebridge/internal/metrics"
	"kitebridge/internal/order"
	"kitebridge/internal/resilience"
	"kitebridge/internal/session"
	"kitebridge/internal/store"
	redisstore "kitebridge/internal/store/redis"
	"kitebridge/internal/store/sqlite"
	"kitebridge/pkg/kiteconnect"
)

func main() {
	cfg := config.Load()
	if cfg.StrategyTag == "" {
		log.Fatal("[bridge] STRATEGY_TAG is required")
	}
	logger.Init("bridge", logger.ParseLevel(cfg.LogLevel), "strategy_tag", cfg.StrategyTag)
	if bad := markethours.AddHolidays(cfg.Holidays()); len(bad) > 0 {
		log.Printf("[bridge] ignoring invalid MARKET_HOLIDAYS entries: %v", bad)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()

	// ---- Shared session store ----
	tokens, rdb, err := store.OpenTokenStore(store.TokenStoreConfig{
		Backend: cfg.SessionStore,
		File:    cfg.SessionFile,
		Redis: redisstore.Config{
			Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, Key: cfg.RedisSessionKey,
		},
	})
	if err != nil {
		log.Fatalf("[bridge] session store: %v", err)
	}
	if c, ok := tokens.(interface{ Close() error }); ok {
		defer c.Close()
	}
	health.SetRedisEnabled(rdb != nil)
	if cb, ok := store.Breaker(tokens); ok {
		prom.ObserveBreaker("redis", cb)
	}

	// ---- Kite client ----
	breaker := resilience.NewCircuitBreaker(5, 30*time.Second)
	prom.ObserveBreaker("kite", breaker)
	kite := kiteconnect.New(kiteconnect.Config{
		APIKey:    cfg.KiteAPIKey,
		APISecret: cfg.KiteAPISecret,
		RootURL:   cfg.KiteRootURL,
		Timeout:   cfg.KiteTimeout,
		Breaker:   breaker,
	})

	// read-only: bridges never run the login flow themselves
	sessions := session.NewManager(session.Config{
		APIKey:        cfg.KiteAPIKey,
		Cutover:       cfg.Cutover(),
		RetryAttempts: cfg.SessionRetryAttempts,
	}, tokens, kite, nil)

	// ---- Catalog ----
	catStore, err := sqlite.NewCatalogStore(cfg.CatalogDBPath)
	if err != nil {
		log.Fatalf("[bridge] catalog store: %v", err)
	}
	defer catStore.Close()
	cat := catalog.New(catalog.Config{
		Exchange:       cfg.CatalogExchange,
		InstrumentType: cfg.CatalogInstrumentType,
		StrategyDir:    cfg.StrategyDir,
		AnchorWeekday:  cfg.AnchorWeekday(),
	}, kite, catStore)
	cat.OnSync = func(catalog.Snapshot) { prom.CatalogSyncs.WithLabelValues("ok").Inc() }

	// ---- Historical data ----
	candles, err := sqlite.NewCandleStore(cfg.HistoryDBPath)
	if err != nil {
		log.Fatalf("[bridge] candle store: %v", err)
	}
	defer candles.Close()

	var srv *bridge.Server
	hist := history.New(history.Config{
		RequestDelay:  cfg.HistoryRequestDelay,
		RetryAttempts: cfg.HistoryRetryAttempts,
		LookbackDays:  cfg.HistoryLookbackDays,
		CanFetch:      func() bool { return srv != nil && srv.SessionValid() },
	}, kite, candles)
	hist.OnChunk = func(tf string, rows int, err error) {
		prom.HistoryChunks.WithLabelValues(tf, metrics.Result(err)).Inc()
		prom.CandlesInserted.WithLabelValues(tf).Add(float64(rows))
	}

	deps := bridge.Deps{
		Sessions: sessions,
		Catalog:  cat,
		History:  hist,
		Upstream: kite,
		Metrics:  prom,
		Health:   health,
		Gatherer: reg,
	}
	dbs := []*sql.DB{catStore.DB(), candles.DB()}
	journal, err := order.NewJournal(cfg.JournalDBPath, cfg.StrategyTag)
	if err != nil {
		log.Printf("[bridge] trade journal disabled: %v", err)
	} else {
		defer journal.Close()
		deps.Journal = journal
		dbs = append(dbs, journal.DB())
	}

	srv = bridge.New(bridge.Config{
		StrategyTag: cfg.StrategyTag,
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		DryRun:      cfg.DryRun,
		Product:     cfg.OrderProduct,
	}, deps)
	kite.SessionExpiryHook = srv.InvalidateSession

	if err := srv.Init(ctx); err != nil {
		log.Printf("[bridge] starting not ready: %v", err)
	}

	health.CheckSQLite(ctx, dbs...)
	health.StartLivenessChecker(ctx, rdb, 30*time.Second, dbs...)
	go trackMarketState(ctx, prom)

	if cfg.TickerEnabled {
		go srv.RunTicker(ctx, bridge.TickerConfig{
			URL:     cfg.KiteTickerURL,
			APIKey:  cfg.KiteAPIKey,
			Staging: cfg.StagingMode,
		})
	}

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("[bridge] server: %v", err)
	}
	log.Printf("[bridge] %s shutdown complete", cfg.StrategyTag)
}

// trackMarketState updates the market open gauge once a minute.
func trackMarketState(ctx context.Context, m *metrics.Metrics) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		v := 0.0
		if markethours.IsMarketOpen(time.Now()) {
			v = 1
		}
		m.MarketState.Set(v)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
