// cmd/botmanager logs in to Kite once, refreshes the shared instrument
// catalog and supervises one bridge process per bot in bots.yaml. On
// SIGINT/SIGTERM it stops every bridge and clears the shared session.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"kitebridge/config"
	"kitebridge/internal/catalog"
	"kitebridge/internal/logger"
	"kitebridge/internal/markethours"
	"kitebridge/internal/metrics"
	"kitebridge/internal/model"
	"kitebridge/internal/notification"
	"kitebridge/internal/orchestrator"
	"kitebridge/internal/resilience"
	"kitebridge/internal/session"
	"kitebridge/internal/store"
	redisstore "kitebridge/internal/store/redis"
	"kitebridge/internal/store/sqlite"
	"kitebridge/pkg/kiteconnect"
)

func main() {
	if err := run(); err != nil {
		log.Printf("[botmanager] exited with error: %v", err)
		os.Exit(1)
	}
	log.Println("[botmanager] shutdown complete.")
}

func run() error {
	cfg := config.Load()
	logger.Init("botmanager", logger.ParseLevel(cfg.LogLevel))
	if bad := markethours.AddHolidays(cfg.Holidays()); len(bad) > 0 {
		log.Printf("[botmanager] ignoring invalid MARKET_HOLIDAYS entries: %v", bad)
	}

	bots, err := config.LoadBots(cfg.BotsFile)
	if err != nil {
		return fmt.Errorf("bots: %w", err)
	}
	bin := cfg.BridgeBin
	if bin == "" {
		bin = siblingBinary("bridge")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg)
	metricsSrv.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Stop(shutdownCtx)
	}()

	// ---- Shared session store ----
	tokens, rdb, err := store.OpenTokenStore(store.TokenStoreConfig{
		Backend: cfg.SessionStore,
		File:    cfg.SessionFile,
		Redis: redisstore.Config{
			Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, Key: cfg.RedisSessionKey,
		},
	})
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	if c, ok := tokens.(interface{ Close() error }); ok {
		defer c.Close()
	}
	health.SetRedisEnabled(rdb != nil)
	if cb, ok := store.Breaker(tokens); ok {
		prom.ObserveBreaker("redis", cb)
	}

	// ---- Kite client & login ----
	breaker := resilience.NewCircuitBreaker(5, 30*time.Second)
	prom.ObserveBreaker("kite", breaker)
	kite := kiteconnect.New(kiteconnect.Config{
		APIKey:    cfg.KiteAPIKey,
		APISecret: cfg.KiteAPISecret,
		RootURL:   cfg.KiteRootURL,
		Timeout:   cfg.KiteTimeout,
		Breaker:   breaker,
	})

	var producer session.CredentialProducer
	if cfg.KiteRequestToken != "" {
		producer = kiteconnect.StaticToken(cfg.KiteRequestToken)
	} else {
		auto := &kiteconnect.AutoLogin{
			APIKey:     cfg.KiteAPIKey,
			UserID:     cfg.KiteUserID,
			Password:   cfg.KitePassword,
			TOTPSecret: cfg.KiteTOTPSecret,
			LoginRoot:  cfg.KiteLoginURL,
			ConnectURL: cfg.KiteConnectURL,
		}
		if err := auto.Validate(); err != nil {
			return fmt.Errorf("%w (set KITE_REQUEST_TOKEN or the auto-login credentials)", err)
		}
		producer = auto
	}
	sessions := session.NewManager(session.Config{
		APIKey:        cfg.KiteAPIKey,
		Cutover:       cfg.Cutover(),
		RetryAttempts: cfg.SessionRetryAttempts,
	}, tokens, kite, producer)
	sessions.OnSession = func(s model.Session) {
		kite.SetAccessToken(s.AccessToken)
		health.SetSessionValid(true)
	}

	// ---- Catalog ----
	catStore, err := sqlite.NewCatalogStore(cfg.CatalogDBPath)
	if err != nil {
		return fmt.Errorf("catalog store: %w", err)
	}
	defer catStore.Close()
	health.CheckSQLite(ctx, catStore.DB())
	health.StartLivenessChecker(ctx, rdb, 30*time.Second, catStore.DB())

	cat := catalog.New(catalog.Config{
		Exchange:       cfg.CatalogExchange,
		InstrumentType: cfg.CatalogInstrumentType,
		StrategyDir:    cfg.StrategyDir,
		AnchorWeekday:  cfg.AnchorWeekday(),
	}, kite, catStore)
	cat.OnSync = func(snap catalog.Snapshot) {
		prom.CatalogSyncs.WithLabelValues("ok").Inc()
		prom.CatalogInstruments.Set(float64(snap.Stored))
		health.SetCatalogLoaded(true)
	}

	// ---- Supervise ----
	orch := orchestrator.New(orchestrator.Config{
		Bots:          bots,
		ShutdownGrace: cfg.ShutdownGrace,
	}, sessions, refresher{cat, prom}, tokens,
		orchestrator.ExecLauncher{Binary: bin},
		notification.New(notification.Config{
			TelegramBotToken: cfg.TelegramBotToken,
			TelegramChatID:   cfg.TelegramChatID,
			WebhookURL:       cfg.AlertWebhookURL,
		}),
		prom)

	log.Printf("[botmanager] launching %d bridges from %s", len(bots), bin)
	return orch.Run(ctx)
}

// refresher counts failed catalog refreshes; successes are counted by OnSync.
type refresher struct {
	cat  *catalog.Catalog
	prom *metrics.Metrics
}

func (r refresher) RefreshIfStale(ctx context.Context, today time.Time) (bool, error) {
	ok, err := r.cat.RefreshIfStale(ctx, today)
	if err != nil {
		r.prom.CatalogSyncs.WithLabelValues("error").Inc()
	}
	return ok, err
}

// siblingBinary returns name next to the running executable.
func siblingBinary(name string) string {
	exe, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(exe), name)
}
