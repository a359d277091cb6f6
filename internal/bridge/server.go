// Package bridge is one strategy's HTTP facade over the broker: market
// metadata, cached candles, orders and session completion.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kitebridge/internal/apperr"
	"kitebridge/internal/history"
	"kitebridge/internal/metrics"
	"kitebridge/internal/model"
	"kitebridge/internal/order"
	"kitebridge/pkg/kiteconnect"
)

// Sessions is the read side of the session manager plus callback completion.
type Sessions interface {
	Current(ctx context.Context) (model.Session, error)
	Exchange(ctx context.Context, requestToken string) (model.Session, error)
	IsValid(s model.Session, now time.Time) bool
}

// Catalog serves the strategy's instrument subset.
type Catalog interface {
	LoadForTag(ctx context.Context, tag string) ([]model.Instrument, error)
	RefreshIfStale(ctx context.Context, today time.Time) (bool, error)
}

// History is the candle cache.
type History interface {
	Fetch(ctx context.Context, token int64, timeframe string, after int64, limit int) (history.Page, error)
	EnsureRange(ctx context.Context, token int64, timeframe string, from, to time.Time) (int, error)
}

// Upstream is the authenticated Kite client.
type Upstream interface {
	order.Broker
	SetAccessToken(token string)
	LTP(ctx context.Context, instruments ...string) (map[string]kiteconnect.LTPQuote, error)
}

// TradeLog is the trade journal.
type TradeLog interface {
	order.Recorder
	GetTrades(ctx context.Context, limit int) ([]order.TradeRecord, error)
}

// Config is the per-instance configuration.
type Config struct {
	StrategyTag string
	Addr        string
	DryRun      bool
	// Product is the default live order product (MIS, CNC, NRML).
	Product string
}

// Deps are the collaborators of a Server. Journal, Metrics, Health and
// Gatherer are optional.
type Deps struct {
	Sessions Sessions
	Catalog  Catalog
	History  History
	Upstream Upstream
	Journal  TradeLog
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

// Server is one bridge instance.
type Server struct {
	cfg    Config
	deps   Deps
	orders order.Manager
	ticks  *TickCache
	stream *TickStream

	mu          sync.RWMutex
	session     model.Session
	hasSession  bool
	instruments []model.Instrument
	byPair      map[string]model.Instrument
	bySymbol    map[string]model.Instrument
	byToken     map[int64]model.Instrument

	httpSrv *http.Server
}

// New builds a Server. Call Init before serving.
func New(cfg Config, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Health == nil {
		deps.Health = metrics.NewHealthStatus()
	}
	s := &Server{cfg: cfg, deps: deps, ticks: NewTickCache()}
	s.stream = NewTickStream(s.ticks, s.pairForToken)

	var journal order.Recorder
	if deps.Journal != nil {
		journal = deps.Journal
	}
	if cfg.DryRun {
		s.orders = order.NewDryRun(journal)
	} else {
		s.orders = order.NewLive(order.LiveConfig{Product: cfg.Product, Tag: cfg.StrategyTag},
			deps.Upstream, s.Resolve, journal)
	}
	return s
}

// Mode is "dry_run" or "live".
func (s *Server) Mode() string { return s.orders.Mode() }

// Init loads the stored session and the strategy's catalog subset. Missing
// either is not fatal: the instance serves but reports not ready until the
// callback completes a session.
func (s *Server) Init(ctx context.Context) error {
	var errs []error
	if sess, err := s.deps.Sessions.Current(ctx); err != nil {
		log.Printf("[bridge] %s: no usable session yet: %v", s.cfg.StrategyTag, err)
		errs = append(errs, err)
	} else {
		s.applySession(sess)
	}
	if err := s.reloadCatalog(ctx); err != nil {
		log.Printf("[bridge] %s: catalog not loaded: %v", s.cfg.StrategyTag, err)
		errs = append(errs, err)
	}
	s.updateReady()
	return errors.Join(errs...)
}

func (s *Server) applySession(sess model.Session) {
	if s.deps.Upstream != nil {
		s.deps.Upstream.SetAccessToken(sess.AccessToken)
	}
	s.mu.Lock()
	s.session = sess
	s.hasSession = true
	s.mu.Unlock()
	s.deps.Health.SetSessionValid(true)
}

// InvalidateSession drops the in-memory session, e.g. after Kite rejects the
// token. The next callback restores it.
func (s *Server) InvalidateSession() {
	s.mu.Lock()
	was := s.hasSession
	s.hasSession = false
	s.mu.Unlock()
	if was {
		log.Printf("[bridge] %s: session rejected upstream, waiting for a new one", s.cfg.StrategyTag)
	}
	s.deps.Health.SetSessionValid(false)
	s.updateReady()
}

// SessionValid reports whether a session is loaded and not past its cutover.
func (s *Server) SessionValid() bool {
	s.mu.RLock()
	sess, ok := s.session, s.hasSession
	s.mu.RUnlock()
	return ok && s.deps.Sessions.IsValid(sess, s.deps.Now())
}

func (s *Server) reloadCatalog(ctx context.Context) error {
	insts, err := s.deps.Catalog.LoadForTag(ctx, s.cfg.StrategyTag)
	if err != nil {
		s.deps.Health.SetCatalogLoaded(false)
		return err
	}
	byPair := make(map[string]model.Instrument, len(insts))
	bySymbol := make(map[string]model.Instrument, len(insts))
	byToken := make(map[int64]model.Instrument, len(insts))
	for _, i := range insts {
		byPair[i.Pair] = i
		bySymbol[i.TradingSymbol] = i
		byToken[i.Token] = i
	}

	s.mu.Lock()
	s.instruments = insts
	s.byPair, s.bySymbol, s.byToken = byPair, bySymbol, byToken
	s.mu.Unlock()

	s.deps.Health.SetCatalogLoaded(true)
	if s.deps.Metrics != nil {
		s.deps.Metrics.CatalogInstruments.Set(float64(len(insts)))
	}
	log.Printf("[bridge] %s: loaded %d instruments", s.cfg.StrategyTag, len(insts))
	return nil
}

// Ready mirrors the health endpoint: a catalog subset is loaded and, in live
// mode, a valid session too.
func (s *Server) Ready() bool {
	s.mu.RLock()
	loaded := len(s.instruments) > 0
	s.mu.RUnlock()
	if s.cfg.DryRun {
		return loaded
	}
	return loaded && s.SessionValid()
}

func (s *Server) updateReady() {
	if s.deps.Metrics == nil {
		return
	}
	v := 0.0
	if s.Ready() {
		v = 1
	}
	s.deps.Metrics.BridgeReady.Set(v)
}

// Resolve finds an instrument by pair ("INFY/INR"), exchange id ("INFY_INR")
// or trading symbol ("INFY").
func (s *Server) Resolve(symbol string) (model.Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i, ok := s.byPair[symbol]; ok {
		return i, true
	}
	i, ok := s.bySymbol[model.BaseSymbol(symbol)]
	return i, ok
}

// Instruments returns the loaded subset.
func (s *Server) Instruments() []model.Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instruments
}

func (s *Server) pairForToken(token int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byToken[token]
	return i.Pair, ok
}

// CompleteSession exchanges a callback request token, then refreshes the
// catalog if stale and reloads the subset.
func (s *Server) CompleteSession(ctx context.Context, requestToken string) error {
	sess, err := s.deps.Sessions.Exchange(ctx, requestToken)
	if err != nil {
		return err
	}
	s.applySession(sess)

	if _, err := s.deps.Catalog.RefreshIfStale(ctx, s.deps.Now()); err != nil {
		log.Printf("[bridge] %s: catalog refresh after login failed: %v", s.cfg.StrategyTag, err)
	}
	err = s.reloadCatalog(ctx)
	s.updateReady()
	if err != nil {
		return fmt.Errorf("session established but %w", err)
	}
	return nil
}

// liveGuard rejects live-mode calls while no valid session is loaded.
func (s *Server) liveGuard() error {
	if s.cfg.DryRun || s.SessionValid() {
		return nil
	}
	return fmt.Errorf("%w: bridge has no valid session", apperr.ErrAuth)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[bridge] %s listening on %s (%s)", s.cfg.StrategyTag, s.cfg.Addr, s.Mode())
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Printf("[bridge] %s stopped", s.cfg.StrategyTag)
	return nil
}
