package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"kitebridge/internal/markethours"
	"kitebridge/internal/model"
	"kitebridge/pkg/kiteconnect"
)

// TickCache keeps the last tick per instrument token.
type TickCache struct {
	mu    sync.RWMutex
	ticks map[int64]model.Tick
}

func NewTickCache() *TickCache {
	return &TickCache{ticks: make(map[int64]model.Tick)}
}

func (c *TickCache) Put(t model.Tick) {
	c.mu.Lock()
	c.ticks[t.Token] = t
	c.mu.Unlock()
}

func (c *TickCache) Get(token int64) (model.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.ticks[token]
	return t, ok
}

// All returns a copy of every cached tick.
func (c *TickCache) All() []model.Tick {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Tick, 0, len(c.ticks))
	for _, t := range c.ticks {
		out = append(out, t)
	}
	return out
}

// TickerConfig drives the optional live price feed.
type TickerConfig struct {
	URL    string
	APIKey string
	// Staging skips market-hours gating, for use against a local tick server.
	Staging bool
	// RetryDelay is how long to wait when no session is available yet.
	RetryDelay time.Duration
}

// RunTicker streams LTP ticks for the loaded subset into the tick cache. In
// production it connects only while the market is open and reconnects with
// the current access token each session. It returns when ctx is cancelled.
func (s *Server) RunTicker(ctx context.Context, cfg TickerConfig) {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	for ctx.Err() == nil {
		now := s.deps.Now()
		if !cfg.Staging && !markethours.IsMarketOpen(now) {
			next := markethours.NextOpen(now)
			log.Printf("[ticker] market closed. %s", markethours.StatusString(now))
			s.deps.Health.SetTickerConnected(false)
			if !sleepCtx(ctx, next.Sub(now)) {
				return
			}
			continue
		}

		token, tokens := s.tickerAuth()
		if token == "" || len(tokens) == 0 {
			log.Printf("[ticker] waiting for session and instruments")
			if !sleepCtx(ctx, cfg.RetryDelay) {
				return
			}
			continue
		}

		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if !cfg.Staging {
			runCtx, cancel = context.WithDeadline(ctx, markethours.TodayClose(now))
		}
		t := kiteconnect.NewTicker(kiteconnect.TickerConfig{
			URL:         cfg.URL,
			APIKey:      cfg.APIKey,
			AccessToken: token,
		})
		s.wireTicker(t)
		if err := t.Subscribe(tokens); err != nil {
			log.Printf("[ticker] subscribe: %v", err)
		}
		log.Printf("[ticker] streaming %d instruments", len(tokens))
		err := t.Run(runCtx)
		cancel()
		s.deps.Health.SetTickerConnected(false)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[ticker] session ended: %v", err)
	}
}

func (s *Server) wireTicker(t *kiteconnect.Ticker) {
	t.OnConnect = func() { s.deps.Health.SetTickerConnected(true) }
	t.OnReconnect = func(int, time.Duration) {
		s.deps.Health.SetTickerConnected(false)
		if s.deps.Metrics != nil {
			s.deps.Metrics.TickerReconnects.Inc()
		}
	}
	t.OnTick = func(k kiteconnect.Tick) {
		tick := model.Tick{Token: int64(k.InstrumentToken), LastPrice: k.LastPrice, ReceivedAt: s.deps.Now()}
		s.ticks.Put(tick)
		s.stream.Publish(tick)
		s.deps.Health.SetLastTickTime(tick.ReceivedAt)
		if s.deps.Metrics != nil {
			s.deps.Metrics.TicksTotal.Inc()
		}
	}
}

func (s *Server) tickerAuth() (string, []uint32) {
	if !s.SessionValid() {
		return "", nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]uint32, 0, len(s.instruments))
	for _, i := range s.instruments {
		tokens = append(tokens, uint32(i.Token))
	}
	return s.session.AccessToken, tokens
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
