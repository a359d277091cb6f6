// Package history fetches historical candles from the broker under its
// per-request span limits and caches them in an append-only store.
package history

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"kitebridge/internal/apperr"
	"kitebridge/internal/model"
	"kitebridge/internal/resilience"
	"kitebridge/pkg/kiteconnect"
)

const (
	defaultLimit = 500
	maxLimit     = 5000
)

// CandleSource is the broker's historical data endpoint.
type CandleSource interface {
	HistoricalData(ctx context.Context, instrumentToken int64, interval string, from, to time.Time) ([]kiteconnect.Candle, error)
}

// Config tunes a Cache.
type Config struct {
	RequestDelay   time.Duration // minimum spacing between upstream requests
	RetryAttempts  int
	RetryBaseDelay time.Duration
	LookbackDays   int // how far back a cold series is backfilled
	// CanFetch reports whether upstream calls are currently possible, e.g.
	// whether a valid session is loaded. Nil means always.
	CanFetch func() bool
	Now      func() time.Time
}

// Page is one read of the cache.
type Page struct {
	Candles []model.Candle
	// Partial is set when a backfill attempted during the read failed part way.
	Partial bool
	Message string
}

type seriesKey struct {
	token int64
	tf    string
}

// Cache is the historical data cache.
type Cache struct {
	cfg     Config
	src     CandleSource
	store   model.CandleStore
	limiter *resilience.RateLimiter

	mu           sync.Mutex
	locks        map[seriesKey]*sync.Mutex
	lastBackfill map[seriesKey]time.Time

	// OnChunk, if set, is called after each upstream chunk with the rows
	// inserted and the chunk error.
	OnChunk func(timeframe string, rows int, err error)
}

// New wires a Cache.
func New(cfg Config, src CandleSource, store model.CandleStore) *Cache {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		cfg:          cfg,
		src:          src,
		store:        store,
		limiter:      resilience.NewRateLimiter(cfg.RequestDelay),
		locks:        make(map[seriesKey]*sync.Mutex),
		lastBackfill: make(map[seriesKey]time.Time),
	}
}

func (c *Cache) lock(k seriesKey) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[k]
	if !ok {
		m = &sync.Mutex{}
		c.locks[k] = m
	}
	return m
}

// EnsureRange downloads [from, to) in span-limited chunks, oldest first, and
// persists each chunk before requesting the next. It returns the number of new
// rows. Bars that have not closed yet are not stored, since stored candles are
// never rewritten. If a chunk fails after retries the rows from earlier chunks
// stay stored and the error wraps apperr.ErrPartialFetch.
func (c *Cache) EnsureRange(ctx context.Context, token int64, timeframe string, from, to time.Time) (int, error) {
	maxDays, ok := MaxDaysPerRequest[timeframe]
	if !ok {
		return 0, fmt.Errorf("%w: unknown timeframe %q", apperr.ErrInvalidInput, timeframe)
	}

	m := c.lock(seriesKey{token, timeframe})
	m.Lock()
	defer m.Unlock()

	chunks := SplitRange(from, to, maxDays)
	barLen := TimeframeDuration(timeframe)
	now := c.cfg.Now()
	total := 0
	for i, r := range chunks {
		var rows []kiteconnect.Candle
		err := resilience.Retry(ctx, c.cfg.RetryAttempts, c.cfg.RetryBaseDelay, apperr.IsTransient, func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			var err error
			rows, err = c.src.HistoricalData(ctx, token, timeframe, r.From, r.To)
			return err
		})
		if err != nil {
			c.chunkDone(timeframe, 0, err)
			return total, fmt.Errorf("%w: %d %s chunk %d/%d [%s, %s): %w", apperr.ErrPartialFetch,
				token, timeframe, i+1, len(chunks), r.From.Format(time.DateTime), r.To.Format(time.DateTime), err)
		}

		candles := make([]model.Candle, 0, len(rows))
		for _, row := range rows {
			if row.Time.Add(barLen).After(now) {
				continue // still forming
			}
			candles = append(candles, model.Candle{
				Token: token, Timeframe: timeframe, TS: row.Time.UnixMilli(),
				Open: row.Open, High: row.High, Low: row.Low, Close: row.Close, Volume: row.Volume,
			})
		}
		n, err := c.store.InsertCandles(ctx, candles)
		if err != nil {
			c.chunkDone(timeframe, 0, err)
			return total, fmt.Errorf("%w: persist chunk %d/%d: %w", apperr.ErrPartialFetch, i+1, len(chunks), err)
		}
		c.chunkDone(timeframe, n, nil)
		total += n
	}
	if len(chunks) > 0 {
		log.Printf("[history] %d %s: %d chunks, %d new candles", token, timeframe, len(chunks), total)
	}
	return total, nil
}

func (c *Cache) chunkDone(tf string, rows int, err error) {
	if c.OnChunk != nil {
		c.OnChunk(tf, rows, err)
	}
}

// Fetch returns up to limit candles with timestamp > after, ascending. When
// the store cannot fill the page and upstream calls are possible, the tail of
// the series is backfilled (at most once per bar period per series) and the
// store is read again.
func (c *Cache) Fetch(ctx context.Context, token int64, timeframe string, after int64, limit int) (Page, error) {
	if _, ok := MaxDaysPerRequest[timeframe]; !ok {
		return Page{}, fmt.Errorf("%w: unknown timeframe %q", apperr.ErrInvalidInput, timeframe)
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := c.store.ReadAfter(ctx, token, timeframe, after, limit)
	if err != nil {
		return Page{}, fmt.Errorf("read candles: %w", err)
	}
	if len(rows) >= limit || !c.canFetch() {
		return Page{Candles: rows}, nil
	}

	key := seriesKey{token, timeframe}
	if !c.claimBackfill(key) {
		return Page{Candles: rows}, nil
	}

	now := c.cfg.Now()
	start := now.AddDate(0, 0, -c.cfg.LookbackDays)
	if latest, ok, err := c.store.Latest(ctx, token, timeframe); err == nil && ok {
		if t := time.UnixMilli(latest); t.After(start) {
			start = t
		}
	}
	if after > 0 {
		if t := time.UnixMilli(after); t.After(start) {
			start = t
		}
	}
	if !start.Before(now) {
		return Page{Candles: rows}, nil
	}

	page := Page{}
	if _, err := c.EnsureRange(ctx, token, timeframe, start, now); err != nil {
		log.Printf("[history] backfill %d %s: %v", token, timeframe, err)
		page.Partial = true
		page.Message = err.Error()
	}

	rows, err = c.store.ReadAfter(ctx, token, timeframe, after, limit)
	if err != nil {
		return Page{}, fmt.Errorf("read candles: %w", err)
	}
	page.Candles = rows
	return page, nil
}

func (c *Cache) canFetch() bool {
	return c.src != nil && (c.cfg.CanFetch == nil || c.cfg.CanFetch())
}

// claimBackfill allows one backfill per bar period per series.
func (c *Cache) claimBackfill(k seriesKey) bool {
	now := c.cfg.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastBackfill[k]; ok && now.Sub(last) < TimeframeDuration(k.tf) {
		return false
	}
	c.lastBackfill[k] = now
	return true
}
