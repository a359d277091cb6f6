package model

import (
	"context"
	"errors"
	"time"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the bridge from concrete stores (file, Redis,
// SQLite). Each store package satisfies one of them.

// ErrNoSession is returned by TokenStore.Load when nothing is stored.
var ErrNoSession = errors.New("no session stored")

// TokenStore holds the single current broker session shared by all bridge
// processes. Save must replace the record atomically.
type TokenStore interface {
	Load(ctx context.Context) (Session, error)
	Save(ctx context.Context, s Session) error
	// Clear removes the record; clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// CatalogStore persists the tagged instrument catalog.
type CatalogStore interface {
	// Replace swaps the whole catalog and stamps last_update in one transaction.
	Replace(ctx context.Context, instruments []Instrument, asOf time.Time) error

	// LastUpdate returns the last successful sync date; ok is false if none.
	LastUpdate(ctx context.Context) (day time.Time, ok bool, err error)

	// LoadForTag returns instruments whose tag set contains tag.
	LoadForTag(ctx context.Context, tag string) ([]Instrument, error)
}

// CandleStore is the append-only OHLCV cache.
type CandleStore interface {
	// InsertCandles stores candles, ignoring keys already present. It returns
	// the number of new rows.
	InsertCandles(ctx context.Context, candles []Candle) (int, error)

	// ReadAfter returns up to limit candles with TS > after, ascending.
	ReadAfter(ctx context.Context, token int64, timeframe string, after int64, limit int) ([]Candle, error)

	// Latest returns the newest stored TS; ok is false if the series is empty.
	Latest(ctx context.Context, token int64, timeframe string) (ts int64, ok bool, err error)
}
