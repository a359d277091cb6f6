// Package catalog keeps the tagged instrument catalog in sync with the
// broker's instrument dump and serves per-strategy subsets from SQLite.
package catalog

import (
	"context"
	"fmt"
	"log"
	"time"

	"kitebridge/internal/apperr"
	"kitebridge/internal/markethours"
	"kitebridge/internal/model"
	"kitebridge/pkg/kiteconnect"
)

// InstrumentSource downloads the broker's instrument dump.
type InstrumentSource interface {
	Instruments(ctx context.Context, exchange string) ([]kiteconnect.Instrument, error)
}

// Config tunes a Catalog.
type Config struct {
	Exchange       string // default NSE
	InstrumentType string // empty keeps every type
	StrategyDir    string
	AnchorWeekday  time.Weekday
	Now            func() time.Time
}

// Snapshot summarises one successful sync.
type Snapshot struct {
	AsOf    time.Time
	Fetched int            // rows in the upstream dump
	Stored  int            // tagged rows written
	PerTag  map[string]int // instruments per strategy tag
}

// Catalog syncs and reads the instrument catalog.
type Catalog struct {
	cfg   Config
	src   InstrumentSource
	store model.CatalogStore

	// OnSync, if set, is called after every successful sync.
	OnSync func(Snapshot)
}

// New wires a Catalog. src may be nil for readers that never sync.
func New(cfg Config, src InstrumentSource, store model.CatalogStore) *Catalog {
	if cfg.Exchange == "" {
		cfg.Exchange = "NSE"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Catalog{cfg: cfg, src: src, store: store}
}

// IsStale reports whether the catalog predates the most recent weekly anchor
// on or before today. A catalog never synced is stale.
func (c *Catalog) IsStale(ctx context.Context, today time.Time) (bool, error) {
	last, ok, err := c.store.LastUpdate(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	anchor := markethours.MostRecentWeekday(today, c.cfg.AnchorWeekday)
	return markethours.Day(last).Before(anchor), nil
}

// Sync downloads the dump, tags it against the strategy whitelists and
// replaces the stored catalog. Any failure leaves the previous catalog as is.
func (c *Catalog) Sync(ctx context.Context) (Snapshot, error) {
	if c.src == nil {
		return Snapshot{}, fmt.Errorf("catalog sync: no instrument source")
	}
	wls, err := LoadWhitelists(c.cfg.StrategyDir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("catalog sync: %w", err)
	}

	start := time.Now()
	raw, err := c.src.Instruments(ctx, c.cfg.Exchange)
	if err != nil {
		return Snapshot{}, fmt.Errorf("catalog sync: fetch %s instruments: %w", c.cfg.Exchange, err)
	}

	tagged, perTag := Tag(raw, wls, c.cfg.InstrumentType)
	if len(tagged) == 0 {
		return Snapshot{}, fmt.Errorf("catalog sync: %w: none of %d instruments matched a whitelist",
			apperr.ErrCatalogUnavailable, len(raw))
	}

	asOf := c.cfg.Now()
	if err := c.store.Replace(ctx, tagged, asOf); err != nil {
		return Snapshot{}, fmt.Errorf("catalog sync: %w", err)
	}

	snap := Snapshot{AsOf: asOf, Fetched: len(raw), Stored: len(tagged), PerTag: perTag}
	log.Printf("[catalog] synced %d/%d instruments across %d tags in %s",
		snap.Stored, snap.Fetched, len(perTag), time.Since(start).Round(time.Millisecond))
	if c.OnSync != nil {
		c.OnSync(snap)
	}
	return snap, nil
}

// RefreshIfStale syncs when IsStale says so. It reports whether a sync ran.
func (c *Catalog) RefreshIfStale(ctx context.Context, today time.Time) (bool, error) {
	stale, err := c.IsStale(ctx, today)
	if err != nil {
		return false, err
	}
	if !stale {
		log.Printf("[catalog] catalog is fresh, skipping sync")
		return false, nil
	}
	if _, err := c.Sync(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// LoadForTag returns the stored subset for one strategy. It never touches the
// network. An empty subset is apperr.ErrCatalogUnavailable.
func (c *Catalog) LoadForTag(ctx context.Context, tag string) ([]model.Instrument, error) {
	insts, err := c.store.LoadForTag(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrCatalogUnavailable, err)
	}
	if len(insts) == 0 {
		return nil, fmt.Errorf("%w: no instruments tagged %q", apperr.ErrCatalogUnavailable, tag)
	}
	return insts, nil
}

// Tag assigns every whitelist tag that lists an instrument's trading symbol
// and drops instruments that end up untagged. instrumentType filters the dump
// when non-empty. Duplicate instrument tokens keep their first row.
func Tag(raw []kiteconnect.Instrument, wls []model.Whitelist, instrumentType string) ([]model.Instrument, map[string]int) {
	perTag := make(map[string]int, len(wls))
	seen := make(map[int64]bool, len(raw))
	var out []model.Instrument

	for _, r := range raw {
		if instrumentType != "" && r.InstrumentType != instrumentType {
			continue
		}
		if seen[r.InstrumentToken] {
			continue
		}
		var tags []string
		for _, wl := range wls {
			if wl.Contains(r.TradingSymbol) {
				tags = append(tags, wl.Tag)
			}
		}
		if len(tags) == 0 {
			continue
		}
		seen[r.InstrumentToken] = true
		for _, t := range tags {
			perTag[t]++
		}
		out = append(out, model.Instrument{
			Token:          r.InstrumentToken,
			ExchangeToken:  r.ExchangeToken,
			TradingSymbol:  r.TradingSymbol,
			Name:           r.Name,
			Exchange:       r.Exchange,
			InstrumentType: r.InstrumentType,
			Segment:        r.Segment,
			LotSize:        r.LotSize,
			TickSize:       r.TickSize,
			Pair:           model.PairFor(r.TradingSymbol),
			Tags:           tags,
		})
	}
	return out, perTag
}
