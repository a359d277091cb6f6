package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"kitebridge/internal/markethours"
	"kitebridge/internal/model"
)

const dateLayout = "2006-01-02"

// CatalogStore is the model.CatalogStore over master_stocks.db.
type CatalogStore struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *CatalogStore) DB() *sql.DB { return s.db }

// NewCatalogStore opens the catalog database and creates its schema.
func NewCatalogStore(path string) (*CatalogStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			instrument_token INTEGER PRIMARY KEY,
			exchange_token   INTEGER,
			tradingsymbol    TEXT    NOT NULL,
			name             TEXT,
			exchange         TEXT,
			instrument_type  TEXT,
			segment          TEXT,
			lot_size         INTEGER,
			tick_size        REAL,
			pair             TEXT    NOT NULL,
			tags             TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_instruments_pair ON instruments(pair);

		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite catalog schema: %w", err)
	}
	return &CatalogStore{db: db}, nil
}

// Replace swaps the catalog contents and stamps last_update in one
// transaction. On any error the previous catalog stays in place.
func (s *CatalogStore) Replace(ctx context.Context, instruments []model.Instrument, asOf time.Time) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM instruments`); err != nil {
		return fmt.Errorf("catalog clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instruments (instrument_token, exchange_token, tradingsymbol, name, exchange,
			instrument_type, segment, lot_size, tick_size, pair, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("catalog prepare: %w", err)
	}
	defer stmt.Close()

	for _, i := range instruments {
		if _, err := stmt.ExecContext(ctx, i.Token, i.ExchangeToken, i.TradingSymbol, i.Name, i.Exchange,
			i.InstrumentType, i.Segment, i.LotSize, i.TickSize, i.Pair, strings.Join(i.Tags, ",")); err != nil {
			return fmt.Errorf("catalog insert %s: %w", i.TradingSymbol, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('last_update', ?)`,
		asOf.In(markethours.IST).Format(dateLayout)); err != nil {
		return fmt.Errorf("catalog stamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog commit: %w", err)
	}
	log.Printf("[sqlite] catalog replaced with %d instruments in %v", len(instruments), time.Since(start))
	return nil
}

// LastUpdate returns the date of the last successful sync.
func (s *CatalogStore) LastUpdate(ctx context.Context) (time.Time, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'last_update'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("catalog last_update: %w", err)
	}
	day, err := time.ParseInLocation(dateLayout, v, markethours.IST)
	if err != nil {
		// unreadable marker means the catalog must be rebuilt
		log.Printf("[sqlite] ignoring malformed last_update %q: %v", v, err)
		return time.Time{}, false, nil
	}
	return day, true, nil
}

// LoadForTag returns instruments whose comma-separated tag list contains tag
// exactly.
func (s *CatalogStore) LoadForTag(ctx context.Context, tag string) ([]model.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_token, exchange_token, tradingsymbol, name, exchange,
			instrument_type, segment, lot_size, tick_size, pair, tags
		FROM instruments
		WHERE instr(',' || tags || ',', ',' || ? || ',') > 0
		ORDER BY tradingsymbol ASC
	`, tag)
	if err != nil {
		return nil, fmt.Errorf("catalog query %s: %w", tag, err)
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		var (
			i                                  model.Instrument
			name, exch, itype, segment, tagCSV sql.NullString
			exchToken, lot                     sql.NullInt64
			tick                               sql.NullFloat64
		)
		if err := rows.Scan(&i.Token, &exchToken, &i.TradingSymbol, &name, &exch,
			&itype, &segment, &lot, &tick, &i.Pair, &tagCSV); err != nil {
			return nil, fmt.Errorf("catalog scan: %w", err)
		}
		i.ExchangeToken = exchToken.Int64
		i.Name, i.Exchange, i.InstrumentType, i.Segment = name.String, exch.String, itype.String, segment.String
		i.LotSize = int(lot.Int64)
		i.TickSize = tick.Float64
		if tagCSV.String != "" {
			i.Tags = strings.Split(tagCSV.String, ",")
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *CatalogStore) Close() error {
	return s.db.Close()
}
