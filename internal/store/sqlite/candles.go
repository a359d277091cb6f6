package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kitebridge/internal/model"
)

// CandleStore is the append-only OHLCV cache over historical_data.db.
type CandleStore struct {
	db *sql.DB

	// OnCommit, if set, observes each insert transaction.
	OnCommit func(rows int, d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (s *CandleStore) DB() *sql.DB { return s.db }

// NewCandleStore opens the candle database and creates its schema.
func NewCandleStore(path string) (*CandleStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ohlcv_data (
			instrument_token INTEGER NOT NULL,
			timeframe        TEXT    NOT NULL,
			timestamp        INTEGER NOT NULL,
			open             REAL    NOT NULL,
			high             REAL    NOT NULL,
			low              REAL    NOT NULL,
			close            REAL    NOT NULL,
			volume           INTEGER NOT NULL,
			PRIMARY KEY (instrument_token, timeframe, timestamp)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite candle schema: %w", err)
	}
	return &CandleStore{db: db}, nil
}

// InsertCandles writes candles in one transaction. Existing keys are left
// untouched, so re-inserting a range is idempotent.
func (s *CandleStore) InsertCandles(ctx context.Context, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("candles begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO ohlcv_data (instrument_token, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("candles prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx, c.Token, c.Timeframe, c.TS, c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			return 0, fmt.Errorf("candles insert %d/%s@%d: %w", c.Token, c.Timeframe, c.TS, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("candles commit: %w", err)
	}
	if s.OnCommit != nil {
		s.OnCommit(inserted, time.Since(start))
	}
	return inserted, nil
}

// ReadAfter returns up to limit candles with timestamp > after, ascending.
func (s *CandleStore) ReadAfter(ctx context.Context, token int64, timeframe string, after int64, limit int) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume
		FROM ohlcv_data
		WHERE instrument_token = ? AND timeframe = ? AND timestamp > ?
		ORDER BY timestamp ASC
		LIMIT ?
	`, token, timeframe, after, limit)
	if err != nil {
		return nil, fmt.Errorf("candles query: %w", err)
	}
	defer rows.Close()

	candles := make([]model.Candle, 0, limit)
	for rows.Next() {
		c := model.Candle{Token: token, Timeframe: timeframe}
		if err := rows.Scan(&c.TS, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("candles scan: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// Latest returns the newest stored timestamp of a series.
func (s *CandleStore) Latest(ctx context.Context, token int64, timeframe string) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM ohlcv_data WHERE instrument_token = ? AND timeframe = ?`,
		token, timeframe).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("candles latest: %w", err)
	}
	return ts.Int64, ts.Valid, nil
}

// Count returns the number of stored candles of a series.
func (s *CandleStore) Count(ctx context.Context, token int64, timeframe string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ohlcv_data WHERE instrument_token = ? AND timeframe = ?`,
		token, timeframe).Scan(&n)
	return n, err
}

// Close closes the database.
func (s *CandleStore) Close() error {
	return s.db.Close()
}
