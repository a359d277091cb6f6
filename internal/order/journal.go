package order

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"kitebridge/internal/model"
	"kitebridge/internal/store/sqlite"
)

// Journal persists terminal order states to SQLite for analysis and audit.
// Each (order, status) pair is written once no matter how often it is seen.
type Journal struct {
	mu       sync.Mutex
	db       *sql.DB
	strategy string
}

// NewJournal opens (or creates) the journal database for one strategy.
func NewJournal(dbPath, strategy string) (*Journal, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id    TEXT NOT NULL,
		strategy    TEXT NOT NULL,
		mode        TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		order_type  TEXT NOT NULL,
		qty         REAL NOT NULL,
		filled      REAL NOT NULL,
		price       REAL,
		average     REAL,
		status      TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(order_id, status)
	);
	CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	log.Printf("[journal] opened trade journal at %s", dbPath)
	return &Journal{db: db, strategy: strategy}, nil
}

// Record stores a terminal order state. Open orders are ignored.
func (j *Journal) Record(ctx context.Context, o model.Order, mode string) error {
	if !o.Status.Terminal() {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var price sql.NullFloat64
	if o.Price != nil {
		price = sql.NullFloat64{Float64: *o.Price, Valid: true}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trades (order_id, strategy, mode, symbol, side, order_type, qty, filled, price, average, status, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, j.strategy, mode, o.Symbol, o.Side, o.Type, o.Amount, o.Filled, price, o.Average,
		string(o.Status), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// TradeRecord represents a row from the trades table.
type TradeRecord struct {
	ID         int64    `json:"id"`
	OrderID    string   `json:"order_id"`
	Strategy   string   `json:"strategy"`
	Mode       string   `json:"mode"`
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Type       string   `json:"type"`
	Qty        float64  `json:"qty"`
	Filled     float64  `json:"filled"`
	Price      *float64 `json:"price"`
	Average    float64  `json:"average"`
	Status     string   `json:"status"`
	RecordedAt string   `json:"recorded_at"`
}

// GetTrades returns the last N journal rows, newest first.
func (j *Journal) GetTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, order_id, strategy, mode, symbol, side, order_type, qty, filled, price, average, status, recorded_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades := []TradeRecord{}
	for rows.Next() {
		var (
			t       TradeRecord
			price   sql.NullFloat64
			average sql.NullFloat64
		)
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Strategy, &t.Mode, &t.Symbol, &t.Side, &t.Type,
			&t.Qty, &t.Filled, &price, &average, &t.Status, &t.RecordedAt); err != nil {
			return nil, err
		}
		if price.Valid {
			p := price.Float64
			t.Price = &p
		}
		t.Average = average.Float64
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DB returns the underlying sql.DB for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
