// Package journal keeps the durable audit trail: every realized trade and
// every reconciliation heal, queryable by the status API.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"perp-pilot/internal/state"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    pnl REAL NOT NULL,
    reason TEXT NOT NULL,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_closed ON trades(symbol, closed_at);

CREATE TABLE IF NOT EXISTS heals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    symbol TEXT NOT NULL,
    kind TEXT NOT NULL,
    detail TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// Journal is the SQLite-backed audit store.
type Journal struct {
	db *sql.DB
}

// Open creates the database file (and parent directory) if needed and
// applies the schema.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error { return j.db.Close() }

// RecordTrade appends one realized trade.
func (j *Journal) RecordTrade(ctx context.Context, t state.ClosedTrade) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades (symbol, side, qty, entry_price, exit_price, pnl, reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, string(t.Side), t.Qty, t.Entry, t.Exit, t.PnL, t.Reason, t.OpenedAt.UTC(), t.ClosedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

// RecordHeal appends one reconciliation heal event.
func (j *Journal) RecordHeal(ctx context.Context, symbol, kind, detail string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO heals (symbol, kind, detail) VALUES (?, ?, ?)`,
		symbol, kind, detail,
	)
	if err != nil {
		return fmt.Errorf("record heal: %w", err)
	}
	return nil
}

// DailySummary aggregates realized PnL and trade count per symbol for one
// UTC day.
type DailySummary struct {
	Symbol string  `json:"symbol"`
	Trades int     `json:"trades"`
	PnL    float64 `json:"pnl"`
}

// SummarizeDay reports per-symbol totals for the UTC day containing t.
func (j *Journal) SummarizeDay(ctx context.Context, t time.Time) ([]DailySummary, error) {
	start := t.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	rows, err := j.db.QueryContext(ctx, `
		SELECT symbol, COUNT(*), COALESCE(SUM(pnl), 0)
		FROM trades WHERE closed_at >= ? AND closed_at < ?
		GROUP BY symbol ORDER BY symbol`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize day: %w", err)
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var s DailySummary
		if err := rows.Scan(&s.Symbol, &s.Trades, &s.PnL); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecentTrades returns the latest n trades for a symbol (all symbols when
// symbol is empty).
func (j *Journal) RecentTrades(ctx context.Context, symbol string, n int) ([]state.ClosedTrade, error) {
	query := `SELECT symbol, side, qty, entry_price, exit_price, pnl, reason, opened_at, closed_at
		FROM trades`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY closed_at DESC LIMIT ?`
	args = append(args, n)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	defer rows.Close()

	var out []state.ClosedTrade
	for rows.Next() {
		var t state.ClosedTrade
		var side string
		if err := rows.Scan(&t.Symbol, &side, &t.Qty, &t.Entry, &t.Exit, &t.PnL, &t.Reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, err
		}
		t.Side = state.Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}
