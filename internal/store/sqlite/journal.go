// Package sqlite persists the execution audit trail. Redis holds live
// state; SQLite holds the append-only history that survives store flushes.
package sqlite

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradecore/internal/model"
)

// Journal records signal status transitions and paper fills.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) the journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS signal_journal (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		signal_id   TEXT NOT NULL,
		instrument  TEXT NOT NULL,
		action      TEXT NOT NULL,
		status      TEXT NOT NULL,
		detail      TEXT,
		at          DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_journal_signal ON signal_journal(signal_id);
	CREATE INDEX IF NOT EXISTS idx_journal_at ON signal_journal(at);

	CREATE TABLE IF NOT EXISTS trades (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id    TEXT NOT NULL,
		signal_id   TEXT NOT NULL,
		instrument  TEXT NOT NULL,
		action      TEXT NOT NULL,
		qty         INTEGER NOT NULL,
		price       REAL NOT NULL,
		slippage    REAL DEFAULT 0,
		filled_at   DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_signal ON trades(signal_id);
	CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades(instrument);
	CREATE INDEX IF NOT EXISTS idx_trades_filled_at ON trades(filled_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordTransition appends one status change for a signal.
func (j *Journal) RecordTransition(s *model.Signal, detail string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO signal_journal (signal_id, instrument, action, status, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Symbol, string(s.Action), string(s.Status), detail, at.Format(time.RFC3339),
	)
	return err
}

// TradeRecord is one row of the trades table.
type TradeRecord struct {
	ID         int64     `json:"id"`
	OrderID    string    `json:"order_id"`
	SignalID   string    `json:"signal_id"`
	Instrument string    `json:"instrument"`
	Action     string    `json:"action"`
	Qty        int64     `json:"qty"`
	Price      float64   `json:"price"`
	Slippage   float64   `json:"slippage"`
	FilledAt   time.Time `json:"filled_at"`
}

// RecordTrade appends one paper fill.
func (j *Journal) RecordTrade(t TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO trades (order_id, signal_id, instrument, action, qty, price, slippage, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.OrderID, t.SignalID, t.Instrument, t.Action, t.Qty, t.Price, t.Slippage,
		t.FilledAt.Format(time.RFC3339),
	)
	return err
}

// Trades returns the last limit fills, newest first.
func (j *Journal) Trades(limit int) ([]TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, order_id, signal_id, instrument, action, qty, price, slippage, filled_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var filledAt string
		if err := rows.Scan(&t.ID, &t.OrderID, &t.SignalID, &t.Instrument, &t.Action,
			&t.Qty, &t.Price, &t.Slippage, &filledAt); err != nil {
			continue
		}
		t.FilledAt, _ = time.Parse(time.RFC3339, filledAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Transitions returns the full status history of one signal, oldest first.
func (j *Journal) Transitions(signalID string) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT status FROM signal_journal WHERE signal_id = ? ORDER BY id ASC`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
