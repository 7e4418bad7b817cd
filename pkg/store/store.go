// Package store is the persisted side of the system: the trades table is
// the single source of truth for open hedges, trade_history is the
// append-only archive, and settings holds the operator-tunable parameters.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

func Open(path string, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite is not safe for concurrent writers on one connection
	// pool beyond this.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: logger.WithField("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  instrument_key TEXT NOT NULL,
  status TEXT NOT NULL,
  venue_long TEXT NOT NULL,
  venue_short TEXT NOT NULL,
  quantity REAL NOT NULL,
  leverage INTEGER NOT NULL,
  entry_price_long REAL NOT NULL,
  entry_price_short REAL NOT NULL,
  liq_price_long REAL NOT NULL,
  liq_price_short REAL NOT NULL,
  allocated_capital REAL NOT NULL,
  accrued_funding_long REAL NOT NULL DEFAULT 0,
  accrued_funding_short REAL NOT NULL DEFAULT 0,
  accrued_funding_total REAL NOT NULL DEFAULT 0,
  funding_interval_hours INTEGER NOT NULL,
  created_at TEXT NOT NULL,
  closed_at TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_instrument ON trades(instrument_key);`,
		`
CREATE TABLE IF NOT EXISTS trade_history (
  id TEXT PRIMARY KEY,
  trade_id TEXT,
  instrument_key TEXT NOT NULL,
  venue_long TEXT,
  venue_short TEXT,
  quantity REAL NOT NULL,
  entry_price_long REAL,
  entry_price_short REAL,
  exit_price_long REAL,
  exit_price_short REAL,
  realized_pnl_long REAL NOT NULL DEFAULT 0,
  realized_pnl_short REAL NOT NULL DEFAULT 0,
  funding_received REAL NOT NULL DEFAULT 0,
  exit_reason TEXT NOT NULL,
  executor TEXT NOT NULL,
  opened_at TEXT NOT NULL,
  closed_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_history_closed_at ON trade_history(closed_at);`,
		`
CREATE TABLE IF NOT EXISTS settings (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  auto_entry INTEGER NOT NULL,
  auto_exit INTEGER NOT NULL,
  max_slots INTEGER NOT NULL,
  capital_pct REAL NOT NULL,
  leverage INTEGER NOT NULL,
  liq_buffer_pct REAL NOT NULL,
  stoploss_pct REAL NOT NULL,
  min_spread REAL NOT NULL,
  min_notional REAL NOT NULL,
  max_funding_skew_min INTEGER NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
