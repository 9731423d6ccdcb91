package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

type DB = sql.DB

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyClaimed = errors.New("reference code already claimed")
)

// DefaultDSN keeps writers serialized: every BeginTx takes the write lock up front.
const DefaultDSN = "file:attendpay.db?_pragma=busy_timeout=5000&_txlock=immediate"

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Harden SQLite for concurrent access: WAL, reasonable sync and busy timeout
	_, err = db.Exec(`
    PRAGMA journal_mode = WAL;
    PRAGMA synchronous = NORMAL;
    PRAGMA busy_timeout = 5000;
    PRAGMA foreign_keys = ON;
  `)
	if err != nil {
		db.Close()
		return nil, err
	}
	// SQLite will serialize writes; keep a small pool.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func EnsureSchema(db *sql.DB) error {
	ddl := `
CREATE TABLE IF NOT EXISTS events (
  url TEXT PRIMARY KEY,
  name TEXT,
  address TEXT NOT NULL UNIQUE,
  fee_wei TEXT NOT NULL,          -- String to handle arbitrarily large 18-decimal numbers
  organizer TEXT NOT NULL,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS payments (
  id TEXT PRIMARY KEY,
  reference_code TEXT NOT NULL,
  body_json TEXT NOT NULL,
  headers_json TEXT,
  ip TEXT,
  received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
  event TEXT NOT NULL,
  user_address TEXT NOT NULL,
  created_at TEXT NOT NULL DEFAULT (datetime('now')),
  PRIMARY KEY (event, user_address)
);

CREATE TABLE IF NOT EXISTS transaction_entries (
  id TEXT PRIMARY KEY,
  event TEXT NOT NULL,
  user_address TEXT NOT NULL,
  stream TEXT NOT NULL,           -- 'push' | 'pull' | 'register'
  position INTEGER NOT NULL,
  reference_code TEXT NOT NULL,
  counter INTEGER,
  date TEXT NOT NULL,
  amount TEXT,
  currency TEXT,
  state TEXT NOT NULL,
  message TEXT,
  method TEXT,
  receipt TEXT,
  tx_hash TEXT,
  error TEXT,
  fee_wei TEXT,
  eth_price TEXT,
  UNIQUE (event, user_address, stream, position)
);

CREATE TABLE IF NOT EXISTS settlement_claims (
  reference_code TEXT PRIMARY KEY,
  event TEXT NOT NULL,
  user_address TEXT NOT NULL,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS closable (
  reference_code TEXT PRIMARY KEY,
  created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
	_, err := db.Exec(ddl)
	if err != nil {
		return err
	}

	indexDDL := `
CREATE INDEX IF NOT EXISTS idx_payments_reference ON payments(reference_code);
CREATE INDEX IF NOT EXISTS idx_entries_reference ON transaction_entries(stream, reference_code);
CREATE INDEX IF NOT EXISTS idx_entries_state ON transaction_entries(stream, state);
`
	_, err = db.Exec(indexDDL)
	return err
}

// sqliteIsUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func sqliteIsUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite (modernc.org/sqlite) returns error strings containing "UNIQUE constraint failed"
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
