package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Database represents a connection to the SQLite database
type Database struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Database instance and initializes the schema
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// sqlite allows one writer; a single connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an existing handle without touching the schema
func NewWithDB(db *sql.DB) *Database {
	return &Database{db: db, now: time.Now}
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			owner_id TEXT UNIQUE NOT NULL,
			signer_key_id TEXT NOT NULL,
			public_address TEXT NOT NULL,
			network TEXT NOT NULL,
			previous_observed_balance TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deposit_positions (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			strategy_address TEXT NOT NULL,
			shares TEXT NOT NULL DEFAULT '0',
			total_deposited TEXT NOT NULL DEFAULT '0',
			total_withdrawn TEXT NOT NULL DEFAULT '0',
			last_deposit_at INTEGER,
			last_withdrawal_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (owner_id, strategy_address)
		)`,
		`CREATE TABLE IF NOT EXISTS deposit_transactions (
			id TEXT PRIMARY KEY,
			transaction_hash TEXT UNIQUE NOT NULL,
			owner_id TEXT NOT NULL,
			position_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount TEXT NOT NULL,
			shares TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL DEFAULT 'pending',
			error_message TEXT NOT NULL DEFAULT '',
			unverified_signature INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY (position_id) REFERENCES deposit_positions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deposit_transactions_status ON deposit_transactions(status)`,
		`CREATE TABLE IF NOT EXISTS balance_snapshots (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			wallet_id TEXT NOT NULL,
			observed_balance TEXT NOT NULL,
			previous_balance TEXT,
			snapshot_type TEXT NOT NULL,
			auto_deposit_triggered INTEGER NOT NULL DEFAULT 0,
			deposit_amount TEXT,
			transaction_hash TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_balance_snapshots_owner ON balance_snapshots(owner_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query: %w\nQuery: %s", err, query)
		}
	}

	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) DB() *sql.DB {
	return d.db
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func scanNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func scanNullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
