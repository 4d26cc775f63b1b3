// Package store provides SQLite persistence for orders, trades and
// balance snapshots. The matching engine is the source of truth; the
// store is a write-behind record that survives restarts.
package store

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent recorders.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,      -- 'buy' or 'sell'
		type TEXT NOT NULL,      -- 'limit', 'market' or 'ioc'
		price TEXT NOT NULL,     -- decimal string, '0' for market
		amount TEXT NOT NULL,    -- decimal string
		filled TEXT NOT NULL,    -- decimal string
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		price TEXT NOT NULL,
		amount TEXT NOT NULL,
		maker_order_id TEXT NOT NULL,
		taker_order_id TEXT NOT NULL,
		maker_user_id TEXT NOT NULL,
		taker_user_id TEXT NOT NULL,
		maker_fee TEXT NOT NULL,
		taker_fee TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		available TEXT NOT NULL,
		frozen TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, asset)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol_seq ON trades(symbol, seq);
	CREATE INDEX IF NOT EXISTS idx_trades_maker ON trades(maker_user_id);
	CREATE INDEX IF NOT EXISTS idx_trades_taker ON trades(taker_user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}
