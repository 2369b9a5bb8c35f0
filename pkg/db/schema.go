package db

import (
	"database/sql"
	"fmt"
)

// Timestamps are unix milliseconds so the engine clock can be injected in tests.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS bot_settings (
    account_id TEXT PRIMARY KEY,
    enabled INTEGER NOT NULL DEFAULT 1,
    pair TEXT NOT NULL,
    timeframe TEXT NOT NULL DEFAULT '1h',
    risk_level TEXT NOT NULL DEFAULT 'moderate',
    strategy TEXT NOT NULL DEFAULT 'technical',
    investment_amount REAL NOT NULL DEFAULT 0,
    mode TEXT NOT NULL DEFAULT 'demo',
    exchange_id TEXT NOT NULL DEFAULT 'binance',
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS exchange_credentials (
    account_id TEXT NOT NULL,
    exchange_id TEXT NOT NULL,
    api_key TEXT NOT NULL,
    api_secret TEXT NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, exchange_id)
);

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    pair TEXT NOT NULL,
    side TEXT NOT NULL,
    entry_price REAL NOT NULL,
    quantity REAL NOT NULL,
    stop_loss REAL NOT NULL DEFAULT 0,
    take_profit REAL NOT NULL DEFAULT 0,
    strategy TEXT NOT NULL DEFAULT '',
    client_order_id TEXT NOT NULL UNIQUE,
    venue_order_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    pnl REAL,
    exit_price REAL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    closed_at INTEGER
);

-- At most one live (PENDING or OPEN) trade per account and pair.
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_live_position
    ON trades(account_id, pair) WHERE status IN ('PENDING', 'OPEN');
CREATE INDEX IF NOT EXISTS idx_trades_account_status ON trades(account_id, status);

CREATE TABLE IF NOT EXISTS risk_daily_stats (
    account_id TEXT NOT NULL,
    date TEXT NOT NULL,
    starting_balance REAL NOT NULL,
    current_balance REAL NOT NULL,
    daily_pnl REAL NOT NULL DEFAULT 0,
    max_drawdown REAL NOT NULL DEFAULT 0,
    trade_count INTEGER NOT NULL DEFAULT 0,
    loss_count INTEGER NOT NULL DEFAULT 0,
    is_locked INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, date)
);

CREATE TABLE IF NOT EXISTS ledger_balances (
    account_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    currency TEXT NOT NULL,
    balance TEXT NOT NULL DEFAULT '0',
    updated_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, mode, currency)
);

CREATE TABLE IF NOT EXISTS ledger_orders (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    client_order_id TEXT NOT NULL,
    pair TEXT NOT NULL,
    side TEXT NOT NULL,
    type TEXT NOT NULL,
    quantity TEXT NOT NULL,
    price TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (account_id, mode, client_order_id)
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    order_id TEXT NOT NULL,
    currency TEXT NOT NULL,
    delta TEXT NOT NULL,
    balance_after TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS system_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    level TEXT NOT NULL,
    subject TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_system_events_created ON system_events(created_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release of the trades table.
	if err := ensureColumn(d.DB, "trades", "venue_order_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "bot_settings", "exchange_id", "TEXT NOT NULL DEFAULT 'binance'"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
