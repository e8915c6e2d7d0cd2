package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS oto_pairs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    strategy_id TEXT,
    symbol TEXT NOT NULL,
    exchange_symbol TEXT,
    quantity REAL NOT NULL,
    target_price REAL NOT NULL,
    buy_price REAL NOT NULL,
    sell_price REAL NOT NULL,
    status TEXT NOT NULL,
    buy_order_id TEXT,
    sell_order_id TEXT,
    buy_filled_qty REAL DEFAULT 0,
    sell_filled_qty REAL DEFAULT 0,
    error TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_oto_pairs_user ON oto_pairs(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_oto_pairs_status ON oto_pairs(status);

CREATE TABLE IF NOT EXISTS blocked_users (
    user_id TEXT PRIMARY KEY,
    reason TEXT,
    blocked_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_credentials (
    user_id TEXT PRIMARY KEY,
    headers TEXT NOT NULL DEFAULT '{}',
    cookie TEXT NOT NULL DEFAULT '',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_risk_profiles (
    user_id TEXT PRIMARY KEY,
    profile TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_risk_metrics (
    user_id TEXT NOT NULL,
    day TEXT NOT NULL,
    daily_pnl REAL DEFAULT 0,
    daily_loss REAL DEFAULT 0,
    daily_volume REAL DEFAULT 0,
    orders_today INTEGER DEFAULT 0,
    consecutive_losses INTEGER DEFAULT 0,
    paused INTEGER DEFAULT 0,
    pause_reason TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (user_id, day)
);

CREATE TABLE IF NOT EXISTS volume_progress (
    strategy_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    day TEXT NOT NULL,
    target REAL NOT NULL,
    observed REAL DEFAULT 0,
    realized REAL DEFAULT 0,
    trades INTEGER DEFAULT 0,
    failed INTEGER DEFAULT 0,
    state TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (strategy_id, user_id, day)
);
`

// ApplyMigrations creates tables if they do not exist and backfills columns
// added after the first release.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if err := ensureColumn(d.DB, "oto_pairs", "strategy_id", "TEXT"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "oto_pairs", "error", "TEXT"); err != nil {
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
