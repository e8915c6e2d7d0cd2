package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Pair is the persisted form of an OTO order pair.
type Pair struct {
	ID             string
	UserID         string
	StrategyID     string
	Symbol         string
	ExchangeSymbol string
	Quantity       float64
	TargetPrice    float64
	BuyPrice       float64
	SellPrice      float64
	Status         string
	BuyOrderID     string
	SellOrderID    string
	BuyFilledQty   float64
	SellFilledQty  float64
	Error          string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// BlockedUser is one entry of the blocked-user registry.
type BlockedUser struct {
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

// Progress is the per-day volume progress of one (strategy, user) unit.
type Progress struct {
	StrategyID string
	UserID     string
	Day        string
	Target     float64
	Observed   float64
	Realized   float64
	Trades     int
	Failed     int
	State      string
}

// UpsertPair inserts or replaces the pair row.
func (d *Database) UpsertPair(ctx context.Context, p Pair) error {
	var completed any
	if p.CompletedAt != nil {
		completed = *p.CompletedAt
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO oto_pairs (id, user_id, strategy_id, symbol, exchange_symbol, quantity, target_price, buy_price, sell_price,
			status, buy_order_id, sell_order_id, buy_filled_qty, sell_filled_qty, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			buy_order_id = excluded.buy_order_id,
			sell_order_id = excluded.sell_order_id,
			buy_filled_qty = excluded.buy_filled_qty,
			sell_filled_qty = excluded.sell_filled_qty,
			quantity = excluded.quantity,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP,
			completed_at = excluded.completed_at
	`, p.ID, p.UserID, p.StrategyID, p.Symbol, p.ExchangeSymbol, p.Quantity, p.TargetPrice, p.BuyPrice, p.SellPrice,
		p.Status, p.BuyOrderID, p.SellOrderID, p.BuyFilledQty, p.SellFilledQty, p.Error, p.CreatedAt, completed)
	if err != nil {
		return fmt.Errorf("upsert pair %s: %w", p.ID, err)
	}
	return nil
}

// ListPairsByStatus returns pairs whose status is in statuses.
func (d *Database) ListPairsByStatus(ctx context.Context, statuses ...string) ([]Pair, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + pairColumns + ` FROM oto_pairs WHERE status IN (?` + repeatPlaceholders(len(statuses)-1) + `) ORDER BY created_at`
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}
	defer rows.Close()
	return scanPairs(rows)
}

// BlockUser adds userID to the blocked-user registry.
func (d *Database) BlockUser(ctx context.Context, userID, reason string) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO blocked_users (user_id, reason, blocked_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET reason = excluded.reason
	`, userID, reason)
	if err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	return nil
}

// UnblockUser removes userID from the registry.
func (d *Database) UnblockUser(ctx context.Context, userID string) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM blocked_users WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	return nil
}

// ListBlockedUsers returns the whole registry.
func (d *Database) ListBlockedUsers(ctx context.Context) ([]BlockedUser, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT user_id, COALESCE(reason, ''), blocked_at FROM blocked_users ORDER BY blocked_at`)
	if err != nil {
		return nil, fmt.Errorf("list blocked users: %w", err)
	}
	defer rows.Close()

	var out []BlockedUser
	for rows.Next() {
		var b BlockedUser
		if err := rows.Scan(&b.UserID, &b.Reason, &b.BlockedAt); err != nil {
			return nil, fmt.Errorf("scan blocked user: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertProgress records unit progress for the day.
func (d *Database) UpsertProgress(ctx context.Context, p Progress) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO volume_progress (strategy_id, user_id, day, target, observed, realized, trades, failed, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(strategy_id, user_id, day) DO UPDATE SET
			target = excluded.target,
			observed = excluded.observed,
			realized = excluded.realized,
			trades = excluded.trades,
			failed = excluded.failed,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP
	`, p.StrategyID, p.UserID, p.Day, p.Target, p.Observed, p.Realized, p.Trades, p.Failed, p.State)
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

const pairColumns = `id, user_id, COALESCE(strategy_id, ''), symbol, COALESCE(exchange_symbol, ''), quantity, target_price,
	buy_price, sell_price, status, COALESCE(buy_order_id, ''), COALESCE(sell_order_id, ''), buy_filled_qty, sell_filled_qty,
	COALESCE(error, ''), created_at, completed_at`

func scanPairs(rows *sql.Rows) ([]Pair, error) {
	var out []Pair
	for rows.Next() {
		var (
			p         Pair
			completed sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.StrategyID, &p.Symbol, &p.ExchangeSymbol, &p.Quantity, &p.TargetPrice,
			&p.BuyPrice, &p.SellPrice, &p.Status, &p.BuyOrderID, &p.SellOrderID, &p.BuyFilledQty, &p.SellFilledQty,
			&p.Error, &p.CreatedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan pair: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			p.CompletedAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

// errNoRows normalizes sql.ErrNoRows to ErrNotFound.
func errNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
