// Package db provides SQLite persistence with user-isolated queries.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries creates a new UserQueries instance.
func NewUserQueries(db *sql.DB) *UserQueries {
	return &UserQueries{db: db}
}

// Queries returns user-isolated queries over d.
func (d *Database) Queries() *UserQueries {
	return NewUserQueries(d.DB)
}

// ----------------------------------------
// Pair Queries
// ----------------------------------------

// GetPairsByUser returns the most recent pairs for a user.
func (q *UserQueries) GetPairsByUser(ctx context.Context, userID string, limit int) ([]Pair, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+pairColumns+`
		FROM oto_pairs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query pairs: %w", err)
	}
	defer rows.Close()
	return scanPairs(rows)
}

// GetPairByUser returns a single pair that must belong to userID.
func (q *UserQueries) GetPairByUser(ctx context.Context, userID, pairID string) (*Pair, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `SELECT `+pairColumns+` FROM oto_pairs WHERE user_id = ? AND id = ?`, userID, pairID)
	if err != nil {
		return nil, fmt.Errorf("query pair: %w", err)
	}
	defer rows.Close()
	pairs, err := scanPairs(rows)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, ErrNotFound
	}
	return &pairs[0], nil
}

// ----------------------------------------
// Credential Queries
// ----------------------------------------

// GetCredential returns the stored (possibly encrypted) headers JSON and cookie.
func (q *UserQueries) GetCredential(ctx context.Context, userID string) (headers, cookie string, err error) {
	if userID == "" {
		return "", "", ErrUserIDRequired
	}
	err = q.db.QueryRowContext(ctx, `SELECT headers, cookie FROM user_credentials WHERE user_id = ?`, userID).
		Scan(&headers, &cookie)
	if err != nil {
		return "", "", errNoRows(err)
	}
	return headers, cookie, nil
}

// UpsertCredential stores the credential blob for userID.
func (q *UserQueries) UpsertCredential(ctx context.Context, userID, headers, cookie string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO user_credentials (user_id, headers, cookie, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			headers = excluded.headers,
			cookie = excluded.cookie,
			updated_at = CURRENT_TIMESTAMP
	`, userID, headers, cookie)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// ListCredentialUsers returns every user with stored credentials.
func (q *UserQueries) ListCredentialUsers(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT user_id FROM user_credentials ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query credential users: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Progress Queries
// ----------------------------------------

// GetProgressByUser returns per-strategy progress rows for a user and day.
func (q *UserQueries) GetProgressByUser(ctx context.Context, userID, day string) ([]Progress, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT strategy_id, user_id, day, target, observed, realized, trades, failed, COALESCE(state, '')
		FROM volume_progress
		WHERE user_id = ? AND day = ?
		ORDER BY strategy_id
	`, userID, day)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()
	var out []Progress
	for rows.Next() {
		var p Progress
		if err := rows.Scan(&p.StrategyID, &p.UserID, &p.Day, &p.Target, &p.Observed, &p.Realized, &p.Trades, &p.Failed, &p.State); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
