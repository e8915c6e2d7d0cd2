package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Store persists per-user profiles and daily metrics.
type Store interface {
	LoadProfile(ctx context.Context, userID string) (Profile, bool, error)
	SaveProfile(ctx context.Context, userID string, p Profile) error
	LoadMetrics(ctx context.Context, userID string) (Metrics, bool, error)
	SaveMetrics(ctx context.Context, userID string, m Metrics) error
}

// SQLStore is a Store over the shared SQLite handle.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps db. Tables come from db.ApplyMigrations.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// LoadProfile returns the stored profile for userID.
func (s *SQLStore) LoadProfile(ctx context.Context, userID string) (Profile, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT profile FROM user_risk_profiles WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("load risk profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Profile{}, false, fmt.Errorf("decode risk profile: %w", err)
	}
	return p, true, nil
}

// SaveProfile upserts the profile for userID.
func (s *SQLStore) SaveProfile(ctx context.Context, userID string, p Profile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_risk_profiles (user_id, profile, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET profile = excluded.profile, updated_at = CURRENT_TIMESTAMP
	`, userID, string(raw))
	if err != nil {
		return fmt.Errorf("save risk profile: %w", err)
	}
	return nil
}

// LoadMetrics returns the latest stored day for userID.
func (s *SQLStore) LoadMetrics(ctx context.Context, userID string) (Metrics, bool, error) {
	var (
		m      Metrics
		paused int
		reason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT day, daily_pnl, daily_loss, daily_volume, orders_today, consecutive_losses, paused, pause_reason
		FROM user_risk_metrics
		WHERE user_id = ?
		ORDER BY day DESC
		LIMIT 1
	`, userID).Scan(&m.Day, &m.DailyPnL, &m.DailyLoss, &m.DailyVolume, &m.OrdersToday, &m.ConsecutiveLosses, &paused, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return Metrics{}, false, nil
	}
	if err != nil {
		return Metrics{}, false, fmt.Errorf("load risk metrics: %w", err)
	}
	m.Paused = paused == 1
	m.PauseReason = reason.String
	return m, true, nil
}

// SaveMetrics upserts the row for (userID, m.Day).
func (s *SQLStore) SaveMetrics(ctx context.Context, userID string, m Metrics) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_risk_metrics (user_id, day, daily_pnl, daily_loss, daily_volume, orders_today, consecutive_losses, paused, pause_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, day) DO UPDATE SET
			daily_pnl = excluded.daily_pnl,
			daily_loss = excluded.daily_loss,
			daily_volume = excluded.daily_volume,
			orders_today = excluded.orders_today,
			consecutive_losses = excluded.consecutive_losses,
			paused = excluded.paused,
			pause_reason = excluded.pause_reason,
			updated_at = CURRENT_TIMESTAMP
	`, userID, m.Day, m.DailyPnL, m.DailyLoss, m.DailyVolume, m.OrdersToday, m.ConsecutiveLosses, boolToInt(m.Paused), m.PauseReason)
	if err != nil {
		return fmt.Errorf("save risk metrics: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
