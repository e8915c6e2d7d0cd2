// Package engine is the operator-facing facade over the volume engine.
// The API layer talks to the core only through Service.
package engine

import (
	"context"
	"errors"
	"time"

	"volume-core/internal/scheduler"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("component not available")
)

// Service defines the operator operations on the engine.
type Service interface {
	// Scheduler
	ListUnits(ctx context.Context) []scheduler.UnitStatus
	StopScheduler(ctx context.Context, grace time.Duration) (graceful bool, err error)

	// Pairs
	ListPairs(ctx context.Context, userID string, limit int) ([]PairInfo, error)
	GetPair(ctx context.Context, userID, pairID string) (*PairInfo, error)

	// Blocked users
	ListBlockedUsers(ctx context.Context) []BlockedUser
	UnblockUser(ctx context.Context, userID string) (bool, error)

	// Risk
	GetRiskMetrics(ctx context.Context, userID string) (*RiskInfo, error)
	ResumeRisk(ctx context.Context, userID string) error

	// Balance and progress
	GetBalance(ctx context.Context, userID string) (*BalanceInfo, error)
	GetProgress(ctx context.Context, userID, day string) ([]ProgressInfo, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
