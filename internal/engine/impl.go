package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"volume-core/internal/balance"
	"volume-core/internal/monitor"
	"volume-core/internal/order"
	"volume-core/internal/reconciliation"
	"volume-core/internal/risk"
	"volume-core/internal/scheduler"
	"volume-core/pkg/db"
)

// StreamRegistry reports the per-user private streams.
type StreamRegistry interface {
	Users() []string
	Healthy(userID string) bool
}

// Reconciler exposes the last reconciliation pass.
type Reconciler interface {
	LastReport() reconciliation.Report
}

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	sched      *scheduler.Scheduler
	exec       *order.Executor
	riskMgr    *risk.MultiUserManager
	balanceMgr *balance.MultiUserManager
	streams    StreamRegistry
	reconciler Reconciler
	metrics    *monitor.Metrics
	db         *db.Database
	loc        *time.Location

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
// Executor is required; everything else degrades to ErrUnavailable or
// empty results.
type Config struct {
	Scheduler  *scheduler.Scheduler
	Executor   *order.Executor
	RiskMgr    *risk.MultiUserManager
	BalanceMgr *balance.MultiUserManager
	Streams    StreamRegistry
	Reconciler Reconciler
	Metrics    *monitor.Metrics
	DB         *db.Database
	// Location defines "today" for progress queries. Defaults to UTC.
	Location *time.Location
	Meta     SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Impl{
		sched:      cfg.Scheduler,
		exec:       cfg.Executor,
		riskMgr:    cfg.RiskMgr,
		balanceMgr: cfg.BalanceMgr,
		streams:    cfg.Streams,
		reconciler: cfg.Reconciler,
		metrics:    cfg.Metrics,
		db:         cfg.DB,
		loc:        cfg.Location,
		meta:       cfg.Meta,
	}
}

var _ Service = (*Impl)(nil)

// --- Scheduler ---

func (e *Impl) ListUnits(ctx context.Context) []scheduler.UnitStatus {
	if e.sched == nil {
		return nil
	}
	return e.sched.Status()
}

func (e *Impl) StopScheduler(ctx context.Context, grace time.Duration) (bool, error) {
	if e.sched == nil {
		return false, fmt.Errorf("%w: scheduler", ErrUnavailable)
	}
	if !e.sched.Running() {
		return true, nil
	}
	return e.sched.Stop(grace), nil
}

// --- Pairs ---

// ListPairs merges in-memory pairs with persisted history, newest first.
// An empty userID lists in-memory pairs of every user.
func (e *Impl) ListPairs(ctx context.Context, userID string, limit int) ([]PairInfo, error) {
	seen := make(map[string]bool)
	var out []PairInfo
	for _, p := range e.exec.List(userID) {
		seen[p.ID] = true
		out = append(out, pairFromOrder(p))
	}
	if e.db != nil && userID != "" {
		rows, err := e.db.Queries().GetPairsByUser(ctx, userID, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if !seen[r.ID] {
				out = append(out, pairFromRow(r))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *Impl) GetPair(ctx context.Context, userID, pairID string) (*PairInfo, error) {
	if p, err := e.exec.Get(pairID); err == nil {
		if userID != "" && p.UserID != userID {
			return nil, fmt.Errorf("%w: pair %s", ErrNotFound, pairID)
		}
		info := pairFromOrder(p)
		return &info, nil
	}
	if e.db == nil || userID == "" {
		return nil, fmt.Errorf("%w: pair %s", ErrNotFound, pairID)
	}
	row, err := e.db.Queries().GetPairByUser(ctx, userID, pairID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: pair %s", ErrNotFound, pairID)
	}
	if err != nil {
		return nil, err
	}
	info := pairFromRow(*row)
	return &info, nil
}

// --- Blocked users ---

func (e *Impl) ListBlockedUsers(ctx context.Context) []BlockedUser {
	list := e.exec.Blocked().List()
	out := make([]BlockedUser, 0, len(list))
	for _, b := range list {
		out = append(out, BlockedUser{UserID: b.UserID, Reason: b.Reason, BlockedAt: b.BlockedAt})
	}
	return out
}

// UnblockUser lifts a block. It reports false when the user was not blocked.
func (e *Impl) UnblockUser(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, db.ErrUserIDRequired
	}
	return e.exec.Blocked().Unblock(ctx, userID), nil
}

// --- Risk ---

func (e *Impl) GetRiskMetrics(ctx context.Context, userID string) (*RiskInfo, error) {
	if e.riskMgr == nil {
		return nil, fmt.Errorf("%w: risk manager", ErrUnavailable)
	}
	mgr := e.riskMgr.Get(userID)
	if mgr == nil {
		return nil, fmt.Errorf("%w: risk state for %s", ErrNotFound, userID)
	}
	return &RiskInfo{UserID: userID, Profile: mgr.Profile(), Metrics: mgr.Metrics()}, nil
}

func (e *Impl) ResumeRisk(ctx context.Context, userID string) error {
	if e.riskMgr == nil {
		return fmt.Errorf("%w: risk manager", ErrUnavailable)
	}
	if e.riskMgr.Get(userID) == nil {
		return fmt.Errorf("%w: risk state for %s", ErrNotFound, userID)
	}
	e.riskMgr.Resume(ctx, userID)
	return nil
}

// --- Balance & progress ---

func (e *Impl) GetBalance(ctx context.Context, userID string) (*BalanceInfo, error) {
	if e.balanceMgr == nil {
		return nil, fmt.Errorf("%w: balance manager", ErrUnavailable)
	}
	m := e.balanceMgr.Get(userID)
	if m == nil {
		return nil, fmt.Errorf("%w: balance for %s", ErrNotFound, userID)
	}
	b := m.GetBalance()
	return &BalanceInfo{
		UserID:    userID,
		Asset:     b.Asset,
		Available: b.Available,
		Locked:    b.Locked,
		Total:     b.Total,
		SyncedAt:  b.SyncedAt,
	}, nil
}

func (e *Impl) GetProgress(ctx context.Context, userID, day string) ([]ProgressInfo, error) {
	if e.db == nil {
		return nil, fmt.Errorf("%w: database", ErrUnavailable)
	}
	if day == "" {
		day = time.Now().In(e.loc).Format("2006-01-02")
	}
	rows, err := e.db.Queries().GetProgressByUser(ctx, userID, day)
	if err != nil {
		return nil, err
	}
	out := make([]ProgressInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, ProgressInfo{
			StrategyID: r.StrategyID,
			UserID:     r.UserID,
			Day:        r.Day,
			Target:     r.Target,
			Observed:   r.Observed,
			Realized:   r.Realized,
			Trades:     r.Trades,
			Failed:     r.Failed,
			State:      r.State,
		})
	}
	return out, nil
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	st := e.meta
	st.ServerTime = time.Now().UTC()
	if e.sched != nil {
		st.SchedulerUp = e.sched.Running()
		st.Units = len(e.sched.Status())
	}
	for _, p := range e.exec.List("") {
		if !p.Terminal() {
			st.ActivePairs++
		}
	}
	st.BlockedUsers = len(e.exec.Blocked().List())
	if e.streams != nil {
		users := e.streams.Users()
		st.StreamUsers = len(users)
		for _, u := range users {
			if e.streams.Healthy(u) {
				st.HealthyStreams++
			}
		}
	}
	if e.metrics != nil {
		snap := e.metrics.Snapshot()
		st.Uptime = snap.Uptime
		st.PairsCompleted = snap.PairsCompleted
		st.PairsFailed = snap.PairsFailed
	}
	if e.reconciler != nil {
		r := e.reconciler.LastReport()
		st.Reconcile = &r
	}
	return &st
}
