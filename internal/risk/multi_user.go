package risk

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AlertHook receives every alert raised for a user.
type AlertHook func(userID string, a Alert)

// MultiUserManager owns one Manager per user.
type MultiUserManager struct {
	mu       sync.RWMutex
	managers map[string]*Manager
	lastSeen map[string]time.Time

	defaults Profile
	store    Store
	loc      *time.Location
	onAlert  AlertHook
	log      *zap.Logger
}

// NewMultiUserManager creates the registry. store may be nil for in-memory use.
func NewMultiUserManager(defaults Profile, store Store, loc *time.Location, log *zap.Logger) *MultiUserManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &MultiUserManager{
		managers: make(map[string]*Manager),
		lastSeen: make(map[string]time.Time),
		defaults: defaults,
		store:    store,
		loc:      loc,
		log:      log.Named("risk"),
	}
}

// OnAlert installs the alert hook.
func (m *MultiUserManager) OnAlert(h AlertHook) {
	m.mu.Lock()
	m.onAlert = h
	m.mu.Unlock()
}

// GetOrCreate returns the manager for userID, loading persisted state on first use.
func (m *MultiUserManager) GetOrCreate(ctx context.Context, userID string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mgr, ok := m.managers[userID]; ok {
		m.lastSeen[userID] = time.Now()
		return mgr
	}

	profile := m.defaults
	var saved *Metrics
	if m.store != nil {
		if p, ok, err := m.store.LoadProfile(ctx, userID); err != nil {
			m.log.Warn("load profile failed, using defaults", zap.String("user_id", userID), zap.Error(err))
		} else if ok {
			profile = p
		}
		if mt, ok, err := m.store.LoadMetrics(ctx, userID); err != nil {
			m.log.Warn("load metrics failed", zap.String("user_id", userID), zap.Error(err))
		} else if ok {
			saved = &mt
		}
	}

	mgr := NewManager(userID, profile, m.loc, m.log)
	if saved != nil {
		mgr.restore(*saved)
	}
	m.managers[userID] = mgr
	m.lastSeen[userID] = time.Now()
	return mgr
}

// Get returns the manager for userID without creating one.
func (m *MultiUserManager) Get(userID string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mgr, ok := m.managers[userID]; ok {
		m.lastSeen[userID] = time.Now()
		return mgr
	}
	return nil
}

// Assess evaluates an order for userID and forwards alerts to the hook.
func (m *MultiUserManager) Assess(ctx context.Context, userID, symbol string, orderAmount, currentPrice float64) Decision {
	mgr := m.GetOrCreate(ctx, userID)
	dec := mgr.Assess(symbol, orderAmount, currentPrice)

	m.mu.RLock()
	hook := m.onAlert
	m.mu.RUnlock()
	if hook != nil {
		for _, a := range dec.Alerts {
			hook(userID, a)
		}
	}
	// A breaker trip inside Assess must survive a restart.
	if !dec.Approved && len(dec.Alerts) > 0 && dec.Alerts[0].Type == AlertCircuitBreaker {
		m.persist(ctx, userID, mgr)
	}
	return dec
}

// UpdateBalance replaces the balance snapshot for userID.
func (m *MultiUserManager) UpdateBalance(ctx context.Context, userID string, available, total float64) {
	m.GetOrCreate(ctx, userID).UpdateBalance(available, total)
}

// ObservePrice feeds the volatility window for userID.
func (m *MultiUserManager) ObservePrice(ctx context.Context, userID, symbol string, price float64) {
	m.GetOrCreate(ctx, userID).ObservePrice(symbol, price)
}

// RecordOrder counts a submitted pair for userID.
func (m *MultiUserManager) RecordOrder(ctx context.Context, userID string) {
	mgr := m.GetOrCreate(ctx, userID)
	mgr.RecordOrder()
	m.persist(ctx, userID, mgr)
}

// RecordTrade folds a pair outcome into userID's metrics.
func (m *MultiUserManager) RecordTrade(ctx context.Context, userID string, tr TradeResult) {
	mgr := m.GetOrCreate(ctx, userID)
	wasPaused := mgr.Metrics().Paused
	mgr.RecordTrade(tr)
	after := mgr.Metrics()
	if !wasPaused && after.Paused {
		m.mu.RLock()
		hook := m.onAlert
		m.mu.RUnlock()
		if hook != nil {
			hook(userID, Alert{
				Type:      AlertCircuitBreaker,
				Severity:  SeverityCritical,
				Message:   "trading paused: " + after.PauseReason,
				Current:   float64(after.ConsecutiveLosses),
				Threshold: float64(mgr.Profile().MaxConsecutiveLosses),
				Time:      time.Now(),
			})
		}
	}
	m.persist(ctx, userID, mgr)
}

// Resume clears the circuit breaker for userID.
func (m *MultiUserManager) Resume(ctx context.Context, userID string) {
	mgr := m.GetOrCreate(ctx, userID)
	mgr.Resume()
	m.persist(ctx, userID, mgr)
}

// SetProfile replaces and persists userID's limits.
func (m *MultiUserManager) SetProfile(ctx context.Context, userID string, p Profile) error {
	m.GetOrCreate(ctx, userID).SetProfile(p)
	if m.store == nil {
		return nil
	}
	return m.store.SaveProfile(ctx, userID, p)
}

// GetAllMetrics returns risk metrics for all users.
func (m *MultiUserManager) GetAllMetrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Metrics, len(m.managers))
	for userID, mgr := range m.managers {
		result[userID] = mgr.Metrics()
	}
	return result
}

// UserCount returns the number of loaded user managers.
func (m *MultiUserManager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.managers)
}

// ResetDailyForAll resets daily metrics for all users.
func (m *MultiUserManager) ResetDailyForAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mgr := range m.managers {
		mgr.ResetDaily()
	}
}

// CleanupIdle drops managers idle longer than ttl. Paused users are kept in
// memory so the pause cannot lapse through eviction.
func (m *MultiUserManager) CleanupIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for userID, t := range m.lastSeen {
		if !t.Before(cutoff) {
			continue
		}
		if mgr := m.managers[userID]; mgr != nil && mgr.Metrics().Paused {
			continue
		}
		delete(m.managers, userID)
		delete(m.lastSeen, userID)
		removed++
	}
	return removed
}

func (m *MultiUserManager) persist(ctx context.Context, userID string, mgr *Manager) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveMetrics(ctx, userID, mgr.Metrics()); err != nil {
		m.log.Warn("persist risk metrics", zap.String("user_id", userID), zap.Error(err))
	}
}
