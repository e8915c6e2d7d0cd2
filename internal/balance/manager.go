package balance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"volume-core/pkg/exchanges/common"
)

// Balance is a user's quote-asset wallet snapshot.
type Balance struct {
	Asset     string    `json:"asset"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	Locked    float64   `json:"locked"`
	SyncedAt  time.Time `json:"synced_at"`
}

// Manager caches one user's quote balance, refreshed over REST or from the
// private stream.
type Manager struct {
	userID  string
	asset   string
	account common.Account
	log     *zap.Logger
	now     func() time.Time

	mu    sync.RWMutex
	cache Balance
}

// NewManager creates a balance manager for userID tracking asset.
func NewManager(userID, asset string, account common.Account, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	asset = strings.ToUpper(asset)
	return &Manager{
		userID:  userID,
		asset:   asset,
		account: account,
		log:     log,
		now:     time.Now,
		cache:   Balance{Asset: asset},
	}
}

// Sync fetches the latest balance from the venue.
func (m *Manager) Sync(ctx context.Context, creds common.Credentials) (Balance, error) {
	if m.account == nil {
		return m.GetBalance(), nil
	}
	b, err := m.account.GetBalance(ctx, creds, m.asset)
	if err != nil {
		return m.GetBalance(), fmt.Errorf("sync balance for %s: %w", m.userID, err)
	}
	snap := m.set(b)
	m.log.Debug("balance synced",
		zap.String("user", m.userID),
		zap.Float64("available", snap.Available),
		zap.Float64("locked", snap.Locked))
	return snap, nil
}

// Apply records a streamed balance. Other assets are ignored.
func (m *Manager) Apply(b common.Balance) (Balance, bool) {
	if !strings.EqualFold(b.Asset, m.asset) {
		return Balance{}, false
	}
	return m.set(b), true
}

func (m *Manager) set(b common.Balance) Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = Balance{
		Asset:     m.asset,
		Total:     b.Total(),
		Available: b.Available,
		Locked:    b.Locked,
		SyncedAt:  m.now().UTC(),
	}
	return m.cache
}

// GetAvailable returns available balance
func (m *Manager) GetAvailable() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.Available
}

// GetBalance returns current balance snapshot
func (m *Manager) GetBalance() Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache
}

// SetInitialBalance seeds the cache for dry-run mode.
func (m *Manager) SetInitialBalance(amount float64) {
	m.set(common.Balance{Asset: m.asset, Available: amount})
	m.log.Info("initial balance set", zap.String("user", m.userID), zap.Float64("amount", amount))
}
