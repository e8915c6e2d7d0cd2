// Package balance provides multi-user balance management.
package balance

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"volume-core/pkg/exchanges/common"
)

// Sink receives every balance change, typically the risk gate.
type Sink func(ctx context.Context, userID string, available, total float64)

// MultiUserManager manages balances for multiple users.
type MultiUserManager struct {
	mu       sync.RWMutex
	managers map[string]*Manager // userID -> Manager
	lastSeen map[string]time.Time

	asset   string
	account common.Account
	sink    Sink
	log     *zap.Logger
}

// NewMultiUserManager creates a registry tracking asset for every user.
func NewMultiUserManager(asset string, account common.Account, sink Sink, log *zap.Logger) *MultiUserManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &MultiUserManager{
		managers: make(map[string]*Manager),
		lastSeen: make(map[string]time.Time),
		asset:    asset,
		account:  account,
		sink:     sink,
		log:      log.Named("balance"),
	}
}

// GetOrCreate returns the balance manager for a user, creating if needed.
func (m *MultiUserManager) GetOrCreate(userID string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[userID] = time.Now()
	if mgr, ok := m.managers[userID]; ok {
		return mgr
	}
	mgr := NewManager(userID, m.asset, m.account, m.log)
	m.managers[userID] = mgr
	return mgr
}

// Get returns the balance manager for a user, or nil if not found.
func (m *MultiUserManager) Get(userID string) *Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.managers[userID]
}

// Sync refreshes userID's balance over REST and forwards it to the sink.
func (m *MultiUserManager) Sync(ctx context.Context, userID string, creds common.Credentials) (Balance, error) {
	b, err := m.GetOrCreate(userID).Sync(ctx, creds)
	if err != nil {
		return b, err
	}
	m.forward(ctx, userID, b)
	return b, nil
}

// Apply records a streamed balance for userID.
func (m *MultiUserManager) Apply(ctx context.Context, userID string, b common.Balance) {
	if snap, ok := m.GetOrCreate(userID).Apply(b); ok {
		m.forward(ctx, userID, snap)
	}
}

// Seed sets a fixed starting balance, used by dry-run mode.
func (m *MultiUserManager) Seed(ctx context.Context, userID string, amount float64) {
	mgr := m.GetOrCreate(userID)
	mgr.SetInitialBalance(amount)
	m.forward(ctx, userID, mgr.GetBalance())
}

func (m *MultiUserManager) forward(ctx context.Context, userID string, b Balance) {
	if m.sink != nil {
		m.sink(ctx, userID, b.Available, b.Total)
	}
}

// Remove removes the balance manager for a user.
func (m *MultiUserManager) Remove(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.managers, userID)
	delete(m.lastSeen, userID)
}

// GetAllBalances returns balances for all users.
func (m *MultiUserManager) GetAllBalances() map[string]Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Balance)
	for userID, mgr := range m.managers {
		result[userID] = mgr.GetBalance()
	}
	return result
}

// Users returns tracked user ids, sorted.
func (m *MultiUserManager) Users() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.managers))
	for u := range m.managers {
		out = append(out, u)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// UserCount returns the number of active user managers.
func (m *MultiUserManager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.managers)
}

// CleanupIdle removes user managers that have been idle longer than ttl.
func (m *MultiUserManager) CleanupIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for userID, t := range m.lastSeen {
		if t.Before(cutoff) {
			delete(m.managers, userID)
			delete(m.lastSeen, userID)
			n++
		}
	}
	return n
}
