package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"volume-core/internal/events"
	"volume-core/pkg/db"
)

// BlockedStore persists the blocked-user registry. *db.Database satisfies it.
type BlockedStore interface {
	BlockUser(ctx context.Context, userID, reason string) error
	UnblockUser(ctx context.Context, userID string) error
	ListBlockedUsers(ctx context.Context) ([]db.BlockedUser, error)
}

// BlockedUsers records users whose credentials were judged invalid. A blocked
// user is never scheduled until an operator unblocks them.
type BlockedUsers struct {
	mu    sync.RWMutex
	users map[string]db.BlockedUser
	store BlockedStore
	bus   *events.Bus
	log   *zap.Logger
	now   func() time.Time

	onChange func(n int)
}

// NewBlockedUsers builds an empty registry; store and bus may be nil.
func NewBlockedUsers(store BlockedStore, bus *events.Bus, log *zap.Logger) *BlockedUsers {
	if log == nil {
		log = zap.NewNop()
	}
	return &BlockedUsers{
		users: make(map[string]db.BlockedUser),
		store: store,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

// OnChange registers a callback receiving the registry size after each change.
func (b *BlockedUsers) OnChange(fn func(n int)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Load replaces the in-memory registry with the stored one.
func (b *BlockedUsers) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	list, err := b.store.ListBlockedUsers(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.users = make(map[string]db.BlockedUser, len(list))
	for _, u := range list {
		b.users[u.UserID] = u
	}
	n := len(b.users)
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(n)
	}
	return nil
}

// Block adds userID and reports whether it was newly blocked.
func (b *BlockedUsers) Block(ctx context.Context, userID, reason string) bool {
	b.mu.Lock()
	_, existed := b.users[userID]
	b.users[userID] = db.BlockedUser{UserID: userID, Reason: reason, BlockedAt: b.now().UTC()}
	n := len(b.users)
	fn := b.onChange
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.BlockUser(ctx, userID, reason); err != nil {
			b.log.Error("persist blocked user failed", zap.String("user", userID), zap.Error(err))
		}
	}
	if existed {
		return false
	}
	b.log.Warn("user blocked", zap.String("user", userID), zap.String("reason", reason))
	b.bus.Publish(events.EventUserBlocked, events.UserBlocked{UserID: userID, Reason: reason})
	if fn != nil {
		fn(n)
	}
	return true
}

// Unblock removes userID and reports whether it was present.
func (b *BlockedUsers) Unblock(ctx context.Context, userID string) bool {
	b.mu.Lock()
	_, existed := b.users[userID]
	delete(b.users, userID)
	n := len(b.users)
	fn := b.onChange
	b.mu.Unlock()

	if b.store != nil {
		if err := b.store.UnblockUser(ctx, userID); err != nil {
			b.log.Error("persist unblock failed", zap.String("user", userID), zap.Error(err))
		}
	}
	if existed {
		b.log.Info("user unblocked", zap.String("user", userID))
		if fn != nil {
			fn(n)
		}
	}
	return existed
}

func (b *BlockedUsers) IsBlocked(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.users[userID]
	return ok
}

// List returns the registry ordered by block time.
func (b *BlockedUsers) List() []db.BlockedUser {
	b.mu.RLock()
	out := make([]db.BlockedUser, 0, len(b.users))
	for _, u := range b.users {
		out = append(out, u)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].BlockedAt.Before(out[j].BlockedAt)
	})
	return out
}
