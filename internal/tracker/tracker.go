package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"volume-core/internal/events"
	"volume-core/internal/monitor"
	"volume-core/pkg/exchanges/common"
)

var (
	ErrWaitTimeout  = errors.New("fill wait timed out")
	ErrNotConnected = errors.New("user stream not connected")
)

type orderKey struct {
	user  string
	order string
}

type orderState struct {
	update common.OrderUpdate
	at     time.Time
}

type session struct {
	conn   *Connector
	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}
	down   bool
}

// Deps are the tracker's collaborators; all but Auth are optional.
type Deps struct {
	Auth    common.StreamAuth
	Bus     *events.Bus
	Metrics *monitor.Metrics
	Log     *zap.Logger
}

// Tracker owns the per-user stream connectors and the per-order status map
// that fill waiters block on.
type Tracker struct {
	auth    common.StreamAuth
	cfg     ConnectorConfig
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *zap.Logger
	now     func() time.Time

	onUpdate  func(common.OrderUpdate)
	onBalance func(userID string, b common.Balance)

	mu       sync.Mutex
	sessions map[string]*session
	orders   map[orderKey]orderState
	waiters  map[orderKey][]chan common.OrderUpdate
}

func New(deps Deps, cfg ConnectorConfig) *Tracker {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		auth:     deps.Auth,
		cfg:      cfg.withDefaults(),
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      log.Named("tracker"),
		now:      time.Now,
		sessions: make(map[string]*session),
		orders:   make(map[orderKey]orderState),
		waiters:  make(map[orderKey][]chan common.OrderUpdate),
	}
}

// OnUpdate registers the callback every order update is forwarded to.
// Must be called before Start.
func (t *Tracker) OnUpdate(fn func(common.OrderUpdate)) { t.onUpdate = fn }

// OnBalance registers the balance-update callback. Must be called before Start.
func (t *Tracker) OnBalance(fn func(userID string, b common.Balance)) { t.onBalance = fn }

// Start launches the user's connector if it is not already running and waits
// up to the dial timeout for the first subscription. A timeout returns
// ErrNotConnected while the connector keeps retrying in the background.
func (t *Tracker) Start(ctx context.Context, userID string, creds common.Credentials) error {
	if t.auth == nil {
		return fmt.Errorf("%w: no stream auth configured", ErrNotConnected)
	}
	t.mu.Lock()
	s, ok := t.sessions[userID]
	if ok && !s.down {
		ready := s.ready
		t.mu.Unlock()
		return t.awaitReady(ctx, ready)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s = &session{
		cancel: cancel,
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
	}
	var readyOnce sync.Once
	s.conn = newConnector(userID, creds, t.auth, t.cfg, handlers{
		onOrder: t.Record,
		onBalance: func(bs []common.Balance) {
			for _, b := range bs {
				t.balance(userID, b)
			}
		},
		onConnected: func() {
			t.metrics.TrackerConnected(true)
			readyOnce.Do(func() { close(s.ready) })
		},
		onDropped: t.metrics.TrackerDisconnected,
	}, t.log)
	t.sessions[userID] = s
	t.mu.Unlock()

	go t.run(runCtx, userID, s)
	return t.awaitReady(ctx, s.ready)
}

func (t *Tracker) awaitReady(ctx context.Context, ready <-chan struct{}) error {
	timer := time.NewTimer(t.cfg.DialTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrNotConnected
	}
}

func (t *Tracker) run(ctx context.Context, userID string, s *session) {
	defer close(s.done)
	attempts, err := s.conn.Run(ctx)
	if !errors.Is(err, ErrGaveUp) {
		return
	}
	t.metrics.TrackerConnected(false)
	t.mu.Lock()
	s.down = true
	t.mu.Unlock()
	t.log.Error("user stream down; falling back to polling",
		zap.String("user", userID), zap.Int("attempts", attempts), zap.Error(err))
	t.bus.Publish(events.EventTrackerDown, events.TrackerDown{UserID: userID, Attempts: attempts, Err: err.Error()})
}

// Healthy reports whether the user's stream is currently connected.
func (t *Tracker) Healthy(userID string) bool {
	t.mu.Lock()
	s, ok := t.sessions[userID]
	t.mu.Unlock()
	return ok && !s.down && s.conn.Connected()
}

// Users lists users with a registered connector.
func (t *Tracker) Users() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.sessions))
	for u := range t.sessions {
		out = append(out, u)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Stop cancels the user's connector and waits for it to exit.
func (t *Tracker) Stop(userID string) {
	t.mu.Lock()
	s, ok := t.sessions[userID]
	delete(t.sessions, userID)
	t.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
}

// ForceRelease cancels the user's connector and closes its socket without
// waiting.
func (t *Tracker) ForceRelease(userID string) {
	t.mu.Lock()
	s, ok := t.sessions[userID]
	delete(t.sessions, userID)
	t.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	s.conn.closeConn()
	t.log.Warn("user stream force released", zap.String("user", userID))
}

// StopAll stops every connector.
func (t *Tracker) StopAll() {
	for _, u := range t.Users() {
		t.Stop(u)
	}
}

// Record stores an order update, forwards it and wakes waiters on a
// terminal status. Updates for one order are applied in arrival order;
// a terminal status is never replaced.
func (t *Tracker) Record(u common.OrderUpdate) {
	if u.OrderID == "" {
		return
	}
	k := orderKey{u.UserID, u.OrderID}
	t.mu.Lock()
	prev, seen := t.orders[k]
	if seen && prev.update.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.orders[k] = orderState{update: u, at: t.now()}
	var ws []chan common.OrderUpdate
	if u.Status.Terminal() {
		ws = t.waiters[k]
		delete(t.waiters, k)
	}
	t.mu.Unlock()

	t.bus.Publish(events.EventOrderUpdate, u)
	if t.onUpdate != nil {
		t.onUpdate(u)
	}
	for _, w := range ws {
		w <- u
	}
}

// Status returns the last known status of an order.
func (t *Tracker) Status(userID, orderID string) (common.OrderStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.orders[orderKey{userID, orderID}]
	return st.update.Status, ok
}

// WaitForFill blocks until the order reaches a terminal status, the timeout
// elapses or ctx ends. An order already terminal returns at once.
func (t *Tracker) WaitForFill(ctx context.Context, userID, orderID string, timeout time.Duration) (common.OrderUpdate, error) {
	k := orderKey{userID, orderID}
	t.mu.Lock()
	if st, ok := t.orders[k]; ok && st.update.Status.Terminal() {
		t.mu.Unlock()
		return st.update, nil
	}
	w := make(chan common.OrderUpdate, 1)
	t.waiters[k] = append(t.waiters[k], w)
	t.mu.Unlock()

	start := t.now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case u := <-w:
		t.metrics.ObserveFillWait(string(u.Side), t.now().Sub(start))
		return u, nil
	case <-timer.C:
		return t.abandon(k, w), fmt.Errorf("%w: order %s after %s", ErrWaitTimeout, orderID, timeout)
	case <-ctx.Done():
		return t.abandon(k, w), ctx.Err()
	}
}

// abandon unregisters w and returns the last known update.
func (t *Tracker) abandon(k orderKey, w chan common.OrderUpdate) common.OrderUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[k]
	for i, c := range ws {
		if c == w {
			t.waiters[k] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(t.waiters[k]) == 0 {
		delete(t.waiters, k)
	}
	return t.orders[k].update
}

// Prune forgets terminal orders recorded more than age ago.
func (t *Tracker) Prune(age time.Duration) int {
	cutoff := t.now().Add(-age)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, st := range t.orders {
		if st.update.Status.Terminal() && st.at.Before(cutoff) {
			delete(t.orders, k)
			n++
		}
	}
	return n
}

func (t *Tracker) balance(userID string, b common.Balance) {
	t.bus.Publish(events.EventBalanceUpdate, events.BalanceUpdate{
		UserID: userID, Asset: b.Asset, Available: b.Available, Locked: b.Locked,
	})
	if t.onBalance != nil {
		t.onBalance(userID, b)
	}
}
