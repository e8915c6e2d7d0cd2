// Package scheduler drives the per-(strategy, user) volume units.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"volume-core/internal/balance"
	"volume-core/internal/credentials"
	"volume-core/internal/events"
	"volume-core/internal/monitor"
	"volume-core/internal/order"
	"volume-core/internal/risk"
	"volume-core/internal/strategy"
	"volume-core/internal/symbols"
	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/common"
)

var (
	ErrRunning     = errors.New("scheduler already running")
	ErrNoUnits     = errors.New("no schedulable units")
	ErrFillTimeout = errors.New("fill wait timed out")
)

// Resolver maps a short token name to its tradable mapping.
type Resolver interface {
	Resolve(ctx context.Context, shortSymbol, chain string) (symbols.Mapping, error)
}

// FillTracker is the private-stream surface the scheduler needs.
type FillTracker interface {
	Start(ctx context.Context, userID string, creds common.Credentials) error
	Healthy(userID string) bool
	WaitForFill(ctx context.Context, userID, orderID string, timeout time.Duration) (common.OrderUpdate, error)
	ForceRelease(userID string)
	Prune(age time.Duration) int
}

// RiskRecorder receives prices and trade outcomes.
type RiskRecorder interface {
	ObservePrice(ctx context.Context, userID, symbol string, price float64)
	RecordTrade(ctx context.Context, userID string, tr risk.TradeResult)
}

// BalanceSyncer refreshes a user's wallet snapshot.
type BalanceSyncer interface {
	Sync(ctx context.Context, userID string, creds common.Credentials) (balance.Balance, error)
}

// ProgressSink receives per-unit progress rows.
type ProgressSink interface {
	Write(p db.Progress)
}

// Deps are the scheduler's collaborators. Market, Account, Resolver,
// Credentials and Executor are required.
type Deps struct {
	Market      common.MarketData
	Account     common.Account
	Resolver    Resolver
	Credentials credentials.Source
	Executor    *order.Executor
	Tracker     FillTracker
	Risk        RiskRecorder
	Balances    BalanceSyncer
	Progress    ProgressSink
	Bus         *events.Bus
	Metrics     *monitor.Metrics
	Log         *zap.Logger
	// Location sets the day boundary for progress rows.
	Location *time.Location
}

// Config tunes sampling and background upkeep.
type Config struct {
	SampleCount     int
	SampleInterval  time.Duration
	SpreadThreshold float64
	// PollInterval spaces REST order checks when no stream is available.
	PollInterval time.Duration
	JanitorEvery time.Duration
	// PruneAfter is how long finished pairs and order states stay in memory.
	PruneAfter time.Duration
	// MaxUnits caps concurrently running units; zero means no cap.
	MaxUnits int
}

func (c Config) withDefaults() Config {
	if c.SampleCount <= 0 {
		c.SampleCount = 3
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 500 * time.Millisecond
	}
	if c.SpreadThreshold <= 0 {
		c.SpreadThreshold = 0.001
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.JanitorEvery <= 0 {
		c.JanitorEvery = time.Minute
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = 30 * time.Minute
	}
	return c
}

// Scheduler runs one unit per enabled strategy and assigned user until each
// reaches its target, is stopped, or its user is blocked.
type Scheduler struct {
	market   common.MarketData
	account  common.Account
	resolver Resolver
	creds    credentials.Source
	exec     *order.Executor
	tracker  FillTracker
	risk     RiskRecorder
	balances BalanceSyncer
	progress ProgressSink
	bus      *events.Bus
	metrics  *monitor.Metrics
	log      *zap.Logger
	loc      *time.Location
	cfg      Config
	now      func() time.Time

	mu         sync.Mutex
	running    bool
	units      []*unit
	softCancel context.CancelFunc
	hardCancel context.CancelFunc
	done       chan struct{}
	err        error
	userLocks  map[string]*sync.Mutex
	active     atomic.Int64
}

func New(deps Deps, cfg Config) *Scheduler {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		market:    deps.Market,
		account:   deps.Account,
		resolver:  deps.Resolver,
		creds:     deps.Credentials,
		exec:      deps.Executor,
		tracker:   deps.Tracker,
		risk:      deps.Risk,
		balances:  deps.Balances,
		progress:  deps.Progress,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		log:       log.Named("scheduler"),
		loc:       loc,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		userLocks: make(map[string]*sync.Mutex),
	}
}

// Start launches a unit for every active strategy and assigned user that is
// not blocked. It returns immediately; use Wait or Stop.
func (s *Scheduler) Start(ctx context.Context, strategies []strategy.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}

	var units []*unit
	for _, base := range strategies {
		for _, userID := range base.Users {
			cfg := base.ForUser(userID)
			if !cfg.Active() {
				continue
			}
			if err := cfg.Validate(); err != nil {
				s.log.Warn("skipping invalid unit", zap.String("strategy", cfg.ID), zap.String("user", userID), zap.Error(err))
				continue
			}
			if s.exec.Blocked().IsBlocked(userID) {
				s.log.Info("skipping blocked user", zap.String("strategy", cfg.ID), zap.String("user", userID))
				continue
			}
			units = append(units, newUnit(cfg, userID, s.now()))
		}
	}
	if len(units) == 0 {
		return ErrNoUnits
	}

	hard, hardCancel := context.WithCancel(ctx)
	soft, softCancel := context.WithCancel(hard)
	s.units = units
	s.softCancel, s.hardCancel = softCancel, hardCancel
	s.done = make(chan struct{})
	s.err = nil
	s.running = true

	go s.janitor(hard)
	go s.supervise(soft, hard, units, s.done)

	s.log.Info("scheduler started", zap.Int("units", len(units)))
	return nil
}

func (s *Scheduler) supervise(soft, hard context.Context, units []*unit, done chan struct{}) {
	var g errgroup.Group
	if s.cfg.MaxUnits > 0 {
		g.SetLimit(s.cfg.MaxUnits)
	}
	for _, u := range units {
		g.Go(func() error { return s.runUnit(soft, hard, u) })
	}
	err := g.Wait()

	s.mu.Lock()
	s.err = err
	s.running = false
	hardCancel := s.hardCancel
	s.mu.Unlock()
	hardCancel()
	close(done)
	s.log.Info("scheduler finished", zap.Error(err))
}

// Wait blocks until every unit has exited and returns the first unit panic.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Running reports whether units are still active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop asks every unit to finish at its next boundary. If they have not
// exited within grace, in-flight work is cancelled and every unit's stream
// is force released. It reports whether the stop was cooperative.
func (s *Scheduler) Stop(grace time.Duration) bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return true
	}
	softCancel, hardCancel, done := s.softCancel, s.hardCancel, s.done
	users := make(map[string]struct{}, len(s.units))
	for _, u := range s.units {
		users[u.userID] = struct{}{}
	}
	s.mu.Unlock()

	softCancel()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
	}

	s.log.Warn("shutdown grace elapsed; forcing units to stop", zap.Duration("grace", grace))
	hardCancel()
	if s.tracker != nil {
		for userID := range users {
			s.tracker.ForceRelease(userID)
		}
	}
	<-done
	return false
}

// Status returns a snapshot of every unit of the current or last run.
func (s *Scheduler) Status() []UnitStatus {
	s.mu.Lock()
	units := s.units
	s.mu.Unlock()
	out := make([]UnitStatus, 0, len(units))
	for _, u := range units {
		out = append(out, u.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Scheduler) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	cancelled := s.exec.CleanupTimeoutOrders(ctx)
	pruned := s.exec.PruneFinished(s.cfg.PruneAfter)
	var orders int
	if s.tracker != nil {
		orders = s.tracker.Prune(s.cfg.PruneAfter)
	}
	if cancelled+pruned+orders > 0 {
		s.log.Debug("janitor sweep",
			zap.Int("timed_out", cancelled),
			zap.Int("pairs_pruned", pruned),
			zap.Int("orders_pruned", orders))
	}
}

// userLock serializes trades of one user across strategies; the executor
// allows a single live pair per user.
func (s *Scheduler) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

func (s *Scheduler) day() string {
	return s.now().In(s.loc).Format("2006-01-02")
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
