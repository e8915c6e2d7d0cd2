package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"volume-core/internal/balance"
	"volume-core/internal/credentials"
	"volume-core/internal/events"
	"volume-core/internal/order"
	"volume-core/internal/persistence"
	"volume-core/internal/risk"
	"volume-core/internal/scheduler"
	"volume-core/internal/strategy"
	"volume-core/internal/symbols"
	"volume-core/internal/tracker"
	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/common"
	"volume-core/pkg/exchanges/sim"
)

type simSessions struct{ missing map[string]bool }

func (s simSessions) Get(_ context.Context, userID string) (common.Credentials, error) {
	if s.missing[userID] {
		return common.Credentials{}, credentials.ErrNotFound
	}
	return sim.Credentials(userID), nil
}

// stack wires the engine the way main does, against the in-process venue
// and its private stream.
type stack struct {
	db      *db.Database
	exec    *order.Executor
	blocked *order.BlockedUsers
	writer  *persistence.BatchWriter
	risk    *risk.MultiUserManager
	bus     *events.Bus
	sched   *scheduler.Scheduler
}

func newStack(t *testing.T, sessions simSessions) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := zaptest.NewLogger(t)

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	venue := sim.New(sim.Config{InitialBalance: 1000, FeeRate: 0.0001, FillDelay: 20 * time.Millisecond}, log)
	t.Cleanup(venue.Close)
	streamURL, err := venue.ListenStream(ctx, "127.0.0.1:0")
	require.NoError(t, err)

	resolver, err := symbols.NewResolver(venue, symbols.Config{Dir: t.TempDir()}, log)
	require.NoError(t, err)

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	riskMgr := risk.NewMultiUserManager(risk.DefaultProfile(), risk.NewSQLStore(database.DB), time.UTC, log)
	balances := balance.NewMultiUserManager("USDT", venue, riskMgr.UpdateBalance, log)

	blocked := order.NewBlockedUsers(database, bus, log)
	exec := order.NewExecutor(order.Deps{
		Trading: venue,
		Gate:    riskMgr,
		Blocked: blocked,
		Store:   database,
		Bus:     bus,
		Log:     log,
	}, order.Config{})

	trk := tracker.New(tracker.Deps{Auth: venue, Bus: bus, Log: log}, tracker.ConnectorConfig{
		StreamURL:   streamURL,
		DialTimeout: 2 * time.Second,
	})
	trk.OnUpdate(func(u common.OrderUpdate) { exec.HandleUpdate(ctx, u) })
	trk.OnBalance(func(userID string, b common.Balance) { balances.Apply(ctx, userID, b) })
	t.Cleanup(trk.StopAll)

	writer := persistence.NewBatchWriter(database, 10, time.Hour, log)
	t.Cleanup(func() { _ = writer.Close() })

	sched := scheduler.New(scheduler.Deps{
		Market:      venue,
		Account:     venue,
		Resolver:    resolver,
		Credentials: sessions,
		Executor:    exec,
		Tracker:     trk,
		Risk:        riskMgr,
		Balances:    balances,
		Progress:    writer,
		Bus:         bus,
		Log:         log,
	}, scheduler.Config{SampleInterval: time.Millisecond, PollInterval: 20 * time.Millisecond})

	return &stack{db: database, exec: exec, blocked: blocked, writer: writer, risk: riskMgr, bus: bus, sched: sched}
}

func kogeStrategy(users ...string) strategy.Config {
	return strategy.Config{
		ID:                "koge-sim",
		Enabled:           true,
		Token:             "KOGE",
		TargetVolume:      300,
		SingleTradeAmount: 100,
		OffsetMode:        strategy.OffsetPercentage,
		BuyOffset:         0.5,
		SellOffset:        1,
		OrderTimeout:      3 * time.Second,
		Users:             users,
	}
}

func waitDone(t *testing.T, s *scheduler.Scheduler) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		s.Stop(time.Second)
		t.Fatal("units did not finish")
	}
}

func TestUsersReachTargetOnSimVenue(t *testing.T) {
	st := newStack(t, simSessions{})
	users := []string{"alice", "bob", "carol"}

	require.NoError(t, st.sched.Start(context.Background(), []strategy.Config{kogeStrategy(users...)}))
	waitDone(t, st.sched)

	statuses := st.sched.Status()
	require.Len(t, statuses, len(users))
	for _, u := range statuses {
		assert.Equal(t, scheduler.StateDone, u.State, "user %s: %s", u.UserID, u.LastError)
		assert.GreaterOrEqual(t, u.Observed, 300.0)
		assert.Positive(t, u.Trades)
		assert.Zero(t, u.Failed)
	}

	for _, u := range users {
		for _, p := range st.exec.List(u) {
			assert.Equal(t, order.StatusCompleted, p.Status, "pair %s", p.ID)
		}
	}

	require.NoError(t, st.writer.Flush(context.Background()))
	day := time.Now().UTC().Format("2006-01-02")
	rows, err := st.db.Queries().GetProgressByUser(context.Background(), "bob", day)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, scheduler.StateDone, rows[0].State)
}

func TestBlockedAndUnknownUsersDoNotStopOthers(t *testing.T) {
	st := newStack(t, simSessions{missing: map[string]bool{"dave": true}})
	st.blocked.Block(context.Background(), "carol", "session expired")

	require.NoError(t, st.sched.Start(context.Background(), []strategy.Config{kogeStrategy("alice", "carol", "dave")}))
	waitDone(t, st.sched)

	states := map[string]scheduler.UnitStatus{}
	for _, u := range st.sched.Status() {
		states[u.UserID] = u
	}
	assert.NotContains(t, states, "carol")
	assert.Equal(t, scheduler.StateDone, states["alice"].State)
	require.Contains(t, states, "dave")
	assert.Equal(t, scheduler.StateFailed, states["dave"].State)
	assert.Contains(t, states["dave"].LastError, "credentials")
	assert.Empty(t, st.exec.List("dave"))
}

func TestStopDuringTradingLeavesNoLivePair(t *testing.T) {
	st := newStack(t, simSessions{})
	cfg := kogeStrategy("alice")
	cfg.TargetVolume = 1e6
	cfg.TradeInterval = 50 * time.Millisecond

	require.NoError(t, st.sched.Start(context.Background(), []strategy.Config{cfg}))
	require.Eventually(t, func() bool {
		for _, p := range st.exec.List("alice") {
			if p.Status == order.StatusCompleted {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	assert.True(t, st.sched.Stop(5*time.Second))
	u := st.sched.Status()[0]
	assert.Equal(t, scheduler.StateStopped, u.State)
	for _, p := range st.exec.List("alice") {
		assert.True(t, p.Terminal(), "pair %s left in %s", p.ID, p.Status)
	}
	assert.NoError(t, st.sched.Wait())
}

func TestManyTradesDoNotTripBreakerOnSpread(t *testing.T) {
	st := newStack(t, simSessions{})
	cfg := kogeStrategy("alice")
	cfg.TargetVolume = 2000
	cfg.MaxRounds = 3

	require.NoError(t, st.sched.Start(context.Background(), []strategy.Config{cfg}))
	waitDone(t, st.sched)

	u := st.sched.Status()[0]
	assert.Equal(t, scheduler.StateDone, u.State, u.LastError)
	assert.Greater(t, u.Trades, risk.DefaultProfile().MaxConsecutiveLosses)
	assert.Zero(t, u.Failed)
	assert.Zero(t, u.Skipped)
	assert.GreaterOrEqual(t, u.Observed, 2000.0)

	m := st.risk.GetAllMetrics()["alice"]
	assert.False(t, m.Paused, m.PauseReason)
	assert.Zero(t, m.ConsecutiveLosses)
	assert.Zero(t, m.DailyLoss)
	assert.Negative(t, m.DailyPnL)
}

func TestRiskRejectionLeavesNoPair(t *testing.T) {
	st := newStack(t, simSessions{})
	changes, unsub := st.bus.Subscribe(events.EventPairStatus, 4)
	defer unsub()

	cfg := kogeStrategy("alice")
	cfg.TargetVolume = 1000
	// 600 of a 1000 balance breaks the default position ratio.
	cfg.SingleTradeAmount = 600
	cfg.MaxRounds = 1

	require.NoError(t, st.sched.Start(context.Background(), []strategy.Config{cfg}))
	waitDone(t, st.sched)

	u := st.sched.Status()[0]
	assert.Equal(t, scheduler.StateMaxRounds, u.State)
	assert.Zero(t, u.Trades)
	assert.Positive(t, u.Skipped)
	assert.Contains(t, u.LastError, "position ratio")
	assert.Empty(t, st.exec.List("alice"))

	var n int
	require.NoError(t, st.db.DB.QueryRow(`SELECT COUNT(*) FROM oto_pairs WHERE user_id = ?`, "alice").Scan(&n))
	assert.Zero(t, n)
	select {
	case ev := <-changes:
		t.Fatalf("unexpected pair event %+v", ev)
	default:
	}
}
