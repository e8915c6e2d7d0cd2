package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volume-core/internal/balance"
	"volume-core/internal/order"
	"volume-core/internal/risk"
	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/common"
)

type nopTrading struct{}

func (nopTrading) PlaceOTO(context.Context, common.Credentials, common.OTORequest) (common.OTOResult, error) {
	return common.OTOResult{BuyOrderID: "B1", SellOrderID: "S1"}, nil
}
func (nopTrading) CancelOrder(context.Context, common.Credentials, string, string) error { return nil }
func (nopTrading) GetOrder(context.Context, common.Credentials, string, string) (common.OrderInfo, error) {
	return common.OrderInfo{}, nil
}

type streams map[string]bool

func (s streams) Users() []string {
	out := make([]string, 0, len(s))
	for u := range s {
		out = append(out, u)
	}
	return out
}

func (s streams) Healthy(u string) bool { return s[u] }

func newDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func newPair(t *testing.T, exec *order.Executor, user string) order.Pair {
	t.Helper()
	p, err := exec.CreatePair(context.Background(), order.PairRequest{
		UserID: user, Symbol: "KOGE", Quantity: 1, TargetPrice: 100, BuyPrice: 100.5, SellPrice: 99,
	})
	require.NoError(t, err)
	return p
}

func TestListPairsMergesMemoryAndHistory(t *testing.T) {
	database := newDB(t)
	first := order.NewExecutor(order.Deps{Trading: nopTrading{}, Store: database}, order.Config{})
	old := newPair(t, first, "alice")
	require.True(t, first.MarkCancelled(context.Background(), old.ID, "operator"))

	exec := order.NewExecutor(order.Deps{Trading: nopTrading{}, Store: database}, order.Config{})
	live := newPair(t, exec, "alice")
	newPair(t, exec, "bob")

	svc := NewImpl(Config{Executor: exec, DB: database})
	pairs, err := svc.ListPairs(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	byID := map[string]PairInfo{}
	for _, p := range pairs {
		byID[p.ID] = p
	}
	assert.True(t, byID[live.ID].Live)
	assert.Equal(t, "CANCELLED", byID[old.ID].Status)
	assert.False(t, byID[old.ID].Live)

	all, err := svc.ListPairs(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetPairIsScopedToUser(t *testing.T) {
	database := newDB(t)
	exec := order.NewExecutor(order.Deps{Trading: nopTrading{}, Store: database}, order.Config{})
	p := newPair(t, exec, "alice")
	svc := NewImpl(Config{Executor: exec, DB: database})

	got, err := svc.GetPair(context.Background(), "alice", p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = svc.GetPair(context.Background(), "bob", p.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = svc.GetPair(context.Background(), "alice", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUnblockUser(t *testing.T) {
	exec := order.NewExecutor(order.Deps{Trading: nopTrading{}}, order.Config{})
	exec.Blocked().Block(context.Background(), "alice", "login expired")
	svc := NewImpl(Config{Executor: exec})

	list := svc.ListBlockedUsers(context.Background())
	require.Len(t, list, 1)
	assert.Equal(t, "login expired", list[0].Reason)

	ok, err := svc.UnblockUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = svc.UnblockUser(context.Background(), "alice")
	assert.False(t, ok)
	_, err = svc.UnblockUser(context.Background(), "")
	assert.ErrorIs(t, err, db.ErrUserIDRequired)
}

func TestRiskMetricsAndResume(t *testing.T) {
	ctx := context.Background()
	p := risk.DefaultProfile()
	p.MaxConsecutiveLosses = 1
	riskMgr := risk.NewMultiUserManager(p, nil, time.UTC, nil)
	svc := NewImpl(Config{Executor: order.NewExecutor(order.Deps{Trading: nopTrading{}}, order.Config{}), RiskMgr: riskMgr})

	_, err := svc.GetRiskMetrics(ctx, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.ResumeRisk(ctx, "alice"), ErrNotFound)

	riskMgr.RecordTrade(ctx, "alice", risk.TradeResult{Failed: true})
	info, err := svc.GetRiskMetrics(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, info.Metrics.Paused)

	require.NoError(t, svc.ResumeRisk(ctx, "alice"))
	info, _ = svc.GetRiskMetrics(ctx, "alice")
	assert.False(t, info.Metrics.Paused)
}

func TestBalanceAndProgress(t *testing.T) {
	ctx := context.Background()
	database := newDB(t)
	balances := balance.NewMultiUserManager("USDT", nil, nil, nil)
	balances.Seed(ctx, "alice", 500)
	require.NoError(t, database.UpsertProgress(ctx, db.Progress{
		StrategyID: "s1", UserID: "alice", Day: "2026-01-01", Target: 1000, Realized: 400, Trades: 2, State: "trading",
	}))
	svc := NewImpl(Config{
		Executor:   order.NewExecutor(order.Deps{Trading: nopTrading{}}, order.Config{}),
		BalanceMgr: balances,
		DB:         database,
	})

	b, err := svc.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 500.0, b.Available)
	_, err = svc.GetBalance(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	prog, err := svc.GetProgress(ctx, "alice", "2026-01-01")
	require.NoError(t, err)
	require.Len(t, prog, 1)
	assert.Equal(t, 400.0, prog[0].Realized)
}

func TestSystemStatus(t *testing.T) {
	exec := order.NewExecutor(order.Deps{Trading: nopTrading{}}, order.Config{})
	newPair(t, exec, "alice")
	exec.Blocked().Block(context.Background(), "bob", "verification required")
	svc := NewImpl(Config{
		Executor: exec,
		Streams:  streams{"alice": true, "carol": false},
		Meta:     SystemStatus{Mode: "live", Venue: "binance-alpha", Version: "test"},
	})

	st := svc.GetSystemStatus(context.Background())
	assert.Equal(t, "live", st.Mode)
	assert.Equal(t, 1, st.ActivePairs)
	assert.Equal(t, 1, st.BlockedUsers)
	assert.Equal(t, 2, st.StreamUsers)
	assert.Equal(t, 1, st.HealthyStreams)
	assert.False(t, st.SchedulerUp)
	assert.Nil(t, st.Reconcile)

	_, err := svc.StopScheduler(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}
