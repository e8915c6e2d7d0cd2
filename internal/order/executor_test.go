package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volume-core/internal/events"
	"volume-core/internal/risk"
	"volume-core/internal/strategy"
	"volume-core/internal/symbols"
	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/common"
)

type fakeTrading struct {
	mu        sync.Mutex
	errs      []error
	placed    []common.OTORequest
	cancelled []string
	orders    map[string]common.OrderInfo
	seq       int
}

func (f *fakeTrading) PlaceOTO(_ context.Context, _ common.Credentials, req common.OTORequest) (common.OTOResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return common.OTOResult{}, err
		}
	}
	f.seq++
	return common.OTOResult{BuyOrderID: fmt.Sprintf("B%d", f.seq), SellOrderID: fmt.Sprintf("S%d", f.seq)}, nil
}

func (f *fakeTrading) CancelOrder(_ context.Context, _ common.Credentials, _ string, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeTrading) GetOrder(_ context.Context, _ common.Credentials, _ string, orderID string) (common.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.orders[orderID]
	if !ok {
		return common.OrderInfo{OrderID: orderID, Status: common.StatusNew}, nil
	}
	return info, nil
}

func (f *fakeTrading) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

var testMapping = symbols.Mapping{
	ShortSymbol:       "KOGE",
	AlphaID:           "ALPHA_1",
	ExchangeSymbol:    "ALPHA_1USDT",
	BaseAsset:         "ALPHA_1",
	QuoteAsset:        "USDT",
	PricePrecision:    2,
	QuantityPrecision: 2,
	LotSize:           0.01,
	PriceTick:         0.01,
}

var testCreds = common.Credentials{Headers: map[string]string{"csrftoken": "t"}, Cookie: "c=1"}

func newTestExecutor(t *testing.T, trading *fakeTrading, balance float64) (*Executor, *risk.MultiUserManager) {
	t.Helper()
	gate := risk.NewMultiUserManager(risk.DefaultProfile(), nil, time.UTC, nil)
	gate.UpdateBalance(context.Background(), "u1", balance, balance)
	e := NewExecutor(Deps{Trading: trading, Gate: gate, Bus: events.NewBus()}, Config{
		PairTimeout:  time.Minute,
		MaxRetries:   2,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
	})
	return e, gate
}

func createPair(t *testing.T, e *Executor, qty, buy, sell float64) Pair {
	t.Helper()
	p, err := e.CreatePair(context.Background(), PairRequest{
		UserID: "u1", StrategyID: "s1", Symbol: "koge",
		Quantity: qty, TargetPrice: 100, BuyPrice: buy, SellPrice: sell,
	})
	require.NoError(t, err)
	return p
}

func TestSubmitRecordsLegsAndAdvances(t *testing.T) {
	trading := &fakeTrading{}
	e, gate := newTestExecutor(t, trading, 1000)

	p := createPair(t, e, 0.999, 100.5, 99)
	assert.Equal(t, StatusPending, p.Status)
	assert.Equal(t, "KOGE", p.Symbol)
	assert.Empty(t, p.BuyOrderID())

	got, err := e.Submit(context.Background(), p.ID, testCreds, testMapping)
	require.NoError(t, err)
	assert.Equal(t, StatusBuySubmitted, got.Status)
	assert.Equal(t, "B1", got.BuyOrderID())
	assert.Equal(t, "S1", got.SellOrderID())
	assert.Equal(t, 0.99, got.Quantity)

	require.Len(t, trading.placed, 1)
	req := trading.placed[0]
	assert.Equal(t, 0.99, req.Quantity)
	assert.Equal(t, "ALPHA_1", req.BaseAsset)
	assert.Equal(t, clientOrderID(p.ID), req.ClientOrderID)
	assert.Equal(t, 1, gate.GetOrCreate(context.Background(), "u1").Metrics().OrdersToday)
}

func TestRiskRejectionNeverSubmits(t *testing.T) {
	trading := &fakeTrading{}
	e, _ := newTestExecutor(t, trading, 50)
	bus := e.bus
	alerts, unsub := bus.Subscribe(events.EventPairStatus, 4)
	defer unsub()

	p := createPair(t, e, 1, 100, 99)
	got, err := e.Submit(context.Background(), p.ID, testCreds, testMapping)
	require.Error(t, err)
	assert.True(t, errors.Is(err, risk.ErrRejected))
	assert.Contains(t, err.Error(), "insufficient balance")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Zero(t, trading.placeCount())

	ev := (<-alerts).(events.PairStatusChanged)
	assert.Equal(t, string(StatusFailed), ev.To)

	_, active := e.GetUserActiveOrder("u1")
	assert.False(t, active)
}

func TestAssessRejectsWithoutCreatingPair(t *testing.T) {
	trading := &fakeTrading{}
	e, _ := newTestExecutor(t, trading, 50)
	changes, unsub := e.bus.Subscribe(events.EventPairStatus, 4)
	defer unsub()

	err := e.Assess(context.Background(), "u1", "koge", 100, 100)
	require.Error(t, err)
	assert.ErrorIs(t, err, risk.ErrRejected)
	assert.Contains(t, err.Error(), "insufficient balance")
	assert.Empty(t, e.List("u1"))
	assert.Zero(t, trading.placeCount())
	select {
	case ev := <-changes:
		t.Fatalf("unexpected pair event %+v", ev)
	default:
	}

	require.NoError(t, e.Assess(context.Background(), "u1", "KOGE", 20, 100))
}

func TestAuthFailureBlocksUserWithoutRetry(t *testing.T) {
	trading := &fakeTrading{errs: []error{&common.APIError{Status: 401, Code: "100001005", Message: "login expired"}}}
	e, _ := newTestExecutor(t, trading, 1000)

	p := createPair(t, e, 1, 100.5, 99)
	got, err := e.Submit(context.Background(), p.ID, testCreds, testMapping)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrAuthentication))
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, trading.placeCount())
	assert.True(t, e.Blocked().IsBlocked("u1"))

	ok, reason := e.CanExecuteOrder("u1", "KOGE", 100, activeConfig())
	assert.False(t, ok)
	assert.Equal(t, "user blocked", reason)
}

func TestNetworkErrorsRetriedThenSucceed(t *testing.T) {
	trading := &fakeTrading{errs: []error{common.ErrNetwork, fmt.Errorf("read: %w", common.ErrTimeout)}}
	e, _ := newTestExecutor(t, trading, 1000)

	p := createPair(t, e, 1, 100.5, 99)
	got, err := e.Submit(context.Background(), p.ID, testCreds, testMapping)
	require.NoError(t, err)
	assert.Equal(t, StatusBuySubmitted, got.Status)
	assert.Equal(t, 3, trading.placeCount())
}

func TestNetworkErrorsExhaustRetries(t *testing.T) {
	trading := &fakeTrading{errs: []error{common.ErrNetwork, common.ErrNetwork, common.ErrNetwork, common.ErrNetwork}}
	e, _ := newTestExecutor(t, trading, 1000)

	p := createPair(t, e, 1, 100.5, 99)
	got, err := e.Submit(context.Background(), p.ID, testCreds, testMapping)
	require.ErrorIs(t, err, common.ErrNetwork)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, trading.placeCount())
	assert.False(t, e.Blocked().IsBlocked("u1"))
}

func TestValidationFailureNeverSubmits(t *testing.T) {
	trading := &fakeTrading{}
	e, _ := newTestExecutor(t, trading, 1000)

	p := createPair(t, e, 1, 100.5, 99)
	_, err := e.Submit(context.Background(), p.ID, testCreds, symbols.Mapping{})
	require.ErrorIs(t, err, common.ErrValidation)
	assert.Zero(t, trading.placeCount())
}

func submitted(t *testing.T, e *Executor) Pair {
	t.Helper()
	p := createPair(t, e, 1, 100.5, 99)
	got, err := e.Submit(context.Background(), p.ID, testCreds, testMapping)
	require.NoError(t, err)
	return got
}

func update(orderID string, status common.OrderStatus, executed float64) common.OrderUpdate {
	return common.OrderUpdate{UserID: "u1", OrderID: orderID, Status: status, ExecutedQty: executed}
}

func TestStreamUpdatesDrivePair(t *testing.T) {
	e, _ := newTestExecutor(t, &fakeTrading{}, 1000)
	p := submitted(t, e)
	ctx := context.Background()

	steps := []struct {
		u    common.OrderUpdate
		want PairStatus
	}{
		{update(p.BuyOrderID(), common.StatusPartial, 0.4), StatusBuyExecuting},
		{update(p.BuyOrderID(), common.StatusFilled, 1), StatusBuyCompleted},
		{update(p.SellOrderID(), common.StatusNew, 0), StatusSellSubmitted},
		{update(p.SellOrderID(), common.StatusPartial, 0.5), StatusSellExecuting},
		{update(p.SellOrderID(), common.StatusFilled, 1), StatusCompleted},
	}
	for _, s := range steps {
		e.HandleUpdate(ctx, s.u)
		got, err := e.Get(p.ID)
		require.NoError(t, err)
		require.Equal(t, s.want, got.Status, "after %+v", s.u)
	}

	done, _ := e.Get(p.ID)
	assert.NotNil(t, done.CompletedAt)
	assert.InDelta(t, 100.5+99, done.RealizedVolume(), 1e-9)
	assert.InDelta(t, -1.5, done.PnL(), 1e-9)
	assert.InDelta(t, 1.5, done.SpreadCost(), 1e-9)
	_, active := e.GetUserActiveOrder("u1")
	assert.False(t, active)
}

func TestSellFillBeforeBuyRecordedOnSellLeg(t *testing.T) {
	e, _ := newTestExecutor(t, &fakeTrading{}, 1000)
	p := submitted(t, e)
	ctx := context.Background()

	e.HandleUpdate(ctx, update(p.SellOrderID(), common.StatusFilled, 1))
	got, _ := e.Get(p.ID)
	assert.Equal(t, StatusBuySubmitted, got.Status)
	assert.Equal(t, common.StatusFilled, got.Sell.Status)
	assert.Equal(t, 1.0, got.Sell.FilledQty)
	assert.Zero(t, got.Buy.FilledQty)

	e.HandleUpdate(ctx, update(p.BuyOrderID(), common.StatusFilled, 1))
	got, _ = e.Get(p.ID)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestUpdateBeforeSubmissionResponseIsApplied(t *testing.T) {
	e, _ := newTestExecutor(t, &fakeTrading{}, 1000)
	ctx := context.Background()

	// The fake venue assigns B1/S1 to the first submission.
	e.HandleUpdate(ctx, update("B1", common.StatusFilled, 1))

	p := createPair(t, e, 1, 100.5, 99)
	_, err := e.Submit(ctx, p.ID, testCreds, testMapping)
	require.NoError(t, err)

	got, _ := e.Get(p.ID)
	assert.Equal(t, StatusBuyCompleted, got.Status)
}

func TestBuyLegCancelledCancelsPair(t *testing.T) {
	e, _ := newTestExecutor(t, &fakeTrading{}, 1000)
	p := submitted(t, e)

	e.HandleUpdate(context.Background(), update(p.BuyOrderID(), common.StatusExpired, 0))
	got, _ := e.Get(p.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "buy leg expired", got.Error)
}

func TestTerminalPairIgnoresEveryMark(t *testing.T) {
	ctx := context.Background()
	finish := map[PairStatus]func(e *Executor, id string){
		StatusCompleted: func(e *Executor, id string) { e.MarkSellFilled(ctx, id) },
		StatusCancelled: func(e *Executor, id string) { e.MarkCancelled(ctx, id, "test") },
		StatusFailed:    func(e *Executor, id string) { e.MarkFailed(ctx, id, "test") },
	}
	for terminal, fn := range finish {
		e, _ := newTestExecutor(t, &fakeTrading{}, 1000)
		p := submitted(t, e)
		fn(e, p.ID)

		before, _ := e.Get(p.ID)
		require.Equal(t, terminal, before.Status)

		assert.False(t, e.MarkBuyFilled(ctx, p.ID))
		assert.False(t, e.MarkSellFilled(ctx, p.ID))
		assert.False(t, e.MarkCancelled(ctx, p.ID, "again"))
		assert.False(t, e.MarkFailed(ctx, p.ID, "again"))
		e.HandleUpdate(ctx, update(p.BuyOrderID(), common.StatusPartial, 0.2))

		after, _ := e.Get(p.ID)
		assert.Equal(t, before, after, "terminal %s changed", terminal)
	}
}

func TestMarkBuyFilledThenSellFilled(t *testing.T) {
	e, _ := newTestExecutor(t, &fakeTrading{}, 1000)
	p := submitted(t, e)
	ctx := context.Background()

	assert.True(t, e.MarkBuyFilled(ctx, p.ID))
	assert.False(t, e.MarkBuyFilled(ctx, p.ID), "repeat is a no-op")
	assert.True(t, e.MarkSellFilled(ctx, p.ID))

	got, _ := e.Get(p.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.False(t, e.MarkBuyFilled(ctx, "missing"))
}

func TestCleanupTimeoutOrders(t *testing.T) {
	trading := &fakeTrading{}
	e, _ := newTestExecutor(t, trading, 1000)
	p := submitted(t, e)

	assert.Zero(t, e.CleanupTimeoutOrders(context.Background()))

	e.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	assert.Equal(t, 1, e.CleanupTimeoutOrders(context.Background()))
	assert.Zero(t, e.CleanupTimeoutOrders(context.Background()))

	got, _ := e.Get(p.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "timeout", got.Error)
	assert.ElementsMatch(t, []string{"B1", "S1"}, trading.cancelled)
}

func activeConfig() strategy.Config {
	return strategy.Config{Enabled: true, TargetVolume: 1000, SingleTradeAmount: 100}
}

func TestCanExecuteOrder(t *testing.T) {
	e, _ := newTestExecutor(t, &fakeTrading{}, 1000)

	ok, _ := e.CanExecuteOrder("u1", "KOGE", 100, activeConfig())
	assert.True(t, ok)

	ok, reason := e.CanExecuteOrder("u1", "KOGE", 100, strategy.Config{})
	assert.False(t, ok)
	assert.Equal(t, "strategy inactive", reason)

	cfg := activeConfig()
	cfg.BaselinePrice = 100
	cfg.VolatilityThreshold = 2
	ok, _ = e.CanExecuteOrder("u1", "KOGE", 101.5, cfg)
	assert.True(t, ok)
	ok, reason = e.CanExecuteOrder("u1", "KOGE", 103, cfg)
	assert.False(t, ok)
	assert.Contains(t, reason, "deviates")

	p := submitted(t, e)
	ok, reason = e.CanExecuteOrder("u1", "KOGE", 100, activeConfig())
	assert.False(t, ok)
	assert.Contains(t, reason, p.ID)

	_, err := e.CreatePair(context.Background(), PairRequest{UserID: "u1", Symbol: "KOGE", Quantity: 1, BuyPrice: 1, SellPrice: 1})
	assert.ErrorIs(t, err, ErrActivePair)

	active, ok := e.GetUserActiveOrder("u1")
	require.True(t, ok)
	assert.Equal(t, p.ID, active.ID)
}

func TestPollFallsBackToREST(t *testing.T) {
	trading := &fakeTrading{}
	e, _ := newTestExecutor(t, trading, 1000)
	p := submitted(t, e)

	trading.mu.Lock()
	trading.orders = map[string]common.OrderInfo{
		"B1": {OrderID: "B1", Status: common.StatusFilled, ExecutedQty: 1},
		"S1": {OrderID: "S1", Status: common.StatusPartial, ExecutedQty: 0.3},
	}
	trading.mu.Unlock()

	got, err := e.Poll(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSellExecuting, got.Status)
	assert.InDelta(t, 0.3, got.Sell.FilledQty, 1e-9)
}

func TestRestoreReloadsLivePairs(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	trading := &fakeTrading{}
	gate := risk.NewMultiUserManager(risk.DefaultProfile(), nil, time.UTC, nil)
	gate.UpdateBalance(context.Background(), "u1", 1000, 1000)
	first := NewExecutor(Deps{Trading: trading, Gate: gate, Store: database}, Config{})
	p := submitted(t, first)
	first.HandleUpdate(context.Background(), update(p.BuyOrderID(), common.StatusPartial, 0.5))

	second := NewExecutor(Deps{Trading: trading, Gate: gate, Store: database}, Config{})
	n, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := second.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBuyExecuting, restored.Status)
	assert.Equal(t, common.StatusPartial, restored.Buy.Status)
	assert.InDelta(t, 0.5, restored.Buy.FilledQty, 1e-9)

	second.HandleUpdate(context.Background(), update(p.BuyOrderID(), common.StatusFilled, 1))
	restored, _ = second.Get(p.ID)
	assert.Equal(t, StatusBuyCompleted, restored.Status)
	_, active := second.GetUserActiveOrder("u1")
	assert.True(t, active)
}

func TestBlockedRegistryPersists(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))
	ctx := context.Background()

	b := NewBlockedUsers(database, nil, nil)
	var sizes []int
	b.OnChange(func(n int) { sizes = append(sizes, n) })
	assert.True(t, b.Block(ctx, "u1", "login expired"))
	assert.False(t, b.Block(ctx, "u1", "again"))

	reloaded := NewBlockedUsers(database, nil, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.True(t, reloaded.IsBlocked("u1"))

	assert.True(t, reloaded.Unblock(ctx, "u1"))
	assert.False(t, reloaded.Unblock(ctx, "u1"))
	assert.Empty(t, reloaded.List())
	assert.Equal(t, []int{1}, sizes)
}

func TestAbandonCancelsOpenLegsAndKeepsFills(t *testing.T) {
	trading := &fakeTrading{}
	e, _ := newTestExecutor(t, trading, 1000)
	p := submitted(t, e)
	ctx := context.Background()

	e.HandleUpdate(ctx, update(p.BuyOrderID(), common.StatusFilled, 1))
	require.True(t, e.Abandon(ctx, p.ID, "sell fill timeout"))
	assert.False(t, e.Abandon(ctx, p.ID, "again"))

	got, _ := e.Get(p.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "sell fill timeout", got.Error)
	assert.InDelta(t, 100.5, got.RealizedVolume(), 1e-9)
	// Unsold inventory is neither profit nor loss.
	assert.Zero(t, got.PnL())
	assert.Zero(t, got.SpreadCost())
	assert.Equal(t, []string{"S1"}, trading.cancelled)
}
