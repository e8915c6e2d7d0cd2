package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volume-core/internal/events"
	"volume-core/internal/order"
	"volume-core/internal/risk"
	"volume-core/internal/strategy"
	"volume-core/internal/symbols"
	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/common"
)

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
	MulPoint:          1,
	LastPrice:         100,
}

// venue fakes market data, account volume and trading. Order status for
// polling comes from fill(orderID).
type venue struct {
	mu        sync.Mutex
	volumes   []float64
	calls     int
	placeErr  error
	fill      func(orderID string) common.OrderStatus
	seq       int
	cancelled []string
}

func (v *venue) ListTokens(context.Context) ([]common.TokenInfo, error) { return nil, nil }
func (v *venue) ExchangeInfo(context.Context) ([]common.SymbolFilters, error) { return nil, nil }
func (v *venue) TickerPrice(context.Context, string) (float64, error) { return 100, nil }

func (v *venue) GetBalance(context.Context, common.Credentials, string) (common.Balance, error) {
	return common.Balance{Asset: "USDT", Available: 1000}, nil
}

func (v *venue) GetTodayVolume(context.Context, common.Credentials, string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := min(v.calls, len(v.volumes)-1)
	v.calls++
	return v.volumes[i], nil
}

func (v *venue) PlaceOTO(context.Context, common.Credentials, common.OTORequest) (common.OTOResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.placeErr != nil {
		return common.OTOResult{}, v.placeErr
	}
	v.seq++
	return common.OTOResult{BuyOrderID: fmt.Sprintf("B%d", v.seq), SellOrderID: fmt.Sprintf("S%d", v.seq)}, nil
}

func (v *venue) CancelOrder(_ context.Context, _ common.Credentials, _, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, orderID)
	return nil
}

func (v *venue) GetOrder(_ context.Context, _ common.Credentials, symbol, orderID string) (common.OrderInfo, error) {
	status := common.StatusNew
	if v.fill != nil {
		status = v.fill(orderID)
	}
	info := common.OrderInfo{OrderID: orderID, Symbol: symbol, Side: sideOf(orderID), Status: status}
	if status == common.StatusFilled {
		info.ExecutedQty = 1000
	}
	return info, nil
}

func (v *venue) cancelledIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.cancelled...)
}

func sideOf(orderID string) common.Side {
	if strings.HasPrefix(orderID, "S") {
		return common.SideSell
	}
	return common.SideBuy
}

type staticResolver struct{}

func (staticResolver) Resolve(context.Context, string, string) (symbols.Mapping, error) {
	return testMapping, nil
}

type credSource struct{}

func (credSource) Get(context.Context, string) (common.Credentials, error) {
	return common.Credentials{Cookie: "c"}, nil
}

// streamTracker fills every awaited order at once, or blocks until ctx ends
// when hang is set.
type streamTracker struct {
	mu       sync.Mutex
	healthy  bool
	hang     bool
	released []string
}

func (t *streamTracker) Start(context.Context, string, common.Credentials) error { return nil }

func (t *streamTracker) Healthy(string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthy
}

func (t *streamTracker) WaitForFill(ctx context.Context, userID, orderID string, _ time.Duration) (common.OrderUpdate, error) {
	if t.hang {
		<-ctx.Done()
		return common.OrderUpdate{}, ctx.Err()
	}
	return common.OrderUpdate{
		UserID:      userID,
		OrderID:     orderID,
		Side:        sideOf(orderID),
		Status:      common.StatusFilled,
		ExecutedQty: 1000,
	}, nil
}

func (t *streamTracker) ForceRelease(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = append(t.released, userID)
}

func (t *streamTracker) Prune(time.Duration) int { return 0 }

type riskLog struct {
	mu     sync.Mutex
	trades []risk.TradeResult
}

func (r *riskLog) ObservePrice(context.Context, string, string, float64) {}

func (r *riskLog) RecordTrade(_ context.Context, _ string, tr risk.TradeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, tr)
}

type progressLog struct {
	mu   sync.Mutex
	rows []db.Progress
}

func (p *progressLog) Write(row db.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows = append(p.rows, row)
}

func (p *progressLog) last() db.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows[len(p.rows)-1]
}

type harness struct {
	venue    *venue
	exec     *order.Executor
	tracker  *streamTracker
	risk     *riskLog
	progress *progressLog
	bus      *events.Bus
	sched    *Scheduler
}

func newHarness(t *testing.T, v *venue, tr *streamTracker) *harness {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	h := &harness{
		venue:    v,
		exec:     order.NewExecutor(order.Deps{Trading: v, Bus: bus}, order.Config{}),
		tracker:  tr,
		risk:     &riskLog{},
		progress: &progressLog{},
		bus:      bus,
	}
	deps := Deps{
		Market:      v,
		Account:     v,
		Resolver:    staticResolver{},
		Credentials: credSource{},
		Executor:    h.exec,
		Risk:        h.risk,
		Progress:    h.progress,
		Bus:         bus,
	}
	if tr != nil {
		deps.Tracker = tr
	}
	h.sched = New(deps, Config{SampleInterval: time.Millisecond, PollInterval: 5 * time.Millisecond})
	return h
}

func testStrategy(target float64) strategy.Config {
	return strategy.Config{
		ID:                "koge-daily",
		Enabled:           true,
		Token:             "KOGE",
		TargetVolume:      target,
		SingleTradeAmount: 100,
		OffsetMode:        strategy.OffsetPercentage,
		BuyOffset:         0.5,
		SellOffset:        1,
		OrderTimeout:      time.Second,
		Users:             []string{"u1"},
	}
}

func runToEnd(t *testing.T, h *harness, cfg strategy.Config) UnitStatus {
	t.Helper()
	require.NoError(t, h.sched.Start(context.Background(), []strategy.Config{cfg}))
	require.NoError(t, h.sched.Wait())
	st := h.sched.Status()
	require.Len(t, st, 1)
	return st[0]
}

func TestQueryRealVolumeAveragesAndFlagsSpread(t *testing.T) {
	v := &venue{volumes: []float64{1000, 1000, 1002}}
	h := newHarness(t, v, nil)
	m := testMapping
	m.MulPoint = 4

	got, err := h.sched.QueryRealVolume(context.Background(), "u1", common.Credentials{}, m)
	require.NoError(t, err)
	assert.Len(t, got.Samples, 3)
	assert.InDelta(t, 250.1667, got.Average, 1e-4)
	assert.False(t, got.Consistent)
	assert.InDelta(t, 0.002, got.Spread, 1e-4)
}

func TestQueryRealVolumeConsistent(t *testing.T) {
	v := &venue{volumes: []float64{500, 500, 500}}
	h := newHarness(t, v, nil)

	got, err := h.sched.QueryRealVolume(context.Background(), "u1", common.Credentials{}, testMapping)
	require.NoError(t, err)
	assert.Equal(t, 500.0, got.Average)
	assert.True(t, got.Consistent)
}

func TestQueryRealVolumeAveragesInDecimal(t *testing.T) {
	v := &venue{volumes: []float64{0.1, 0.2, 0.3}}
	h := newHarness(t, v, nil)

	got, err := h.sched.QueryRealVolume(context.Background(), "u1", common.Credentials{}, testMapping)
	require.NoError(t, err)
	assert.Equal(t, 0.2, got.Average)
	assert.Equal(t, 0.1, got.Min)
	assert.Equal(t, 0.3, got.Max)
}

func TestCalculateLoops(t *testing.T) {
	assert.Equal(t, 3, CalculateLoops(250, 100))
	assert.Equal(t, 3, CalculateLoops(300, 100))
	assert.Equal(t, 1, CalculateLoops(0.5, 100))
	assert.Equal(t, 1, CalculateLoops(100, 0))
	assert.Equal(t, 4, CalculateLoops(0.31, 0.1))
}

func TestUnitTradesUntilTarget(t *testing.T) {
	v := &venue{volumes: []float64{0, 0, 0, 600}}
	h := newHarness(t, v, &streamTracker{healthy: true})
	sub, unsub := h.bus.Subscribe(events.EventUnitFinished, 4)
	defer unsub()

	st := runToEnd(t, h, testStrategy(250))

	assert.Equal(t, StateDone, st.State)
	assert.Equal(t, 3, st.Trades)
	assert.Zero(t, st.Failed)
	assert.Equal(t, 1, st.Rounds)
	// 0.99 @ 100.50 bought and sold @ 99.00, three times.
	assert.InDelta(t, 3*(0.99*100.5+0.99*99), st.Realized, 1e-6)

	for _, p := range h.exec.List("u1") {
		assert.Equal(t, order.StatusCompleted, p.Status)
	}
	require.Len(t, h.risk.trades, 3)
	for _, tr := range h.risk.trades {
		assert.False(t, tr.Failed)
		assert.Negative(t, tr.PnL)
		assert.InDelta(t, -tr.PnL, tr.SpreadCost, 1e-9)
		assert.Zero(t, tr.Loss())
	}

	last := h.progress.last()
	assert.Equal(t, StateDone, last.State)
	assert.Equal(t, 600.0, last.Observed)

	select {
	case msg := <-sub:
		fin := msg.(events.UnitFinished)
		assert.Equal(t, "u1", fin.UserID)
		assert.Equal(t, StateDone, fin.State)
	case <-time.After(time.Second):
		t.Fatal("expected unit finished event")
	}
}

func TestUnitDoneWhenTargetAlreadyMet(t *testing.T) {
	v := &venue{volumes: []float64{300}}
	h := newHarness(t, v, &streamTracker{healthy: true})

	st := runToEnd(t, h, testStrategy(250))
	assert.Equal(t, StateDone, st.State)
	assert.Zero(t, st.Trades)
	assert.Empty(t, h.exec.List(""))
}

func TestUnitPollsWhenStreamDown(t *testing.T) {
	v := &venue{
		volumes: []float64{0},
		fill:    func(string) common.OrderStatus { return common.StatusFilled },
	}
	h := newHarness(t, v, &streamTracker{healthy: false})
	cfg := testStrategy(250)
	cfg.MaxRounds = 1

	st := runToEnd(t, h, cfg)
	assert.Equal(t, StateMaxRounds, st.State)
	assert.Equal(t, 3, st.Trades)
	for _, p := range h.exec.List("u1") {
		assert.Equal(t, order.StatusCompleted, p.Status)
	}
}

func TestBuyTimeoutAbandonsPair(t *testing.T) {
	v := &venue{volumes: []float64{0}}
	h := newHarness(t, v, nil)
	cfg := testStrategy(100)
	cfg.MaxRounds = 1
	cfg.OrderTimeout = 30 * time.Millisecond

	st := runToEnd(t, h, cfg)
	assert.Equal(t, 1, st.Trades)
	assert.Equal(t, 1, st.Failed)
	assert.Zero(t, st.Realized)

	pairs := h.exec.List("u1")
	require.Len(t, pairs, 1)
	assert.Equal(t, order.StatusCancelled, pairs[0].Status)
	assert.ElementsMatch(t, []string{"B1", "S1"}, v.cancelledIDs())
	require.Len(t, h.risk.trades, 1)
	assert.True(t, h.risk.trades[0].Failed)
}

func TestSellTimeoutKeepsBuyNotional(t *testing.T) {
	v := &venue{
		volumes: []float64{0},
		fill: func(id string) common.OrderStatus {
			if strings.HasPrefix(id, "B") {
				return common.StatusFilled
			}
			return common.StatusNew
		},
	}
	h := newHarness(t, v, nil)
	cfg := testStrategy(100)
	cfg.MaxRounds = 1
	cfg.OrderTimeout = 30 * time.Millisecond

	st := runToEnd(t, h, cfg)
	assert.Equal(t, 1, st.Failed)
	assert.InDelta(t, 0.99*100.5, st.Realized, 1e-6)
	assert.Equal(t, []string{"S1"}, v.cancelledIDs())
}

func TestAuthFailureBlocksUserAndEndsUnit(t *testing.T) {
	v := &venue{
		volumes:  []float64{0},
		placeErr: &common.APIError{Status: 401, Code: "100001005", Message: "login expired"},
	}
	h := newHarness(t, v, nil)

	st := runToEnd(t, h, testStrategy(250))
	assert.Equal(t, StateBlocked, st.State)
	assert.Zero(t, st.Trades)
	assert.True(t, h.exec.Blocked().IsBlocked("u1"))

	// Blocked users are excluded from the next run.
	err := h.sched.Start(context.Background(), []strategy.Config{testStrategy(250)})
	assert.ErrorIs(t, err, ErrNoUnits)
}

func TestStopIsCooperativeBetweenTrades(t *testing.T) {
	v := &venue{volumes: []float64{0}}
	h := newHarness(t, v, &streamTracker{healthy: true})
	cfg := testStrategy(1000)
	cfg.TradeInterval = time.Hour

	require.NoError(t, h.sched.Start(context.Background(), []strategy.Config{cfg}))
	require.Eventually(t, func() bool { return h.sched.Status()[0].Trades == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, h.sched.Stop(time.Second))
	assert.False(t, h.sched.Running())
	assert.Equal(t, StateStopped, h.sched.Status()[0].State)
	assert.Empty(t, h.tracker.released)
}

func TestStopForcesAfterGrace(t *testing.T) {
	v := &venue{volumes: []float64{0}}
	tr := &streamTracker{healthy: true, hang: true}
	h := newHarness(t, v, tr)
	cfg := testStrategy(100)
	cfg.OrderTimeout = time.Minute

	require.NoError(t, h.sched.Start(context.Background(), []strategy.Config{cfg}))
	require.Eventually(t, func() bool { return len(h.exec.List("u1")) == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, h.sched.Stop(50*time.Millisecond))
	assert.Equal(t, []string{"u1"}, tr.released)

	pairs := h.exec.List("u1")
	require.Len(t, pairs, 1)
	assert.Equal(t, order.StatusCancelled, pairs[0].Status)
	assert.Equal(t, StateStopped, h.sched.Status()[0].State)
}

func TestStartRejectsSecondRun(t *testing.T) {
	v := &venue{volumes: []float64{0}}
	h := newHarness(t, v, &streamTracker{healthy: true, hang: true})
	cfg := testStrategy(100)

	require.NoError(t, h.sched.Start(context.Background(), []strategy.Config{cfg}))
	assert.ErrorIs(t, h.sched.Start(context.Background(), []strategy.Config{cfg}), ErrRunning)
	h.sched.Stop(10 * time.Millisecond)
}
