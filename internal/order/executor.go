package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"volume-core/internal/events"
	"volume-core/internal/monitor"
	"volume-core/internal/risk"
	"volume-core/internal/strategy"
	"volume-core/internal/symbols"
	"volume-core/pkg/exchanges/common"
)

var (
	ErrPairNotFound = errors.New("pair not found")
	ErrActivePair   = errors.New("user already has an active pair")
	ErrInvalidState = errors.New("pair not in a submittable state")
	ErrUserBlocked  = errors.New("user is blocked")
)

// Gate is the risk check consulted before every submission.
type Gate interface {
	Assess(ctx context.Context, userID, symbol string, amount, price float64) risk.Decision
	RecordOrder(ctx context.Context, userID string)
}

// Config tunes submission retries and the timeout sweep.
type Config struct {
	// PairTimeout is the age after which a live pair is force-cancelled.
	PairTimeout  time.Duration
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// OrphanTTL bounds how long updates for unknown order ids are kept.
	OrphanTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.PairTimeout <= 0 {
		c.PairTimeout = 10 * time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
	if c.OrphanTTL <= 0 {
		c.OrphanTTL = 2 * time.Minute
	}
	return c
}

// Deps are the executor's collaborators. Only Trading is required.
type Deps struct {
	Trading common.Trading
	Gate    Gate
	Blocked *BlockedUsers
	Store   PairStore
	Bus     *events.Bus
	Metrics *monitor.Metrics
	Log     *zap.Logger
}

// PairRequest describes a pair to create.
type PairRequest struct {
	UserID      string
	StrategyID  string
	Symbol      string
	Quantity    float64
	TargetPrice float64
	BuyPrice    float64
	SellPrice   float64
}

type orphan struct {
	updates []common.OrderUpdate
	seen    time.Time
}

type change struct {
	pair Pair
	from PairStatus
}

// Executor owns every OTO pair: it creates, submits and advances them and is
// the only writer of pair state.
type Executor struct {
	trading common.Trading
	gate    Gate
	blocked *BlockedUsers
	store   PairStore
	bus     *events.Bus
	metrics *monitor.Metrics
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	pairs   map[string]*Pair
	byOrder map[string]string
	active  map[string]string
	creds   map[string]common.Credentials
	orphans map[string]*orphan
}

func NewExecutor(deps Deps, cfg Config) *Executor {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	blocked := deps.Blocked
	if blocked == nil {
		blocked = NewBlockedUsers(nil, deps.Bus, log)
	}
	return &Executor{
		trading: deps.Trading,
		gate:    deps.Gate,
		blocked: blocked,
		store:   deps.Store,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		cfg:     cfg.withDefaults(),
		log:     log.Named("executor"),
		now:     time.Now,
		pairs:   make(map[string]*Pair),
		byOrder: make(map[string]string),
		active:  make(map[string]string),
		creds:   make(map[string]common.Credentials),
		orphans: make(map[string]*orphan),
	}
}

// Blocked exposes the blocked-user registry.
func (e *Executor) Blocked() *BlockedUsers { return e.blocked }

// Restore reloads live pairs from the store after a restart so the timeout
// sweep and stream updates can finish them.
func (e *Executor) Restore(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	rows, err := e.store.ListPairsByStatus(ctx, liveStatuses...)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range rows {
		p := fromRow(r)
		e.pairs[p.ID] = &p
		e.index(&p)
		if cur, ok := e.active[p.UserID]; !ok || e.pairs[cur].CreatedAt.Before(p.CreatedAt) {
			e.active[p.UserID] = p.ID
		}
	}
	return len(rows), nil
}

// CanExecuteOrder reports whether userID may start a new pair on symbol.
func (e *Executor) CanExecuteOrder(userID, symbol string, price float64, cfg strategy.Config) (bool, string) {
	if !cfg.Active() {
		return false, "strategy inactive"
	}
	if e.blocked.IsBlocked(userID) {
		return false, "user blocked"
	}
	if price <= 0 {
		return false, fmt.Sprintf("invalid price %v", price)
	}
	e.mu.RLock()
	if id, ok := e.active[userID]; ok {
		p := e.pairs[id]
		e.mu.RUnlock()
		return false, fmt.Sprintf("active pair %s on %s in %s", p.ID, p.Symbol, p.Status)
	}
	e.mu.RUnlock()

	if cfg.BaselinePrice > 0 && cfg.VolatilityThreshold > 0 {
		dev := math.Abs(price-cfg.BaselinePrice) / cfg.BaselinePrice * 100
		if dev > cfg.VolatilityThreshold {
			return false, fmt.Sprintf("%s price %v deviates %.2f%% from baseline %v (limit %.2f%%)",
				symbol, price, dev, cfg.BaselinePrice, cfg.VolatilityThreshold)
		}
	}
	return true, ""
}

// Assess asks the risk gate whether userID may spend amount on symbol now.
// Callers check before CreatePair so a rejected trade leaves no pair behind.
func (e *Executor) Assess(ctx context.Context, userID, symbol string, amount, price float64) error {
	if e.gate == nil {
		return nil
	}
	dec := e.gate.Assess(ctx, userID, strings.ToUpper(symbol), amount, price)
	if !dec.Approved {
		return fmt.Errorf("%w: %s", risk.ErrRejected, dec.Reason)
	}
	return nil
}

// CreatePair registers a PENDING pair. It fails if the user already has one live.
func (e *Executor) CreatePair(ctx context.Context, req PairRequest) (Pair, error) {
	if req.UserID == "" || req.Symbol == "" {
		return Pair{}, fmt.Errorf("%w: user and symbol are required", common.ErrValidation)
	}
	if req.Quantity <= 0 || req.BuyPrice <= 0 || req.SellPrice <= 0 {
		return Pair{}, fmt.Errorf("%w: quantity=%v buy=%v sell=%v", common.ErrValidation, req.Quantity, req.BuyPrice, req.SellPrice)
	}
	now := e.now().UTC()
	p := &Pair{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		StrategyID:  req.StrategyID,
		Symbol:      strings.ToUpper(req.Symbol),
		Quantity:    req.Quantity,
		TargetPrice: req.TargetPrice,
		BuyPrice:    req.BuyPrice,
		SellPrice:   req.SellPrice,
		Status:      StatusPending,
		Buy:         Leg{Side: common.SideBuy, Price: req.BuyPrice, Quantity: req.Quantity},
		Sell:        Leg{Side: common.SideSell, Price: req.SellPrice, Quantity: req.Quantity},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	e.mu.Lock()
	if id, ok := e.active[req.UserID]; ok {
		e.mu.Unlock()
		return Pair{}, fmt.Errorf("%w: %s", ErrActivePair, id)
	}
	e.pairs[p.ID] = p
	e.active[req.UserID] = p.ID
	snap := *p
	e.mu.Unlock()

	e.persist(ctx, snap)
	e.log.Info("pair created",
		zap.String("pair", snap.ID),
		zap.String("user", snap.UserID),
		zap.String("symbol", snap.Symbol),
		zap.Float64("qty", snap.Quantity),
		zap.Float64("buy", snap.BuyPrice),
		zap.Float64("sell", snap.SellPrice))
	return snap, nil
}

// Submit quantizes, risk-checks and places the pair as one OTO order.
// Authentication failures block the user and are not retried.
func (e *Executor) Submit(ctx context.Context, pairID string, creds common.Credentials, m symbols.Mapping) (Pair, error) {
	e.mu.RLock()
	p, ok := e.pairs[pairID]
	var snap Pair
	if ok {
		snap = *p
	}
	e.mu.RUnlock()
	if !ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrPairNotFound, pairID)
	}
	if snap.Status != StatusPending {
		return snap, fmt.Errorf("%w: %s is %s", ErrInvalidState, pairID, snap.Status)
	}
	if e.blocked.IsBlocked(snap.UserID) {
		return e.fail(ctx, pairID, StatusCancelled, ErrUserBlocked)
	}

	qty := Quantize(snap.Quantity, m.QuantityPrecision, m.LotSize, m.MinQty)
	if err := validateSubmission(m, qty, snap.BuyPrice, snap.SellPrice); err != nil {
		return e.fail(ctx, pairID, StatusFailed, err)
	}

	if err := e.Assess(ctx, snap.UserID, snap.Symbol, qty*snap.BuyPrice, snap.TargetPrice); err != nil {
		return e.fail(ctx, pairID, StatusFailed, err)
	}

	req := common.OTORequest{
		BaseAsset:     m.BaseAsset,
		QuoteAsset:    m.QuoteAsset,
		Quantity:      qty,
		BuyPrice:      snap.BuyPrice,
		SellPrice:     snap.SellPrice,
		ClientOrderID: clientOrderID(pairID),
	}
	res, err := e.place(ctx, creds, req)
	if err != nil {
		if errors.Is(err, common.ErrAuthentication) {
			e.blocked.Block(ctx, snap.UserID, err.Error())
		}
		e.metrics.ExchangeError(errorKind(err))
		return e.fail(ctx, pairID, StatusFailed, err)
	}

	e.mu.Lock()
	e.creds[snap.UserID] = creds
	p, ok = e.pairs[pairID]
	if !ok {
		e.mu.Unlock()
		e.cancelLegs(ctx, snap.UserID, m.ExchangeSymbol, res.BuyOrderID, res.SellOrderID)
		return snap, fmt.Errorf("%w: %s", ErrPairNotFound, pairID)
	}
	p.Quantity = qty
	p.ExchangeSymbol = m.ExchangeSymbol
	p.Buy.ExchangeID, p.Buy.Quantity, p.Buy.Status = res.BuyOrderID, qty, common.StatusNew
	p.Sell.ExchangeID, p.Sell.Quantity = res.SellOrderID, qty
	from := p.Status
	var changes []change
	if e.transitionLocked(p, StatusBuySubmitted, "") {
		changes = append(changes, change{pair: *p, from: from})
		e.index(p)
		changes = append(changes, e.drainOrphansLocked(p)...)
	}
	snap = *p
	e.mu.Unlock()

	if len(changes) == 0 {
		// Swept while the request was in flight; the orders are live but unowned.
		e.log.Warn("pair ended during submission; cancelling legs", zap.String("pair", pairID), zap.String("status", string(snap.Status)))
		e.cancelLegs(ctx, snap.UserID, m.ExchangeSymbol, res.BuyOrderID, res.SellOrderID)
		return snap, fmt.Errorf("%w: %s ended as %s", ErrInvalidState, pairID, snap.Status)
	}
	if e.gate != nil {
		e.gate.RecordOrder(ctx, snap.UserID)
	}
	e.flush(ctx, changes)
	return e.Get(pairID)
}

func validateSubmission(m symbols.Mapping, qty, buy, sell float64) error {
	switch {
	case m.ExchangeSymbol == "" || m.BaseAsset == "" || m.QuoteAsset == "":
		return fmt.Errorf("%w: %v", common.ErrValidation, symbols.ErrNoMapping)
	case qty <= 0:
		return fmt.Errorf("%w: quantity %v", common.ErrValidation, qty)
	case buy <= 0 || sell <= 0:
		return fmt.Errorf("%w: buy=%v sell=%v", common.ErrValidation, buy, sell)
	}
	return nil
}

// clientOrderID is stable per pair so a retried submission is deduplicated
// by the venue.
func clientOrderID(pairID string) string {
	return "vc" + strings.ReplaceAll(pairID, "-", "")
}

func (e *Executor) place(ctx context.Context, creds common.Credentials, req common.OTORequest) (common.OTOResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitial
	b.MaxInterval = e.cfg.RetryMax
	b.Reset()

	for attempt := 1; ; attempt++ {
		res, err := e.trading.PlaceOTO(ctx, creds, req)
		if err == nil {
			return res, nil
		}
		if !common.Retryable(err) || attempt > e.cfg.MaxRetries {
			return common.OTOResult{}, err
		}
		wait := b.NextBackOff()
		e.log.Warn("place OTO failed; retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		e.metrics.ExchangeError(errorKind(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return common.OTOResult{}, ctx.Err()
		case <-t.C:
		}
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, common.ErrAuthentication):
		return "auth"
	case errors.Is(err, common.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, common.ErrNetwork):
		return "network"
	case errors.Is(err, common.ErrValidation):
		return "validation"
	default:
		return "other"
	}
}

// fail ends the pair in to with cause and returns cause.
func (e *Executor) fail(ctx context.Context, pairID string, to PairStatus, cause error) (Pair, error) {
	e.mu.Lock()
	p := e.pairs[pairID]
	from := p.Status
	applied := e.transitionLocked(p, to, cause.Error())
	snap := *p
	e.mu.Unlock()
	if applied {
		e.flush(ctx, []change{{pair: snap, from: from}})
	}
	e.log.Warn("pair not submitted", zap.String("pair", pairID), zap.String("user", snap.UserID), zap.Error(cause))
	return snap, cause
}

// HandleUpdate applies a stream or polled order update to the owning pair.
// Updates for unknown order ids are held briefly in case they arrive before
// the submission response.
func (e *Executor) HandleUpdate(ctx context.Context, u common.OrderUpdate) {
	if u.OrderID == "" {
		return
	}
	e.mu.Lock()
	id, ok := e.byOrder[u.OrderID]
	if !ok {
		o := e.orphans[u.OrderID]
		if o == nil {
			o = &orphan{}
			e.orphans[u.OrderID] = o
		}
		o.updates = append(o.updates, u)
		o.seen = e.now()
		e.mu.Unlock()
		return
	}
	p := e.pairs[id]
	changes := e.applyLocked(p, u)
	e.mu.Unlock()
	e.flush(ctx, changes)
}

func (e *Executor) applyLocked(p *Pair, u common.OrderUpdate) []change {
	if p.Terminal() {
		e.log.Debug("update for finished pair", zap.String("pair", p.ID), zap.String("order", u.OrderID))
		return nil
	}
	leg := &p.Buy
	if u.OrderID == p.Sell.ExchangeID {
		leg = &p.Sell
	}
	if leg.Status.Terminal() {
		return nil
	}
	if u.Status != "" && u.Status != common.StatusUnknown {
		leg.Status = u.Status
	}
	if u.ExecutedQty > leg.FilledQty {
		leg.FilledQty = math.Min(u.ExecutedQty, leg.Quantity)
	}
	if leg.Status == common.StatusFilled {
		leg.FilledQty = leg.Quantity
	}
	p.UpdatedAt = e.now().UTC()

	to, reason := derive(p)
	from := p.Status
	if to == from || !e.transitionLocked(p, to, reason) {
		return nil
	}
	return []change{{pair: *p, from: from}}
}

// derive maps leg states onto the pair status.
func derive(p *Pair) (PairStatus, string) {
	switch p.Buy.Status {
	case common.StatusFilled:
		switch p.Sell.Status {
		case common.StatusFilled:
			return StatusCompleted, ""
		case common.StatusPartial:
			return StatusSellExecuting, ""
		case common.StatusNew:
			return StatusSellSubmitted, ""
		case common.StatusCanceled, common.StatusRejected, common.StatusExpired:
			return StatusCancelled, "sell leg " + strings.ToLower(string(p.Sell.Status))
		}
		return StatusBuyCompleted, ""
	case common.StatusPartial:
		return StatusBuyExecuting, ""
	case common.StatusCanceled, common.StatusRejected, common.StatusExpired:
		return StatusCancelled, "buy leg " + strings.ToLower(string(p.Buy.Status))
	}
	return p.Status, ""
}

func (e *Executor) drainOrphansLocked(p *Pair) []change {
	var out []change
	for _, id := range []string{p.Buy.ExchangeID, p.Sell.ExchangeID} {
		o, ok := e.orphans[id]
		if !ok {
			continue
		}
		delete(e.orphans, id)
		for _, u := range o.updates {
			out = append(out, e.applyLocked(p, u)...)
		}
	}
	return out
}

func (e *Executor) MarkBuyExecuting(ctx context.Context, pairID string) bool {
	return e.mark(ctx, pairID, StatusBuyExecuting, "", nil)
}

func (e *Executor) MarkSellExecuting(ctx context.Context, pairID string) bool {
	return e.mark(ctx, pairID, StatusSellExecuting, "", nil)
}

// MarkBuyFilled records a full buy fill and moves the pair to BUY_COMPLETED.
func (e *Executor) MarkBuyFilled(ctx context.Context, pairID string) bool {
	return e.mark(ctx, pairID, StatusBuyCompleted, "", func(p *Pair) {
		p.Buy.Status, p.Buy.FilledQty = common.StatusFilled, p.Buy.Quantity
	})
}

// MarkSellFilled records a full sell fill and completes the pair.
func (e *Executor) MarkSellFilled(ctx context.Context, pairID string) bool {
	return e.mark(ctx, pairID, StatusCompleted, "", func(p *Pair) {
		// The sell leg only activates after the buy leg fills.
		p.Buy.Status, p.Buy.FilledQty = common.StatusFilled, p.Buy.Quantity
		p.Sell.Status, p.Sell.FilledQty = common.StatusFilled, p.Sell.Quantity
	})
}

func (e *Executor) MarkCancelled(ctx context.Context, pairID, reason string) bool {
	return e.mark(ctx, pairID, StatusCancelled, reason, nil)
}

func (e *Executor) MarkFailed(ctx context.Context, pairID, reason string) bool {
	return e.mark(ctx, pairID, StatusFailed, reason, nil)
}

func (e *Executor) mark(ctx context.Context, pairID string, to PairStatus, reason string, legs func(*Pair)) bool {
	e.mu.Lock()
	p, ok := e.pairs[pairID]
	if !ok {
		e.mu.Unlock()
		e.log.Warn("mark on unknown pair", zap.String("pair", pairID), zap.String("to", string(to)))
		return false
	}
	from := p.Status
	if !CanTransition(from, to) {
		e.mu.Unlock()
		e.logRejected(p, to)
		return false
	}
	if legs != nil {
		legs(p)
	}
	e.transitionLocked(p, to, reason)
	snap := *p
	e.mu.Unlock()
	e.flush(ctx, []change{{pair: snap, from: from}})
	return true
}

func (e *Executor) logRejected(p *Pair, to PairStatus) {
	if p.Status.Terminal() {
		e.log.Info("ignoring transition from terminal state",
			zap.String("pair", p.ID), zap.String("from", string(p.Status)), zap.String("to", string(to)))
		return
	}
	e.log.Debug("ignoring backward transition",
		zap.String("pair", p.ID), zap.String("from", string(p.Status)), zap.String("to", string(to)))
}

// transitionLocked moves p to `to` when legal. Caller holds e.mu.
func (e *Executor) transitionLocked(p *Pair, to PairStatus, reason string) bool {
	if p.Status == to {
		return false
	}
	if !CanTransition(p.Status, to) {
		e.logRejected(p, to)
		return false
	}
	now := e.now().UTC()
	p.Status = to
	p.UpdatedAt = now
	if reason != "" {
		p.Error = reason
	}
	if to.Terminal() {
		p.CompletedAt = &now
		if e.active[p.UserID] == p.ID {
			delete(e.active, p.UserID)
		}
	}
	return true
}

func (e *Executor) index(p *Pair) {
	if p.Buy.ExchangeID != "" {
		e.byOrder[p.Buy.ExchangeID] = p.ID
	}
	if p.Sell.ExchangeID != "" {
		e.byOrder[p.Sell.ExchangeID] = p.ID
	}
}

// flush persists, publishes and counts accepted transitions.
func (e *Executor) flush(ctx context.Context, changes []change) {
	for _, c := range changes {
		p := c.pair
		e.persist(ctx, p)
		e.metrics.PairTransition(string(p.Status))
		if p.Terminal() {
			e.metrics.PairFinished(string(p.Status), p.StrategyID, p.RealizedVolume())
		}
		e.bus.Publish(events.EventPairStatus, events.PairStatusChanged{
			PairID: p.ID,
			UserID: p.UserID,
			Symbol: p.Symbol,
			From:   string(c.from),
			To:     string(p.Status),
			Time:   p.UpdatedAt,
		})
		e.log.Info("pair transition",
			zap.String("pair", p.ID),
			zap.String("user", p.UserID),
			zap.String("from", string(c.from)),
			zap.String("to", string(p.Status)),
			zap.String("error", p.Error))
	}
}

func (e *Executor) persist(ctx context.Context, p Pair) {
	if e.store == nil {
		return
	}
	if err := e.store.UpsertPair(ctx, toRow(p)); err != nil {
		e.log.Error("persist pair failed", zap.String("pair", p.ID), zap.Error(err))
	}
}

// CleanupTimeoutOrders cancels live pairs older than the pair timeout and
// returns how many it cancelled. Open legs are cancelled on the venue on a
// best-effort basis.
func (e *Executor) CleanupTimeoutOrders(ctx context.Context) int {
	now := e.now()
	type cancel struct {
		user, symbol string
		ids          []string
	}
	var (
		changes []change
		cancels []cancel
	)

	e.mu.Lock()
	for _, p := range e.pairs {
		if p.Terminal() || now.Sub(p.CreatedAt) <= e.cfg.PairTimeout {
			continue
		}
		from := p.Status
		if !e.transitionLocked(p, StatusCancelled, "timeout") {
			continue
		}
		changes = append(changes, change{pair: *p, from: from})
		var ids []string
		for _, l := range []Leg{p.Buy, p.Sell} {
			if l.ExchangeID != "" && !l.Status.Terminal() {
				ids = append(ids, l.ExchangeID)
			}
		}
		if len(ids) > 0 {
			cancels = append(cancels, cancel{user: p.UserID, symbol: p.ExchangeSymbol, ids: ids})
		}
	}
	for id, o := range e.orphans {
		if now.Sub(o.seen) > e.cfg.OrphanTTL {
			delete(e.orphans, id)
		}
	}
	e.mu.Unlock()

	e.flush(ctx, changes)
	for _, c := range cancels {
		e.cancelLegs(ctx, c.user, c.symbol, c.ids...)
	}
	if len(changes) > 0 {
		e.log.Info("timed out pairs cancelled", zap.Int("count", len(changes)))
	}
	return len(changes)
}

// Abandon cancels the pair's open legs on the venue and marks it CANCELLED.
// Filled quantities stay on the legs.
func (e *Executor) Abandon(ctx context.Context, pairID, reason string) bool {
	e.mu.RLock()
	p, ok := e.pairs[pairID]
	var snap Pair
	if ok {
		snap = *p
	}
	e.mu.RUnlock()
	if !ok || snap.Terminal() {
		return false
	}
	var ids []string
	for _, l := range []Leg{snap.Buy, snap.Sell} {
		if l.ExchangeID != "" && !l.Status.Terminal() {
			ids = append(ids, l.ExchangeID)
		}
	}
	e.cancelLegs(ctx, snap.UserID, snap.ExchangeSymbol, ids...)
	return e.MarkCancelled(ctx, pairID, reason)
}

func (e *Executor) cancelLegs(ctx context.Context, userID, symbol string, ids ...string) {
	e.mu.RLock()
	creds, ok := e.creds[userID]
	e.mu.RUnlock()
	if !ok || symbol == "" {
		return
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := e.trading.CancelOrder(ctx, creds, symbol, id); err != nil {
			e.log.Warn("cancel leg failed", zap.String("user", userID), zap.String("order", id), zap.Error(err))
		}
	}
}

// Poll refreshes the pair's open legs over REST. It is the fallback when no
// stream is available for the user.
func (e *Executor) Poll(ctx context.Context, pairID string) (Pair, error) {
	e.mu.RLock()
	p, ok := e.pairs[pairID]
	var snap Pair
	if ok {
		snap = *p
	}
	creds, hasCreds := e.creds[snap.UserID]
	e.mu.RUnlock()
	if !ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrPairNotFound, pairID)
	}
	if snap.Terminal() || !hasCreds {
		return snap, nil
	}
	for _, l := range []Leg{snap.Buy, snap.Sell} {
		if l.ExchangeID == "" || l.Status.Terminal() {
			continue
		}
		info, err := e.trading.GetOrder(ctx, creds, snap.ExchangeSymbol, l.ExchangeID)
		if err != nil {
			if errors.Is(err, common.ErrAuthentication) {
				e.blocked.Block(ctx, snap.UserID, err.Error())
			}
			return snap, err
		}
		e.HandleUpdate(ctx, common.OrderUpdate{
			UserID:      snap.UserID,
			OrderID:     info.OrderID,
			Symbol:      info.Symbol,
			Side:        info.Side,
			Status:      info.Status,
			ExecutedQty: info.ExecutedQty,
			Time:        info.UpdateTime,
		})
	}
	return e.Get(pairID)
}

// PruneFinished drops terminal pairs finished more than age ago from memory.
func (e *Executor) PruneFinished(age time.Duration) int {
	cutoff := e.now().Add(-age)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, p := range e.pairs {
		if !p.Terminal() || p.CompletedAt == nil || p.CompletedAt.After(cutoff) {
			continue
		}
		delete(e.pairs, id)
		delete(e.byOrder, p.Buy.ExchangeID)
		delete(e.byOrder, p.Sell.ExchangeID)
		n++
	}
	return n
}

// GetUserActiveOrder returns the user's live pair, if any.
func (e *Executor) GetUserActiveOrder(userID string) (Pair, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.active[userID]
	if !ok {
		return Pair{}, false
	}
	return *e.pairs[id], true
}

func (e *Executor) Get(pairID string) (Pair, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pairs[pairID]
	if !ok {
		return Pair{}, fmt.Errorf("%w: %s", ErrPairNotFound, pairID)
	}
	return *p, nil
}

// List returns pairs for userID, or all pairs when userID is empty, newest first.
func (e *Executor) List(userID string) []Pair {
	e.mu.RLock()
	out := make([]Pair, 0, len(e.pairs))
	for _, p := range e.pairs {
		if userID == "" || p.UserID == userID {
			out = append(out, *p)
		}
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
