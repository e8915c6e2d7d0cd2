// Package sim is an in-process venue for dry runs. It acks OTO pairs, fills
// them after a delay and pushes execution reports over a real WebSocket
// stream so the tracker runs unchanged.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"volume-core/pkg/exchanges/common"
)

// UserHeader carries the user id inside simulated credentials.
const UserHeader = "X-User-Id"

// Credentials returns the credential blob the simulator accepts for userID.
func Credentials(userID string) common.Credentials {
	return common.Credentials{Headers: map[string]string{UserHeader: userID}}
}

// Config tunes the simulated venue.
type Config struct {
	InitialBalance float64
	QuoteAsset     string
	FeeRate        float64
	// FillDelay is the time from placement to the buy fill, and from the
	// buy fill to the sell fill.
	FillDelay time.Duration
	// MissRate is the probability that a leg never fills, which exercises
	// fill timeouts and cancellation.
	MissRate float64
	// LatencyMin/LatencyMax bound the simulated per-call latency.
	LatencyMin time.Duration
	LatencyMax time.Duration
	// PriceDrift is the largest relative move applied per ticker read.
	PriceDrift float64
	Tokens     []common.TokenInfo
}

// DefaultTokens is the listing used when Config.Tokens is empty.
func DefaultTokens() []common.TokenInfo {
	return []common.TokenInfo{
		{AlphaID: "ALPHA_22", Symbol: "KOGE", Name: "BNB48 Club Token", Chain: "BSC", MulPoint: 4, Price: 48, Decimals: 18},
		{AlphaID: "ALPHA_118", Symbol: "ZKJ", Name: "Polyhedra Network", Chain: "BSC", MulPoint: 2, Price: 0.35, Decimals: 18},
		{AlphaID: "ALPHA_175", Symbol: "B2", Name: "BSquared Network", Chain: "BSC", MulPoint: 1, Price: 0.6, Decimals: 18},
	}
}

func (c Config) withDefaults() Config {
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10000
	}
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}
	if c.FillDelay <= 0 {
		c.FillDelay = 500 * time.Millisecond
	}
	if c.PriceDrift < 0 {
		c.PriceDrift = 0
	}
	if len(c.Tokens) == 0 {
		c.Tokens = DefaultTokens()
	}
	return c
}

type account struct {
	free   float64
	locked float64
	assets map[string]float64
	day    string
	volume map[string]float64
}

type simOrder struct {
	info    common.OrderInfo
	userID  string
	client  string
	base    string
	alphaID string
	// sibling is the other leg of the OTO pair.
	sibling string
	// pending marks a sell leg waiting for its buy to fill.
	pending bool
	// reserved is the quote locked for a working buy.
	reserved float64
}

// Gateway implements common.Gateway in memory.
type Gateway struct {
	cfg Config
	log *zap.Logger
	hub *hub

	mu       sync.Mutex
	rng      *rand.Rand
	tokens   map[string]common.TokenInfo // by alpha id
	prices   map[string]float64          // by exchange symbol
	accounts map[string]*account
	orders   map[string]*simOrder
	byClient map[string]common.OTOResult
	keys     map[string]string // listen key -> user
	timers   map[string]*time.Timer
	seq      int64
	closed   bool
	now      func() time.Time
}

var _ common.Gateway = (*Gateway)(nil)

// New builds a simulated venue.
func New(cfg Config, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	g := &Gateway{
		cfg:      cfg,
		log:      log.Named("sim"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		tokens:   make(map[string]common.TokenInfo),
		prices:   make(map[string]float64),
		accounts: make(map[string]*account),
		orders:   make(map[string]*simOrder),
		byClient: make(map[string]common.OTOResult),
		keys:     make(map[string]string),
		timers:   make(map[string]*time.Timer),
		seq:      40000000,
		now:      time.Now,
	}
	g.hub = newHub(g.log)
	for _, t := range cfg.Tokens {
		g.tokens[strings.ToUpper(t.AlphaID)] = t
		g.prices[g.symbolOf(t.AlphaID)] = t.Price
	}
	return g
}

func (g *Gateway) symbolOf(alphaID string) string {
	return strings.ToUpper(alphaID) + g.cfg.QuoteAsset
}

// Close stops pending fills and drops stream subscribers.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
	g.mu.Unlock()
	g.hub.closeAll()
}

func (g *Gateway) latency(ctx context.Context) error {
	lo, hi := g.cfg.LatencyMin, g.cfg.LatencyMax
	if hi <= 0 {
		return ctx.Err()
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	g.mu.Lock()
	d := lo + time.Duration(g.rng.Int63n(int64(hi-lo)+1))
	g.mu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", common.ErrTimeout, ctx.Err())
	case <-t.C:
		return nil
	}
}

func userOf(creds common.Credentials) (string, error) {
	id := creds.Headers[UserHeader]
	if id == "" {
		id = creds.Cookie
	}
	if id == "" {
		return "", &common.APIError{Status: 401, Code: "100002001", Message: "please log in"}
	}
	return id, nil
}

// accountLocked returns the user's account, rolling the daily volume.
func (g *Gateway) accountLocked(userID string) *account {
	a, ok := g.accounts[userID]
	if !ok {
		a = &account{free: g.cfg.InitialBalance, assets: make(map[string]float64), volume: make(map[string]float64)}
		g.accounts[userID] = a
	}
	day := g.now().UTC().Format("2006-01-02")
	if a.day != day {
		a.day = day
		a.volume = make(map[string]float64)
	}
	return a
}

// --- MarketData ---

func (g *Gateway) ListTokens(ctx context.Context) ([]common.TokenInfo, error) {
	if err := g.latency(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]common.TokenInfo, 0, len(g.cfg.Tokens))
	for _, t := range g.cfg.Tokens {
		t.Price = g.prices[g.symbolOf(t.AlphaID)]
		out = append(out, t)
	}
	return out, nil
}

func (g *Gateway) ExchangeInfo(ctx context.Context) ([]common.SymbolFilters, error) {
	if err := g.latency(ctx); err != nil {
		return nil, err
	}
	out := make([]common.SymbolFilters, 0, len(g.cfg.Tokens))
	for _, t := range g.cfg.Tokens {
		pp, qp := 8, 2
		if t.Price >= 1 {
			pp, qp = 4, 4
		}
		out = append(out, common.SymbolFilters{
			Symbol:            g.symbolOf(t.AlphaID),
			BaseAsset:         strings.ToUpper(t.AlphaID),
			QuoteAsset:        g.cfg.QuoteAsset,
			PricePrecision:    pp,
			QuantityPrecision: qp,
			TickSize:          pow10(-pp),
			StepSize:          pow10(-qp),
			MinQty:            pow10(-qp),
			MinNotional:       1,
		})
	}
	return out, nil
}

func pow10(n int) float64 {
	v := 1.0
	for ; n < 0; n++ {
		v /= 10
	}
	return v
}

// TickerPrice returns the last price after a random walk step.
func (g *Gateway) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	if err := g.latency(ctx); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sym := strings.ToUpper(symbol)
	p, ok := g.prices[sym]
	if !ok {
		return 0, fmt.Errorf("ticker %s: %w: unknown symbol", symbol, common.ErrValidation)
	}
	if g.cfg.PriceDrift > 0 {
		p *= 1 + (g.rng.Float64()*2-1)*g.cfg.PriceDrift
		g.prices[sym] = p
	}
	return p, nil
}

// --- Account ---

func (g *Gateway) GetBalance(ctx context.Context, creds common.Credentials, asset string) (common.Balance, error) {
	userID, err := userOf(creds)
	if err != nil {
		return common.Balance{}, err
	}
	if err := g.latency(ctx); err != nil {
		return common.Balance{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	a := g.accountLocked(userID)
	if strings.EqualFold(asset, g.cfg.QuoteAsset) {
		return common.Balance{Asset: g.cfg.QuoteAsset, Available: a.free, Locked: a.locked}, nil
	}
	return common.Balance{Asset: strings.ToUpper(asset), Available: a.assets[strings.ToUpper(asset)]}, nil
}

// GetTodayVolume reports volume already multiplied by the token's MulPoint,
// as the venue does.
func (g *Gateway) GetTodayVolume(ctx context.Context, creds common.Credentials, alphaID string) (float64, error) {
	userID, err := userOf(creds)
	if err != nil {
		return 0, err
	}
	if err := g.latency(ctx); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accountLocked(userID).volume[strings.ToUpper(alphaID)], nil
}

// --- Trading ---

func (g *Gateway) PlaceOTO(ctx context.Context, creds common.Credentials, req common.OTORequest) (common.OTOResult, error) {
	userID, err := userOf(creds)
	if err != nil {
		return common.OTOResult{}, err
	}
	if req.Quantity <= 0 || req.BuyPrice <= 0 || req.SellPrice <= 0 {
		return common.OTOResult{}, fmt.Errorf("place oto: %w: qty=%v buy=%v sell=%v",
			common.ErrValidation, req.Quantity, req.BuyPrice, req.SellPrice)
	}
	if err := g.latency(ctx); err != nil {
		return common.OTOResult{}, err
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return common.OTOResult{}, fmt.Errorf("place oto: %w: venue closed", common.ErrNetwork)
	}
	if req.ClientOrderID != "" {
		if res, ok := g.byClient[userID+"/"+req.ClientOrderID]; ok {
			g.mu.Unlock()
			return res, nil
		}
	}
	base := strings.ToUpper(req.BaseAsset)
	tok, ok := g.tokens[base]
	if !ok {
		g.mu.Unlock()
		return common.OTOResult{}, &common.APIError{Status: 400, Code: "-1121", Message: "invalid symbol " + base}
	}
	a := g.accountLocked(userID)
	cost := req.Quantity * req.BuyPrice
	if need := cost * (1 + g.cfg.FeeRate); need > a.free {
		g.mu.Unlock()
		return common.OTOResult{}, &common.APIError{Status: 400, Code: "-2010",
			Message: fmt.Sprintf("insufficient balance: need %.4f have %.4f", need, a.free)}
	}
	a.free -= cost
	a.locked += cost

	now := g.now()
	symbol := g.symbolOf(base)
	buyID, sellID := g.nextIDLocked(), g.nextIDLocked()
	buy := &simOrder{
		info:     common.OrderInfo{OrderID: buyID, Symbol: symbol, Side: common.SideBuy, Status: common.StatusNew, Price: req.BuyPrice, OrigQty: req.Quantity, UpdateTime: now},
		userID:   userID,
		client:   req.ClientOrderID,
		base:     base,
		alphaID:  tok.AlphaID,
		sibling:  sellID,
		reserved: cost,
	}
	sell := &simOrder{
		info:    common.OrderInfo{OrderID: sellID, Symbol: symbol, Side: common.SideSell, Status: common.StatusNew, Price: req.SellPrice, OrigQty: req.Quantity, UpdateTime: now},
		userID:  userID,
		client:  req.ClientOrderID,
		base:    base,
		alphaID: tok.AlphaID,
		sibling: buyID,
		pending: true,
	}
	g.orders[buyID] = buy
	g.orders[sellID] = sell
	res := common.OTOResult{BuyOrderID: buyID, SellOrderID: sellID}
	if req.ClientOrderID != "" {
		g.byClient[userID+"/"+req.ClientOrderID] = res
	}
	g.scheduleLocked(buyID)
	reports := []executionFrame{frameOf(buy, now), frameOf(sell, now)}
	pos := g.positionLocked(userID, now)
	g.mu.Unlock()

	g.log.Debug("oto placed", zap.String("user", userID), zap.String("symbol", symbol),
		zap.Float64("qty", req.Quantity), zap.Float64("buy", req.BuyPrice), zap.Float64("sell", req.SellPrice))
	for _, r := range reports {
		g.hub.send(userID, r)
	}
	g.hub.send(userID, pos)
	return res, nil
}

func (g *Gateway) nextIDLocked() string {
	g.seq++
	return strconv.FormatInt(g.seq, 10)
}

// scheduleLocked arms the fill timer for a working leg, unless the leg is
// drawn to never fill.
func (g *Gateway) scheduleLocked(orderID string) {
	if g.closed {
		return
	}
	if g.cfg.MissRate > 0 && g.rng.Float64() < g.cfg.MissRate {
		g.log.Debug("leg will not fill", zap.String("order", orderID))
		return
	}
	g.timers[orderID] = time.AfterFunc(g.cfg.FillDelay, func() { g.fill(orderID) })
}

// fill executes a working leg in full and activates the pending sell.
func (g *Gateway) fill(orderID string) {
	g.mu.Lock()
	delete(g.timers, orderID)
	o, ok := g.orders[orderID]
	if !ok || o.pending || o.info.Status.Terminal() || g.closed {
		g.mu.Unlock()
		return
	}
	now := g.now()
	a := g.accountLocked(o.userID)
	notional := o.info.OrigQty * o.info.Price
	fee := notional * g.cfg.FeeRate
	o.info.Status = common.StatusFilled
	o.info.ExecutedQty = o.info.OrigQty
	o.info.UpdateTime = now

	if o.info.Side == common.SideBuy {
		a.locked -= o.reserved
		a.free -= fee
		a.assets[o.base] += o.info.OrigQty
		o.reserved = 0
	} else {
		a.assets[o.base] -= o.info.OrigQty
		a.free += notional - fee
	}
	mul := g.tokens[o.base].MulPoint
	if mul <= 0 {
		mul = 1
	}
	a.volume[strings.ToUpper(o.alphaID)] += notional * mul

	frames := []any{frameOf(o, now)}
	if o.info.Side == common.SideBuy {
		if s, ok := g.orders[o.sibling]; ok && s.pending && !s.info.Status.Terminal() {
			s.pending = false
			s.info.UpdateTime = now
			g.scheduleLocked(s.info.OrderID)
		}
	}
	frames = append(frames, g.positionLocked(o.userID, now))
	userID := o.userID
	g.mu.Unlock()

	g.log.Debug("leg filled", zap.String("user", userID), zap.String("order", orderID), zap.String("side", string(o.info.Side)))
	for _, f := range frames {
		g.hub.send(userID, f)
	}
}

// CancelOrder cancels a leg. Cancelling the buy also cancels its pending sell.
func (g *Gateway) CancelOrder(ctx context.Context, creds common.Credentials, symbol, orderID string) error {
	userID, err := userOf(creds)
	if err != nil {
		return err
	}
	if err := g.latency(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	o, ok := g.orders[orderID]
	if !ok || o.userID != userID {
		g.mu.Unlock()
		return &common.APIError{Status: 400, Code: "-2011", Message: "unknown order sent"}
	}
	if o.info.Status.Terminal() {
		g.mu.Unlock()
		return &common.APIError{Status: 400, Code: "-2011", Message: "order already " + string(o.info.Status)}
	}
	now := g.now()
	cancelled := []*simOrder{o}
	if o.info.Side == common.SideBuy {
		if s, ok := g.orders[o.sibling]; ok && s.pending && !s.info.Status.Terminal() {
			cancelled = append(cancelled, s)
		}
	}
	a := g.accountLocked(userID)
	frames := make([]any, 0, len(cancelled)+1)
	for _, c := range cancelled {
		if t, ok := g.timers[c.info.OrderID]; ok {
			t.Stop()
			delete(g.timers, c.info.OrderID)
		}
		c.info.Status = common.StatusCanceled
		c.info.UpdateTime = now
		if c.reserved > 0 {
			a.locked -= c.reserved
			a.free += c.reserved
			c.reserved = 0
		}
		frames = append(frames, frameOf(c, now))
	}
	frames = append(frames, g.positionLocked(userID, now))
	g.mu.Unlock()

	for _, f := range frames {
		g.hub.send(userID, f)
	}
	return nil
}

func (g *Gateway) GetOrder(ctx context.Context, creds common.Credentials, symbol, orderID string) (common.OrderInfo, error) {
	userID, err := userOf(creds)
	if err != nil {
		return common.OrderInfo{}, err
	}
	if err := g.latency(ctx); err != nil {
		return common.OrderInfo{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok || o.userID != userID {
		return common.OrderInfo{}, &common.APIError{Status: 400, Code: "-2013", Message: "order does not exist"}
	}
	return o.info, nil
}

// --- StreamAuth ---

func (g *Gateway) CreateListenKey(ctx context.Context, creds common.Credentials) (string, error) {
	userID, err := userOf(creds)
	if err != nil {
		return "", err
	}
	key := strings.ReplaceAll(uuid.NewString(), "-", "")
	g.mu.Lock()
	g.keys[key] = userID
	g.mu.Unlock()
	return key, nil
}

func (g *Gateway) KeepAliveListenKey(ctx context.Context, creds common.Credentials, listenKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.keys[listenKey]; !ok {
		return &common.APIError{Status: 400, Code: "-1125", Message: "this listenKey does not exist"}
	}
	return nil
}

func (g *Gateway) CloseListenKey(ctx context.Context, creds common.Credentials, listenKey string) error {
	g.mu.Lock()
	delete(g.keys, listenKey)
	g.mu.Unlock()
	return nil
}

func (g *Gateway) userForKey(key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.keys[key]
	return u, ok
}
