package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"volume-core/internal/events"
	"volume-core/internal/order"
	"volume-core/internal/risk"
	"volume-core/internal/strategy"
	"volume-core/internal/symbols"
	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/common"
)

// Unit states.
const (
	StateStarting  = "starting"
	StateQuerying  = "querying"
	StateTrading   = "trading"
	StateSettling  = "settling"
	StateDone      = "done"
	StateStopped   = "stopped"
	StateBlocked   = "blocked"
	StateMaxRounds = "max_rounds"
	StateFailed    = "failed"
)

// cleanupTimeout bounds venue cancels issued after the unit's context ended.
const cleanupTimeout = 10 * time.Second

// UnitStatus is the operator view of one unit.
type UnitStatus struct {
	StrategyID string    `json:"strategy_id"`
	UserID     string    `json:"user_id"`
	Token      string    `json:"token"`
	State      string    `json:"state"`
	Target     float64   `json:"target"`
	Observed   float64   `json:"observed"`
	Realized   float64   `json:"realized"`
	Trades     int       `json:"trades"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Rounds     int       `json:"rounds"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type unit struct {
	cfg    strategy.Config
	userID string

	mu     sync.Mutex
	status UnitStatus
}

func newUnit(cfg strategy.Config, userID string, now time.Time) *unit {
	return &unit{
		cfg:    cfg,
		userID: userID,
		status: UnitStatus{
			StrategyID: cfg.ID,
			UserID:     userID,
			Token:      cfg.Token,
			State:      StateStarting,
			Target:     cfg.TargetVolume,
			StartedAt:  now,
			UpdatedAt:  now,
		},
	}
}

func (u *unit) update(fn func(st *UnitStatus)) {
	u.mu.Lock()
	fn(&u.status)
	u.status.UpdatedAt = time.Now()
	u.mu.Unlock()
}

func (u *unit) setState(state string) {
	u.update(func(st *UnitStatus) { st.State = state })
}

func (u *unit) snapshot() UnitStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// tradeOutcome is the result of one pair attempt.
type tradeOutcome struct {
	pair     order.Pair
	realized float64
	placed   bool
	skipped  bool
	err      error
}

// runUnit drives one (strategy, user) unit. soft ends at the next loop or
// sleep boundary; hard also cancels in-flight calls. Every error and panic
// stops here.
func (s *Scheduler) runUnit(soft, hard context.Context, u *unit) (err error) {
	s.metrics.SetUnitsActive(int(s.active.Add(1)))
	log := s.log.With(zap.String("strategy", u.cfg.ID), zap.String("user", u.userID))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit %s/%s panicked: %v", u.cfg.ID, u.userID, r)
			log.Error("unit panicked", zap.Any("panic", r), zap.Stack("stack"))
			u.update(func(st *UnitStatus) { st.State, st.LastError = StateFailed, err.Error() })
		}
		s.metrics.SetUnitsActive(int(s.active.Add(-1)))
		st := u.snapshot()
		s.writeProgress(st)
		s.bus.Publish(events.EventUnitFinished, events.UnitFinished{
			StrategyID: st.StrategyID,
			UserID:     st.UserID,
			State:      st.State,
			Realized:   st.Realized,
			Trades:     st.Trades,
			Err:        st.LastError,
		})
		log.Info("unit finished",
			zap.String("state", st.State),
			zap.Float64("realized", st.Realized),
			zap.Int("trades", st.Trades),
			zap.Int("failed", st.Failed))
	}()

	state, cause := s.loop(soft, hard, u, log)
	u.update(func(st *UnitStatus) {
		st.State = state
		if cause != nil {
			st.LastError = cause.Error()
		}
	})
	return nil
}

func (s *Scheduler) loop(soft, hard context.Context, u *unit, log *zap.Logger) (string, error) {
	cfg := u.cfg
	creds, err := s.creds.Get(hard, u.userID)
	if err != nil {
		return StateFailed, fmt.Errorf("load credentials: %w", err)
	}

	if s.tracker != nil {
		if err := s.tracker.Start(hard, u.userID, creds); err != nil {
			log.Warn("user stream unavailable; fills will be polled", zap.Error(err))
		}
	}

	for rounds := 0; ; {
		if soft.Err() != nil {
			return StateStopped, nil
		}
		if s.exec.Blocked().IsBlocked(u.userID) {
			return StateBlocked, nil
		}

		u.setState(StateQuerying)
		m, err := s.resolver.Resolve(hard, cfg.Token, cfg.Chain)
		if err != nil {
			if state, stop := s.roundError(soft, u, log, "resolve", err); stop {
				return state, err
			}
			continue
		}
		if s.balances != nil {
			if _, err := s.balances.Sync(hard, u.userID, creds); err != nil {
				s.checkAuth(hard, u.userID, err)
				log.Warn("balance sync failed", zap.Error(err))
			}
		}
		vol, err := s.QueryRealVolume(soft, u.userID, creds, m)
		if err != nil {
			s.checkAuth(hard, u.userID, err)
			if state, stop := s.roundError(soft, u, log, "volume", err); stop {
				return state, err
			}
			continue
		}
		u.update(func(st *UnitStatus) { st.Observed = vol.Average })
		s.writeProgress(u.snapshot())

		if vol.Average >= cfg.TargetVolume {
			log.Info("target reached", zap.Float64("observed", vol.Average), zap.Float64("target", cfg.TargetVolume))
			return StateDone, nil
		}

		loops := CalculateLoops(cfg.TargetVolume-vol.Average, cfg.SingleTradeAmount)
		log.Info("starting batch",
			zap.Float64("observed", vol.Average),
			zap.Float64("target", cfg.TargetVolume),
			zap.Int("loops", loops))
		u.setState(StateTrading)
		for i := 0; i < loops; i++ {
			if soft.Err() != nil {
				return StateStopped, nil
			}
			out := s.tradeOnce(hard, u, creds, m, log)
			s.record(u, out)
			if s.exec.Blocked().IsBlocked(u.userID) {
				return StateBlocked, out.err
			}
			if i < loops-1 {
				if sleep(soft, cfg.TradeInterval) != nil {
					return StateStopped, nil
				}
			}
		}

		rounds++
		u.update(func(st *UnitStatus) { st.Rounds = rounds })
		if cfg.MaxRounds > 0 && rounds >= cfg.MaxRounds {
			return StateMaxRounds, nil
		}
		u.setState(StateSettling)
		if sleep(soft, cfg.SettleDelay) != nil {
			return StateStopped, nil
		}
	}
}

// roundError records a failed query step and waits out the settle delay.
// It reports whether the unit must stop.
func (s *Scheduler) roundError(soft context.Context, u *unit, log *zap.Logger, step string, err error) (string, bool) {
	if soft.Err() != nil {
		return StateStopped, true
	}
	if s.exec.Blocked().IsBlocked(u.userID) {
		return StateBlocked, true
	}
	log.Warn("round step failed", zap.String("step", step), zap.Error(err))
	u.update(func(st *UnitStatus) { st.LastError = err.Error() })
	if sleep(soft, max(u.cfg.SettleDelay, time.Second)) != nil {
		return StateStopped, true
	}
	return "", false
}

func (s *Scheduler) checkAuth(ctx context.Context, userID string, err error) {
	if errors.Is(err, common.ErrAuthentication) {
		s.exec.Blocked().Block(ctx, userID, err.Error())
	}
}

func (s *Scheduler) record(u *unit, out tradeOutcome) {
	u.update(func(st *UnitStatus) {
		switch {
		case out.skipped:
			st.Skipped++
		case out.err != nil || (out.placed && out.pair.Status != order.StatusCompleted):
			st.Failed++
		}
		if out.placed {
			st.Trades++
		}
		st.Realized += out.realized
		if out.err != nil {
			st.LastError = out.err.Error()
		}
	})
	s.writeProgress(u.snapshot())
}

func (s *Scheduler) writeProgress(st UnitStatus) {
	if s.progress == nil {
		return
	}
	s.progress.Write(db.Progress{
		StrategyID: st.StrategyID,
		UserID:     st.UserID,
		Day:        s.day(),
		Target:     st.Target,
		Observed:   st.Observed,
		Realized:   st.Realized,
		Trades:     st.Trades,
		Failed:     st.Failed,
		State:      st.State,
	})
}

// tradeOnce runs one full pair: price, create, submit, await both legs.
func (s *Scheduler) tradeOnce(ctx context.Context, u *unit, creds common.Credentials, m symbols.Mapping, log *zap.Logger) tradeOutcome {
	lock := s.userLock(u.userID)
	lock.Lock()
	defer lock.Unlock()

	cfg := u.cfg
	price, err := s.market.TickerPrice(ctx, m.ExchangeSymbol)
	if err != nil || price <= 0 {
		if err != nil {
			log.Debug("ticker unavailable; using cached price", zap.Error(err))
		}
		price = m.LastPrice
	}
	if s.risk != nil && price > 0 {
		s.risk.ObservePrice(ctx, u.userID, m.ShortSymbol, price)
	}

	if ok, reason := s.exec.CanExecuteOrder(u.userID, m.ShortSymbol, price, cfg); !ok {
		log.Info("trade skipped", zap.String("reason", reason))
		return tradeOutcome{skipped: true, err: errors.New(reason)}
	}

	buy, sell, err := order.CalculatePrices(price, m.PricePrecision, m.PriceTick, cfg)
	if err != nil {
		return tradeOutcome{err: err}
	}
	qty, err := order.QuantityFor(cfg.SingleTradeAmount, buy, m.QuantityPrecision, m.LotSize, m.MinQty)
	if err != nil {
		return tradeOutcome{err: err}
	}

	if err := s.exec.Assess(ctx, u.userID, m.ShortSymbol, qty*buy, price); err != nil {
		log.Info("trade skipped", zap.Error(err))
		return tradeOutcome{skipped: true, err: err}
	}

	p, err := s.exec.CreatePair(ctx, order.PairRequest{
		UserID:      u.userID,
		StrategyID:  cfg.ID,
		Symbol:      m.ShortSymbol,
		Quantity:    qty,
		TargetPrice: price,
		BuyPrice:    buy,
		SellPrice:   sell,
	})
	if err != nil {
		return tradeOutcome{skipped: errors.Is(err, order.ErrActivePair), err: err}
	}
	p, err = s.exec.Submit(ctx, p.ID, creds, m)
	if err != nil {
		return tradeOutcome{pair: p, skipped: errors.Is(err, risk.ErrRejected), err: err}
	}

	out := tradeOutcome{placed: true}
	out.pair, out.err = s.settle(ctx, p.ID, cfg.OrderTimeout, log)
	out.realized = out.pair.RealizedVolume()
	if s.risk != nil {
		s.risk.RecordTrade(ctx, u.userID, risk.TradeResult{
			Symbol:     m.ShortSymbol,
			Volume:     out.realized,
			PnL:        out.pair.PnL(),
			SpreadCost: out.pair.SpreadCost(),
			Failed:     out.pair.Status != order.StatusCompleted,
		})
	}
	return out
}

// settle awaits the buy leg, then the sell leg. A leg that does not fill in
// time gets the pair abandoned; filled quantities still count.
func (s *Scheduler) settle(ctx context.Context, pairID string, timeout time.Duration, log *zap.Logger) (order.Pair, error) {
	p, err := s.waitLeg(ctx, pairID, common.SideBuy, timeout)
	if p.Buy.Status == common.StatusFilled {
		if !p.Terminal() && !p.Status.Reached(order.StatusBuyCompleted) {
			s.exec.MarkBuyFilled(ctx, pairID)
		}
	} else {
		return s.abandon(ctx, pairID, "buy not filled", err, log)
	}

	p, err = s.waitLeg(ctx, pairID, common.SideSell, timeout)
	if p.Sell.Status == common.StatusFilled {
		if !p.Terminal() {
			s.exec.MarkSellFilled(ctx, pairID)
		}
		return s.exec.Get(pairID)
	}
	return s.abandon(ctx, pairID, "sell not filled", err, log)
}

func (s *Scheduler) abandon(ctx context.Context, pairID, reason string, cause error, log *zap.Logger) (order.Pair, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if s.exec.Abandon(cctx, pairID, reason) {
		log.Warn("pair abandoned", zap.String("pair", pairID), zap.String("reason", reason), zap.Error(cause))
	}
	p, err := s.exec.Get(pairID)
	if err != nil {
		return p, err
	}
	if cause == nil {
		cause = fmt.Errorf("pair %s ended %s: %s", pairID, p.Status, p.Error)
	}
	return p, cause
}

// waitLeg blocks until the pair's side leg is terminal, the timeout elapses
// or ctx ends. It uses the stream when healthy and REST polling otherwise.
func (s *Scheduler) waitLeg(ctx context.Context, pairID string, side common.Side, timeout time.Duration) (order.Pair, error) {
	p, err := s.exec.Get(pairID)
	if err != nil {
		return p, err
	}
	leg := legOf(p, side)
	if leg.ExchangeID == "" {
		return p, fmt.Errorf("%w: %s leg of %s has no order id", common.ErrValidation, side, pairID)
	}
	if p.Terminal() || leg.Status.Terminal() {
		return p, nil
	}

	deadline := s.now().Add(timeout)
	if s.tracker != nil && s.tracker.Healthy(p.UserID) {
		upd, err := s.tracker.WaitForFill(ctx, p.UserID, leg.ExchangeID, timeout)
		if err == nil {
			s.exec.HandleUpdate(ctx, upd)
			return s.exec.Get(pairID)
		}
		if ctx.Err() != nil {
			p, _ = s.exec.Get(pairID)
			return p, ctx.Err()
		}
		// One REST check before giving up on the leg.
		deadline = s.now()
	}
	return s.pollLeg(ctx, pairID, side, deadline)
}

func (s *Scheduler) pollLeg(ctx context.Context, pairID string, side common.Side, deadline time.Time) (order.Pair, error) {
	for {
		p, err := s.exec.Poll(ctx, pairID)
		if err != nil {
			if p.ID == "" || errors.Is(err, common.ErrAuthentication) || ctx.Err() != nil {
				return p, err
			}
			s.log.Debug("order poll failed", zap.String("pair", pairID), zap.Error(err))
		}
		if p.Terminal() || legOf(p, side).Status.Terminal() {
			return p, nil
		}
		wait := min(s.cfg.PollInterval, deadline.Sub(s.now()))
		if wait <= 0 {
			return p, fmt.Errorf("%w: %s leg of %s", ErrFillTimeout, side, pairID)
		}
		if err := sleep(ctx, wait); err != nil {
			return p, err
		}
	}
}

func legOf(p order.Pair, side common.Side) order.Leg {
	if side == common.SideSell {
		return p.Sell
	}
	return p.Buy
}
