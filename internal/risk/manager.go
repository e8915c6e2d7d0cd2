package risk

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type pricePoint struct {
	price float64
	at    time.Time
}

// Manager evaluates and tracks risk for a single user.
type Manager struct {
	userID  string
	profile Profile
	metrics Metrics
	prices  map[string][]pricePoint
	orders  []time.Time

	loc *time.Location
	now func() time.Time
	log *zap.Logger
	mu  sync.RWMutex
}

// NewManager creates an in-memory manager for userID.
func NewManager(userID string, profile Profile, loc *time.Location, log *zap.Logger) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		userID:  userID,
		profile: profile,
		prices:  make(map[string][]pricePoint),
		loc:     loc,
		now:     time.Now,
		log:     log.With(zap.String("user_id", userID)),
	}
	m.metrics.Day = m.today()
	return m
}

// Assess runs every check in order and stops at the first failure.
// A rejection changes no counters.
func (m *Manager) Assess(symbol string, orderAmount, currentPrice float64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	p := m.profile
	if !p.Enabled {
		return Decision{Approved: true}
	}
	now := m.now()

	reject := func(t AlertType, sev Severity, current, threshold float64, format string, args ...any) Decision {
		msg := fmt.Sprintf(format, args...)
		a := Alert{Type: t, Severity: sev, Message: msg, Current: current, Threshold: threshold, Time: now}
		m.log.Warn("risk rejected", zap.String("check", string(t)), zap.String("symbol", symbol), zap.String("reason", msg))
		return Decision{Approved: false, Reason: msg, Alerts: []Alert{a}}
	}

	// 1. Trading hours.
	if open, err := m.withinTradingHours(now); err != nil {
		m.log.Warn("bad trading window, ignoring", zap.Error(err))
	} else if !open {
		return reject(AlertTradingHours, SeverityInfo, 0, 0,
			"outside trading hours %s-%s", p.TradingStart, p.TradingEnd)
	}

	// 2. Balance sufficiency.
	if orderAmount > m.metrics.AvailableBalance {
		return reject(AlertBalance, SeverityWarning, m.metrics.AvailableBalance, orderAmount,
			"insufficient balance: available %.4f < order %.4f", m.metrics.AvailableBalance, orderAmount)
	}

	// 3. Position ratio of account value.
	if p.MaxPositionRatio > 0 && m.metrics.TotalBalance > 0 {
		ratio := orderAmount / m.metrics.TotalBalance
		if ratio > p.MaxPositionRatio {
			return reject(AlertPositionRatio, SeverityWarning, ratio, p.MaxPositionRatio,
				"position ratio %.2f%% exceeds %.2f%%", ratio*100, p.MaxPositionRatio*100)
		}
	}

	// 4. Rolling-window volatility.
	if p.VolatilityThreshold > 0 {
		vol := m.volatilityLocked(symbol, currentPrice, now)
		m.metrics.Volatility = vol
		if vol >= p.VolatilityThreshold {
			return reject(AlertVolatility, SeverityWarning, vol, p.VolatilityThreshold,
				"volatility %.2f%% over window exceeds %.2f%%", vol*100, p.VolatilityThreshold*100)
		}
	}

	// 5. Order-count ceilings.
	hourly := m.ordersSinceLocked(now.Add(-time.Hour))
	m.metrics.OrdersThisHour = hourly
	if p.MaxOrdersPerHour > 0 && hourly >= p.MaxOrdersPerHour {
		return reject(AlertHourlyOrders, SeverityWarning, float64(hourly), float64(p.MaxOrdersPerHour),
			"hourly order limit reached: %d/%d", hourly, p.MaxOrdersPerHour)
	}
	if p.MaxOrdersPerDay > 0 && m.metrics.OrdersToday >= p.MaxOrdersPerDay {
		return reject(AlertDailyOrders, SeverityWarning, float64(m.metrics.OrdersToday), float64(p.MaxOrdersPerDay),
			"daily order limit reached: %d/%d", m.metrics.OrdersToday, p.MaxOrdersPerDay)
	}

	// 6. Circuit breaker.
	if !m.metrics.Paused {
		m.tripIfBreachedLocked()
	}
	if m.metrics.Paused {
		return reject(AlertCircuitBreaker, SeverityCritical, float64(m.metrics.ConsecutiveLosses), float64(p.MaxConsecutiveLosses),
			"trading paused: %s", m.metrics.PauseReason)
	}

	// 7. Daily traded volume.
	if p.MaxDailyVolume > 0 && m.metrics.DailyVolume+orderAmount > p.MaxDailyVolume {
		return reject(AlertDailyVolume, SeverityInfo, m.metrics.DailyVolume+orderAmount, p.MaxDailyVolume,
			"daily volume %.2f would exceed %.2f", m.metrics.DailyVolume+orderAmount, p.MaxDailyVolume)
	}

	return Decision{Approved: true}
}

// UpdateBalance replaces the balance snapshot.
func (m *Manager) UpdateBalance(available, total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.AvailableBalance = available
	if total < available {
		total = available
	}
	m.metrics.TotalBalance = total
	m.metrics.BalanceUpdatedAt = m.now()
}

// ObservePrice appends a price sample to symbol's volatility window.
func (m *Manager) ObservePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	pts := append(m.prices[symbol], pricePoint{price: price, at: now})
	m.prices[symbol] = trimPoints(pts, now.Add(-m.window()))
}

// RecordOrder counts a submitted pair toward the order ceilings.
func (m *Manager) RecordOrder() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	now := m.now()
	m.metrics.OrdersToday++
	m.orders = append(m.orders, now)
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(m.orders) && m.orders[i].Before(cutoff) {
		i++
	}
	m.orders = m.orders[i:]
	m.metrics.OrdersThisHour = len(m.orders)
}

// RecordTrade folds a pair outcome into the daily metrics and trips the
// circuit breaker when a loss limit is reached. The spread a volume trade
// pays by design is not a loss.
func (m *Manager) RecordTrade(tr TradeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	m.metrics.DailyVolume += tr.Volume
	m.metrics.DailyPnL += tr.PnL
	loss := tr.Loss()
	m.metrics.DailyLoss += loss
	if tr.Failed || loss > 0 {
		m.metrics.ConsecutiveLosses++
	} else {
		m.metrics.ConsecutiveLosses = 0
	}
	m.tripIfBreachedLocked()
}

// Resume clears the circuit breaker. Loss counters are reset so the next
// assessment does not trip again immediately.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics.Paused {
		m.log.Info("trading resumed by operator", zap.String("previous_reason", m.metrics.PauseReason))
	}
	m.metrics.Paused = false
	m.metrics.PauseReason = ""
	m.metrics.ConsecutiveLosses = 0
	m.metrics.DailyLoss = 0
}

// ResetDaily clears the daily counters. The pause flag is kept.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetDailyLocked(m.today())
}

// Metrics returns a snapshot.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	m.metrics.OrdersThisHour = m.ordersSinceLocked(m.now().Add(-time.Hour))
	return m.metrics
}

// Profile returns the active limits.
func (m *Manager) Profile() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profile
}

// SetProfile replaces the active limits.
func (m *Manager) SetProfile(p Profile) {
	m.mu.Lock()
	m.profile = p
	m.mu.Unlock()
}

// restore seeds persisted state; daily counters only apply for the same day.
func (m *Manager) restore(saved Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if saved.Day == m.today() {
		m.metrics.DailyPnL = saved.DailyPnL
		m.metrics.DailyLoss = saved.DailyLoss
		m.metrics.DailyVolume = saved.DailyVolume
		m.metrics.OrdersToday = saved.OrdersToday
		m.metrics.ConsecutiveLosses = saved.ConsecutiveLosses
	}
	m.metrics.Paused = saved.Paused
	m.metrics.PauseReason = saved.PauseReason
}

func (m *Manager) tripIfBreachedLocked() {
	p := m.profile
	switch {
	case p.MaxConsecutiveLosses > 0 && m.metrics.ConsecutiveLosses >= p.MaxConsecutiveLosses:
		m.pauseLocked(fmt.Sprintf("consecutive losses %d/%d", m.metrics.ConsecutiveLosses, p.MaxConsecutiveLosses))
	case p.MaxDailyLoss > 0 && m.metrics.DailyLoss >= p.MaxDailyLoss:
		m.pauseLocked(fmt.Sprintf("daily loss %.2f/%.2f", m.metrics.DailyLoss, p.MaxDailyLoss))
	}
}

func (m *Manager) pauseLocked(reason string) {
	if m.metrics.Paused {
		return
	}
	m.metrics.Paused = true
	m.metrics.PauseReason = reason
	m.log.Warn("circuit breaker tripped", zap.String("reason", reason))
}

func (m *Manager) rolloverLocked() {
	if day := m.today(); day != m.metrics.Day {
		m.resetDailyLocked(day)
	}
}

func (m *Manager) resetDailyLocked(day string) {
	m.log.Info("daily risk metrics reset",
		zap.String("prev_day", m.metrics.Day),
		zap.Float64("pnl", m.metrics.DailyPnL),
		zap.Int("orders", m.metrics.OrdersToday),
		zap.Float64("volume", m.metrics.DailyVolume))
	m.metrics.Day = day
	m.metrics.DailyPnL = 0
	m.metrics.DailyLoss = 0
	m.metrics.DailyVolume = 0
	m.metrics.OrdersToday = 0
}

func (m *Manager) today() string {
	return m.now().In(m.loc).Format("2006-01-02")
}

func (m *Manager) window() time.Duration {
	if m.profile.VolatilityWindow > 0 {
		return m.profile.VolatilityWindow
	}
	return 10 * time.Minute
}

func (m *Manager) volatilityLocked(symbol string, current float64, now time.Time) float64 {
	pts := trimPoints(m.prices[symbol], now.Add(-m.window()))
	m.prices[symbol] = pts
	lo, hi := current, current
	for _, pt := range pts {
		if pt.price < lo || lo <= 0 {
			lo = pt.price
		}
		if pt.price > hi {
			hi = pt.price
		}
	}
	if lo <= 0 {
		return 0
	}
	return (hi - lo) / lo
}

func (m *Manager) ordersSinceLocked(cutoff time.Time) int {
	n := 0
	for _, t := range m.orders {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

func (m *Manager) withinTradingHours(now time.Time) (bool, error) {
	start, end := m.profile.TradingStart, m.profile.TradingEnd
	if start == "" || end == "" {
		return true, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return true, err
	}
	e, err := parseClock(end)
	if err != nil {
		return true, err
	}
	local := now.In(m.loc)
	cur := local.Hour()*60 + local.Minute()
	if s <= e {
		return cur >= s && cur < e, nil
	}
	return cur >= s || cur < e, nil
}

func parseClock(v string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(v), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", v)
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h*60 + mm, nil
}

func trimPoints(pts []pricePoint, cutoff time.Time) []pricePoint {
	i := 0
	for i < len(pts) && pts[i].at.Before(cutoff) {
		i++
	}
	return pts[i:]
}

