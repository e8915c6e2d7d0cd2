package risk

import (
	"errors"
	"time"
)

// ErrRejected wraps every risk rejection so callers can match with errors.Is.
var ErrRejected = errors.New("risk rejected")

// AlertType identifies which check produced an alert.
type AlertType string

const (
	AlertTradingHours   AlertType = "TRADING_HOURS"
	AlertBalance        AlertType = "INSUFFICIENT_BALANCE"
	AlertPositionRatio  AlertType = "POSITION_RATIO"
	AlertVolatility     AlertType = "VOLATILITY"
	AlertHourlyOrders   AlertType = "HOURLY_ORDER_LIMIT"
	AlertDailyOrders    AlertType = "DAILY_ORDER_LIMIT"
	AlertCircuitBreaker AlertType = "CIRCUIT_BREAKER"
	AlertDailyVolume    AlertType = "DAILY_VOLUME_LIMIT"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is a structured record of one failed check.
type Alert struct {
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Current   float64   `json:"current"`
	Threshold float64   `json:"threshold"`
	Time      time.Time `json:"time"`
}

// Decision is the outcome of Assess.
type Decision struct {
	Approved bool    `json:"approved"`
	Reason   string  `json:"reason,omitempty"`
	Alerts   []Alert `json:"alerts,omitempty"`
}

// Profile holds operator-configured per-user limits. Zero disables a limit.
type Profile struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	MaxPositionRatio     float64 `json:"max_position_ratio" yaml:"max_position_ratio"`
	MaxOrdersPerHour     int     `json:"max_orders_per_hour" yaml:"max_orders_per_hour"`
	MaxOrdersPerDay      int     `json:"max_orders_per_day" yaml:"max_orders_per_day"`
	MaxDailyVolume       float64 `json:"max_daily_volume" yaml:"max_daily_volume"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	MaxDailyLoss         float64 `json:"max_daily_loss" yaml:"max_daily_loss"`
	// VolatilityThreshold is a fraction: 0.05 rejects when the window's
	// (max-min)/min reaches 5%.
	VolatilityThreshold float64       `json:"volatility_threshold" yaml:"volatility_threshold"`
	VolatilityWindow    time.Duration `json:"volatility_window" yaml:"volatility_window"`
	// TradingStart/TradingEnd are "HH:MM". Empty means always open; an end
	// before the start spans midnight.
	TradingStart string `json:"trading_start" yaml:"trading_start"`
	TradingEnd   string `json:"trading_end" yaml:"trading_end"`
}

// DefaultProfile returns conservative defaults.
func DefaultProfile() Profile {
	return Profile{
		Enabled:              true,
		MaxPositionRatio:     0.5,
		MaxOrdersPerHour:     60,
		MaxOrdersPerDay:      500,
		MaxDailyVolume:       100000,
		MaxConsecutiveLosses: 5,
		MaxDailyLoss:         100,
		VolatilityThreshold:  0.05,
		VolatilityWindow:     10 * time.Minute,
	}
}

// Metrics is the observed per-user state.
type Metrics struct {
	Day               string    `json:"day"`
	AvailableBalance  float64   `json:"available_balance"`
	TotalBalance      float64   `json:"total_balance"`
	DailyPnL          float64   `json:"daily_pnl"`
	// DailyLoss sums losses beyond each trade's priced-in spread.
	DailyLoss         float64   `json:"daily_loss"`
	DailyVolume       float64   `json:"daily_volume"`
	OrdersToday       int       `json:"orders_today"`
	OrdersThisHour    int       `json:"orders_this_hour"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	Volatility        float64   `json:"volatility"`
	Paused            bool      `json:"paused"`
	PauseReason       string    `json:"pause_reason,omitempty"`
	BalanceUpdatedAt  time.Time `json:"balance_updated_at"`
}

// TradeResult is the outcome of one completed or abandoned pair.
type TradeResult struct {
	Symbol string
	// Volume is the real traded notional in quote currency.
	Volume float64
	// PnL is sell proceeds minus buy cost on the quantity sold back.
	PnL float64
	// SpreadCost is the cost the pair's own buy/sell offsets price in on
	// that quantity. Only PnL below -SpreadCost is a loss.
	SpreadCost float64
	// Failed marks a pair that did not complete; it counts as a loss
	// for the consecutive-loss breaker.
	Failed bool
}

// lossTolerance absorbs float rounding between PnL and SpreadCost.
const lossTolerance = 1e-6

// Loss is how far the trade fell short of its priced-in spread, or zero.
func (tr TradeResult) Loss() float64 {
	if excess := -(tr.PnL + tr.SpreadCost); excess > lossTolerance {
		return excess
	}
	return 0
}
