package events

import "time"

// Event enumerates topics inside the volume engine.
type Event string

const (
	EventPairStatus    Event = "pair.status"
	EventOrderUpdate   Event = "order.update"
	EventBalanceUpdate Event = "balance.update"
	EventRiskAlert     Event = "risk.alert"
	EventUserBlocked   Event = "user.blocked"
	EventTrackerDown   Event = "tracker.down"
	EventUnitFinished  Event = "unit.finished"
)

// PairStatusChanged is published on every accepted pair transition.
type PairStatusChanged struct {
	PairID string    `json:"pair_id"`
	UserID string    `json:"user_id"`
	Symbol string    `json:"symbol"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Time   time.Time `json:"time"`
}

// UserBlocked is published when credentials are judged invalid.
type UserBlocked struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// RiskAlert carries a risk gate alert for a user.
type RiskAlert struct {
	UserID    string  `json:"user_id"`
	Type      string  `json:"type"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Current   float64 `json:"current"`
	Threshold float64 `json:"threshold"`
}

// BalanceUpdate carries a streamed wallet change.
type BalanceUpdate struct {
	UserID    string  `json:"user_id"`
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
}

// TrackerDown reports that a user's stream connector gave up reconnecting.
type TrackerDown struct {
	UserID   string `json:"user_id"`
	Attempts int    `json:"attempts"`
	Err      string `json:"err"`
}

// UnitFinished reports the end of a (strategy, user) scheduling unit.
type UnitFinished struct {
	StrategyID string  `json:"strategy_id"`
	UserID     string  `json:"user_id"`
	State      string  `json:"state"`
	Realized   float64 `json:"realized"`
	Trades     int     `json:"trades"`
	Err        string  `json:"err"`
}
