package engine

import (
	"time"

	"volume-core/internal/order"
	"volume-core/internal/reconciliation"
	"volume-core/internal/risk"
	"volume-core/pkg/db"
)

// PairInfo is one OTO pair as returned to operators.
type PairInfo struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	StrategyID     string     `json:"strategy_id,omitempty"`
	Symbol         string     `json:"symbol"`
	ExchangeSymbol string     `json:"exchange_symbol,omitempty"`
	Quantity       float64    `json:"quantity"`
	TargetPrice    float64    `json:"target_price"`
	BuyPrice       float64    `json:"buy_price"`
	SellPrice      float64    `json:"sell_price"`
	Status         string     `json:"status"`
	BuyOrderID     string     `json:"buy_order_id,omitempty"`
	SellOrderID    string     `json:"sell_order_id,omitempty"`
	BuyFilledQty   float64    `json:"buy_filled_qty"`
	SellFilledQty  float64    `json:"sell_filled_qty"`
	Volume         float64    `json:"volume"`
	Error          string     `json:"error,omitempty"`
	Live           bool       `json:"live"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func pairFromOrder(p order.Pair) PairInfo {
	return PairInfo{
		ID:             p.ID,
		UserID:         p.UserID,
		StrategyID:     p.StrategyID,
		Symbol:         p.Symbol,
		ExchangeSymbol: p.ExchangeSymbol,
		Quantity:       p.Quantity,
		TargetPrice:    p.TargetPrice,
		BuyPrice:       p.BuyPrice,
		SellPrice:      p.SellPrice,
		Status:         string(p.Status),
		BuyOrderID:     p.BuyOrderID(),
		SellOrderID:    p.SellOrderID(),
		BuyFilledQty:   p.Buy.FilledQty,
		SellFilledQty:  p.Sell.FilledQty,
		Volume:         p.RealizedVolume(),
		Error:          p.Error,
		Live:           !p.Terminal(),
		CreatedAt:      p.CreatedAt,
		CompletedAt:    p.CompletedAt,
	}
}

func pairFromRow(p db.Pair) PairInfo {
	return PairInfo{
		ID:             p.ID,
		UserID:         p.UserID,
		StrategyID:     p.StrategyID,
		Symbol:         p.Symbol,
		ExchangeSymbol: p.ExchangeSymbol,
		Quantity:       p.Quantity,
		TargetPrice:    p.TargetPrice,
		BuyPrice:       p.BuyPrice,
		SellPrice:      p.SellPrice,
		Status:         p.Status,
		BuyOrderID:     p.BuyOrderID,
		SellOrderID:    p.SellOrderID,
		BuyFilledQty:   p.BuyFilledQty,
		SellFilledQty:  p.SellFilledQty,
		Volume:         p.BuyFilledQty*p.BuyPrice + p.SellFilledQty*p.SellPrice,
		Error:          p.Error,
		Live:           !order.PairStatus(p.Status).Terminal(),
		CreatedAt:      p.CreatedAt,
		CompletedAt:    p.CompletedAt,
	}
}

// BlockedUser is one entry of the blocked-user registry.
type BlockedUser struct {
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	BlockedAt time.Time `json:"blocked_at"`
}

// RiskInfo is a user's risk profile and observed metrics.
type RiskInfo struct {
	UserID  string       `json:"user_id"`
	Profile risk.Profile `json:"profile"`
	Metrics risk.Metrics `json:"metrics"`
}

// BalanceInfo represents balance information.
type BalanceInfo struct {
	UserID    string    `json:"user_id"`
	Asset     string    `json:"asset"`
	Available float64   `json:"available"`
	Locked    float64   `json:"locked"`
	Total     float64   `json:"total"`
	SyncedAt  time.Time `json:"synced_at"`
}

// ProgressInfo is one day of a unit's volume progress.
type ProgressInfo struct {
	StrategyID string  `json:"strategy_id"`
	UserID     string  `json:"user_id"`
	Day        string  `json:"day"`
	Target     float64 `json:"target"`
	Observed   float64 `json:"observed"`
	Realized   float64 `json:"realized"`
	Trades     int     `json:"trades"`
	Failed     int     `json:"failed"`
	State      string  `json:"state"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode           string                 `json:"mode"`
	DryRun         bool                   `json:"dry_run"`
	Venue          string                 `json:"venue"`
	Version        string                 `json:"version"`
	ServerTime     time.Time              `json:"server_time"`
	Uptime         string                 `json:"uptime,omitempty"`
	SchedulerUp    bool                   `json:"scheduler_running"`
	Units          int                    `json:"units"`
	ActivePairs    int                    `json:"active_pairs"`
	BlockedUsers   int                    `json:"blocked_users"`
	StreamUsers    int                    `json:"stream_users"`
	HealthyStreams int                    `json:"healthy_streams"`
	PairsCompleted uint64                 `json:"pairs_completed"`
	PairsFailed    uint64                 `json:"pairs_failed"`
	Reconcile      *reconciliation.Report `json:"reconcile,omitempty"`
}
