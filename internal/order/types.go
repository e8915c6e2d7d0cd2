package order

import (
	"time"

	"volume-core/pkg/exchanges/common"
)

// PairStatus is the lifecycle state of an OTO pair.
type PairStatus string

const (
	StatusPending       PairStatus = "PENDING"
	StatusBuySubmitted  PairStatus = "BUY_SUBMITTED"
	StatusBuyExecuting  PairStatus = "BUY_EXECUTING"
	StatusBuyCompleted  PairStatus = "BUY_COMPLETED"
	StatusSellSubmitted PairStatus = "SELL_SUBMITTED"
	StatusSellExecuting PairStatus = "SELL_EXECUTING"
	StatusCompleted     PairStatus = "COMPLETED"
	StatusCancelled     PairStatus = "CANCELLED"
	StatusFailed        PairStatus = "FAILED"
)

// Leg is one side of a pair as known to the exchange.
type Leg struct {
	ExchangeID string             `json:"exchange_id,omitempty"`
	Side       common.Side        `json:"side"`
	Status     common.OrderStatus `json:"status"`
	Price      float64            `json:"price"`
	Quantity   float64            `json:"quantity"`
	FilledQty  float64            `json:"filled_qty"`
}

// Notional returns filled quantity times price.
func (l Leg) Notional() float64 { return l.FilledQty * l.Price }

// Pair is one paired buy+sell intent.
type Pair struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	StrategyID     string     `json:"strategy_id,omitempty"`
	Symbol         string     `json:"symbol"`
	ExchangeSymbol string     `json:"exchange_symbol,omitempty"`
	Quantity       float64    `json:"quantity"`
	TargetPrice    float64    `json:"target_price"`
	BuyPrice       float64    `json:"buy_price"`
	SellPrice      float64    `json:"sell_price"`
	Status         PairStatus `json:"status"`
	Buy            Leg        `json:"buy"`
	Sell           Leg        `json:"sell"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// BuyOrderID is empty until the pair has been submitted.
func (p Pair) BuyOrderID() string { return p.Buy.ExchangeID }

// SellOrderID is empty until the pair has been submitted.
func (p Pair) SellOrderID() string { return p.Sell.ExchangeID }

// Terminal reports whether the pair can no longer change.
func (p Pair) Terminal() bool { return p.Status.Terminal() }

// RealizedVolume is the notional actually traded on both legs.
func (p Pair) RealizedVolume() float64 { return p.Buy.Notional() + p.Sell.Notional() }

// matchedQty is the quantity both bought and sold back.
func (p Pair) matchedQty() float64 { return min(p.Buy.FilledQty, p.Sell.FilledQty) }

// PnL is sell proceeds minus buy cost on the matched quantity. Bought
// quantity not yet sold is inventory, not a loss.
func (p Pair) PnL() float64 { return p.matchedQty() * (p.Sell.Price - p.Buy.Price) }

// SpreadCost is what the planned buy/sell prices give up on the matched
// quantity.
func (p Pair) SpreadCost() float64 { return p.matchedQty() * (p.BuyPrice - p.SellPrice) }
