package order

import (
	"context"

	"volume-core/pkg/db"
	"volume-core/pkg/exchanges/common"
)

// PairStore persists pairs. *db.Database satisfies it.
type PairStore interface {
	UpsertPair(ctx context.Context, p db.Pair) error
	ListPairsByStatus(ctx context.Context, statuses ...string) ([]db.Pair, error)
}

var liveStatuses = []string{
	string(StatusPending),
	string(StatusBuySubmitted),
	string(StatusBuyExecuting),
	string(StatusBuyCompleted),
	string(StatusSellSubmitted),
	string(StatusSellExecuting),
}

func toRow(p Pair) db.Pair {
	return db.Pair{
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
		BuyOrderID:     p.Buy.ExchangeID,
		SellOrderID:    p.Sell.ExchangeID,
		BuyFilledQty:   p.Buy.FilledQty,
		SellFilledQty:  p.Sell.FilledQty,
		Error:          p.Error,
		CreatedAt:      p.CreatedAt,
		CompletedAt:    p.CompletedAt,
	}
}

// fromRow rebuilds a live pair. Leg statuses are not stored; they are
// inferred from the filled quantities and refreshed by the next update.
func fromRow(r db.Pair) Pair {
	p := Pair{
		ID:             r.ID,
		UserID:         r.UserID,
		StrategyID:     r.StrategyID,
		Symbol:         r.Symbol,
		ExchangeSymbol: r.ExchangeSymbol,
		Quantity:       r.Quantity,
		TargetPrice:    r.TargetPrice,
		BuyPrice:       r.BuyPrice,
		SellPrice:      r.SellPrice,
		Status:         PairStatus(r.Status),
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.CreatedAt,
		CompletedAt:    r.CompletedAt,
	}
	p.Buy = Leg{ExchangeID: r.BuyOrderID, Side: common.SideBuy, Price: r.BuyPrice, Quantity: r.Quantity, FilledQty: r.BuyFilledQty}
	p.Sell = Leg{ExchangeID: r.SellOrderID, Side: common.SideSell, Price: r.SellPrice, Quantity: r.Quantity, FilledQty: r.SellFilledQty}
	p.Buy.Status = inferLegStatus(p.Buy)
	p.Sell.Status = inferLegStatus(p.Sell)
	if p.Sell.Status == common.StatusNew && stage[p.Status] < stage[StatusSellSubmitted] {
		// Not yet activated by the venue.
		p.Sell.Status = ""
	}
	return p
}

func inferLegStatus(l Leg) common.OrderStatus {
	switch {
	case l.ExchangeID == "":
		return ""
	case l.Quantity > 0 && l.FilledQty >= l.Quantity:
		return common.StatusFilled
	case l.FilledQty > 0:
		return common.StatusPartial
	default:
		return common.StatusNew
	}
}
