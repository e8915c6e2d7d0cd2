package common

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further updates are expected for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// NormalizeStatus maps raw venue strings onto OrderStatus.
func NormalizeStatus(raw string) OrderStatus {
	switch raw {
	case "NEW", "PENDING_NEW":
		return StatusNew
	case "PARTIALLY_FILLED", "PARTIAL":
		return StatusPartial
	case "FILLED":
		return StatusFilled
	case "CANCELED", "CANCELLED", "PENDING_CANCEL":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// Credentials is the opaque per-user authentication blob. It is passed
// through to the venue untouched.
type Credentials struct {
	Headers map[string]string `json:"headers"`
	Cookie  string            `json:"cookie"`
}

// Empty reports whether no credential material is present.
func (c Credentials) Empty() bool {
	return len(c.Headers) == 0 && c.Cookie == ""
}

// Balance is a wallet snapshot in the quote asset.
type Balance struct {
	Asset     string
	Available float64
	Locked    float64
}

// Total returns available plus locked funds.
func (b Balance) Total() float64 { return b.Available + b.Locked }

// TokenInfo is token metadata from the venue's token list.
type TokenInfo struct {
	AlphaID  string  `json:"alpha_id"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Chain    string  `json:"chain"`
	MulPoint float64 `json:"mul_point"`
	Price    float64 `json:"price"`
	Decimals int     `json:"decimals"`
}

// SymbolFilters is the precision/filter data for one trading pair.
type SymbolFilters struct {
	Symbol            string  `json:"symbol"`
	BaseAsset         string  `json:"base_asset"`
	QuoteAsset        string  `json:"quote_asset"`
	PricePrecision    int     `json:"price_precision"`
	QuantityPrecision int     `json:"quantity_precision"`
	TickSize          float64 `json:"tick_size"`
	StepSize          float64 `json:"step_size"`
	MinQty            float64 `json:"min_qty"`
	MinNotional       float64 `json:"min_notional"`
}

// OTORequest is a paired buy (working) + sell (pending) order intent.
type OTORequest struct {
	BaseAsset     string
	QuoteAsset    string
	Quantity      float64
	BuyPrice      float64
	SellPrice     float64
	ClientOrderID string
}

// OTOResult carries the venue ids for both legs.
type OTOResult struct {
	BuyOrderID  string
	SellOrderID string
}

// OrderInfo is a REST order status snapshot, used when no stream is available.
type OrderInfo struct {
	OrderID     string
	Symbol      string
	Side        Side
	Status      OrderStatus
	Price       float64
	OrigQty     float64
	ExecutedQty float64
	UpdateTime  time.Time
}

// OrderUpdate is a normalized execution report from the private stream.
type OrderUpdate struct {
	UserID        string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Status        OrderStatus
	ExecutedQty   float64
	LastPrice     float64
	Time          time.Time
}
