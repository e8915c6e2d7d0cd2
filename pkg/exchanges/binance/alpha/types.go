package alpha

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"volume-core/pkg/exchanges/common"
)

type envelope struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Success *bool           `json:"success"`
}

type tokenListItem struct {
	AlphaID   string `json:"alphaId"`
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	ChainName string `json:"chainName"`
	Price     string `json:"price"`
	MulPoint  any    `json:"mulPoint"`
	Decimals  int    `json:"decimals"`
}

func (t tokenListItem) toCommon() common.TokenInfo {
	mul := 1.0
	switch v := t.MulPoint.(type) {
	case float64:
		mul = v
	case string:
		if f := parseFloat(v); f > 0 {
			mul = f
		}
	}
	if mul <= 0 {
		mul = 1
	}
	return common.TokenInfo{
		AlphaID:  t.AlphaID,
		Symbol:   strings.ToUpper(t.Symbol),
		Name:     t.Name,
		Chain:    t.ChainName,
		MulPoint: mul,
		Price:    parseFloat(t.Price),
		Decimals: t.Decimals,
	}
}

type exchangeInfoData struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol            string         `json:"symbol"`
	BaseAsset         string         `json:"baseAsset"`
	QuoteAsset        string         `json:"quoteAsset"`
	PricePrecision    int            `json:"pricePrecision"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"minNotional"`
}

func (s symbolInfo) toCommon() common.SymbolFilters {
	out := common.SymbolFilters{
		Symbol:            s.Symbol,
		BaseAsset:         s.BaseAsset,
		QuoteAsset:        s.QuoteAsset,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			out.TickSize = parseFloat(f.TickSize)
		case "LOT_SIZE":
			out.StepSize = parseFloat(f.StepSize)
			out.MinQty = parseFloat(f.MinQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			out.MinNotional = parseFloat(f.MinNotional)
		}
	}
	return out
}

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
}

type balanceItem struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type volumeData struct {
	TotalVolume         float64            `json:"totalVolume"`
	TradeVolumeInfoList []tokenVolumeEntry `json:"tradeVolumeInfoList"`
}

type tokenVolumeEntry struct {
	TokenName string  `json:"tokenName"`
	AlphaID   string  `json:"alphaId"`
	Volume    float64 `json:"volume"`
}

type otoPlaceRequest struct {
	BaseAsset         string `json:"baseAsset"`
	QuoteAsset        string `json:"quoteAsset"`
	WorkingSide       string `json:"workingSide"`
	WorkingPrice      string `json:"workingPrice"`
	WorkingQuantity   string `json:"workingQuantity"`
	PendingPrice      string `json:"pendingPrice"`
	PaymentWalletType string `json:"paymentWalletType"`
	ClientOrderID     string `json:"clientOrderId,omitempty"`
}

type otoPlaceData struct {
	WorkingOrderID int64 `json:"workingOrderId"`
	PendingOrderID int64 `json:"pendingOrderId"`
}

type orderData struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Status      string `json:"status"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	UpdateTime  int64  `json:"updateTime"`
}

func (o orderData) toCommon() common.OrderInfo {
	return common.OrderInfo{
		OrderID:     strconv.FormatInt(o.OrderID, 10),
		Symbol:      o.Symbol,
		Side:        common.Side(strings.ToUpper(o.Side)),
		Status:      common.NormalizeStatus(strings.ToUpper(o.Status)),
		Price:       parseFloat(o.Price),
		OrigQty:     parseFloat(o.OrigQty),
		ExecutedQty: parseFloat(o.ExecutedQty),
		UpdateTime:  time.UnixMilli(o.UpdateTime),
	}
}

type listenKeyData struct {
	ListenKey string `json:"listenToken"`
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
