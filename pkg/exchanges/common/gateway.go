package common

import "context"

// MarketData covers the public, credential-free venue reads.
type MarketData interface {
	ListTokens(ctx context.Context) ([]TokenInfo, error)
	ExchangeInfo(ctx context.Context) ([]SymbolFilters, error)
	TickerPrice(ctx context.Context, symbol string) (float64, error)
}

// Account covers the per-user wallet and volume reads.
type Account interface {
	GetBalance(ctx context.Context, creds Credentials, asset string) (Balance, error)
	GetTodayVolume(ctx context.Context, creds Credentials, alphaID string) (float64, error)
}

// Trading places and manages OTO pairs.
type Trading interface {
	PlaceOTO(ctx context.Context, creds Credentials, req OTORequest) (OTOResult, error)
	CancelOrder(ctx context.Context, creds Credentials, symbol, orderID string) error
	GetOrder(ctx context.Context, creds Credentials, symbol, orderID string) (OrderInfo, error)
}

// StreamAuth manages private stream session tokens.
type StreamAuth interface {
	CreateListenKey(ctx context.Context, creds Credentials) (string, error)
	KeepAliveListenKey(ctx context.Context, creds Credentials, listenKey string) error
	CloseListenKey(ctx context.Context, creds Credentials, listenKey string) error
}

// Gateway abstracts a trading venue.
type Gateway interface {
	MarketData
	Account
	Trading
	StreamAuth
}
