package symbols

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"volume-core/pkg/cache"
	"volume-core/pkg/exchanges/common"
)

// ErrNoMapping is returned when a symbol cannot be resolved. Orders must not
// be placed without a mapping.
var ErrNoMapping = errors.New("no mapping available")

// Mapping is everything needed to price and size an order for one token.
type Mapping struct {
	ShortSymbol       string  `json:"short_symbol"`
	Chain             string  `json:"chain"`
	AlphaID           string  `json:"alpha_id"`
	ExchangeSymbol    string  `json:"exchange_symbol"`
	BaseAsset         string  `json:"base_asset"`
	QuoteAsset        string  `json:"quote_asset"`
	PricePrecision    int     `json:"price_precision"`
	QuantityPrecision int     `json:"quantity_precision"`
	LotSize           float64 `json:"lot_size"`
	MinQty            float64 `json:"min_qty"`
	PriceTick         float64 `json:"price_tick"`
	MulPoint          float64 `json:"mul_point"`
	LastPrice         float64 `json:"last_price"`
}

// Config controls cache locations and lifetimes.
type Config struct {
	Dir          string
	TokenTTL     time.Duration
	PrecisionTTL time.Duration
	QuoteAsset   string
}

// Resolver resolves short token names via memory, then the JSON documents,
// then the venue.
type Resolver struct {
	md         common.MarketData
	quoteAsset string
	log        *zap.Logger

	memory    *cache.Sharded[Mapping]
	memoryTTL time.Duration
	tokens    *cache.FileStore[common.TokenInfo]
	precision *cache.FileStore[common.SymbolFilters]
	group     singleflight.Group
}

// NewResolver opens the backing documents under cfg.Dir. Unreadable
// documents are logged and start empty.
func NewResolver(md common.MarketData, cfg Config, log *zap.Logger) (*Resolver, error) {
	if md == nil {
		return nil, errors.New("symbols: market data source is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.PrecisionTTL <= 0 {
		cfg.PrecisionTTL = 24 * time.Hour
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("symbols")

	tokenPath, precisionPath := "", ""
	if cfg.Dir != "" {
		tokenPath = filepath.Join(cfg.Dir, "token_info.json")
		precisionPath = filepath.Join(cfg.Dir, "precision.json")
	}
	tokens, err := cache.OpenFileStore[common.TokenInfo](tokenPath, cfg.TokenTTL)
	if err != nil {
		log.Warn("token cache unreadable, starting empty", zap.Error(err))
	}
	precision, err := cache.OpenFileStore[common.SymbolFilters](precisionPath, cfg.PrecisionTTL)
	if err != nil {
		log.Warn("precision cache unreadable, starting empty", zap.Error(err))
	}

	memTTL := cfg.TokenTTL
	if cfg.PrecisionTTL < memTTL {
		memTTL = cfg.PrecisionTTL
	}
	return &Resolver{
		md:         md,
		quoteAsset: cfg.QuoteAsset,
		log:        log,
		memory:     cache.NewSharded[Mapping](),
		memoryTTL:  memTTL,
		tokens:     tokens,
		precision:  precision,
	}, nil
}

// Resolve returns the mapping for shortSymbol on chain. chain may be empty.
func (r *Resolver) Resolve(ctx context.Context, shortSymbol, chain string) (Mapping, error) {
	key := cache.Key(shortSymbol)
	if key == "" {
		return Mapping{}, fmt.Errorf("%w: empty symbol", ErrNoMapping)
	}

	if m, age, ok := r.memory.GetWithAge(key); ok && age < r.memoryTTL {
		return m, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.load(ctx, key, chain)
	})
	if err != nil {
		return Mapping{}, err
	}
	return v.(Mapping), nil
}

// TokenInfo returns token metadata (multiplier, last price) for shortSymbol.
func (r *Resolver) TokenInfo(ctx context.Context, shortSymbol, chain string) (common.TokenInfo, error) {
	m, err := r.Resolve(ctx, shortSymbol, chain)
	if err != nil {
		return common.TokenInfo{}, err
	}
	return common.TokenInfo{
		AlphaID:  m.AlphaID,
		Symbol:   m.ShortSymbol,
		Chain:    m.Chain,
		MulPoint: m.MulPoint,
		Price:    m.LastPrice,
	}, nil
}

// Invalidate drops shortSymbol from every layer.
func (r *Resolver) Invalidate(shortSymbol string) {
	key := cache.Key(shortSymbol)
	r.memory.Delete(key)
	if err := r.tokens.Delete(key); err != nil {
		r.log.Warn("drop token entry", zap.String("symbol", key), zap.Error(err))
	}
	if err := r.precision.Delete(key); err != nil {
		r.log.Warn("drop precision entry", zap.String("symbol", key), zap.Error(err))
	}
}

// Stats reports memory-layer statistics.
func (r *Resolver) Stats() cache.Stats {
	return r.memory.Stats()
}

func (r *Resolver) load(ctx context.Context, key, chain string) (Mapping, error) {
	tokDoc, tokOK, err := r.tokens.Get(key)
	if err != nil {
		r.log.Warn("token cache write failed", zap.String("symbol", key), zap.Error(err))
	}
	precDoc, precOK, err := r.precision.Get(key)
	if err != nil {
		r.log.Warn("precision cache write failed", zap.String("symbol", key), zap.Error(err))
	}

	token, filters := tokDoc.Data, precDoc.Data
	if !tokOK {
		token, err = r.fetchToken(ctx, key, chain)
		if err != nil {
			return Mapping{}, fmt.Errorf("%w for %s: %v", ErrNoMapping, key, err)
		}
		if err := r.tokens.Put(key, token); err != nil {
			r.log.Warn("persist token info", zap.String("symbol", key), zap.Error(err))
		}
	}
	if !precOK {
		filters, err = r.fetchFilters(ctx, token)
		if err != nil {
			return Mapping{}, fmt.Errorf("%w for %s: %v", ErrNoMapping, key, err)
		}
		if err := r.precision.Put(key, filters); err != nil {
			r.log.Warn("persist precision", zap.String("symbol", key), zap.Error(err))
		}
	}

	// The memory entry is as old as the oldest document it was built from.
	stamp := time.Now()
	if tokOK && tokDoc.CachedAt.Before(stamp) {
		stamp = tokDoc.CachedAt
	}
	if precOK && precDoc.CachedAt.Before(stamp) {
		stamp = precDoc.CachedAt
	}
	m := buildMapping(key, token, filters)
	r.memory.SetAt(key, m, stamp)
	r.log.Debug("symbol resolved",
		zap.String("symbol", key),
		zap.String("exchange_symbol", m.ExchangeSymbol),
		zap.Bool("token_cached", tokOK),
		zap.Bool("precision_cached", precOK))
	return m, nil
}

func (r *Resolver) fetchToken(ctx context.Context, key, chain string) (common.TokenInfo, error) {
	list, err := r.md.ListTokens(ctx)
	if err != nil {
		return common.TokenInfo{}, err
	}
	var fallback *common.TokenInfo
	for i := range list {
		t := list[i]
		if !strings.EqualFold(t.Symbol, key) {
			continue
		}
		if chain == "" || strings.EqualFold(t.Chain, chain) {
			return t, nil
		}
		if fallback == nil {
			fallback = &list[i]
		}
	}
	if fallback != nil {
		r.log.Warn("chain mismatch, using first listing", zap.String("symbol", key), zap.String("chain", chain), zap.String("listed_chain", fallback.Chain))
		return *fallback, nil
	}
	return common.TokenInfo{}, fmt.Errorf("token %s not listed", key)
}

func (r *Resolver) fetchFilters(ctx context.Context, token common.TokenInfo) (common.SymbolFilters, error) {
	infos, err := r.md.ExchangeInfo(ctx)
	if err != nil {
		return common.SymbolFilters{}, err
	}
	want := token.AlphaID + r.quoteAsset
	for _, f := range infos {
		if strings.EqualFold(f.Symbol, want) {
			return f, nil
		}
	}
	for _, f := range infos {
		if strings.EqualFold(f.BaseAsset, token.AlphaID) && strings.EqualFold(f.QuoteAsset, r.quoteAsset) {
			return f, nil
		}
	}
	return common.SymbolFilters{}, fmt.Errorf("pair %s not in exchange info", want)
}

func buildMapping(key string, token common.TokenInfo, f common.SymbolFilters) Mapping {
	mul := token.MulPoint
	if mul <= 0 {
		mul = 1
	}
	return Mapping{
		ShortSymbol:       key,
		Chain:             token.Chain,
		AlphaID:           token.AlphaID,
		ExchangeSymbol:    f.Symbol,
		BaseAsset:         f.BaseAsset,
		QuoteAsset:        f.QuoteAsset,
		PricePrecision:    f.PricePrecision,
		QuantityPrecision: f.QuantityPrecision,
		LotSize:           f.StepSize,
		MinQty:            f.MinQty,
		PriceTick:         f.TickSize,
		MulPoint:          mul,
		LastPrice:         token.Price,
	}
}
