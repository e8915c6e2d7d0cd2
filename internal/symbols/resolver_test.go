package symbols

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volume-core/pkg/cache"
	"volume-core/pkg/exchanges/common"
)

type fakeMarket struct {
	tokenCalls atomic.Int32
	infoCalls  atomic.Int32
	fail       error
}

func (f *fakeMarket) ListTokens(ctx context.Context) ([]common.TokenInfo, error) {
	f.tokenCalls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	return []common.TokenInfo{
		{AlphaID: "ALPHA_22", Symbol: "KOGE", Chain: "BSC", MulPoint: 4, Price: 48.2},
		{AlphaID: "ALPHA_7", Symbol: "ZKJ", Chain: "BSC", MulPoint: 1, Price: 0.31},
	}, nil
}

func (f *fakeMarket) ExchangeInfo(ctx context.Context) ([]common.SymbolFilters, error) {
	f.infoCalls.Add(1)
	return []common.SymbolFilters{
		{Symbol: "ALPHA_22USDT", BaseAsset: "ALPHA_22", QuoteAsset: "USDT", PricePrecision: 2, QuantityPrecision: 2, TickSize: 0.01, StepSize: 0.01, MinQty: 0.1},
	}, nil
}

func (f *fakeMarket) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	return 48.2, nil
}

func TestResolveMissFetchesAndPersists(t *testing.T) {
	dir := t.TempDir()
	md := &fakeMarket{}
	r, err := NewResolver(md, Config{Dir: dir}, nil)
	require.NoError(t, err)

	m, err := r.Resolve(context.Background(), "koge", "BSC")
	require.NoError(t, err)
	assert.Equal(t, "ALPHA_22USDT", m.ExchangeSymbol)
	assert.Equal(t, "ALPHA_22", m.BaseAsset)
	assert.Equal(t, 2, m.PricePrecision)
	assert.InDelta(t, 4.0, m.MulPoint, 1e-9)

	// memory hit
	_, err = r.Resolve(context.Background(), "KOGE", "BSC")
	require.NoError(t, err)
	assert.EqualValues(t, 1, md.tokenCalls.Load())

	// a fresh process reads the documents instead of the venue
	md2 := &fakeMarket{}
	r2, err := NewResolver(md2, Config{Dir: dir}, nil)
	require.NoError(t, err)
	m2, err := r2.Resolve(context.Background(), "KOGE", "")
	require.NoError(t, err)
	assert.Equal(t, m.ExchangeSymbol, m2.ExchangeSymbol)
	assert.Zero(t, md2.tokenCalls.Load())
	assert.Zero(t, md2.infoCalls.Load())
}

func TestResolveStaleDocumentRefetches(t *testing.T) {
	dir := t.TempDir()
	md := &fakeMarket{}
	r, err := NewResolver(md, Config{Dir: dir, TokenTTL: time.Nanosecond, PrecisionTTL: time.Nanosecond}, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "KOGE", "")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = r.Resolve(context.Background(), "KOGE", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, md.tokenCalls.Load())
}

func writeDoc[V any](t *testing.T, path, key string, v V, at time.Time) {
	t.Helper()
	raw, err := json.Marshal(map[string]cache.Document[V]{key: {Data: v, CachedAt: at}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestMemoryEntryAgesFromDocuments(t *testing.T) {
	dir := t.TempDir()
	cachedAt := time.Now().Add(-200 * time.Millisecond)
	writeDoc(t, filepath.Join(dir, "token_info.json"), "KOGE",
		common.TokenInfo{AlphaID: "ALPHA_22", Symbol: "KOGE", Chain: "BSC", MulPoint: 4, Price: 48.2}, cachedAt)
	writeDoc(t, filepath.Join(dir, "precision.json"), "KOGE",
		common.SymbolFilters{Symbol: "ALPHA_22USDT", BaseAsset: "ALPHA_22", QuoteAsset: "USDT", PricePrecision: 2, QuantityPrecision: 2, TickSize: 0.01, StepSize: 0.01}, time.Now())

	md := &fakeMarket{}
	ttl := 400 * time.Millisecond
	r, err := NewResolver(md, Config{Dir: dir, TokenTTL: ttl, PrecisionTTL: ttl}, nil)
	require.NoError(t, err)

	m, err := r.Resolve(context.Background(), "KOGE", "")
	require.NoError(t, err)
	assert.Equal(t, "ALPHA_22USDT", m.ExchangeSymbol)
	assert.Zero(t, md.tokenCalls.Load())
	assert.GreaterOrEqual(t, r.Stats().OldestAge, 200*time.Millisecond)

	// Past the token document's TTL the memory copy is stale too.
	time.Sleep(250 * time.Millisecond)
	_, err = r.Resolve(context.Background(), "KOGE", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, md.tokenCalls.Load())
}

func TestResolveFailureIsNoMapping(t *testing.T) {
	r, err := NewResolver(&fakeMarket{fail: errors.New("boom")}, Config{}, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "KOGE", "")
	assert.True(t, errors.Is(err, ErrNoMapping))
}

func TestResolveUnlistedPair(t *testing.T) {
	r, err := NewResolver(&fakeMarket{}, Config{}, nil)
	require.NoError(t, err)

	// ZKJ is in the token list but has no USDT pair.
	_, err = r.Resolve(context.Background(), "ZKJ", "")
	assert.True(t, errors.Is(err, ErrNoMapping))
	_, err = r.Resolve(context.Background(), "NOPE", "")
	assert.True(t, errors.Is(err, ErrNoMapping))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	md := &fakeMarket{}
	r, err := NewResolver(md, Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "KOGE", "")
	require.NoError(t, err)
	r.Invalidate("koge")
	_, err = r.Resolve(context.Background(), "KOGE", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, md.tokenCalls.Load())
}
