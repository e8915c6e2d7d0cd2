package alpha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volume-core/pkg/exchanges/common"
)

var testCreds = common.Credentials{
	Headers: map[string]string{"X-User-Id": "u1", "csrftoken": "tok"},
	Cookie:  "p20t=abc",
}

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL}, nil, nil)
}

func writeEnvelope(w http.ResponseWriter, code, msg string, data any) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":    code,
		"message": msg,
		"data":    json.RawMessage(raw),
		"success": code == successCode,
	})
}

func TestExchangeInfoParsesFilters(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathExchangeInfo, r.URL.Path)
		writeEnvelope(w, successCode, "", map[string]any{
			"symbols": []map[string]any{{
				"symbol": "ALPHA_118USDT", "baseAsset": "ALPHA_118", "quoteAsset": "USDT",
				"pricePrecision": 4, "quantityPrecision": 2,
				"filters": []map[string]string{
					{"filterType": "PRICE_FILTER", "tickSize": "0.0001"},
					{"filterType": "LOT_SIZE", "stepSize": "0.01", "minQty": "0.1"},
				},
			}},
		})
	})

	infos, err := c.ExchangeInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "ALPHA_118", infos[0].BaseAsset)
	assert.InDelta(t, 0.0001, infos[0].TickSize, 1e-12)
	assert.InDelta(t, 0.01, infos[0].StepSize, 1e-12)
	assert.InDelta(t, 0.1, infos[0].MinQty, 1e-12)
}

func TestListTokensAcceptsStringMultiplier(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, successCode, "", []map[string]any{
			{"alphaId": "ALPHA_1", "symbol": "koge", "price": "48.1", "mulPoint": "4", "chainName": "BSC"},
			{"alphaId": "ALPHA_2", "symbol": "ZKJ", "price": "0.3", "mulPoint": 1},
		})
	})

	tokens, err := c.ListTokens(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, "KOGE", tokens[0].Symbol)
	assert.InDelta(t, 4.0, tokens[0].MulPoint, 1e-9)
	assert.InDelta(t, 48.1, tokens[0].Price, 1e-9)
	assert.InDelta(t, 1.0, tokens[1].MulPoint, 1e-9)
}

func TestPlaceOTOPassesCredentialsThrough(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "p20t=abc", r.Header.Get("Cookie"))
		assert.Equal(t, "tok", r.Header.Get("csrftoken"))
		var body otoPlaceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "100.5", body.WorkingPrice)
		assert.Equal(t, "99", body.PendingPrice)
		writeEnvelope(w, successCode, "", map[string]any{"workingOrderId": 11, "pendingOrderId": 12})
	})

	res, err := c.PlaceOTO(context.Background(), testCreds, common.OTORequest{
		BaseAsset: "ALPHA_1", QuoteAsset: "USDT", Quantity: 1, BuyPrice: 100.5, SellPrice: 99,
	})
	require.NoError(t, err)
	assert.Equal(t, "11", res.BuyOrderID)
	assert.Equal(t, "12", res.SellOrderID)
}

func TestPlaceOTORejectsInvalidInputWithoutCalling(t *testing.T) {
	called := false
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.PlaceOTO(context.Background(), testCreds, common.OTORequest{Quantity: 0, BuyPrice: 1, SellPrice: 1})
	assert.True(t, errors.Is(err, common.ErrValidation))
	assert.False(t, called)
}

func TestAuthFailureIsClassified(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "100001005", "Login expired, please log in again", nil)
	})

	_, err := c.GetBalance(context.Background(), testCreds, "USDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrAuthentication))
}

func TestMissingCredentialsIsAuthFailure(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent")
	})
	_, err := c.CreateListenKey(context.Background(), common.Credentials{})
	assert.True(t, errors.Is(err, common.ErrAuthentication))
}

func TestServerErrorIsRetryable(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.TickerPrice(context.Background(), "ALPHA_1USDT")
	require.Error(t, err)
	assert.True(t, common.Retryable(err))
}

func TestTodayVolumeSelectsToken(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, successCode, "", map[string]any{
			"totalVolume": 3000,
			"tradeVolumeInfoList": []map[string]any{
				{"tokenName": "ALPHA_1", "volume": 1000},
				{"tokenName": "ALPHA_2", "volume": 2000},
			},
		})
	})
	v, err := c.GetTodayVolume(context.Background(), testCreds, "ALPHA_2")
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, v, 1e-9)

	v, err = c.GetTodayVolume(context.Background(), testCreds, "ALPHA_9")
	require.NoError(t, err)
	assert.Zero(t, v)
}
