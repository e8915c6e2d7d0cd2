package alpha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"volume-core/pkg/exchanges/common"
)

const (
	pathTokenList    = "/bapi/defi/v1/public/wallet-direct/buw/wallet/cex/alpha/all/token/list"
	pathExchangeInfo = "/bapi/defi/v1/public/alpha-trade/get-exchange-info"
	pathTicker       = "/bapi/defi/v1/public/alpha-trade/ticker"
	pathBalance      = "/bapi/asset/v2/private/asset-service/wallet/asset"
	pathVolume       = "/bapi/defi/v1/private/wallet-direct/buw/wallet/today/user-volume"
	pathPlaceOTO     = "/bapi/asset/v1/private/alpha-trade/oto-order/place"
	pathCancel       = "/bapi/defi/v1/private/alpha-trade/order/cancel"
	pathGetOrder     = "/bapi/defi/v1/private/alpha-trade/order/get-order"
	pathListenKey    = "/bapi/defi/v1/private/alpha-trade/stream/get-listen-token"
	pathListenKeyRen = "/bapi/defi/v1/private/alpha-trade/stream/renew-listen-token"
	pathListenKeyDel = "/bapi/defi/v1/private/alpha-trade/stream/close-listen-token"

	successCode = "000000"
)

// Config holds connection settings for the private web API.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the venue's web trading API. Credentials are supplied per
// call so a single client serves every user.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	userLimiter *common.UserLimiter
	log         *zap.Logger
}

// New builds a client. limiter may be nil to disable per-user throttling.
func New(cfg Config, limiter *common.UserLimiter, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("alpha")
	return &Client{
		cfg:         cfg,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: common.NewRateLimiter(6000, time.Minute, log),
		userLimiter: limiter,
		log:         log,
	}
}

var _ common.Gateway = (*Client)(nil)

// ListTokens returns the full token list with multipliers and last prices.
func (c *Client) ListTokens(ctx context.Context) ([]common.TokenInfo, error) {
	var data []tokenListItem
	if err := c.do(ctx, "", nil, http.MethodGet, pathTokenList, nil, nil, &data); err != nil {
		return nil, fmt.Errorf("token list: %w", err)
	}
	out := make([]common.TokenInfo, 0, len(data))
	for _, t := range data {
		out = append(out, t.toCommon())
	}
	return out, nil
}

// ExchangeInfo returns precision and filter data for every trading pair.
func (c *Client) ExchangeInfo(ctx context.Context) ([]common.SymbolFilters, error) {
	var data exchangeInfoData
	if err := c.do(ctx, "", nil, http.MethodGet, pathExchangeInfo, nil, nil, &data); err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	out := make([]common.SymbolFilters, 0, len(data.Symbols))
	for _, s := range data.Symbols {
		out = append(out, s.toCommon())
	}
	return out, nil
}

// TickerPrice returns the last traded price of symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	var data tickerData
	if err := c.do(ctx, "", nil, http.MethodGet, pathTicker, q, nil, &data); err != nil {
		return 0, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	price := parseFloat(data.LastPrice)
	if price <= 0 {
		return 0, fmt.Errorf("ticker %s: %w: non-positive price %q", symbol, common.ErrValidation, data.LastPrice)
	}
	return price, nil
}

// GetBalance returns the wallet balance for asset.
func (c *Client) GetBalance(ctx context.Context, creds common.Credentials, asset string) (common.Balance, error) {
	q := url.Values{}
	q.Set("needAlphaAsset", "true")
	var data []balanceItem
	if err := c.do(ctx, userKey(creds), &creds, http.MethodGet, pathBalance, q, nil, &data); err != nil {
		return common.Balance{}, fmt.Errorf("balance: %w", err)
	}
	for _, b := range data {
		if strings.EqualFold(b.Asset, asset) {
			return common.Balance{Asset: b.Asset, Available: parseFloat(b.Free), Locked: parseFloat(b.Locked)}, nil
		}
	}
	return common.Balance{Asset: asset}, nil
}

// GetTodayVolume returns the venue-reported (multiplier-inflated) volume
// for alphaID today.
func (c *Client) GetTodayVolume(ctx context.Context, creds common.Credentials, alphaID string) (float64, error) {
	var data volumeData
	if err := c.do(ctx, userKey(creds), &creds, http.MethodGet, pathVolume, nil, nil, &data); err != nil {
		return 0, fmt.Errorf("today volume: %w", err)
	}
	for _, tv := range data.TradeVolumeInfoList {
		if strings.EqualFold(tv.TokenName, alphaID) || strings.EqualFold(tv.AlphaID, alphaID) {
			return tv.Volume, nil
		}
	}
	return 0, nil
}

// PlaceOTO submits the working buy leg and the pending sell leg together.
func (c *Client) PlaceOTO(ctx context.Context, creds common.Credentials, req common.OTORequest) (common.OTOResult, error) {
	if req.Quantity <= 0 || req.BuyPrice <= 0 || req.SellPrice <= 0 {
		return common.OTOResult{}, fmt.Errorf("place oto: %w: qty=%v buy=%v sell=%v",
			common.ErrValidation, req.Quantity, req.BuyPrice, req.SellPrice)
	}
	body := otoPlaceRequest{
		BaseAsset:         req.BaseAsset,
		QuoteAsset:        req.QuoteAsset,
		WorkingSide:       string(common.SideBuy),
		WorkingPrice:      formatFloat(req.BuyPrice),
		WorkingQuantity:   formatFloat(req.Quantity),
		PendingPrice:      formatFloat(req.SellPrice),
		PaymentWalletType: "CARD",
		ClientOrderID:     req.ClientOrderID,
	}
	var data otoPlaceData
	if err := c.do(ctx, userKey(creds), &creds, http.MethodPost, pathPlaceOTO, nil, body, &data); err != nil {
		return common.OTOResult{}, fmt.Errorf("place oto: %w", err)
	}
	if data.WorkingOrderID == 0 || data.PendingOrderID == 0 {
		return common.OTOResult{}, fmt.Errorf("place oto: %w: missing leg ids", common.ErrValidation)
	}
	return common.OTOResult{
		BuyOrderID:  fmt.Sprintf("%d", data.WorkingOrderID),
		SellOrderID: fmt.Sprintf("%d", data.PendingOrderID),
	}, nil
}

// CancelOrder cancels one leg.
func (c *Client) CancelOrder(ctx context.Context, creds common.Credentials, symbol, orderID string) error {
	body := map[string]string{"symbol": symbol, "orderid": orderID}
	if err := c.do(ctx, userKey(creds), &creds, http.MethodPost, pathCancel, nil, body, nil); err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	return nil
}

// GetOrder fetches one order's status over REST.
func (c *Client) GetOrder(ctx context.Context, creds common.Credentials, symbol, orderID string) (common.OrderInfo, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)
	var data orderData
	if err := c.do(ctx, userKey(creds), &creds, http.MethodGet, pathGetOrder, q, nil, &data); err != nil {
		return common.OrderInfo{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return data.toCommon(), nil
}

// CreateListenKey obtains a private stream session token.
func (c *Client) CreateListenKey(ctx context.Context, creds common.Credentials) (string, error) {
	var data listenKeyData
	if err := c.do(ctx, userKey(creds), &creds, http.MethodPost, pathListenKey, nil, struct{}{}, &data); err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	if data.ListenKey == "" {
		return "", fmt.Errorf("create listen key: %w: empty token", common.ErrValidation)
	}
	return data.ListenKey, nil
}

// KeepAliveListenKey extends the validity of listenKey.
func (c *Client) KeepAliveListenKey(ctx context.Context, creds common.Credentials, listenKey string) error {
	body := map[string]string{"listenKey": listenKey}
	if err := c.do(ctx, userKey(creds), &creds, http.MethodPost, pathListenKeyRen, nil, body, nil); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// CloseListenKey invalidates listenKey.
func (c *Client) CloseListenKey(ctx context.Context, creds common.Credentials, listenKey string) error {
	body := map[string]string{"listenKey": listenKey}
	if err := c.do(ctx, userKey(creds), &creds, http.MethodPost, pathListenKeyDel, nil, body, nil); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}

// do issues the request, unwraps the response envelope into out and maps
// failures onto the common error taxonomy.
func (c *Client) do(ctx context.Context, user string, creds *common.Credentials, method, path string, query url.Values, body any, out any) error {
	if creds != nil && creds.Empty() {
		return fmt.Errorf("%w: no credentials", common.ErrAuthentication)
	}
	if user != "" {
		if err := c.userLimiter.Wait(ctx, user); err != nil {
			return fmt.Errorf("%w: rate limit wait: %v", common.ErrTimeout, err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("clienttype", "web")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds != nil {
		for k, v := range creds.Headers {
			req.Header.Set(k, v)
		}
		if creds.Cookie != "" {
			req.Header.Set("Cookie", creds.Cookie)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()
	c.rateLimiter.UpdateFromHeader(resp.Header.Get("X-MBX-USED-WEIGHT-1M"))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransport(err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s %s status %d", common.ErrNetwork, method, path, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &common.APIError{Status: resp.StatusCode, Message: truncate(string(raw), 200)}
		}
		return fmt.Errorf("decode envelope: %w", err)
	}
	if resp.StatusCode != http.StatusOK || env.Code != successCode || (env.Success != nil && !*env.Success) {
		apiErr := &common.APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
		if errors.Is(apiErr, common.ErrAuthentication) {
			c.log.Warn("credential rejected", zap.String("user", user), zap.String("path", path), zap.String("code", env.Code))
		}
		return apiErr
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", path, err)
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", common.ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", common.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", common.ErrNetwork, err)
}

// userKey derives a stable limiter key from the credential blob.
func userKey(creds common.Credentials) string {
	if id := creds.Headers["X-User-Id"]; id != "" {
		return id
	}
	if id := creds.Headers["csrftoken"]; id != "" {
		return id
	}
	return creds.Cookie
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
