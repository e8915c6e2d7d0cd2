package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"volume-core/pkg/exchanges/common"
)

// ErrGaveUp is returned by Connector.Run once the reconnect budget is spent.
var ErrGaveUp = errors.New("stream connector gave up")

// ConnectorConfig tunes one user's private stream connection.
type ConnectorConfig struct {
	StreamURL   string
	DialTimeout time.Duration
	// RenewEvery must be shorter than the listen key validity (60m).
	RenewEvery     time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c ConnectorConfig) withDefaults() ConnectorConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.RenewEvery <= 0 {
		c.RenewEvery = 30 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 || c.MaxBackoff > 5*time.Minute {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

// handlers are the connector's upward callbacks.
type handlers struct {
	onOrder     func(common.OrderUpdate)
	onBalance   func([]common.Balance)
	onConnected func()
	onDropped   func()
}

// Connector keeps one user's private stream alive: it obtains a listen key,
// subscribes, renews the key and reconnects with backoff.
type Connector struct {
	userID string
	creds  common.Credentials
	auth   common.StreamAuth
	cfg    ConnectorConfig
	h      handlers
	log    *zap.Logger
	dialer *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	reqID     atomic.Int64
}

func newConnector(userID string, creds common.Credentials, auth common.StreamAuth, cfg ConnectorConfig, h handlers, log *zap.Logger) *Connector {
	cfg = cfg.withDefaults()
	return &Connector{
		userID: userID,
		creds:  creds,
		auth:   auth,
		cfg:    cfg,
		h:      h,
		log:    log.With(zap.String("user", userID)),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}
}

// Connected reports whether a session is currently open.
func (c *Connector) Connected() bool { return c.connected.Load() }

// Run reconnects until ctx ends or MaxAttempts consecutive sessions fail
// without ever connecting. It returns ErrGaveUp in the latter case.
func (c *Connector) Run(ctx context.Context) (attempts int, err error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Reset()

	for {
		connected, serr := c.session(ctx)
		if ctx.Err() != nil {
			return attempts, ctx.Err()
		}
		if connected {
			attempts = 0
			b.Reset()
		}
		attempts++
		if attempts >= c.cfg.MaxAttempts {
			return attempts, fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, attempts, serr)
		}
		wait := b.NextBackOff()
		c.log.Warn("user stream disconnected; reconnecting",
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(serr))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return attempts, ctx.Err()
		case <-t.C:
		}
	}
}

// session runs one listen-key lifetime. connected reports whether the
// subscription was established.
func (c *Connector) session(ctx context.Context) (connected bool, err error) {
	key, err := c.auth.CreateListenKey(ctx, c.creds)
	if err != nil {
		return false, fmt.Errorf("create listen key: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := c.auth.CloseListenKey(closeCtx, c.creds, key); cerr != nil {
			c.log.Debug("close listen key failed", zap.Error(cerr))
		}
	}()

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.StreamURL, nil)
	cancelDial()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.StreamURL, err)
	}
	sub := subscribeRequest{Method: "SUBSCRIBE", Params: []string{key}, ID: c.reqID.Add(1)}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return false, fmt.Errorf("subscribe: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.setConn(conn)
	defer c.clearConn(conn)
	c.log.Info("user stream connected")
	if c.h.onConnected != nil {
		c.h.onConnected()
	}

	renewErr := make(chan error, 1)
	go c.renew(sessCtx, key, renewErr)
	go func() {
		<-sessCtx.Done()
		conn.Close()
	}()

	for {
		_, raw, rerr := conn.ReadMessage()
		if rerr != nil {
			select {
			case e := <-renewErr:
				return true, fmt.Errorf("renew listen key: %w", e)
			default:
			}
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("read: %w", rerr)
		}
		c.dispatch(raw)
	}
}

// renew keeps the listen key alive; a failure ends the session so Run
// reconnects with a fresh key.
func (c *Connector) renew(ctx context.Context, key string, failed chan<- error) {
	ticker := time.NewTicker(c.cfg.RenewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.auth.KeepAliveListenKey(ctx, c.creds, key); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.Warn("listen key renewal failed; reconnecting", zap.Error(err))
				failed <- err
				c.closeConn()
				return
			}
			c.log.Debug("listen key renewed")
		}
	}
}

func (c *Connector) dispatch(raw []byte) {
	msg, err := decode(c.userID, raw)
	if err != nil {
		c.log.Warn("user stream parse error", zap.Error(err), zap.String("frame", truncate(string(raw), 256)))
		return
	}
	if msg.Order != nil && c.h.onOrder != nil {
		c.h.onOrder(*msg.Order)
	}
	if len(msg.Balances) > 0 && c.h.onBalance != nil {
		c.h.onBalance(msg.Balances)
	}
}

func (c *Connector) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
}

func (c *Connector) clearConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	if c.connected.Swap(false) && c.h.onDropped != nil {
		c.h.onDropped()
	}
}

// closeConn drops the current connection, if any. Run decides whether to
// reconnect.
func (c *Connector) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
