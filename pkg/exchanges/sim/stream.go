package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type executionFrame struct {
	Event         string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	Side          string `json:"S"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	ClientOrderID string `json:"c"`
	CumulativeQty string `json:"z"`
	LastPrice     string `json:"L"`
	TradeTime     int64  `json:"T"`
}

type balanceEntry struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

type positionFrame struct {
	Event     string         `json:"e"`
	EventTime int64          `json:"E"`
	Balances  []balanceEntry `json:"B"`
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func frameOf(o *simOrder, now time.Time) executionFrame {
	id, _ := strconv.ParseInt(o.info.OrderID, 10, 64)
	f := executionFrame{
		Event:         "executionReport",
		EventTime:     now.UnixMilli(),
		Symbol:        o.info.Symbol,
		Side:          string(o.info.Side),
		Status:        string(o.info.Status),
		OrderID:       id,
		ClientOrderID: o.client,
		CumulativeQty: fmtFloat(o.info.ExecutedQty),
		LastPrice:     "0",
	}
	if o.info.ExecutedQty > 0 {
		f.LastPrice = fmtFloat(o.info.Price)
		f.TradeTime = now.UnixMilli()
	}
	return f
}

func (g *Gateway) positionLocked(userID string, now time.Time) positionFrame {
	a := g.accountLocked(userID)
	bal := []balanceEntry{{Asset: g.cfg.QuoteAsset, Free: fmtFloat(a.free), Locked: fmtFloat(a.locked)}}
	for asset, qty := range a.assets {
		bal = append(bal, balanceEntry{Asset: asset, Free: fmtFloat(qty), Locked: "0"})
	}
	return positionFrame{Event: "outboundAccountPosition", EventTime: now.UnixMilli(), Balances: bal}
}

// subscriber is one stream connection. Writes are serialized by mu.
type subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *subscriber) write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// hub fans frames out to every connection subscribed for a user.
type hub struct {
	log  *zap.Logger
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func newHub(log *zap.Logger) *hub {
	return &hub{log: log, subs: make(map[string]map[*subscriber]struct{})}
}

func (h *hub) add(userID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][s] = struct{}{}
}

func (h *hub) remove(userID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[userID], s)
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
}

func (h *hub) send(userID string, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("encode frame", zap.Error(err))
		return
	}
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[userID]))
	for s := range h.subs[userID] {
		targets = append(targets, s)
	}
	h.mu.Unlock()
	for _, s := range targets {
		if err := s.write(payload); err != nil {
			h.log.Debug("stream write failed", zap.String("user", userID), zap.Error(err))
			_ = s.conn.Close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.subs {
		for s := range set {
			_ = s.conn.Close()
		}
		delete(h.subs, userID)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscribeFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// StreamHandler serves the private stream. A client sends
// {"method":"SUBSCRIBE","params":[listenKey]} and then receives that user's
// execution reports and balance frames.
func (g *Gateway) StreamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.Warn("stream upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var sub subscribeFrame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Method != "SUBSCRIBE" || len(sub.Params) == 0 {
			_ = conn.WriteJSON(map[string]any{"id": sub.ID, "error": map[string]any{"code": 2, "msg": "invalid request"}})
			return
		}
		userID, ok := g.userForKey(sub.Params[0])
		if !ok {
			_ = conn.WriteJSON(map[string]any{"id": sub.ID, "error": map[string]any{"code": -1125, "msg": "listenKey does not exist"}})
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		s := &subscriber{conn: conn}
		g.hub.add(userID, s)
		defer g.hub.remove(userID, s)
		if err := s.write([]byte(fmt.Sprintf(`{"result":null,"id":%d}`, sub.ID))); err != nil {
			return
		}
		g.log.Debug("stream subscribed", zap.String("user", userID))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}

// ListenStream serves the private stream on addr until ctx ends and
// returns the ws:// URL to dial.
func (g *Gateway) ListenStream(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("sim stream listen: %w", err)
	}
	srv := &http.Server{Handler: g.StreamHandler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("sim stream server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		g.hub.closeAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return "ws://" + ln.Addr().String(), nil
}
