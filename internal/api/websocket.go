package api

import (
	"net/http"
	"time"

	"volume-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedEvents are forwarded to operator sockets.
var streamedEvents = []events.Event{
	events.EventPairStatus,
	events.EventUserBlocked,
	events.EventRiskAlert,
	events.EventTrackerDown,
	events.EventUnitFinished,
}

type wsMessage struct {
	Type events.Event `json:"type"`
	Data any          `json:"data"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.bus == nil {
		_ = conn.WriteJSON(gin.H{"error": "bus not ready"})
		return
	}

	out := make(chan wsMessage, 64)
	for _, ev := range streamedEvents {
		ch, unsub := s.bus.Subscribe(ev, 32)
		defer unsub()
		go func(ev events.Event, ch <-chan any) {
			for msg := range ch {
				select {
				case out <- wsMessage{Type: ev, Data: msg}:
				case <-c.Request.Context().Done():
					return
				}
			}
		}(ev, ch)
	}

	// Reader only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case msg := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug("ws write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
