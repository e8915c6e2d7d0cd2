package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"volume-core/internal/events"
)

// Monitor watches the event bus, turns operator-relevant events into alerts
// and keeps the Prometheus collectors in step.
type Monitor struct {
	Bus     *events.Bus
	Sink    AlertSink
	Metrics *Metrics
	Log     *zap.Logger

	now func() time.Time
	wg  sync.WaitGroup
}

var watched = []events.Event{
	events.EventRiskAlert,
	events.EventUserBlocked,
	events.EventTrackerDown,
	events.EventUnitFinished,
}

// Start subscribes to the watched topics. Listeners stop when ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	if m.now == nil {
		m.now = time.Now
	}
	for _, topic := range watched {
		stream, unsub := m.Bus.Subscribe(topic, 64)
		m.wg.Add(1)
		go func(topic events.Event) {
			defer m.wg.Done()
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					m.handle(msg, log)
				}
			}
		}(topic)
	}
}

// Wait blocks until all listeners have exited.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) handle(msg any, log *zap.Logger) {
	switch ev := msg.(type) {
	case events.RiskAlert:
		m.Metrics.RiskRejected(ev.Type)
	case events.UnitFinished:
		if ev.Err == "" {
			return
		}
	}
	text := m.formatAlert(msg)
	if text == "" {
		return
	}
	if err := m.Sink.Send(text); err != nil {
		log.Warn("alert delivery failed", zap.Error(err))
	}
}

func (m *Monitor) formatAlert(msg any) string {
	body := toString(msg)
	if body == "" {
		return ""
	}
	return "[" + m.now().UTC().Format(time.RFC3339) + "] " + body
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case events.RiskAlert:
		return fmt.Sprintf("risk %s for %s: %s", t.Type, t.UserID, t.Message)
	case events.UserBlocked:
		return fmt.Sprintf("user %s blocked: %s", t.UserID, t.Reason)
	case events.TrackerDown:
		return fmt.Sprintf("order tracker for %s down after %d attempts: %s", t.UserID, t.Attempts, t.Err)
	case events.UnitFinished:
		return fmt.Sprintf("unit %s/%s ended %s: %s", t.StrategyID, t.UserID, t.State, t.Err)
	default:
		return ""
	}
}
