package monitor

import (
	"fmt"

	"go.uber.org/zap"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log at warn level.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Send(message string) error {
	if s.Log == nil {
		return fmt.Errorf("log sink: no logger")
	}
	s.Log.Warn("alert", zap.String("message", message))
	return nil
}

// MultiSink delivers to every sink and returns the first error.
type MultiSink []AlertSink

func (m MultiSink) Send(message string) error {
	var first error
	for _, s := range m {
		if err := s.Send(message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
