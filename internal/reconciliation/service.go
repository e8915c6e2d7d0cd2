// Package reconciliation polls the venue for live pairs the private stream
// is not covering.
package reconciliation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"volume-core/internal/order"
)

// PairSource is the executor surface reconciliation needs.
type PairSource interface {
	List(userID string) []order.Pair
	Poll(ctx context.Context, pairID string) (order.Pair, error)
}

// StreamHealth reports whether a user's private stream is connected.
type StreamHealth interface {
	Healthy(userID string) bool
}

// Service periodically polls live pairs whose user has no healthy stream,
// or that have been live longer than StaleAfter.
type Service struct {
	pairs      PairSource
	streams    StreamHealth
	interval   time.Duration
	staleAfter time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu   sync.Mutex
	last Report
}

// Report summarises one reconciliation pass.
type Report struct {
	Timestamp time.Time  `json:"timestamp"`
	Checked   int        `json:"checked"`
	Errors    int        `json:"errors"`
	Diffs     []PairDiff `json:"diffs,omitempty"`
}

// PairDiff is a pair whose status moved because of a poll.
type PairDiff struct {
	PairID string           `json:"pair_id"`
	UserID string           `json:"user_id"`
	Before order.PairStatus `json:"before"`
	After  order.PairStatus `json:"after"`
}

func NewService(pairs PairSource, streams StreamHealth, interval, staleAfter time.Duration, log *zap.Logger) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pairs:      pairs,
		streams:    streams,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log.Named("reconcile"),
		now:        time.Now,
	}
}

// Start runs Reconcile every interval until ctx ends.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.handleReport(s.Reconcile(ctx))
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("reconciliation started", zap.Duration("interval", s.interval), zap.Duration("stale_after", s.staleAfter))
}

// Reconcile polls every live, submitted pair that needs it.
func (s *Service) Reconcile(ctx context.Context) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	report := Report{Timestamp: now}
	for _, p := range s.pairs.List("") {
		if p.Terminal() || p.BuyOrderID() == "" {
			continue
		}
		healthy := s.streams != nil && s.streams.Healthy(p.UserID)
		if healthy && now.Sub(p.UpdatedAt) < s.staleAfter {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		after, err := s.pairs.Poll(ctx, p.ID)
		if err != nil {
			report.Errors++
			s.log.Warn("poll failed", zap.String("pair", p.ID), zap.String("user", p.UserID), zap.Error(err))
			continue
		}
		if after.Status != p.Status {
			report.Diffs = append(report.Diffs, PairDiff{PairID: p.ID, UserID: p.UserID, Before: p.Status, After: after.Status})
		}
	}
	s.last = report
	return report
}

// LastReport returns the most recent pass.
func (s *Service) LastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) handleReport(report Report) {
	if len(report.Diffs) == 0 {
		if report.Checked > 0 {
			s.log.Debug("reconciliation ok", zap.Int("checked", report.Checked), zap.Int("errors", report.Errors))
		}
		return
	}
	for _, d := range report.Diffs {
		s.log.Info("pair advanced by poll",
			zap.String("pair", d.PairID),
			zap.String("user", d.UserID),
			zap.String("from", string(d.Before)),
			zap.String("to", string(d.After)))
	}
}
