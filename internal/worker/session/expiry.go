// Package sessionworker holds the background tickers that keep the
// conversation store honest: expiring lapsed sessions, recovering stuck
// slot requests, and exporting finished conversations to the archive.
package sessionworker

import (
	"context"
	"time"

	"github.com/apexrad/radsched/pkg/logging"
)

type expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// ExpirySweeper closes conversations whose 24-hour window lapsed without a
// booking. Expiry sends no SMS; parked orders for the phone wake up inside
// the engine.
type ExpirySweeper struct {
	engine    expirer
	logger    *logging.Logger
	interval  time.Duration
	batchSize int
}

func NewExpirySweeper(engine expirer, logger *logging.Logger) *ExpirySweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &ExpirySweeper{
		engine:    engine,
		logger:    logger,
		interval:  30 * time.Second,
		batchSize: 100,
	}
}

func (s *ExpirySweeper) WithInterval(d time.Duration) *ExpirySweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *ExpirySweeper) WithBatchSize(n int) *ExpirySweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Run drains on start and then on every tick until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// SweepOnce drains everything currently due and reports how many sessions
// it expired. The one-shot command calls this directly.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.engine == nil {
		return 0, nil
	}
	total := 0
	for {
		n, err := s.engine.ExpireDue(ctx, s.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batchSize {
			return total, nil
		}
	}
}

func (s *ExpirySweeper) drain(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err, "expired", n)
		return
	}
	if n > 0 {
		s.logger.Info("sessions expired", "count", n)
	}
}
