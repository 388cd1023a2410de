package sessionworker

import (
	"context"
	"time"

	"github.com/apexrad/radsched/pkg/logging"
)

type heldReleaser interface {
	ReleaseHeldDue(ctx context.Context, limit int) (int, error)
}

// HeldOrderSweeper wakes orders parked for a tenant's quiet hours once
// their hold lapses. The engine re-checks the window per tenant, so a
// sweep pass inside someone's night restamps instead of texting.
type HeldOrderSweeper struct {
	engine    heldReleaser
	logger    *logging.Logger
	interval  time.Duration
	batchSize int
}

func NewHeldOrderSweeper(engine heldReleaser, logger *logging.Logger) *HeldOrderSweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &HeldOrderSweeper{
		engine:    engine,
		logger:    logger,
		interval:  time.Minute,
		batchSize: 100,
	}
}

func (s *HeldOrderSweeper) WithInterval(d time.Duration) *HeldOrderSweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *HeldOrderSweeper) WithBatchSize(n int) *HeldOrderSweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Run drains on start and then on every tick until ctx is cancelled.
func (s *HeldOrderSweeper) Run(ctx context.Context) {
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

// SweepOnce drains every hold currently due and reports how many rows it
// handled.
func (s *HeldOrderSweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.engine == nil {
		return 0, nil
	}
	total := 0
	for {
		n, err := s.engine.ReleaseHeldDue(ctx, s.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batchSize {
			return total, nil
		}
	}
}

func (s *HeldOrderSweeper) drain(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("held order sweep failed", "error", err, "handled", n)
		return
	}
	if n > 0 {
		s.logger.Info("held orders woken", "count", n)
	}
}
