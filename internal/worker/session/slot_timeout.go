package sessionworker

import (
	"context"
	"time"

	"github.com/apexrad/radsched/pkg/logging"
)

type timeoutSweeper interface {
	SweepSlotTimeouts(ctx context.Context, limit int) (int, error)
}

// SlotTimeoutSweeper recovers sessions stuck in AWAITING_SLOTS past the
// request deadline: one silent retry, then a call-us cancellation. The
// policy lives in the engine; this is just the ticker.
type SlotTimeoutSweeper struct {
	engine    timeoutSweeper
	logger    *logging.Logger
	interval  time.Duration
	batchSize int
}

func NewSlotTimeoutSweeper(engine timeoutSweeper, logger *logging.Logger) *SlotTimeoutSweeper {
	if logger == nil {
		logger = logging.Default()
	}
	return &SlotTimeoutSweeper{
		engine:    engine,
		logger:    logger,
		interval:  15 * time.Second,
		batchSize: 50,
	}
}

func (s *SlotTimeoutSweeper) WithInterval(d time.Duration) *SlotTimeoutSweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

func (s *SlotTimeoutSweeper) WithBatchSize(n int) *SlotTimeoutSweeper {
	if n > 0 {
		s.batchSize = n
	}
	return s
}

// Run drains on start and then on every tick until ctx is cancelled.
func (s *SlotTimeoutSweeper) Run(ctx context.Context) {
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

// SweepOnce drains everything currently overdue and reports how many
// sessions it touched.
func (s *SlotTimeoutSweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.engine == nil {
		return 0, nil
	}
	total := 0
	for {
		n, err := s.engine.SweepSlotTimeouts(ctx, s.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batchSize {
			return total, nil
		}
	}
}

func (s *SlotTimeoutSweeper) drain(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("slot timeout sweep failed", "error", err, "swept", n)
		return
	}
	if n > 0 {
		s.logger.Info("slot timeouts swept", "count", n)
	}
}
