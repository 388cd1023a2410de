package sessionworker

import (
	"context"
	"time"

	"github.com/apexrad/radsched/pkg/logging"
)

type exporter interface {
	Enabled() bool
	ExportBatch(ctx context.Context, limit int) (int, error)
}

// RetentionArchiver periodically exports terminal sessions to S3. With the
// exporter disabled the ticker never fires any work.
type RetentionArchiver struct {
	exporter  exporter
	logger    *logging.Logger
	interval  time.Duration
	batchSize int
}

func NewRetentionArchiver(exp exporter, logger *logging.Logger) *RetentionArchiver {
	if logger == nil {
		logger = logging.Default()
	}
	return &RetentionArchiver{
		exporter:  exp,
		logger:    logger,
		interval:  time.Hour,
		batchSize: 200,
	}
}

func (a *RetentionArchiver) WithInterval(d time.Duration) *RetentionArchiver {
	if d > 0 {
		a.interval = d
	}
	return a
}

func (a *RetentionArchiver) WithBatchSize(n int) *RetentionArchiver {
	if n > 0 {
		a.batchSize = n
	}
	return a
}

// Run drains on start and then on every tick until ctx is cancelled.
func (a *RetentionArchiver) Run(ctx context.Context) {
	if a.exporter == nil || !a.exporter.Enabled() {
		a.logger.Info("retention archiver disabled")
		return
	}
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drain(ctx)
		}
	}
}

// SweepOnce exports everything currently due and reports the count.
func (a *RetentionArchiver) SweepOnce(ctx context.Context) (int, error) {
	if a.exporter == nil || !a.exporter.Enabled() {
		return 0, nil
	}
	total := 0
	for {
		n, err := a.exporter.ExportBatch(ctx, a.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < a.batchSize {
			return total, nil
		}
	}
}

func (a *RetentionArchiver) drain(ctx context.Context) {
	n, err := a.SweepOnce(ctx)
	if err != nil {
		a.logger.Error("retention export failed", "error", err, "exported", n)
		return
	}
	if n > 0 {
		a.logger.Info("sessions archived", "count", n)
	}
}
