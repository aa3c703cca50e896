package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/livingledger/backend/internal/services"
)

// Sweeper runs one auto-release pass.
type Sweeper interface {
	Sweep(ctx context.Context, batchSize int) (services.SweepResult, error)
}

type AutoReleaseWorker struct {
	river.WorkerDefaults[AutoReleaseArgs]
	sweeper Sweeper
	log     *slog.Logger
}

func NewAutoReleaseWorker(s Sweeper, log *slog.Logger) *AutoReleaseWorker {
	if log == nil {
		log = slog.Default()
	}
	return &AutoReleaseWorker{sweeper: s, log: log}
}

func (w *AutoReleaseWorker) Timeout(*river.Job[AutoReleaseArgs]) time.Duration {
	return 10 * time.Minute
}

// Work fails only when the candidate query fails; per-escrow failures are
// counted in the result and retried by the next scheduled run.
func (w *AutoReleaseWorker) Work(ctx context.Context, job *river.Job[AutoReleaseArgs]) error {
	res, err := w.sweeper.Sweep(ctx, job.Args.BatchSize)
	if err != nil {
		return fmt.Errorf("auto-release sweep: %w", err)
	}
	if res.Failed > 0 {
		w.log.Warn("auto-release sweep had failures", "failed", res.Failed, "released", res.Released, "total", res.Total)
	}
	return nil
}
