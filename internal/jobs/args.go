package jobs

import (
	"context"
	"time"

	"github.com/riverqueue/river"

	"github.com/livingledger/backend/internal/services"
)

// AutoReleaseArgs triggers one auto-release sweep.
type AutoReleaseArgs struct {
	BatchSize int `json:"batch_size,omitempty"`
}

func (AutoReleaseArgs) Kind() string { return "escrow_auto_release" }

// Sweeps must not pile up if one runs long.
func (AutoReleaseArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 1,
		UniqueOpts:  river.UniqueOpts{ByPeriod: time.Minute},
	}
}

// NotifyArgs delivers one notification after the escrow change committed.
type NotifyArgs struct {
	Notification services.Notification `json:"notification"`
}

func (NotifyArgs) Kind() string { return "send_notification" }

func (NotifyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// InsertFunc enqueues a job. Provided by main as a closure over river.Client.Insert.
type InsertFunc func(ctx context.Context, args river.JobArgs) error

// PeriodicAutoRelease schedules the sweep every interval.
func PeriodicAutoRelease(interval time.Duration, batchSize int, runOnStart bool) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return AutoReleaseArgs{BatchSize: batchSize}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: runOnStart},
	)
}
