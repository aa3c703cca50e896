package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/livingledger/backend/internal/repository"
)

const defaultSweepBatch = 500

// SweepResult counts one auto-release run. Skipped escrows were no longer
// eligible when locked, usually because a manual release got there first.
type SweepResult struct {
	Released int `json:"released"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Total    int `json:"total"`
}

// Sweep releases every escrow both parties confirmed whose safety window has
// elapsed, paging through candidates batchSize at a time. Each escrow settles
// in its own transaction; one failure is logged and counted without stopping
// the rest.
func (s *EscrowService) Sweep(ctx context.Context, batchSize int) (SweepResult, error) {
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	var res SweepResult
	now := s.now()
	var after *repository.SweepCursor
	for {
		page, err := s.Escrows.ListAutoReleaseCandidates(ctx, now, after, batchSize)
		if err != nil {
			return res, fmt.Errorf("list auto-release candidates: %w", err)
		}
		res.Total += len(page)
		for _, c := range page {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			s.sweepOne(ctx, c.ID, &res)
		}
		if len(page) < batchSize {
			break
		}
		// Keyset paging: rows that failed stay eligible but are behind the cursor.
		after = &page[len(page)-1]
	}
	if s.Metrics != nil {
		s.Metrics.AutoReleaseRuns.Inc()
	}
	s.log().Info("auto-release sweep finished", "released", res.Released, "failed", res.Failed, "skipped", res.Skipped, "total", res.Total)
	return res, nil
}

func (s *EscrowService) sweepOne(ctx context.Context, id uuid.UUID, res *SweepResult) {
	_, err := s.AutoRelease(ctx, id)
	switch {
	case err == nil:
		res.Released++
		s.countSweep("released")
	case KindOf(err) == KindPrecondition || KindOf(err) == KindNotReady || errors.Is(err, ErrConcurrentUpdate):
		res.Skipped++
		s.countSweep("skipped")
		s.log().Info("auto-release skipped", "escrow_id", id, "reason", err)
	default:
		res.Failed++
		s.countSweep("failed")
		s.log().Error("auto-release failed", "escrow_id", id, "error", err)
	}
}

func (s *EscrowService) countSweep(result string) {
	if s.Metrics != nil {
		s.Metrics.AutoReleaseItems.WithLabelValues(result).Inc()
	}
}
