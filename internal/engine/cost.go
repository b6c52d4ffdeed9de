package engine

import (
	"context"
	"math"

	"github.com/glyphware/grimoire/internal/store"
	"github.com/glyphware/grimoire/pkg/schema"
)

// CostAggregator maintains cast-level cost totals. Totals are always a full
// recompute over the cast's records rather than an increment, so a replayed
// continuation can never double-count a step.
type CostAggregator struct {
	store store.Store
}

func NewCostAggregator(s store.Store) *CostAggregator {
	return &CostAggregator{store: s}
}

// Recompute sums cost over the cast's completed records and persists the
// totals. Non-finite or negative per-record costs are treated as zero.
func (a *CostAggregator) Recompute(ctx context.Context, castID string) (float64, int64, error) {
	records, err := a.store.ListRecordsByCast(ctx, castID)
	if err != nil {
		return 0, 0, err
	}

	var totalUSD float64
	var totalPoints int64
	for _, rec := range records {
		if rec.Status != schema.RecordStatusCompleted {
			continue
		}
		if !math.IsNaN(rec.CostUSD) && !math.IsInf(rec.CostUSD, 0) && rec.CostUSD > 0 {
			totalUSD += rec.CostUSD
		}
		if rec.PointsSpent > 0 {
			totalPoints += rec.PointsSpent
		}
	}

	err = a.store.UpdateCast(ctx, castID, store.CastUpdate{
		TotalCostUSD:     &totalUSD,
		TotalPointsSpent: &totalPoints,
	})
	if err != nil {
		return 0, 0, err
	}
	return totalUSD, totalPoints, nil
}
