// Package monitoring summarizes report and failure activity and raises
// alerts when it drifts past configured limits.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mov-extract/internal/model"
	"github.com/sells-group/mov-extract/internal/resilience"
	"github.com/sells-group/mov-extract/internal/store"
)

const (
	pageSize     = 500
	failureLimit = 10000
)

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	// Reports updated within the lookback window.
	Reports      int                        `json:"reports"`
	ByStatus     map[model.ReviewStatus]int `json:"by_status"`
	AvgComplete  float64                    `json:"avg_completeness"`
	AvgConfident float64                    `json:"avg_confidence"`

	// Failures recorded within the lookback window.
	Failures          int     `json:"failures"`
	PermanentFailures int     `json:"permanent_failures"`
	FailureRate       float64 `json:"failure_rate"`

	// ReviewBacklog counts every report awaiting review, regardless of age.
	ReviewBacklog int `json:"review_backlog"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the report store.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a Collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Collect builds a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now()
	snap := &Snapshot{
		ByStatus:      make(map[model.ReviewStatus]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	var completeness, confidence float64
	filter := store.ListFilter{Limit: pageSize}
	for {
		page, err := c.store.List(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list reports")
		}
		for _, r := range page {
			if r.Status == model.StatusNeedsReview {
				snap.ReviewBacklog++
			}
			if r.UpdatedAt.Before(cutoff) {
				continue
			}
			snap.Reports++
			snap.ByStatus[r.Status]++
			completeness += r.Report.CompletenessScore
			confidence += r.Report.OverallConfidence
		}
		if len(page) < pageSize {
			break
		}
		filter.Offset += len(page)
	}
	if snap.Reports > 0 {
		snap.AvgComplete = completeness / float64(snap.Reports)
		snap.AvgConfident = confidence / float64(snap.Reports)
	}

	failures, err := c.store.ListFailures(ctx, resilience.DLQFilter{Limit: failureLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failures")
	}
	for _, f := range failures {
		if f.CreatedAt.Before(cutoff) {
			continue
		}
		snap.Failures++
		if !f.Retryable() {
			snap.PermanentFailures++
		}
	}
	if finished := snap.Reports + snap.Failures; finished > 0 {
		snap.FailureRate = float64(snap.Failures) / float64(finished)
	}

	return snap, nil
}
