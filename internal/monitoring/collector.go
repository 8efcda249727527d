package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/store"
)

// Snapshot is a point-in-time view of recent runs.
type Snapshot struct {
	RunsTotal       int                     `json:"runs_total"`
	RunsByStatus    map[model.RunStatus]int `json:"runs_by_status"`
	FailRate        float64                 `json:"fail_rate"`
	LastRunID       string                  `json:"last_run_id,omitempty"`
	LastRunStatus   model.RunStatus         `json:"last_run_status,omitempty"`
	LastRunFailures map[string]int          `json:"last_run_failures,omitempty"`
	CollectedAt     time.Time               `json:"collected_at"`
}

// RunReader is the slice of the store the collector needs.
type RunReader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListUnitFailures(ctx context.Context, runID string) ([]model.UnitFailure, error)
}

// Collector summarizes recent runs from the store.
type Collector struct {
	store  RunReader
	recent int
}

// NewCollector creates a collector over the most recent runs.
func NewCollector(st RunReader, recent int) *Collector {
	if recent <= 0 {
		recent = 50
	}
	return &Collector{store: st, recent: recent}
}

// Collect gathers a snapshot of the most recent runs.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		RunsByStatus: map[model.RunStatus]int{},
		CollectedAt:  time.Now().UTC(),
	}

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: c.recent})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	snap.RunsTotal = len(runs)
	for _, r := range runs {
		snap.RunsByStatus[r.Status]++
	}
	finished := snap.RunsByStatus[model.RunStatusSuccess] + snap.RunsByStatus[model.RunStatusFailed]
	if finished > 0 {
		snap.FailRate = float64(snap.RunsByStatus[model.RunStatusFailed]) / float64(finished)
	}

	// ListRuns is newest first.
	if len(runs) > 0 {
		last := runs[0]
		snap.LastRunID = last.ID
		snap.LastRunStatus = last.Status
		failures, err := c.store.ListUnitFailures(ctx, last.ID)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list unit failures")
		}
		snap.LastRunFailures = map[string]int{}
		for _, f := range failures {
			snap.LastRunFailures[f.ErrorKind]++
		}
	}
	return snap, nil
}
