package watch

import (
	"context"
)

// staleReason is written to the error log of every job the reaper kills.
const staleReason = "interrupted"

// ReapStale fails PROCESSING jobs and rejects PROCESSING inspections older
// than the stale timeout. Runs at the top of every sweep and on its own
// ticker, so a crash mid-pipeline can never wedge a file forever.
func (w *Watcher) ReapStale(ctx context.Context) (jobs, inspections int, err error) {
	cutoff := w.now().Add(-w.cfg.StaleTimeout)

	jobs, err = w.store.FailStaleJobs(ctx, cutoff, staleReason)
	if err != nil {
		return 0, 0, err
	}
	inspections, err = w.store.RejectStaleInspections(ctx, cutoff)
	if err != nil {
		return jobs, 0, err
	}
	if jobs > 0 || inspections > 0 {
		w.log.Warn("reaped stale work", "jobs", jobs, "inspections", inspections, "cutoff", cutoff)
	}
	return jobs, inspections, nil
}

// reapInto runs the reaper best-effort and folds the counts into a summary.
func (w *Watcher) reapInto(ctx context.Context, sum *SyncSummary) {
	jobs, inspections, err := w.ReapStale(ctx)
	if err != nil {
		w.log.Error("reaper failed", "error", err)
		return
	}
	sum.ReapedJobs = jobs
	sum.ReapedStale = inspections
}
