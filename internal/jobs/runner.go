// Package jobs owns the ingestion job state machine: PENDING -> PROCESSING
// -> exactly one terminal state, never backwards.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dfarias/inspectflow/internal/cache"
	"github.com/dfarias/inspectflow/internal/store"
	"github.com/dfarias/inspectflow/pkg/models"
)

// jobStatusTTL keeps terminal job statuses readable from the cache for a
// while after completion, for cheap polling.
const jobStatusTTL = 24 * time.Hour

// ErrQuotaExceeded marks jobs refused by the daily extraction budget.
var ErrQuotaExceeded = errors.New("daily extraction quota exceeded")

// ProcessResult is what a file processor hands back to the runner.
type ProcessResult struct {
	// Skipped is set when the file was recognized as a duplicate and no
	// extraction ran.
	Skipped bool
	Payload json.RawMessage
}

// Processor executes the actual file pipeline for a job. Implemented by the
// ingest package; injected here to keep the state machine free of pipeline
// details.
type Processor interface {
	ProcessFile(ctx context.Context, jobID uuid.UUID, payload models.JobPayload) (*ProcessResult, error)
}

// Runner drives jobs from intake to terminal state.
type Runner struct {
	store      store.Store
	cache      cache.Cache
	processor  Processor
	dailyQuota int
	log        *slog.Logger
	now        func() time.Time
}

// NewRunner creates a job runner. dailyQuota of 0 disables the guardrail.
func NewRunner(st store.Store, ca cache.Cache, proc Processor, dailyQuota int, log *slog.Logger) *Runner {
	return &Runner{
		store:      st,
		cache:      ca,
		processor:  proc,
		dailyQuota: dailyQuota,
		log:        log,
		now:        time.Now,
	}
}

// Enqueue creates a PENDING job for the given payload.
func (r *Runner) Enqueue(ctx context.Context, companyID *uuid.UUID, jobType models.JobType, payload models.JobPayload) (*models.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	job := &models.Job{
		CompanyID:    companyID,
		Type:         jobType,
		Status:       models.JobStatusPending,
		InputPayload: raw,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	if err := r.cache.SetJobStatus(ctx, job.ID, job.Status, jobStatusTTL); err != nil {
		r.log.Warn("failed to cache job status", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// Execute runs one job to a terminal state. Re-executing a job that already
// finished is a no-op, which makes webhook redeliveries harmless.
func (r *Runner) Execute(ctx context.Context, jobID uuid.UUID) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if models.JobTerminal(job.Status) {
		r.log.Info("job already terminal, skipping", "job_id", jobID, "status", job.Status)
		return nil
	}

	var payload models.JobPayload
	if len(job.InputPayload) > 0 {
		if err := json.Unmarshal(job.InputPayload, &payload); err != nil {
			return r.finish(ctx, jobID, models.JobStatusFailed, r.now(), 0,
				store.WithErrorMessage(fmt.Sprintf("invalid payload: %v", err)))
		}
	}

	// Guardrail: refuse extraction work past the daily budget. The counter
	// outlives the day boundary slightly so a restart cannot reset it.
	if r.dailyQuota > 0 && job.Type != models.JobTypeTest {
		day := r.now().UTC().Format("2006-01-02")
		count, err := r.cache.IncrWithExpiry(ctx, cache.DailyQuotaKey(day), 36*time.Hour)
		if err != nil {
			r.log.Warn("quota counter unavailable, proceeding", "job_id", jobID, "error", err)
		} else if count > int64(r.dailyQuota) {
			r.log.Warn("daily quota exceeded, failing job", "job_id", jobID, "count", count)
			if err := r.finish(ctx, jobID, models.JobStatusFailed, r.now(), 0,
				store.WithErrorMessage(ErrQuotaExceeded.Error())); err != nil {
				return err
			}
			return ErrQuotaExceeded
		}
	}

	if err := r.transition(ctx, jobID, models.JobStatusProcessing); err != nil {
		return err
	}

	if payload.DelaySeconds > 0 {
		select {
		case <-time.After(time.Duration(payload.DelaySeconds) * time.Second):
		case <-ctx.Done():
			return r.finish(ctx, jobID, models.JobStatusFailed, r.now(), 0,
				store.WithErrorMessage("canceled while waiting"), store.WithAttemptIncrement())
		}
	}

	start := r.now()
	result, procErr := r.dispatchSafe(ctx, job, payload)
	elapsed := r.now().Sub(start).Seconds()

	if procErr != nil {
		r.log.Error("job failed", "job_id", jobID, "type", job.Type, "error", procErr)
		if err := r.finish(ctx, jobID, models.JobStatusFailed, r.now(), elapsed,
			store.WithErrorMessage(procErr.Error()), store.WithAttemptIncrement()); err != nil {
			return err
		}
		return procErr
	}

	status := models.JobStatusCompleted
	if result.Skipped {
		status = models.JobStatusSkipped
	}
	opts := []store.JobUpdateOption{}
	if len(result.Payload) > 0 {
		opts = append(opts, store.WithResultPayload(result.Payload))
	}
	r.log.Info("job finished", "job_id", jobID, "type", job.Type, "status", status, "seconds", elapsed)
	return r.finish(ctx, jobID, status, r.now(), elapsed, opts...)
}

// dispatchSafe converts a panicking handler into a plain error so the job
// still lands in FAILED instead of sticking in PROCESSING. Malformed input
// documents can crash deep inside a parser.
func (r *Runner) dispatchSafe(ctx context.Context, job *models.Job, payload models.JobPayload) (result *ProcessResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("job handler panicked", "job_id", job.ID, "type", job.Type, "panic", rec)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.dispatch(ctx, job, payload)
}

// dispatch routes a job to its handler. The type set is closed on purpose:
// an unknown type is a bug, not an extension point.
func (r *Runner) dispatch(ctx context.Context, job *models.Job, payload models.JobPayload) (*ProcessResult, error) {
	switch job.Type {
	case models.JobTypeTest:
		return &ProcessResult{Payload: json.RawMessage(`{"ok":true}`)}, nil
	case models.JobTypeUploadProcess, models.JobTypeWebhookProcess:
		if payload.FileID == "" {
			return nil, fmt.Errorf("job payload has no file id")
		}
		return r.processor.ProcessFile(ctx, job.ID, payload)
	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (r *Runner) transition(ctx context.Context, jobID uuid.UUID, status string) error {
	if err := r.store.UpdateJobStatus(ctx, jobID, status); err != nil {
		return err
	}
	if err := r.cache.SetJobStatus(ctx, jobID, status, jobStatusTTL); err != nil {
		r.log.Warn("failed to cache job status", "job_id", jobID, "error", err)
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, jobID uuid.UUID, status string, finishedAt time.Time, seconds float64, opts ...store.JobUpdateOption) error {
	opts = append(opts, store.WithExecution(seconds, finishedAt))
	if err := r.store.UpdateJobStatus(ctx, jobID, status, opts...); err != nil {
		// A concurrent finisher won the race; the job is already terminal.
		if errors.Is(err, store.ErrTerminalState) {
			return nil
		}
		return err
	}
	if err := r.cache.SetJobStatus(ctx, jobID, status, jobStatusTTL); err != nil {
		r.log.Warn("failed to cache job status", "job_id", jobID, "error", err)
	}
	return nil
}
