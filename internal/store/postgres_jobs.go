package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dfarias/inspectflow/pkg/models"
)

const jobCols = `id, company_id, type, status, attempts, input_payload, result_payload, error_log,
	cost_tokens_input, cost_tokens_output, cost_input_usd, cost_output_usd, cost_input_brl, cost_output_brl,
	execution_seconds, created_at, finished_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.CompanyID, &j.Type, &j.Status, &j.Attempts,
		&j.InputPayload, &j.ResultPayload, &j.ErrorLog,
		&j.CostTokensInput, &j.CostTokensOutput, &j.CostInputUSD, &j.CostOutputUSD,
		&j.CostInputBRL, &j.CostOutputBRL,
		&j.ExecutionSeconds, &j.CreatedAt, &j.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, company_id, type, status, input_payload)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		job.ID, job.CompanyID, job.Type, job.Status, job.InputPayload,
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, err
}

func (s *PostgresStore) ListRecentJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobCols+` FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus moves a job to a new status. Terminal jobs are immutable:
// an update against a job that already finished returns ErrTerminalState
// without touching the row.
func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	var p jobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
			status = $2,
			error_log = COALESCE($3, error_log),
			result_payload = COALESCE($4, result_payload),
			attempts = attempts + CASE WHEN $5 THEN 1 ELSE 0 END,
			execution_seconds = COALESCE($6, execution_seconds),
			finished_at = COALESCE($7, finished_at)
		 WHERE id = $1
		   AND status NOT IN ('COMPLETED', 'FAILED', 'SKIPPED', 'CANCELED')`,
		id, status, p.ErrorMessage, p.ResultPayload, p.IncrementAttempt,
		p.ExecutionSeconds, p.FinishedAt)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing job from one that already reached a
		// terminal state.
		var existing string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		return ErrTerminalState
	}
	return nil
}

func (s *PostgresStore) SetJobUsage(ctx context.Context, id uuid.UUID, usage JobUsage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
			cost_tokens_input = $2,
			cost_tokens_output = $3,
			cost_input_usd = $4,
			cost_output_usd = $5,
			cost_input_brl = $6,
			cost_output_brl = $7
		 WHERE id = $1`,
		id, usage.TokensInput, usage.TokensOutput,
		usage.InputUSD, usage.OutputUSD, usage.InputBRL, usage.OutputBRL)
	if err != nil {
		return fmt.Errorf("set job usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailStaleJobs marks jobs stuck in PROCESSING since before cutoff as FAILED.
// Returns the number of jobs swept.
func (s *PostgresStore) FailStaleJobs(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'FAILED', error_log = $2, finished_at = NOW()
		 WHERE status = 'PROCESSING' AND created_at < $1`,
		cutoff, reason)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
