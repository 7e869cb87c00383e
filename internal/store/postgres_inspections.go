package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dfarias/inspectflow/pkg/models"
)

const inspectionCols = `id, drive_file_id, drive_web_link, file_hash, status, establishment_id,
	ai_raw_response, processing_logs, created_at, updated_at`

func scanInspection(row pgx.Row) (*models.Inspection, error) {
	var i models.Inspection
	err := row.Scan(&i.ID, &i.DriveFileID, &i.DriveWebLink, &i.FileHash, &i.Status,
		&i.EstablishmentID, &i.AIRawResponse, &i.ProcessingLogs, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) CreateInspection(ctx context.Context, insp *models.Inspection) error {
	if insp.ID == uuid.Nil {
		insp.ID = uuid.New()
	}
	if insp.Status == "" {
		insp.Status = models.InspectionStatusProcessing
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO inspections (id, drive_file_id, drive_web_link, file_hash, status, establishment_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at, updated_at`,
		insp.ID, insp.DriveFileID, insp.DriveWebLink, insp.FileHash, insp.Status, insp.EstablishmentID,
	).Scan(&insp.CreatedAt, &insp.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create inspection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInspectionByFileID(ctx context.Context, fileID string) (*models.Inspection, error) {
	i, err := scanInspection(s.pool.QueryRow(ctx,
		`SELECT `+inspectionCols+` FROM inspections WHERE drive_file_id = $1`, fileID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get inspection: %w", err)
	}
	return i, err
}

// ListKnownFileIDs returns every drive_file_id already seen, as a set. The
// change-feed watcher consults this once per batch instead of querying per
// change.
func (s *PostgresStore) ListKnownFileIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT drive_file_id FROM inspections`)
	if err != nil {
		return nil, fmt.Errorf("list known file ids: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan file id: %w", err)
		}
		known[id] = struct{}{}
	}
	return known, rows.Err()
}

// FindDuplicateByHash looks for another live inspection carrying the same
// content hash. When establishmentID is set the match is scoped to that
// establishment; excludeFileID keeps the row being processed out of its own
// duplicate check. REJECTED rows never count: a rejected document must not
// block re-ingestion of the same content.
func (s *PostgresStore) FindDuplicateByHash(ctx context.Context, establishmentID *uuid.UUID, hash, excludeFileID string) (*models.Inspection, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	var (
		i   *models.Inspection
		err error
	)
	if establishmentID != nil {
		i, err = scanInspection(s.pool.QueryRow(ctx,
			`SELECT `+inspectionCols+` FROM inspections
			 WHERE file_hash = $1 AND establishment_id = $2 AND drive_file_id <> $3
			   AND status <> 'REJECTED'
			 ORDER BY created_at LIMIT 1`,
			hash, establishmentID, excludeFileID))
	} else {
		i, err = scanInspection(s.pool.QueryRow(ctx,
			`SELECT `+inspectionCols+` FROM inspections
			 WHERE file_hash = $1 AND drive_file_id <> $2
			   AND status <> 'REJECTED'
			 ORDER BY created_at LIMIT 1`,
			hash, excludeFileID))
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find duplicate by hash: %w", err)
	}
	return i, err
}

func (s *PostgresStore) DeleteInspectionByFileID(ctx context.Context, fileID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM inspections WHERE drive_file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete inspection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendProcessingLog appends one trace entry to the inspection's processing
// log, creating a placeholder row first if the file has never been seen. A
// FAILED entry also flips the inspection to REJECTED so operators can spot
// broken files in the review queue.
func (s *PostgresStore) AppendProcessingLog(ctx context.Context, fileID string, entry models.TraceEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal trace entry: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE inspections
		 SET processing_logs = processing_logs || $2::jsonb,
		     status = CASE WHEN $3 = 'FAILED' THEN 'REJECTED' ELSE status END,
		     updated_at = NOW()
		 WHERE drive_file_id = $1`,
		fileID, raw, entry.Status)
	if err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	status := models.InspectionStatusProcessing
	if entry.Status == "FAILED" {
		status = models.InspectionStatusRejected
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO inspections (drive_file_id, status, processing_logs)
		 VALUES ($1, $2, jsonb_build_array($3::jsonb))
		 ON CONFLICT (drive_file_id) DO UPDATE
		 SET processing_logs = inspections.processing_logs || EXCLUDED.processing_logs,
		     updated_at = NOW()`,
		fileID, status, raw)
	if err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetInspectionStatus(ctx context.Context, fileID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inspections SET status = $2, updated_at = NOW() WHERE drive_file_id = $1`,
		fileID, status)
	if err != nil {
		return fmt.Errorf("set inspection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RejectStaleInspections sweeps inspections stuck in PROCESSING since before
// cutoff into REJECTED. Returns the number of rows swept. The staleness
// clock is created_at: trace appends bump updated_at, so a crashed pipeline
// would otherwise keep resetting its own timeout.
func (s *PostgresStore) RejectStaleInspections(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inspections SET status = 'REJECTED', updated_at = NOW()
		 WHERE status = 'PROCESSING' AND created_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("reject stale inspections: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveExtraction persists the whole result of a successful extraction in one
// transaction: the inspection row keyed by drive_file_id, its action plan,
// and a full item rewrite. Re-processing the same file replaces the previous
// plan items rather than duplicating them.
func (s *PostgresStore) SaveExtraction(ctx context.Context, params SaveExtractionParams) (*models.Inspection, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin save extraction: %w", err)
	}
	defer tx.Rollback(ctx)

	insp, err := scanInspection(tx.QueryRow(ctx,
		`INSERT INTO inspections (drive_file_id, drive_web_link, file_hash, status, establishment_id, ai_raw_response)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (drive_file_id) DO UPDATE SET
			drive_web_link = COALESCE(EXCLUDED.drive_web_link, inspections.drive_web_link),
			file_hash = EXCLUDED.file_hash,
			status = EXCLUDED.status,
			establishment_id = COALESCE(EXCLUDED.establishment_id, inspections.establishment_id),
			ai_raw_response = EXCLUDED.ai_raw_response,
			updated_at = NOW()
		 RETURNING `+inspectionCols,
		params.FileID, params.WebLink, params.FileHash, params.Status,
		params.EstablishmentID, params.RawResponse))
	if err != nil {
		return nil, fmt.Errorf("upsert inspection: %w", err)
	}

	var planID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO action_plans (inspection_id, summary_text, strengths, stats_json, pdf_link)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (inspection_id) DO UPDATE SET
			summary_text = EXCLUDED.summary_text,
			strengths = EXCLUDED.strengths,
			stats_json = EXCLUDED.stats_json,
			pdf_link = COALESCE(EXCLUDED.pdf_link, action_plans.pdf_link),
			updated_at = NOW()
		 RETURNING id`,
		insp.ID, params.SummaryText, params.Strengths, params.StatsJSON, params.PDFLink,
	).Scan(&planID)
	if err != nil {
		return nil, fmt.Errorf("upsert action plan: %w", err)
	}

	// Old items go away wholesale; the new extraction is authoritative.
	if _, err := tx.Exec(ctx,
		`DELETE FROM action_plan_items WHERE action_plan_id = $1`, planID); err != nil {
		return nil, fmt.Errorf("clear plan items: %w", err)
	}

	for _, item := range params.Items {
		_, err := tx.Exec(ctx,
			`INSERT INTO action_plan_items (
				action_plan_id, order_index, problem_description, corrective_action,
				legal_basis, severity, status, sector, original_score, original_status,
				deadline_text, deadline_date, ai_suggested_deadline)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			planID, item.OrderIndex, item.ProblemDescription, item.CorrectiveAction,
			item.LegalBasis, item.Severity, item.Status, item.Sector,
			item.OriginalScore, item.OriginalStatus,
			item.DeadlineText, item.DeadlineDate, item.AISuggestedDeadline)
		if err != nil {
			return nil, fmt.Errorf("insert plan item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit save extraction: %w", err)
	}
	return insp, nil
}

// GetInspectionWithPlan loads an inspection together with its establishment,
// plan and items. Items come back ordered by order_index with id as the
// tie-break, which is the order the reconciliation engine depends on.
func (s *PostgresStore) GetInspectionWithPlan(ctx context.Context, fileID string) (*InspectionBundle, error) {
	insp, err := s.GetInspectionByFileID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	bundle := &InspectionBundle{Inspection: *insp}

	if insp.EstablishmentID != nil {
		est, err := s.GetEstablishment(ctx, *insp.EstablishmentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		bundle.Establishment = est
	}

	var plan models.ActionPlan
	err = s.pool.QueryRow(ctx,
		`SELECT id, inspection_id, summary_text, strengths, stats_json, pdf_link, created_at, updated_at
		 FROM action_plans WHERE inspection_id = $1`, insp.ID,
	).Scan(&plan.ID, &plan.InspectionID, &plan.SummaryText, &plan.Strengths,
		&plan.StatsJSON, &plan.PDFLink, &plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return bundle, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get action plan: %w", err)
	}
	bundle.Plan = &plan

	rows, err := s.pool.Query(ctx,
		`SELECT id, action_plan_id, order_index, problem_description, corrective_action,
			legal_basis, severity, status, sector, original_score, original_status,
			current_status, manager_notes, evidence_url,
			deadline_text, deadline_date, ai_suggested_deadline, created_at
		 FROM action_plan_items
		 WHERE action_plan_id = $1
		 ORDER BY order_index NULLS LAST, id`, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("list plan items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it models.ActionPlanItem
		if err := rows.Scan(&it.ID, &it.ActionPlanID, &it.OrderIndex, &it.ProblemDescription,
			&it.CorrectiveAction, &it.LegalBasis, &it.Severity, &it.Status, &it.Sector,
			&it.OriginalScore, &it.OriginalStatus,
			&it.CurrentStatus, &it.ManagerNotes, &it.EvidenceURL,
			&it.DeadlineText, &it.DeadlineDate, &it.AISuggestedDeadline, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan plan item: %w", err)
		}
		bundle.Items = append(bundle.Items, it)
	}
	return bundle, rows.Err()
}
