// Package ingest runs the document pipeline for a single file: fetch,
// fingerprint, dedup, extract, persist, archive. Every stage leaves a trace
// entry on the inspection so a stuck or rejected document explains itself.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dfarias/inspectflow/internal/cache"
	"github.com/dfarias/inspectflow/internal/config"
	"github.com/dfarias/inspectflow/internal/drive"
	"github.com/dfarias/inspectflow/internal/extract"
	"github.com/dfarias/inspectflow/internal/jobs"
	"github.com/dfarias/inspectflow/internal/notify"
	"github.com/dfarias/inspectflow/internal/reconcile"
	"github.com/dfarias/inspectflow/internal/store"
	"github.com/dfarias/inspectflow/pkg/models"
)

// Pipeline stage labels recorded in the processing log.
const (
	StageFetch   = "FETCH"
	StageDedup   = "DEDUP"
	StageParse   = "TEXT_EXTRACTION"
	StageExtract = "AI_EXTRACTION"
	StageRoute   = "ROUTING"
	StagePersist = "PERSIST"
	StageArchive = "ARCHIVE"
)

const (
	traceSuccess = "SUCCESS"
	traceSkipped = "SKIPPED"
	traceFailed  = "FAILED"
	// traceWarning marks a best-effort stage that failed after the
	// extraction was committed. Unlike FAILED it never flips the
	// inspection to REJECTED.
	traceWarning = "WARNING"
)

// SourceUpload marks payloads whose bytes were staged by the upload endpoint
// instead of living in the remote store.
const SourceUpload = "upload"

// Processor implements jobs.Processor. One instance is shared by all jobs.
type Processor struct {
	store     store.Store
	cache     cache.Cache
	drive     drive.Client
	extractor models.Extractor
	pricing   *extract.Pricing
	notifier  notify.Publisher
	folders   config.PipelineConfig
	log       *slog.Logger
}

// NewProcessor wires the pipeline dependencies.
func NewProcessor(st store.Store, ca cache.Cache, dc drive.Client, ex models.Extractor, pr *extract.Pricing, n notify.Publisher, folders config.PipelineConfig, log *slog.Logger) *Processor {
	return &Processor{
		store:     st,
		cache:     ca,
		drive:     dc,
		extractor: ex,
		pricing:   pr,
		notifier:  n,
		folders:   folders,
		log:       log,
	}
}

var _ jobs.Processor = (*Processor)(nil)

type skipResult struct {
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	ExistingFileID string `json:"existing_file_id"`
	ExistingID     string `json:"existing_id"`
}

type completedResult struct {
	Status          string `json:"status"`
	InspectionID    string `json:"inspection_id"`
	EstablishmentID string `json:"establishment_id,omitempty"`
	FileHash        string `json:"file_hash"`
	Items           int    `json:"items"`
}

type planStats struct {
	TotalItems        int     `json:"total_items"`
	NonCompliant      int     `json:"non_compliant"`
	OverallScore      float64 `json:"overall_score"`
	OverallMaxScore   float64 `json:"overall_max_score"`
	OverallPercentage float64 `json:"overall_percentage"`
}

// ProcessFile runs the whole pipeline for one file and reports the outcome
// to the job runner. On failure the file is routed to the error folder and
// the error is returned so the job lands in FAILED.
func (p *Processor) ProcessFile(ctx context.Context, jobID uuid.UUID, payload models.JobPayload) (*jobs.ProcessResult, error) {
	fileID := payload.FileID
	log := p.log.With("job_id", jobID, "file_id", fileID)

	content, webLink, err := p.fetch(ctx, payload)
	if err != nil {
		return nil, p.fail(ctx, fileID, StageFetch, err)
	}
	p.trace(ctx, fileID, StageFetch, traceSuccess, fmt.Sprintf("fetched %d bytes", len(content)))

	hash := Fingerprint(content)

	scopeID, err := parseEstablishmentID(payload.EstablishmentID)
	if err != nil {
		return nil, p.fail(ctx, fileID, StageDedup, err)
	}
	existing, err := p.store.FindDuplicateByHash(ctx, scopeID, hash, fileID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, p.fail(ctx, fileID, StageDedup, fmt.Errorf("duplicate lookup: %w", err))
	}
	if existing != nil {
		return p.skipDuplicate(ctx, payload, existing, log)
	}
	p.trace(ctx, fileID, StageDedup, traceSuccess, "no duplicate found")

	text, err := extract.DocumentText(payload.Filename, content)
	if err != nil {
		return nil, p.fail(ctx, fileID, StageParse, err)
	}
	p.trace(ctx, fileID, StageParse, traceSuccess, fmt.Sprintf("extracted %d chars", len(text)))

	extraction, err := p.extractor.Extract(ctx, text)
	if err != nil {
		return nil, p.fail(ctx, fileID, StageExtract, err)
	}
	p.trace(ctx, fileID, StageExtract, traceSuccess,
		fmt.Sprintf("provider %s, %d prompt / %d completion tokens",
			p.extractor.Name(), extraction.Usage.PromptTokens, extraction.Usage.CompletionTokens))

	p.recordUsage(ctx, jobID, extraction.Usage, log)

	est, err := p.resolveEstablishment(ctx, payload, extraction.Report.EstablishmentName)
	if err != nil {
		return nil, p.fail(ctx, fileID, StagePersist, err)
	}

	items := mapPlanItems(&extraction.Report)
	stats := mustJSON(buildStats(&extraction.Report, items))

	params := store.SaveExtractionParams{
		FileID:      fileID,
		WebLink:     webLink,
		FileHash:    hash,
		Status:      models.InspectionStatusPendingReview,
		RawResponse: extraction.RawJSON,
		SummaryText: extraction.Report.OverallSummary,
		Strengths:   extraction.Report.Strengths,
		StatsJSON:   stats,
		Items:       items,
	}
	if est != nil {
		params.EstablishmentID = &est.ID
	}

	insp, err := p.store.SaveExtraction(ctx, params)
	if err != nil {
		return nil, p.fail(ctx, fileID, StagePersist, err)
	}
	p.trace(ctx, fileID, StagePersist, traceSuccess, fmt.Sprintf("saved plan with %d items", len(items)))

	p.archive(ctx, payload, p.folders.FolderBackup)

	result := completedResult{
		Status:       "completed",
		InspectionID: insp.ID.String(),
		FileHash:     hash,
		Items:        len(items),
	}
	if est != nil {
		result.EstablishmentID = est.ID.String()
	}
	p.notifier.Publish(notify.Event{
		Kind:    notify.KindInspectionProcessed,
		FileID:  fileID,
		Message: fmt.Sprintf("inspection %s processed with %d findings", insp.ID, len(items)),
	})
	log.Info("file processed", "inspection_id", insp.ID, "items", len(items))
	return &jobs.ProcessResult{Payload: mustJSON(result)}, nil
}

// fetch returns the document bytes and, for remote files, the web link.
// Uploads read their staged bytes from the cache; everything else downloads
// from the remote store.
func (p *Processor) fetch(ctx context.Context, payload models.JobPayload) ([]byte, *string, error) {
	if payload.Source == SourceUpload {
		content, ok, err := p.cache.Get(ctx, cache.UploadContentKey(payload.FileID))
		if err != nil {
			return nil, nil, fmt.Errorf("load staged upload: %w", err)
		}
		if !ok {
			return nil, nil, fmt.Errorf("staged upload %s expired or missing", payload.FileID)
		}
		return content, nil, nil
	}

	content, err := p.drive.Download(ctx, payload.FileID)
	if err != nil {
		return nil, nil, fmt.Errorf("download: %w", err)
	}

	var webLink *string
	if meta, err := p.drive.GetFile(ctx, payload.FileID); err == nil && meta.WebViewLink != "" {
		webLink = &meta.WebViewLink
	}
	return content, webLink, nil
}

func (p *Processor) skipDuplicate(ctx context.Context, payload models.JobPayload, existing *models.Inspection, log *slog.Logger) (*jobs.ProcessResult, error) {
	fileID := payload.FileID
	p.trace(ctx, fileID, StageDedup, traceSkipped,
		fmt.Sprintf("duplicate of %s", existing.DriveFileID))

	// The placeholder row for this file id is noise once the content is
	// known to be a copy.
	if err := p.store.DeleteInspectionByFileID(ctx, fileID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("failed to remove duplicate placeholder", "error", err)
	}

	p.archive(ctx, payload, p.folders.FolderBackup)
	p.notifier.Publish(notify.Event{
		Kind:    notify.KindInspectionSkipped,
		FileID:  fileID,
		Message: fmt.Sprintf("duplicate of %s", existing.DriveFileID),
	})
	log.Info("duplicate file skipped", "existing_file_id", existing.DriveFileID)

	return &jobs.ProcessResult{
		Skipped: true,
		Payload: mustJSON(skipResult{
			Status:         "skipped",
			Reason:         "duplicate",
			ExistingFileID: existing.DriveFileID,
			ExistingID:     existing.ID.String(),
		}),
	}, nil
}

// fail records the failing stage, routes the file to the error folder, and
// wraps the error for the job runner. The trace write also flips the
// inspection to REJECTED.
func (p *Processor) fail(ctx context.Context, fileID, stage string, err error) error {
	p.trace(ctx, fileID, stage, traceFailed, err.Error())
	if p.folders.FolderError != "" && p.folders.FolderIn != "" {
		if moveErr := p.drive.Move(ctx, fileID, p.folders.FolderIn, p.folders.FolderError); moveErr != nil {
			p.log.Warn("failed to move file to error folder", "file_id", fileID, "error", moveErr)
		}
	}
	p.notifier.Publish(notify.Event{
		Kind:    notify.KindInspectionFailed,
		FileID:  fileID,
		Message: fmt.Sprintf("%s failed: %v", stage, err),
	})
	return fmt.Errorf("%s: %w", stage, err)
}

// archive moves a remote file out of the incoming folder. Best effort: a
// failed move means the file is seen again on the next sweep and skipped as
// a duplicate there.
func (p *Processor) archive(ctx context.Context, payload models.JobPayload, toFolder string) {
	if payload.Source == SourceUpload {
		// Uploads only ever lived in the cache; drop the staged bytes.
		if err := p.cache.Delete(ctx, cache.UploadContentKey(payload.FileID)); err != nil {
			p.log.Warn("failed to drop staged upload", "file_id", payload.FileID, "error", err)
		}
		return
	}
	if toFolder == "" || p.folders.FolderIn == "" {
		return
	}
	if err := p.drive.Move(ctx, payload.FileID, p.folders.FolderIn, toFolder); err != nil {
		p.trace(ctx, payload.FileID, StageArchive, traceWarning, err.Error())
		p.log.Warn("failed to archive file", "file_id", payload.FileID, "error", err)
		return
	}
	p.trace(ctx, payload.FileID, StageArchive, traceSuccess, "moved to backup folder")
}

// resolveEstablishment prefers the id pinned on the payload; otherwise it
// looks up the name the extraction declared, registering it under the
// default company on first sight.
func (p *Processor) resolveEstablishment(ctx context.Context, payload models.JobPayload, declaredName string) (*models.Establishment, error) {
	if payload.EstablishmentID != "" {
		id, err := uuid.Parse(payload.EstablishmentID)
		if err != nil {
			return nil, fmt.Errorf("invalid establishment id %q: %w", payload.EstablishmentID, err)
		}
		est, err := p.store.GetEstablishment(ctx, id)
		if err != nil {
			return nil, err
		}
		if declared := NormalizeName(declaredName); declared != "" && declared != est.NormalizedName {
			return p.correctMisroute(ctx, payload, est, declaredName)
		}
		return est, nil
	}

	normalized := NormalizeName(declaredName)
	if normalized == "" {
		return nil, nil
	}

	est, err := p.store.GetEstablishmentByNormalizedName(ctx, normalized)
	if err == nil {
		return est, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("establishment lookup: %w", err)
	}

	company, err := p.store.GetDefaultCompany(ctx)
	if err != nil {
		return nil, fmt.Errorf("default company: %w", err)
	}
	est = &models.Establishment{
		ID:             uuid.New(),
		CompanyID:      &company.ID,
		Name:           declaredName,
		NormalizedName: normalized,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.store.CreateEstablishment(ctx, est); err != nil {
		// A concurrent job registered the same name first.
		if errors.Is(err, store.ErrDuplicateKey) {
			return p.store.GetEstablishmentByNormalizedName(ctx, normalized)
		}
		return nil, fmt.Errorf("register establishment: %w", err)
	}
	p.log.Info("registered new establishment", "name", declaredName, "id", est.ID)
	return est, nil
}

// correctMisroute handles a document filed under one establishment's folder
// while declaring a different establishment by name. The declared name wins
// when it resolves: the file moves to that establishment's canonical folder
// and ingestion continues under it. An unresolvable declared name keeps the
// folder's establishment. Either way the mismatch is flagged for a human.
func (p *Processor) correctMisroute(ctx context.Context, payload models.JobPayload, filed *models.Establishment, declaredName string) (*models.Establishment, error) {
	p.notifier.Publish(notify.Event{
		Kind:   notify.KindFileMisrouted,
		FileID: payload.FileID,
		Message: fmt.Sprintf("document declares %q but was filed under %q",
			declaredName, filed.Name),
	})
	p.log.Warn("establishment mismatch",
		"file_id", payload.FileID, "declared", declaredName, "folder_establishment", filed.Name)

	declared, err := p.store.GetEstablishmentByNormalizedName(ctx, NormalizeName(declaredName))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return filed, nil
		}
		return nil, fmt.Errorf("declared establishment lookup: %w", err)
	}

	if payload.Source != SourceUpload && declared.DriveFolderID != "" && filed.DriveFolderID != "" {
		if err := p.drive.Move(ctx, payload.FileID, filed.DriveFolderID, declared.DriveFolderID); err != nil {
			p.log.Warn("failed to relocate misrouted file",
				"file_id", payload.FileID, "to_folder", declared.DriveFolderID, "error", err)
			return filed, nil
		}
		p.trace(ctx, payload.FileID, StageRoute, traceSuccess,
			fmt.Sprintf("relocated to folder of %s", declared.Name))
	}
	return declared, nil
}

func (p *Processor) recordUsage(ctx context.Context, jobID uuid.UUID, usage models.Usage, log *slog.Logger) {
	cost := p.pricing.Cost(usage)
	err := p.store.SetJobUsage(ctx, jobID, store.JobUsage{
		TokensInput:  usage.PromptTokens,
		TokensOutput: usage.CompletionTokens,
		InputUSD:     cost.InputUSD,
		OutputUSD:    cost.OutputUSD,
		InputBRL:     cost.InputBRL,
		OutputBRL:    cost.OutputBRL,
	})
	if err != nil {
		log.Warn("failed to record job usage", "error", err)
	}
}

func (p *Processor) trace(ctx context.Context, fileID, stage, status, message string) {
	entry := models.TraceEntry{
		Timestamp: time.Now().UTC(),
		Stage:     stage,
		Status:    status,
		Message:   message,
	}
	if err := p.store.AppendProcessingLog(ctx, fileID, entry); err != nil {
		p.log.Warn("failed to append processing log", "file_id", fileID, "stage", stage, "error", err)
	}
}

// mapPlanItems flattens the report into plan item rows. The order index is
// the item's position within its area, which is what re-associates the row
// with its JSON twin at review time.
func mapPlanItems(report *models.Report) []models.ActionPlanItem {
	var items []models.ActionPlanItem
	for _, area := range report.Areas {
		areaName := area.Name
		for idx, it := range area.Items {
			score := it.Score
			origStatus := it.Status
			item := models.ActionPlanItem{
				ID:                 uuid.New(),
				OrderIndex:         &idx,
				ProblemDescription: it.CheckedItem,
				Severity:           severityFor(it.Status),
				Status:             models.ItemStatusOpen,
				OriginalScore:      &score,
				OriginalStatus:     &origStatus,
			}
			if areaName != "" {
				name := areaName
				item.Sector = &name
			}
			if it.CorrectiveAction != "" {
				v := it.CorrectiveAction
				item.CorrectiveAction = &v
			}
			if it.LegalBasis != "" {
				v := it.LegalBasis
				item.LegalBasis = &v
			}
			if it.SuggestedDeadline != "" {
				v := it.SuggestedDeadline
				item.AISuggestedDeadline = &v
			}
			items = append(items, item)
		}
	}
	return items
}

func buildStats(report *models.Report, items []models.ActionPlanItem) planStats {
	nc := 0
	for _, it := range items {
		if it.OriginalStatus != nil && reconcile.NormalizeStatus(*it.OriginalStatus) != reconcile.StatusCompliant {
			nc++
		}
	}
	return planStats{
		TotalItems:        len(items),
		NonCompliant:      nc,
		OverallScore:      report.OverallScore,
		OverallMaxScore:   report.OverallMaxScore,
		OverallPercentage: report.OverallPercentage,
	}
}

func severityFor(status string) string {
	switch reconcile.NormalizeStatus(status) {
	case reconcile.StatusNonCompliant:
		return models.SeverityHigh
	case reconcile.StatusPartiallyCompliant:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func parseEstablishmentID(raw string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid establishment id %q: %w", raw, err)
	}
	return &id, nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
