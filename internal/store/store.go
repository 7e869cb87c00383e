package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dfarias/inspectflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrTerminalState is returned when an update would overwrite a job that
// already reached a terminal status.
var ErrTerminalState = errors.New("job already in terminal state")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultCompany(ctx context.Context) (*models.Company, error)

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error

	// Checkpoint rows live in app_config; the page token and watch channel
	// descriptor must survive restarts.
	GetConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error

	CreateEstablishment(ctx context.Context, est *models.Establishment) error
	GetEstablishment(ctx context.Context, id uuid.UUID) (*models.Establishment, error)
	ListEstablishments(ctx context.Context) ([]*models.Establishment, error)
	GetEstablishmentByFolder(ctx context.Context, folderID string) (*models.Establishment, error)
	GetEstablishmentByNormalizedName(ctx context.Context, normalized string) (*models.Establishment, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListRecentJobs(ctx context.Context, limit int) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	SetJobUsage(ctx context.Context, id uuid.UUID, usage JobUsage) error
	FailStaleJobs(ctx context.Context, cutoff time.Time, reason string) (int, error)

	CreateInspection(ctx context.Context, insp *models.Inspection) error
	GetInspectionByFileID(ctx context.Context, fileID string) (*models.Inspection, error)
	ListKnownFileIDs(ctx context.Context) (map[string]struct{}, error)
	FindDuplicateByHash(ctx context.Context, establishmentID *uuid.UUID, hash, excludeFileID string) (*models.Inspection, error)
	DeleteInspectionByFileID(ctx context.Context, fileID string) error
	AppendProcessingLog(ctx context.Context, fileID string, entry models.TraceEntry) error
	SetInspectionStatus(ctx context.Context, fileID, status string) error
	RejectStaleInspections(ctx context.Context, cutoff time.Time) (int, error)

	SaveExtraction(ctx context.Context, params SaveExtractionParams) (*models.Inspection, error)
	GetInspectionWithPlan(ctx context.Context, fileID string) (*InspectionBundle, error)
}

// JobUsage carries the token counters and derived costs recorded on a job.
type JobUsage struct {
	TokensInput  int
	TokensOutput int
	InputUSD     float64
	OutputUSD    float64
	InputBRL     float64
	OutputBRL    float64
}

// SaveExtractionParams is everything persisted in one transaction after a
// successful extraction: the inspection row, its action plan, and the
// freshly-mapped items.
type SaveExtractionParams struct {
	FileID          string
	WebLink         *string
	FileHash        string
	EstablishmentID *uuid.UUID
	Status          string
	RawResponse     json.RawMessage

	SummaryText string
	Strengths   string
	StatsJSON   json.RawMessage
	PDFLink     *string
	Items       []models.ActionPlanItem
}

// InspectionBundle is an inspection loaded together with its establishment,
// plan, and plan items, for the reconciliation engine.
type InspectionBundle struct {
	Inspection    models.Inspection
	Establishment *models.Establishment
	Plan          *models.ActionPlan
	Items         []models.ActionPlanItem
}

type jobUpdateParams struct {
	ErrorMessage     *string
	ResultPayload    json.RawMessage
	IncrementAttempt bool
	ExecutionSeconds *float64
	FinishedAt       *time.Time
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithResultPayload(payload json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ResultPayload = payload
	}
}

func WithAttemptIncrement() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.IncrementAttempt = true
	}
}

func WithExecution(seconds float64, finishedAt time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ExecutionSeconds = &seconds
		p.FinishedAt = &finishedAt
	}
}
