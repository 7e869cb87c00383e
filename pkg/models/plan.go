package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	ItemStatusOpen     = "OPEN"
	ItemStatusResolved = "RESOLVED"
)

const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// ActionPlan is the operator-editable findings container, one per inspection.
type ActionPlan struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	InspectionID uuid.UUID       `db:"inspection_id" json:"inspection_id"`
	SummaryText  *string         `db:"summary_text"  json:"summary_text,omitempty"`
	Strengths    *string         `db:"strengths"     json:"strengths,omitempty"`
	StatsJSON    json.RawMessage `db:"stats_json"    json:"stats_json,omitempty"`
	PDFLink      *string         `db:"pdf_link"      json:"pdf_link,omitempty"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"    json:"updated_at"`
}

// ActionPlanItem is one finding. OriginalScore and OriginalStatus are
// captured verbatim from the extraction at creation time and never change;
// the review workflow mutates only CurrentStatus, ManagerNotes and
// EvidenceURL, so the original finding is always recoverable.
type ActionPlanItem struct {
	ID           uuid.UUID `db:"id"             json:"id"`
	ActionPlanID uuid.UUID `db:"action_plan_id" json:"action_plan_id"`

	// Stable position within the original extraction order. Used to
	// re-associate the row with its AI JSON twin at read time.
	OrderIndex *int `db:"order_index" json:"order_index,omitempty"`

	ProblemDescription string  `db:"problem_description" json:"problem_description"`
	CorrectiveAction   *string `db:"corrective_action"   json:"corrective_action,omitempty"`
	LegalBasis         *string `db:"legal_basis"         json:"legal_basis,omitempty"`
	Severity           string  `db:"severity"            json:"severity"`
	Status             string  `db:"status"              json:"status"`
	Sector             *string `db:"sector"              json:"sector,omitempty"`

	// Write-once originals from the AI extraction.
	OriginalScore  *float64 `db:"original_score"  json:"original_score,omitempty"`
	OriginalStatus *string  `db:"original_status" json:"original_status,omitempty"`

	// Mutable review workflow state.
	CurrentStatus *string `db:"current_status" json:"current_status,omitempty"`
	ManagerNotes  *string `db:"manager_notes"  json:"manager_notes,omitempty"`
	EvidenceURL   *string `db:"evidence_url"   json:"evidence_url,omitempty"`

	DeadlineText        *string    `db:"deadline_text"         json:"deadline_text,omitempty"`
	DeadlineDate        *time.Time `db:"deadline_date"         json:"deadline_date,omitempty"`
	AISuggestedDeadline *string    `db:"ai_suggested_deadline" json:"ai_suggested_deadline,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
