package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	InspectionStatusProcessing          = "PROCESSING"
	InspectionStatusPendingReview       = "PENDING_MANAGER_REVIEW"
	InspectionStatusApproved            = "APPROVED"
	InspectionStatusPendingVerification = "PENDING_VERIFICATION"
	InspectionStatusCompleted           = "COMPLETED"
	InspectionStatusRejected            = "REJECTED"
)

// Inspection is one processed document. DriveFileID is the natural
// idempotency key: re-ingesting the same id updates the existing row.
type Inspection struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	DriveFileID     string     `db:"drive_file_id"    json:"drive_file_id"`
	DriveWebLink    *string    `db:"drive_web_link"   json:"drive_web_link,omitempty"`
	FileHash        *string    `db:"file_hash"        json:"file_hash,omitempty"`
	Status          string     `db:"status"           json:"status"`
	EstablishmentID *uuid.UUID `db:"establishment_id" json:"establishment_id,omitempty"`

	// Raw structured result from the extraction provider, kept verbatim so
	// the reconciliation engine can recover original wording later.
	AIRawResponse  json.RawMessage `db:"ai_raw_response"  json:"ai_raw_response,omitempty"`
	ProcessingLogs json.RawMessage `db:"processing_logs"  json:"processing_logs,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TraceEntry is one stage record in an inspection's processing log.
type TraceEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
}
