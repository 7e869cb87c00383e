// Package models contains shared data models used across the inspectflow codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusSkipped    = "SKIPPED"
	JobStatusCanceled   = "CANCELED"
)

// JobType is the closed set of work the pipeline knows how to execute.
// Dispatch happens through a switch in internal/jobs, never on raw strings
// from the outside.
type JobType string

const (
	JobTypeUploadProcess  JobType = "upload-process"
	JobTypeWebhookProcess JobType = "webhook-process"
	JobTypeTest           JobType = "test"
)

// JobTerminal reports whether a status is a terminal state. Terminal jobs
// are immutable except for administrative override.
func JobTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusSkipped, JobStatusCanceled:
		return true
	}
	return false
}

// Job is one unit of ingestion work, from intake to terminal state.
// Status only moves forward: PENDING -> PROCESSING -> terminal.
type Job struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	CompanyID *uuid.UUID `db:"company_id" json:"company_id,omitempty"`
	Type      JobType    `db:"type"       json:"type"`
	Status    string     `db:"status"     json:"status"`
	Attempts  int        `db:"attempts"   json:"attempts"`

	InputPayload  json.RawMessage `db:"input_payload"  json:"input_payload,omitempty"`
	ResultPayload json.RawMessage `db:"result_payload" json:"result_payload,omitempty"`
	ErrorLog      *string         `db:"error_log"      json:"error_log,omitempty"`

	// Cost accounting, populated from the extraction usage response.
	// Written even on partial failure so cost is never lost.
	CostTokensInput  int     `db:"cost_tokens_input"  json:"cost_tokens_input"`
	CostTokensOutput int     `db:"cost_tokens_output" json:"cost_tokens_output"`
	CostInputUSD     float64 `db:"cost_input_usd"     json:"cost_input_usd"`
	CostOutputUSD    float64 `db:"cost_output_usd"    json:"cost_output_usd"`
	CostInputBRL     float64 `db:"cost_input_brl"     json:"cost_input_brl"`
	CostOutputBRL    float64 `db:"cost_output_brl"    json:"cost_output_brl"`

	ExecutionSeconds float64    `db:"execution_seconds" json:"execution_seconds"`
	CreatedAt        time.Time  `db:"created_at"        json:"created_at"`
	FinishedAt       *time.Time `db:"finished_at"       json:"finished_at,omitempty"`
}

// JobPayload is the free-form input payload stored on a Job.
type JobPayload struct {
	FileID            string `json:"file_id"`
	Filename          string `json:"filename"`
	EstablishmentID   string `json:"establishment_id,omitempty"`
	EstablishmentName string `json:"establishment_name,omitempty"`
	Source            string `json:"source,omitempty"`
	DelaySeconds      int    `json:"delay_seconds,omitempty"`
}
