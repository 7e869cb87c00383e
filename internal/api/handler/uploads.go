package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	mw "github.com/dfarias/inspectflow/internal/api/middleware"
	"github.com/dfarias/inspectflow/internal/api/response"
	"github.com/dfarias/inspectflow/internal/cache"
	"github.com/dfarias/inspectflow/internal/ingest"
	"github.com/dfarias/inspectflow/pkg/models"
)

// maxUploadBytes caps a single uploaded document. Inspection PDFs run a few
// megabytes at most.
const maxUploadBytes = 25 << 20

// uploadStageTTL is how long staged bytes survive in the cache before the
// job must have picked them up.
const uploadStageTTL = 1 * time.Hour

// Enqueuer is the slice of the job runner the upload handler drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, companyID *uuid.UUID, jobType models.JobType, payload models.JobPayload) (*models.Job, error)
	Execute(ctx context.Context, jobID uuid.UUID) error
}

// NewUploadHandler accepts a multipart document upload, stages the bytes,
// and runs the pipeline synchronously. The response carries the terminal
// job status, so a duplicate upload comes back as SKIPPED immediately.
func NewUploadHandler(enq Enqueuer, ca cache.Cache, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"multipart field 'file' is required", nil)
			return
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"failed to read uploaded file", nil)
			return
		}
		if len(content) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"uploaded file is empty", nil)
			return
		}

		establishmentID := r.FormValue("establishment_id")
		if establishmentID != "" {
			if _, err := uuid.Parse(establishmentID); err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"establishment_id must be a UUID", nil)
				return
			}
		}

		fileID := "upload-" + uuid.NewString()
		if err := ca.Set(r.Context(), cache.UploadContentKey(fileID), content, uploadStageTTL); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"failed to stage upload", nil)
			return
		}

		payload := models.JobPayload{
			FileID:          fileID,
			Filename:        header.Filename,
			EstablishmentID: establishmentID,
			Source:          ingest.SourceUpload,
		}
		var companyID *uuid.UUID
		if id, ok := mw.GetCompanyID(r); ok {
			companyID = &id
		}

		job, err := enq.Enqueue(r.Context(), companyID, models.JobTypeUploadProcess, payload)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"failed to create job", nil)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), syncTimeout)
		defer cancel()
		if err := enq.Execute(ctx, job.ID); err != nil {
			log.Error("upload job failed", "job_id", job.ID, "error", err)
		}

		status := job.Status
		if s, ok, err := ca.GetJobStatus(r.Context(), job.ID); err == nil && ok {
			status = s
		}

		response.JSON(w, map[string]any{
			"job_id":   job.ID,
			"file_id":  fileID,
			"filename": header.Filename,
			"status":   status,
		})
	}
}
