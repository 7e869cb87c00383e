package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dfarias/inspectflow/internal/api/response"
	"github.com/dfarias/inspectflow/internal/cache"
	"github.com/dfarias/inspectflow/internal/store"
)

// NewJobStatusHandler serves GET /api/v1/jobs/{jobID}. The cache answers
// bare status polls without touching the database; the full row is loaded
// only when the cache misses or the caller asks for detail.
func NewJobStatusHandler(st store.Store, ca cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"jobID must be a UUID", nil)
			return
		}

		if r.URL.Query().Get("detail") == "" {
			if status, ok, err := ca.GetJobStatus(r.Context(), jobID); err == nil && ok {
				response.JSON(w, map[string]any{"id": jobID, "status": status})
				return
			}
		}

		job, err := st.GetJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND",
					"Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load job", nil)
			return
		}
		response.JSON(w, job)
	}
}

// NewListJobsHandler serves GET /api/v1/jobs.
func NewListJobsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 200 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be between 1 and 200", nil)
				return
			}
			limit = n
		}

		jobs, err := st.ListRecentJobs(r.Context(), limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list jobs", nil)
			return
		}
		response.JSON(w, jobs)
	}
}
