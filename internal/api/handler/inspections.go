package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dfarias/inspectflow/internal/api/response"
	"github.com/dfarias/inspectflow/internal/reconcile"
	"github.com/dfarias/inspectflow/internal/store"
	"github.com/dfarias/inspectflow/pkg/models"
)

type inspectionView struct {
	ID              string           `json:"id"`
	DriveFileID     string           `json:"drive_file_id"`
	DriveWebLink    *string          `json:"drive_web_link,omitempty"`
	Status          string           `json:"status"`
	Establishment   *string          `json:"establishment,omitempty"`
	SummaryText     *string          `json:"summary_text,omitempty"`
	Strengths       *string          `json:"strengths,omitempty"`
	Stats           json.RawMessage  `json:"stats,omitempty"`
	Areas           []reconcile.Area `json:"areas"`
	ProcessingLogs  json.RawMessage  `json:"processing_logs,omitempty"`
}

// newInspectionViewHandler is shared by the review and plan endpoints; they
// differ only in whether compliant items are filtered out.
func newInspectionViewHandler(st store.Store, filterCompliant bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID := chi.URLParam(r, "fileID")
		if fileID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"fileID is required", nil)
			return
		}

		bundle, err := st.GetInspectionWithPlan(r.Context(), fileID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND",
					"Inspection not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load inspection", nil)
			return
		}

		// The raw response may be absent (placeholder or rejected rows);
		// the rebuild degrades to database wording then.
		var report *models.Report
		if len(bundle.Inspection.AIRawResponse) > 0 {
			var parsed models.Report
			if err := json.Unmarshal(bundle.Inspection.AIRawResponse, &parsed); err == nil {
				report = &parsed
			}
		}

		view := inspectionView{
			ID:             bundle.Inspection.ID.String(),
			DriveFileID:    bundle.Inspection.DriveFileID,
			DriveWebLink:   bundle.Inspection.DriveWebLink,
			Status:         bundle.Inspection.Status,
			Areas:          reconcile.Rebuild(report, bundle.Items, reconcile.Options{FilterCompliant: filterCompliant}),
			ProcessingLogs: bundle.Inspection.ProcessingLogs,
		}
		if bundle.Establishment != nil {
			view.Establishment = &bundle.Establishment.Name
		}
		if bundle.Plan != nil {
			view.SummaryText = bundle.Plan.SummaryText
			view.Strengths = bundle.Plan.Strengths
			view.Stats = bundle.Plan.StatsJSON
		}

		response.JSON(w, view)
	}
}

// NewInspectionReviewHandler serves GET /api/v1/inspections/{fileID}/review:
// findings only, for the consultant review screen.
func NewInspectionReviewHandler(st store.Store) http.HandlerFunc {
	return newInspectionViewHandler(st, true)
}

// NewInspectionPlanHandler serves GET /api/v1/inspections/{fileID}/plan: the
// full item set, compliant included, for the manager edit screen.
func NewInspectionPlanHandler(st store.Store) http.HandlerFunc {
	return newInspectionViewHandler(st, false)
}
