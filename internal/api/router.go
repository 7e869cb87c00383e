package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/dfarias/inspectflow/internal/api/middleware"
	"github.com/dfarias/inspectflow/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth         *mw.Auth
	RateLimit    *mw.RateLimit
	ChannelToken string
	CronSecret   string

	HealthHandler http.HandlerFunc

	// Ingestion triggers.
	DriveWebhookHandler  http.HandlerFunc
	RegisterWatchHandler http.HandlerFunc
	CronSyncHandler      http.HandlerFunc
	CronRenewHandler     http.HandlerFunc
	UploadHandler        http.HandlerFunc

	// Read side.
	JobStatusHandler        http.HandlerFunc
	ListJobsHandler         http.HandlerFunc
	InspectionReviewHandler http.HandlerFunc
	InspectionPlanHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Push notifications from the remote store, guarded by the channel token
	// echoed back on every delivery.
	r.Group(func(r chi.Router) {
		r.Use(mw.ChannelToken(deps.ChannelToken))
		r.Post("/api/webhook/drive", orNotImplemented(deps.DriveWebhookHandler))
	})

	// Scheduler endpoints. GET and POST both work because cron providers
	// disagree on which one they send.
	r.Group(func(r chi.Router) {
		r.Use(mw.CronSecret(deps.CronSecret))

		r.Post("/api/webhook/register", orNotImplemented(deps.RegisterWatchHandler))
		r.Get("/api/cron/sync", orNotImplemented(deps.CronSyncHandler))
		r.Post("/api/cron/sync", orNotImplemented(deps.CronSyncHandler))
		r.Get("/api/cron/renew", orNotImplemented(deps.CronRenewHandler))
		r.Post("/api/cron/renew", orNotImplemented(deps.CronRenewHandler))
	})

	// Protected API routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/uploads", orNotImplemented(deps.UploadHandler))

		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatusHandler))

		r.Get("/api/v1/inspections/{fileID}/review", orNotImplemented(deps.InspectionReviewHandler))
		r.Get("/api/v1/inspections/{fileID}/plan", orNotImplemented(deps.InspectionPlanHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
