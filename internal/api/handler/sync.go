// Package handler contains the HTTP handlers. Each handler depends on a
// narrow interface declared here, never on concrete pipeline types.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dfarias/inspectflow/internal/api/response"
	"github.com/dfarias/inspectflow/internal/drive"
	"github.com/dfarias/inspectflow/internal/watch"
)

// Syncer is the slice of the change watcher the HTTP layer drives.
type Syncer interface {
	ProcessGlobalChanges(ctx context.Context) (*watch.SyncSummary, error)
	ReconcileFolder(ctx context.Context) (*watch.SyncSummary, error)
	EnsureChannel(ctx context.Context) (*drive.Channel, bool, error)
}

// syncTimeout bounds a sweep triggered over HTTP. Background sweeps use the
// poll ticker's context instead.
const syncTimeout = 5 * time.Minute

// NewDriveWebhookHandler handles push notifications from the remote store.
// The notification body carries nothing useful; it is only a doorbell. The
// sweep runs synchronously: remote-store round trips dominate its latency,
// so the response tolerates multi-second execution.
func NewDriveWebhookHandler(syncer Syncer, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.Header.Get("X-Goog-Resource-State")
		if state == "sync" {
			// Channel registration handshake, nothing to process.
			response.JSON(w, map[string]string{"msg": "Sync received"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), syncTimeout)
		defer cancel()

		sum, err := syncer.ProcessGlobalChanges(ctx)
		if err != nil {
			log.Error("webhook-triggered sweep failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "SYNC_FAILED",
				"Changes sweep failed", nil)
			return
		}
		response.JSON(w, map[string]any{"processed": sum.Enqueued, "summary": sum})
	}
}

// NewRegisterWatchHandler registers (or renews) the push channel.
func NewRegisterWatchHandler(syncer Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, registered, err := syncer.EnsureChannel(r.Context())
		if err != nil {
			response.Error(w, http.StatusBadGateway, "DRIVE_UNAVAILABLE",
				"Failed to register watch channel", nil)
			return
		}
		response.JSON(w, map[string]any{
			"channel_id": ch.ID,
			"expiration": ch.Expiration,
			"registered": registered,
		})
	}
}

// NewCronSyncHandler runs a full sweep synchronously: changes feed first,
// then the fallback folder scan. Called by the scheduler as a safety net for
// missed webhooks.
func NewCronSyncHandler(syncer Syncer, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), syncTimeout)
		defer cancel()

		feed, err := syncer.ProcessGlobalChanges(ctx)
		if err != nil {
			log.Error("cron sweep failed", "error", err)
			response.Error(w, http.StatusBadGateway, "SYNC_FAILED",
				"Changes sweep failed", nil)
			return
		}

		fallback, err := syncer.ReconcileFolder(ctx)
		if err != nil {
			log.Error("cron fallback sweep failed", "error", err)
			// The feed sweep already ran; report it with the failure noted.
			response.JSON(w, map[string]any{"feed": feed, "fallback_error": err.Error()})
			return
		}

		response.JSON(w, map[string]any{"feed": feed, "fallback": fallback})
	}
}

// NewCronRenewHandler renews the push channel if it is close to expiring.
func NewCronRenewHandler(syncer Syncer, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, registered, err := syncer.EnsureChannel(r.Context())
		if err != nil {
			log.Error("channel renewal failed", "error", err)
			response.Error(w, http.StatusBadGateway, "DRIVE_UNAVAILABLE",
				"Failed to renew watch channel", nil)
			return
		}
		response.JSON(w, map[string]any{
			"channel_id": ch.ID,
			"expiration": ch.Expiration,
			"renewed":    registered,
		})
	}
}
