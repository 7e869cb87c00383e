// Package watch drives ingestion from the remote store: it drains the
// changes feed against a persisted checkpoint, sweeps the incoming folder as
// a fallback, reaps work abandoned mid-flight, and keeps the push channel
// alive.
package watch

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
	"github.com/dfarias/inspectflow/internal/store"
	"github.com/dfarias/inspectflow/pkg/models"
)

// Checkpoint keys in app_config. The page token is the single source of
// truth for feed progress; losing it means a bootstrap, never a replay.
const (
	ConfigKeyPageToken         = "drive.page_token"
	ConfigKeyChannelID         = "drive.channel_id"
	ConfigKeyResourceID        = "drive.resource_id"
	ConfigKeyChannelExpiration = "drive.channel_expiration"
)

const folderMimeType = "application/vnd.google-apps.folder"

// fileLockTTL guards one file against concurrent sweeps (webhook burst plus
// poll tick). Generous relative to a single pipeline run.
const fileLockTTL = 10 * time.Minute

const folderMapTTL = 10 * time.Minute

// Runner is the slice of the job runner the watcher needs.
type Runner interface {
	Enqueue(ctx context.Context, companyID *uuid.UUID, jobType models.JobType, payload models.JobPayload) (*models.Job, error)
	Execute(ctx context.Context, jobID uuid.UUID) error
}

// Watcher turns remote changes into executed jobs.
type Watcher struct {
	store  store.Store
	cache  cache.Cache
	drive  drive.Client
	runner Runner
	cfg    config.PipelineConfig
	hook   config.WebhookConfig
	log    *slog.Logger
	now    func() time.Time
}

// NewWatcher wires the change-feed watcher.
func NewWatcher(st store.Store, ca cache.Cache, dc drive.Client, runner Runner, cfg config.PipelineConfig, hook config.WebhookConfig, log *slog.Logger) *Watcher {
	return &Watcher{
		store:  st,
		cache:  ca,
		drive:  dc,
		runner: runner,
		cfg:    cfg,
		hook:   hook,
		log:    log,
		now:    time.Now,
	}
}

// SyncSummary reports what one sweep did.
type SyncSummary struct {
	Bootstrapped bool   `json:"bootstrapped,omitempty"`
	Scanned      int    `json:"scanned"`
	Enqueued     int    `json:"enqueued"`
	Skipped      int    `json:"skipped"`
	Deferred     int    `json:"deferred"`
	Failed       int    `json:"failed"`
	ReapedJobs   int    `json:"reaped_jobs"`
	ReapedStale  int    `json:"reaped_inspections"`
	NewToken     string `json:"-"`
}

// ProcessGlobalChanges drains the changes feed from the stored checkpoint.
// Every sweep starts by reaping stale work, so a crashed run can never block
// its own retry. The checkpoint advances only after a page is fully handled;
// per-change failures are isolated and land in the summary instead of
// aborting the sweep.
func (w *Watcher) ProcessGlobalChanges(ctx context.Context) (*SyncSummary, error) {
	sum := &SyncSummary{}
	w.reapInto(ctx, sum)

	token, err := w.store.GetConfigValue(ctx, ConfigKeyPageToken)
	if errors.Is(err, store.ErrNotFound) {
		// First run: anchor the feed at "now". Files already sitting in the
		// incoming folder are covered by ReconcileFolder, not by replaying
		// history.
		start, err := w.drive.StartPageToken(ctx)
		if err != nil {
			return sum, fmt.Errorf("bootstrap page token: %w", err)
		}
		if err := w.store.SetConfigValue(ctx, ConfigKeyPageToken, start); err != nil {
			return sum, fmt.Errorf("persist page token: %w", err)
		}
		sum.Bootstrapped = true
		sum.NewToken = start
		w.log.Info("changes feed bootstrapped", "page_token", start)
		return sum, nil
	}
	if err != nil {
		return sum, fmt.Errorf("load page token: %w", err)
	}

	known, err := w.store.ListKnownFileIDs(ctx)
	if err != nil {
		return sum, fmt.Errorf("list known files: %w", err)
	}
	folders, err := w.folderMap(ctx)
	if err != nil {
		w.log.Warn("folder map unavailable, routing by incoming folder only", "error", err)
		folders = map[string]string{}
	}

	for {
		page, err := w.drive.Changes(ctx, token)
		if err != nil {
			// Checkpoint stays put; the next sweep resumes here.
			return sum, fmt.Errorf("fetch changes page: %w", err)
		}
		for _, ch := range page.Changes {
			sum.Scanned++
			if err := w.handleChange(ctx, ch, known, folders, sum); err != nil {
				sum.Failed++
				w.log.Error("change handling failed", "file_id", ch.FileID, "error", err)
			}
		}
		if page.NextPageToken != "" {
			token = page.NextPageToken
			continue
		}
		if page.NewStartPageToken != "" {
			token = page.NewStartPageToken
		}
		break
	}

	if err := w.store.SetConfigValue(ctx, ConfigKeyPageToken, token); err != nil {
		return sum, fmt.Errorf("persist page token: %w", err)
	}
	sum.NewToken = token
	w.log.Info("changes sweep finished",
		"scanned", sum.Scanned, "enqueued", sum.Enqueued, "skipped", sum.Skipped,
		"deferred", sum.Deferred, "failed", sum.Failed)
	return sum, nil
}

func (w *Watcher) handleChange(ctx context.Context, ch drive.Change, known map[string]struct{}, folders map[string]string, sum *SyncSummary) error {
	f := ch.File
	if ch.Removed || f == nil || f.Trashed || f.MimeType == folderMimeType {
		sum.Skipped++
		return nil
	}
	if _, ok := known[f.ID]; ok {
		sum.Skipped++
		return nil
	}

	establishmentID, watched := w.routeParents(f.Parents, folders)
	if !watched {
		// A change somewhere else in the drive; not ours.
		sum.Skipped++
		return nil
	}

	return w.ingestFile(ctx, f, establishmentID, known, sum)
}

// ingestFile runs one new file through the job pipeline, honoring the
// per-sweep cap and the cross-instance file lock.
func (w *Watcher) ingestFile(ctx context.Context, f *drive.File, establishmentID string, known map[string]struct{}, sum *SyncSummary) error {
	if w.cfg.SyncLimit > 0 && sum.Enqueued >= w.cfg.SyncLimit {
		// Over budget for this sweep. The file stays in the incoming folder
		// and the fallback sweep picks it up.
		sum.Deferred++
		return nil
	}

	if n, err := w.cache.IncrWithExpiry(ctx, cache.FileLockKey(f.ID), fileLockTTL); err != nil {
		w.log.Warn("file lock unavailable, proceeding", "file_id", f.ID, "error", err)
	} else if n > 1 {
		sum.Skipped++
		return nil
	}

	job, err := w.runner.Enqueue(ctx, nil, models.JobTypeWebhookProcess, models.JobPayload{
		FileID:          f.ID,
		Filename:        f.Name,
		EstablishmentID: establishmentID,
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	known[f.ID] = struct{}{}
	sum.Enqueued++

	if err := w.runner.Execute(ctx, job.ID); err != nil {
		return fmt.Errorf("execute job %s: %w", job.ID, err)
	}
	return nil
}

// routeParents resolves the file's parent folders against the watched set.
// An establishment folder pins the establishment; the shared incoming folder
// leaves it to the extraction.
func (w *Watcher) routeParents(parents []string, folders map[string]string) (establishmentID string, watched bool) {
	for _, parent := range parents {
		if estID, ok := folders[parent]; ok {
			return estID, true
		}
		if parent == w.cfg.FolderIn {
			watched = true
		}
	}
	return "", watched
}

// ReconcileFolder is the fallback sweep: anything sitting in the incoming
// folder without an inspection row gets ingested, regardless of what the
// changes feed saw. This is what recovers deferred files and feed gaps.
func (w *Watcher) ReconcileFolder(ctx context.Context) (*SyncSummary, error) {
	sum := &SyncSummary{}
	if w.cfg.FolderIn == "" {
		return sum, nil
	}

	files, err := w.drive.ListFolder(ctx, w.cfg.FolderIn)
	if err != nil {
		return sum, fmt.Errorf("list incoming folder: %w", err)
	}
	known, err := w.store.ListKnownFileIDs(ctx)
	if err != nil {
		return sum, fmt.Errorf("list known files: %w", err)
	}

	for i := range files {
		f := &files[i]
		sum.Scanned++
		if f.MimeType == folderMimeType {
			sum.Skipped++
			continue
		}
		if _, ok := known[f.ID]; ok {
			sum.Skipped++
			continue
		}
		if err := w.ingestFile(ctx, f, "", known, sum); err != nil {
			sum.Failed++
			w.log.Error("fallback ingestion failed", "file_id", f.ID, "error", err)
		}
	}
	w.log.Info("fallback sweep finished",
		"scanned", sum.Scanned, "enqueued", sum.Enqueued, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

// folderMap maps establishment folder ids to establishment ids, cached so a
// busy feed does not hammer the establishments table.
func (w *Watcher) folderMap(ctx context.Context) (map[string]string, error) {
	if raw, ok, err := w.cache.Get(ctx, cache.FolderMapKey()); err == nil && ok {
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err == nil {
			return m, nil
		}
	}

	ests, err := w.store.ListEstablishments(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(ests))
	for _, est := range ests {
		if est.DriveFolderID != "" {
			m[est.DriveFolderID] = est.ID.String()
		}
	}

	if raw, err := json.Marshal(m); err == nil {
		if err := w.cache.Set(ctx, cache.FolderMapKey(), raw, folderMapTTL); err != nil {
			w.log.Warn("failed to cache folder map", "error", err)
		}
	}
	return m, nil
}
