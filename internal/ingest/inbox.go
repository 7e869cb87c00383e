package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/dfarias/inspectflow/internal/cache"
	"github.com/dfarias/inspectflow/internal/jobs"
	"github.com/dfarias/inspectflow/pkg/models"
)

// Extensions the inbox picks up (lowercase, without the dot).
var inboxExts = map[string]struct{}{
	"pdf": {},
	"txt": {},
}

// uploadTTL bounds how long staged bytes wait between enqueue and pickup.
const uploadTTL = 1 * time.Hour

// Inbox watches a local drop directory and feeds each new document through
// the upload pipeline. It is the development-friendly twin of the remote
// change feed: drop a PDF in the directory and the same jobs run.
type Inbox struct {
	dir      string
	cache    cache.Cache
	runner   *jobs.Runner
	log      *slog.Logger
	debounce time.Duration
}

// NewInbox creates an inbox over dir. Processed and failed files move into
// dir/processed and dir/failed respectively.
func NewInbox(dir string, ca cache.Cache, runner *jobs.Runner, log *slog.Logger) *Inbox {
	return &Inbox{
		dir:      dir,
		cache:    ca,
		runner:   runner,
		log:      log,
		debounce: 500 * time.Millisecond,
	}
}

// Run watches the inbox until ctx is canceled. Files already present at
// startup are ingested first, so a restart never strands documents.
func (in *Inbox) Run(ctx context.Context) error {
	for _, sub := range []string{"processed", "failed"} {
		if err := os.MkdirAll(filepath.Join(in.dir, sub), 0o755); err != nil {
			return fmt.Errorf("prepare inbox dir: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watch %s: %w", in.dir, err)
	}

	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("scan inbox: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !inboxAllowed(entry.Name()) {
			continue
		}
		in.ingest(ctx, filepath.Join(in.dir, entry.Name()))
	}

	// Writers create then write in bursts; the timer coalesces events so a
	// half-copied file is not picked up.
	pending := map[string]time.Time{}
	ticker := time.NewTicker(in.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !inboxAllowed(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				pending[ev.Name] = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.log.Error("inbox watcher error", "error", err)
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < in.debounce {
					continue
				}
				delete(pending, path)
				in.ingest(ctx, path)
			}
		}
	}
}

// ingest stages one local file as an upload job and runs it to completion.
func (in *Inbox) ingest(ctx context.Context, path string) {
	filename := filepath.Base(path)
	content, err := os.ReadFile(path)
	if err != nil {
		in.log.Error("failed to read inbox file", "path", path, "error", err)
		return
	}
	if len(content) == 0 {
		// Likely still being written; the next event will retry it.
		return
	}

	fileID := "upload-" + uuid.NewString()
	if err := in.cache.Set(ctx, cache.UploadContentKey(fileID), content, uploadTTL); err != nil {
		in.log.Error("failed to stage inbox file", "path", path, "error", err)
		return
	}

	job, err := in.runner.Enqueue(ctx, nil, models.JobTypeUploadProcess, models.JobPayload{
		FileID:   fileID,
		Filename: filename,
		Source:   SourceUpload,
	})
	if err != nil {
		in.log.Error("failed to enqueue inbox job", "path", path, "error", err)
		return
	}

	execErr := in.runner.Execute(ctx, job.ID)
	dest := "processed"
	if execErr != nil {
		dest = "failed"
		in.log.Error("inbox job failed", "path", path, "job_id", job.ID, "error", execErr)
	} else {
		in.log.Info("inbox file processed", "path", path, "job_id", job.ID)
	}
	if err := os.Rename(path, filepath.Join(in.dir, dest, filename)); err != nil {
		in.log.Warn("failed to move inbox file", "path", path, "error", err)
	}
}

func inboxAllowed(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	_, ok := inboxExts[ext]
	return ok
}
