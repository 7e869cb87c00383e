package watch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfarias/inspectflow/internal/cache"
	"github.com/dfarias/inspectflow/internal/config"
	"github.com/dfarias/inspectflow/internal/drive"
	"github.com/dfarias/inspectflow/internal/store"
	"github.com/dfarias/inspectflow/pkg/models"
)

// fakeStore covers the slice of store.Store the watcher touches.
type fakeStore struct {
	store.Store
	mu sync.Mutex

	configVals     map[string]string
	knownFiles     map[string]struct{}
	establishments []*models.Establishment

	staleJobs        int
	staleInspections int
}

func newStoreFake() *fakeStore {
	return &fakeStore{
		configVals: map[string]string{},
		knownFiles: map[string]struct{}{},
	}
}

func (f *fakeStore) GetConfigValue(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.configVals[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) SetConfigValue(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configVals[key] = value
	return nil
}

func (f *fakeStore) ListKnownFileIDs(context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]struct{}, len(f.knownFiles))
	for k := range f.knownFiles {
		out[k] = struct{}{}
	}
	return out, nil
}

func (f *fakeStore) ListEstablishments(context.Context) ([]*models.Establishment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.establishments, nil
}

func (f *fakeStore) FailStaleJobs(context.Context, time.Time, string) (int, error) {
	return f.staleJobs, nil
}

func (f *fakeStore) RejectStaleInspections(context.Context, time.Time) (int, error) {
	return f.staleInspections, nil
}

func (f *fakeStore) configValue(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configVals[key]
}

// fakeCache is an in-memory cache.Cache.
type fakeCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	counters map[string]int64
}

func newCacheFake() *fakeCache {
	return &fakeCache{values: map[string][]byte{}, counters: map[string]int64{}}
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

func (f *fakeCache) Ping(context.Context) error { return nil }

func (f *fakeCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error {
	return f.Set(ctx, cache.JobStatusKey(jobID), []byte(status), ttl)
}

func (f *fakeCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	v, ok, err := f.Get(ctx, cache.JobStatusKey(jobID))
	return string(v), ok, err
}

func (f *fakeCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

// fakeDrive serves scripted changes pages and folder listings.
type fakeDrive struct {
	mu          sync.Mutex
	startToken  string
	pages       map[string]*drive.ChangesPage
	folderFiles []drive.File
	stopped     []drive.Channel
	watched     []drive.Channel
	watchResult *drive.Channel
}

func newDriveFake() *fakeDrive {
	return &fakeDrive{startToken: "start-1", pages: map[string]*drive.ChangesPage{}}
}

func (f *fakeDrive) StartPageToken(context.Context) (string, error) { return f.startToken, nil }

func (f *fakeDrive) Changes(_ context.Context, pageToken string) (*drive.ChangesPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[pageToken]
	if !ok {
		return nil, drive.ErrDriveRequest
	}
	return page, nil
}

func (f *fakeDrive) ListFolder(context.Context, string) ([]drive.File, error) {
	return f.folderFiles, nil
}

func (f *fakeDrive) GetFile(context.Context, string) (*drive.File, error) {
	return nil, drive.ErrFileNotFound
}

func (f *fakeDrive) Download(context.Context, string) ([]byte, error) {
	return nil, drive.ErrFileNotFound
}

func (f *fakeDrive) Move(context.Context, string, string, string) error { return nil }

func (f *fakeDrive) Watch(_ context.Context, _ string, ch drive.Channel, _, _ string) (*drive.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, ch)
	if f.watchResult != nil {
		return f.watchResult, nil
	}
	return &drive.Channel{ID: ch.ID, ResourceID: "res-1", Expiration: time.Now().Add(7 * 24 * time.Hour).UnixMilli()}, nil
}

func (f *fakeDrive) StopWatch(_ context.Context, ch drive.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, ch)
	return nil
}

// fakeRunner records enqueued payloads and executes them with a scripted
// outcome.
type fakeRunner struct {
	mu       sync.Mutex
	payloads []models.JobPayload
	byJob    map[uuid.UUID]models.JobPayload
	execErr  func(payload models.JobPayload) error
	executed int
}

func newRunnerFake() *fakeRunner {
	return &fakeRunner{byJob: map[uuid.UUID]models.JobPayload{}}
}

func (f *fakeRunner) Enqueue(_ context.Context, _ *uuid.UUID, _ models.JobType, payload models.JobPayload) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusPending}
	f.payloads = append(f.payloads, payload)
	f.byJob[job.ID] = payload
	return job, nil
}

func (f *fakeRunner) Execute(_ context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed++
	if f.execErr != nil {
		return f.execErr(f.byJob[jobID])
	}
	return nil
}

func (f *fakeRunner) fileIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.payloads {
		out = append(out, p.FileID)
	}
	return out
}

func testConfig() (config.PipelineConfig, config.WebhookConfig) {
	return config.PipelineConfig{
			FolderIn:     "folder-in",
			FolderBackup: "folder-backup",
			FolderError:  "folder-error",
			StaleTimeout: 30 * time.Minute,
			SyncLimit:    5,
		}, config.WebhookConfig{
			ChannelToken: "hook-token",
			PublicURL:    "https://app.example.com",
		}
}

func newWatcher(st *fakeStore, ca *fakeCache, dc *fakeDrive, r *fakeRunner) *Watcher {
	cfg, hook := testConfig()
	return NewWatcher(st, ca, dc, r, cfg, hook, slog.New(slog.DiscardHandler))
}

func newFile(id, name string, parents ...string) *drive.File {
	return &drive.File{ID: id, Name: name, MimeType: "application/pdf", Parents: parents}
}

// --- ProcessGlobalChanges ---

func TestProcessGlobalChanges_Bootstrap(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	w := newWatcher(st, ca, dc, r)

	sum, err := w.ProcessGlobalChanges(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.Bootstrapped)
	assert.Equal(t, "start-1", st.configValue(ConfigKeyPageToken))
	assert.Zero(t, sum.Scanned)
	assert.Empty(t, r.fileIDs())
}

func TestProcessGlobalChanges_EnqueuesNewFile(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.configVals[ConfigKeyPageToken] = "tok-1"
	st.staleJobs = 2
	st.staleInspections = 1
	dc.pages["tok-1"] = &drive.ChangesPage{
		Changes:           []drive.Change{{FileID: "f1", File: newFile("f1", "report.pdf", "folder-in")}},
		NewStartPageToken: "tok-2",
	}
	w := newWatcher(st, ca, dc, r)

	sum, err := w.ProcessGlobalChanges(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"f1"}, r.fileIDs())
	assert.Equal(t, 1, sum.Enqueued)
	assert.Equal(t, 1, r.executed)
	assert.Equal(t, "tok-2", st.configValue(ConfigKeyPageToken))
	assert.Equal(t, 2, sum.ReapedJobs)
	assert.Equal(t, 1, sum.ReapedStale)
}

func TestProcessGlobalChanges_SkipsNoise(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.configVals[ConfigKeyPageToken] = "tok-1"
	st.knownFiles["already-known"] = struct{}{}

	trashed := newFile("f-trash", "t.pdf", "folder-in")
	trashed.Trashed = true
	folder := newFile("f-dir", "subfolder", "folder-in")
	folder.MimeType = "application/vnd.google-apps.folder"

	dc.pages["tok-1"] = &drive.ChangesPage{
		Changes: []drive.Change{
			{FileID: "f-removed", Removed: true},
			{FileID: "f-trash", File: trashed},
			{FileID: "f-dir", File: folder},
			{FileID: "already-known", File: newFile("already-known", "k.pdf", "folder-in")},
			{FileID: "f-elsewhere", File: newFile("f-elsewhere", "e.pdf", "unrelated-folder")},
		},
		NewStartPageToken: "tok-2",
	}
	w := newWatcher(st, ca, dc, r)

	sum, err := w.ProcessGlobalChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Scanned)
	assert.Equal(t, 5, sum.Skipped)
	assert.Zero(t, sum.Enqueued)
	assert.Empty(t, r.fileIDs())
	assert.Equal(t, "tok-2", st.configValue(ConfigKeyPageToken))
}

func TestProcessGlobalChanges_Paginates(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.configVals[ConfigKeyPageToken] = "tok-1"
	dc.pages["tok-1"] = &drive.ChangesPage{
		Changes:       []drive.Change{{FileID: "f1", File: newFile("f1", "a.pdf", "folder-in")}},
		NextPageToken: "tok-1b",
	}
	dc.pages["tok-1b"] = &drive.ChangesPage{
		Changes:           []drive.Change{{FileID: "f2", File: newFile("f2", "b.pdf", "folder-in")}},
		NewStartPageToken: "tok-2",
	}
	w := newWatcher(st, ca, dc, r)

	sum, err := w.ProcessGlobalChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, r.fileIDs())
	assert.Equal(t, 2, sum.Enqueued)
	assert.Equal(t, "tok-2", st.configValue(ConfigKeyPageToken))
}

func TestProcessGlobalChanges_SyncLimitDefers(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.configVals[ConfigKeyPageToken] = "tok-1"

	var changes []drive.Change
	for _, id := range []string{"f1", "f2", "f3"} {
		changes = append(changes, drive.Change{FileID: id, File: newFile(id, id+".pdf", "folder-in")})
	}
	dc.pages["tok-1"] = &drive.ChangesPage{Changes: changes, NewStartPageToken: "tok-2"}

	w := newWatcher(st, ca, dc, r)
	w.cfg.SyncLimit = 2

	sum, err := w.ProcessGlobalChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, r.fileIDs())
	assert.Equal(t, 2, sum.Enqueued)
	assert.Equal(t, 1, sum.Deferred)
	// Checkpoint still advances: the fallback sweep owns the deferred file.
	assert.Equal(t, "tok-2", st.configValue(ConfigKeyPageToken))
}

func TestProcessGlobalChanges_EstablishmentFolderPinsID(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	estID := uuid.New()
	st.establishments = []*models.Establishment{
		{ID: estID, Name: "Padaria Central", NormalizedName: "padaria central", DriveFolderID: "folder-padaria"},
	}
	st.configVals[ConfigKeyPageToken] = "tok-1"
	dc.pages["tok-1"] = &drive.ChangesPage{
		Changes:           []drive.Change{{FileID: "f1", File: newFile("f1", "r.pdf", "folder-padaria")}},
		NewStartPageToken: "tok-2",
	}
	w := newWatcher(st, ca, dc, r)

	_, err := w.ProcessGlobalChanges(context.Background())
	require.NoError(t, err)
	require.Len(t, r.payloads, 1)
	assert.Equal(t, estID.String(), r.payloads[0].EstablishmentID)

	// The routing table was cached for the next sweep.
	_, ok, _ := ca.Get(context.Background(), cache.FolderMapKey())
	assert.True(t, ok)
}

func TestProcessGlobalChanges_FileLockPreventsDoubleIngest(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.configVals[ConfigKeyPageToken] = "tok-1"
	dc.pages["tok-1"] = &drive.ChangesPage{
		Changes:           []drive.Change{{FileID: "f1", File: newFile("f1", "r.pdf", "folder-in")}},
		NewStartPageToken: "tok-2",
	}
	// Another instance already holds the lock.
	_, err := ca.IncrWithExpiry(context.Background(), cache.FileLockKey("f1"), time.Minute)
	require.NoError(t, err)

	w := newWatcher(st, ca, dc, r)
	sum, err := w.ProcessGlobalChanges(context.Background())
	require.NoError(t, err)
	assert.Empty(t, r.fileIDs())
	assert.Equal(t, 1, sum.Skipped)
}

func TestProcessGlobalChanges_FailureIsIsolated(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.configVals[ConfigKeyPageToken] = "tok-1"
	dc.pages["tok-1"] = &drive.ChangesPage{
		Changes: []drive.Change{
			{FileID: "f1", File: newFile("f1", "a.pdf", "folder-in")},
			{FileID: "f2", File: newFile("f2", "b.pdf", "folder-in")},
		},
		NewStartPageToken: "tok-2",
	}
	r.execErr = func(p models.JobPayload) error {
		if p.FileID == "f1" {
			return errors.New("pipeline exploded")
		}
		return nil
	}
	w := newWatcher(st, ca, dc, r)

	sum, err := w.ProcessGlobalChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, r.fileIDs())
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, "tok-2", st.configValue(ConfigKeyPageToken))
}

func TestProcessGlobalChanges_FeedErrorKeepsCheckpoint(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.configVals[ConfigKeyPageToken] = "tok-unknown"
	w := newWatcher(st, ca, dc, r)

	_, err := w.ProcessGlobalChanges(context.Background())
	require.Error(t, err)
	assert.Equal(t, "tok-unknown", st.configValue(ConfigKeyPageToken))
}

// --- ReconcileFolder ---

func TestReconcileFolder_IngestsUnknownFiles(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.knownFiles["f-known"] = struct{}{}
	dc.folderFiles = []drive.File{
		*newFile("f-known", "old.pdf", "folder-in"),
		*newFile("f-new", "new.pdf", "folder-in"),
		{ID: "f-sub", Name: "sub", MimeType: "application/vnd.google-apps.folder"},
	}
	w := newWatcher(st, ca, dc, r)

	sum, err := w.ReconcileFolder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"f-new"}, r.fileIDs())
	assert.Equal(t, 3, sum.Scanned)
	assert.Equal(t, 1, sum.Enqueued)
	assert.Equal(t, 2, sum.Skipped)
}

// --- ReapStale ---

func TestReapStale(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.staleJobs = 3
	st.staleInspections = 2
	w := newWatcher(st, ca, dc, r)

	jobs, inspections, err := w.ReapStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, jobs)
	assert.Equal(t, 2, inspections)
}

// --- EnsureChannel ---

func TestEnsureChannel_RegistersWhenMissing(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.configVals[ConfigKeyPageToken] = "tok-1"
	w := newWatcher(st, ca, dc, r)

	ch, registered, err := w.EnsureChannel(context.Background())
	require.NoError(t, err)
	assert.True(t, registered)
	require.NotNil(t, ch)

	assert.Equal(t, ch.ID, st.configValue(ConfigKeyChannelID))
	assert.Equal(t, "res-1", st.configValue(ConfigKeyResourceID))
	assert.Equal(t, strconv.FormatInt(ch.Expiration, 10), st.configValue(ConfigKeyChannelExpiration))
	require.Len(t, dc.watched, 1)
}

func TestEnsureChannel_SkipsWhenStillValid(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.configVals[ConfigKeyPageToken] = "tok-1"
	st.configVals[ConfigKeyChannelID] = "ch-1"
	st.configVals[ConfigKeyResourceID] = "res-1"
	st.configVals[ConfigKeyChannelExpiration] = strconv.FormatInt(time.Now().Add(72*time.Hour).UnixMilli(), 10)
	w := newWatcher(st, ca, dc, r)

	ch, registered, err := w.EnsureChannel(context.Background())
	require.NoError(t, err)
	assert.False(t, registered)
	assert.Equal(t, "ch-1", ch.ID)
	assert.Empty(t, dc.watched)
	assert.Empty(t, dc.stopped)
}

func TestEnsureChannel_RenewsExpiring(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	st.configVals[ConfigKeyPageToken] = "tok-1"
	st.configVals[ConfigKeyChannelID] = "ch-old"
	st.configVals[ConfigKeyResourceID] = "res-old"
	st.configVals[ConfigKeyChannelExpiration] = strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10)
	w := newWatcher(st, ca, dc, r)

	ch, registered, err := w.EnsureChannel(context.Background())
	require.NoError(t, err)
	assert.True(t, registered)
	assert.NotEqual(t, "ch-old", ch.ID)

	require.Len(t, dc.stopped, 1)
	assert.Equal(t, "ch-old", dc.stopped[0].ID)
	assert.Equal(t, ch.ID, st.configValue(ConfigKeyChannelID))
}

func TestEnsureChannel_RequiresPublicURL(t *testing.T) {
	st, ca, dc, r := newStoreFake(), newCacheFake(), newDriveFake(), newRunnerFake()
	w := newWatcher(st, ca, dc, r)
	w.hook.PublicURL = ""

	_, _, err := w.EnsureChannel(context.Background())
	require.Error(t, err)
}
