package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfarias/inspectflow/internal/cache"
	"github.com/dfarias/inspectflow/internal/config"
	"github.com/dfarias/inspectflow/internal/drive"
	"github.com/dfarias/inspectflow/internal/extract"
	"github.com/dfarias/inspectflow/internal/extract/mock"
	"github.com/dfarias/inspectflow/internal/ingest"
	"github.com/dfarias/inspectflow/internal/notify"
	"github.com/dfarias/inspectflow/internal/store"
	"github.com/dfarias/inspectflow/pkg/models"
)

// fakeStore covers the slice of store.Store the processor touches.
type fakeStore struct {
	store.Store
	mu sync.Mutex

	duplicate      *models.Inspection
	establishments map[string]*models.Establishment

	traces      []models.TraceEntry
	saved       *store.SaveExtractionParams
	savedID     uuid.UUID
	usage       *store.JobUsage
	deletedFile string
	created     *models.Establishment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		establishments: map[string]*models.Establishment{},
		savedID:        uuid.New(),
	}
}

func (f *fakeStore) FindDuplicateByHash(_ context.Context, _ *uuid.UUID, hash, _ string) (*models.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.duplicate != nil {
		return f.duplicate, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) DeleteInspectionByFileID(_ context.Context, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedFile = fileID
	return nil
}

func (f *fakeStore) AppendProcessingLog(_ context.Context, _ string, entry models.TraceEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces = append(f.traces, entry)
	return nil
}

func (f *fakeStore) SaveExtraction(_ context.Context, params store.SaveExtractionParams) (*models.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = &params
	return &models.Inspection{
		ID:          f.savedID,
		DriveFileID: params.FileID,
		Status:      params.Status,
	}, nil
}

func (f *fakeStore) SetJobUsage(_ context.Context, _ uuid.UUID, usage store.JobUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = &usage
	return nil
}

func (f *fakeStore) GetDefaultCompany(context.Context) (*models.Company, error) {
	return &models.Company{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), Name: "default"}, nil
}

func (f *fakeStore) GetEstablishment(_ context.Context, id uuid.UUID) (*models.Establishment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, est := range f.establishments {
		if est.ID == id {
			return est, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetEstablishmentByNormalizedName(_ context.Context, normalized string) (*models.Establishment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if est, ok := f.establishments[normalized]; ok {
		return est, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateEstablishment(_ context.Context, est *models.Establishment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = est
	f.establishments[est.NormalizedName] = est
	return nil
}

func (f *fakeStore) stages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, tr := range f.traces {
		out = append(out, tr.Stage+":"+tr.Status)
	}
	return out
}

// fakeDrive is an in-memory drive.Client.
type fakeDrive struct {
	mu        sync.Mutex
	files     map[string][]byte
	meta      map[string]*drive.File
	moves     []string
	moveErr   error
	downloads int
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{files: map[string][]byte{}, meta: map[string]*drive.File{}}
}

func (f *fakeDrive) StartPageToken(context.Context) (string, error)           { return "1", nil }
func (f *fakeDrive) Changes(context.Context, string) (*drive.ChangesPage, error) {
	return &drive.ChangesPage{NewStartPageToken: "1"}, nil
}
func (f *fakeDrive) ListFolder(context.Context, string) ([]drive.File, error) { return nil, nil }

func (f *fakeDrive) GetFile(_ context.Context, fileID string) (*drive.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if meta, ok := f.meta[fileID]; ok {
		return meta, nil
	}
	return nil, drive.ErrFileNotFound
}

func (f *fakeDrive) Download(_ context.Context, fileID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	content, ok := f.files[fileID]
	if !ok {
		return nil, drive.ErrFileNotFound
	}
	return content, nil
}

func (f *fakeDrive) Move(_ context.Context, fileID, from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, fileID+":"+from+"->"+to)
	return nil
}

func (f *fakeDrive) Watch(_ context.Context, _ string, ch drive.Channel, _, _ string) (*drive.Channel, error) {
	return &ch, nil
}
func (f *fakeDrive) StopWatch(context.Context, drive.Channel) error { return nil }

// fakeCache is the in-memory cache used for upload staging.
type fakeCache struct {
	mu       sync.Mutex
	values   map[string][]byte
	counters map[string]int64
}

func newFakeCache() *fakeCache {
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

// fakeNotifier records published events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Publish(ev notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeNotifier) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

func testFolders() config.PipelineConfig {
	return config.PipelineConfig{
		FolderIn:     "folder-in",
		FolderBackup: "folder-backup",
		FolderError:  "folder-error",
	}
}

func testPricing(t *testing.T) *extract.Pricing {
	t.Helper()
	p, err := extract.NewPricing("0.150", "0.600", "5.00")
	require.NoError(t, err)
	return p
}

type deps struct {
	store    *fakeStore
	drive    *fakeDrive
	cache    *fakeCache
	notifier *fakeNotifier
}

func newProcessor(t *testing.T, extractor models.Extractor) (*ingest.Processor, *deps) {
	t.Helper()
	d := &deps{
		store:    newFakeStore(),
		drive:    newFakeDrive(),
		cache:    newFakeCache(),
		notifier: &fakeNotifier{},
	}
	p := ingest.NewProcessor(d.store, d.cache, d.drive, extractor, testPricing(t),
		d.notifier, testFolders(), slog.New(slog.DiscardHandler))
	return p, d
}

func payloadFor(fileID string) models.JobPayload {
	return models.JobPayload{FileID: fileID, Filename: "report.txt"}
}

func TestProcessFile_Success(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	d.drive.files["file-1"] = []byte("inspection report text")
	d.drive.meta["file-1"] = &drive.File{ID: "file-1", WebViewLink: "https://drive.example/file-1"}

	result, err := p.ProcessFile(context.Background(), uuid.New(), payloadFor("file-1"))
	require.NoError(t, err)
	assert.False(t, result.Skipped)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result.Payload, &out))
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, d.store.savedID.String(), out["inspection_id"])

	require.NotNil(t, d.store.saved)
	assert.Equal(t, "file-1", d.store.saved.FileID)
	assert.Equal(t, models.InspectionStatusPendingReview, d.store.saved.Status)
	assert.NotEmpty(t, d.store.saved.FileHash)
	require.NotNil(t, d.store.saved.WebLink)
	assert.Equal(t, "https://drive.example/file-1", *d.store.saved.WebLink)
	assert.Len(t, d.store.saved.Items, 2)
	assert.NotEmpty(t, d.store.saved.RawResponse)

	// File leaves the incoming folder after a successful save.
	require.Len(t, d.drive.moves, 1)
	assert.Equal(t, "file-1:folder-in->folder-backup", d.drive.moves[0])

	assert.Contains(t, d.store.stages(), "FETCH:SUCCESS")
	assert.Contains(t, d.store.stages(), "AI_EXTRACTION:SUCCESS")
	assert.Contains(t, d.store.stages(), "PERSIST:SUCCESS")
	assert.Equal(t, []string{notify.KindInspectionProcessed}, d.notifier.kinds())
}

func TestProcessFile_ArchiveFailureKeepsInspectionCommitted(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	d.drive.files["file-10"] = []byte("inspection report text")
	d.drive.moveErr = errors.New("backup folder unavailable")

	result, err := p.ProcessFile(context.Background(), uuid.New(), payloadFor("file-10"))
	require.NoError(t, err)
	assert.False(t, result.Skipped)

	// The extraction was persisted before the archive move; a failed move
	// is a warning, never a rejection of the committed inspection.
	require.NotNil(t, d.store.saved)
	assert.Contains(t, d.store.stages(), "PERSIST:SUCCESS")
	assert.Contains(t, d.store.stages(), "ARCHIVE:WARNING")
	for _, stage := range d.store.stages() {
		assert.NotContains(t, stage, "FAILED")
	}
	assert.Equal(t, []string{notify.KindInspectionProcessed}, d.notifier.kinds())
}

func TestProcessFile_RecordsUsageAndCost(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	d.drive.files["file-1"] = []byte("inspection report text")

	_, err := p.ProcessFile(context.Background(), uuid.New(), payloadFor("file-1"))
	require.NoError(t, err)

	require.NotNil(t, d.store.usage)
	assert.Equal(t, 1000, d.store.usage.TokensInput)
	assert.Equal(t, 400, d.store.usage.TokensOutput)
	assert.InDelta(t, 0.00015, d.store.usage.InputUSD, 1e-9)
	assert.InDelta(t, 0.00024, d.store.usage.OutputUSD, 1e-9)
	assert.InDelta(t, 0.00075, d.store.usage.InputBRL, 1e-9)
}

func TestProcessFile_DuplicateSkips(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	d.drive.files["file-2"] = []byte("same bytes as before")
	d.store.duplicate = &models.Inspection{ID: uuid.New(), DriveFileID: "file-original"}

	result, err := p.ProcessFile(context.Background(), uuid.New(), payloadFor("file-2"))
	require.NoError(t, err)
	assert.True(t, result.Skipped)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result.Payload, &out))
	assert.Equal(t, "skipped", out["status"])
	assert.Equal(t, "duplicate", out["reason"])
	assert.Equal(t, "file-original", out["existing_file_id"])

	// Placeholder row removed, copy archived, nothing extracted or saved.
	assert.Equal(t, "file-2", d.store.deletedFile)
	require.Len(t, d.drive.moves, 1)
	assert.Equal(t, "file-2:folder-in->folder-backup", d.drive.moves[0])
	assert.Nil(t, d.store.saved)
	assert.Nil(t, d.store.usage)
	assert.Equal(t, []string{notify.KindInspectionSkipped}, d.notifier.kinds())
}

func TestProcessFile_ExtractorFailureRoutesToErrorFolder(t *testing.T) {
	boom := errors.New("provider melted")
	p, d := newProcessor(t, mock.NewFailingProvider(boom))
	d.drive.files["file-3"] = []byte("inspection report text")

	_, err := p.ProcessFile(context.Background(), uuid.New(), payloadFor("file-3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "AI_EXTRACTION")

	require.Len(t, d.drive.moves, 1)
	assert.Equal(t, "file-3:folder-in->folder-error", d.drive.moves[0])
	assert.Contains(t, d.store.stages(), "AI_EXTRACTION:FAILED")
	assert.Equal(t, []string{notify.KindInspectionFailed}, d.notifier.kinds())
}

func TestProcessFile_DownloadFailure(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())

	_, err := p.ProcessFile(context.Background(), uuid.New(), payloadFor("missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, drive.ErrFileNotFound)
	assert.Contains(t, d.store.stages(), "FETCH:FAILED")
	assert.Nil(t, d.store.saved)
}

func TestProcessFile_UploadReadsStagedBytes(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	key := cache.UploadContentKey("upload-abc")
	require.NoError(t, d.cache.Set(context.Background(), key, []byte("uploaded report text"), time.Hour))

	payload := models.JobPayload{FileID: "upload-abc", Filename: "report.txt", Source: ingest.SourceUpload}
	result, err := p.ProcessFile(context.Background(), uuid.New(), payload)
	require.NoError(t, err)
	assert.False(t, result.Skipped)

	// No remote store traffic for uploads, and the staged bytes are gone.
	assert.Zero(t, d.drive.downloads)
	assert.Empty(t, d.drive.moves)
	_, ok, _ := d.cache.Get(context.Background(), key)
	assert.False(t, ok)
}

func TestProcessFile_UploadMissingStagedBytes(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())

	payload := models.JobPayload{FileID: "upload-gone", Filename: "report.txt", Source: ingest.SourceUpload}
	_, err := p.ProcessFile(context.Background(), uuid.New(), payload)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired or missing")
	assert.Contains(t, d.store.stages(), "FETCH:FAILED")
}

func TestProcessFile_AutoRegistersEstablishment(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	d.drive.files["file-4"] = []byte("inspection report text")

	_, err := p.ProcessFile(context.Background(), uuid.New(), payloadFor("file-4"))
	require.NoError(t, err)

	require.NotNil(t, d.store.created)
	assert.Equal(t, "Mock Establishment", d.store.created.Name)
	assert.Equal(t, "mock establishment", d.store.created.NormalizedName)
	require.NotNil(t, d.store.saved.EstablishmentID)
	assert.Equal(t, d.store.created.ID, *d.store.saved.EstablishmentID)
}

func TestProcessFile_ExistingEstablishmentReused(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	d.drive.files["file-5"] = []byte("inspection report text")
	est := &models.Establishment{ID: uuid.New(), Name: "Mock Establishment", NormalizedName: "mock establishment"}
	d.store.establishments[est.NormalizedName] = est

	_, err := p.ProcessFile(context.Background(), uuid.New(), payloadFor("file-5"))
	require.NoError(t, err)

	assert.Nil(t, d.store.created)
	require.NotNil(t, d.store.saved.EstablishmentID)
	assert.Equal(t, est.ID, *d.store.saved.EstablishmentID)
}

func TestProcessFile_PinnedEstablishmentWins(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	d.drive.files["file-6"] = []byte("inspection report text")
	est := &models.Establishment{ID: uuid.New(), Name: "Mock Establishment", NormalizedName: "mock establishment"}
	d.store.establishments[est.NormalizedName] = est

	payload := payloadFor("file-6")
	payload.EstablishmentID = est.ID.String()
	_, err := p.ProcessFile(context.Background(), uuid.New(), payload)
	require.NoError(t, err)

	require.NotNil(t, d.store.saved.EstablishmentID)
	assert.Equal(t, est.ID, *d.store.saved.EstablishmentID)
	assert.NotContains(t, d.notifier.kinds(), notify.KindFileMisrouted)
}

func TestProcessFile_MisroutedFileRelocated(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	d.drive.files["file-8"] = []byte("inspection report text")
	filed := &models.Establishment{
		ID: uuid.New(), Name: "Other Place", NormalizedName: "other place",
		DriveFolderID: "folder-other",
	}
	declared := &models.Establishment{
		ID: uuid.New(), Name: "Mock Establishment", NormalizedName: "mock establishment",
		DriveFolderID: "folder-mock",
	}
	d.store.establishments[filed.NormalizedName] = filed
	d.store.establishments[declared.NormalizedName] = declared

	payload := payloadFor("file-8")
	payload.EstablishmentID = filed.ID.String()
	_, err := p.ProcessFile(context.Background(), uuid.New(), payload)
	require.NoError(t, err)

	// The declared name wins: the file moves to its canonical folder and
	// the inspection lands under the declared establishment.
	require.NotNil(t, d.store.saved.EstablishmentID)
	assert.Equal(t, declared.ID, *d.store.saved.EstablishmentID)
	assert.Contains(t, d.drive.moves, "file-8:folder-other->folder-mock")
	assert.Contains(t, d.notifier.kinds(), notify.KindFileMisrouted)
}

func TestProcessFile_MisrouteWithUnknownDeclaredNameKeepsFolder(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	d.drive.files["file-9"] = []byte("inspection report text")
	filed := &models.Establishment{ID: uuid.New(), Name: "Other Place", NormalizedName: "other place"}
	d.store.establishments[filed.NormalizedName] = filed

	payload := payloadFor("file-9")
	payload.EstablishmentID = filed.ID.String()
	_, err := p.ProcessFile(context.Background(), uuid.New(), payload)
	require.NoError(t, err)

	// Declared name resolves to nothing, so the folder assignment stands
	// but the mismatch is still flagged.
	require.NotNil(t, d.store.saved.EstablishmentID)
	assert.Equal(t, filed.ID, *d.store.saved.EstablishmentID)
	assert.Contains(t, d.notifier.kinds(), notify.KindFileMisrouted)
}

// --- item mapping ---

func TestProcessFile_PlanItemMapping(t *testing.T) {
	p, d := newProcessor(t, mock.NewProvider())
	d.drive.files["file-7"] = []byte("inspection report text")

	_, err := p.ProcessFile(context.Background(), uuid.New(), payloadFor("file-7"))
	require.NoError(t, err)

	items := d.store.saved.Items
	require.Len(t, items, 2)

	first := items[0]
	require.NotNil(t, first.OrderIndex)
	assert.Equal(t, 0, *first.OrderIndex)
	assert.Equal(t, "Food stored at safe temperature", first.ProblemDescription)
	assert.Equal(t, models.SeverityLow, first.Severity)
	require.NotNil(t, first.OriginalStatus)
	assert.Equal(t, "Compliant", *first.OriginalStatus)
	require.NotNil(t, first.OriginalScore)
	assert.Equal(t, 1.0, *first.OriginalScore)
	require.NotNil(t, first.Sector)
	assert.Equal(t, "Kitchen", *first.Sector)

	second := items[1]
	require.NotNil(t, second.OrderIndex)
	assert.Equal(t, 1, *second.OrderIndex)
	assert.Equal(t, models.SeverityHigh, second.Severity)
	require.NotNil(t, second.AISuggestedDeadline)
	assert.Equal(t, "7 days", *second.AISuggestedDeadline)
	require.NotNil(t, second.CorrectiveAction)
	assert.Equal(t, "Remove expired stock and review rotation", *second.CorrectiveAction)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(d.store.saved.StatsJSON, &stats))
	assert.Equal(t, float64(2), stats["total_items"])
	assert.Equal(t, float64(1), stats["non_compliant"])
	assert.Equal(t, 7.5, stats["overall_score"])
}

// --- helpers ---

func TestFingerprint(t *testing.T) {
	a := ingest.Fingerprint([]byte("content a"))
	b := ingest.Fingerprint([]byte("content b"))
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ingest.Fingerprint([]byte("content a")))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "padaria central", ingest.NormalizeName("  Padaria   Central "))
	assert.Equal(t, "padaria central", ingest.NormalizeName("PADARIA CENTRAL"))
	assert.Equal(t, "", ingest.NormalizeName("   "))
}
