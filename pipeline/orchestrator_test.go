package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/audiarr-project/audiarr/downloaders/types"
	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeConverter struct {
	mu         sync.Mutex
	calls      int
	err        error
	lastSource string
	lastSide   string
}

func (f *fakeConverter) Convert(ctx context.Context, sourcePath, sidecarPath, outputDir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSource = sourcePath
	f.lastSide = sidecarPath
	if f.err != nil {
		return "", f.err
	}
	return filepath.Join(outputDir, "converted.m4b"), nil
}

type fakeImporter struct {
	mu         sync.Mutex
	calls      int
	err        error
	lastSource string
	lastMove   bool
}

func (f *fakeImporter) Import(ctx context.Context, sourcePath, catalogKey string, move bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSource = sourcePath
	f.lastMove = move
	if f.err != nil {
		return "", f.err
	}
	return filepath.Join("/library", filepath.Base(sourcePath)), nil
}

type orchestratorFixture struct {
	orch      *Orchestrator
	gdb       *gorm.DB
	tracker   *Tracker
	converter *fakeConverter
	importer  *fakeImporter
	workDir   string
}

func testOrchestrator(t *testing.T, retention *config.RetentionConfig, drivers ...*fakeDriver) *orchestratorFixture {
	t.Helper()

	gdb, err := db.SqliteForTest()
	require.NoError(t, err)

	driverCfgs := make(map[string]*config.DriverConfig, len(drivers))
	for _, d := range drivers {
		driverCfgs[d.name] = &config.DriverConfig{Priority: 1}
	}
	dm := driverMap(drivers...)

	selector := NewSelector(dm, driverCfgs, &config.SelectorConfig{
		HealthWindow:           10,
		CircuitThreshold:       10,
		CircuitCooldownSeconds: 60,
		PollTimeoutSeconds:     5,
	})
	tracker := NewTracker(&config.TrackerConfig{NotifyIntervalSeconds: 1, BufferSize: 256}, nil)
	workDir := t.TempDir()
	cleanup := NewCleanup(gdb, retention, dm, workDir)

	conv := &fakeConverter{}
	imp := &fakeImporter{}
	orch := NewOrchestrator(gdb, &config.OrchestratorConfig{
		TickIntervalSeconds:    1,
		MaxConcurrent:          2,
		MaxRetries:             2,
		RetryBackoffSeconds:    30,
		RetryBackoffMaxSeconds: 3600,
	}, workDir, selector, dm, tracker, cleanup, conv, imp)

	return &orchestratorFixture{
		orch:      orch,
		gdb:       gdb,
		tracker:   tracker,
		converter: conv,
		importer:  imp,
		workDir:   workDir,
	}
}

// tickUntil drives the loop until the item reaches the wanted stage. Repeated
// ticks are harmless: the inflight guard and the CAS make every step
// idempotent.
func (f *orchestratorFixture) tickUntil(t *testing.T, itemID string, stage db.Stage) *db.QueueItem {
	t.Helper()

	var got *db.QueueItem
	require.Eventually(t, func() bool {
		f.orch.Tick(context.Background())
		item, err := db.GetQueueItem(f.gdb, itemID)
		if err != nil {
			return false
		}
		got = item
		return item.Stage == stage
	}, 5*time.Second, 10*time.Millisecond, "item %s never reached %s", itemID, stage)
	return got
}

func (f *orchestratorFixture) forceRetryNow(t *testing.T, itemID string) {
	t.Helper()
	item, err := db.GetQueueItem(f.gdb, itemID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	item.NextRetryAt = &past
	require.NoError(t, db.SaveQueueItemCAS(f.gdb, item))
}

func TestTick_FullPipelineWithoutConversion(t *testing.T) {
	sab := &fakeDriver{name: "sab", sourceType: db.SourceNewsgroup}
	f := testOrchestrator(t, &config.RetentionConfig{}, sab)

	item := &db.QueueItem{ID: "n1", SourceType: db.SourceNewsgroup, Title: "Plain Book", CandidateURI: "https://indexer/n1.nzb"}
	require.NoError(t, db.EnqueueQueueItem(f.gdb, item))

	// Dispatch picks the item up and starts the transfer in the same tick.
	got := f.tickUntil(t, "n1", db.StageDownloading)
	assert.Equal(t, "sab", got.Driver)
	assert.Equal(t, "n1", got.Handle)

	sab.setStatus(&types.TransferStatus{BytesDone: 50, BytesTotal: 100, Rate: 10})
	f.orch.Tick(context.Background())
	got, err := db.GetQueueItem(f.gdb, "n1")
	require.NoError(t, err)
	assert.Equal(t, db.StageDownloading, got.Stage)
	assert.Equal(t, uint16(500), got.DownloadProgress)
	assert.Equal(t, int64(50), got.BytesDone)

	sab.setStatus(&types.TransferStatus{BytesDone: 100, BytesTotal: 100, Terminal: true, Success: true, Path: "/dl/n1/book.mp3"})
	got = f.tickUntil(t, "n1", db.StageImported)
	assert.Equal(t, "/library/book.mp3", got.FinalPath)
	assert.Equal(t, uint16(1000), got.DownloadProgress)

	assert.Equal(t, 0, f.converter.calls)
	assert.Equal(t, 1, f.importer.calls)
	assert.Equal(t, "/dl/n1/book.mp3", f.importer.lastSource)
	assert.True(t, f.importer.lastMove)

	// Delete-now retention drops the transfer after import.
	assert.Equal(t, 1, sab.cancelCount)
	assert.Empty(t, got.AcquiredPath)
}

func TestTick_ConversionPath(t *testing.T) {
	vendor := &fakeDriver{name: "vendor", sourceType: db.SourceVendorDirect}
	f := testOrchestrator(t, &config.RetentionConfig{}, vendor)

	dlDir := t.TempDir()
	payload := filepath.Join(dlDir, "v1", "book.aaxc")
	voucher := filepath.Join(dlDir, "v1", "book.voucher")
	writeTestFile(t, payload)
	writeTestFile(t, voucher)

	item := &db.QueueItem{ID: "v1", SourceType: db.SourceVendorDirect, Title: "Encrypted Book", CandidateURI: "https://vendor/v1"}
	require.NoError(t, db.EnqueueQueueItem(f.gdb, item))

	vendor.setStatus(&types.TransferStatus{BytesDone: 100, BytesTotal: 100, Terminal: true, Success: true, Path: payload, Sidecar: voucher})
	got := f.tickUntil(t, "v1", db.StageImported)

	require.Equal(t, 1, f.converter.calls)
	assert.Equal(t, payload, f.converter.lastSource)
	assert.Equal(t, voucher, f.converter.lastSide)

	// The encrypted payload and voucher are gone before import ran.
	assert.NoDirExists(t, filepath.Join(dlDir, "v1"))
	assert.Empty(t, got.AcquiredPath)
	assert.Empty(t, got.SidecarPath)

	require.Equal(t, 1, f.importer.calls)
	assert.Equal(t, filepath.Join(f.workDir, "v1", "converted.m4b"), f.importer.lastSource)
	assert.True(t, f.importer.lastMove)
	assert.Equal(t, "/library/converted.m4b", got.FinalPath)
}

func TestTick_SeedingRetention(t *testing.T) {
	tm := &fakeDriver{name: "tm", sourceType: db.SourcePeerSwarm}
	f := testOrchestrator(t, &config.RetentionConfig{SeedAfterImport: true, RatioGoal: 2.0, MaxSeedHours: 24}, tm)

	dlDir := t.TempDir()
	payload := filepath.Join(dlDir, "p1", "book.mp3")
	writeTestFile(t, payload)

	item := &db.QueueItem{
		ID:            "p1",
		SourceType:    db.SourcePeerSwarm,
		CandidateURI:  "magnet:?xt=urn:btih:p1",
		RetentionMode: db.RetentionSeed,
	}
	require.NoError(t, db.EnqueueQueueItem(f.gdb, item))

	tm.setStatus(&types.TransferStatus{BytesDone: 100, BytesTotal: 100, Terminal: true, Success: true, Path: payload})
	got := f.tickUntil(t, "p1", db.StageSeeding)

	require.NotNil(t, got.SeedStartedAt)
	assert.Equal(t, "/library/book.mp3", got.FinalPath)

	// The import was a copy and the payload stays on disk for the swarm.
	assert.False(t, f.importer.lastMove)
	assert.FileExists(t, payload)
	assert.Equal(t, 0, tm.cancelCount)
}

func TestTick_RetryBackoffThenCancelOnExhaustion(t *testing.T) {
	tm := &fakeDriver{name: "tm", sourceType: db.SourcePeerSwarm, startErr: errors.New("tracker refused connection")}
	f := testOrchestrator(t, &config.RetentionConfig{}, tm)

	item := &db.QueueItem{ID: "p1", SourceType: db.SourcePeerSwarm, CandidateURI: "magnet:?xt=urn:btih:p1"}
	require.NoError(t, db.EnqueueQueueItem(f.gdb, item))

	got := f.tickUntil(t, "p1", db.StageFailed)
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.LastError, "TransientSourceError")
	assert.Contains(t, got.LastError, "tracker refused connection")
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.After(time.Now()))

	// Not eligible again until the backoff elapsed.
	f.orch.Tick(context.Background())
	got, err := db.GetQueueItem(f.gdb, "p1")
	require.NoError(t, err)
	assert.Equal(t, db.StageFailed, got.Stage)

	f.forceRetryNow(t, "p1")
	got = f.tickUntil(t, "p1", db.StageFailed)
	assert.Equal(t, 2, got.RetryCount)

	// Third attempt exhausts the retry budget.
	f.forceRetryNow(t, "p1")
	got = f.tickUntil(t, "p1", db.StageCancelled)
	assert.Contains(t, got.LastError, "tracker refused connection")

	// A cancelled item never becomes dispatchable again.
	ready, err := db.ListReadyForDispatch(f.gdb, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestTick_NoHealthyDriverParksItem(t *testing.T) {
	sab := &fakeDriver{name: "sab", sourceType: db.SourceNewsgroup}
	f := testOrchestrator(t, &config.RetentionConfig{}, sab)

	item := &db.QueueItem{ID: "p1", SourceType: db.SourcePeerSwarm, CandidateURI: "magnet:?xt=urn:btih:p1"}
	require.NoError(t, db.EnqueueQueueItem(f.gdb, item))

	got := f.tickUntil(t, "p1", db.StageFailed)
	assert.Contains(t, got.LastError, "NoHealthyDriver")
	require.NotNil(t, got.NextRetryAt)
}

func TestTick_ConversionFailureIsRetried(t *testing.T) {
	vendor := &fakeDriver{name: "vendor", sourceType: db.SourceVendorDirect}
	f := testOrchestrator(t, &config.RetentionConfig{}, vendor)
	f.converter.err = errors.New("activation bytes rejected")

	item := &db.QueueItem{ID: "v1", SourceType: db.SourceVendorDirect, CandidateURI: "https://vendor/v1", DeclaredFormat: "aaxc"}
	require.NoError(t, db.EnqueueQueueItem(f.gdb, item))

	vendor.setStatus(&types.TransferStatus{BytesDone: 10, BytesTotal: 10, Terminal: true, Success: true, Path: "/dl/v1/book.aaxc"})
	got := f.tickUntil(t, "v1", db.StageFailed)
	assert.Contains(t, got.LastError, "ConversionFailure")
	assert.Contains(t, got.LastError, "activation bytes rejected")
	assert.Equal(t, 1, got.RetryCount)
}

func TestTick_DispatchBudgetAndOrdering(t *testing.T) {
	tm := &fakeDriver{name: "tm", sourceType: db.SourcePeerSwarm}
	f := testOrchestrator(t, &config.RetentionConfig{}, tm)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, it := range []*db.QueueItem{
		{ID: "low", SourceType: db.SourcePeerSwarm, Priority: 5, EnqueuedAt: base},
		{ID: "high", SourceType: db.SourcePeerSwarm, Priority: 1, EnqueuedAt: base.Add(time.Second)},
		{ID: "late", SourceType: db.SourcePeerSwarm, Priority: 5, EnqueuedAt: base.Add(2 * time.Second)},
	} {
		require.NoError(t, db.EnqueueQueueItem(f.gdb, it))
	}

	f.orch.Tick(context.Background())

	stages := map[string]db.Stage{}
	for _, id := range []string{"low", "high", "late"} {
		got, err := db.GetQueueItem(f.gdb, id)
		require.NoError(t, err)
		stages[id] = got.Stage
	}

	// Budget of two: the priority-1 item and the older priority-5 item win.
	assert.Equal(t, db.StageDownloading, stages["high"])
	assert.Equal(t, db.StageDownloading, stages["low"])
	assert.Equal(t, db.StageQueued, stages["late"])
}

func TestCancel_MidDownloadRemovesEverything(t *testing.T) {
	tm := &fakeDriver{name: "tm", sourceType: db.SourcePeerSwarm}
	f := testOrchestrator(t, &config.RetentionConfig{}, tm)

	item := &db.QueueItem{ID: "p1", SourceType: db.SourcePeerSwarm, CandidateURI: "magnet:?xt=urn:btih:p1"}
	require.NoError(t, db.EnqueueQueueItem(f.gdb, item))
	f.tickUntil(t, "p1", db.StageDownloading)

	scratch := filepath.Join(f.workDir, "p1", "partial.bin")
	writeTestFile(t, scratch)

	require.NoError(t, f.orch.Cancel(context.Background(), "p1"))

	got, err := db.GetQueueItem(f.gdb, "p1")
	require.NoError(t, err)
	assert.Equal(t, db.StageCancelled, got.Stage)
	assert.Equal(t, 1, tm.cancelCount)
	assert.True(t, tm.cancelledData)
	assert.NoDirExists(t, filepath.Join(f.workDir, "p1"))

	// The record survives cancellation for inspection.
	ready, err := db.ListReadyForDispatch(f.gdb, 10)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestCancel_SeedingFinishesInsteadOfCancelling(t *testing.T) {
	tm := &fakeDriver{name: "tm", sourceType: db.SourcePeerSwarm}
	f := testOrchestrator(t, &config.RetentionConfig{SeedAfterImport: true, RatioGoal: 2.0, MaxSeedHours: 24}, tm)

	dlDir := t.TempDir()
	payload := filepath.Join(dlDir, "p1", "book.mp3")
	writeTestFile(t, payload)

	item := &db.QueueItem{ID: "p1", SourceType: db.SourcePeerSwarm, CandidateURI: "magnet:?xt=urn:btih:p1", RetentionMode: db.RetentionSeed}
	require.NoError(t, db.EnqueueQueueItem(f.gdb, item))
	tm.setStatus(&types.TransferStatus{BytesDone: 1, BytesTotal: 1, Terminal: true, Success: true, Path: payload})
	f.tickUntil(t, "p1", db.StageSeeding)

	require.NoError(t, f.orch.Cancel(context.Background(), "p1"))

	got, err := db.GetQueueItem(f.gdb, "p1")
	require.NoError(t, err)
	assert.Equal(t, db.StageImported, got.Stage)
	assert.NoDirExists(t, filepath.Join(dlDir, "p1"))
	assert.Equal(t, 1, tm.cancelCount)
}

func TestCancel_TerminalIsNoOp(t *testing.T) {
	tm := &fakeDriver{name: "tm", sourceType: db.SourcePeerSwarm}
	f := testOrchestrator(t, &config.RetentionConfig{}, tm)

	item := &db.QueueItem{ID: "p1", SourceType: db.SourcePeerSwarm, Stage: db.StageCancelled}
	seedItem(t, f.gdb, item)

	require.NoError(t, f.orch.Cancel(context.Background(), "p1"))
	assert.Equal(t, 0, tm.cancelCount)
}

func TestRetry_OnlyFailedItems(t *testing.T) {
	tm := &fakeDriver{name: "tm", sourceType: db.SourcePeerSwarm, startErr: errors.New("down")}
	f := testOrchestrator(t, &config.RetentionConfig{}, tm)

	item := &db.QueueItem{ID: "p1", SourceType: db.SourcePeerSwarm, CandidateURI: "magnet:?xt=urn:btih:p1"}
	require.NoError(t, db.EnqueueQueueItem(f.gdb, item))
	f.tickUntil(t, "p1", db.StageFailed)

	require.NoError(t, f.orch.Retry(context.Background(), "p1"))

	tm.mu.Lock()
	tm.startErr = nil
	tm.mu.Unlock()
	f.tickUntil(t, "p1", db.StageDownloading)

	err := f.orch.Retry(context.Background(), "p1")
	require.Error(t, err)
}

func TestRemove_RequiresTerminalStage(t *testing.T) {
	tm := &fakeDriver{name: "tm", sourceType: db.SourcePeerSwarm}
	f := testOrchestrator(t, &config.RetentionConfig{}, tm)

	item := &db.QueueItem{ID: "p1", SourceType: db.SourcePeerSwarm, CandidateURI: "magnet:?xt=urn:btih:p1"}
	require.NoError(t, db.EnqueueQueueItem(f.gdb, item))
	f.tickUntil(t, "p1", db.StageDownloading)

	err := f.orch.Remove(context.Background(), "p1")
	require.Error(t, err)

	require.NoError(t, f.orch.Cancel(context.Background(), "p1"))
	require.NoError(t, f.orch.Remove(context.Background(), "p1"))

	_, err = db.GetQueueItem(f.gdb, "p1")
	require.Error(t, err)
	assert.Empty(t, f.tracker.Snapshot())
}
