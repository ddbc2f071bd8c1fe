package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/audiarr-project/audiarr/downloaders"
	"github.com/audiarr-project/audiarr/downloaders/types"
	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var logger = log.With().Str("component", "orchestrator").Logger()

// Converter is the conversion collaborator: consumes a source file, produces
// a normalized file.
type Converter interface {
	Convert(ctx context.Context, sourcePath, sidecarPath, outputDir string) (string, error)
}

// Importer is the library-import collaborator: consumes a normalized file,
// produces a cataloged library entry.
type Importer interface {
	Import(ctx context.Context, sourcePath, catalogKey string, move bool) (string, error)
}

type collabResult struct {
	itemID string
	kind   FailureKind
	path   string
	err    error
}

// Orchestrator is the control loop binding queue store, selector, drivers,
// tracker and cleanup. It is the only writer of item stages; every write goes
// through the CAS guard, and a lost CAS means another worker already advanced
// the item, which is silently abandoned.
type Orchestrator struct {
	db        *gorm.DB
	cfg       *config.OrchestratorConfig
	workDir   string
	selector  *Selector
	drivers   map[string]downloaders.Driver
	tracker   *Tracker
	cleanup   *Cleanup
	converter Converter
	importer  Importer

	mu       sync.Mutex
	inflight map[string]struct{}

	results chan collabResult
	stop    chan struct{}
	done    chan struct{}

	now func() time.Time
}

func NewOrchestrator(
	gdb *gorm.DB,
	cfg *config.OrchestratorConfig,
	workDir string,
	selector *Selector,
	drivers map[string]downloaders.Driver,
	tracker *Tracker,
	cleanup *Cleanup,
	converter Converter,
	importer Importer,
) *Orchestrator {
	return &Orchestrator{
		db:        gdb,
		cfg:       cfg,
		workDir:   workDir,
		selector:  selector,
		drivers:   drivers,
		tracker:   tracker,
		cleanup:   cleanup,
		converter: converter,
		importer:  importer,
		inflight:  make(map[string]struct{}),
		results:   make(chan collabResult, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start runs the tick loop until Stop is called.
func (o *Orchestrator) Start() {
	go func() {
		defer close(o.done)

		ticker := time.NewTicker(time.Duration(o.cfg.TickIntervalSeconds) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-o.stop:
				return
			case <-ticker.C:
				o.Tick(context.Background())
			}
		}
	}()
}

func (o *Orchestrator) Stop() {
	close(o.stop)
	<-o.done
}

// Tick runs one orchestration pass. Exported so tests can drive the loop
// deterministically.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.drainResults(ctx)

	items, err := db.ListActiveQueueItems(o.db)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list active items")
		return
	}

	for i := range items {
		item := &items[i]
		switch item.Stage {
		case db.StageDispatched:
			o.startTransfer(ctx, item)
		case db.StageDownloading:
			o.pollTransfer(ctx, item)
		case db.StageDownloadComplete:
			o.route(ctx, item)
		case db.StageConverted:
			o.beginImport(ctx, item)
		case db.StageConverting:
			// A converting item with no hand-off in flight was interrupted by
			// a restart; hand it off again.
			if !o.isInflight(item.ID) {
				o.handoffConvert(item)
			}
		case db.StageImporting:
			if !o.isInflight(item.ID) {
				o.handoffImport(item)
			}
		}
	}

	o.dispatch(ctx)
}

// dispatch pulls ready items up to the concurrency budget and hands each to a
// driver.
func (o *Orchestrator) dispatch(ctx context.Context) {
	counts, err := db.StageCounts(o.db)
	if err != nil {
		logger.Error().Err(err).Msg("failed to count stages")
		return
	}

	budget := o.cfg.MaxConcurrent - int(counts[db.StageDispatched]+counts[db.StageDownloading])
	if budget <= 0 {
		return
	}

	ready, err := db.ListReadyForDispatch(o.db, budget)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list dispatchable items")
		return
	}

	for i := range ready {
		item := &ready[i]

		if item.Stage == db.StageFailed {
			item.NextRetryAt = nil
		}
		if err := Transition(o.db, item, db.StageDispatched); err != nil {
			o.abandonOnConflict(err, item, "dispatch")
			continue
		}
		o.publish(item)

		o.startTransfer(ctx, item)
	}
}

// startTransfer selects a driver and starts the acquisition, moving the item
// to downloading. Also the recovery path for items found dispatched after a
// restart: Start is idempotent per driver contract.
func (o *Orchestrator) startTransfer(ctx context.Context, item *db.QueueItem) {
	driver, err := o.selector.SelectDriver(item)
	if err != nil {
		o.failItem(ctx, item, FailureNoHealthyDriver, fmt.Sprintf("no driver for %s", item.SourceType))
		return
	}

	handle, err := driver.Start(ctx, item)
	if err != nil {
		o.selector.ReportFailure(driver.Name())
		o.failItem(ctx, item, ClassifyDriverError(err), err.Error())
		return
	}

	item.Driver = driver.Name()
	item.Handle = string(handle)
	if err := Transition(o.db, item, db.StageDownloading); err != nil {
		o.abandonOnConflict(err, item, "start transfer")
		return
	}
	o.publish(item)

	logger.Info().Str("item", item.ID).Str("driver", driver.Name()).Msg("transfer started")
}

// pollTransfer advances a downloading item from its driver's status.
func (o *Orchestrator) pollTransfer(ctx context.Context, item *db.QueueItem) {
	driver, ok := o.drivers[item.Driver]
	if !ok {
		o.failItem(ctx, item, FailureTransient, fmt.Sprintf("driver %s no longer configured", item.Driver))
		return
	}

	pctx, cancel := context.WithTimeout(ctx, o.selector.PollTimeout())
	status, err := driver.PollStatus(pctx, types.Handle(item.Handle))
	cancel()

	if err != nil {
		o.selector.ReportFailure(driver.Name())
		if errors.Is(err, context.DeadlineExceeded) {
			// A driver that cannot answer in time is unhealthy, not a reason
			// to fail the item.
			logger.Warn().Str("driver", driver.Name()).Str("item", item.ID).Msg("status poll timed out")
			return
		}
		o.failItem(ctx, item, ClassifyDriverError(err), err.Error())
		return
	}

	item.BytesDone = status.BytesDone
	item.BytesTotal = status.BytesTotal
	item.TransferRate = status.Rate
	item.DownloadProgress = status.Progress()

	if !status.Terminal {
		if err := db.SaveQueueItemCAS(o.db, item); err != nil {
			o.abandonOnConflict(err, item, "progress update")
			return
		}
		o.publish(item)
		return
	}

	if !status.Success {
		o.selector.ReportFailure(driver.Name())
		o.failItem(ctx, item, FailureTransient, status.Message)
		return
	}

	// Record where the artifact landed before moving the stage: a crash
	// between the two writes must never lose track of a file on disk.
	item.AcquiredPath = status.Path
	item.SidecarPath = status.Sidecar
	item.DownloadProgress = 1000
	if err := db.SaveQueueItemCAS(o.db, item); err != nil {
		o.abandonOnConflict(err, item, "record acquired path")
		return
	}

	if err := Transition(o.db, item, db.StageDownloadComplete); err != nil {
		o.abandonOnConflict(err, item, "download complete")
		return
	}
	o.selector.ReportSuccess(driver.Name())
	o.afterTransition(ctx, item)
}

// route decides, exactly once per item, whether the acquired file goes through
// conversion or straight to import.
func (o *Orchestrator) route(ctx context.Context, item *db.QueueItem) {
	if NeedsConversion(item) {
		if err := Transition(o.db, item, db.StageConverting); err != nil {
			o.abandonOnConflict(err, item, "begin conversion")
			return
		}
		o.afterTransition(ctx, item)
		o.handoffConvert(item)
		return
	}

	o.beginImport(ctx, item)
}

func (o *Orchestrator) beginImport(ctx context.Context, item *db.QueueItem) {
	if err := Transition(o.db, item, db.StageImporting); err != nil {
		o.abandonOnConflict(err, item, "begin import")
		return
	}
	o.afterTransition(ctx, item)
	o.handoffImport(item)
}

// handoffConvert sends the item to the conversion collaborator without
// blocking the tick; the result arrives on the results channel.
func (o *Orchestrator) handoffConvert(item *db.QueueItem) {
	if !o.markInflight(item.ID) {
		return
	}

	source := item.AcquiredPath
	sidecar := item.SidecarPath
	outputDir := filepath.Join(o.workDir, item.ID)
	itemID := item.ID

	go func() {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			o.results <- collabResult{itemID: itemID, kind: FailureConversion, err: err}
			return
		}
		path, err := o.converter.Convert(context.Background(), source, sidecar, outputDir)
		o.results <- collabResult{itemID: itemID, kind: FailureConversion, path: path, err: err}
	}()
}

func (o *Orchestrator) handoffImport(item *db.QueueItem) {
	if !o.markInflight(item.ID) {
		return
	}

	source := item.ConvertedPath
	if source == "" {
		source = item.AcquiredPath
	}
	// Keep the source in place while it still has to seed.
	move := item.RetentionMode != db.RetentionSeed
	catalogKey := item.CatalogKey
	itemID := item.ID

	go func() {
		path, err := o.importer.Import(context.Background(), source, catalogKey, move)
		o.results <- collabResult{itemID: itemID, kind: FailureImport, path: path, err: err}
	}()
}

// drainResults applies completion callbacks from collaborators.
func (o *Orchestrator) drainResults(ctx context.Context) {
	for {
		select {
		case r := <-o.results:
			o.applyResult(ctx, r)
		default:
			return
		}
	}
}

func (o *Orchestrator) applyResult(ctx context.Context, r collabResult) {
	o.unmarkInflight(r.itemID)

	item, err := db.GetQueueItem(o.db, r.itemID)
	if err != nil {
		logger.Error().Err(err).Str("item", r.itemID).Msg("failed to load item for collaborator result")
		return
	}

	// The item may have been cancelled while the collaborator worked; the
	// cancellation already won the CAS race, so the result is dropped.
	if item.Stage.IsTerminal() {
		return
	}

	if r.err != nil {
		o.failItem(ctx, item, r.kind, r.err.Error())
		return
	}

	switch r.kind {
	case FailureConversion:
		item.ConvertedPath = r.path
		if err := db.SaveQueueItemCAS(o.db, item); err != nil {
			o.abandonOnConflict(err, item, "record converted path")
			return
		}
		if err := Transition(o.db, item, db.StageConverted); err != nil {
			o.abandonOnConflict(err, item, "conversion complete")
			return
		}
		o.afterTransition(ctx, item)

	case FailureImport:
		item.FinalPath = r.path
		if err := db.SaveQueueItemCAS(o.db, item); err != nil {
			o.abandonOnConflict(err, item, "record final path")
			return
		}
		if err := Transition(o.db, item, db.StageImported); err != nil {
			o.abandonOnConflict(err, item, "import complete")
			return
		}
		o.afterTransition(ctx, item)

		if item.RetentionMode == db.RetentionSeed {
			t := o.now()
			item.SeedStartedAt = &t
			if err := Transition(o.db, item, db.StageSeeding); err != nil {
				o.abandonOnConflict(err, item, "begin seeding")
				return
			}
			o.afterTransition(ctx, item)
		}
	}
}

// failItem classifies and records a failure. Exhausted items are cancelled
// with their last error preserved; everything else is parked failed with an
// exponential backoff before re-dispatch.
func (o *Orchestrator) failItem(ctx context.Context, item *db.QueueItem, kind FailureKind, msg string) {
	item.LastError = FormatFailure(kind, msg)

	if item.RetryCount >= o.cfg.MaxRetries {
		if err := Transition(o.db, item, db.StageCancelled); err != nil {
			o.abandonOnConflict(err, item, "retries exhausted")
			return
		}
		logger.Warn().Str("item", item.ID).Str("error", item.LastError).Msg("retries exhausted, item cancelled")
		o.afterTransition(ctx, item)
		return
	}

	item.RetryCount++
	retryAt := o.now().Add(o.backoff(item.RetryCount))
	item.NextRetryAt = &retryAt

	if err := Transition(o.db, item, db.StageFailed); err != nil {
		o.abandonOnConflict(err, item, "record failure")
		return
	}
	logger.Warn().Str("item", item.ID).Str("error", item.LastError).Int("retry", item.RetryCount).Msg("item failed, retry scheduled")
	o.publish(item)
}

func (o *Orchestrator) backoff(retry int) time.Duration {
	base := time.Duration(o.cfg.RetryBackoffSeconds) * time.Second
	max := time.Duration(o.cfg.RetryBackoffMaxSeconds) * time.Second

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Cancel moves any non-terminal item to cancelled, stops its transfer and
// removes partial artifacts. Safe to race an in-flight completion: the CAS
// decides the winner and the loser is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, itemID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		item, err := db.GetQueueItem(o.db, itemID)
		if err != nil {
			return err
		}
		if item.Stage.IsTerminal() {
			return nil
		}
		if item.Stage == db.StageSeeding {
			// Seeding items are finished, not cancelled; just stop retention.
			if err := Transition(o.db, item, db.StageImported); err != nil {
				if errors.Is(err, db.ErrConflict) {
					continue
				}
				return err
			}
			if err := o.cleanup.removeAll(ctx, item); err != nil {
				return err
			}
			o.publish(item)
			return nil
		}

		if err := Transition(o.db, item, db.StageCancelled); err != nil {
			if errors.Is(err, db.ErrConflict) {
				continue
			}
			return err
		}
		o.afterTransition(ctx, item)
		return nil
	}
	return db.ErrConflict
}

// Retry makes a failed item eligible for dispatch on the next tick.
func (o *Orchestrator) Retry(ctx context.Context, itemID string) error {
	item, err := db.GetQueueItem(o.db, itemID)
	if err != nil {
		return err
	}
	if item.Stage != db.StageFailed {
		return fmt.Errorf("item %s is %s, only failed items can be retried", itemID, item.Stage)
	}

	now := o.now()
	item.NextRetryAt = &now
	return db.SaveQueueItemCAS(o.db, item)
}

// Remove destroys a terminal item's remaining artifacts and its record.
func (o *Orchestrator) Remove(ctx context.Context, itemID string) error {
	item, err := db.GetQueueItem(o.db, itemID)
	if err != nil {
		return err
	}
	if !item.Stage.IsTerminal() {
		return fmt.Errorf("item %s is %s, cancel it before removing", itemID, item.Stage)
	}
	if err := o.cleanup.Destroy(ctx, item); err != nil {
		return err
	}
	o.tracker.Forget(itemID)
	return nil
}

// afterTransition runs the per-transition hooks: retention policy, then the
// coalesced progress notification.
func (o *Orchestrator) afterTransition(ctx context.Context, item *db.QueueItem) {
	if err := o.cleanup.OnStageComplete(ctx, item, item.Stage); err != nil {
		logger.Error().Err(err).Str("item", item.ID).Str("stage", string(item.Stage)).Msg("cleanup failed")
	}
	o.publish(item)
}

func (o *Orchestrator) publish(item *db.QueueItem) {
	o.tracker.Publish(Event{
		ItemID:     item.ID,
		Title:      item.Title,
		SourceType: item.SourceType,
		Stage:      item.Stage,
		Progress:   item.DownloadProgress,
		BytesDone:  item.BytesDone,
		BytesTotal: item.BytesTotal,
		Rate:       item.TransferRate,
		Error:      item.LastError,
	})
}

func (o *Orchestrator) abandonOnConflict(err error, item *db.QueueItem, op string) {
	if errors.Is(err, db.ErrConflict) {
		// Another worker already advanced this item.
		logger.Debug().Str("item", item.ID).Str("op", op).Msg("lost revision race, abandoning")
		return
	}
	logger.Error().Err(err).Str("item", item.ID).Str("op", op).Msg("failed to update item")
}

func (o *Orchestrator) isInflight(itemID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[itemID]
	return ok
}

func (o *Orchestrator) markInflight(itemID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inflight[itemID]; ok {
		return false
	}
	o.inflight[itemID] = struct{}{}
	return true
}

func (o *Orchestrator) unmarkInflight(itemID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, itemID)
}
