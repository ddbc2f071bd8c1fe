package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/audiarr-project/audiarr/downloaders"
	"github.com/audiarr-project/audiarr/downloaders/types"
	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var cleanupLogger = log.With().Str("component", "cleanup").Logger()

// Cleanup enforces the per-type retention policy: vendor-direct intermediates
// are deleted right after conversion, delete-now items lose their acquisition
// directory after import, and seeding items keep it until the ratio or time
// goal is met.
type Cleanup struct {
	db      *gorm.DB
	cfg     *config.RetentionConfig
	drivers map[string]downloaders.Driver
	workDir string

	now func() time.Time
}

func NewCleanup(gdb *gorm.DB, cfg *config.RetentionConfig, drivers map[string]downloaders.Driver, workDir string) *Cleanup {
	return &Cleanup{
		db:      gdb,
		cfg:     cfg,
		drivers: drivers,
		workDir: workDir,
		now:     time.Now,
	}
}

// RetentionModeFor derives an item's retention mode from its source type and
// configuration. Only peer-swarm items ever seed.
func (c *Cleanup) RetentionModeFor(sourceType db.SourceType) db.RetentionMode {
	if sourceType == db.SourcePeerSwarm && c.cfg.SeedAfterImport {
		return db.RetentionSeed
	}
	return db.RetentionDeleteNow
}

// OnStageComplete applies exactly one of delete-now, retain-until-goal or
// no-op after a successful transition into stage.
func (c *Cleanup) OnStageComplete(ctx context.Context, item *db.QueueItem, stage db.Stage) error {
	switch stage {
	case db.StageConverted:
		// The encrypted payload and its voucher are never needed again once a
		// converted copy exists.
		if item.SourceType == db.SourceVendorDirect {
			return c.removeAcquired(ctx, item, true)
		}
		return nil

	case db.StageImported:
		if item.RetentionMode == db.RetentionSeed {
			// Retain until the seeding goal is met; the sweep finishes up.
			return nil
		}
		return c.removeAll(ctx, item)

	case db.StageCancelled:
		return c.removeAll(ctx, item)
	}

	return nil
}

// SweepSeeding checks every seeding item against the ratio and time goals and
// finishes the ones that met either. Runs on its own cron schedule,
// independent of the orchestrator tick.
func (c *Cleanup) SweepSeeding(ctx context.Context) {
	items, err := db.ListSeedingQueueItems(c.db)
	if err != nil {
		cleanupLogger.Error().Err(err).Msg("failed to list seeding items")
		return
	}

	for i := range items {
		item := &items[i]
		if c.seedingGoalMet(ctx, item) {
			c.finishSeeding(ctx, item)
		}
	}
}

func (c *Cleanup) seedingGoalMet(ctx context.Context, item *db.QueueItem) bool {
	if item.SeedStartedAt != nil && c.now().Sub(*item.SeedStartedAt) >= time.Duration(c.cfg.MaxSeedHours)*time.Hour {
		return true
	}

	driver, ok := c.drivers[item.Driver]
	if !ok {
		return false
	}
	status, err := driver.PollStatus(ctx, types.Handle(item.Handle))
	if err != nil {
		cleanupLogger.Error().Err(err).Str("item", item.ID).Msg("failed to poll seeding transfer")
		return false
	}
	return status.Ratio >= c.cfg.RatioGoal
}

func (c *Cleanup) finishSeeding(ctx context.Context, item *db.QueueItem) {
	// Transition first: a lost CAS must leave the artifacts and the driver
	// handle intact so the next sweep can still evaluate the item.
	if err := Transition(c.db, item, db.StageImported); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return
		}
		cleanupLogger.Error().Err(err).Str("item", item.ID).Msg("failed to finish seeding item")
		return
	}

	if err := c.removeAll(ctx, item); err != nil {
		cleanupLogger.Error().Err(err).Str("item", item.ID).Msg("failed to clean up seeded item")
		return
	}
	cleanupLogger.Info().Str("item", item.ID).Msg("seeding goal met, item finished")
}

// Destroy removes every remaining artifact and then the item's record. Only
// after this does the row disappear.
func (c *Cleanup) Destroy(ctx context.Context, item *db.QueueItem) error {
	if err := c.removeAll(ctx, item); err != nil {
		return err
	}
	return db.RemoveQueueItem(c.db, item.ID)
}

// removeAll drops the back-end transfer, the acquisition directory and the
// item's conversion working directory.
func (c *Cleanup) removeAll(ctx context.Context, item *db.QueueItem) error {
	if driver, ok := c.drivers[item.Driver]; ok && item.Handle != "" {
		if err := driver.Cancel(ctx, types.Handle(item.Handle), true); err != nil {
			cleanupLogger.Warn().Err(err).Str("item", item.ID).Msg("failed to remove transfer from driver")
		}
	}

	if err := c.removeAcquired(ctx, item, false); err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(c.workDir, item.ID)); err != nil {
		return err
	}
	if item.ConvertedPath != "" {
		item.ConvertedPath = ""
		return c.savePaths(item)
	}
	return nil
}

// removeAcquired deletes the acquired payload (and sidecar) and clears the
// path fields. Paths are cleared only here, never by a later stage.
func (c *Cleanup) removeAcquired(ctx context.Context, item *db.QueueItem, dropTransfer bool) error {
	if dropTransfer {
		if driver, ok := c.drivers[item.Driver]; ok && item.Handle != "" {
			if err := driver.Cancel(ctx, types.Handle(item.Handle), true); err != nil {
				cleanupLogger.Warn().Err(err).Str("item", item.ID).Msg("failed to remove transfer from driver")
			}
		}
	}

	changed := false
	if item.AcquiredPath != "" {
		if err := os.RemoveAll(acquiredRoot(item)); err != nil {
			return err
		}
		item.AcquiredPath = ""
		changed = true
	}
	if item.SidecarPath != "" {
		if err := os.RemoveAll(item.SidecarPath); err != nil {
			return err
		}
		item.SidecarPath = ""
		changed = true
	}

	if !changed {
		return nil
	}
	return c.savePaths(item)
}

func (c *Cleanup) savePaths(item *db.QueueItem) error {
	err := db.SaveQueueItemCAS(c.db, item)
	if errors.Is(err, db.ErrConflict) {
		// Re-read and re-apply: path clearing must not be lost to a racing
		// progress write.
		fresh, gerr := db.GetQueueItem(c.db, item.ID)
		if gerr != nil {
			return gerr
		}
		fresh.AcquiredPath = item.AcquiredPath
		fresh.SidecarPath = item.SidecarPath
		fresh.ConvertedPath = item.ConvertedPath
		if err := db.SaveQueueItemCAS(c.db, fresh); err != nil {
			return err
		}
		*item = *fresh
		return nil
	}
	return err
}

// acquiredRoot is the per-item directory holding the acquired payload. When
// the payload sits directly in a shared directory, only the payload itself is
// removed.
func acquiredRoot(item *db.QueueItem) string {
	dir := filepath.Dir(item.AcquiredPath)
	if filepath.Base(dir) == item.ID {
		return dir
	}
	return item.AcquiredPath
}
