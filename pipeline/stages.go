package pipeline

import (
	"fmt"

	"github.com/audiarr-project/audiarr/internal/db"
	"gorm.io/gorm"
)

// transitions is the full edge set of the item state machine. Cancellation is
// reachable from every non-terminal stage; everything else is strictly
// forward, except failed -> dispatched for retries.
var transitions = map[db.Stage][]db.Stage{
	db.StageQueued:           {db.StageDispatched, db.StageCancelled},
	db.StageDispatched:       {db.StageDownloading, db.StageFailed, db.StageCancelled},
	db.StageDownloading:      {db.StageDownloadComplete, db.StageFailed, db.StageCancelled},
	db.StageDownloadComplete: {db.StageConverting, db.StageImporting, db.StageCancelled},
	db.StageConverting:       {db.StageConverted, db.StageFailed, db.StageCancelled},
	db.StageConverted:        {db.StageImporting, db.StageCancelled},
	db.StageImporting:        {db.StageImported, db.StageFailed, db.StageCancelled},
	db.StageImported:         {db.StageSeeding},
	db.StageSeeding:          {db.StageImported, db.StageCancelled},
	db.StageFailed:           {db.StageDispatched, db.StageCancelled},
	db.StageCancelled:        {},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to db.Stage) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition validates the edge and CAS-writes the item with its new stage.
// A db.ErrConflict means another worker already advanced the item; callers
// treat that as an idempotent no-op, not an error condition of the item.
func Transition(gdb *gorm.DB, item *db.QueueItem, to db.Stage) error {
	if !CanTransition(item.Stage, to) {
		return fmt.Errorf("illegal transition %s -> %s for item %s", item.Stage, to, item.ID)
	}
	if to == db.StageSeeding && item.RetentionMode != db.RetentionSeed {
		return fmt.Errorf("item %s cannot seed with retention %s", item.ID, item.RetentionMode)
	}

	from := item.Stage
	item.Stage = to
	if err := db.SaveQueueItemCAS(gdb, item); err != nil {
		item.Stage = from
		return err
	}
	return nil
}
