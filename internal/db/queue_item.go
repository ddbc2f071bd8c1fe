package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// SourceType identifies which kind of back-end produced an acquisition.
type SourceType string

const (
	SourceVendorDirect SourceType = "vendor_direct"
	SourcePeerSwarm    SourceType = "peer_swarm"
	SourceNewsgroup    SourceType = "newsgroup"
)

var sourceTypes = map[SourceType]struct{}{
	SourceVendorDirect: {},
	SourcePeerSwarm:    {},
	SourceNewsgroup:    {},
}

// ParseSourceType converts a string into a known SourceType.
func ParseSourceType(value string) (SourceType, bool) {
	st := SourceType(value)
	_, ok := sourceTypes[st]
	return st, ok
}

// Stage is the position of a queue item in the pipeline state machine.
type Stage string

const (
	StageQueued           Stage = "queued"
	StageDispatched       Stage = "dispatched"
	StageDownloading      Stage = "downloading"
	StageDownloadComplete Stage = "download_complete"
	StageConverting       Stage = "converting"
	StageConverted        Stage = "converted"
	StageImporting        Stage = "importing"
	StageImported         Stage = "imported"
	StageSeeding          Stage = "seeding"
	StageFailed           Stage = "failed"
	StageCancelled        Stage = "cancelled"
)

// IsTerminal reports whether no further transition can leave the stage.
// Imported items with seeding retention are moved to StageSeeding before
// this ever answers true for them.
func (s Stage) IsTerminal() bool {
	return s == StageImported || s == StageCancelled
}

// RetentionMode governs what happens to acquired files after import.
type RetentionMode string

const (
	RetentionDeleteNow RetentionMode = "delete_now"
	RetentionSeed      RetentionMode = "seed"
)

var (
	// ErrConflict is returned when a compare-and-swap write lost against a
	// concurrent update of the same item.
	ErrConflict = errors.New("queue item revision conflict")

	// ErrDuplicate is returned when enqueueing an item whose id already exists.
	ErrDuplicate = errors.New("queue item already exists")
)

// QueueItem is the durable record of one unit of acquisition work.
type QueueItem struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// Revision is the optimistic-concurrency counter. Every successful write
	// bumps it by exactly one; writers supply the revision they read and lose
	// with ErrConflict when it moved underneath them.
	Revision int64

	SourceType SourceType `gorm:"index:idx_source_stage"`
	Stage      Stage      `gorm:"index:idx_source_stage;index:idx_stage_priority,priority:1"`
	Priority   int        `gorm:"index:idx_stage_priority,priority:2"`
	EnqueuedAt time.Time  `gorm:"index:idx_stage_priority,priority:3"`

	Title          string
	CatalogKey     string
	Indexer        string
	CandidateURI   string
	DeclaredFormat string
	// TorrentFile is the local .torrent path for peer-swarm items, fetched at
	// enqueue time.
	TorrentFile string
	// ForceConversion is the explicit acquisition-type conversion flag, set at
	// enqueue time (e.g. vendor items known to carry an encrypted container).
	ForceConversion bool

	// Driver is the name of the acquisition driver the item was dispatched to,
	// and Handle the driver's transfer identifier. Both survive restarts so
	// cancellation and the seeding sweep can always reach the transfer.
	Driver string
	Handle string

	AcquiredPath  string
	ConvertedPath string
	FinalPath     string
	SidecarPath   string

	BytesDone    int64
	BytesTotal   int64
	TransferRate int64
	// DownloadProgress is in x/1000.
	DownloadProgress uint16

	RetryCount int
	LastError  string
	// NextRetryAt defers re-dispatch of a failed item until backoff elapsed.
	NextRetryAt *time.Time

	RetentionMode RetentionMode
	SeedStartedAt *time.Time
}

// ActiveStages are the stages in which an item occupies orchestrator attention.
var ActiveStages = []Stage{
	StageDispatched,
	StageDownloading,
	StageDownloadComplete,
	StageConverting,
	StageConverted,
	StageImporting,
}

func EnqueueQueueItem(db *gorm.DB, item *QueueItem) error {
	_, err := GetQueueItem(db, item.ID)
	if err == nil {
		return ErrDuplicate
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	item.Stage = StageQueued
	item.Revision = 0
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if item.RetentionMode == "" {
		item.RetentionMode = RetentionDeleteNow
	}
	return db.Create(item).Error
}

func GetQueueItem(db *gorm.DB, id string) (*QueueItem, error) {
	item := &QueueItem{}
	err := db.First(item, "id = ?", id).Error
	return item, err
}

// SaveQueueItemCAS writes every field of the item guarded by the revision it
// was read at. Exactly one of two concurrent writers wins; the loser gets
// ErrConflict and must re-read. On failure the in-memory revision is restored.
func SaveQueueItemCAS(db *gorm.DB, item *QueueItem) error {
	prev := item.Revision
	item.Revision = prev + 1

	res := db.Model(&QueueItem{}).
		Where("id = ? AND revision = ?", item.ID, prev).
		Select("*").
		Omit("id", "created_at").
		Updates(item)
	if res.Error != nil {
		item.Revision = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		item.Revision = prev
		return ErrConflict
	}
	return nil
}

func ListQueueItemsByStage(db *gorm.DB, stage Stage) ([]QueueItem, error) {
	var items []QueueItem
	err := db.Where("stage = ?", stage).Order("enqueued_at asc, id asc").Find(&items).Error
	return items, err
}

// ListReadyForDispatch returns queued items plus failed items whose retry
// backoff has elapsed, best priority first, FIFO within a priority.
func ListReadyForDispatch(db *gorm.DB, limit int) ([]QueueItem, error) {
	var items []QueueItem
	err := db.
		Where("stage = ?", StageQueued).
		Or(db.Where("stage = ?", StageFailed).Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", time.Now())).
		Order("priority asc, enqueued_at asc, id asc").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func ListActiveQueueItems(db *gorm.DB) ([]QueueItem, error) {
	var items []QueueItem
	err := db.Where("stage IN ?", ActiveStages).Order("enqueued_at asc, id asc").Find(&items).Error
	return items, err
}

func ListSeedingQueueItems(db *gorm.DB) ([]QueueItem, error) {
	return ListQueueItemsByStage(db, StageSeeding)
}

func RemoveQueueItem(db *gorm.DB, id string) error {
	return db.Where("id = ?", id).Delete(&QueueItem{}).Error
}

// StageCounts aggregates the queue per stage for the status API.
func StageCounts(db *gorm.DB) (map[Stage]int64, error) {
	type row struct {
		Stage Stage
		N     int64
	}
	var rows []row
	err := db.Model(&QueueItem{}).Select("stage, count(*) as n").Group("stage").Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[Stage]int64, len(rows))
	for _, r := range rows {
		counts[r.Stage] = r.N
	}
	return counts, nil
}

// WishlistSeen records feed entries that were already enqueued so a wishlist
// sync never enqueues the same entry twice.
type WishlistSeen struct {
	GUID      string `gorm:"primarykey"`
	CreatedAt time.Time
	FeedURL   string
	ItemID    string
}

func MarkWishlistSeen(db *gorm.DB, guid, feedURL, itemID string) error {
	return db.Create(&WishlistSeen{GUID: guid, FeedURL: feedURL, ItemID: itemID}).Error
}

func WishlistAlreadySeen(db *gorm.DB, guid string) (bool, error) {
	var seen WishlistSeen
	err := db.First(&seen, "guid = ?", guid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
