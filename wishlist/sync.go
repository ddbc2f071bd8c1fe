package wishlist

import (
	"errors"

	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/audiarr-project/audiarr/pipeline"
	"github.com/mmcdole/gofeed"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var logger = log.With().Str("component", "wishlist").Logger()

// Syncer enqueues new entries from configured wishlist feeds. Every feed
// entry is enqueued at most once, tracked by its GUID.
type Syncer struct {
	db     *gorm.DB
	cfg    *config.WishlistConfig
	intake *pipeline.Intake
	parser *gofeed.Parser
}

func New(gdb *gorm.DB, cfg *config.WishlistConfig, intake *pipeline.Intake) *Syncer {
	return &Syncer{
		db:     gdb,
		cfg:    cfg,
		intake: intake,
		parser: gofeed.NewParser(),
	}
}

func (s *Syncer) RegisterCronjob(c *cron.Cron) error {
	_, err := c.AddFunc(s.cfg.Schedule, s.SyncAll)
	return err
}

func (s *Syncer) SyncAll() {
	for _, feed := range s.cfg.Feeds {
		s.syncFeed(feed)
	}
}

func (s *Syncer) syncFeed(feedCfg *config.WishlistFeed) {
	sourceType, ok := db.ParseSourceType(feedCfg.SourceType)
	if !ok {
		logger.Error().Str("feed", feedCfg.URL).Str("source_type", feedCfg.SourceType).Msg("feed has unknown source type")
		return
	}

	feed, err := s.parser.ParseURL(feedCfg.URL)
	if err != nil {
		logger.Error().Err(err).Str("feed", feedCfg.URL).Msg("failed to parse wishlist feed")
		return
	}

	enqueued := 0
	for _, entry := range feed.Items {
		guid := entry.GUID
		if guid == "" {
			guid = entry.Link
		}
		if guid == "" {
			continue
		}

		seen, err := db.WishlistAlreadySeen(s.db, guid)
		if err != nil {
			logger.Error().Err(err).Str("feed", feedCfg.URL).Msg("failed to check wishlist entry")
			return
		}
		if seen {
			continue
		}

		uri := entry.Link
		if len(entry.Enclosures) > 0 && entry.Enclosures[0].URL != "" {
			uri = entry.Enclosures[0].URL
		}

		item, err := s.intake.Enqueue(&pipeline.EnqueueRequest{
			SourceType:       sourceType,
			SourceIdentifier: feedCfg.URL,
			Title:            entry.Title,
			CandidateURI:     uri,
			DeclaredFormat:   entry.Custom["format"],
			Priority:         feedCfg.Priority,
		})
		if err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				// Already queued through another path; never offer it again.
				if err := db.MarkWishlistSeen(s.db, guid, feedCfg.URL, ""); err != nil {
					logger.Error().Err(err).Str("guid", guid).Msg("failed to mark wishlist entry seen")
				}
				continue
			}
			logger.Error().Err(err).Str("feed", feedCfg.URL).Str("title", entry.Title).Msg("failed to enqueue wishlist entry")
			continue
		}

		if err := db.MarkWishlistSeen(s.db, guid, feedCfg.URL, item.ID); err != nil {
			logger.Error().Err(err).Str("guid", guid).Msg("failed to mark wishlist entry seen")
		}
		enqueued++
	}

	if enqueued > 0 {
		logger.Info().Str("feed", feedCfg.URL).Int("enqueued", enqueued).Msg("wishlist sync enqueued items")
	}
}
