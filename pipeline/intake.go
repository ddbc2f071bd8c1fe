package pipeline

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/audiarr-project/audiarr/internal/helpers"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EnqueueRequest describes a matched source handed over by the search layer
// or a wishlist sync.
type EnqueueRequest struct {
	SourceType       db.SourceType
	SourceIdentifier string
	Title            string
	CatalogKey       string
	DeclaredFormat   string
	CandidateURI     string
	Priority         int
	ForceConversion  bool
}

// Intake turns enqueue requests into queue items. Peer-swarm items are keyed
// by their torrent info-hash, which gives duplicate detection for free;
// everything else gets a random id.
type Intake struct {
	db          *gorm.DB
	cleanup     *Cleanup
	torrentsDir string
	httpClient  *http.Client
}

func NewIntake(gdb *gorm.DB, cleanup *Cleanup, torrentsDir string) *Intake {
	return &Intake{
		db:          gdb,
		cleanup:     cleanup,
		torrentsDir: torrentsDir,
		httpClient:  http.DefaultClient,
	}
}

func (i *Intake) Enqueue(req *EnqueueRequest) (*db.QueueItem, error) {
	if req.CandidateURI == "" {
		return nil, fmt.Errorf("enqueue request without candidate URI")
	}

	item := &db.QueueItem{
		SourceType:      req.SourceType,
		Title:           req.Title,
		CatalogKey:      req.CatalogKey,
		Indexer:         req.SourceIdentifier,
		CandidateURI:    req.CandidateURI,
		DeclaredFormat:  req.DeclaredFormat,
		Priority:        req.Priority,
		ForceConversion: req.ForceConversion,
		RetentionMode:   i.cleanup.RetentionModeFor(req.SourceType),
	}

	switch req.SourceType {
	case db.SourcePeerSwarm:
		if strings.HasPrefix(req.CandidateURI, "magnet:") {
			hash, err := helpers.ParseMagnetHash(req.CandidateURI)
			if err != nil {
				return nil, err
			}
			item.ID = hash
		} else {
			hash, path, err := helpers.FetchTorrentFile(i.httpClient, req.CandidateURI, i.torrentsDir, i.db)
			if err != nil {
				return nil, err
			}
			item.ID = hash
			item.TorrentFile = path
		}
	case db.SourceNewsgroup, db.SourceVendorDirect:
		item.ID = uuid.NewString()
	default:
		return nil, fmt.Errorf("unknown source type %q", req.SourceType)
	}

	if err := db.EnqueueQueueItem(i.db, item); err != nil {
		return nil, err
	}
	return item, nil
}
