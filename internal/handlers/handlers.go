package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/audiarr-project/audiarr/pipeline"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Service exposes the queue over HTTP. External callers can read everything
// but mutate nothing except enqueue, cancel, retry and remove.
type Service struct {
	db           *gorm.DB
	intake       *pipeline.Intake
	orchestrator *pipeline.Orchestrator
	tracker      *pipeline.Tracker
	selector     *pipeline.Selector
}

func NewService(gdb *gorm.DB, intake *pipeline.Intake, orchestrator *pipeline.Orchestrator, tracker *pipeline.Tracker, selector *pipeline.Selector) *Service {
	return &Service{
		db:           gdb,
		intake:       intake,
		orchestrator: orchestrator,
		tracker:      tracker,
		selector:     selector,
	}
}

func (s *Service) SetupRouter(router *gin.RouterGroup) {
	router.GET("/queue", s.listQueue)
	router.GET("/queue/counts", s.queueCounts)
	router.GET("/queue/:id", s.getQueueItem)
	router.POST("/queue", s.enqueue)
	router.POST("/queue/:id/cancel", s.cancelQueueItem)
	router.POST("/queue/:id/retry", s.retryQueueItem)
	router.DELETE("/queue/:id", s.removeQueueItem)

	router.GET("/progress", s.progressSnapshot)
	router.GET("/drivers", s.driverHealth)
}

// QueueItemView is the read model served to consumers.
type QueueItemView struct {
	ID         string        `json:"id"`
	SourceType db.SourceType `json:"source_type"`
	Stage      db.Stage      `json:"stage"`
	Priority   int           `json:"priority"`
	Title      string        `json:"title"`
	CatalogKey string        `json:"catalog_key,omitempty"`
	Indexer    string        `json:"indexer,omitempty"`
	Driver     string        `json:"driver,omitempty"`

	Progress   uint16 `json:"progress"`
	BytesDone  int64  `json:"bytes_done"`
	BytesTotal int64  `json:"bytes_total"`

	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	FinalPath  string     `json:"final_path,omitempty"`
}

func toView(item *db.QueueItem) *QueueItemView {
	return &QueueItemView{
		ID:         item.ID,
		SourceType: item.SourceType,
		Stage:      item.Stage,
		Priority:   item.Priority,
		Title:      item.Title,
		CatalogKey: item.CatalogKey,
		Indexer:    item.Indexer,
		Driver:     item.Driver,
		Progress:   item.DownloadProgress,
		BytesDone:  item.BytesDone,
		BytesTotal: item.BytesTotal,
		RetryCount: item.RetryCount,
		LastError:  item.LastError,
		EnqueuedAt: item.EnqueuedAt,
		FinalPath:  item.FinalPath,
	}
}

func (s *Service) listQueue(c *gin.Context) {
	var items []db.QueueItem
	var err error

	if stageParam := c.Query("stage"); stageParam != "" {
		items, err = db.ListQueueItemsByStage(s.db, db.Stage(stageParam))
	} else {
		err = s.db.Order("enqueued_at asc, id asc").Find(&items).Error
	}
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	views := make([]*QueueItemView, 0, len(items))
	for i := range items {
		views = append(views, toView(&items[i]))
	}
	c.JSON(200, views)
}

func (s *Service) queueCounts(c *gin.Context) {
	counts, err := db.StageCounts(s.db)
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, counts)
}

func (s *Service) getQueueItem(c *gin.Context) {
	item, err := db.GetQueueItem(s.db, c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(404, gin.H{"error": "Queue item not found"})
		return
	}
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, toView(item))
}

type EnqueueRequest struct {
	SourceType       string `json:"source_type" binding:"required"`
	SourceIdentifier string `json:"source_identifier"`
	Title            string `json:"title"`
	CatalogKey       string `json:"catalog_key"`
	DeclaredFormat   string `json:"declared_format"`
	CandidateURI     string `json:"candidate_uri" binding:"required"`
	Priority         int    `json:"priority"`
	ForceConversion  bool   `json:"force_conversion"`
}

func (s *Service) enqueue(c *gin.Context) {
	req := &EnqueueRequest{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	sourceType, ok := db.ParseSourceType(req.SourceType)
	if !ok {
		c.JSON(400, gin.H{"error": "Unknown source type"})
		return
	}

	item, err := s.intake.Enqueue(&pipeline.EnqueueRequest{
		SourceType:       sourceType,
		SourceIdentifier: req.SourceIdentifier,
		Title:            req.Title,
		CatalogKey:       req.CatalogKey,
		DeclaredFormat:   req.DeclaredFormat,
		CandidateURI:     req.CandidateURI,
		Priority:         req.Priority,
		ForceConversion:  req.ForceConversion,
	})
	if errors.Is(err, db.ErrDuplicate) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, toView(item))
}

func (s *Service) cancelQueueItem(c *gin.Context) {
	id := c.Param("id")
	if err := s.orchestrator.Cancel(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(404, gin.H{"error": "Queue item not found"})
			return
		}
		c.JSON(500, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"id": id, "cancelled": true})
}

func (s *Service) retryQueueItem(c *gin.Context) {
	id := c.Param("id")
	if err := s.orchestrator.Retry(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(404, gin.H{"error": "Queue item not found"})
			return
		}
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"id": id, "retry": true})
}

func (s *Service) removeQueueItem(c *gin.Context) {
	id := c.Param("id")
	if err := s.orchestrator.Remove(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(404, gin.H{"error": "Queue item not found"})
			return
		}
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}
	c.JSON(200, gin.H{"id": id, "removed": true})
}

func (s *Service) progressSnapshot(c *gin.Context) {
	c.JSON(200, s.tracker.Snapshot())
}

func (s *Service) driverHealth(c *gin.Context) {
	c.JSON(200, s.selector.Health())
}
