package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/audiarr-project/audiarr/converter"
	"github.com/audiarr-project/audiarr/downloaders"
	"github.com/audiarr-project/audiarr/importer"
	"github.com/audiarr-project/audiarr/internal/config"
	"github.com/audiarr-project/audiarr/internal/db"
	"github.com/audiarr-project/audiarr/internal/handlers"
	"github.com/audiarr-project/audiarr/internal/notify"
	"github.com/audiarr-project/audiarr/pipeline"
	"github.com/audiarr-project/audiarr/wishlist"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("failed to create work dir")
	}

	var gdb *gorm.DB
	switch cfg.Database.Driver {
	case "postgres":
		gdb, err = db.Pg(cfg.Database.DSN)
	default:
		gdb, err = db.Sqlite(cfg.Database.Path)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	drivers, err := downloaders.NewAll(cfg.Drivers)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build acquisition drivers")
	}

	var notifiers []notify.INotifier
	if cfg.Telegram != nil && cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(cfg.Telegram)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build telegram notifier")
		}
		notifiers = append(notifiers, tg)
	}

	converterClient, err := converter.NewClient(cfg.Converter.URL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build converter client")
	}
	importerClient, err := importer.NewClient(cfg.Importer.URL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build importer client")
	}

	selector := pipeline.NewSelector(drivers, cfg.Drivers, cfg.Selector)
	tracker := pipeline.NewTracker(cfg.Tracker, notifiers)
	cleanup := pipeline.NewCleanup(gdb, cfg.Retention, drivers, cfg.WorkDir)
	intake := pipeline.NewIntake(gdb, cleanup, filepath.Join(cfg.WorkDir, "torrents"))
	orchestrator := pipeline.NewOrchestrator(gdb, cfg.Orchestrator, cfg.WorkDir, selector, drivers, tracker, cleanup, converterClient, importerClient)

	cronRunner := cron.New()
	if _, err := cronRunner.AddFunc(cfg.Retention.SweepSchedule, func() {
		cleanup.SweepSeeding(context.Background())
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to register retention sweep")
	}
	if cfg.Wishlist != nil && len(cfg.Wishlist.Feeds) > 0 {
		syncer := wishlist.New(gdb, cfg.Wishlist, intake)
		if err := syncer.RegisterCronjob(cronRunner); err != nil {
			log.Fatal().Err(err).Msg("failed to register wishlist sync")
		}
	}

	cronRunner.Start()
	orchestrator.Start()

	router := gin.Default()
	service := handlers.NewService(gdb, intake, orchestrator, tracker, selector)
	service.SetupRouter(router.Group("/api/v1"))
	handlers.ServeStatic(router)

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Str("listen", cfg.Listen).Msg("audiarr started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	orchestrator.Stop()
	<-cronRunner.Stop().Done()
}
