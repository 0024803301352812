package main

import (
	"context"

	"github.com/crocodilestick/calibre-web-automated/pkg/appdb"
	"github.com/crocodilestick/calibre-web-automated/pkg/audit"
	"github.com/crocodilestick/calibre-web-automated/pkg/calibre"
	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/crocodilestick/calibre-web-automated/pkg/database"
	"github.com/crocodilestick/calibre-web-automated/pkg/epubfix"
	"github.com/crocodilestick/calibre-web-automated/pkg/mailer"
	"github.com/crocodilestick/calibre-web-automated/pkg/migrations"
	"github.com/crocodilestick/calibre-web-automated/pkg/scheduler"
	"github.com/crocodilestick/calibre-web-automated/pkg/settings"
	"github.com/crocodilestick/calibre-web-automated/pkg/tools"
	"github.com/crocodilestick/calibre-web-automated/pkg/version"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

func main() {
	ctx := context.Background()
	log := logger.New()

	log.Info("starting cwa-scheduler", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		log.Err(err).Fatal("migrations error")
	}
	if group.ID != 0 {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID})
	}

	appDB, err := database.NewAppDB(cfg)
	if err != nil {
		log.Err(err).Fatal("app database error")
	}

	settingsService := settings.NewService(db)

	svc := scheduler.NewService(db, log)
	handlers := scheduler.NewHandlers(scheduler.HandlersOptions{
		Config:    cfg,
		Settings:  settingsService,
		Audit:     audit.NewService(db),
		Users:     appdb.NewService(appDB),
		Library:   calibre.NewGateway(cfg.CalibreDBBin, cfg.LibraryDir, cfg.ToolTimeout),
		Converter: tools.NewConverter(cfg.EbookConvertBin, cfg.ToolTimeout),
		Fixer:     epubfix.NewFixer(),
		Mail:      mailer.New(cfg),
	})
	handlers.Register(svc)

	pending, err := svc.ListPending(ctx)
	if err != nil {
		log.Err(err).Fatal("rehydrate error")
	}
	log.Info("rehydrated scheduled jobs", logger.Data{"pending": len(pending)})

	svc.Start()
	log.Info("scheduler started")

	zipper := scheduler.NewZipper(cfg, settingsService, log)
	if err := zipper.Start(); err != nil {
		log.Err(err).Fatal("backup archiver error")
	}
	log.Info("backup archiver started")

	graceful := signals.Setup()
	<-graceful
	log.Info("starting graceful shutdown")

	zipper.Stop()
	log.Info("backup archiver shutdown")

	svc.Shutdown()
	log.Info("scheduler shutdown")

	if err := appDB.Close(); err != nil {
		log.Err(err).Error("app database close error")
	}
	if err := db.Close(); err != nil {
		log.Err(err).Error("database close error")
	}
}
