package main

import (
	"context"
	"flag"
	"os"

	"github.com/crocodilestick/calibre-web-automated/pkg/audit"
	"github.com/crocodilestick/calibre-web-automated/pkg/calibre"
	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/crocodilestick/calibre-web-automated/pkg/database"
	"github.com/crocodilestick/calibre-web-automated/pkg/enforce"
	"github.com/crocodilestick/calibre-web-automated/pkg/migrations"
	"github.com/crocodilestick/calibre-web-automated/pkg/proclock"
	"github.com/crocodilestick/calibre-web-automated/pkg/settings"
	"github.com/crocodilestick/calibre-web-automated/pkg/tools"
	"github.com/crocodilestick/calibre-web-automated/pkg/version"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

func main() {
	book := flag.Int("book", 0, "enforce a single book id and exit")
	all := flag.Bool("all", false, "enforce every book in the library and exit")
	flag.Parse()

	ctx := context.Background()
	log := logger.New()

	log.Info("starting cwa-enforcer", logger.Data{"version": version.Version})

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

	settingsService := settings.NewService(db)

	set, err := settingsService.Get(ctx)
	if err != nil {
		log.Err(err).Fatal("settings error")
	}

	locks, err := proclock.NewManager(cfg.LockDir, 2*set.IngestTimeout())
	if err != nil {
		log.Err(err).Fatal("lock manager error")
	}

	worker := enforce.NewWorker(enforce.WorkerOptions{
		Config:   cfg,
		Settings: settingsService,
		Audit:    audit.NewService(db),
		Locks:    locks,
		Library:  calibre.NewGateway(cfg.CalibreDBBin, cfg.LibraryDir, cfg.ToolTimeout),
		Patcher:  tools.NewMetadataWriter(cfg.EbookMetaBin, cfg.ToolTimeout),
		Log:      log,
	})

	switch {
	case *book > 0:
		if err := worker.EnforceBook(log.WithContext(ctx), *book); err != nil {
			log.Err(err).Error("enforcement failed", logger.Data{"book_id": *book})
			os.Exit(1)
		}
		return
	case *all:
		enforced, err := worker.EnforceAll(log.WithContext(ctx))
		if err != nil {
			log.Err(err).Error("enforcement pass failed")
			os.Exit(1)
		}
		log.Info("enforcement pass finished", logger.Data{"enforced": enforced})
		return
	}

	if err := worker.Start(); err != nil {
		log.Err(err).Fatal("enforcement worker error")
	}
	log.Info("enforcement worker started", logger.Data{"dir": cfg.EnforceLogDir})

	graceful := signals.Setup()
	<-graceful
	log.Info("starting graceful shutdown")

	worker.Shutdown()
	log.Info("enforcement worker shutdown")

	if err := db.Close(); err != nil {
		log.Err(err).Error("database close error")
	}
}
