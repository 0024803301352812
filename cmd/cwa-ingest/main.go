package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/appdb"
	"github.com/crocodilestick/calibre-web-automated/pkg/audit"
	"github.com/crocodilestick/calibre-web-automated/pkg/calibre"
	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/crocodilestick/calibre-web-automated/pkg/database"
	"github.com/crocodilestick/calibre-web-automated/pkg/epubfix"
	"github.com/crocodilestick/calibre-web-automated/pkg/errcodes"
	"github.com/crocodilestick/calibre-web-automated/pkg/ingest"
	"github.com/crocodilestick/calibre-web-automated/pkg/migrations"
	"github.com/crocodilestick/calibre-web-automated/pkg/proclock"
	"github.com/crocodilestick/calibre-web-automated/pkg/scheduler"
	"github.com/crocodilestick/calibre-web-automated/pkg/settings"
	"github.com/crocodilestick/calibre-web-automated/pkg/status"
	"github.com/crocodilestick/calibre-web-automated/pkg/tools"
	"github.com/crocodilestick/calibre-web-automated/pkg/version"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

// Exit codes consumed by the wrapper script.
const (
	exitOK            = 0
	exitError         = 1
	exitAnotherRun    = 2
	exitSafetyTimeout = 124
)

func main() {
	oneFile := flag.String("file", "", "process a single file and exit")
	flag.Parse()

	ctx := context.Background()
	log := logger.New()

	log.Info("starting cwa-ingest", logger.Data{"version": version.Version})

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
	auditService := audit.NewService(db)

	set, err := settingsService.Get(ctx)
	if err != nil {
		log.Err(err).Fatal("settings error")
	}

	locks, err := proclock.NewManager(cfg.LockDir, 2*set.IngestTimeout())
	if err != nil {
		log.Err(err).Fatal("lock manager error")
	}

	// The library tool is single-writer; one processor run per host.
	global, err := locks.Acquire("ingest:global", 2*time.Second)
	if err != nil {
		log.Warn("another ingest run is active, exiting")
		os.Exit(exitAnotherRun)
	}
	defer global.Release()

	// The app database is optional: without it the auto-send fan-out is
	// skipped but ingest itself still works.
	var users ingest.AutoSendUsers
	if appDB, err := database.NewAppDB(cfg); err != nil {
		log.Err(err).Warn("app database unavailable, auto-send fan-out disabled")
	} else {
		users = appdb.NewService(appDB)
		defer appDB.Close()
	}

	// Schedule-only handle; the scheduler daemon polls the table and picks
	// these rows up.
	jobs := scheduler.NewService(db, log)

	processor := ingest.NewProcessor(ingest.ProcessorOptions{
		Config:    cfg,
		Settings:  settingsService,
		Audit:     auditService,
		Locks:     locks,
		Library:   calibre.NewGateway(cfg.CalibreDBBin, cfg.LibraryDir, cfg.ToolTimeout),
		Converter: tools.NewConverter(cfg.EbookConvertBin, cfg.ToolTimeout),
		Kepubify:  tools.NewKepubifier(cfg.KepubifyBin, cfg.ToolTimeout),
		Fixer:     epubfix.NewFixer(),
		Meta:      tools.NewMetadataReader(cfg.EbookMetaBin, cfg.ToolTimeout),
		Scheduler: jobs,
		Users:     users,
		Status:    status.NewFile(cfg.StatusFilePath()),
	})

	if *oneFile != "" {
		os.Exit(processOne(log.WithContext(ctx), processor, *oneFile))
	}

	loop := ingest.NewLoop(cfg, processor, log)
	if err := loop.Start(); err != nil {
		log.Err(err).Fatal("ingest loop error")
	}
	log.Info("ingest loop started", logger.Data{"dir": cfg.IngestDir})

	graceful := signals.Setup()
	<-graceful
	log.Info("starting graceful shutdown")

	loop.Shutdown()
	log.Info("ingest loop shutdown")

	if err := db.Close(); err != nil {
		log.Err(err).Error("database close error")
	}
}

// processOne is the wrapper-script entry: one file, one exit code.
func processOne(ctx context.Context, processor *ingest.Processor, path string) int {
	log := logger.FromContext(ctx)

	result, err := processor.ProcessFile(ctx, path)
	if err != nil {
		var te *errcodes.Error
		if errors.As(err, &te) {
			switch te.Code {
			case "busy":
				return exitAnotherRun
			case "safety_timeout":
				return exitSafetyTimeout
			}
		}
		log.Err(err).Error("processing failed", logger.Data{"path": path})
		return exitError
	}

	log.Info("file processed", logger.Data{
		"path":    path,
		"outcome": string(result.Outcome),
	})
	return exitOK
}
