package scheduler

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/crocodilestick/calibre-web-automated/pkg/fileutils"
	"github.com/crocodilestick/calibre-web-automated/pkg/settings"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/robinjoseph08/golib/logger"
)

// zipSchedule runs the backup archiver shortly after midnight, local time.
const zipSchedule = "5 0 * * *"

// Zipper periodically rolls loose backup files into dated zip archives so
// the processed-books tree doesn't grow without bound. The enable flag is
// re-read on every run; flipping it in the UI needs no restart.
type Zipper struct {
	cfg      *config.Config
	settings *settings.Service
	log      logger.Logger
	cron     *cron.Cron
}

func NewZipper(cfg *config.Config, set *settings.Service, log logger.Logger) *Zipper {
	return &Zipper{
		cfg:      cfg,
		settings: set,
		log:      log,
		cron:     cron.New(cron.WithLocation(cfg.Location())),
	}
}

func (z *Zipper) Start() error {
	_, err := z.cron.AddFunc(zipSchedule, func() {
		ctx := z.log.WithContext(context.Background())

		set, err := z.settings.Get(ctx)
		if err != nil {
			z.log.Err(err).Error("failed to load settings for backup archiving")
			return
		}
		if !set.AutoZipBackups {
			return
		}
		if err := z.ZipOnce(ctx); err != nil {
			z.log.Err(err).Error("backup archiving failed")
		}
	})
	if err != nil {
		return errors.WithStack(err)
	}

	z.cron.Start()
	return nil
}

func (z *Zipper) Stop() {
	<-z.cron.Stop().Done()
}

// ZipOnce archives every loose file under each backup category into a dated
// zip in the same month directory, then deletes the archived originals.
func (z *Zipper) ZipOnce(ctx context.Context) error {
	log := logger.FromContext(ctx)

	categories := []string{
		fileutils.BackupImported,
		fileutils.BackupConverted,
		fileutils.BackupFixedOriginals,
	}
	stamp := time.Now().In(z.cfg.Location()).Format("20060102")

	for _, category := range categories {
		root := filepath.Join(z.cfg.BackupDir, category)
		months, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.WithStack(err)
		}

		for _, month := range months {
			if !month.IsDir() {
				continue
			}
			dir := filepath.Join(root, month.Name())
			archived, err := zipDirectory(dir, filepath.Join(dir, stamp+".zip"))
			if err != nil {
				return errors.Wrapf(err, "failed to archive %s", dir)
			}
			if archived > 0 {
				log.Info("archived backups", logger.Data{"dir": dir, "files": archived})
			}
		}
	}
	return nil
}

// zipDirectory moves every non-zip regular file in dir into the archive at
// dst. Returns how many files were archived; zero means no archive was
// created.
func zipDirectory(dir, dst string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".zip" {
			continue
		}
		files = append(files, entry.Name())
	}
	if len(files) == 0 {
		return 0, nil
	}

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer func() {
		out.Close()
		os.Remove(tmp)
	}()

	zw := zip.NewWriter(out)
	for _, name := range files {
		src, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return 0, errors.WithStack(err)
		}
		w, err := zw.Create(name)
		if err != nil {
			src.Close()
			return 0, errors.WithStack(err)
		}
		if _, err := io.Copy(w, src); err != nil {
			src.Close()
			return 0, errors.WithStack(err)
		}
		src.Close()
	}
	if err := zw.Close(); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := out.Close(); err != nil {
		return 0, errors.WithStack(err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return 0, errors.WithStack(err)
	}

	// Delete originals only once the archive is durably in place.
	for _, name := range files {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	return len(files), nil
}
