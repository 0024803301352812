package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/appdb"
	"github.com/crocodilestick/calibre-web-automated/pkg/audit"
	"github.com/crocodilestick/calibre-web-automated/pkg/calibre"
	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/crocodilestick/calibre-web-automated/pkg/epubfix"
	"github.com/crocodilestick/calibre-web-automated/pkg/fileutils"
	"github.com/crocodilestick/calibre-web-automated/pkg/ingest"
	"github.com/crocodilestick/calibre-web-automated/pkg/mailer"
	"github.com/crocodilestick/calibre-web-automated/pkg/models"
	"github.com/crocodilestick/calibre-web-automated/pkg/settings"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// Mailer is the outbound transport the auto-send handler uses.
type Mailer interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// LibraryGateway is the slice of the calibredb gateway the handlers use.
type LibraryGateway interface {
	List(ctx context.Context, query string) ([]calibre.BookSummary, error)
	GetFormats(ctx context.Context, id int) ([]calibre.Format, error)
	AddFormat(ctx context.Context, id int, path string) error
}

// FormatConverter produces dst from src without touching src.
type FormatConverter interface {
	Convert(ctx context.Context, src, dst string) error
}

// EpubFixer rewrites src into a compatible copy at dst.
type EpubFixer interface {
	Fix(ctx context.Context, src, dst string) ([]string, error)
}

// Handlers implements the known job types. Register binds them onto a
// scheduler service.
type Handlers struct {
	cfg       *config.Config
	settings  *settings.Service
	audit     *audit.Service
	users     *appdb.Service
	library   LibraryGateway
	converter FormatConverter
	fixer     EpubFixer
	mail      Mailer
}

type HandlersOptions struct {
	Config    *config.Config
	Settings  *settings.Service
	Audit     *audit.Service
	Users     *appdb.Service
	Library   LibraryGateway
	Converter FormatConverter
	Fixer     EpubFixer
	Mail      Mailer
}

func NewHandlers(opts HandlersOptions) *Handlers {
	return &Handlers{
		cfg:       opts.Config,
		settings:  opts.Settings,
		audit:     opts.Audit,
		users:     opts.Users,
		library:   opts.Library,
		converter: opts.Converter,
		fixer:     opts.Fixer,
		mail:      opts.Mail,
	}
}

func (h *Handlers) Register(svc *Service) {
	svc.RegisterHandler(models.JobTypeAutoSend, h.AutoSend)
	svc.RegisterHandler(models.JobTypeConvertLibrary, h.ConvertLibrary)
	svc.RegisterHandler(models.JobTypeEpubFixer, h.EpubFixerRun)
}

// AutoSend delivers a book to one user's registered addresses. Delivery
// settings are re-read at fire time; they may have changed since scheduling.
func (h *Handlers) AutoSend(ctx context.Context, job *models.ScheduledJob) error {
	data, ok := job.DataParsed.(*models.JobAutoSendData)
	if !ok {
		return errors.New("malformed auto-send payload")
	}

	user, err := h.users.RetrieveUser(ctx, data.UserID)
	if err != nil {
		return err
	}
	addresses := user.DeliveryAddresses()
	if len(addresses) == 0 {
		return errors.Errorf("user %q has no delivery addresses", user.Name)
	}

	path, err := h.preferredFormatPath(ctx, data.BookID)
	if err != nil {
		return err
	}

	title := data.Title
	if title == "" {
		title = filepath.Base(path)
	}
	err = h.mail.Send(ctx, mailer.Message{
		To:             addresses,
		Subject:        title,
		Body:           fmt.Sprintf("%q is attached, sent by your library.", title),
		AttachmentPath: path,
	})
	if err != nil {
		return err
	}

	err = h.audit.RecordActivity(ctx, user.Name, "auto_send", title)
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("failed to record auto-send")
	}
	return nil
}

// preferredFormatPath picks the best on-disk format of a book for delivery,
// using the same priority order ingest uses.
func (h *Handlers) preferredFormatPath(ctx context.Context, bookID int) (string, error) {
	formats, err := h.library.GetFormats(ctx, bookID)
	if err != nil {
		return "", err
	}
	byExt := map[string]string{}
	for _, format := range formats {
		byExt[format.Ext] = format.Path
	}
	for _, ext := range ingest.FormatPriority {
		if path, ok := byExt[ext]; ok {
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", errors.Errorf("book %d has no sendable format on disk", bookID)
}

// ConvertLibrary runs a whole-library conversion pass: every book missing the
// target format gains it. Per-book failures are logged, not fatal.
func (h *Handlers) ConvertLibrary(ctx context.Context, job *models.ScheduledJob) error {
	log := logger.FromContext(ctx)

	target := ""
	if data, ok := job.DataParsed.(*models.JobConvertLibraryData); ok {
		target = data.TargetFormat
	}
	set, err := h.settings.Get(ctx)
	if err != nil {
		return err
	}
	if target == "" {
		target = set.AutoConvertTargetFormat
	}
	if !ingest.SupportedFormat(target) && target != "kepub" {
		return errors.Errorf("unsupported target format %q", target)
	}

	books, err := h.library.List(ctx, "")
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "cwa-convert-")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.RemoveAll(tmpDir)

	converted := 0
	for _, book := range books {
		if hasExt(book.Formats, target) {
			continue
		}
		src := bestSource(book.Formats, set.IgnoredConvertFormats())
		if src == "" {
			continue
		}

		dst := filepath.Join(tmpDir, fmt.Sprintf("%d.%s", book.ID, target))
		if err := h.converter.Convert(ctx, src, dst); err != nil {
			log.Err(err).Warn("library conversion failed", logger.Data{"book_id": book.ID})
			continue
		}
		if err := h.library.AddFormat(ctx, book.ID, dst); err != nil {
			log.Err(err).Warn("failed to attach converted format", logger.Data{"book_id": book.ID})
			os.Remove(dst)
			continue
		}
		os.Remove(dst)

		err = h.audit.AddConversion(ctx, filepath.Base(src), fileutils.Ext(src), target, false)
		if err != nil {
			log.Err(err).Warn("failed to record conversion", logger.Data{"book_id": book.ID})
		}
		converted++
	}

	log.Info("library conversion pass finished", logger.Data{
		"books":     len(books),
		"converted": converted,
	})
	return nil
}

// EpubFixerRun applies the Kindle compatibility fixes to every EPUB in the
// library, in place.
func (h *Handlers) EpubFixerRun(ctx context.Context, job *models.ScheduledJob) error {
	log := logger.FromContext(ctx)

	set, err := h.settings.Get(ctx)
	if err != nil {
		return err
	}

	books, err := h.library.List(ctx, "")
	if err != nil {
		return err
	}

	fixed := 0
	for _, book := range books {
		path := pathWithExt(book.Formats, "epub")
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}

		backedUp := false
		if set.AutoBackupEpubFixes {
			dst := fileutils.BackupPath(h.cfg.BackupDir, fileutils.BackupFixedOriginals, path, time.Now())
			if err := fileutils.CopyFile(path, dst); err != nil {
				log.Err(err).Warn("failed to back up fixer input", logger.Data{"path": path})
			} else {
				backedUp = true
			}
		}

		tmp := path + ".fixed"
		fixes, err := h.fixer.Fix(ctx, path, tmp)
		if err != nil {
			log.Err(err).Warn("epub fix failed", logger.Data{"book_id": book.ID})
			os.Remove(tmp)
			continue
		}
		if len(fixes) == 0 {
			// Already clean; keep the original bytes.
			os.Remove(tmp)
			continue
		}
		if err := os.Rename(tmp, path); err != nil {
			log.Err(err).Warn("failed to replace epub", logger.Data{"path": path})
			os.Remove(tmp)
			continue
		}

		record := &models.EpubFix{
			Filename:          filepath.Base(path),
			Path:              path,
			ManuallyTriggered: true,
			BackedUp:          backedUp,
		}
		if err := h.audit.AddEpubFix(ctx, record, fixes); err != nil {
			log.Err(err).Warn("failed to record epub fix", logger.Data{"path": path})
		}
		fixed++
	}

	log.Info("epub fixer pass finished", logger.Data{"books": len(books), "fixed": fixed})
	return nil
}

var _ EpubFixer = (*epubfix.Fixer)(nil)

func hasExt(formats []string, ext string) bool {
	for _, path := range formats {
		if fileutils.Ext(path) == ext {
			return true
		}
	}
	return false
}

func pathWithExt(formats []string, ext string) string {
	for _, path := range formats {
		if fileutils.Ext(path) == ext {
			return path
		}
	}
	return ""
}

// bestSource picks the highest-priority format not on the convert ignore
// list.
func bestSource(formats []string, ignored []string) string {
	byExt := map[string]string{}
	for _, path := range formats {
		byExt[fileutils.Ext(path)] = path
	}
	for _, ext := range ingest.FormatPriority {
		path, ok := byExt[ext]
		if !ok {
			continue
		}
		skip := false
		for _, ig := range ignored {
			if ig == ext {
				skip = true
				break
			}
		}
		if !skip {
			return path
		}
	}
	return ""
}
