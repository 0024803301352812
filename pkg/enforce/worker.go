package enforce

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/audit"
	"github.com/crocodilestick/calibre-web-automated/pkg/calibre"
	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/crocodilestick/calibre-web-automated/pkg/fileutils"
	"github.com/crocodilestick/calibre-web-automated/pkg/models"
	"github.com/crocodilestick/calibre-web-automated/pkg/proclock"
	"github.com/crocodilestick/calibre-web-automated/pkg/settings"
	"github.com/crocodilestick/calibre-web-automated/pkg/tools"
	"github.com/crocodilestick/calibre-web-automated/pkg/watcher"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// MaxFailures is how many attempts a change log gets before it is moved to
// the enforce-failed directory.
const MaxFailures = 5

const lockTimeout = 10 * time.Second

// LibraryGateway is the slice of the calibredb gateway enforcement uses.
// Books are always addressed by identifier; titles change under our feet.
type LibraryGateway interface {
	GetFormats(ctx context.Context, id int) ([]calibre.Format, error)
	List(ctx context.Context, query string) ([]calibre.BookSummary, error)
}

// MetadataPatcher writes a patch into a book file in place.
type MetadataPatcher interface {
	Write(ctx context.Context, path string, patch *tools.MetadataPatch) error
}

// Worker watches the change-log directory and applies each log to the
// corresponding book's files.
type Worker struct {
	cfg      *config.Config
	settings *settings.Service
	audit    *audit.Service
	locks    *proclock.Manager
	library  LibraryGateway
	patcher  MetadataPatcher
	log      logger.Logger

	shutdown chan struct{}
	done     chan struct{}
}

type WorkerOptions struct {
	Config   *config.Config
	Settings *settings.Service
	Audit    *audit.Service
	Locks    *proclock.Manager
	Library  LibraryGateway
	Patcher  MetadataPatcher
	Log      logger.Logger
}

func NewWorker(opts WorkerOptions) *Worker {
	return &Worker{
		cfg:      opts.Config,
		settings: opts.Settings,
		audit:    opts.Audit,
		locks:    opts.Locks,
		library:  opts.Library,
		patcher:  opts.Patcher,
		log:      opts.Log,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (w *Worker) Start() error {
	if err := os.MkdirAll(w.cfg.EnforceLogDir, 0755); err != nil {
		return errors.WithStack(err)
	}

	watch, err := watcher.New(w.cfg.EnforceLogDir, watcher.Options{
		Mode:         w.cfg.WatchMode,
		NetworkShare: w.cfg.NetworkShareMode,
		PollInterval: w.cfg.EnforcePollInterval,
		Log:          w.log,
	})
	if err != nil {
		return err
	}

	go w.run(watch)
	return nil
}

func (w *Worker) Shutdown() {
	close(w.shutdown)
	<-w.done
}

func (w *Worker) run(watch watcher.Watcher) {
	defer close(w.done)
	defer watch.Close()

	w.scanExisting()

	// Deferred logs (book locked by a sibling run, enforcement toggled off)
	// sit on disk with no new fs event to bring them back; a periodic rescan
	// picks them up.
	interval := w.cfg.EnforcePollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.scanExisting()
		case event, ok := <-watch.Events():
			if !ok {
				return
			}
			w.handle(event.Path)
		}
	}
}

func (w *Worker) scanExisting() {
	entries, err := os.ReadDir(w.cfg.EnforceLogDir)
	if err != nil {
		w.log.Err(err).Warn("initial change-log scan failed")
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.handle(filepath.Join(w.cfg.EnforceLogDir, entry.Name()))
		}
	}
}

func (w *Worker) handle(path string) {
	if !isLogFile(path) {
		return
	}
	log := w.log.Root(logger.Data{"log": path})
	ctx := log.WithContext(context.Background())

	set, err := w.settings.Get(ctx)
	if err != nil {
		log.Err(err).Error("failed to load settings")
		return
	}
	if !set.AutoMetadataEnforcement {
		return
	}

	change, err := ParseLogFile(path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			// Coalesced away by a sibling run.
			return
		}
		log.Err(err).Warn("unreadable change log, moving to failed")
		w.quarantine(ctx, path)
		return
	}

	handle, err := w.locks.Acquire("enforce:"+strconv.Itoa(change.BookID), lockTimeout)
	if err != nil {
		// Another run owns this book; its coalescing pass covers our log.
		log.Warn("book is locked, deferring", logger.Data{"book_id": change.BookID})
		return
	}
	defer func() {
		if err := handle.Release(); err != nil {
			log.Err(err).Warn("failed to release enforce lock")
		}
	}()

	// Rapid-fire edits produce several logs for one book; only the newest
	// matters, and applying each one would thrash the files.
	change, err = w.coalesce(ctx, change)
	if err != nil {
		log.Err(err).Warn("coalescing failed")
		return
	}
	if change == nil {
		return
	}

	if err := w.apply(ctx, change, models.EnforcementTriggerLog); err != nil {
		w.recordFailure(ctx, change.Path, err)
		return
	}
	if err := os.Remove(change.Path); err != nil && !os.IsNotExist(err) {
		log.Err(err).Warn("failed to delete applied change log")
	}
}

// coalesce finds all pending logs for the same book, deletes all but the
// newest, and returns the newest (nil when every log was already consumed).
func (w *Worker) coalesce(ctx context.Context, change *ChangeLog) (*ChangeLog, error) {
	log := logger.FromContext(ctx)

	entries, err := os.ReadDir(w.cfg.EnforceLogDir)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	newest := (*ChangeLog)(nil)
	var siblings []*ChangeLog
	for _, entry := range entries {
		if entry.IsDir() || !isLogFile(entry.Name()) {
			continue
		}
		path := filepath.Join(w.cfg.EnforceLogDir, entry.Name())
		candidate, err := ParseLogFile(path)
		if err != nil {
			continue
		}
		if candidate.BookID != change.BookID {
			continue
		}
		siblings = append(siblings, candidate)
		if newest == nil || candidate.Timestamp.After(newest.Timestamp) {
			newest = candidate
		}
	}
	if newest == nil {
		return nil, nil
	}

	for _, sibling := range siblings {
		if basePath(sibling.Path) == basePath(newest.Path) {
			continue
		}
		if err := os.Remove(sibling.Path); err != nil && !os.IsNotExist(err) {
			log.Err(err).Warn("failed to delete coalesced log", logger.Data{"log": sibling.Path})
		}
	}
	return newest, nil
}

// apply writes the change into every on-disk format of the book.
func (w *Worker) apply(ctx context.Context, change *ChangeLog, trigger string) error {
	log := logger.FromContext(ctx)

	patch := change.Patch(w.cfg.CoverStagingDir)
	if patch.Empty() {
		// Zero-diff edit; nothing to write and the log is spent.
		return nil
	}

	formats, err := w.library.GetFormats(ctx, change.BookID)
	if err != nil {
		return err
	}
	if len(formats) == 0 {
		return errors.Errorf("book %d has no formats", change.BookID)
	}

	applied := ""
	for _, format := range formats {
		if _, err := os.Stat(format.Path); err != nil {
			log.Warn("format file missing, skipping", logger.Data{"path": format.Path})
			continue
		}
		if err := w.patcher.Write(ctx, format.Path, patch); err != nil {
			return errors.Wrapf(err, "failed to enforce metadata on %s", format.Path)
		}
		if applied == "" {
			applied = format.Path
		}
	}
	if applied == "" {
		return errors.Errorf("book %d has no format files on disk", change.BookID)
	}

	return w.audit.AddEnforcement(ctx, &models.Enforcement{
		BookID:   change.BookID,
		Title:    change.Title,
		Authors:  change.Authors,
		FilePath: applied,
		Trigger:  trigger,
	})
}

// recordFailure bumps the log's failure counter, quarantining it once the
// counter reaches the bound.
func (w *Worker) recordFailure(ctx context.Context, path string, cause error) {
	log := logger.FromContext(ctx)
	log.Err(cause).Warn("enforcement failed")

	if RetryCount(path)+1 >= MaxFailures {
		w.quarantine(ctx, path)
		return
	}
	if err := os.Rename(path, NextRetryPath(path)); err != nil {
		log.Err(err).Warn("failed to bump retry counter")
	}
}

func (w *Worker) quarantine(ctx context.Context, path string) {
	log := logger.FromContext(ctx)

	dst := filepath.Join(w.cfg.EnforceFailDir, filepath.Base(basePath(path)))
	if err := fileutils.MoveFile(path, fileutils.UniquePath(dst)); err != nil {
		log.Err(err).Error("failed to quarantine change log")
		return
	}
	err := w.audit.RecordActivity(ctx, "system", "enforcement_failed", filepath.Base(path))
	if err != nil {
		log.Err(err).Warn("failed to record enforcement failure")
	}
}

// EnforceBook re-applies the library's current title and authors to one
// book's files. This is the manual single-book trigger.
func (w *Worker) EnforceBook(ctx context.Context, bookID int) error {
	handle, err := w.locks.Acquire("enforce:"+strconv.Itoa(bookID), lockTimeout)
	if err != nil {
		return err
	}
	defer handle.Release()

	books, err := w.library.List(ctx, "id:"+strconv.Itoa(bookID))
	if err != nil {
		return err
	}
	if len(books) == 0 {
		return errors.Errorf("book %d not found", bookID)
	}

	change := changeFromSummary(books[0])
	return w.apply(ctx, change, models.EnforcementTriggerManualSingle)
}

// EnforceAll runs a manual enforcement pass over every book in the library.
// Per-book failures are logged and counted, not fatal.
func (w *Worker) EnforceAll(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)

	books, err := w.library.List(ctx, "")
	if err != nil {
		return 0, err
	}

	enforced := 0
	for _, book := range books {
		handle, err := w.locks.Acquire("enforce:"+strconv.Itoa(book.ID), lockTimeout)
		if err != nil {
			log.Err(err).Warn("skipping locked book", logger.Data{"book_id": book.ID})
			continue
		}
		change := changeFromSummary(book)
		err = w.apply(ctx, change, models.EnforcementTriggerManualAll)
		handle.Release()
		if err != nil {
			log.Err(err).Warn("enforcement failed", logger.Data{"book_id": book.ID})
			continue
		}
		enforced++
	}
	return enforced, nil
}

func changeFromSummary(book calibre.BookSummary) *ChangeLog {
	return &ChangeLog{
		BookID:  book.ID,
		Title:   book.Title,
		Authors: book.Authors,
		Fields:  []string{"title", "authors"},
		Values: map[string]string{
			"title":   book.Title,
			"authors": book.Authors,
		},
	}
}

func isLogFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.HasSuffix(base, ".log") || retrySuffixRe.MatchString(base)
}
