// Package ingest runs dropped files through the pipeline: classify, convert,
// import, back up, clean up, and fan out follow-up jobs. One file is one unit
// of work; a failure moves that file to failed/ and never stops the loop.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/appdb"
	"github.com/crocodilestick/calibre-web-automated/pkg/audit"
	"github.com/crocodilestick/calibre-web-automated/pkg/calibre"
	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/crocodilestick/calibre-web-automated/pkg/errcodes"
	"github.com/crocodilestick/calibre-web-automated/pkg/fileutils"
	"github.com/crocodilestick/calibre-web-automated/pkg/models"
	"github.com/crocodilestick/calibre-web-automated/pkg/proclock"
	"github.com/crocodilestick/calibre-web-automated/pkg/settings"
	"github.com/crocodilestick/calibre-web-automated/pkg/status"
	"github.com/crocodilestick/calibre-web-automated/pkg/tools"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// LibraryGateway is the slice of the calibredb gateway the processor uses.
type LibraryGateway interface {
	Add(ctx context.Context, paths []string, automerge string) ([]int, error)
	AddFormat(ctx context.Context, id int, path string) error
	FindByTitleAuthor(ctx context.Context, title, author string) ([]calibre.BookSummary, error)
}

// FormatConverter produces dst from src without touching src.
type FormatConverter interface {
	Convert(ctx context.Context, src, dst string) error
}

// EpubFixer rewrites src into a Kindle-compatible copy at dst and reports the
// fixes that changed something.
type EpubFixer interface {
	Fix(ctx context.Context, src, dst string) ([]string, error)
}

// MetadataProber reads embedded metadata from a book file.
type MetadataProber interface {
	Read(ctx context.Context, path string) (*tools.BookMetadata, error)
}

// JobScheduler persists a one-shot job for later dispatch.
type JobScheduler interface {
	Schedule(ctx context.Context, jobType string, runAt time.Time, data interface{}) (*models.ScheduledJob, error)
}

// AutoSendUsers lists the users the post-import fan-out should schedule
// deliveries for.
type AutoSendUsers interface {
	ListAutoSendUsers(ctx context.Context) ([]*appdb.User, error)
}

// Outcome is the terminal classification of one processed file.
type Outcome string

const (
	OutcomeImported Outcome = "imported"
	OutcomeDropped  Outcome = "dropped"
	OutcomeFailed   Outcome = "failed"
)

// FileResult summarizes one ProcessFile run.
type FileResult struct {
	Path               string
	Outcome            Outcome
	BookIDs            []int
	Converted          bool
	FixesApplied       []string
	PotentialDuplicate bool
}

type Processor struct {
	cfg       *config.Config
	settings  *settings.Service
	audit     *audit.Service
	locks     *proclock.Manager
	library   LibraryGateway
	converter FormatConverter
	kepubify  FormatConverter
	fixer     EpubFixer
	meta      MetadataProber
	scheduler JobScheduler
	users     AutoSendUsers
	status    *status.File
}

// ProcessorOptions carries the processor's collaborators. Scheduler and Users
// may be nil; the fan-out stage is then skipped.
type ProcessorOptions struct {
	Config    *config.Config
	Settings  *settings.Service
	Audit     *audit.Service
	Locks     *proclock.Manager
	Library   LibraryGateway
	Converter FormatConverter
	Kepubify  FormatConverter
	Fixer     EpubFixer
	Meta      MetadataProber
	Scheduler JobScheduler
	Users     AutoSendUsers
	Status    *status.File
}

func NewProcessor(opts ProcessorOptions) *Processor {
	return &Processor{
		cfg:       opts.Config,
		settings:  opts.Settings,
		audit:     opts.Audit,
		locks:     opts.Locks,
		library:   opts.Library,
		converter: opts.Converter,
		kepubify:  opts.Kepubify,
		fixer:     opts.Fixer,
		meta:      opts.Meta,
		scheduler: opts.Scheduler,
		users:     opts.Users,
		status:    opts.Status,
	}
}

// ProcessFile runs one file end to end. Settings are snapshotted at entry and
// held for the whole file; the run is bounded by the configured per-file
// timeout, and hitting that bound counts as a terminal failure for the file.
func (p *Processor) ProcessFile(ctx context.Context, path string) (*FileResult, error) {
	log := logger.FromContext(ctx)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	set, err := p.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	handle, err := p.locks.Acquire("ingest:"+abs, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := handle.Release(); err != nil {
			log.Err(err).Warn("failed to release ingest lock", logger.Data{"path": abs})
		}
	}()

	// The file may have been consumed by the run that held the lock.
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return &FileResult{Path: abs, Outcome: OutcomeDropped}, nil
	}

	abs = p.normalizeExtension(log, abs)

	runCtx, cancel := context.WithTimeout(ctx, set.IngestTimeout())
	defer cancel()

	p.setStatus(status.StateProcessing, abs)
	result, err := p.process(runCtx, set, abs)
	switch {
	case err == nil:
		if result.Outcome == OutcomeImported {
			p.setStatus(status.StateCompleted, abs)
		} else {
			p.setStatus(status.StateIdle, "")
		}
		return result, nil
	case runCtx.Err() == context.DeadlineExceeded:
		p.setStatus(status.StateSafetyTimeout, abs)
		p.moveToFailed(ctx, abs, "safety-timeout")
		return &FileResult{Path: abs, Outcome: OutcomeFailed}, errcodes.SafetyTimeout(filepath.Base(abs))
	default:
		p.setStatus(status.StateError, abs)
		if errcodes.KindOf(err) == errcodes.KindPerItem {
			p.moveToFailed(ctx, abs, reasonOf(err))
			return &FileResult{Path: abs, Outcome: OutcomeFailed}, err
		}
		// Transient and fatal errors leave the file in place for a retry or
		// supervisor restart.
		return nil, err
	}
}

func (p *Processor) process(ctx context.Context, set *models.Settings, path string) (*FileResult, error) {
	log := logger.FromContext(ctx)
	result := &FileResult{Path: path}

	ext := fileutils.Ext(path)
	if contains(set.IgnoredIngestFormats(), ext) {
		log.Info("dropping ignored format", logger.Data{"path": path, "ext": ext})
		if err := os.Remove(path); err != nil {
			return nil, errors.WithStack(err)
		}
		p.cleanupDirs(log, path)
		if err := p.audit.AddImportOutcome(ctx, filepath.Base(path), models.ImportStatusSkipped); err != nil {
			log.Err(err).Warn("failed to record skipped file", logger.Data{"path": path})
		}
		result.Outcome = OutcomeDropped
		return result, nil
	}
	if !SupportedFormat(ext) {
		return nil, errcodes.UnsupportedFormat(ext)
	}

	pkg := p.planPackage(path)

	meta := p.probeMetadata(ctx, pkg.Primary)
	result.PotentialDuplicate = p.detectDuplicate(ctx, set, meta, fileutils.Ext(pkg.Primary))

	// Conversion stage. importPath is the file that ends up in the library;
	// it stays equal to the primary on passthrough.
	importPath := pkg.Primary
	target := set.AutoConvertTargetFormat
	if set.AutoConvert && p.needsConversion(set, fileutils.Ext(pkg.Primary), target) {
		converted, err := p.convert(ctx, set, pkg.Primary, target)
		if err != nil {
			return nil, err
		}
		importPath = converted
		result.Converted = true
		defer os.Remove(converted)
	}

	// Kindle compatibility pass on the final EPUB.
	if set.KindleEpubFixer && fileutils.Ext(importPath) == "epub" {
		fixes, err := p.fixEpub(ctx, set, importPath)
		if err != nil {
			// The fixer is best-effort: an unfixable EPUB still imports.
			log.Err(err).Warn("epub fixer failed, importing unfixed file", logger.Data{"path": importPath})
		} else {
			result.FixesApplied = fixes
		}
	}

	ids, err := p.importBook(ctx, set, importPath, meta)
	if err != nil {
		return nil, err
	}
	result.BookIDs = ids

	// Retained sibling formats attach to the imported record.
	if len(ids) > 0 {
		for _, sibling := range RetainedSiblings(pkg, set.RetainedFormats()) {
			if err := p.library.AddFormat(ctx, ids[0], sibling); err != nil {
				log.Err(err).Warn("failed to attach retained format", logger.Data{"path": sibling})
			}
		}
	}

	backedUp := false
	if set.AutoBackupImports {
		dst := fileutils.BackupPath(p.cfg.BackupDir, fileutils.BackupImported, importPath, time.Now())
		if err := fileutils.CopyFile(importPath, dst); err != nil {
			log.Err(err).Warn("failed to back up import", logger.Data{"path": importPath})
		} else {
			backedUp = true
		}
	}
	err = p.audit.AddImport(ctx, filepath.Base(importPath), backedUp, result.PotentialDuplicate)
	if err != nil {
		log.Err(err).Warn("failed to record import", logger.Data{"path": importPath})
	}

	// Cleanup: the drop directory only ever shrinks after a success.
	for _, src := range append([]string{pkg.Primary}, pkg.Siblings...) {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			log.Err(err).Warn("failed to remove ingested file", logger.Data{"path": src})
		}
	}
	p.cleanupDirs(log, pkg.Primary)

	// The web process watches this trigger and reloads its library session,
	// so the new book shows up without a manual refresh.
	if err := fileutils.Touch(p.cfg.RefreshTriggerPath()); err != nil {
		log.Err(err).Warn("failed to touch refresh trigger")
	}

	p.fanOut(ctx, set, meta, ids)

	result.Outcome = OutcomeImported
	return result, nil
}

// normalizeExtension renames a file whose extension the pipeline does not
// recognize but whose content sniffs as a known book format. The corrected
// path is returned; anything unsniffable keeps its name and fails the format
// check downstream.
func (p *Processor) normalizeExtension(log logger.Logger, path string) string {
	if SupportedFormat(fileutils.Ext(path)) {
		return path
	}
	sniffed := SniffFormat(path)
	if sniffed == "" {
		return path
	}

	stem := strings.TrimSuffix(path, filepath.Ext(path))
	renamed := fileutils.UniquePath(stem + "." + sniffed)
	if err := os.Rename(path, renamed); err != nil {
		log.Err(err).Warn("failed to rename misnamed file", logger.Data{"path": path})
		return path
	}
	log.Info("corrected extension from content type", logger.Data{
		"path":   path,
		"format": sniffed,
	})
	return renamed
}

// planPackage groups the triggering file with same-stem siblings in its
// directory so a multi-format drop imports as one record.
func (p *Processor) planPackage(path string) Package {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Package{Primary: path}
	}

	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	var members []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name))) == stem {
			members = append(members, filepath.Join(dir, name))
		}
	}

	packages := PlanPackages(members)
	if len(packages) != 1 {
		return Package{Primary: path}
	}
	return packages[0]
}

func (p *Processor) probeMetadata(ctx context.Context, path string) *tools.BookMetadata {
	log := logger.FromContext(ctx)
	if p.meta == nil {
		return &tools.BookMetadata{}
	}
	meta, err := p.meta.Read(ctx, path)
	if err != nil {
		// Metadata is advisory here; a probe failure only degrades duplicate
		// detection and the import fallback lookup.
		log.Err(err).Warn("metadata probe failed", logger.Data{"path": path})
		return &tools.BookMetadata{}
	}
	return meta
}

// detectDuplicate flags (never blocks) an incoming book whose fingerprint
// matches an existing library record.
func (p *Processor) detectDuplicate(ctx context.Context, set *models.Settings, meta *tools.BookMetadata, format string) bool {
	if meta.Title == "" {
		return false
	}

	incoming := Fingerprint(set, FingerprintInput{
		Title:     meta.Title,
		Authors:   meta.Authors,
		Language:  meta.Language,
		Series:    meta.Series,
		Publisher: meta.Publisher,
		Format:    format,
	})

	books, err := p.library.FindByTitleAuthor(ctx, meta.Title, firstAuthor(meta.Authors))
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("duplicate lookup failed")
		return false
	}
	for _, book := range books {
		for _, bookFormat := range book.Formats {
			existing := Fingerprint(set, FingerprintInput{
				Title:   book.Title,
				Authors: book.Authors,
				Format:  fileutils.Ext(bookFormat),
			})
			if existing == incoming {
				return true
			}
		}
		if len(book.Formats) == 0 {
			existing := Fingerprint(set, FingerprintInput{
				Title:   book.Title,
				Authors: book.Authors,
			})
			if existing == incoming {
				return true
			}
		}
	}
	return false
}

// needsConversion applies the convert-stage classification: already at the
// target, or on the convert ignore list, means passthrough.
func (p *Processor) needsConversion(set *models.Settings, ext, target string) bool {
	if target == "" || ext == target {
		return false
	}
	return !contains(set.IgnoredConvertFormats(), ext)
}

// convert produces the target-format file next to the source and returns its
// path. The original is backed up first when conversion backups are enabled.
func (p *Processor) convert(ctx context.Context, set *models.Settings, src, target string) (string, error) {
	log := logger.FromContext(ctx)

	backedUp := false
	if set.AutoBackupConversions {
		dst := fileutils.BackupPath(p.cfg.BackupDir, fileutils.BackupConverted, src, time.Now())
		if err := fileutils.CopyFile(src, dst); err != nil {
			log.Err(err).Warn("failed to back up conversion source", logger.Data{"path": src})
		} else {
			backedUp = true
		}
	}

	stem := strings.TrimSuffix(src, filepath.Ext(src))
	dst := fileutils.UniquePath(stem + "." + target)

	// kepub goes through an EPUB intermediate unless the source already is one.
	if target == "kepub" {
		epubSrc := src
		if fileutils.Ext(src) != "epub" {
			intermediate := fileutils.UniquePath(stem + ".epub")
			if err := p.converter.Convert(ctx, src, intermediate); err != nil {
				return "", err
			}
			defer os.Remove(intermediate)
			epubSrc = intermediate
		}
		if err := p.kepubify.Convert(ctx, epubSrc, dst); err != nil {
			return "", err
		}
	} else {
		if err := p.converter.Convert(ctx, src, dst); err != nil {
			return "", err
		}
	}

	err := p.audit.AddConversion(ctx, filepath.Base(src), fileutils.Ext(src), target, backedUp)
	if err != nil {
		log.Err(err).Warn("failed to record conversion", logger.Data{"path": src})
	}
	return dst, nil
}

// fixEpub runs the Kindle compatibility fixer in place, backing up the
// original first.
func (p *Processor) fixEpub(ctx context.Context, set *models.Settings, path string) ([]string, error) {
	log := logger.FromContext(ctx)

	backedUp := false
	if set.AutoBackupEpubFixes {
		dst := fileutils.BackupPath(p.cfg.BackupDir, fileutils.BackupFixedOriginals, path, time.Now())
		if err := fileutils.CopyFile(path, dst); err != nil {
			log.Err(err).Warn("failed to back up fixer input", logger.Data{"path": path})
		} else {
			backedUp = true
		}
	}

	fixed := path + ".fixed"
	fixes, err := p.fixer.Fix(ctx, path, fixed)
	if err != nil {
		os.Remove(fixed)
		return nil, err
	}
	if err := os.Rename(fixed, path); err != nil {
		os.Remove(fixed)
		return nil, errors.WithStack(err)
	}

	record := &models.EpubFix{Filename: filepath.Base(path), BackedUp: backedUp}
	if err := p.audit.AddEpubFix(ctx, record, fixes); err != nil {
		log.Err(err).Warn("failed to record epub fix", logger.Data{"path": path})
	}
	return fixes, nil
}

// importBook adds the file to the library and resolves the created ids,
// falling back to a title/author query when the tool's stdout yields none.
func (p *Processor) importBook(ctx context.Context, set *models.Settings, path string, meta *tools.BookMetadata) ([]int, error) {
	// A crash between the add and the intake cleanup leaves the file behind;
	// the replay must converge on the committed record instead of creating a
	// second one.
	if ids := p.committedImport(ctx, path, meta); len(ids) > 0 {
		return ids, nil
	}

	ids, err := p.library.Add(ctx, []string{path}, set.AutoIngestAutomerge)
	if err != nil {
		if errcodes.KindOf(err) == errcodes.KindTransient {
			return nil, err
		}
		return nil, errcodes.ImportFailed(filepath.Base(path))
	}
	if len(ids) > 0 {
		return ids, nil
	}

	// An ignored automerge collision legitimately adds nothing; only treat
	// the empty result as a failure when the fallback finds nothing either.
	if meta.Title != "" {
		books, err := p.library.FindByTitleAuthor(ctx, meta.Title, firstAuthor(meta.Authors))
		if err == nil {
			for _, book := range books {
				ids = append(ids, book.ID)
			}
		}
	}
	if len(ids) == 0 && set.AutoIngestAutomerge != models.AutomergeIgnore {
		return nil, errcodes.ImportFailed(filepath.Base(path))
	}
	return ids, nil
}

// committedImport looks for a library record that already carries this file's
// title, author, and format. A match means an earlier run's add committed
// before its cleanup finished.
func (p *Processor) committedImport(ctx context.Context, path string, meta *tools.BookMetadata) []int {
	if meta.Title == "" {
		return nil
	}
	books, err := p.library.FindByTitleAuthor(ctx, meta.Title, firstAuthor(meta.Authors))
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("committed-import lookup failed", logger.Data{"path": path})
		return nil
	}

	ext := fileutils.Ext(path)
	var ids []int
	for _, book := range books {
		for _, format := range book.Formats {
			if fileutils.Ext(format) == ext {
				ids = append(ids, book.ID)
				break
			}
		}
	}
	return ids
}

// fanOut schedules an auto-send delivery per eligible user for each imported
// book id.
func (p *Processor) fanOut(ctx context.Context, set *models.Settings, meta *tools.BookMetadata, ids []int) {
	if p.scheduler == nil || p.users == nil || len(ids) == 0 {
		return
	}
	log := logger.FromContext(ctx)

	users, err := p.users.ListAutoSendUsers(ctx)
	if err != nil {
		log.Err(err).Warn("failed to list auto-send users")
		return
	}
	if len(users) == 0 {
		return
	}

	runAt := time.Now().UTC().Add(set.AutoSendDelay())
	for _, id := range ids {
		for _, user := range users {
			data := &models.JobAutoSendData{
				BookID:   id,
				UserID:   user.ID,
				Username: user.Name,
				Title:    meta.Title,
			}
			if _, err := p.scheduler.Schedule(ctx, models.JobTypeAutoSend, runAt, data); err != nil {
				log.Err(err).Warn("failed to schedule auto-send", logger.Data{
					"book_id": id,
					"user":    user.Name,
				})
			}
		}
	}
}

func (p *Processor) moveToFailed(ctx context.Context, path, reason string) {
	log := logger.FromContext(ctx)

	dst := filepath.Join(p.cfg.FailedDir, fileutils.FailedName(path, reason, time.Now()))
	if err := fileutils.MoveFile(path, dst); err != nil {
		log.Err(err).Error("failed to quarantine file", logger.Data{"path": path})
	}
	p.cleanupDirs(log, path)
	if err := p.audit.AddImportOutcome(ctx, filepath.Base(path), models.ImportStatusFailed); err != nil {
		log.Err(err).Warn("failed to record failed file", logger.Data{"path": path})
	}
}

// cleanupDirs removes now-empty subdirectories between the file and the
// ingest root.
func (p *Processor) cleanupDirs(log logger.Logger, path string) {
	root, err := filepath.Abs(p.cfg.IngestDir)
	if err != nil {
		return
	}
	dir := filepath.Dir(path)
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			// Not empty or already gone; either way stop walking up.
			return
		}
		dir = filepath.Dir(dir)
	}
}

// MarkIdle resets the status file. The loop calls this once no queued work
// remains, so readers see the completed state only transiently.
func (p *Processor) MarkIdle() {
	p.setStatus(status.StateIdle, "")
}

func (p *Processor) setStatus(state, filename string) {
	if p.status == nil {
		return
	}
	var err error
	if state == status.StateIdle {
		err = p.status.SetIdle()
	} else {
		err = p.status.Set(state, filename)
	}
	_ = err
}

func reasonOf(err error) string {
	var te *errcodes.Error
	if errors.As(err, &te) && te.Code != "" {
		return te.Code
	}
	return "error"
}

func firstAuthor(authors string) string {
	if i := strings.Index(authors, "&"); i >= 0 {
		authors = authors[:i]
	}
	return strings.TrimSpace(authors)
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
