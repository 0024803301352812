package scheduler

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/crocodilestick/calibre-web-automated/pkg/appdb"
	"github.com/crocodilestick/calibre-web-automated/pkg/audit"
	"github.com/crocodilestick/calibre-web-automated/pkg/calibre"
	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/crocodilestick/calibre-web-automated/pkg/mailer"
	"github.com/crocodilestick/calibre-web-automated/pkg/models"
	"github.com/crocodilestick/calibre-web-automated/pkg/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupAppDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	_, err = db.Exec(`CREATE TABLE user (id INTEGER PRIMARY KEY, name TEXT, email TEXT, kindle_mail TEXT, auto_send BOOLEAN)`)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

type fakeHandlersLibrary struct {
	books   []calibre.BookSummary
	formats map[int][]calibre.Format
	added   map[int][]string
}

func (l *fakeHandlersLibrary) List(_ context.Context, _ string) ([]calibre.BookSummary, error) {
	return l.books, nil
}

func (l *fakeHandlersLibrary) GetFormats(_ context.Context, id int) ([]calibre.Format, error) {
	return l.formats[id], nil
}

func (l *fakeHandlersLibrary) AddFormat(_ context.Context, id int, path string) error {
	if l.added == nil {
		l.added = map[int][]string{}
	}
	l.added[id] = append(l.added[id], path)
	return nil
}

type fakeMailer struct {
	sent []mailer.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	m.sent = append(m.sent, msg)
	return m.err
}

type fakeHandlersConverter struct {
	calls int
}

func (c *fakeHandlersConverter) Convert(_ context.Context, _, dst string) error {
	c.calls++
	return os.WriteFile(dst, []byte("converted"), 0644)
}

type fakeHandlersFixer struct {
	fixes []string
}

func (f *fakeHandlersFixer) Fix(_ context.Context, _, dst string) ([]string, error) {
	if err := os.WriteFile(dst, []byte("fixed"), 0644); err != nil {
		return nil, err
	}
	return f.fixes, nil
}

type handlersFixture struct {
	cfg      *config.Config
	db       *bun.DB
	appDB    *bun.DB
	library  *fakeHandlersLibrary
	mail     *fakeMailer
	conv     *fakeHandlersConverter
	fixer    *fakeHandlersFixer
	handlers *Handlers
}

func setupHandlers(t *testing.T) *handlersFixture {
	t.Helper()

	root := t.TempDir()
	cfg := &config.Config{
		BackupDir:  filepath.Join(root, "backups"),
		LibraryDir: filepath.Join(root, "library"),
	}
	require.NoError(t, os.MkdirAll(cfg.LibraryDir, 0755))

	f := &handlersFixture{
		cfg:     cfg,
		db:      setupTestDB(t),
		appDB:   setupAppDB(t),
		library: &fakeHandlersLibrary{formats: map[int][]calibre.Format{}},
		mail:    &fakeMailer{},
		conv:    &fakeHandlersConverter{},
		fixer:   &fakeHandlersFixer{},
	}
	f.handlers = NewHandlers(HandlersOptions{
		Config:    cfg,
		Settings:  settings.NewService(f.db),
		Audit:     audit.NewService(f.db),
		Users:     appdb.NewService(f.appDB),
		Library:   f.library,
		Converter: f.conv,
		Fixer:     f.fixer,
		Mail:      f.mail,
	})
	return f
}

func (f *handlersFixture) addLibraryFile(t *testing.T, name string) string {
	t.Helper()

	path := filepath.Join(f.cfg.LibraryDir, name)
	require.NoError(t, os.WriteFile(path, []byte("book"), 0644))
	return path
}

func TestAutoSendDeliversPreferredFormat(t *testing.T) {
	t.Parallel()
	f := setupHandlers(t)
	ctx := context.Background()

	_, err := f.appDB.Exec(
		`INSERT INTO user (id, name, email, kindle_mail, auto_send) VALUES (1, 'alice', 'a@example.com', 'a@kindle.com, b@kindle.com', 1)`,
	)
	require.NoError(t, err)

	mobi := f.addLibraryFile(t, "book.mobi")
	epub := f.addLibraryFile(t, "book.epub")
	f.library.formats[7] = []calibre.Format{
		{Ext: "mobi", Path: mobi},
		{Ext: "epub", Path: epub},
	}

	job := &models.ScheduledJob{
		Type:       models.JobTypeAutoSend,
		DataParsed: &models.JobAutoSendData{BookID: 7, UserID: 1, Username: "alice", Title: "The Hobbit"},
	}
	require.NoError(t, f.handlers.AutoSend(ctx, job))

	require.Len(t, f.mail.sent, 1)
	msg := f.mail.sent[0]
	assert.Equal(t, []string{"a@kindle.com", "b@kindle.com"}, msg.To)
	assert.Equal(t, "The Hobbit", msg.Subject)
	// EPUB wins the format priority over MOBI.
	assert.Equal(t, epub, msg.AttachmentPath)

	activity := &models.UserActivity{}
	require.NoError(t, f.db.NewSelect().Model(activity).Scan(ctx))
	assert.Equal(t, "alice", activity.Username)
	assert.Equal(t, "auto_send", activity.Event)
}

func TestAutoSendWithoutAddressesFails(t *testing.T) {
	t.Parallel()
	f := setupHandlers(t)

	_, err := f.appDB.Exec(
		`INSERT INTO user (id, name, email, kindle_mail, auto_send) VALUES (2, 'bob', 'b@example.com', '', 0)`,
	)
	require.NoError(t, err)

	job := &models.ScheduledJob{
		Type:       models.JobTypeAutoSend,
		DataParsed: &models.JobAutoSendData{BookID: 7, UserID: 2},
	}
	require.Error(t, f.handlers.AutoSend(context.Background(), job))
	assert.Empty(t, f.mail.sent)
}

func TestConvertLibrarySkipsBooksAtTarget(t *testing.T) {
	t.Parallel()
	f := setupHandlers(t)
	ctx := context.Background()

	done := f.addLibraryFile(t, "done.epub")
	pending := f.addLibraryFile(t, "pending.mobi")
	f.library.books = []calibre.BookSummary{
		{ID: 1, Title: "Done", Formats: []string{done}},
		{ID: 2, Title: "Pending", Formats: []string{pending}},
	}

	job := &models.ScheduledJob{
		Type:       models.JobTypeConvertLibrary,
		DataParsed: &models.JobConvertLibraryData{},
	}
	require.NoError(t, f.handlers.ConvertLibrary(ctx, job))

	// Only the book missing the target converts, and its new format attaches.
	assert.Equal(t, 1, f.conv.calls)
	require.Len(t, f.library.added[2], 1)
	assert.Empty(t, f.library.added[1])

	count, err := f.db.NewSelect().Model((*models.Conversion)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEpubFixerRunReplacesDirtyEpubs(t *testing.T) {
	t.Parallel()
	f := setupHandlers(t)
	ctx := context.Background()

	dirty := f.addLibraryFile(t, "dirty.epub")
	f.library.books = []calibre.BookSummary{
		{ID: 1, Title: "Dirty", Formats: []string{dirty}},
	}
	f.fixer.fixes = []string{"encoding-declaration"}

	job := &models.ScheduledJob{Type: models.JobTypeEpubFixer, DataParsed: &models.JobEpubFixerData{}}
	require.NoError(t, f.handlers.EpubFixerRun(ctx, job))

	content, err := os.ReadFile(dirty)
	require.NoError(t, err)
	assert.Equal(t, "fixed", string(content))

	record := &models.EpubFix{}
	require.NoError(t, f.db.NewSelect().Model(record).Scan(ctx))
	assert.True(t, record.ManuallyTriggered)
	assert.True(t, record.BackedUp)

	// The original bytes are preserved in the backup tree.
	backups, err := filepath.Glob(filepath.Join(f.cfg.BackupDir, "fixed_originals", "*", "*dirty.epub"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	original, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, "book", string(original))
}

func TestEpubFixerRunLeavesCleanEpubs(t *testing.T) {
	t.Parallel()
	f := setupHandlers(t)
	ctx := context.Background()

	clean := f.addLibraryFile(t, "clean.epub")
	f.library.books = []calibre.BookSummary{
		{ID: 1, Title: "Clean", Formats: []string{clean}},
	}
	f.fixer.fixes = nil

	job := &models.ScheduledJob{Type: models.JobTypeEpubFixer, DataParsed: &models.JobEpubFixerData{}}
	require.NoError(t, f.handlers.EpubFixerRun(ctx, job))

	content, err := os.ReadFile(clean)
	require.NoError(t, err)
	assert.Equal(t, "book", string(content))

	count, err := f.db.NewSelect().Model((*models.EpubFix)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}
