package settings

import (
	"context"
	"database/sql"
	"testing"

	"github.com/crocodilestick/calibre-web-automated/pkg/migrations"
	"github.com/crocodilestick/calibre-web-automated/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestGetSeededDefaults(t *testing.T) {
	t.Parallel()
	svc := NewService(setupTestDB(t))

	s, err := svc.Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, s.ID)
	assert.True(t, s.AutoConvert)
	assert.Equal(t, "epub", s.AutoConvertTargetFormat)
	assert.Equal(t, models.AutomergeNewRecord, s.AutoIngestAutomerge)
	assert.Equal(t, 15, s.IngestTimeoutMinutes)
	assert.True(t, s.AutoMetadataEnforcement)
	assert.True(t, s.DuplicateDetectTitle)
	assert.False(t, s.DuplicateDetectSeries)
}

func TestUpdateRoundTrip(t *testing.T) {
	t.Parallel()
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	s, err := svc.Get(ctx)
	require.NoError(t, err)

	s.AutoConvert = false
	s.AutoConvertTargetFormat = "kepub"
	s.AutoIngestIgnoredFmts = "cbz, .CBR"
	s.IngestTimeoutMinutes = 30
	require.NoError(t, svc.Update(ctx, s, UpdateOptions{}))

	got, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.False(t, got.AutoConvert)
	assert.Equal(t, "kepub", got.AutoConvertTargetFormat)
	assert.Equal(t, []string{"cbz", "cbr"}, got.IgnoredIngestFormats())
	assert.Equal(t, 30, got.IngestTimeoutMinutes)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestUpdateRestrictedColumns(t *testing.T) {
	t.Parallel()
	svc := NewService(setupTestDB(t))
	ctx := context.Background()

	s, err := svc.Get(ctx)
	require.NoError(t, err)

	s.KindleEpubFixer = false
	s.AutoConvertTargetFormat = "azw3" // not in the column list, must not persist
	require.NoError(t, svc.Update(ctx, s, UpdateOptions{Columns: []string{"kindle_epub_fixer"}}))

	got, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.False(t, got.KindleEpubFixer)
	assert.Equal(t, "epub", got.AutoConvertTargetFormat)
}
