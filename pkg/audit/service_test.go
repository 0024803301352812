package audit

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

func TestAddImport(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	require.NoError(t, svc.AddImport(ctx, "book.epub", true, false))

	record := &models.Import{}
	require.NoError(t, db.NewSelect().Model(record).Scan(ctx))
	assert.Equal(t, "book.epub", record.Filename)
	assert.Equal(t, models.ImportStatusImported, record.Status)
	assert.True(t, record.BackedUp)
	assert.False(t, record.PotentialDuplicate)
	assert.False(t, record.Timestamp.IsZero())
}

func TestAddImportOutcome(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	require.NoError(t, svc.AddImportOutcome(ctx, "notes.txt", models.ImportStatusSkipped))

	record := &models.Import{}
	require.NoError(t, db.NewSelect().Model(record).Scan(ctx))
	assert.Equal(t, "notes.txt", record.Filename)
	assert.Equal(t, models.ImportStatusSkipped, record.Status)
	assert.False(t, record.BackedUp)
}

func TestAddEpubFixMarshalsFixes(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	require.NoError(t, svc.AddEpubFix(ctx, &models.EpubFix{
		Filename: "book.epub",
	}, []string{"encoding-declaration", "body-id"}))

	record := &models.EpubFix{}
	require.NoError(t, db.NewSelect().Model(record).Scan(ctx))
	assert.Equal(t, 2, record.FixCount)
	assert.JSONEq(t, `["encoding-declaration","body-id"]`, record.FixesApplied)

	// Nil fixes still store a valid JSON array.
	require.NoError(t, svc.AddEpubFix(ctx, &models.EpubFix{Filename: "clean.epub"}, nil))
	clean := &models.EpubFix{}
	require.NoError(t, db.NewSelect().Model(clean).Where("fix.filename = ?", "clean.epub").Scan(ctx))
	assert.Zero(t, clean.FixCount)
	assert.JSONEq(t, `[]`, clean.FixesApplied)
}

func TestStatTotals(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	require.NoError(t, svc.AddImport(ctx, "a.epub", false, false))
	require.NoError(t, svc.AddImport(ctx, "b.epub", false, false))
	require.NoError(t, svc.AddConversion(ctx, "b.mobi", "mobi", "epub", true))
	require.NoError(t, svc.AddEnforcement(ctx, &models.Enforcement{BookID: 1, Trigger: models.EnforcementTriggerLog}))
	require.NoError(t, svc.RecordActivity(ctx, "alice", "auto_send", "book 1"))

	totals, err := svc.StatTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.Imports)
	assert.Equal(t, 1, totals.Conversions)
	assert.Equal(t, 1, totals.Enforcements)
	assert.Zero(t, totals.EpubFixes)
	assert.Equal(t, 1, totals.Activity)
	// A converted file also yields an import row; the aggregate keeps that
	// double count.
	assert.Equal(t, 3, totals.TotalProcessed)
}
