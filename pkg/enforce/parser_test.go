package enforce

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseLogFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := writeLog(t, dir, "42.log", `book_id: 42
title: The Hobbit: There and Back Again
authors: J. R. R. Tolkien & Christopher Tolkien
timestamp: 2026-03-14T09:26:53Z
fields: title, authors, series_index
series_index: 1.5
cover_path: /config/processed_books/cover_staging/42.jpg
unknown_key: ignored but kept
`)

	log, err := ParseLogFile(path)
	require.NoError(t, err)

	assert.Equal(t, 42, log.BookID)
	// Values may themselves contain colons; only the first splits.
	assert.Equal(t, "The Hobbit: There and Back Again", log.Title)
	assert.Equal(t, "J. R. R. Tolkien & Christopher Tolkien", log.Authors)
	assert.Equal(t, []string{"title", "authors", "series_index"}, log.Fields)
	assert.Equal(t, "/config/processed_books/cover_staging/42.jpg", log.CoverPath)
	assert.Equal(t, "ignored but kept", log.Values["unknown_key"])
	assert.Equal(t, 2026, log.Timestamp.Year())
}

func TestParseLogFileRequiresBookID(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := writeLog(t, dir, "bad.log", "title: No ID Here\n")
	_, err := ParseLogFile(path)
	require.Error(t, err)
}

func TestPatchBuildsOnlyListedFields(t *testing.T) {
	t.Parallel()

	log := &ChangeLog{
		BookID: 7,
		Fields: []string{"title", "series_index", "language"},
		Values: map[string]string{
			"title":        "New Title",
			"authors":      "Someone Else", // not listed in fields
			"series_index": "2",
			"language":     "de",
		},
	}

	patch := log.Patch("")
	require.NotNil(t, patch.Title)
	assert.Equal(t, "New Title", *patch.Title)
	assert.Nil(t, patch.Authors)
	require.NotNil(t, patch.SeriesIndex)
	assert.Equal(t, 2.0, *patch.SeriesIndex)
	require.NotNil(t, patch.Language)
	assert.Equal(t, "de", *patch.Language)
}

func TestPatchSkipsMissingCover(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	cover := filepath.Join(dir, "cover.jpg")
	require.NoError(t, os.WriteFile(cover, []byte("jpg"), 0644))

	present := &ChangeLog{BookID: 1, CoverPath: cover, Values: map[string]string{}}
	require.NotNil(t, present.Patch(dir).CoverPath)

	missing := &ChangeLog{BookID: 1, CoverPath: filepath.Join(dir, "gone.jpg"), Values: map[string]string{}}
	assert.Nil(t, missing.Patch(dir).CoverPath)
}

func TestPatchResolvesRelativeCoverAgainstStagingDir(t *testing.T) {
	t.Parallel()
	staging := t.TempDir()

	staged := filepath.Join(staging, "42.jpg")
	require.NoError(t, os.WriteFile(staged, []byte("jpg"), 0644))

	log := &ChangeLog{BookID: 42, CoverPath: "42.jpg", Values: map[string]string{}}
	patch := log.Patch(staging)
	require.NotNil(t, patch.CoverPath)
	assert.Equal(t, staged, *patch.CoverPath)

	// An absolute path ignores the staging directory.
	abs := &ChangeLog{BookID: 42, CoverPath: staged, Values: map[string]string{}}
	patch = abs.Patch(filepath.Join(staging, "elsewhere"))
	require.NotNil(t, patch.CoverPath)
	assert.Equal(t, staged, *patch.CoverPath)
}

func TestRetryCounterSuffix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, RetryCount("/logs/42.log"))
	assert.Equal(t, "/logs/42.log.retry1", NextRetryPath("/logs/42.log"))
	assert.Equal(t, 1, RetryCount("/logs/42.log.retry1"))
	assert.Equal(t, "/logs/42.log.retry2", NextRetryPath("/logs/42.log.retry1"))
	assert.Equal(t, "/logs/42.log", basePath("/logs/42.log.retry4"))
}
