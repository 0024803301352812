package fileutils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveFileCreatesParents(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.epub")
	require.NoError(t, os.WriteFile(src, []byte("book"), 0644))

	dst := filepath.Join(dir, "nested", "deeper", "dst.epub")
	require.NoError(t, MoveFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "book", string(data))

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestCopyFilePreservesPermissions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	src := filepath.Join(dir, "src.epub")
	require.NoError(t, os.WriteFile(src, []byte("book"), 0600))

	dst := filepath.Join(dir, "dst.epub")
	require.NoError(t, CopyFile(src, dst))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestUniquePath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "book.epub")
	assert.Equal(t, path, UniquePath(path))

	require.NoError(t, os.WriteFile(path, []byte("a"), 0644))
	next := UniquePath(path)
	assert.Equal(t, filepath.Join(dir, "book (1).epub"), next)

	require.NoError(t, os.WriteFile(next, []byte("b"), 0644))
	assert.Equal(t, filepath.Join(dir, "book (2).epub"), UniquePath(path))
}

func TestBackupPath(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	got := BackupPath("/config/processed_books", BackupConverted, "/in/My Book.mobi", now)
	assert.Equal(t, "/config/processed_books/converted/2026-03/20260314_092653_My Book.mobi", got)
}

func TestFailedNameEncodesReason(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	got := FailedName("/in/My Book.mobi", "Conversion Failed!", now)
	assert.Equal(t, "20260314_092653_My Book.conversion-failed.mobi", got)

	got = FailedName("/in/x.epub", "", now)
	assert.Equal(t, "20260314_092653_x.unknown.epub", got)
}

func TestExt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "epub", Ext("/in/Book.EPUB"))
	assert.Equal(t, "", Ext("/in/noext"))
	assert.Equal(t, "kepub", Ext("book.kepub"))
}
