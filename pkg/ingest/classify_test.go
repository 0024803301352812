package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBytes(t *testing.T, dir, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

// epubHeader is a minimal zip local file header whose first entry is the
// uncompressed "mimetype" file, which is what content detection keys on.
func epubHeader() []byte {
	b := make([]byte, 30, 58)
	copy(b, "PK\x03\x04")
	return append(b, "mimetypeapplication/epub+zip"...)
}

func TestSniffFormat(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	epub := writeBytes(t, dir, "book.tmp", epubHeader())
	assert.Equal(t, "epub", SniffFormat(epub))

	pdf := writeBytes(t, dir, "paper.download", []byte("%PDF-1.7\n%something\n"))
	assert.Equal(t, "pdf", SniffFormat(pdf))

	junk := writeBytes(t, dir, "notes", []byte("just some text"))
	assert.Empty(t, SniffFormat(junk))

	assert.Empty(t, SniffFormat(filepath.Join(dir, "missing")))
}
