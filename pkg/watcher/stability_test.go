package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTempFile(t *testing.T) {
	t.Parallel()
	d := NewStabilityDetector(3, time.Second)

	assert.True(t, d.IsTempFile("/in/book.epub.part"))
	assert.True(t, d.IsTempFile("/in/book.crdownload"))
	assert.True(t, d.IsTempFile("/in/book.TMP"))
	assert.False(t, d.IsTempFile("/in/book.epub"))

	d.TempSuffixes = []string{"partial"}
	assert.True(t, d.IsTempFile("/in/book.partial"))
}

func TestWaitStableSettledFile(t *testing.T) {
	t.Parallel()
	d := NewStabilityDetector(2, 10*time.Millisecond)

	path := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0644))

	stable, err := d.WaitStable(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, stable)
}

func TestWaitStableVanishedFile(t *testing.T) {
	t.Parallel()
	d := NewStabilityDetector(2, 10*time.Millisecond)

	stable, err := d.WaitStable(context.Background(), filepath.Join(t.TempDir(), "gone.epub"))
	require.NoError(t, err)
	assert.False(t, stable)
}

func TestWaitStableGrowingFile(t *testing.T) {
	t.Parallel()
	d := NewStabilityDetector(3, 20*time.Millisecond)

	path := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0644))

	// Keep appending while the detector watches; it must not report stable
	// until the writes stop.
	stop := make(chan struct{})
	go func() {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		defer f.Close()
		for i := 0; i < 5; i++ {
			f.Write([]byte("more data"))
			f.Sync()
			time.Sleep(15 * time.Millisecond)
		}
		close(stop)
	}()

	start := time.Now()
	stable, err := d.WaitStable(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, stable)

	<-stop
	// Three consecutive equal readings can only happen after the writer is
	// done.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestWaitStableOpenWriterVeto(t *testing.T) {
	t.Parallel()
	d := NewStabilityDetector(1, 5*time.Millisecond)

	path := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0644))

	calls := 0
	d.HasOpenWriter = func(string) bool {
		calls++
		return calls < 3
	}

	stable, err := d.WaitStable(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, stable)
	assert.Equal(t, 3, calls)
}

func TestWaitStableContextCancel(t *testing.T) {
	t.Parallel()
	d := NewStabilityDetector(100, 10*time.Millisecond)

	path := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.WaitStable(ctx, path)
	require.Error(t, err)
}
