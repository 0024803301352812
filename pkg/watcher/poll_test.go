package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/robinjoseph08/golib/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPollTestWatcher(t *testing.T, dir string) Watcher {
	t.Helper()

	w, err := New(dir, Options{
		Mode:         config.WatchModePoll,
		PollInterval: 20 * time.Millisecond,
		Log:          logger.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func waitForEvent(t *testing.T, w Watcher, path string) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-w.Events():
			if event.Path == path {
				return event
			}
		case <-deadline:
			t.Fatalf("no event for %s", path)
		}
	}
}

func TestPollWatcherEmitsExistingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "existing.epub")
	require.NoError(t, os.WriteFile(path, []byte("book"), 0644))

	w := newPollTestWatcher(t, dir)

	event := waitForEvent(t, w, path)
	assert.Equal(t, OpPoll, event.Op)
}

func TestPollWatcherEmitsNewAndChangedFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w := newPollTestWatcher(t, dir)

	path := filepath.Join(dir, "dropped.epub")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))
	event := waitForEvent(t, w, path)
	assert.Equal(t, OpPoll, event.Op)

	// Grow the file; the next scan reports a write.
	require.NoError(t, os.WriteFile(path, []byte("v2 with more bytes"), 0644))
	event = waitForEvent(t, w, path)
	assert.Equal(t, OpWrite, event.Op)
}

func TestPollWatcherSeesNestedDirectories(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w := newPollTestWatcher(t, dir)

	nested := filepath.Join(dir, "author", "series")
	require.NoError(t, os.MkdirAll(nested, 0755))
	path := filepath.Join(nested, "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("book"), 0644))

	waitForEvent(t, w, path)
}

func TestPollWatcherCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	w := newPollTestWatcher(t, t.TempDir())

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestNetworkShareForcesPolling(t *testing.T) {
	t.Parallel()

	w, err := New(t.TempDir(), Options{
		Mode:         config.WatchModeAuto,
		NetworkShare: true,
		PollInterval: 20 * time.Millisecond,
		Log:          logger.New(),
	})
	require.NoError(t, err)
	defer w.Close()

	_, ok := w.(*pollWatcher)
	assert.True(t, ok)
}
