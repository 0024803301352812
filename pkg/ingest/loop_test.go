package ingest

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/crocodilestick/calibre-web-automated/pkg/status"
	"github.com/robinjoseph08/golib/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleBoundsStabilityWait(t *testing.T) {
	f := setupProcessor(t)
	f.cfg.StabilityChecks = 3
	f.cfg.StabilityInterval = 20 * time.Millisecond
	f.cfg.StabilityTimeout = 150 * time.Millisecond

	loop := NewLoop(f.cfg, f.processor, logger.New())

	path := filepath.Join(f.cfg.IngestDir, "growing.epub")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	// A producer that never finishes writing.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		defer fh.Close()
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				fh.Write([]byte("more"))
			}
		}
	}()

	start := time.Now()
	loop.handle(path)
	elapsed := time.Since(start)
	close(stop)
	wg.Wait()

	// Gave up within the configured bound instead of blocking the queue.
	assert.Less(t, elapsed, 5*time.Second)
	assert.Empty(t, f.gateway.added)
}

func TestLoopReturnsToIdleAfterDrain(t *testing.T) {
	f := setupProcessor(t)
	f.cfg.WatchMode = config.WatchModePoll
	f.cfg.IngestPollInterval = 20 * time.Millisecond
	f.cfg.StabilityChecks = 2
	f.cfg.StabilityInterval = 5 * time.Millisecond
	f.cfg.StabilityTimeout = 2 * time.Second

	f.dropFile(t, "alice.epub", "epub bytes")

	loop := NewLoop(f.cfg, f.processor, logger.New())
	require.NoError(t, loop.Start())

	// The status file only exists once processing wrote it; waiting for it to
	// read idle again proves the loop reset it after draining the backlog.
	statusFile := status.NewFile(f.cfg.StatusFilePath())
	assert.Eventually(t, func() bool {
		if _, err := os.Stat(f.cfg.StatusFilePath()); err != nil {
			return false
		}
		state, _, err := statusFile.Read()
		return err == nil && state == status.StateIdle
	}, 10*time.Second, 25*time.Millisecond)

	loop.Shutdown()
	require.Len(t, f.gateway.added, 1)
}
