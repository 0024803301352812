package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/crocodilestick/calibre-web-automated/pkg/errcodes"
	"github.com/crocodilestick/calibre-web-automated/pkg/status"
	"github.com/crocodilestick/calibre-web-automated/pkg/watcher"
	"github.com/google/uuid"
	"github.com/robinjoseph08/golib/logger"
)

// Loop owns the watch-detect-process cycle over the ingest directory. Files
// process one at a time; ordering follows event arrival.
type Loop struct {
	cfg       *config.Config
	proc      *Processor
	stability *watcher.StabilityDetector
	queue     *status.RetryQueue
	log       logger.Logger

	shutdown chan struct{}
	done     chan struct{}
}

func NewLoop(cfg *config.Config, proc *Processor, log logger.Logger) *Loop {
	return &Loop{
		cfg:  cfg,
		proc: proc,
		stability: watcher.NewStabilityDetector(
			cfg.StabilityChecks,
			cfg.StabilityInterval,
		),
		queue:    status.NewRetryQueue(cfg.RetryQueuePath(), status.DefaultQueueLimit),
		log:      log,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. It returns an error only when the watcher cannot
// be established at all.
func (l *Loop) Start() error {
	if err := os.MkdirAll(l.cfg.IngestDir, 0755); err != nil {
		return err
	}

	w, err := watcher.New(l.cfg.IngestDir, watcher.Options{
		Mode:         l.cfg.WatchMode,
		NetworkShare: l.cfg.NetworkShareMode,
		PollInterval: l.cfg.IngestPollInterval,
		Log:          l.log,
	})
	if err != nil {
		return err
	}

	go l.run(w)
	return nil
}

func (l *Loop) Shutdown() {
	close(l.shutdown)
	<-l.done
}

func (l *Loop) run(w watcher.Watcher) {
	defer close(l.done)
	defer w.Close()

	// Backlog: files already present from before this process started, plus
	// anything the wrapper requeued while no processor was running.
	l.drainRetryQueue()
	l.scanExisting()
	l.proc.MarkIdle()

	for {
		select {
		case <-l.shutdown:
			return
		case event, ok := <-w.Events():
			if !ok {
				return
			}
			l.handle(event.Path)
			if len(w.Events()) == 0 {
				l.proc.MarkIdle()
			}
		}
	}
}

func (l *Loop) drainRetryQueue() {
	paths, err := l.queue.Drain()
	if err != nil {
		l.log.Err(err).Warn("failed to drain retry queue")
		return
	}
	for _, path := range paths {
		l.handle(path)
	}
}

func (l *Loop) scanExisting() {
	err := filepath.WalkDir(l.cfg.IngestDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		l.handle(path)
		return nil
	})
	if err != nil {
		l.log.Err(err).Warn("initial ingest scan failed")
	}
}

func (l *Loop) handle(path string) {
	if l.skip(path) {
		return
	}

	runID, err := uuid.NewRandom()
	if err != nil {
		l.log.Err(err).Error("new uuid error")
		return
	}
	log := l.log.ID(runID.String()).Root(logger.Data{"path": path})
	ctx := log.WithContext(context.Background())

	// A file that never settles (still downloading, or a writer that never
	// closes) must not starve the rest of the queue.
	timeout := l.cfg.StabilityTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	stable, err := l.stability.WaitStable(waitCtx, path)
	cancel()
	if err != nil {
		log.Err(err).Warn("stability check failed")
		return
	}
	if !stable {
		// Vanished mid-wait (consumed by another event's run) or still being
		// written; a later event will bring it back.
		return
	}

	start := time.Now()
	result, err := l.proc.ProcessFile(ctx, path)
	if err != nil {
		switch errcodes.KindOf(err) {
		case errcodes.KindTransient:
			log.Err(err).Warn("processing deferred, requeueing")
			if qerr := l.queue.Push(path); qerr != nil {
				log.Err(qerr).Warn("failed to requeue file")
			}
		case errcodes.KindFatal:
			log.Err(err).Error("fatal processing error")
		default:
			log.Err(err).Error("processing failed")
		}
		return
	}

	log.Info("file processed", logger.Data{
		"outcome":   string(result.Outcome),
		"book_ids":  result.BookIDs,
		"converted": result.Converted,
		"duplicate": result.PotentialDuplicate,
		"duration":  time.Since(start).String(),
	})
}

// skip filters paths the processor must never touch: the failed quarantine,
// temp files, and hidden files.
func (l *Loop) skip(path string) bool {
	failedDir, err := filepath.Abs(l.cfg.FailedDir)
	if err == nil {
		abs, err := filepath.Abs(path)
		if err == nil && strings.HasPrefix(abs, failedDir+string(filepath.Separator)) {
			return true
		}
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return true
	}
	return l.stability.IsTempFile(path)
}
