package watcher

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"
)

// pollWatcher scans the tree at a fixed interval and emits an event when a
// path is new or its (size, mtime) changed since the last scan. Batch order
// within one scan is directory-walk order; consumers must not rely on
// arrival order.
type pollWatcher struct {
	dir      string
	interval time.Duration
	events   chan Event
	ownsChan bool
	done     chan struct{}

	mu     sync.Mutex
	closed bool

	seen map[string]fileStamp
}

type fileStamp struct {
	size  int64
	mtime time.Time
}

func newPollWatcher(dir string, opts Options) (*pollWatcher, error) {
	w := newPoller(dir, opts, make(chan Event, 64))
	w.ownsChan = true
	go w.run()
	return w, nil
}

// newPollWatcherInto starts a poller that feeds an existing channel; used by
// the kernel-mode watcher when it degrades mid-stream.
func newPollWatcherInto(dir string, opts Options, events chan Event) (*pollWatcher, error) {
	w := newPoller(dir, opts, events)
	// Paths the kernel already reported would re-emit on the first scan;
	// that is acceptable, readiness is judged downstream.
	go w.run()
	return w, nil
}

func newPoller(dir string, opts Options, events chan Event) *pollWatcher {
	return &pollWatcher{
		dir:      dir,
		interval: opts.PollInterval,
		events:   events,
		done:     make(chan struct{}),
		seen:     map[string]fileStamp{},
	}
}

func (w *pollWatcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.scan()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *pollWatcher) scan() {
	current := map[string]fileStamp{}

	_ = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stamp := fileStamp{size: info.Size(), mtime: info.ModTime()}
		current[path] = stamp

		prev, ok := w.seen[path]
		if ok && prev == stamp {
			return nil
		}
		op := OpPoll
		if ok {
			op = OpWrite
		}
		select {
		case w.events <- Event{Path: path, Op: op}:
		case <-w.done:
			return filepath.SkipAll
		}
		return nil
	})

	w.seen = current
}

func (w *pollWatcher) Events() <-chan Event {
	return w.events
}

func (w *pollWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	return nil
}
