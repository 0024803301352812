package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// notifyWatcher is the kernel-notification mode. It watches the directory
// tree recursively, adding watches for directories created later. A fatal
// stream error switches the instance to polling without dropping subsequent
// events: the events channel stays the same, only the producer changes.
type notifyWatcher struct {
	dir    string
	opts   Options
	fsw    *fsnotify.Watcher
	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	fallback Watcher
}

func newNotifyWatcher(dir string, opts Options) (*notifyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	w := &notifyWatcher{
		dir:    dir,
		opts:   opts,
		fsw:    fsw,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	if err := w.addRecursive(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

func (w *notifyWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.WithStack(err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			if isWatchLimitError(err) {
				return errors.Wrap(err, "inotify watch limit reached")
			}
			return errors.WithStack(err)
		}
		return nil
	})
}

func (w *notifyWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.switchToPolling(errors.New("event stream closed"))
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.switchToPolling(errors.New("error stream closed"))
				return
			}
			if isWatchLimitError(err) {
				w.switchToPolling(err)
				return
			}
			w.opts.Log.Warn("watcher stream error", logger.Data{"err": err.Error()})
		}
	}
}

func (w *notifyWatcher) handle(ev fsnotify.Event) {
	var op Op
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = OpCreate
	case ev.Op.Has(fsnotify.Write):
		op = OpWrite
	case ev.Op.Has(fsnotify.Rename):
		op = OpMove
	default:
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		// Renamed-away or already deleted.
		return
	}
	if info.IsDir() {
		if op == OpCreate {
			// New subdirectory: watch it and report anything already inside,
			// since its create events may have fired before the watch landed.
			if err := w.addRecursive(ev.Name); err != nil {
				w.opts.Log.Warn("failed to watch new directory", logger.Data{"dir": ev.Name, "err": err.Error()})
			}
			w.emitExisting(ev.Name)
		}
		return
	}

	select {
	case w.events <- Event{Path: ev.Name, Op: op}:
	case <-w.done:
	}
}

func (w *notifyWatcher) emitExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		select {
		case w.events <- Event{Path: path, Op: OpCreate}:
		case <-w.done:
		}
		return nil
	})
}

// switchToPolling replaces the kernel producer with a poller feeding the same
// channel.
func (w *notifyWatcher) switchToPolling(cause error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	w.opts.Log.Warn("kernel notification failed, switching to polling", logger.Data{
		"dir": w.dir,
		"err": cause.Error(),
	})
	w.fsw.Close()

	p, err := newPollWatcherInto(w.dir, w.opts, w.events)
	if err != nil {
		w.opts.Log.Err(err).Error("polling fallback failed")
		return
	}
	w.fallback = p
}

func (w *notifyWatcher) Events() <-chan Event {
	return w.events
}

func (w *notifyWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	if w.fallback != nil {
		return w.fallback.Close()
	}
	return errors.WithStack(w.fsw.Close())
}
