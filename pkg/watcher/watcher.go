// Package watcher produces file events for a directory tree. Kernel
// notification (fsnotify) is preferred; polling is the fallback. Which mode
// is active is an internal detail: consumers only see the events channel and
// Close.
package watcher

import (
	"os"
	"strings"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/robinjoseph08/golib/logger"
)

// Op describes how a path came to our attention.
type Op string

const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpMove   Op = "move"
	OpPoll   Op = "poll"
)

// Event is one observed path. The watcher does not decide readiness; that is
// the stability detector's job.
type Event struct {
	Path string
	Op   Op
}

type Watcher interface {
	Events() <-chan Event
	Close() error
}

type Options struct {
	// Mode is the user override: auto, inotify, or poll.
	Mode string
	// NetworkShare forces polling; inotify does not propagate across
	// NFS/SMB mounts.
	NetworkShare bool
	PollInterval time.Duration
	Log          logger.Logger
}

// New opens a watcher on dir. Polling is chosen up front when forced by the
// options or the runtime; otherwise kernel notification is attempted and
// polling is the automatic fallback on setup failure.
func New(dir string, opts Options) (Watcher, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	if forcePolling(opts) {
		return newPollWatcher(dir, opts)
	}

	w, err := newNotifyWatcher(dir, opts)
	if err != nil {
		if opts.Mode == config.WatchModeInotify {
			// Explicit override: surface the failure instead of silently
			// degrading.
			return nil, err
		}
		opts.Log.Warn("kernel notification unavailable, falling back to polling", logger.Data{
			"dir": dir,
			"err": err.Error(),
		})
		return newPollWatcher(dir, opts)
	}
	return w, nil
}

func forcePolling(opts Options) bool {
	if opts.NetworkShare {
		return true
	}
	if opts.Mode == config.WatchModePoll {
		return true
	}
	return containerOnNonLinuxHost()
}

// containerOnNonLinuxHost detects Docker Desktop style VMs (macOS/Windows
// hosts), where bind mounts cross a VM boundary and inotify events from the
// host side never arrive.
func containerOnNonLinuxHost() bool {
	if _, err := os.Stat("/.dockerenv"); err != nil {
		return false
	}
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return false
	}
	version := strings.ToLower(string(data))
	return strings.Contains(version, "linuxkit") || strings.Contains(version, "microsoft")
}

// isWatchLimitError reports whether err is the kernel refusing another watch
// descriptor (per-user inotify ceiling).
func isWatchLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "no space left on device") ||
		strings.Contains(msg, "too many open files")
}
