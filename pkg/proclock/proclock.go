// Package proclock provides named mutual exclusion across independent OS
// processes on one host, backed by lock files with PID and timestamp
// payloads. A lock left behind by a crashed process is reclaimed once its
// PID is gone or its timestamp exceeds the staleness bound.
package proclock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/crocodilestick/calibre-web-automated/pkg/errcodes"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

type Manager struct {
	dir        string
	staleAfter time.Duration

	// overridable in tests
	pid       int
	pidExists func(pid int32) (bool, error)
}

// NewManager creates a lock manager rooted at dir. staleAfter should be set
// to twice the ingest timeout so a wedged-then-killed pipeline can't hold a
// lock forever.
func NewManager(dir string, staleAfter time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.WithStack(err)
	}
	return &Manager{
		dir:        dir,
		staleAfter: staleAfter,
		pid:        os.Getpid(),
		pidExists:  process.PidExists,
	}, nil
}

// Handle owns the release of one acquired lock.
type Handle struct {
	mgr  *Manager
	name string
	path string
}

func (m *Manager) lockPath(name string) string {
	// Lock names embed paths and colons; flatten to a safe filename.
	safe := strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(name)
	return filepath.Join(m.dir, safe+".lock")
}

// Acquire blocks until the named lock is held or timeout elapses. Callers
// must always pass a finite timeout.
func (m *Manager) Acquire(name string, timeout time.Duration) (*Handle, error) {
	path := m.lockPath(name)
	deadline := time.Now().Add(timeout)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = timeout

	var handle *Handle
	attempt := func() error {
		if time.Now().After(deadline) {
			return backoff.Permanent(errcodes.Busy("lock " + name))
		}

		if m.tryCreate(path) {
			handle = &Handle{mgr: m, name: name, path: path}
			return nil
		}

		// The file exists; reclaim it if its owner is gone or too old.
		if m.isStale(path) {
			os.Remove(path)
			if m.tryCreate(path) {
				handle = &Handle{mgr: m, name: name, path: path}
				return nil
			}
		}

		return errcodes.Busy("lock " + name)
	}

	err := backoff.Retry(attempt, bo)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, errcodes.Busy("lock " + name)
	}
	return handle, nil
}

func (m *Manager) tryCreate(path string) bool {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return false
	}
	defer f.Close()

	payload := fmt.Sprintf("%d\n%s\n", m.pid, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteString(payload); err != nil {
		os.Remove(path)
		return false
	}
	return true
}

func (m *Manager) isStale(path string) bool {
	pid, stamp, err := readLockFile(path)
	if err != nil {
		// Unreadable or half-written lock file; treat as stale only once
		// it is older than the bound, judged by mtime.
		info, statErr := os.Stat(path)
		if statErr != nil {
			return false
		}
		return time.Since(info.ModTime()) > m.staleAfter
	}

	alive, err := m.pidExists(int32(pid))
	if err == nil && !alive {
		return true
	}
	return time.Since(stamp) > m.staleAfter
}

// Release unlinks the lock file if and only if it still records this
// process's PID. A lock reclaimed by another process is never removed.
func (h *Handle) Release() error {
	pid, _, err := readLockFile(h.path)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return errcodes.Invariant("lock file disappeared before release: " + h.name)
		}
		return err
	}
	if pid != h.mgr.pid {
		return errcodes.Invariant("lock no longer owned at release: " + h.name)
	}
	return errors.WithStack(os.Remove(h.path))
}

func readLockFile(path string) (int, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, errors.WithStack(err)
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) < 2 {
		return 0, time.Time{}, errors.New("malformed lock file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, time.Time{}, errors.WithStack(err)
	}
	stamp, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
	if err != nil {
		return 0, time.Time{}, errors.WithStack(err)
	}
	return pid, stamp, nil
}
