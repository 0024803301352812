package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultTempSuffixes are extensions that mark a file as still being written
// by its producer.
var DefaultTempSuffixes = []string{"tmp", "part", "crdownload", "download", "temp"}

// StabilityDetector decides when a file is done being written: it must be a
// regular file, not carry a temp suffix, and hold the same size across a run
// of consecutive observations.
type StabilityDetector struct {
	// Checks is the number of consecutive equal size readings required.
	Checks int
	// Interval separates the readings.
	Interval time.Duration
	// TempSuffixes extend DefaultTempSuffixes when set.
	TempSuffixes []string
	// HasOpenWriter, when non-nil, is an extra veto: a file with a writer
	// still attached is not stable. It is a refinement only; network shares
	// cannot observe writers, so size stability remains the primary signal.
	HasOpenWriter func(path string) bool
}

func NewStabilityDetector(checks int, interval time.Duration) *StabilityDetector {
	if checks < 1 {
		checks = 3
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &StabilityDetector{Checks: checks, Interval: interval}
}

// IsTempFile reports whether the path carries a temp suffix.
func (d *StabilityDetector) IsTempFile(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	suffixes := DefaultTempSuffixes
	if len(d.TempSuffixes) > 0 {
		suffixes = append(suffixes, d.TempSuffixes...)
	}
	for _, s := range suffixes {
		if ext == s {
			return true
		}
	}
	return false
}

// WaitStable blocks until the file is stable or ctx expires. It returns
// false without error when the path vanished (the producer renamed or
// removed it); the caller simply drops the event.
func (d *StabilityDetector) WaitStable(ctx context.Context, path string) (bool, error) {
	if d.IsTempFile(path) {
		return false, nil
	}

	var lastSize int64 = -1
	matches := 0

	for {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, errors.WithStack(err)
		}
		if !info.Mode().IsRegular() {
			return false, nil
		}

		size := info.Size()
		if size == lastSize {
			matches++
		} else {
			matches = 1
			lastSize = size
		}

		if matches >= d.Checks {
			if d.HasOpenWriter != nil && d.HasOpenWriter(path) {
				matches = 0
			} else {
				return true, nil
			}
		}

		select {
		case <-ctx.Done():
			return false, errors.WithStack(ctx.Err())
		case <-time.After(d.Interval):
		}
	}
}
