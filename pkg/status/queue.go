package status

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// DefaultQueueLimit bounds the retry queue; the oldest entries drop first on
// overflow.
const DefaultQueueLimit = 100

// RetryQueue is the plain-text requeue file: one absolute path per line.
// The wrapper script appends paths whose processor run exited with the
// "another run active" code; the processor drains it at the top of each loop.
type RetryQueue struct {
	path  string
	limit int
}

func NewRetryQueue(path string, limit int) *RetryQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &RetryQueue{path: path, limit: limit}
}

func (q *RetryQueue) List() ([]string, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	var paths []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

func (q *RetryQueue) Push(path string) error {
	paths, err := q.List()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if p == path {
			return nil
		}
	}
	paths = append(paths, path)
	if len(paths) > q.limit {
		paths = paths[len(paths)-q.limit:]
	}
	return q.writeAll(paths)
}

// Drain returns all queued paths and truncates the file.
func (q *RetryQueue) Drain() ([]string, error) {
	paths, err := q.List()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}
	if err := q.writeAll(nil); err != nil {
		return nil, err
	}
	return paths, nil
}

func (q *RetryQueue) writeAll(paths []string) error {
	var sb strings.Builder
	for _, p := range paths {
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, q.path))
}
