// Package status maintains the advisory files other processes read to see
// what the ingest processor is doing. Both files are single-writer (the
// processor); readers treat them as best-effort hints.
package status

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Ingest states written to the status file.
const (
	StateIdle          = "idle"
	StateQueued        = "queued"
	StateProcessing    = "processing"
	StateCompleted     = "completed"
	StateError         = "error"
	StateSafetyTimeout = "safety_timeout"
)

// File writes the single-line ingest status file. Format:
// "idle" or "{state}:{filename}:{iso-timestamp}".
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) SetIdle() error {
	return f.write(StateIdle)
}

func (f *File) Set(state, filename string) error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	return f.write(fmt.Sprintf("%s:%s:%s", state, filepath.Base(filename), stamp))
}

func (f *File) write(line string) error {
	// Write-then-rename so readers never observe a torn line.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(line+"\n"), 0644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, f.path))
}

// Read returns the current state and filename (empty when idle). Used by
// tests and the wrapper script; the processor itself never reads back.
func (f *File) Read() (state, filename string, err error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return StateIdle, "", nil
		}
		return "", "", errors.WithStack(err)
	}
	line := strings.TrimSpace(string(data))
	parts := strings.SplitN(line, ":", 3)
	if len(parts) < 2 {
		return parts[0], "", nil
	}
	return parts[0], parts[1], nil
}
