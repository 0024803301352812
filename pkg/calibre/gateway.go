// Package calibre adapts the library manager's calibredb CLI. The gateway is
// the only component that writes to the library directory, and it always does
// so through the CLI, never by touching metadata.db. Calls serialize behind
// one mutex to respect calibredb's single-writer assumption.
package calibre

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/models"
	"github.com/crocodilestick/calibre-web-automated/pkg/tools"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// BookSummary is one row of a list query.
type BookSummary struct {
	ID      int      `json:"id"`
	Title   string   `json:"title"`
	Authors string   `json:"authors"`
	Formats []string `json:"formats"`
}

// Format is one {extension, path} pair of a book's format set.
type Format struct {
	Ext  string
	Path string
}

type Gateway struct {
	bin        string
	libraryDir string
	timeout    time.Duration

	// calibredb holds its own file lock; serializing here avoids burning
	// our subprocess timeout on lock contention between our own calls.
	mu sync.Mutex
}

func NewGateway(bin, libraryDir string, timeout time.Duration) *Gateway {
	if bin == "" {
		bin = "calibredb"
	}
	return &Gateway{bin: bin, libraryDir: libraryDir, timeout: timeout}
}

func (g *Gateway) run(ctx context.Context, args ...string) (*tools.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// The library path is always passed explicitly.
	args = append(args, "--with-library", g.libraryDir)
	return tools.Run(ctx, g.timeout, g.bin, args...)
}

// Add imports the given files as one book record. The returned ids may be
// empty even on success: calibredb's stdout is cosmetic and versions differ,
// so callers must fall back to a List query when no id parses.
func (g *Gateway) Add(ctx context.Context, paths []string, automerge string) ([]int, error) {
	switch automerge {
	case models.AutomergeIgnore, models.AutomergeOverwrite, models.AutomergeNewRecord:
	case "":
		automerge = models.AutomergeNewRecord
	default:
		return nil, errors.Errorf("unknown automerge policy %q", automerge)
	}

	args := append([]string{"add"}, paths...)
	args = append(args, "--automerge", automerge)

	result, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	return ParseAddedIDs(result.Stdout), nil
}

// AddFormat attaches an additional format file to an existing book.
func (g *Gateway) AddFormat(ctx context.Context, id int, path string) error {
	_, err := g.run(ctx, "add_format", strconv.Itoa(id), path)
	return err
}

// List runs a search query and returns matching book summaries.
func (g *Gateway) List(ctx context.Context, query string) ([]BookSummary, error) {
	args := []string{"list", "--for-machine", "--fields", "title,authors,formats"}
	if query != "" {
		args = append(args, "--search", query)
	}

	result, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var books []BookSummary
	if err := json.Unmarshal([]byte(result.Stdout), &books); err != nil {
		return nil, errors.Wrap(err, "failed to parse calibredb list output")
	}
	return books, nil
}

// GetFormats returns the {extension, path} pairs for a book id. The paths
// come from the library tool; the core never constructs library paths itself.
func (g *Gateway) GetFormats(ctx context.Context, id int) ([]Format, error) {
	books, err := g.List(ctx, fmt.Sprintf("id:%d", id))
	if err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, nil
	}

	formats := make([]Format, 0, len(books[0].Formats))
	for _, path := range books[0].Formats {
		formats = append(formats, Format{Ext: extOf(path), Path: path})
	}
	return formats, nil
}

// FindByTitleAuthor is the fallback lookup for when Add's stdout did not
// yield an id.
func (g *Gateway) FindByTitleAuthor(ctx context.Context, title, author string) ([]BookSummary, error) {
	query := fmt.Sprintf("title:%q", title)
	if author != "" {
		query += fmt.Sprintf(" and author:%q", author)
	}
	return g.List(ctx, query)
}

// SetMetadata writes fields through the library tool. Enforcement usually
// operates on the files directly; this exists for the rare field the file
// formats can't carry.
func (g *Gateway) SetMetadata(ctx context.Context, id int, fields map[string]string) error {
	args := []string{"set_metadata", strconv.Itoa(id)}
	for k, v := range fields {
		args = append(args, "--field", k+":"+v)
	}
	_, err := g.run(ctx, args...)
	return err
}
