package tools

import (
	"context"
	"strconv"
	"time"
)

// MetadataWriter wraps the ebook-meta binary, which rewrites metadata inside
// a book file in place.
type MetadataWriter struct {
	Bin     string
	Timeout time.Duration
}

func NewMetadataWriter(bin string, timeout time.Duration) *MetadataWriter {
	if bin == "" {
		bin = "ebook-meta"
	}
	return &MetadataWriter{Bin: bin, Timeout: timeout}
}

// MetadataPatch holds the fields an enforcement pass may rewrite. Nil fields
// are left untouched; language is only written when the edit explicitly
// requested it.
type MetadataPatch struct {
	Title       *string
	Authors     *string // ampersand-separated, primary first
	Series      *string
	SeriesIndex *float64
	Publisher   *string
	Comments    *string
	Tags        *string
	Language    *string
	CoverPath   *string
}

// Empty reports whether the patch would write nothing.
func (p *MetadataPatch) Empty() bool {
	return p.Title == nil && p.Authors == nil && p.Series == nil &&
		p.SeriesIndex == nil && p.Publisher == nil && p.Comments == nil &&
		p.Tags == nil && p.Language == nil && p.CoverPath == nil
}

// Write applies the patch to the book file at path.
func (w *MetadataWriter) Write(ctx context.Context, path string, patch *MetadataPatch) error {
	args := []string{path}
	if patch.Title != nil {
		args = append(args, "--title", *patch.Title)
	}
	if patch.Authors != nil {
		args = append(args, "--authors", *patch.Authors)
	}
	if patch.Series != nil {
		args = append(args, "--series", *patch.Series)
	}
	if patch.SeriesIndex != nil {
		args = append(args, "--index", strconv.FormatFloat(*patch.SeriesIndex, 'f', -1, 64))
	}
	if patch.Publisher != nil {
		args = append(args, "--publisher", *patch.Publisher)
	}
	if patch.Comments != nil {
		args = append(args, "--comments", *patch.Comments)
	}
	if patch.Tags != nil {
		args = append(args, "--tags", *patch.Tags)
	}
	if patch.Language != nil {
		args = append(args, "--language", *patch.Language)
	}
	if patch.CoverPath != nil {
		args = append(args, "--cover", *patch.CoverPath)
	}

	_, err := Run(ctx, w.Timeout, w.Bin, args...)
	return err
}
