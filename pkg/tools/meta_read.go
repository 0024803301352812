package tools

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// BookMetadata is the subset of ebook-meta's output the pipeline uses for
// duplicate detection and library lookups.
type BookMetadata struct {
	Title       string
	Authors     string // ampersand-separated, primary first
	Publisher   string
	Language    string
	Series      string
	SeriesIndex float64
}

// MetadataReader wraps ebook-meta in read mode (no flags prints the current
// metadata).
type MetadataReader struct {
	Bin     string
	Timeout time.Duration
}

func NewMetadataReader(bin string, timeout time.Duration) *MetadataReader {
	if bin == "" {
		bin = "ebook-meta"
	}
	return &MetadataReader{Bin: bin, Timeout: timeout}
}

// Read probes the metadata of the book file at path.
func (r *MetadataReader) Read(ctx context.Context, path string) (*BookMetadata, error) {
	result, err := Run(ctx, r.Timeout, r.Bin, path)
	if err != nil {
		return nil, err
	}
	return ParseMetadataOutput(result.Stdout), nil
}

// ParseMetadataOutput parses ebook-meta's "Key : value" lines. Unknown keys
// are ignored; a line that doesn't parse is skipped rather than failing the
// whole probe.
func ParseMetadataOutput(stdout string) *BookMetadata {
	meta := &BookMetadata{}
	for _, line := range strings.Split(stdout, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch key {
		case "title":
			meta.Title = value
		case "author(s)", "authors", "author":
			// Strip the "[sort-form]" suffix ebook-meta appends.
			if i := strings.Index(value, "["); i > 0 {
				value = strings.TrimSpace(value[:i])
			}
			meta.Authors = value
		case "publisher":
			meta.Publisher = value
		case "languages", "language":
			if i := strings.Index(value, ","); i > 0 {
				value = strings.TrimSpace(value[:i])
			}
			meta.Language = value
		case "series":
			name, index := splitSeries(value)
			meta.Series = name
			meta.SeriesIndex = index
		}
	}
	return meta
}

// splitSeries handles the "Name #3.0" form.
func splitSeries(value string) (string, float64) {
	i := strings.LastIndex(value, "#")
	if i < 0 {
		return value, 0
	}
	index, err := strconv.ParseFloat(strings.TrimSpace(value[i+1:]), 64)
	if err != nil {
		return value, 0
	}
	return strings.TrimSpace(value[:i]), index
}
