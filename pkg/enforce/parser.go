// Package enforce consumes the metadata-change logs the UI drops when a user
// edits a book, and rewrites the edits into the book files themselves.
package enforce

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/tools"
	"github.com/pkg/errors"
)

// ChangeLog is one parsed metadata-change record. The UI writes these as
// plain "key: value" lines; unknown keys are carried in Values so a newer UI
// can add fields without breaking an older worker.
type ChangeLog struct {
	// Path is where the log file itself lives.
	Path string

	BookID int
	Title  string
	// Authors is ampersand-separated, primary first; recorded at edit time
	// for path disambiguation only.
	Authors   string
	Timestamp time.Time
	// Fields lists which metadata fields the edit changed.
	Fields []string
	// CoverPath points at the staged cover image, when the edit included one.
	CoverPath string
	// Values holds the new field values keyed by field name.
	Values map[string]string
}

// ParseLogFile reads and parses one change log.
func ParseLogFile(path string) (*ChangeLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	log, err := parseLog(string(data))
	if err != nil {
		return nil, err
	}
	log.Path = path
	return log, nil
}

func parseLog(content string) (*ChangeLog, error) {
	log := &ChangeLog{Values: map[string]string{}}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "book_id":
			id, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrap(err, "invalid book_id")
			}
			log.BookID = id
		case "title":
			log.Title = value
			log.Values[key] = value
		case "authors":
			log.Authors = value
			log.Values[key] = value
		case "timestamp":
			ts, err := time.Parse(time.RFC3339, value)
			if err == nil {
				log.Timestamp = ts
			}
		case "fields":
			for _, f := range strings.Split(value, ",") {
				if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
					log.Fields = append(log.Fields, f)
				}
			}
		case "cover_path":
			log.CoverPath = value
		default:
			log.Values[key] = value
		}
	}

	if log.BookID <= 0 {
		return nil, errors.New("change log has no book_id")
	}
	return log, nil
}

// Patch converts the log's changed fields into a metadata patch. A field
// listed without a value is skipped. A relative cover_path resolves against
// coverDir (the staging directory), and the cover is attached only when the
// staged file actually exists.
func (l *ChangeLog) Patch(coverDir string) *tools.MetadataPatch {
	patch := &tools.MetadataPatch{}
	for _, field := range l.Fields {
		value, ok := l.Values[field]
		if !ok {
			continue
		}
		v := value
		switch field {
		case "title":
			patch.Title = &v
		case "authors":
			patch.Authors = &v
		case "series":
			patch.Series = &v
		case "series_index":
			if idx, err := strconv.ParseFloat(v, 64); err == nil {
				patch.SeriesIndex = &idx
			}
		case "publisher":
			patch.Publisher = &v
		case "comments":
			patch.Comments = &v
		case "tags":
			patch.Tags = &v
		case "language":
			// Written only on an explicit language edit; fixer-style
			// normalization never happens here.
			patch.Language = &v
		}
	}

	if l.CoverPath != "" {
		cover := l.CoverPath
		if !filepath.IsAbs(cover) {
			cover = filepath.Join(coverDir, cover)
		}
		if _, err := os.Stat(cover); err == nil {
			patch.CoverPath = &cover
		}
	}
	return patch
}

var retrySuffixRe = regexp.MustCompile(`\.retry(\d+)$`)

// RetryCount extracts the failure counter encoded in the log filename.
func RetryCount(path string) int {
	m := retrySuffixRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// NextRetryPath bumps the failure counter suffix.
func NextRetryPath(path string) string {
	count := RetryCount(path)
	base := retrySuffixRe.ReplaceAllString(path, "")
	return base + ".retry" + strconv.Itoa(count+1)
}

// basePath strips the retry suffix, giving the log's stable identity.
func basePath(path string) string {
	return retrySuffixRe.ReplaceAllString(path, "")
}
