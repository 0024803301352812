package fileutils

import (
	"path/filepath"
	"strings"
	"time"
)

// Backup subdirectories under the processed-books root. failed/ is reserved
// for terminal failures.
const (
	BackupImported       = "imported"
	BackupConverted      = "converted"
	BackupFixedOriginals = "fixed_originals"
	BackupFailed         = "failed"
)

// BackupPath builds the destination for a pre-modification copy:
// {root}/{category}/{YYYY-MM}/{YYYYMMDD_HHMMSS}_{original-filename}.
func BackupPath(root, category, originalPath string, now time.Time) string {
	name := TimestampedName(originalPath, now)
	return filepath.Join(root, category, now.Format("2006-01"), name)
}

// TimestampedName prefixes the base name with a sortable timestamp.
func TimestampedName(path string, now time.Time) string {
	return now.Format("20060102_150405") + "_" + filepath.Base(path)
}

// FailedName encodes the failure reason into the destination filename so the
// failed/ directory is self-describing.
func FailedName(path, reason string, now time.Time) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	reason = sanitizeReason(reason)
	return now.Format("20060102_150405") + "_" + stem + "." + reason + ext
}

func sanitizeReason(reason string) string {
	reason = strings.ToLower(reason)
	var sb strings.Builder
	for _, r := range reason {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			sb.WriteRune('-')
		}
	}
	s := sb.String()
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		s = "unknown"
	}
	return s
}

// Ext returns the lowercase extension without the leading dot.
func Ext(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
