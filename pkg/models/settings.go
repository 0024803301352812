package models

import (
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// Automerge policies accepted by the library tool on an import collision.
const (
	AutomergeNewRecord = "new_record"
	AutomergeIgnore    = "ignore"
	AutomergeOverwrite = "overwrite"
)

// Settings is the singleton row holding CWA's runtime-editable options.
// Install-time flags (network-share mode, watch mode) live in the config
// file instead; these are the options the UI can flip while the processes
// are running.
type Settings struct {
	bun.BaseModel `bun:"table:cwa_settings,alias:cs"`

	ID        int       `bun:",pk,nullzero" json:"id"`
	UpdatedAt time.Time `json:"updated_at"`

	AutoBackupImports     bool `bun:",default:true" json:"auto_backup_imports"`
	AutoBackupConversions bool `bun:",default:true" json:"auto_backup_conversions"`
	AutoBackupEpubFixes   bool `bun:",default:true" json:"auto_backup_epub_fixes"`
	AutoZipBackups        bool `bun:",default:true" json:"auto_zip_backups"`

	AutoConvert              bool   `bun:",default:true" json:"auto_convert"`
	AutoConvertTargetFormat  string `bun:",nullzero,default:'epub'" json:"auto_convert_target_format"`
	AutoConvertIgnoredFmts   string `json:"auto_convert_ignored_formats"`
	AutoIngestIgnoredFmts    string `json:"auto_ingest_ignored_formats"`
	AutoConvertRetainedFmts  string `json:"auto_convert_retained_formats"`
	AutoIngestAutomerge      string `bun:",nullzero,default:'new_record'" json:"auto_ingest_automerge"`
	IngestTimeoutMinutes     int    `bun:",default:15" json:"ingest_timeout_minutes"`
	AutoMetadataEnforcement  bool   `bun:",default:true" json:"auto_metadata_enforcement"`
	KindleEpubFixer          bool   `bun:",default:true" json:"kindle_epub_fixer"`
	AutoSendDelayMinutes     int    `bun:",default:5" json:"auto_send_delay_minutes"`
	MetadataProviderOrder    string `json:"metadata_provider_hierarchy"`
	MetadataProvidersEnabled bool   `bun:",default:true" json:"metadata_providers_enabled"`

	DuplicateDetectTitle     bool `bun:",default:true" json:"duplicate_detection_title"`
	DuplicateDetectAuthor    bool `bun:",default:true" json:"duplicate_detection_author"`
	DuplicateDetectLanguage  bool `json:"duplicate_detection_language"`
	DuplicateDetectSeries    bool `json:"duplicate_detection_series"`
	DuplicateDetectPublisher bool `json:"duplicate_detection_publisher"`
	DuplicateDetectFormat    bool `json:"duplicate_detection_format"`
}

// Format lists are stored as comma-separated lowercase extensions.
func splitFormats(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(p, ".")))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Settings) IgnoredIngestFormats() []string  { return splitFormats(s.AutoIngestIgnoredFmts) }
func (s *Settings) IgnoredConvertFormats() []string { return splitFormats(s.AutoConvertIgnoredFmts) }
func (s *Settings) RetainedFormats() []string       { return splitFormats(s.AutoConvertRetainedFmts) }

// IngestTimeout converts the per-file end-to-end budget to a duration.
func (s *Settings) IngestTimeout() time.Duration {
	minutes := s.IngestTimeoutMinutes
	if minutes <= 0 {
		minutes = 15
	}
	return time.Duration(minutes) * time.Minute
}

// AutoSendDelay converts the default scheduler delay to a duration.
func (s *Settings) AutoSendDelay() time.Duration {
	minutes := s.AutoSendDelayMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}
