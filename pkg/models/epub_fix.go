package models

import (
	"time"

	"github.com/uptrace/bun"
)

// EpubFix is the audit record for one epub-fixer pass over a single file.
type EpubFix struct {
	bun.BaseModel `bun:"table:cwa_epub_fixes,alias:fix"`

	ID                int       `bun:",pk,nullzero" json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	Filename          string    `bun:",nullzero" json:"filename"`
	ManuallyTriggered bool      `json:"manually_triggered"`
	FixCount          int       `json:"fix_count"`
	// FixesApplied is a JSON array of fix names.
	FixesApplied string `bun:",nullzero" json:"fixes_applied"`
	Path         string `bun:",nullzero" json:"path"`
	BackedUp     bool   `json:"backed_up"`
}
