package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	EnforcementTriggerLog          = "log"
	EnforcementTriggerManualSingle = "manual-single"
	EnforcementTriggerManualAll    = "manual-all"
)

// Enforcement is the audit record for a metadata/cover rewrite of a book's
// files.
type Enforcement struct {
	bun.BaseModel `bun:"table:cwa_enforcements,alias:enf"`

	ID        int       `bun:",pk,nullzero" json:"id"`
	Timestamp time.Time `json:"timestamp"`
	BookID    int       `bun:",nullzero" json:"book_id"`
	Title     string    `bun:",nullzero" json:"title"`
	Authors   string    `bun:",nullzero" json:"authors"`
	FilePath  string    `bun:",nullzero" json:"file_path"`
	Trigger   string    `bun:",nullzero" json:"trigger"`
}
