package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Terminal statuses an intake file can audit as.
const (
	ImportStatusImported = "imported"
	ImportStatusSkipped  = "skipped"
	ImportStatusFailed   = "failed"
)

// Import is the audit record for an intake file's terminal state. Most rows
// are completed imports; skipped drops and quarantined failures land here too
// so the statistics page accounts for every file.
type Import struct {
	bun.BaseModel `bun:"table:cwa_imports,alias:imp"`

	ID        int       `bun:",pk,nullzero" json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `bun:",nullzero" json:"filename"`
	Status    string    `bun:",nullzero,default:'imported'" json:"status"`
	BackedUp  bool      `json:"backed_up"`
	// PotentialDuplicate is the out-of-band classification tag; it never
	// gates the import itself.
	PotentialDuplicate bool `json:"potential_duplicate"`
}
