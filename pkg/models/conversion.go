package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Conversion is the audit record for a format conversion performed during
// ingest or a convert-library run.
type Conversion struct {
	bun.BaseModel `bun:"table:cwa_conversions,alias:conv"`

	ID           int       `bun:",pk,nullzero" json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Filename     string    `bun:",nullzero" json:"filename"`
	SourceFormat string    `bun:",nullzero" json:"source_format"`
	TargetFormat string    `bun:",nullzero" json:"target_format"`
	BackedUp     bool      `json:"backed_up"`
}
