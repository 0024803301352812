package models

import (
	"time"

	"github.com/uptrace/bun"
)

// UserActivity is an append-only event log used for statistics.
type UserActivity struct {
	bun.BaseModel `bun:"table:cwa_user_activity,alias:act"`

	ID        int       `bun:",pk,nullzero" json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Username  string    `bun:",nullzero" json:"username"`
	Event     string    `bun:",nullzero" json:"event"`
	Detail    string    `json:"detail"`
}
