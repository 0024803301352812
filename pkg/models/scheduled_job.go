package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

const (
	JobStateScheduled  = "scheduled"
	JobStateDispatched = "dispatched"
	JobStateCancelled  = "cancelled"
)

const (
	JobTypeAutoSend       = "auto-send"
	JobTypeConvertLibrary = "convert-library-run"
	JobTypeEpubFixer      = "epub-fixer-run"
)

// ScheduledJob is a persisted one-shot job. Rows survive process restarts;
// the scheduler rehydrates state=scheduled rows on startup and transitions
// scheduled -> dispatched with a compare-and-swap so the handler runs at most
// once across processes.
type ScheduledJob struct {
	bun.BaseModel `bun:"table:cwa_scheduled_jobs,alias:sj"`

	ID         int         `bun:",pk,nullzero" json:"id"`
	CreatedAt  time.Time   `json:"created_at"`
	Type       string      `bun:",nullzero" json:"type"`
	State      string      `bun:",nullzero" json:"state"`
	RunAt      time.Time   `json:"run_at"`
	Data       string      `bun:",nullzero" json:"-"`
	DataParsed interface{} `bun:"-" json:"data"`
	// ExternalID links to the web process's own scheduler entry when the
	// job was created there.
	ExternalID *string `json:"external_id,omitempty"`
	LastError  *string `json:"last_error,omitempty"`
}

func (job *ScheduledJob) UnmarshalData() error {
	switch job.Type {
	case JobTypeAutoSend:
		job.DataParsed = &JobAutoSendData{}
	case JobTypeConvertLibrary:
		job.DataParsed = &JobConvertLibraryData{}
	case JobTypeEpubFixer:
		job.DataParsed = &JobEpubFixerData{}
	default:
		job.DataParsed = &map[string]interface{}{}
	}

	err := json.Unmarshal([]byte(job.Data), job.DataParsed)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

type JobAutoSendData struct {
	BookID   int    `json:"book_id"`
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Title    string `json:"title"`
}

type JobConvertLibraryData struct {
	TargetFormat string `json:"target_format"`
}

type JobEpubFixerData struct{}
