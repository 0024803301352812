package audit

import (
	"context"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/models"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

// Service appends audit records to cwa.db. Timestamps are always assigned
// server-side so records from different processes order consistently.
type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

func (svc *Service) AddImport(ctx context.Context, filename string, backedUp, potentialDuplicate bool) error {
	record := &models.Import{
		Timestamp:          time.Now().UTC(),
		Filename:           filename,
		Status:             models.ImportStatusImported,
		BackedUp:           backedUp,
		PotentialDuplicate: potentialDuplicate,
	}
	_, err := svc.db.NewInsert().Model(record).Exec(ctx)
	return errors.WithStack(err)
}

// AddImportOutcome records a terminal non-import state for an intake file: a
// skipped drop or a quarantined failure.
func (svc *Service) AddImportOutcome(ctx context.Context, filename, status string) error {
	record := &models.Import{
		Timestamp: time.Now().UTC(),
		Filename:  filename,
		Status:    status,
	}
	_, err := svc.db.NewInsert().Model(record).Exec(ctx)
	return errors.WithStack(err)
}

func (svc *Service) AddConversion(ctx context.Context, filename, sourceFormat, targetFormat string, backedUp bool) error {
	record := &models.Conversion{
		Timestamp:    time.Now().UTC(),
		Filename:     filename,
		SourceFormat: sourceFormat,
		TargetFormat: targetFormat,
		BackedUp:     backedUp,
	}
	_, err := svc.db.NewInsert().Model(record).Exec(ctx)
	return errors.WithStack(err)
}

func (svc *Service) AddEnforcement(ctx context.Context, record *models.Enforcement) error {
	record.Timestamp = time.Now().UTC()
	_, err := svc.db.NewInsert().Model(record).Exec(ctx)
	return errors.WithStack(err)
}

// AddEpubFix records one fixer pass. fixes is marshalled into the
// fixes_applied JSON column.
func (svc *Service) AddEpubFix(ctx context.Context, record *models.EpubFix, fixes []string) error {
	record.Timestamp = time.Now().UTC()
	record.FixCount = len(fixes)
	if fixes == nil {
		fixes = []string{}
	}
	data, err := json.Marshal(fixes)
	if err != nil {
		return errors.WithStack(err)
	}
	record.FixesApplied = string(data)

	_, err = svc.db.NewInsert().Model(record).Exec(ctx)
	return errors.WithStack(err)
}

func (svc *Service) RecordActivity(ctx context.Context, username, event, detail string) error {
	record := &models.UserActivity{
		Timestamp: time.Now().UTC(),
		Username:  username,
		Event:     event,
		Detail:    detail,
	}
	_, err := svc.db.NewInsert().Model(record).Exec(ctx)
	return errors.WithStack(err)
}

// Totals are per-table counts plus derived aggregates, surfaced in the UI's
// statistics page.
type Totals struct {
	Imports      int `json:"imports"`
	Conversions  int `json:"conversions"`
	Enforcements int `json:"enforcements"`
	EpubFixes    int `json:"epub_fixes"`
	Activity     int `json:"activity"`
	// TotalProcessed is imports plus conversions; a converted file also
	// produces an import row, so this intentionally double-counts the way
	// the statistics page always has.
	TotalProcessed int `json:"total_processed"`
}

func (svc *Service) StatTotals(ctx context.Context) (*Totals, error) {
	totals := &Totals{}

	var err error
	if totals.Imports, err = svc.db.NewSelect().Model((*models.Import)(nil)).Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if totals.Conversions, err = svc.db.NewSelect().Model((*models.Conversion)(nil)).Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if totals.Enforcements, err = svc.db.NewSelect().Model((*models.Enforcement)(nil)).Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if totals.EpubFixes, err = svc.db.NewSelect().Model((*models.EpubFix)(nil)).Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if totals.Activity, err = svc.db.NewSelect().Model((*models.UserActivity)(nil)).Count(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	totals.TotalProcessed = totals.Imports + totals.Conversions

	return totals, nil
}
