package settings

import (
	"context"
	"database/sql"
	"time"

	"github.com/crocodilestick/calibre-web-automated/pkg/errcodes"
	"github.com/crocodilestick/calibre-web-automated/pkg/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// Service reads and writes the singleton cwa_settings row. Get returns a
// snapshot copy; callers hold it for the duration of one work item and
// re-read for the next so UI edits take effect between items, not mid-item.
type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

func (svc *Service) Get(ctx context.Context) (*models.Settings, error) {
	s := &models.Settings{}

	err := svc.db.
		NewSelect().
		Model(s).
		Where("cs.id = 1").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Settings")
		}
		return nil, errors.WithStack(err)
	}

	return s, nil
}

type UpdateOptions struct {
	// Columns restricts the write to the named columns. Empty means all
	// settings columns (a full snapshot replace).
	Columns []string
}

func (svc *Service) Update(ctx context.Context, s *models.Settings, opts UpdateOptions) error {
	s.ID = 1
	s.UpdatedAt = time.Now().UTC()

	q := svc.db.
		NewUpdate().
		Model(s).
		WherePK()

	if len(opts.Columns) > 0 {
		columns := append(opts.Columns, "updated_at")
		q = q.Column(columns...)
	}

	_, err := q.Exec(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errcodes.NotFound("Settings")
		}
		return errors.WithStack(err)
	}

	return nil
}
