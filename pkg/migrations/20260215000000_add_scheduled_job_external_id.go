package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`ALTER TABLE cwa_scheduled_jobs ADD COLUMN external_id TEXT`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`ALTER TABLE cwa_scheduled_jobs DROP COLUMN external_id`)
		return errors.WithStack(err)
	}

	Migrations.MustRegister(up, down)
}
