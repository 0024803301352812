package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`ALTER TABLE cwa_imports ADD COLUMN status TEXT NOT NULL DEFAULT 'imported'`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`ALTER TABLE cwa_imports DROP COLUMN status`)
		return errors.WithStack(err)
	}

	Migrations.MustRegister(up, down)
}
