package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`ALTER TABLE cwa_imports ADD COLUMN potential_duplicate BOOLEAN NOT NULL DEFAULT FALSE`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`ALTER TABLE cwa_imports DROP COLUMN potential_duplicate`)
		return errors.WithStack(err)
	}

	Migrations.MustRegister(up, down)
}
