package migrations

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// knownColumns lists columns that must exist in each CWA table. Deployments
// that predate the migration history (the schema used to be created by hand)
// are brought up to date by adding whatever is missing; existing columns are
// left untouched.
var knownColumns = map[string][]columnSpec{
	"cwa_imports": {
		{"backed_up", "BOOLEAN NOT NULL DEFAULT FALSE"},
		{"potential_duplicate", "BOOLEAN NOT NULL DEFAULT FALSE"},
		{"status", "TEXT NOT NULL DEFAULT 'imported'"},
	},
	"cwa_conversions": {
		{"backed_up", "BOOLEAN NOT NULL DEFAULT FALSE"},
	},
	"cwa_epub_fixes": {
		{"manually_triggered", "BOOLEAN NOT NULL DEFAULT FALSE"},
		{"fix_count", "INTEGER NOT NULL DEFAULT 0"},
		{"fixes_applied", "TEXT NOT NULL DEFAULT '[]'"},
		{"backed_up", "BOOLEAN NOT NULL DEFAULT FALSE"},
	},
	"cwa_scheduled_jobs": {
		{"external_id", "TEXT"},
		{"last_error", "TEXT"},
	},
	"cwa_settings": {
		{"auto_zip_backups", "BOOLEAN NOT NULL DEFAULT TRUE"},
		{"kindle_epub_fixer", "BOOLEAN NOT NULL DEFAULT TRUE"},
		{"auto_send_delay_minutes", "INTEGER NOT NULL DEFAULT 5"},
		{"duplicate_detect_format", "BOOLEAN NOT NULL DEFAULT FALSE"},
	},
}

type columnSpec struct {
	name string
	ddl  string
}

// EnsureColumns adds any missing known columns. Idempotent; safe to run on
// every startup.
func EnsureColumns(ctx context.Context, db *bun.DB) error {
	for table, specs := range knownColumns {
		existing, err := tableColumns(ctx, db, table)
		if err != nil {
			return err
		}
		if existing == nil {
			// Table doesn't exist yet; the migration that creates it
			// carries the full column set.
			continue
		}
		for _, spec := range specs {
			if existing[spec.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, spec.name, spec.ddl)
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return errors.Wrapf(err, "failed to add column %s.%s", table, spec.name)
			}
		}
	}
	return nil
}

func tableColumns(ctx context.Context, db *bun.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	columns := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, errors.WithStack(err)
		}
		columns[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(columns) == 0 {
		return nil, nil
	}
	return columns, nil
}
