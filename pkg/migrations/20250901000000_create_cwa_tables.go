package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE cwa_imports (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				filename TEXT NOT NULL,
				backed_up BOOLEAN NOT NULL DEFAULT FALSE
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE cwa_conversions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				filename TEXT NOT NULL,
				source_format TEXT NOT NULL,
				target_format TEXT NOT NULL,
				backed_up BOOLEAN NOT NULL DEFAULT FALSE
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE cwa_enforcements (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				book_id INTEGER NOT NULL,
				title TEXT NOT NULL,
				authors TEXT NOT NULL,
				file_path TEXT NOT NULL,
				"trigger" TEXT NOT NULL DEFAULT 'log'
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_cwa_enforcements_book_id ON cwa_enforcements (book_id)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE cwa_epub_fixes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				filename TEXT NOT NULL,
				manually_triggered BOOLEAN NOT NULL DEFAULT FALSE,
				fix_count INTEGER NOT NULL DEFAULT 0,
				fixes_applied TEXT NOT NULL DEFAULT '[]',
				path TEXT NOT NULL,
				backed_up BOOLEAN NOT NULL DEFAULT FALSE
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE cwa_scheduled_jobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				type TEXT NOT NULL,
				state TEXT NOT NULL DEFAULT 'scheduled',
				run_at TIMESTAMPTZ NOT NULL,
				data TEXT NOT NULL DEFAULT '{}',
				last_error TEXT
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`CREATE INDEX ix_cwa_scheduled_jobs_state_run_at ON cwa_scheduled_jobs (state, run_at)`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE cwa_user_activity (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				username TEXT NOT NULL,
				event TEXT NOT NULL,
				detail TEXT NOT NULL DEFAULT ''
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`
			CREATE TABLE cwa_settings (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
				auto_backup_imports BOOLEAN NOT NULL DEFAULT TRUE,
				auto_backup_conversions BOOLEAN NOT NULL DEFAULT TRUE,
				auto_backup_epub_fixes BOOLEAN NOT NULL DEFAULT TRUE,
				auto_zip_backups BOOLEAN NOT NULL DEFAULT TRUE,
				auto_convert BOOLEAN NOT NULL DEFAULT TRUE,
				auto_convert_target_format TEXT NOT NULL DEFAULT 'epub',
				auto_convert_ignored_fmts TEXT NOT NULL DEFAULT '',
				auto_ingest_ignored_fmts TEXT NOT NULL DEFAULT '',
				auto_convert_retained_fmts TEXT NOT NULL DEFAULT '',
				auto_ingest_automerge TEXT NOT NULL DEFAULT 'new_record',
				ingest_timeout_minutes INTEGER NOT NULL DEFAULT 15,
				auto_metadata_enforcement BOOLEAN NOT NULL DEFAULT TRUE,
				kindle_epub_fixer BOOLEAN NOT NULL DEFAULT TRUE,
				auto_send_delay_minutes INTEGER NOT NULL DEFAULT 5,
				metadata_provider_order TEXT NOT NULL DEFAULT '',
				metadata_providers_enabled BOOLEAN NOT NULL DEFAULT TRUE,
				duplicate_detect_title BOOLEAN NOT NULL DEFAULT TRUE,
				duplicate_detect_author BOOLEAN NOT NULL DEFAULT TRUE,
				duplicate_detect_language BOOLEAN NOT NULL DEFAULT FALSE,
				duplicate_detect_series BOOLEAN NOT NULL DEFAULT FALSE,
				duplicate_detect_publisher BOOLEAN NOT NULL DEFAULT FALSE,
				duplicate_detect_format BOOLEAN NOT NULL DEFAULT FALSE
			)
`)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = db.Exec(`INSERT INTO cwa_settings (id) VALUES (1)`)
		return errors.WithStack(err)
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, table := range []string{
			"cwa_imports", "cwa_conversions", "cwa_enforcements",
			"cwa_epub_fixes", "cwa_scheduled_jobs", "cwa_user_activity",
			"cwa_settings",
		} {
			if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
