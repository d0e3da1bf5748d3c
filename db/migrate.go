package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// migration is one embedded .sql file; version is the numeric filename prefix.
type migration struct {
	version  string
	filename string
}

// Migrate applies every embedded migration not yet recorded in schema_migrations,
// each in its own transaction. Safe to run on every start.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	all, err := embeddedMigrations()
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range all {
		done, err := isApplied(db, m)
		if err != nil {
			return err
		}
		if done {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", m.filename)
			}
			continue
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", m.filename, "version", m.version)
		}
		if err := apply(db, m); err != nil {
			return err
		}
		applied++
	}

	if logger != nil {
		logger.Infow("Migrations complete",
			"total_migrations", len(all),
			"applied", applied,
		)
	}
	return nil
}

// embeddedMigrations lists migrations sorted by filename (000 first).
func embeddedMigrations() ([]migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		out = append(out, migration{
			version:  strings.SplitN(entry.Name(), "_", 2)[0],
			filename: entry.Name(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].filename < out[j].filename })
	return out, nil
}

// isApplied reports whether m is recorded. A missing schema_migrations table
// is only acceptable before migration 000 has run.
func isApplied(db *sql.DB, m migration) (bool, error) {
	var exists bool
	err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err == nil {
		return exists, nil
	}
	if m.version != "000" {
		return false, errors.Wrapf(err, "check %s", m.filename)
	}
	return false, nil
}

func apply(db *sql.DB, m migration) error {
	body, err := migrations.ReadFile(path.Join(migrationsDir, m.filename))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.filename)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.filename)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.filename)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return errors.Wrapf(err, "record %s", m.filename)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s", m.filename)
	}
	return nil
}
