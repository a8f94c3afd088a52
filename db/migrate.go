package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/hubjobs/errors"
	"github.com/teranos/hubjobs/sym"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// Migrate applies all pending migrations. logger may be nil.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	_, err := MigrateReport(db, logger)
	return err
}

// MigrateReport applies all pending migrations in version order and returns
// the files applied by this call. Each migration runs in its own transaction.
func MigrateReport(db *sql.DB, logger *zap.SugaredLogger) ([]string, error) {
	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}
	done, err := appliedVersions(db)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, filename := range files {
		version := migrationVersion(filename)
		if done[version] {
			if logger != nil {
				logger.Debugw("Skipping migration (already applied)", "migration", filename)
			}
			continue
		}
		if len(done) == 0 && version != "000" {
			return applied, errors.Newf("schema_migrations table missing, but migration is not 000: %s", filename)
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", filename, "version", version)
		}
		if err := applyMigration(db, filename, version); err != nil {
			return applied, err
		}
		done[version] = true
		applied = append(applied, filename)
	}

	if logger != nil && len(applied) > 0 {
		logger.Infow("Migrations complete",
			"symbol", sym.DB,
			"applied", len(applied),
			"total_migrations", len(files))
	}
	return applied, nil
}

// migrationFiles lists the embedded migrations; 000_create_schema_migrations.sql sorts first
func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func migrationVersion(filename string) string {
	return strings.SplitN(filename, "_", 2)[0]
}

// appliedVersions is empty on a fresh database, before 000 created schema_migrations
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	done := make(map[string]bool)
	var exists bool
	err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations')`).Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "check schema_migrations")
	}
	if !exists {
		return done, nil
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "list applied migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "scan migration version")
		}
		done[version] = true
	}
	return done, errors.Wrap(rows.Err(), "list applied migrations")
}

func applyMigration(db *sql.DB, filename, version string) error {
	body, err := migrations.ReadFile(path.Join(migrationsDir, filename))
	if err != nil {
		return errors.Wrapf(err, "read %s", filename)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", filename)
	}
	if _, err := tx.Exec(string(body)); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "execute %s", filename)
	}
	// 000 creates the table, then records itself
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "record %s", filename)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", filename)
}
