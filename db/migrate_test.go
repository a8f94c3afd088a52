package db

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var schemaTables = []string{"schema_migrations", "jobs", "job_steps", "step_tasks", "spaces", "space_tags"}

func openTemp(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "hubjobs.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func hasTable(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n))
	return n == 1
}

func TestMigrateFreshDatabase(t *testing.T) {
	db := openTemp(t)

	applied, err := MigrateReport(db, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"000_create_schema_migrations.sql",
		"001_create_jobs.sql",
		"002_create_job_steps.sql",
		"003_create_step_tasks.sql",
		"004_create_spaces.sql",
	}, applied)

	for _, table := range schemaTables {
		assert.True(t, hasTable(t, db, table), table)
	}

	var versions []string
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		versions = append(versions, v)
	}
	assert.Equal(t, []string{"000", "001", "002", "003", "004"}, versions)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, Migrate(db, nil))

	applied, err := MigrateReport(db, nil)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestMigrateResumesPartialSchema(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, applyMigration(db, "000_create_schema_migrations.sql", "000"))
	require.NoError(t, applyMigration(db, "001_create_jobs.sql", "001"))

	applied, err := MigrateReport(db, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"002_create_job_steps.sql", "003_create_step_tasks.sql", "004_create_spaces.sql"}, applied)
}

func TestMigrateErrors(t *testing.T) {
	t.Run("closed database", func(t *testing.T) {
		db, err := Open(filepath.Join(t.TempDir(), "closed.db"), nil)
		require.NoError(t, err)
		db.Close()

		err = Migrate(db, nil)
		require.Error(t, err)
		assert.True(t, IsDatabaseClosed(err))
	})

	t.Run("foreign schema_migrations table", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "foreign.db")
		db, err := Open(path, nil)
		require.NoError(t, err)
		_, err = db.Exec(`CREATE TABLE schema_migrations (bad_schema TEXT)`)
		require.NoError(t, err)
		db.Close()

		db, err = OpenWithMigrations(path, nil)
		require.Error(t, err)
		assert.Nil(t, db)
		assert.Contains(t, err.Error(), "migrate "+path)
		assert.Contains(t, fmt.Sprintf("%+v", err), "migrate.go")
	})

	t.Run("unopenable path", func(t *testing.T) {
		db, err := OpenWithMigrations("/invalid/nonexistent/path/db.sqlite", nil)
		require.Error(t, err)
		assert.Nil(t, db)
		assert.Contains(t, fmt.Sprintf("%+v", err), "connection.go")
	})
}

func TestMigrateCascadesStepRows(t *testing.T) {
	db := openTemp(t)
	require.NoError(t, Migrate(db, nil))

	for _, stmt := range []string{
		`INSERT INTO jobs (id, source, target, state, graph, created_at, updated_at)
			VALUES ('j1', '{}', '{}', 'SUBMITTED', '{}', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		`INSERT INTO job_steps (job_id, step_id, path, type, state, updated_at)
			VALUES ('j1', 's1', 'executions[0]', 'CountSpace', 'PENDING', CURRENT_TIMESTAMP)`,
		`INSERT INTO step_tasks (job_id, step_id, task_id) VALUES ('j1', 's1', 0)`,
		`DELETE FROM jobs WHERE id = 'j1'`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}

	var steps, tasks int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM job_steps`).Scan(&steps))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM step_tasks`).Scan(&tasks))
	assert.Zero(t, steps)
	assert.Zero(t, tasks)
}
