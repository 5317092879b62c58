package persistence

import (
	"context"
	"fmt"
)

// addedColumns are columns introduced after the first schema. SQLite has no
// ADD COLUMN IF NOT EXISTS, so each one is checked against table_info.
var addedColumns = []struct {
	table  string
	column string
	ddl    string
}{
	{"jobs", "metadata", "ALTER TABLE jobs ADD COLUMN metadata TEXT"},
	{"jobs", "form", "ALTER TABLE jobs ADD COLUMN form TEXT"},
}

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		grp TEXT NOT NULL DEFAULT '',
		dir TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		form TEXT,
		created_at TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		job_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		params TEXT,
		writes_files TEXT,
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		outputs TEXT,
		started_at TEXT,
		finished_at TEXT,
		PRIMARY KEY (job_id, id),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		job_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (job_id, task_id, depends_on_id),
		FOREIGN KEY (job_id, task_id) REFERENCES tasks(job_id, id) ON DELETE CASCADE,
		FOREIGN KEY (job_id, depends_on_id) REFERENCES tasks(job_id, id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS job_status_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		status TEXT NOT NULL,
		at TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_job_status_history_job ON job_status_history(job_id, id);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	for _, c := range addedColumns {
		if err := s.addColumn(ctx, c.table, c.column, c.ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.table, c.column, err)
		}
	}
	return nil
}

func (s *SQLiteStore) addColumn(ctx context.Context, table, column, ddl string) error {
	exists, err := s.hasColumn(ctx, table, column)
	if err != nil || exists {
		return err
	}
	_, err = s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLiteStore) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
