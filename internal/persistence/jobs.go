package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/jobsched/internal/scheduler"
)

// SaveJob stores a job with its tasks, dependency edges and status history.
// Saving an existing job replaces it.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *scheduler.JobInfo) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	metadata, err := encodeJSON(job.Metadata)
	if err != nil {
		return err
	}
	var form sql.NullString
	if len(job.Form) > 0 {
		form = sql.NullString{String: string(job.Form), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, name, username, grp, dir, metadata, form, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			username = excluded.username,
			grp = excluded.grp,
			dir = excluded.dir,
			metadata = excluded.metadata,
			form = excluded.form,
			updated_at = CURRENT_TIMESTAMP
	`, job.ID, job.Name, job.Username, job.Group, job.Dir, metadata, form, formatTime(job.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}

	// Dependencies and history cascade from these deletes.
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE job_id = ?`, job.ID); err != nil {
		return fmt.Errorf("failed to delete old tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_status_history WHERE job_id = ?`, job.ID); err != nil {
		return fmt.Errorf("failed to delete old history: %w", err)
	}

	for i := range job.Tasks {
		if err := insertTask(ctx, tx, job.ID, i, &job.Tasks[i]); err != nil {
			return err
		}
	}
	for _, t := range job.Tasks {
		for pos, depID := range t.DependsOn {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (job_id, task_id, depends_on_id, position)
				VALUES (?, ?, ?, ?)
			`, job.ID, t.ID, depID, pos)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
			}
		}
	}
	for _, change := range job.StatusHistory {
		if err := insertStatus(ctx, tx, job.ID, change); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func insertTask(ctx context.Context, tx *sql.Tx, jobID string, pos int, t *scheduler.TaskInfo) error {
	params, err := encodeJSON(t.Params)
	if err != nil {
		return err
	}
	writes, err := encodeJSON(t.WritesFiles)
	if err != nil {
		return err
	}
	outputs, err := encodeJSON(t.Outputs)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (job_id, id, position, kind, name, params, writes_files, status, progress, error, outputs, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, jobID, t.ID, pos, t.Kind, t.Name, params, writes, string(t.Status), t.Progress, t.Error, outputs,
		formatTimePtr(t.StartedAt), formatTimePtr(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

func insertStatus(ctx context.Context, tx *sql.Tx, jobID string, change scheduler.StatusChange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_status_history (job_id, status, at) VALUES (?, ?, ?)
	`, jobID, string(change.Status), formatTime(change.At))
	if err != nil {
		return fmt.Errorf("failed to insert status history: %w", err)
	}
	return nil
}

// UpdateTask stores the mutable state of one task.
func (s *SQLiteStore) UpdateTask(ctx context.Context, jobID string, t *scheduler.TaskInfo) error {
	outputs, err := encodeJSON(t.Outputs)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, progress = ?, error = ?, outputs = ?, started_at = ?, finished_at = ?
		WHERE job_id = ? AND id = ?
	`, string(t.Status), t.Progress, t.Error, outputs, formatTimePtr(t.StartedAt), formatTimePtr(t.FinishedAt), jobID, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task %s/%s: %w", jobID, t.ID, ErrNotFound)
	}
	return nil
}

// RecordStatus appends an aggregate status change to the job's history.
func (s *SQLiteStore) RecordStatus(ctx context.Context, jobID string, change scheduler.StatusChange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_status_history (job_id, status, at)
		SELECT id, ?, ? FROM jobs WHERE id = ?
	`, string(change.Status), formatTime(change.At), jobID)
	if err != nil {
		return fmt.Errorf("failed to record status: %w", err)
	}
	return nil
}

// DeleteJob removes a job and everything attached to it. Deleting a missing
// job is not an error.
func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// GetJob loads one job.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*scheduler.JobInfo, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = ?
	`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	if err := s.loadDetails(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs loads every job ordered by creation time.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*scheduler.JobInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	var jobs []*scheduler.JobInfo
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	rows.Close()

	// Details are loaded after the job cursor is closed: the pool has a
	// single connection.
	for _, job := range jobs {
		if err := s.loadDetails(ctx, job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

const jobColumns = "id, name, username, grp, dir, metadata, form, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*scheduler.JobInfo, error) {
	job := &scheduler.JobInfo{}
	var created string
	var metadata, form sql.NullString
	if err := row.Scan(&job.ID, &job.Name, &job.Username, &job.Group, &job.Dir, &metadata, &form, &created); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &job.Metadata); err != nil {
		return nil, err
	}
	if form.Valid && form.String != "" {
		job.Form = json.RawMessage(form.String)
	}
	job.CreatedAt = parseTime(created)
	return job, nil
}

// loadDetails fills tasks, dependencies, history and derived status.
func (s *SQLiteStore) loadDetails(ctx context.Context, job *scheduler.JobInfo) error {
	tasks, err := s.loadTasks(ctx, job.ID)
	if err != nil {
		return err
	}
	deps, err := s.loadDependencies(ctx, job.ID)
	if err != nil {
		return err
	}
	for i := range tasks {
		tasks[i].DependsOn = deps[tasks[i].ID]
	}
	job.Tasks = tasks

	history, err := s.loadHistory(ctx, job.ID)
	if err != nil {
		return err
	}
	job.StatusHistory = history

	statuses := make([]scheduler.Status, len(tasks))
	var sum float64
	for i, t := range tasks {
		statuses[i] = t.Status
		sum += t.Progress
	}
	job.Status = scheduler.Aggregate(statuses)
	if len(tasks) > 0 {
		job.Progress = sum / float64(len(tasks))
	}
	return nil
}

func (s *SQLiteStore) loadTasks(ctx context.Context, jobID string) ([]scheduler.TaskInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, params, writes_files, status, progress, error, outputs, started_at, finished_at
		FROM tasks WHERE job_id = ? ORDER BY position
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []scheduler.TaskInfo{}
	for rows.Next() {
		var t scheduler.TaskInfo
		var status string
		var params, writes, outputs, started, finished sql.NullString
		if err := rows.Scan(&t.ID, &t.Kind, &t.Name, &params, &writes, &status, &t.Progress, &t.Error, &outputs, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Status = scheduler.Status(status)
		if err := decodeJSON(params, &t.Params); err != nil {
			return nil, err
		}
		if err := decodeJSON(writes, &t.WritesFiles); err != nil {
			return nil, err
		}
		if err := decodeJSON(outputs, &t.Outputs); err != nil {
			return nil, err
		}
		t.StartedAt = parseTimePtr(started)
		t.FinishedAt = parseTimePtr(finished)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, jobID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, depends_on_id FROM task_dependencies
		WHERE job_id = ? ORDER BY task_id, position
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps[taskID] = append(deps[taskID], depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context, jobID string) ([]scheduler.StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, at FROM job_status_history WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer rows.Close()

	var history []scheduler.StatusChange
	for rows.Next() {
		var status, at string
		if err := rows.Scan(&status, &at); err != nil {
			return nil, fmt.Errorf("failed to scan status history: %w", err)
		}
		history = append(history, scheduler.StatusChange{Status: scheduler.Status(status), At: parseTime(at)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status history: %w", err)
	}
	return history, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case map[string]string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return fmt.Errorf("failed to decode stored %T: %w", v, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
