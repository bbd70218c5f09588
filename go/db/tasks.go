package db

import (
	"context"
	"database/sql"

	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/types"
)

type taskRow struct {
	ID         string        `db:"id"`
	Backend    string        `db:"backend"`
	Type       string        `db:"type"`
	JobID      string        `db:"job_id"`
	Active     bool          `db:"active"`
	CreatedAt  int64         `db:"created_at"`
	FinishedAt sql.NullInt64 `db:"finished_at"`
	Definition string        `db:"definition"`
	Results    string        `db:"results"`
}

func decodeTask(r *taskRow) *types.Task {
	return &types.Task{
		ID:         r.ID,
		Backend:    r.Backend,
		Type:       types.TaskType(r.Type),
		JobID:      r.JobID,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt.Int64,
		Definition: r.Definition,
		Results:    r.Results,
	}
}

// InsertTask records a new bookkeeping task.
func (d *DB) InsertTask(ctx context.Context, t *types.Task) error {
	finishedAt := sql.NullInt64{}
	if t.FinishedAt != 0 {
		finishedAt = sql.NullInt64{Int64: t.FinishedAt, Valid: true}
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tasks (id, backend, type, job_id, active, created_at, finished_at, definition, results)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Backend, string(t.Type), t.JobID, t.Active, t.CreatedAt, finishedAt, t.Definition, t.Results)
	return skerr.Wrapf(err, "inserting task %s", t.ID)
}

// ActiveTaskForJob returns the active task for the job, or nil. At most one
// task is active per job at a time.
func (d *DB) ActiveTaskForJob(ctx context.Context, jobID string) (*types.Task, error) {
	r := taskRow{}
	err := d.db.GetContext(ctx, &r, `SELECT * FROM tasks WHERE job_id = ? AND active = 1`, jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return decodeTask(&r), nil
}

// FinishTask deactivates the task and records when and with what results it
// finished.
func (d *DB) FinishTask(ctx context.Context, taskID string, finishedAt int64, results string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET active = 0, finished_at = ?, results = ? WHERE id = ?`,
		finishedAt, results, taskID)
	return skerr.Wrapf(err, "finishing task %s", taskID)
}

// ActiveTasksByType returns the backend's active tasks of the given type,
// oldest first.
func (d *DB) ActiveTasksByType(ctx context.Context, backend string, typ types.TaskType) ([]*types.Task, error) {
	rows := []*taskRow{}
	if err := d.db.SelectContext(ctx, &rows,
		`SELECT * FROM tasks WHERE backend = ? AND type = ? AND active = 1 ORDER BY created_at ASC, id ASC`,
		backend, string(typ)); err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := make([]*types.Task, 0, len(rows))
	for _, r := range rows {
		rv = append(rv, decodeTask(r))
	}
	return rv, nil
}

// TasksForJob returns all tasks ever created for the job, oldest first.
func (d *DB) TasksForJob(ctx context.Context, jobID string) ([]*types.Task, error) {
	rows := []*taskRow{}
	if err := d.db.SelectContext(ctx, &rows, `SELECT * FROM tasks WHERE job_id = ? ORDER BY created_at ASC, id ASC`, jobID); err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := make([]*types.Task, 0, len(rows))
	for _, r := range rows {
		rv = append(rv, decodeTask(r))
	}
	return rv, nil
}
