// Package db implements the controller's persistence layer: a single sqlite
// file opened in WAL mode with a single-writer discipline (only the
// controller process writes). All enum and JSON encoding happens here; the
// rest of the repository deals in go/types values only.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/types"
)

// DB wraps the sqlite handle.
type DB struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the database file and applies any
// pending migrations inside a transaction.
func Open(ctx context.Context, file string) (*DB, error) {
	d, err := sqlx.Open("sqlite", file+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, skerr.Wrapf(err, "opening %s", file)
	}
	// A single writer plus WAL keeps readers from blocking it.
	d.SetMaxOpenConns(1)
	if _, err := d.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := &DB{db: d}
	if err := rv.migrate(ctx); err != nil {
		return nil, err
	}
	return rv, nil
}

func (d *DB) migrate(ctx context.Context) error {
	var version int
	if err := d.db.GetContext(ctx, &version, "PRAGMA user_version;"); err != nil {
		return skerr.Wrap(err)
	}
	if version > len(migrations) {
		return skerr.Fmt("database version %d is newer than this binary (max %d)", version, len(migrations))
	}
	for i := version; i < len(migrations); i++ {
		tx, err := d.db.BeginTxx(ctx, nil)
		if err != nil {
			return skerr.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return skerr.Wrapf(err, "applying migration %d", i+1)
		}
		// PRAGMA does not support placeholders.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			_ = tx.Rollback()
			return skerr.Wrap(err)
		}
		if err := tx.Commit(); err != nil {
			return skerr.Wrap(err)
		}
	}
	return nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return skerr.Wrap(d.db.Close())
}

// Transaction runs fn inside a transaction, rolling back on error.
func (d *DB) Transaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return skerr.Wrap(tx.Commit())
}

// jobRow is the flat, encoded form of types.Job.
type jobRow struct {
	ID                  string         `db:"id"`
	JobRequestID        string         `db:"job_request_id"`
	State               string         `db:"state"`
	RepoURL             string         `db:"repo_url"`
	Commit              string         `db:"commit"`
	Workspace           string         `db:"workspace"`
	DatabaseName        string         `db:"database_name"`
	Backend             string         `db:"backend"`
	Action              string         `db:"action"`
	ActionRepoURL       string         `db:"action_repo_url"`
	ActionCommit        string         `db:"action_commit"`
	RequiresOutputsFrom string         `db:"requires_outputs_from"`
	WaitForJobIDs       string         `db:"wait_for_job_ids"`
	RunCommand          string         `db:"run_command"`
	ImageID             string         `db:"image_id"`
	OutputSpec          string         `db:"output_spec"`
	Outputs             string         `db:"outputs"`
	UnmatchedOutputs    string         `db:"unmatched_outputs"`
	UnmatchedPatterns   string         `db:"unmatched_patterns"`
	StatusMessage       string         `db:"status_message"`
	StatusCode          string         `db:"status_code"`
	Cancelled           bool           `db:"cancelled"`
	RequiresDB          bool           `db:"requires_db"`
	CreatedAt           int64          `db:"created_at"`
	UpdatedAt           int64          `db:"updated_at"`
	StartedAt           sql.NullInt64  `db:"started_at"`
	CompletedAt         sql.NullInt64  `db:"completed_at"`
	StatusCodeUpdatedAt int64          `db:"status_code_updated_at"`
	TraceContext        string         `db:"trace_context"`
}

func mustJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		// All the values we encode are plain maps and slices.
		panic(err)
	}
	return string(b)
}

func fromJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	return skerr.Wrap(json.Unmarshal([]byte(s), v))
}

func encodeJob(j *types.Job) *jobRow {
	r := &jobRow{
		ID:                  j.ID,
		JobRequestID:        j.JobRequestID,
		State:               string(j.State),
		RepoURL:             j.RepoURL,
		Commit:              j.Commit,
		Workspace:           j.Workspace,
		DatabaseName:        j.DatabaseName,
		Backend:             j.Backend,
		Action:              j.Action,
		ActionRepoURL:       j.ActionRepoURL,
		ActionCommit:        j.ActionCommit,
		RunCommand:          j.RunCommand,
		ImageID:             j.ImageID,
		StatusMessage:       j.StatusMessage,
		StatusCode:          string(j.StatusCode),
		Cancelled:           j.Cancelled,
		RequiresDB:          j.RequiresDB,
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
		StatusCodeUpdatedAt: j.StatusCodeUpdatedAt,
	}
	if j.RequiresOutputsFrom != nil {
		r.RequiresOutputsFrom = mustJSON(j.RequiresOutputsFrom)
	}
	if j.WaitForJobIDs != nil {
		r.WaitForJobIDs = mustJSON(j.WaitForJobIDs)
	}
	if j.OutputSpec != nil {
		r.OutputSpec = mustJSON(j.OutputSpec)
	}
	if j.Outputs != nil {
		r.Outputs = mustJSON(j.Outputs)
	}
	if j.UnmatchedOutputs != nil {
		r.UnmatchedOutputs = mustJSON(j.UnmatchedOutputs)
	}
	if j.UnmatchedPatterns != nil {
		r.UnmatchedPatterns = mustJSON(j.UnmatchedPatterns)
	}
	if j.TraceContext != nil {
		r.TraceContext = mustJSON(j.TraceContext)
	}
	if j.StartedAt != 0 {
		r.StartedAt = sql.NullInt64{Int64: j.StartedAt, Valid: true}
	}
	if j.CompletedAt != 0 {
		r.CompletedAt = sql.NullInt64{Int64: j.CompletedAt, Valid: true}
	}
	return r
}

func decodeJob(r *jobRow) (*types.Job, error) {
	j := &types.Job{
		ID:                  r.ID,
		JobRequestID:        r.JobRequestID,
		State:               types.State(r.State),
		RepoURL:             r.RepoURL,
		Commit:              r.Commit,
		Workspace:           r.Workspace,
		DatabaseName:        r.DatabaseName,
		Backend:             r.Backend,
		Action:              r.Action,
		ActionRepoURL:       r.ActionRepoURL,
		ActionCommit:        r.ActionCommit,
		RunCommand:          r.RunCommand,
		ImageID:             r.ImageID,
		StatusMessage:       r.StatusMessage,
		StatusCode:          types.StatusCode(r.StatusCode),
		Cancelled:           r.Cancelled,
		RequiresDB:          r.RequiresDB,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		StartedAt:           r.StartedAt.Int64,
		CompletedAt:         r.CompletedAt.Int64,
		StatusCodeUpdatedAt: r.StatusCodeUpdatedAt,
	}
	if err := fromJSON(r.RequiresOutputsFrom, &j.RequiresOutputsFrom); err != nil {
		return nil, err
	}
	if err := fromJSON(r.WaitForJobIDs, &j.WaitForJobIDs); err != nil {
		return nil, err
	}
	if err := fromJSON(r.OutputSpec, &j.OutputSpec); err != nil {
		return nil, err
	}
	if err := fromJSON(r.Outputs, &j.Outputs); err != nil {
		return nil, err
	}
	if err := fromJSON(r.UnmatchedOutputs, &j.UnmatchedOutputs); err != nil {
		return nil, err
	}
	if err := fromJSON(r.UnmatchedPatterns, &j.UnmatchedPatterns); err != nil {
		return nil, err
	}
	if err := fromJSON(r.TraceContext, &j.TraceContext); err != nil {
		return nil, err
	}
	return j, nil
}

const jobInsertSQL = `
INSERT INTO job (
	id, job_request_id, state, repo_url, "commit", workspace, database_name,
	backend, action, action_repo_url, action_commit, requires_outputs_from,
	wait_for_job_ids, run_command, image_id, output_spec, outputs,
	unmatched_outputs, unmatched_patterns, status_message, status_code,
	cancelled, requires_db, created_at, updated_at, started_at, completed_at,
	status_code_updated_at, trace_context
) VALUES (
	:id, :job_request_id, :state, :repo_url, :commit, :workspace,
	:database_name, :backend, :action, :action_repo_url, :action_commit,
	:requires_outputs_from, :wait_for_job_ids, :run_command, :image_id,
	:output_spec, :outputs, :unmatched_outputs, :unmatched_patterns,
	:status_message, :status_code, :cancelled, :requires_db, :created_at,
	:updated_at, :started_at, :completed_at, :status_code_updated_at,
	:trace_context
)`

// The cancelled field is deliberately excluded: it is written by the sync
// loop and the run loop must never overwrite it.
const jobUpdateSQL = `
UPDATE job SET
	state = :state, image_id = :image_id, outputs = :outputs,
	unmatched_outputs = :unmatched_outputs,
	unmatched_patterns = :unmatched_patterns,
	status_message = :status_message, status_code = :status_code,
	updated_at = :updated_at, started_at = :started_at,
	completed_at = :completed_at,
	status_code_updated_at = :status_code_updated_at,
	trace_context = :trace_context
WHERE id = :id`

// InsertJob inserts a new job row, optionally within tx.
func (d *DB) InsertJob(ctx context.Context, tx *sqlx.Tx, j *types.Job) error {
	var err error
	if tx != nil {
		_, err = tx.NamedExecContext(ctx, jobInsertSQL, encodeJob(j))
	} else {
		_, err = d.db.NamedExecContext(ctx, jobInsertSQL, encodeJob(j))
	}
	return skerr.Wrapf(err, "inserting job %s", j.ID)
}

// UpdateJob writes back the mutable fields of a job. The cancelled flag is
// never updated here; see SetCancelledFlag.
func (d *DB) UpdateJob(ctx context.Context, j *types.Job) error {
	_, err := d.db.NamedExecContext(ctx, jobUpdateSQL, encodeJob(j))
	return skerr.Wrapf(err, "updating job %s", j.ID)
}

func (d *DB) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*types.Job, error) {
	rows := []*jobRow{}
	if err := d.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := make([]*types.Job, 0, len(rows))
	for _, r := range rows {
		j, err := decodeJob(r)
		if err != nil {
			return nil, err
		}
		rv = append(rv, j)
	}
	return rv, nil
}

// ActiveJobs returns jobs in PENDING or RUNNING for the backend, ordered by
// created_at ascending (stable FIFO).
func (d *DB) ActiveJobs(ctx context.Context, backend string) ([]*types.Job, error) {
	return d.queryJobs(ctx,
		`SELECT * FROM job WHERE state IN ('pending', 'running') AND backend = ? ORDER BY created_at ASC, id ASC`,
		backend)
}

// JobsForRequest returns every job belonging to the given JobRequest.
func (d *DB) JobsForRequest(ctx context.Context, jobRequestID string) ([]*types.Job, error) {
	return d.queryJobs(ctx, `SELECT * FROM job WHERE job_request_id = ?`, jobRequestID)
}

// JobsForRequests returns every job belonging to any of the given
// JobRequests.
func (d *DB) JobsForRequests(ctx context.Context, jobRequestIDs []string) ([]*types.Job, error) {
	if len(jobRequestIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM job WHERE job_request_id IN (?) ORDER BY created_at ASC, id ASC`, jobRequestIDs)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return d.queryJobs(ctx, query, args...)
}

// JobsExistForRequest reports whether any jobs have been created for the
// given JobRequest.
func (d *DB) JobsExistForRequest(ctx context.Context, jobRequestID string) (bool, error) {
	var n int
	if err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM job WHERE job_request_id = ?`, jobRequestID); err != nil {
		return false, skerr.Wrap(err)
	}
	return n > 0, nil
}

// JobStates returns the states of the given job IDs. Missing IDs are simply
// absent from the result.
func (d *DB) JobStates(ctx context.Context, ids []string) (map[string]types.State, error) {
	if len(ids) == 0 {
		return map[string]types.State{}, nil
	}
	query, args, err := sqlx.In(`SELECT id, state FROM job WHERE id IN (?)`, ids)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	rows := []struct {
		ID    string `db:"id"`
		State string `db:"state"`
	}{}
	if err := d.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, skerr.Wrap(err)
	}
	rv := make(map[string]types.State, len(rows))
	for _, r := range rows {
		rv[r.ID] = types.State(r.State)
	}
	return rv, nil
}

// JobsForWorkspace returns all non-cancelled jobs in the workspace.
func (d *DB) JobsForWorkspace(ctx context.Context, workspace string) ([]*types.Job, error) {
	return d.queryJobs(ctx, `SELECT * FROM job WHERE workspace = ? AND cancelled = 0`, workspace)
}

// JobsByPartialID returns jobs whose ID begins with the given prefix.
func (d *DB) JobsByPartialID(ctx context.Context, partial string) ([]*types.Job, error) {
	return d.queryJobs(ctx, `SELECT * FROM job WHERE id LIKE ? ESCAPE '\'`, escapeLike(partial)+"%")
}

func escapeLike(s string) string {
	rv := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			rv = append(rv, '\\')
		}
		rv = append(rv, r)
	}
	return string(rv)
}

// SetCancelledFlag marks the given actions of a JobRequest as cancelled,
// in-place so that a concurrent run-loop write cannot be clobbered.
func (d *DB) SetCancelledFlag(ctx context.Context, jobRequestID string, actions []string) error {
	if len(actions) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE job SET cancelled = 1 WHERE job_request_id = ? AND action IN (?)`,
		jobRequestID, actions)
	if err != nil {
		return skerr.Wrap(err)
	}
	_, err = d.db.ExecContext(ctx, query, args...)
	return skerr.Wrap(err)
}

// InsertJobRequest stores the original JobRequest payload verbatim,
// optionally within tx.
func (d *DB) InsertJobRequest(ctx context.Context, tx *sqlx.Tx, id string, original map[string]interface{}) error {
	var err error
	const q = `INSERT OR REPLACE INTO job_request (id, original) VALUES (?, ?)`
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, id, mustJSON(original))
	} else {
		_, err = d.db.ExecContext(ctx, q, id, mustJSON(original))
	}
	return skerr.Wrapf(err, "inserting job request %s", id)
}

// JobRequestOriginal retrieves the stored payload for a JobRequest, or nil if
// unknown.
func (d *DB) JobRequestOriginal(ctx context.Context, id string) (map[string]interface{}, error) {
	var raw string
	if err := d.db.GetContext(ctx, &raw, `SELECT original FROM job_request WHERE id = ?`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, skerr.Wrap(err)
	}
	var rv map[string]interface{}
	if err := fromJSON(raw, &rv); err != nil {
		return nil, err
	}
	return rv, nil
}
