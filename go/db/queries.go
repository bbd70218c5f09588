package db

import (
	"context"

	"go.opensafely.org/jobrunner/go/types"
)

// CalculateWorkspaceState returns the most recent non-cancelled job for each
// action in the workspace, which together represent the set of outputs the
// workspace currently holds. Synthetic error jobs are excluded.
func (d *DB) CalculateWorkspaceState(ctx context.Context, backend, workspace string) ([]*types.Job, error) {
	all, err := d.queryJobs(ctx,
		`SELECT * FROM job WHERE workspace = ? AND backend = ? AND cancelled = 0`,
		workspace, backend)
	if err != nil {
		return nil, err
	}
	latest := map[string]*types.Job{}
	for _, job := range all {
		if job.Action == types.ErrorAction {
			continue
		}
		if existing, ok := latest[job.Action]; !ok || existing.CreatedAt < job.CreatedAt {
			latest[job.Action] = job
		}
	}
	rv := make([]*types.Job, 0, len(latest))
	for _, job := range latest {
		rv = append(rv, job)
	}
	return rv, nil
}
