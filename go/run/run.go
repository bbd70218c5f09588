// Package run implements the controller's run loop: the periodic tick which
// reads active jobs, applies the per-job state machine against the executor,
// and persists the resulting transitions.
package run

import (
	"context"
	"sort"
	"time"

	"go.opensafely.org/jobrunner/go/config"
	"go.opensafely.org/jobrunner/go/db"
	"go.opensafely.org/jobrunner/go/executor"
	"go.opensafely.org/jobrunner/go/metrics2"
	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/sklog"
	"go.opensafely.org/jobrunner/go/tracing"
	"go.opensafely.org/jobrunner/go/types"
	"go.opensafely.org/jobrunner/go/util"
)

// SynchronousTransitions is optionally implemented by executors for which
// some transition calls block until the work completes (e.g. the local
// executor's prepare). The scheduler uses it to advance such jobs twice in
// one tick rather than leaving them parked until the next.
type SynchronousTransitions interface {
	SynchronousTransitions() []types.ExecutorState
}

// Runner drives all active jobs for one backend.
type Runner struct {
	DB       *db.DB
	Executor executor.API
	Cfg      *config.Config

	// retries counts consecutive executor retries per job ID. In-memory
	// only: a controller restart legitimately resets the count.
	retries map[string]int

	// syncTransitions caches the executor's synchronous transition set.
	syncTransitions map[types.ExecutorState]bool

	liveness   metrics2.Liveness
	activeJobs metrics2.Int64Metric
}

// maxExecutorRetries bounds consecutive transient executor failures per job
// before escalating.
const maxExecutorRetries = 3

// New constructs a Runner.
func New(d *db.DB, api executor.API, cfg *config.Config) *Runner {
	r := &Runner{
		DB:              d,
		Executor:        api,
		Cfg:             cfg,
		retries:         map[string]int{},
		syncTransitions: map[types.ExecutorState]bool{},
		liveness:        metrics2.NewLiveness("jobrunner_run_loop", map[string]string{"backend": cfg.Backend}),
		activeJobs:      metrics2.GetInt64Metric("jobrunner_active_jobs", map[string]string{"backend": cfg.Backend}),
	}
	if st, ok := api.(SynchronousTransitions); ok {
		for _, state := range st.SynchronousTransitions() {
			r.syncTransitions[state] = true
		}
	}
	return r
}

// Loop ticks until the context is cancelled.
func (r *Runner) Loop(ctx context.Context) {
	sklog.Infof("Run loop started (backend %s, max workers %d)", r.Cfg.Backend, r.Cfg.MaxWorkers)
	util.RepeatCtx(ctx, r.Cfg.JobLoopInterval, func(ctx context.Context) {
		if err := r.Tick(ctx); err != nil {
			sklog.Errorf("Run loop tick failed: %s", err)
		}
	})
}

// Tick performs one pass over the active jobs. Jobs are handled one at a
// time; within the tick RUNNING jobs go first so the worker budget is
// accurate before any PENDING job is considered.
func (r *Runner) Tick(ctx context.Context) error {
	ctx, tickSpan := tracing.StartTick(ctx, r.Cfg.Backend)
	defer tickSpan.End()
	defer r.liveness.Reset()

	// Heartbeat so operators can see the loop is alive even when idle.
	if _, err := r.DB.SetFlag(ctx, r.Cfg.Backend, "last-seen-at", util.TimeStamp(now.Now(ctx))); err != nil {
		return err
	}

	jobs, err := r.DB.ActiveJobs(ctx, r.Cfg.Backend)
	if err != nil {
		return err
	}
	r.activeJobs.Update(int64(len(jobs)))

	runningForWorkspace := map[string]int{}
	remaining := append([]*types.Job{}, jobs...)
	for len(remaining) > 0 {
		// Re-sort every iteration: the per-workspace running counts move
		// as jobs are handled.
		sortJobs(remaining, runningForWorkspace)
		job := remaining[0]
		remaining = remaining[1:]

		r.handleSingleJob(ctx, job)

		if job.State == types.StateRunning {
			runningForWorkspace[job.Workspace]++
		}
		if err := ctx.Err(); err != nil {
			// Shutting down; leave the rest for the next process.
			return nil
		}
	}
	return nil
}

// sortJobs orders jobs for handling: RUNNING first, then PENDING jobs from
// workspaces with the fewest running jobs (fairness between workspaces), then
// database jobs before cpu jobs, with age as the final tiebreak.
func sortJobs(jobs []*types.Job, runningForWorkspace map[string]int) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		aRunning, bRunning := a.State == types.StateRunning, b.State == types.StateRunning
		if aRunning != bRunning {
			return aRunning
		}
		if wa, wb := runningForWorkspace[a.Workspace], runningForWorkspace[b.Workspace]; wa != wb {
			return wa < wb
		}
		if a.RequiresDB != b.RequiresDB {
			return a.RequiresDB
		}
		return a.CreatedAt < b.CreatedAt
	})
}

// handleSingleJob wraps the state machine in the per-job failure handling: a
// panic or unexpected error fails that job with INTERNAL_ERROR and the loop
// carries on with the rest.
func (r *Runner) handleSingleJob(ctx context.Context, job *types.Job) {
	// Re-read flags per job so operator changes apply immediately.
	mode, err := r.flagValue(ctx, "mode")
	if err != nil {
		sklog.Errorf("Failed to read mode flag: %s", err)
		return
	}
	manual, err := r.flagValue(ctx, "manual-db-maintenance")
	if err != nil {
		sklog.Errorf("Failed to read manual-db-maintenance flag: %s", err)
		return
	}
	dbMaintenance := mode == "db-maintenance" || manual == "on"
	pausedVal, err := r.flagValue(ctx, "paused")
	if err != nil {
		sklog.Errorf("Failed to read paused flag: %s", err)
		return
	}
	paused := pausedVal == "true"

	defer func() {
		if panicked := recover(); panicked != nil {
			sklog.Errorf("Panic while handling job %s: %v", job.ID, panicked)
			r.failJobInternally(ctx, job)
		}
	}()

	jobCtx, jobSpan := tracing.StartJobTick(ctx, job)
	synchronous, err := r.handleJob(jobCtx, job, dbMaintenance, paused)
	if err == nil && synchronous {
		// The transition completed synchronously; advance again now
		// rather than leaving the job parked for a whole interval.
		_, err = r.handleJob(jobCtx, job, dbMaintenance, paused)
	}
	jobSpan.End()
	if err != nil {
		sklog.Errorf("Error handling job %s: %s", job.ID, err)
		r.failJobInternally(ctx, job)
	}
}

func (r *Runner) failJobInternally(ctx context.Context, job *types.Job) {
	const message = "Internal error: this usually means a platform issue rather than a problem " +
		"for users to fix.\n" +
		"The tech team are automatically notified of these errors and will be investigating."
	if err := r.setCode(ctx, job, types.StatusInternalError, message, 0, nil); err != nil {
		sklog.Errorf("Failed to mark job %s as failed: %s", job.ID, err)
	}
}

func (r *Runner) flagValue(ctx context.Context, id string) (string, error) {
	flag, err := r.DB.GetFlag(ctx, r.Cfg.Backend, id)
	if err != nil || flag == nil {
		return "", err
	}
	return flag.Value, nil
}

// jobElapsed returns how long the job has held its current status code.
func jobElapsed(ctx context.Context, job *types.Job) time.Duration {
	return now.Now(ctx).Sub(time.Unix(0, job.StatusCodeUpdatedAt))
}
