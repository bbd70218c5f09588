package run

import (
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.opensafely.org/jobrunner/go/config"
	"go.opensafely.org/jobrunner/go/db"
	"go.opensafely.org/jobrunner/go/executor"
	"go.opensafely.org/jobrunner/go/executor/execfake"
	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/types"
)

const startUnix = 1700000000

func setup(t *testing.T) (*now.TimeTravelCtx, *db.DB, *execfake.Executor, *config.Config) {
	ctx := now.TimeTravelingContext(time.Unix(startUnix+1, 0))
	d, err := db.Open(ctx, filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Close())
	})
	cfg := &config.Config{
		Backend:               "test",
		MaxWorkers:            10,
		MaxDBWorkers:          10,
		StuckJobTimeout:       2 * time.Hour,
		UsingDummyDataBackend: true,
		DockerRegistry:        "ghcr.io/opensafely-core",
	}
	return ctx, d, execfake.New(), cfg
}

func makeJob(action string) *types.Job {
	return &types.Job{
		ID:                  types.NewJobID("req-1", action),
		JobRequestID:        "req-1",
		State:               types.StatePending,
		RepoURL:             "https://github.com/opensafely/some-study",
		Commit:              "abc123",
		Workspace:           "some-workspace",
		Backend:             "test",
		Action:              action,
		RunCommand:          "python:latest python analysis/" + action + ".py",
		OutputSpec:          map[string]map[string]string{"moderately_sensitive": {"data": "output/data.csv"}},
		StatusMessage:       "Created",
		StatusCode:          types.StatusCreated,
		CreatedAt:           startUnix,
		UpdatedAt:           startUnix,
		StatusCodeUpdatedAt: startUnix * int64(time.Second),
	}
}

func insertJob(t *testing.T, ctx *now.TimeTravelCtx, d *db.DB, j *types.Job) {
	require.NoError(t, d.InsertJob(ctx, nil, j))
}

func getJob(t *testing.T, ctx *now.TimeTravelCtx, d *db.DB, id string) *types.Job {
	jobs, err := d.JobsByPartialID(ctx, id)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func tick(t *testing.T, ctx *now.TimeTravelCtx, r *Runner) {
	ctx.AdvanceBy(time.Second)
	require.NoError(t, r.Tick(ctx))
}

func TestRun_HappyPath(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	job := makeJob("run_model")
	insertJob(t, ctx, d, job)

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StatusPreparing, j.StatusCode)
	require.Equal(t, types.StateRunning, j.State)
	require.NotZero(t, j.StartedAt)
	task, err := d.ActiveTaskForJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, types.TaskRunJob, task.Type)

	// Preparation completes; the next pass observes PREPARED and starts
	// the container in the same tick.
	exec.SetJobState(job.ID, types.ExecutorPrepared)
	tick(t, ctx, r)
	j = getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StatusExecuting, j.StatusCode)
	require.Equal(t, "Executing job on the backend", j.StatusMessage)

	exec.SetJobState(job.ID, types.ExecutorExecuted)
	tick(t, ctx, r)
	require.Equal(t, types.StatusFinalizing, getJob(t, ctx, d, job.ID).StatusCode)

	exec.SetJobState(job.ID, types.ExecutorFinalized)
	exec.SetResults(job.ID, &executor.JobResults{
		Outputs:  map[string]string{"output/data.csv": "moderately_sensitive"},
		ExitCode: 0,
		ImageID:  "sha256:deadbeef",
	})
	tick(t, ctx, r)
	j = getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StateSucceeded, j.State)
	require.Equal(t, types.StatusSucceeded, j.StatusCode)
	require.Equal(t, "Completed successfully", j.StatusMessage)
	require.Equal(t, map[string]string{"output/data.csv": "moderately_sensitive"}, j.Outputs)
	require.Equal(t, "sha256:deadbeef", j.ImageID)
	require.NotZero(t, j.CompletedAt)
	require.Contains(t, exec.Calls, "cleanup:"+job.ID)

	task, err = d.ActiveTaskForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestRun_SynchronousExecutor(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	exec.Synchronous = true
	r := New(d, exec, cfg)

	job := makeJob("run_model")
	insertJob(t, ctx, d, job)

	// Prepare is synchronous, so a single tick takes the job all the way
	// to EXECUTING.
	tick(t, ctx, r)
	require.Equal(t, types.StatusExecuting, getJob(t, ctx, d, job.ID).StatusCode)

	// Likewise one tick from EXECUTED to the terminal state.
	exec.SetJobState(job.ID, types.ExecutorExecuted)
	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StateSucceeded, j.State)
	require.Equal(t, types.StatusSucceeded, j.StatusCode)
}

func TestRun_CancellationWhilstExecuting(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	job := makeJob("run_model")
	insertJob(t, ctx, d, job)
	tick(t, ctx, r)
	exec.SetJobState(job.ID, types.ExecutorPrepared)
	tick(t, ctx, r)
	require.Equal(t, types.StatusExecuting, getJob(t, ctx, d, job.ID).StatusCode)

	require.NoError(t, d.SetCancelledFlag(ctx, "req-1", []string{"run_model"}))

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StatusExecuted, j.StatusCode)
	require.Equal(t, "Cancelled whilst executing", j.StatusMessage)
	require.Contains(t, exec.Calls, "terminate:"+job.ID)

	// The terminated job is still finalized so its logs survive.
	tick(t, ctx, r)
	require.Equal(t, types.StatusFinalizing, getJob(t, ctx, d, job.ID).StatusCode)
	exec.SetJobState(job.ID, types.ExecutorFinalized)
	tick(t, ctx, r)
	j = getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StateFailed, j.State)
	require.Equal(t, types.StatusCancelledByUser, j.StatusCode)
	require.Equal(t, "Cancelled by user", j.StatusMessage)
	require.NotZero(t, j.CompletedAt)
	require.Contains(t, exec.Calls, "cleanup:"+job.ID)
}

func TestRun_CancellationBeforeStart(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	job := makeJob("run_model")
	insertJob(t, ctx, d, job)
	require.NoError(t, d.SetCancelledFlag(ctx, "req-1", []string{"run_model"}))

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StateFailed, j.State)
	require.Equal(t, types.StatusCancelledByUser, j.StatusCode)
	// Never started, so nothing was terminated or cleaned up.
	require.NotContains(t, exec.Calls, "terminate:"+job.ID)
	require.Zero(t, j.StartedAt)
}

func TestRun_DBMaintenancePreemptsRunningJob(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	job := makeJob("generate_dataset")
	job.RequiresDB = true
	insertJob(t, ctx, d, job)
	tick(t, ctx, r)
	exec.SetJobState(job.ID, types.ExecutorPrepared)
	tick(t, ctx, r)
	require.Equal(t, types.StatusExecuting, getJob(t, ctx, d, job.ID).StatusCode)

	_, err := d.SetFlag(ctx, "test", "mode", "db-maintenance")
	require.NoError(t, err)

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StatePending, j.State)
	require.Equal(t, types.StatusWaitingDBMaintenance, j.StatusCode)
	require.Equal(t, "Waiting for database to finish maintenance", j.StatusMessage)
	require.Zero(t, j.StartedAt)
	require.Contains(t, exec.Calls, "terminate:"+job.ID)
	require.Contains(t, exec.Calls, "cleanup:"+job.ID)

	// Maintenance over: the job starts again from scratch.
	_, err = d.SetFlag(ctx, "test", "mode", "")
	require.NoError(t, err)
	tick(t, ctx, r)
	require.Equal(t, types.StatusPreparing, getJob(t, ctx, d, job.ID).StatusCode)
}

func TestRun_PausedBackend(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	job := makeJob("run_model")
	insertJob(t, ctx, d, job)
	_, err := d.SetFlag(ctx, "test", "paused", "true")
	require.NoError(t, err)

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StatePending, j.State)
	require.Equal(t, types.StatusWaitingPaused, j.StatusCode)

	_, err = d.SetFlag(ctx, "test", "paused", "false")
	require.NoError(t, err)
	tick(t, ctx, r)
	require.Equal(t, types.StatusPreparing, getJob(t, ctx, d, job.ID).StatusCode)
	require.Contains(t, exec.Calls, "prepare:"+job.ID)
}

func TestRun_ExecutorRetriesAreBounded(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	job := makeJob("run_model")
	insertJob(t, ctx, d, job)
	exec.RetryStatusTimes(job.ID, 4)

	// The first three retries leave the job untouched.
	for i := 0; i < 3; i++ {
		tick(t, ctx, r)
		require.Equal(t, types.StatusCreated, getJob(t, ctx, d, job.ID).StatusCode)
	}

	// The fourth exhausts the budget.
	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StateFailed, j.State)
	require.Equal(t, types.StatusInternalError, j.StatusCode)
}

func TestRun_WaitingOnDependencies(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	dep := makeJob("generate_cohort")
	insertJob(t, ctx, d, dep)
	job := makeJob("run_model")
	job.RequiresOutputsFrom = []string{"generate_cohort"}
	job.WaitForJobIDs = []string{dep.ID}
	insertJob(t, ctx, d, job)
	// Park the dependency so only the dependent moves.
	exec.RetryStatusTimes(dep.ID, 100)

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StatusWaitingOnDependencies, j.StatusCode)
	require.Equal(t, "Waiting on dependencies", j.StatusMessage)
}

func TestRun_DependencyFailed(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	dep := makeJob("generate_cohort")
	dep.State = types.StateFailed
	dep.StatusCode = types.StatusNonzeroExit
	insertJob(t, ctx, d, dep)
	job := makeJob("run_model")
	job.WaitForJobIDs = []string{dep.ID}
	insertJob(t, ctx, d, job)

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StateFailed, j.State)
	require.Equal(t, types.StatusDependencyFailed, j.StatusCode)
	require.Equal(t, "Not starting as dependency failed", j.StatusMessage)
	require.NotZero(t, j.CompletedAt)
}

func TestRun_StuckWaitingOnDependenciesEscalates(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	job := makeJob("run_model")
	// A dependency which does not exist in the database can never succeed.
	job.WaitForJobIDs = []string{"aaaaaaaaaaaaaaaa"}
	insertJob(t, ctx, d, job)

	tick(t, ctx, r)
	require.Equal(t, types.StatusWaitingOnDependencies, getJob(t, ctx, d, job.ID).StatusCode)

	ctx.AdvanceBy(3 * time.Hour)
	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StateFailed, j.State)
	require.Equal(t, types.StatusInternalError, j.StatusCode)
}

func TestRun_WorkerBudget(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	cfg.MaxWorkers = 1
	r := New(d, exec, cfg)

	running := makeJob("generate_cohort")
	running.State = types.StateRunning
	running.StatusCode = types.StatusExecuting
	running.StartedAt = startUnix
	insertJob(t, ctx, d, running)
	exec.SetJobState(running.ID, types.ExecutorExecuting)

	job := makeJob("run_model")
	insertJob(t, ctx, d, job)

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StatePending, j.State)
	require.Equal(t, types.StatusWaitingOnWorkers, j.StatusCode)
	require.Equal(t, "Waiting on available workers", j.StatusMessage)

	// The running job finishing frees the slot.
	exec.SetJobState(running.ID, types.ExecutorFinalized)
	tick(t, ctx, r)
	require.Equal(t, types.StatusPreparing, getJob(t, ctx, d, job.ID).StatusCode)
}

func TestRun_ResourceIntensiveJobMessage(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	cfg.MaxWorkers = 2
	cfg.ResourceWeights = map[string]map[*regexp.Regexp]float64{
		"some-workspace": {regexp.MustCompile(`^(?:heavy.*)$`): 4},
	}
	r := New(d, exec, cfg)

	job := makeJob("heavy_model")
	insertJob(t, ctx, d, job)

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StatusWaitingOnWorkers, j.StatusCode)
	require.Equal(t, "Waiting on available workers for resource intensive job", j.StatusMessage)
}

func TestRun_DBWorkerBudget(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	cfg.MaxDBWorkers = 1
	r := New(d, exec, cfg)

	running := makeJob("generate_cohort")
	running.RequiresDB = true
	running.State = types.StateRunning
	running.StatusCode = types.StatusExecuting
	running.StartedAt = startUnix
	insertJob(t, ctx, d, running)
	exec.SetJobState(running.ID, types.ExecutorExecuting)

	job := makeJob("generate_dataset")
	job.RequiresDB = true
	insertJob(t, ctx, d, job)

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StatusWaitingOnDBWorkers, j.StatusCode)
	require.Equal(t, "Waiting on available database workers", j.StatusMessage)
}

func TestRun_NonzeroExit(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	job := makeJob("run_model")
	insertJob(t, ctx, d, job)
	exec.SetJobState(job.ID, types.ExecutorFinalized)
	exec.SetResults(job.ID, &executor.JobResults{
		ExitCode: 137,
		Message:  "likely means it ran out of memory",
	})

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StateFailed, j.State)
	require.Equal(t, types.StatusNonzeroExit, j.StatusCode)
	require.Equal(t, "Job exited with an error: likely means it ran out of memory", j.StatusMessage)
}

func TestRun_UnmatchedPatterns(t *testing.T) {
	ctx, d, exec, cfg := setup(t)
	r := New(d, exec, cfg)

	job := makeJob("run_model")
	insertJob(t, ctx, d, job)
	exec.SetJobState(job.ID, types.ExecutorFinalized)
	exec.SetResults(job.ID, &executor.JobResults{
		ExitCode:          0,
		UnmatchedPatterns: []string{"output/data.csv", "output/extra.csv"},
		UnmatchedOutputs:  []string{"output/wrong-name.csv"},
	})

	tick(t, ctx, r)
	j := getJob(t, ctx, d, job.ID)
	require.Equal(t, types.StateFailed, j.State)
	require.Equal(t, types.StatusUnmatchedPatterns, j.StatusCode)
	require.Equal(t, "No outputs found matching patterns:\n - output/data.csv\n - output/extra.csv", j.StatusMessage)
	require.Equal(t, []string{"output/wrong-name.csv"}, j.UnmatchedOutputs)
}

func TestSortJobs(t *testing.T) {
	running := makeJob("c_running")
	running.State = types.StateRunning
	dbJob := makeJob("b_database")
	dbJob.RequiresDB = true
	dbJob.CreatedAt = startUnix + 10
	oldJob := makeJob("a_old")
	oldJob.CreatedAt = startUnix - 10
	busy := makeJob("d_busy")
	busy.Workspace = "busy-workspace"
	busy.CreatedAt = startUnix - 100

	jobs := []*types.Job{busy, oldJob, dbJob, running}
	sortJobs(jobs, map[string]int{"busy-workspace": 3})

	// RUNNING first, then the quiet workspace's db job, then its oldest
	// cpu job, with the busy workspace's job last despite its age.
	require.Equal(t, []string{"c_running", "b_database", "a_old", "d_busy"},
		[]string{jobs[0].Action, jobs[1].Action, jobs[2].Action, jobs[3].Action})
}

func TestJobDefinition(t *testing.T) {
	ctx, d, _, cfg := setup(t)
	cfg.UsingDummyDataBackend = false
	cfg.DatabaseURLs = map[string]string{"full": "mssql://db.internal/CoolDB"}
	cfg.StataLicense = "license-content"

	prior := makeJob("generate_cohort")
	prior.State = types.StateSucceeded
	prior.StatusCode = types.StatusSucceeded
	prior.Outputs = map[string]string{"output/input.csv": "highly_sensitive"}
	insertJob(t, ctx, d, prior)

	job := makeJob("run_model")
	job.RunCommand = "stata-mp:latest analysis/model.do"
	job.RequiresDB = true
	job.DatabaseName = "full"
	job.RequiresOutputsFrom = []string{"generate_cohort"}
	insertJob(t, ctx, d, job)

	def, err := Definition(ctx, d, cfg, job)
	require.NoError(t, err)
	require.Equal(t, "ghcr.io/opensafely-core/stata-mp:latest", def.Image)
	require.Equal(t, []string{"analysis/model.do"}, def.Args)
	require.Equal(t, "test", def.Env["OPENSAFELY_BACKEND"])
	require.Equal(t, "license-content", def.Env["STATA_LICENSE"])
	require.Equal(t, "mssql://db.internal/CoolDB", def.Env["DATABASE_URL"])
	require.True(t, def.AllowDatabaseAccess)
	require.Equal(t, []string{"output/input.csv"}, def.Inputs)
	require.Equal(t, map[string]string{"output/data.csv": "moderately_sensitive"}, def.OutputSpec)
	require.Equal(t, executor.Study{GitRepoURL: job.RepoURL, Commit: job.Commit}, def.Study)
}

func TestJobDefinition_ReusableActionAndDummyBackend(t *testing.T) {
	ctx, d, _, cfg := setup(t)

	job := makeJob("run_model")
	job.RequiresDB = true
	job.DatabaseName = "full"
	job.ActionRepoURL = "https://github.com/opensafely-actions/matching"
	job.ActionCommit = "def456"
	insertJob(t, ctx, d, job)

	def, err := Definition(ctx, d, cfg, job)
	require.NoError(t, err)
	// Reusable actions run the action repo's code.
	require.Equal(t, executor.Study{GitRepoURL: job.ActionRepoURL, Commit: "def456"}, def.Study)
	// Dummy-data backends never get database credentials.
	require.False(t, def.AllowDatabaseAccess)
	require.NotContains(t, def.Env, "DATABASE_URL")
}
