package expand

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.opensafely.org/jobrunner/go/config"
	"go.opensafely.org/jobrunner/go/db"
	"go.opensafely.org/jobrunner/go/git/gitfake"
	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/types"
)

const (
	startUnix = 1700000000
	repoURL   = "https://github.com/opensafely/some-study"
	commit    = "abc123"
)

const projectYAML = `
version: 3
expectations:
  population_size: 1000
actions:
  generate_cohort:
    run: cohortextractor:latest generate_cohort
    outputs:
      highly_sensitive:
        cohort: output/input.csv
  run_model:
    run: python:latest python analysis/model.py
    needs: [generate_cohort]
    outputs:
      moderately_sensitive:
        model: output/model.csv
`

func setup(t *testing.T) (*now.TimeTravelCtx, *db.DB, *gitfake.Client, *Expander) {
	ctx := now.TimeTravelingContext(time.Unix(startUnix, 0))
	d, err := db.Open(ctx, filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, d.Close())
	})
	g := &gitfake.Client{}
	g.AddFile(repoURL, commit, "project.yaml", []byte(projectYAML))
	cfg := &config.Config{
		Backend:               "test",
		UsingDummyDataBackend: true,
		ActionsGithubOrg:      "opensafely-actions",
		AllowedImages: map[string]bool{
			"cohortextractor": true,
			"python":          true,
			"stata-mp":        true,
		},
	}
	return ctx, d, g, New(d, g, cfg)
}

func makeRequest(id string, actions ...string) *types.JobRequest {
	return &types.JobRequest{
		ID:               id,
		RepoURL:          repoURL,
		Commit:           commit,
		Branch:           "main",
		RequestedActions: actions,
		Workspace:        "some-workspace",
		DatabaseName:     "dummy",
		Backend:          "test",
		CodelistsOK:      true,
	}
}

// priorJob builds a job from an earlier request against the same workspace.
func priorJob(action string, state types.State) *types.Job {
	code := types.StatusSucceeded
	switch state {
	case types.StateFailed:
		code = types.StatusNonzeroExit
	case types.StateRunning:
		code = types.StatusExecuting
	case types.StatePending:
		code = types.StatusCreated
	}
	return &types.Job{
		ID:                  types.NewJobID("req-0", action),
		JobRequestID:        "req-0",
		State:               state,
		StatusCode:          code,
		StatusMessage:       "some message",
		RepoURL:             repoURL,
		Commit:              commit,
		Workspace:           "some-workspace",
		Backend:             "test",
		Action:              action,
		CreatedAt:           startUnix - 100,
		UpdatedAt:           startUnix - 100,
		StatusCodeUpdatedAt: (startUnix - 100) * int64(time.Second),
	}
}

func jobsByAction(t *testing.T, ctx *now.TimeTravelCtx, d *db.DB, jrID string) map[string]*types.Job {
	jobs, err := d.JobsForRequest(ctx, jrID)
	require.NoError(t, err)
	rv := map[string]*types.Job{}
	for _, job := range jobs {
		rv[job.Action] = job
	}
	return rv
}

func TestCreateOrUpdateJobs_CreatesDependencyChain(t *testing.T) {
	ctx, d, _, e := setup(t)
	jr := makeRequest("req-1", "run_model")
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 2)

	cohort := jobs["generate_cohort"]
	require.Equal(t, types.NewJobID("req-1", "generate_cohort"), cohort.ID)
	require.Equal(t, types.StatePending, cohort.State)
	require.Equal(t, types.StatusCreated, cohort.StatusCode)
	require.Equal(t, "Created", cohort.StatusMessage)
	require.True(t, cohort.RequiresDB)
	require.Empty(t, cohort.WaitForJobIDs)
	// Dummy-data flags are baked into the stored run command.
	require.Equal(t, "cohortextractor:latest generate_cohort --expectations-population=1000 --output-dir=output", cohort.RunCommand)
	require.Equal(t, int64(startUnix), cohort.CreatedAt)

	model := jobs["run_model"]
	require.Equal(t, types.NewJobID("req-1", "run_model"), model.ID)
	require.False(t, model.RequiresDB)
	require.Equal(t, []string{cohort.ID}, model.WaitForJobIDs)
	require.Equal(t, []string{"generate_cohort"}, model.RequiresOutputsFrom)
	require.Equal(t, map[string]map[string]string{"moderately_sensitive": {"model": "output/model.csv"}}, model.OutputSpec)
}

func TestCreateOrUpdateJobs_Idempotent(t *testing.T) {
	ctx, d, _, e := setup(t)
	jr := makeRequest("req-1", "run_model")
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))
	require.Len(t, jobsByAction(t, ctx, d, jr.ID), 2)

	// Re-delivery of the same request creates nothing.
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))
	require.Len(t, jobsByAction(t, ctx, d, jr.ID), 2)

	// Apart from applying cancellations.
	jr.CancelledActions = []string{"run_model"}
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))
	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 2)
	require.True(t, jobs["run_model"].Cancelled)
	require.False(t, jobs["generate_cohort"].Cancelled)
}

func TestCreateOrUpdateJobs_RunAll(t *testing.T) {
	ctx, d, _, e := setup(t)
	jr := makeRequest("req-1", types.RunAllCommand)
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 2)
	require.Contains(t, jobs, "generate_cohort")
	require.Contains(t, jobs, "run_model")
}

func TestCreateOrUpdateJobs_DependencySucceededIsReused(t *testing.T) {
	ctx, d, _, e := setup(t)
	require.NoError(t, d.InsertJob(ctx, nil, priorJob("generate_cohort", types.StateSucceeded)))

	jr := makeRequest("req-1", "run_model")
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 1)
	// The cohort already exists on disk, so there is nothing to wait for.
	require.Empty(t, jobs["run_model"].WaitForJobIDs)
	require.Equal(t, []string{"generate_cohort"}, jobs["run_model"].RequiresOutputsFrom)
}

func TestCreateOrUpdateJobs_DependencyStillRunningIsWaitedOn(t *testing.T) {
	ctx, d, _, e := setup(t)
	running := priorJob("generate_cohort", types.StateRunning)
	require.NoError(t, d.InsertJob(ctx, nil, running))

	jr := makeRequest("req-1", "run_model")
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 1)
	require.Equal(t, []string{running.ID}, jobs["run_model"].WaitForJobIDs)
}

func TestCreateOrUpdateJobs_RequestedActionAlwaysReruns(t *testing.T) {
	ctx, d, _, e := setup(t)
	require.NoError(t, d.InsertJob(ctx, nil, priorJob("generate_cohort", types.StateSucceeded)))
	require.NoError(t, d.InsertJob(ctx, nil, priorJob("run_model", types.StateSucceeded)))

	jr := makeRequest("req-1", "run_model")
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 1)
	require.Equal(t, types.StatePending, jobs["run_model"].State)
}

func TestCreateOrUpdateJobs_ForceRunDependencies(t *testing.T) {
	ctx, d, _, e := setup(t)
	require.NoError(t, d.InsertJob(ctx, nil, priorJob("generate_cohort", types.StateSucceeded)))

	jr := makeRequest("req-1", "run_model")
	jr.ForceRunDependencies = true
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 2)
	require.Equal(t, []string{jobs["generate_cohort"].ID}, jobs["run_model"].WaitForJobIDs)
}

func TestCreateOrUpdateJobs_FailedDependency(t *testing.T) {
	ctx, d, _, e := setup(t)
	require.NoError(t, d.InsertJob(ctx, nil, priorJob("generate_cohort", types.StateFailed)))

	jr := makeRequest("req-1", "run_model")
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 1)
	outcome := jobs[types.ErrorAction]
	require.NotNil(t, outcome)
	require.Equal(t, types.StateFailed, outcome.State)
	require.Equal(t, types.StatusInternalError, outcome.StatusCode)
	require.Equal(t, "JobRequestError: generate_cohort failed on a previous run and must be re-run", outcome.StatusMessage)
	require.NotZero(t, outcome.CompletedAt)
}

func TestCreateOrUpdateJobs_ForceRunFailedDependency(t *testing.T) {
	ctx, d, _, e := setup(t)
	require.NoError(t, d.InsertJob(ctx, nil, priorJob("generate_cohort", types.StateFailed)))

	jr := makeRequest("req-1", "run_model")
	jr.ForceRunFailed = true
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 2)
	require.Equal(t, types.StatePending, jobs["generate_cohort"].State)
}

func TestCreateOrUpdateJobs_NothingToDo_RunAll(t *testing.T) {
	ctx, d, _, e := setup(t)
	require.NoError(t, d.InsertJob(ctx, nil, priorJob("generate_cohort", types.StateSucceeded)))
	require.NoError(t, d.InsertJob(ctx, nil, priorJob("run_model", types.StateSucceeded)))

	jr := makeRequest("req-1", types.RunAllCommand)
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 1)
	outcome := jobs[types.RunAllCommand]
	require.NotNil(t, outcome)
	require.Equal(t, types.StateSucceeded, outcome.State)
	require.Equal(t, types.StatusSucceeded, outcome.StatusCode)
	require.Equal(t, "All actions have already run", outcome.StatusMessage)
	require.NotZero(t, outcome.CompletedAt)
}

func TestCreateOrUpdateJobs_NothingToDo_AlreadyScheduled(t *testing.T) {
	ctx, d, _, e := setup(t)
	require.NoError(t, d.InsertJob(ctx, nil, priorJob("run_model", types.StatePending)))

	jr := makeRequest("req-1", "run_model")
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 1)
	outcome := jobs["run_model"]
	require.Equal(t, types.StateSucceeded, outcome.State)
	require.Equal(t, "All requested actions were already scheduled to run", outcome.StatusMessage)
}

func TestCreateOrUpdateJobs_ValidationFailures(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(jr *types.JobRequest)
		expectedMsg string
	}{
		{
			name:        "no actions",
			mutate:      func(jr *types.JobRequest) { jr.RequestedActions = nil },
			expectedMsg: "JobRequestError: At least one action must be supplied",
		},
		{
			name:        "blank workspace",
			mutate:      func(jr *types.JobRequest) { jr.Workspace = "" },
			expectedMsg: "JobRequestError: Workspace name cannot be blank",
		},
		{
			name:        "invalid workspace name",
			mutate:      func(jr *types.JobRequest) { jr.Workspace = "some workspace!" },
			expectedMsg: "JobRequestError: Invalid workspace name (allowed are alphanumeric, dash and underscore)",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, d, _, e := setup(t)
			jr := makeRequest("req-1", "run_model")
			tc.mutate(jr)
			require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

			jobs := jobsByAction(t, ctx, d, jr.ID)
			require.Len(t, jobs, 1)
			outcome := jobs[types.ErrorAction]
			require.NotNil(t, outcome)
			require.Equal(t, types.StateFailed, outcome.State)
			require.Equal(t, types.StatusInternalError, outcome.StatusCode)
			require.Equal(t, tc.expectedMsg, outcome.StatusMessage)
		})
	}
}

func TestCreateOrUpdateJobs_DatabaseNameChecks(t *testing.T) {
	ctx, d, _, e := setup(t)
	e.Cfg.UsingDummyDataBackend = false
	e.Cfg.DatabaseURLs = map[string]string{
		"full":  "mssql://db.internal/CoolDB",
		"slice": "",
	}

	jr := makeRequest("req-1", "run_model")
	jr.DatabaseName = "nope"
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))
	outcome := jobsByAction(t, ctx, d, jr.ID)[types.ErrorAction]
	require.NotNil(t, outcome)
	require.Equal(t, "JobRequestError: Invalid database name 'nope', allowed are: full, slice", outcome.StatusMessage)

	jr = makeRequest("req-2", "run_model")
	jr.DatabaseName = "slice"
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))
	outcome = jobsByAction(t, ctx, d, jr.ID)[types.ErrorAction]
	require.NotNil(t, outcome)
	require.Equal(t, "JobRequestError: Database name 'slice' is not currently defined for backend 'test'", outcome.StatusMessage)
}

func TestCreateOrUpdateJobs_RepoChecks(t *testing.T) {
	ctx, d, g, e := setup(t)
	e.Cfg.AllowedGithubOrgs = []string{"opensafely"}

	// The commit must be reachable from the named branch.
	g.SetRef(repoURL, "main", "headcommit")
	jr := makeRequest("req-1", "run_model")
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))
	outcome := jobsByAction(t, ctx, d, jr.ID)[types.ErrorAction]
	require.NotNil(t, outcome)
	require.Equal(t, "GithubValidationError: Could not find commit on branch 'main': "+commit, outcome.StatusMessage)

	g.MarkReachable(repoURL, "main", commit)
	jr = makeRequest("req-2", "run_model")
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))
	require.Len(t, jobsByAction(t, ctx, d, jr.ID), 2)

	// Repos outside the allowed orgs are rejected outright.
	jr = makeRequest("req-3", "run_model")
	jr.RepoURL = "https://github.com/evilcorp/some-study"
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))
	outcome = jobsByAction(t, ctx, d, jr.ID)[types.ErrorAction]
	require.NotNil(t, outcome)
	require.Equal(t, "GithubValidationError: Repositories must belong to one of the following Github organisations: opensafely", outcome.StatusMessage)
}

func TestCreateOrUpdateJobs_MissingProjectFile(t *testing.T) {
	ctx, d, g, e := setup(t)
	g.AddFile(repoURL, "nofile", "README.md", []byte("hello"))

	jr := makeRequest("req-1", "run_model")
	jr.Commit = "nofile"
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	outcome := jobsByAction(t, ctx, d, jr.ID)[types.ErrorAction]
	require.NotNil(t, outcome)
	require.Equal(t, "JobRequestError: No project.yaml file found in "+repoURL, outcome.StatusMessage)
}

func TestCreateOrUpdateJobs_InvalidProjectFile(t *testing.T) {
	ctx, d, g, e := setup(t)
	g.AddFile(repoURL, "badproj", "project.yaml", []byte("version: 1\nactions: {}\n"))

	jr := makeRequest("req-1", "run_model")
	jr.Commit = "badproj"
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	outcome := jobsByAction(t, ctx, d, jr.ID)[types.ErrorAction]
	require.NotNil(t, outcome)
	require.Equal(t, "ProjectValidationError: Project must contain at least one action", outcome.StatusMessage)
}

func TestCreateOrUpdateJobs_UnknownAction(t *testing.T) {
	ctx, d, _, e := setup(t)

	jr := makeRequest("req-1", "no_such_action")
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	outcome := jobsByAction(t, ctx, d, jr.ID)[types.ErrorAction]
	require.NotNil(t, outcome)
	require.Equal(t, "ProjectValidationError: Action 'no_such_action' not found in project.yaml", outcome.StatusMessage)
}

func TestCreateOrUpdateJobs_StaleCodelists(t *testing.T) {
	ctx, d, _, e := setup(t)

	// A database action with out-of-date codelists fails the whole request.
	jr := makeRequest("req-1", "run_model")
	jr.CodelistsOK = false
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))
	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 1)
	outcome := jobs[types.ErrorAction]
	require.NotNil(t, outcome)
	require.Equal(t, types.StateFailed, outcome.State)
	require.Equal(t, types.StatusStaleCodelists, outcome.StatusCode)
	require.Equal(t, "Codelists are out of date (required by action generate_cohort)", outcome.StatusMessage)

	// With the cohort already extracted no new job touches the database, so
	// stale codelists don't matter.
	require.NoError(t, d.InsertJob(ctx, nil, priorJob("generate_cohort", types.StateSucceeded)))
	jr = makeRequest("req-2", "run_model")
	jr.CodelistsOK = false
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))
	jobs = jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 1)
	require.Equal(t, types.StatePending, jobs["run_model"].State)
}

func TestCreateOrUpdateJobs_ReusableAction(t *testing.T) {
	ctx, d, g, e := setup(t)
	g.AddFile(repoURL, "reuse", "project.yaml", []byte(`
version: 3
expectations:
  population_size: 1000
actions:
  matched:
    run: matching:v1 --input output/input.csv
    outputs:
      moderately_sensitive:
        matched: output/matched.csv
`))
	actionRepo := "https://github.com/opensafely-actions/matching"
	g.SetRef(actionRepo, "v1", "actioncommit")
	g.SetRef(actionRepo, "main", "headcommit")
	g.MarkReachable(actionRepo, "main", "actioncommit")
	g.AddFile(actionRepo, "actioncommit", "action.yaml", []byte("run: python:latest python -m matching\n"))

	jr := makeRequest("req-1", "matched")
	jr.Commit = "reuse"
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	jobs := jobsByAction(t, ctx, d, jr.ID)
	require.Len(t, jobs, 1)
	job := jobs["matched"]
	require.Equal(t, "python:latest python -m matching --input output/input.csv", job.RunCommand)
	require.Equal(t, actionRepo, job.ActionRepoURL)
	require.Equal(t, "actioncommit", job.ActionCommit)
}

func TestCreateOrUpdateJobs_ReusableActionErrors(t *testing.T) {
	ctx, d, g, e := setup(t)
	g.AddFile(repoURL, "reuse", "project.yaml", []byte(`
version: 3
expectations:
  population_size: 1000
actions:
  matched:
    run: matching:v2 --input output/input.csv
    outputs:
      moderately_sensitive:
        matched: output/matched.csv
`))
	actionRepo := "https://github.com/opensafely-actions/matching"
	g.SetRef(actionRepo, "v1", "actioncommit")

	jr := makeRequest("req-1", "matched")
	jr.Commit = "reuse"
	require.NoError(t, e.CreateOrUpdateJobs(ctx, jr))

	outcome := jobsByAction(t, ctx, d, jr.ID)[types.ErrorAction]
	require.NotNil(t, outcome)
	require.Equal(t, types.StatusInternalError, outcome.StatusCode)
	require.Equal(t, "ReusableActionError: in 'matched: matching:v2' 'v2' is not a tag listed in "+actionRepo+"/tags", outcome.StatusMessage)
}
