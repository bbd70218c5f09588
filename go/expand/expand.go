// Package expand provides the single entry point CreateOrUpdateJobs, which
// turns a JobRequest into concrete Job rows: it fetches and validates the
// project file, walks the action DAG to decide what needs running, resolves
// reusable-action references and inserts everything in one transaction.
//
// Where the JobRequest itself is broken, no error is raised: a single failed
// job carrying the error details is created instead, because the only channel
// back to the coordination server (and the user) is the job table.
package expand

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"go.opensafely.org/jobrunner/go/config"
	"go.opensafely.org/jobrunner/go/db"
	"go.opensafely.org/jobrunner/go/git"
	"go.opensafely.org/jobrunner/go/joberrors"
	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/pipeline"
	"go.opensafely.org/jobrunner/go/project"
	"go.opensafely.org/jobrunner/go/reusable"
	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
	"go.opensafely.org/jobrunner/go/tracing"
	"go.opensafely.org/jobrunner/go/types"
	"go.opensafely.org/jobrunner/go/util"
)

// JobRequestError indicates a malformed or unrunnable JobRequest: empty
// actions, bad workspace name, unknown database, missing project file.
type JobRequestError struct {
	Msg string
}

func (e *JobRequestError) Error() string      { return e.Msg }
func (e *JobRequestError) Kind() string       { return "JobRequestError" }
func (e *JobRequestError) SafeToReport() bool { return true }

// StaleCodelistError fails a JobRequest whose codelists are out of date and
// which includes a database action.
type StaleCodelistError struct {
	Action string
}

func (e *StaleCodelistError) Error() string {
	return fmt.Sprintf("Codelists are out of date (required by action %s)", e.Action)
}
func (e *StaleCodelistError) Kind() string       { return "StaleCodelistError" }
func (e *StaleCodelistError) SafeToReport() bool { return true }

// nothingToDoError is raised when expansion produces no new jobs for a
// legitimate reason; it is reported as a success.
type nothingToDoError struct {
	msg string
}

func (e *nothingToDoError) Error() string { return e.msg }

var workspaceNameRe = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

// Expander creates jobs from JobRequests.
type Expander struct {
	DB       *db.DB
	Git      git.Client
	Resolver *reusable.Resolver
	Cfg      *config.Config
}

// New wires up an Expander from its dependencies.
func New(d *db.DB, gitClient git.Client, cfg *config.Config) *Expander {
	return &Expander{
		DB:  d,
		Git: gitClient,
		Resolver: &reusable.Resolver{
			Git:           gitClient,
			AllowedImages: cfg.AllowedImages,
			GithubOrg:     cfg.ActionsGithubOrg,
		},
		Cfg: cfg,
	}
}

// CreateOrUpdateJobs creates or updates jobs in response to a JobRequest. It
// is idempotent: re-delivery of an already-processed request is a no-op apart
// from applying cancelled_actions.
func (e *Expander) CreateOrUpdateJobs(ctx context.Context, jr *types.JobRequest) error {
	exists, err := e.DB.JobsExistForRequest(ctx, jr.ID)
	if err != nil {
		return err
	}
	if exists {
		if len(jr.CancelledActions) > 0 {
			sklog.Debugf("Cancelling actions for %s: %v", jr.ID, jr.CancelledActions)
			return e.DB.SetCancelledFlag(ctx, jr.ID, jr.CancelledActions)
		}
		sklog.Debugf("Ignoring already processed JobRequest %s", jr.ID)
		return nil
	}

	sklog.Infof("Handling new JobRequest %s (workspace %s, actions %v)", jr.ID, jr.Workspace, jr.RequestedActions)
	n, err := e.createJobs(ctx, jr)
	if err == nil {
		sklog.Infof("Created %d new jobs for %s", n, jr.ID)
		return nil
	}
	var nothing *nothingToDoError
	if errors.As(err, &nothing) {
		return e.createOutcomeJob(ctx, jr, nothing)
	}
	if _, ok := joberrors.AsReportable(err); ok {
		sklog.Infof("JobRequest %s failed: %s", jr.ID, err)
		return e.createOutcomeJob(ctx, jr, err)
	}
	sklog.Errorf("Uncaught error while creating jobs for %s: %s", jr.ID, err)
	return e.createOutcomeJob(ctx, jr, &JobRequestError{Msg: "Internal error"})
}

func (e *Expander) createJobs(ctx context.Context, jr *types.JobRequest) (int, error) {
	if err := e.validate(ctx, jr); err != nil {
		return 0, err
	}
	projectFile, err := e.Git.ReadFile(ctx, jr.RepoURL, jr.Commit, "project.yaml")
	if err != nil {
		var notFound *git.FileNotFoundError
		if errors.As(err, &notFound) {
			return 0, &JobRequestError{Msg: "No project.yaml file found in " + jr.RepoURL}
		}
		return 0, err
	}
	p, err := pipeline.Parse(projectFile)
	if err != nil {
		return 0, err
	}
	latestJobs, err := e.latestJobsForPipeline(ctx, jr, p)
	if err != nil {
		return 0, err
	}
	newJobs, err := e.newJobsToRun(ctx, jr, p, latestJobs)
	if err != nil {
		return 0, err
	}
	if err := assertNewJobsCreated(jr, newJobs, latestJobs); err != nil {
		return 0, err
	}
	if err := e.Resolver.ResolveReferences(ctx, newJobs); err != nil {
		return 0, err
	}
	if err := assertCodelistsOK(jr, newJobs); err != nil {
		return 0, err
	}
	// There is a window between reading the current jobs above and the
	// insert below. Because this function is the only creator of jobs and
	// both loops are single-threaded, the only possible interleaving is
	// that some active jobs completed; new jobs waiting on them will simply
	// observe completion on their first tick.
	if err := e.insert(ctx, jr, newJobs); err != nil {
		return 0, err
	}
	return len(newJobs), nil
}

func (e *Expander) validate(ctx context.Context, jr *types.JobRequest) error {
	if strings.HasPrefix(jr.RepoURL, "http") && len(e.Cfg.AllowedGithubOrgs) > 0 {
		if err := git.ValidateRepoURL(jr.RepoURL, e.Cfg.AllowedGithubOrgs); err != nil {
			return err
		}
	}
	if len(jr.RequestedActions) == 0 {
		return &JobRequestError{Msg: "At least one action must be supplied"}
	}
	if jr.Workspace == "" {
		return &JobRequestError{Msg: "Workspace name cannot be blank"}
	}
	if !e.Cfg.LocalRunMode && workspaceNameRe.MatchString(jr.Workspace) {
		return &JobRequestError{Msg: "Invalid workspace name (allowed are alphanumeric, dash and underscore)"}
	}
	if !e.Cfg.UsingDummyDataBackend {
		url, ok := e.Cfg.DatabaseURLs[jr.DatabaseName]
		if !ok {
			names := make([]string, 0, len(e.Cfg.DatabaseURLs))
			for name := range e.Cfg.DatabaseURLs {
				names = append(names, name)
			}
			sort.Strings(names)
			return &JobRequestError{Msg: fmt.Sprintf("Invalid database name '%s', allowed are: %s", jr.DatabaseName, strings.Join(names, ", "))}
		}
		if url == "" {
			return &JobRequestError{Msg: fmt.Sprintf("Database name '%s' is not currently defined for backend '%s'", jr.DatabaseName, e.Cfg.Backend)}
		}
	}
	// This talks to the remote git server, so it runs only once everything
	// cheap has passed.
	if len(e.Cfg.AllowedGithubOrgs) > 0 {
		return git.ValidateBranchAndCommit(ctx, e.Git, jr.RepoURL, jr.Commit, jr.Branch)
	}
	return nil
}

// latestJobsForPipeline returns the current workspace state restricted to
// actions the pipeline still defines.
func (e *Expander) latestJobsForPipeline(ctx context.Context, jr *types.JobRequest, p *pipeline.Pipeline) ([]*types.Job, error) {
	state, err := e.DB.CalculateWorkspaceState(ctx, jr.Backend, jr.Workspace)
	if err != nil {
		return nil, err
	}
	rv := make([]*types.Job, 0, len(state))
	for _, job := range state {
		if _, ok := p.Actions[job.Action]; ok {
			rv = append(rv, job)
		}
	}
	return rv, nil
}

// newJobsToRun walks the requested actions recursively and returns the new
// jobs in creation order.
func (e *Expander) newJobsToRun(ctx context.Context, jr *types.JobRequest, p *pipeline.Pipeline, currentJobs []*types.Job) ([]*types.Job, error) {
	jobsByAction := map[string]*types.Job{}
	for _, job := range currentJobs {
		jobsByAction[job.Action] = job
	}
	var newJobs []*types.Job
	for _, action := range actionsToRun(jr, p) {
		if err := e.buildRecursively(ctx, &newJobs, jobsByAction, jr, p, action); err != nil {
			return nil, err
		}
	}
	return newJobs, nil
}

func actionsToRun(jr *types.JobRequest, p *pipeline.Pipeline) []string {
	if util.In(types.RunAllCommand, jr.RequestedActions) {
		return p.ActionOrder
	}
	return jr.RequestedActions
}

// buildRecursively adds a job for the action (and, transitively, anything it
// needs) to jobsByAction, reusing live jobs and completed outputs where
// possible.
func (e *Expander) buildRecursively(ctx context.Context, newJobs *[]*types.Job, jobsByAction map[string]*types.Job, jr *types.JobRequest, p *pipeline.Pipeline, action string) error {
	if existing, ok := jobsByAction[action]; ok {
		rerun, err := e.jobShouldBeRerun(jr, existing)
		if err != nil {
			return err
		}
		if !rerun {
			return nil
		}
	}
	spec, err := project.GetActionSpecification(p, action, e.Cfg.UsingDummyDataBackend)
	if err != nil {
		return err
	}

	// Create any needed dependency jobs first, and wait for the ones which
	// have not already finished.
	var waitForJobIDs []string
	for _, required := range spec.Needs {
		if err := e.buildRecursively(ctx, newJobs, jobsByAction, jr, p, required); err != nil {
			return err
		}
		if requiredJob := jobsByAction[required]; requiredJob.Active() {
			waitForJobIDs = append(waitForJobIDs, requiredJob.ID)
		}
	}

	ts := now.Now(ctx)
	job := &types.Job{
		ID:                  types.NewJobID(jr.ID, action),
		JobRequestID:        jr.ID,
		State:               types.StatePending,
		StatusCode:          types.StatusCreated,
		StatusCodeUpdatedAt: ts.UnixNano(),
		StatusMessage:       "Created",
		RepoURL:             jr.RepoURL,
		Commit:              jr.Commit,
		Workspace:           jr.Workspace,
		DatabaseName:        jr.DatabaseName,
		Backend:             jr.Backend,
		RequiresDB:          spec.RequiresDB,
		Action:              action,
		WaitForJobIDs:       waitForJobIDs,
		RequiresOutputsFrom: spec.Needs,
		RunCommand:          spec.Run,
		OutputSpec:          spec.Outputs,
		CreatedAt:           ts.Unix(),
		UpdatedAt:           ts.Unix(),
	}
	tracing.InitialiseTrace(job)
	jobsByAction[action] = job
	*newJobs = append(*newJobs, job)
	return nil
}

// jobShouldBeRerun decides whether the action already covered by job needs to
// run again for this request.
func (e *Expander) jobShouldBeRerun(jr *types.JobRequest, job *types.Job) (bool, error) {
	// Already running or about to, so don't start another.
	if job.Active() {
		return false, nil
	}
	// Explicitly requested actions always get re-run.
	if util.In(job.Action, jr.RequestedActions) {
		return true, nil
	}
	// It's a dependency.
	if jr.ForceRunDependencies {
		return true, nil
	}
	switch job.State {
	case types.StateSucceeded:
		return false, nil
	case types.StateFailed:
		if jr.ForceRunFailed {
			return true, nil
		}
		return false, &JobRequestError{Msg: job.Action + " failed on a previous run and must be re-run"}
	default:
		return false, skerr.Fmt("invalid state %q for job %s", job.State, job.ID)
	}
}

func assertNewJobsCreated(jr *types.JobRequest, newJobs, currentJobs []*types.Job) error {
	if len(newJobs) > 0 {
		return nil
	}
	// run_all with everything already done (or running) means the request
	// is trivially satisfied.
	if util.In(types.RunAllCommand, jr.RequestedActions) {
		return &nothingToDoError{msg: "All actions have already run"}
	}
	// Every requested action already scheduled is a user error, but a
	// benign one.
	states := map[string]types.State{}
	for _, job := range currentJobs {
		states[job.Action] = job.State
	}
	allScheduled := true
	for _, action := range jr.RequestedActions {
		if s, ok := states[action]; !ok || !s.Active() {
			allScheduled = false
		}
	}
	if allScheduled {
		return &nothingToDoError{msg: "All requested actions were already scheduled to run"}
	}
	return skerr.Fmt("unexpected job states after scheduling: %v", states)
}

func assertCodelistsOK(jr *types.JobRequest, newJobs []*types.Job) error {
	if jr.CodelistsOK {
		return nil
	}
	for _, job := range newJobs {
		// Out-of-date codelists fail the whole request if any job hits
		// the database.
		if job.RequiresDB {
			return &StaleCodelistError{Action: job.Action}
		}
	}
	return nil
}

func (e *Expander) insert(ctx context.Context, jr *types.JobRequest, jobs []*types.Job) error {
	return e.DB.Transaction(ctx, func(tx *sqlx.Tx) error {
		if err := e.DB.InsertJobRequest(ctx, tx, jr.ID, jr.Original); err != nil {
			return err
		}
		for _, job := range jobs {
			if err := e.DB.InsertJob(ctx, tx, job); err != nil {
				return err
			}
		}
		return nil
	})
}

// createOutcomeJob records the outcome of an unrunnable JobRequest as a
// single synthetic job, since the job table is the only channel back to the
// coordination server.
func (e *Expander) createOutcomeJob(ctx context.Context, jr *types.JobRequest, cause error) error {
	ts := now.Now(ctx)
	job := &types.Job{
		JobRequestID:        jr.ID,
		RepoURL:             jr.RepoURL,
		Commit:              jr.Commit,
		Workspace:           jr.Workspace,
		Backend:             jr.Backend,
		CreatedAt:           ts.Unix(),
		StartedAt:           ts.Unix(),
		UpdatedAt:           ts.Unix(),
		CompletedAt:         ts.Unix(),
		StatusCodeUpdatedAt: ts.UnixNano(),
	}
	var nothing *nothingToDoError
	var stale *StaleCodelistError
	switch {
	case errors.As(cause, &nothing):
		// Everything requested has already happened: report success
		// against the first requested action.
		job.State = types.StateSucceeded
		job.StatusCode = types.StatusSucceeded
		job.StatusMessage = nothing.msg
		job.Action = jr.RequestedActions[0]
		cause = nil
	case errors.As(cause, &stale):
		job.State = types.StateFailed
		job.StatusCode = types.StatusStaleCodelists
		job.StatusMessage = stale.Error()
		job.Action = types.ErrorAction
	default:
		job.State = types.StateFailed
		job.StatusCode = types.StatusInternalError
		job.StatusMessage = joberrors.Message(cause)
		job.Action = types.ErrorAction
	}
	job.ID = types.NewJobID(jr.ID, job.Action)
	tracing.InitialiseTrace(job)
	if err := e.insert(ctx, jr, []*types.Job{job}); err != nil {
		return err
	}
	tracing.RecordFinalState(job, job.StatusCodeUpdatedAt, cause)
	return nil
}
