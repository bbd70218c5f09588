package run

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"go.opensafely.org/jobrunner/go/config"
	"go.opensafely.org/jobrunner/go/db"
	"go.opensafely.org/jobrunner/go/executor"
	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
	"go.opensafely.org/jobrunner/go/tracing"
	"go.opensafely.org/jobrunner/go/types"
	"go.opensafely.org/jobrunner/go/util"
)

// stateMap gives the status code and user-facing message for each executor
// state on the happy path.
var stateMap = map[types.ExecutorState]struct {
	Code    types.StatusCode
	Message string
}{
	types.ExecutorPreparing:  {types.StatusPreparing, "Preparing your code and workspace files"},
	types.ExecutorPrepared:   {types.StatusPrepared, "Prepared and ready to run"},
	types.ExecutorExecuting:  {types.StatusExecuting, "Executing job on the backend"},
	types.ExecutorExecuted:   {types.StatusExecuted, "Job has finished executing and is waiting to be finalized"},
	types.ExecutorFinalizing: {types.StatusFinalizing, "Recording job results"},
	types.ExecutorFinalized:  {types.StatusFinalized, "Finished recording results"},
}

// stableStates are in-flight states where there is nothing for the controller
// to do but wait.
var stableStates = map[types.ExecutorState]bool{
	types.ExecutorPreparing:  true,
	types.ExecutorExecuting:  true,
	types.ExecutorFinalizing: true,
}

// handleJob advances the job one step through the state machine. The returned
// bool is true when the transition completed synchronously and the job can
// usefully be advanced again within the same tick.
func (r *Runner) handleJob(ctx context.Context, job *types.Job, dbMaintenance, paused bool) (bool, error) {
	definition, err := Definition(ctx, r.DB, r.Cfg, job)
	if err != nil {
		return false, err
	}

	if !job.Cancelled {
		if paused && job.State == types.StatePending {
			return false, r.setCode(ctx, job, types.StatusWaitingPaused,
				"Backend is currently paused for maintenance, job will start once this is completed", 0, nil)
		}
		if dbMaintenance && job.RequiresDB {
			if job.State == types.StateRunning {
				sklog.Infof("Terminating database job %s for db maintenance", job.ID)
				r.Executor.Terminate(ctx, definition)
				r.Executor.Cleanup(ctx, definition)
			}
			return false, r.setCode(ctx, job, types.StatusWaitingDBMaintenance,
				"Waiting for database to finish maintenance", 0, nil)
		}
	}

	status, err := r.Executor.GetStatus(ctx, definition)
	if err != nil {
		var retry *executor.RetryError
		if errors.As(err, &retry) {
			r.retries[job.ID]++
			if r.retries[job.ID] > maxExecutorRetries {
				return false, skerr.Wrapf(err, "executor still not ready after %d retries for job %s", maxExecutorRetries, job.ID)
			}
			sklog.Warningf("Executor retry %d/%d for job %s: %s", r.retries[job.ID], maxExecutorRetries, job.ID, retry.Error())
			// Refresh the heartbeat so the job doesn't look abandoned.
			return false, r.setCode(ctx, job, job.StatusCode, job.StatusMessage, 0, nil)
		}
		return false, err
	}
	delete(r.retries, job.ID)

	if job.Cancelled {
		return false, r.handleCancelledJob(ctx, job, definition, status)
	}

	if stableStates[status.State] {
		mapped := stateMap[status.State]
		return false, r.setCode(ctx, job, mapped.Code, mapped.Message, 0, nil)
	}

	if status.State == types.ExecutorError {
		return false, skerr.Fmt("executor error for job %s: %s", job.ID, status.Message)
	}

	// The executor may have moved on by itself since the last tick
	// (EXECUTING finished, an async prepare completed). Record that, then
	// carry on to the next transition in the same pass.
	if mapped, ok := stateMap[status.State]; ok && mapped.Code != job.StatusCode {
		if err := r.setCode(ctx, job, mapped.Code, mapped.Message, status.TimestampNs, nil); err != nil {
			return false, err
		}
	}

	initial := status.State
	expected := initial
	synchronous := false
	var next executor.JobStatus

	switch initial {
	case types.ExecutorUnknown:
		ready, err := r.dependenciesReady(ctx, job)
		if err != nil || !ready {
			return false, err
		}
		reasonCode, reasonMessage, err := r.reasonJobNotStarted(ctx, job)
		if err != nil {
			return false, err
		}
		if reasonCode != "" {
			return false, r.setCode(ctx, job, reasonCode, reasonMessage, 0, nil)
		}
		expected = types.ExecutorPreparing
		if r.syncTransitions[types.ExecutorPreparing] {
			// The call below blocks until preparation completes; show the
			// job as in progress for its duration.
			mapped := stateMap[types.ExecutorPreparing]
			if err := r.setCode(ctx, job, mapped.Code, mapped.Message, 0, nil); err != nil {
				return false, err
			}
			expected = types.ExecutorPrepared
			synchronous = true
		}
		next = r.Executor.Prepare(ctx, definition)
		if next.State == expected {
			if err := r.recordRunTask(ctx, job, definition); err != nil {
				return false, err
			}
		}
	case types.ExecutorPrepared:
		expected = types.ExecutorExecuting
		next = r.Executor.Execute(ctx, definition)
	case types.ExecutorExecuted:
		expected = types.ExecutorFinalizing
		if r.syncTransitions[types.ExecutorFinalizing] {
			mapped := stateMap[types.ExecutorFinalizing]
			if err := r.setCode(ctx, job, mapped.Code, mapped.Message, 0, nil); err != nil {
				return false, err
			}
			expected = types.ExecutorFinalized
			synchronous = true
		}
		next = r.Executor.Finalize(ctx, definition)
	case types.ExecutorFinalized:
		results, err := r.Executor.GetResults(ctx, definition)
		if err != nil {
			return false, err
		}
		if err := r.saveResults(ctx, job, results); err != nil {
			return false, err
		}
		if st := r.Executor.Cleanup(ctx, definition); st.State == types.ExecutorError {
			sklog.Errorf("Cleanup failed for job %s: %s", job.ID, st.Message)
		}
		return false, nil
	default:
		return false, skerr.Fmt("unexpected executor state %q for job %s", initial, job.ID)
	}

	switch {
	case next.State == initial:
		// The executor didn't accept the transition: it has no capacity.
		return false, r.setCode(ctx, job, types.StatusWaitingOnWorkers, "Waiting on available resources", 0, nil)
	case next.State == expected:
		mapped := stateMap[next.State]
		return synchronous, r.setCode(ctx, job, mapped.Code, mapped.Message, next.TimestampNs, nil)
	case next.State == types.ExecutorError:
		return false, skerr.Fmt("executor error for job %s: %s", job.ID, next.Message)
	default:
		return false, skerr.Fmt("unexpected state transition of job %s from %s to %s: %s", job.ID, initial, next.State, next.Message)
	}
}

// handleCancelledJob tears down a cancelled job from whatever state it
// reached. Work already executed still gets finalized so its logs survive.
func (r *Runner) handleCancelledJob(ctx context.Context, job *types.Job, definition *executor.JobDefinition, status executor.JobStatus) error {
	switch status.State {
	case types.ExecutorUnknown:
		// Never started: nothing to tear down.
		return r.setCode(ctx, job, types.StatusCancelledByUser, "Cancelled by user", 0, nil)
	case types.ExecutorPrepared:
		// There is nothing worth collecting; terminate takes it straight
		// to FINALIZED.
		st := r.Executor.Terminate(ctx, definition)
		if st.State == types.ExecutorError {
			return skerr.Fmt("executor error terminating job %s: %s", job.ID, st.Message)
		}
		mapped := stateMap[st.State]
		return r.setCode(ctx, job, mapped.Code, "Cancelled whilst prepared", st.TimestampNs, nil)
	case types.ExecutorExecuting:
		st := r.Executor.Terminate(ctx, definition)
		if st.State == types.ExecutorError {
			return skerr.Fmt("executor error terminating job %s: %s", job.ID, st.Message)
		}
		mapped := stateMap[st.State]
		return r.setCode(ctx, job, mapped.Code, "Cancelled whilst executing", st.TimestampNs, nil)
	case types.ExecutorExecuted:
		// Finalize so the logs are preserved for the study developer.
		st := r.Executor.Finalize(ctx, definition)
		if st.State == types.ExecutorError {
			return skerr.Fmt("executor error finalizing cancelled job %s: %s", job.ID, st.Message)
		}
		mapped := stateMap[st.State]
		return r.setCode(ctx, job, mapped.Code, mapped.Message, st.TimestampNs, nil)
	case types.ExecutorFinalized:
		if err := r.setCode(ctx, job, types.StatusCancelledByUser, "Cancelled by user", status.TimestampNs, nil); err != nil {
			return err
		}
		if st := r.Executor.Cleanup(ctx, definition); st.State == types.ExecutorError {
			sklog.Errorf("Cleanup failed for cancelled job %s: %s", job.ID, st.Message)
		}
		return nil
	default:
		// An in-flight stable state; wait for it to settle.
		mapped := stateMap[status.State]
		return r.setCode(ctx, job, mapped.Code, mapped.Message, 0, nil)
	}
}

// dependenciesReady checks the jobs this one is waiting on. It records the
// appropriate waiting/failed status and returns false while the job may not
// start.
func (r *Runner) dependenciesReady(ctx context.Context, job *types.Job) (bool, error) {
	if len(job.WaitForJobIDs) == 0 {
		return true, nil
	}
	states, err := r.DB.JobStates(ctx, job.WaitForJobIDs)
	if err != nil {
		return false, err
	}
	allSucceeded := true
	for _, id := range job.WaitForJobIDs {
		switch states[id] {
		case types.StateFailed:
			return false, r.setCode(ctx, job, types.StatusDependencyFailed, "Not starting as dependency failed", 0, nil)
		case types.StateSucceeded:
		default:
			// Includes dependencies missing from the database entirely.
			allSucceeded = false
		}
	}
	if allSucceeded {
		return true, nil
	}
	if job.StatusCode == types.StatusWaitingOnDependencies && jobElapsed(ctx, job) > r.Cfg.StuckJobTimeout {
		return false, skerr.Fmt("job %s stuck waiting on dependencies for %s", job.ID, jobElapsed(ctx, job))
	}
	return false, r.setCode(ctx, job, types.StatusWaitingOnDependencies, "Waiting on dependencies", 0, nil)
}

// reasonJobNotStarted applies the worker budgets. It returns an empty code
// when the job may start now.
func (r *Runner) reasonJobNotStarted(ctx context.Context, job *types.Job) (types.StatusCode, string, error) {
	active, err := r.DB.ActiveJobs(ctx, r.Cfg.Backend)
	if err != nil {
		return "", "", err
	}
	var usedWeight float64
	runningDB := 0
	for _, other := range active {
		if other.State != types.StateRunning {
			continue
		}
		usedWeight += r.Cfg.JobResourceWeight(other.Workspace, other.Action)
		if other.RequiresDB {
			runningDB++
		}
	}
	required := r.Cfg.JobResourceWeight(job.Workspace, job.Action)
	if usedWeight+required > float64(r.Cfg.MaxWorkers) {
		if required > 1 {
			return types.StatusWaitingOnWorkers, "Waiting on available workers for resource intensive job", nil
		}
		return types.StatusWaitingOnWorkers, "Waiting on available workers", nil
	}
	if job.RequiresDB && runningDB >= r.Cfg.MaxDBWorkers {
		return types.StatusWaitingOnDBWorkers, "Waiting on available database workers", nil
	}
	return "", "", nil
}

// saveResults turns the executor's JobResults into the job's terminal state.
func (r *Runner) saveResults(ctx context.Context, job *types.Job, results *executor.JobResults) error {
	var code types.StatusCode
	var message string
	switch {
	case results.ExitCode != 0:
		code = types.StatusNonzeroExit
		message = "Job exited with an error"
		if results.Message != "" {
			message += ": " + results.Message
		}
		if results.Hint != "" {
			message += "\n" + results.Hint
		}
	case len(results.UnmatchedPatterns) > 0:
		code = types.StatusUnmatchedPatterns
		message = "No outputs found matching patterns:\n - " + strings.Join(results.UnmatchedPatterns, "\n - ")
	default:
		code = types.StatusSucceeded
		message = "Completed successfully"
	}
	return r.setCode(ctx, job, code, message, results.TimestampNs, results)
}

// setCode transitions the job to the given status code and persists it. The
// State, started_at and completed_at fields follow from the code. With a zero
// timestampNs the current time is used. A call with the job's existing code
// only refreshes the message and the updated_at heartbeat.
func (r *Runner) setCode(ctx context.Context, job *types.Job, code types.StatusCode, message string, timestampNs int64, results *executor.JobResults) error {
	t := now.Now(ctx)
	if timestampNs == 0 {
		timestampNs = t.UnixNano()
	}

	if job.StatusCode == code {
		if message != job.StatusMessage {
			job.StatusMessage = message
			job.UpdatedAt = t.Unix()
			return r.DB.UpdateJob(ctx, job)
		}
		// Periodic heartbeat so operators can spot a wedged loop, without
		// writing every row every second.
		if t.Unix()-job.UpdatedAt >= 60 {
			job.UpdatedAt = t.Unix()
			return r.DB.UpdateJob(ctx, job)
		}
		return nil
	}

	if timestampNs <= job.StatusCodeUpdatedAt {
		// Executor clocks can run behind ours; a state can never end
		// before it began.
		timestampNs = job.StatusCodeUpdatedAt + int64(time.Millisecond)
		sklog.Warningf("Job %s transition to %s timestamped before %s began; clamping", job.ID, code, job.StatusCode)
	}

	prevCode := job.StatusCode
	prevNs := job.StatusCodeUpdatedAt
	job.StatusCode = code
	job.StatusMessage = message
	job.StatusCodeUpdatedAt = timestampNs
	job.UpdatedAt = t.Unix()

	switch {
	case code.IsFinal():
		job.CompletedAt = t.Unix()
		if code == types.StatusSucceeded {
			job.State = types.StateSucceeded
		} else {
			job.State = types.StateFailed
		}
		if results != nil {
			job.Outputs = results.Outputs
			job.UnmatchedPatterns = results.UnmatchedPatterns
			job.UnmatchedOutputs = results.UnmatchedOutputs
			job.ImageID = results.ImageID
		}
	case code.IsReset():
		job.State = types.StatePending
		job.StartedAt = 0
	case code == types.StatusPreparing, code == types.StatusPrepared,
		code == types.StatusExecuting, code == types.StatusExecuted,
		code == types.StatusFinalizing, code == types.StatusFinalized:
		job.State = types.StateRunning
		if job.StartedAt == 0 {
			job.StartedAt = t.Unix()
		}
	default:
		job.State = types.StatePending
	}

	if err := r.DB.UpdateJob(ctx, job); err != nil {
		return err
	}

	tracing.RecordStateChange(job, prevCode, prevNs, timestampNs)
	if code.IsFinal() || code.IsReset() {
		if err := r.finishActiveTask(ctx, job); err != nil {
			return err
		}
	}
	if code.IsFinal() {
		var finalErr error
		if job.State == types.StateFailed {
			finalErr = errors.New(message)
		}
		tracing.RecordFinalState(job, timestampNs, finalErr)
		delete(r.retries, job.ID)
	}
	sklog.Infof("Job %s (%s): %s - %s", job.ID, job.Slug(), code, message)
	return nil
}

// recordRunTask creates the RUNJOB bookkeeping task when a job starts on the
// executor. At most one task is active per job at a time.
func (r *Runner) recordRunTask(ctx context.Context, job *types.Job, definition *executor.JobDefinition) error {
	existing, err := r.DB.ActiveTaskForJob(ctx, job.ID)
	if err != nil || existing != nil {
		return err
	}
	defJSON, err := json.Marshal(definition)
	if err != nil {
		return skerr.Wrap(err)
	}
	return r.DB.InsertTask(ctx, &types.Task{
		ID:         uuid.NewString(),
		Backend:    r.Cfg.Backend,
		Type:       types.TaskRunJob,
		JobID:      job.ID,
		Active:     true,
		CreatedAt:  now.Now(ctx).Unix(),
		Definition: string(defJSON),
	})
}

func (r *Runner) finishActiveTask(ctx context.Context, job *types.Job) error {
	task, err := r.DB.ActiveTaskForJob(ctx, job.ID)
	if err != nil || task == nil {
		return err
	}
	return r.DB.FinishTask(ctx, task.ID, now.Now(ctx).Unix(), string(job.StatusCode))
}

// Definition derives the executor-facing JobDefinition from the job row. It
// is also used by the operator CLI to address the executor directly.
func Definition(ctx context.Context, d *db.DB, cfg *config.Config, job *types.Job) (*executor.JobDefinition, error) {
	parts, err := shellquote.Split(job.RunCommand)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing run command for job %s", job.ID)
	}
	if len(parts) == 0 {
		return nil, skerr.Fmt("job %s has an empty run command", job.ID)
	}

	image := parts[0]
	if cfg.DockerRegistry != "" && !strings.Contains(image, "/") {
		image = cfg.DockerRegistry + "/" + image
	}

	env := map[string]string{"OPENSAFELY_BACKEND": cfg.Backend}
	if strings.HasPrefix(parts[0], "stata-mp") && cfg.StataLicense != "" {
		env["STATA_LICENSE"] = cfg.StataLicense
	}
	allowDB := job.RequiresDB && !cfg.UsingDummyDataBackend
	if allowDB {
		env["DATABASE_URL"] = cfg.DatabaseURLs[job.DatabaseName]
	}

	// Reusable actions run code from the action repo, not the study repo.
	study := executor.Study{GitRepoURL: job.RepoURL, Commit: job.Commit}
	if job.ActionRepoURL != "" {
		study = executor.Study{GitRepoURL: job.ActionRepoURL, Commit: job.ActionCommit}
	}

	inputs, err := jobInputs(ctx, d, cfg, job)
	if err != nil {
		return nil, err
	}

	outputSpec := map[string]string{}
	for privacyLevel, named := range job.OutputSpec {
		for _, pattern := range named {
			outputSpec[pattern] = privacyLevel
		}
	}

	return &executor.JobDefinition{
		ID:                  job.ID,
		JobRequestID:        job.JobRequestID,
		Study:               study,
		Workspace:           job.Workspace,
		Action:              job.Action,
		CreatedAt:           job.CreatedAt,
		Image:               image,
		Args:                parts[1:],
		Env:                 env,
		Inputs:              inputs,
		OutputSpec:          outputSpec,
		AllowNetworkAccess:  allowDB,
		AllowDatabaseAccess: allowDB,
		Cancelled:           job.Cancelled,
	}, nil
}

// jobInputs collects the output files of the actions this job depends on, as
// currently recorded in the workspace state.
func jobInputs(ctx context.Context, d *db.DB, cfg *config.Config, job *types.Job) ([]string, error) {
	if len(job.RequiresOutputsFrom) == 0 {
		return nil, nil
	}
	state, err := d.CalculateWorkspaceState(ctx, cfg.Backend, job.Workspace)
	if err != nil {
		return nil, err
	}
	var inputs []string
	for _, prior := range state {
		if !util.In(prior.Action, job.RequiresOutputsFrom) {
			continue
		}
		for filename := range prior.Outputs {
			inputs = append(inputs, filename)
		}
	}
	sort.Strings(inputs)
	return inputs, nil
}
