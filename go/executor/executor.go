// Package executor defines the interface through which the controller drives
// a job's container lifecycle. The controller models execution as a state
// machine and each method here is a transition; implementations live in the
// sub-packages (local Docker, Kubernetes).
package executor

import (
	"context"
	"fmt"

	"go.opensafely.org/jobrunner/go/types"
)

// Privacy classifies output storage areas.
type Privacy string

const (
	PrivacyHigh   Privacy = "high"
	PrivacyMedium Privacy = "medium"
)

// Study identifies the repo and commit defining the action.
type Study struct {
	GitRepoURL string
	Commit     string
}

// JobDefinition carries everything an executor needs to run one job. It is
// derived from the Job row and the Config; executors never read the database.
type JobDefinition struct {
	// ID uniquely identifies the job.
	ID           string
	JobRequestID string
	Study        Study
	Workspace    string
	Action       string
	// CreatedAt is the UNIX timestamp the job was created.
	CreatedAt int64
	// Image is the container image to run.
	Image string
	// Args are the arguments passed to the container.
	Args []string
	// Env is the environment for the container.
	Env map[string]string
	// Inputs are paths of files from prior actions the job requires.
	Inputs []string
	// OutputSpec maps glob patterns to privacy levels.
	OutputSpec map[string]string
	// AllowNetworkAccess grants the container outbound network access.
	AllowNetworkAccess bool
	// AllowDatabaseAccess injects database credentials into the container.
	AllowDatabaseAccess bool
	// Cancelled indicates the job has been cancelled and should be torn
	// down rather than advanced.
	Cancelled bool
}

// JobStatus is the executor's report of a job's current phase.
type JobStatus struct {
	State   types.ExecutorState
	Message string
	// TimestampNs is when this status occurred, in nanoseconds.
	TimestampNs int64
}

// JobResults is available once a job reaches FINALIZED.
type JobResults struct {
	// Outputs maps produced filenames to privacy levels.
	Outputs map[string]string
	// UnmatchedPatterns lists output patterns which matched no file.
	UnmatchedPatterns []string
	// UnmatchedOutputs lists produced files which matched no pattern.
	UnmatchedOutputs []string
	ExitCode         int
	// ImageID is the digest of the image that actually ran.
	ImageID string
	Message string
	// Hint carries extra context for a failure, shown to the study
	// developer alongside the status message.
	Hint string
	// TimestampNs is when the results were finalized.
	TimestampNs int64
}

// RetryError tells the scheduler there is a temporary issue with the executor
// and the job should be retried later, leaving its state untouched.
type RetryError struct {
	Msg string
}

func (e *RetryError) Error() string {
	if e.Msg == "" {
		return "executor not ready, retry later"
	}
	return e.Msg
}

// API drives one job's execution. All transition methods must be idempotent:
// calling prepare() on a job already preparing must not launch a second task,
// just report the current state. Calls must not block for more than a few
// seconds; long-running work happens asynchronously and is observed via
// GetStatus.
type API interface {
	// Prepare creates the ephemeral workspace, checks out the study code
	// and copies inputs in. Valid only from UNKNOWN.
	Prepare(ctx context.Context, job *JobDefinition) JobStatus
	// Execute starts the job container. Valid only from PREPARED.
	Execute(ctx context.Context, job *JobDefinition) JobStatus
	// Finalize collects logs, matches outputs against the output spec and
	// records JobResults. Valid from EXECUTED. The container and volume
	// survive until Cleanup.
	Finalize(ctx context.Context, job *JobDefinition) JobStatus
	// Terminate cancels in-flight work: EXECUTING becomes EXECUTED, a
	// PREPARED job goes straight to FINALIZED (there is nothing to
	// collect), a never-started job stays UNKNOWN.
	Terminate(ctx context.Context, job *JobDefinition) JobStatus
	// Cleanup destroys the container and volume, returning to UNKNOWN.
	Cleanup(ctx context.Context, job *JobDefinition) JobStatus
	// GetStatus reports the job's current state. It is called on every
	// tick and must be cheap. Returns a *RetryError when the executor is
	// temporarily unable to answer.
	GetStatus(ctx context.Context, job *JobDefinition) (JobStatus, error)
	// GetResults returns the results of a FINALIZED job.
	GetResults(ctx context.Context, job *JobDefinition) (*JobResults, error)
	// DeleteFiles removes the named files from the given privacy area of
	// the workspace, best-effort.
	DeleteFiles(ctx context.Context, workspace string, privacy Privacy, paths []string) error
}

// ErrorStatus is a convenience constructor for an ERROR JobStatus.
func ErrorStatus(format string, args ...interface{}) JobStatus {
	return JobStatus{State: types.ExecutorError, Message: fmt.Sprintf(format, args...)}
}
