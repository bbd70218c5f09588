package types

// State is the overall high level state the controller uses to decide how to
// handle a particular job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateFailed    State = "failed"
	StateSucceeded State = "succeeded"
)

// Active returns true for the states in which the run loop still has work to
// do for a job.
func (s State) Active() bool {
	return s == StatePending || s == StateRunning
}

// ValidStates lists every State, for validation on DB load.
var ValidStates = []State{StatePending, StateRunning, StateFailed, StateSucceeded}

// StatusCode plays no role in the state machine controlling what happens with
// a job; it is a machine readable version of the human readable
// status_message, reported to the coordination server and telemetry.
type StatusCode string

const (
	// PENDING codes.
	StatusCreated               StatusCode = "created"
	StatusWaitingOnDependencies StatusCode = "waiting_on_dependencies"
	StatusWaitingOnWorkers      StatusCode = "waiting_on_workers"
	StatusWaitingOnDBWorkers    StatusCode = "waiting_on_db_workers"
	StatusWaitingOnReboot       StatusCode = "waiting_on_reboot"
	StatusWaitingDBMaintenance  StatusCode = "waiting_db_maintenance"
	StatusWaitingPaused         StatusCode = "paused"

	// RUNNING codes, mirroring ExecutorState on the normal happy path.
	StatusPreparing  StatusCode = "preparing"
	StatusPrepared   StatusCode = "prepared"
	StatusExecuting  StatusCode = "executing"
	StatusExecuted   StatusCode = "executed"
	StatusFinalizing StatusCode = "finalizing"
	StatusFinalized  StatusCode = "finalized"

	// Terminal codes.
	StatusSucceeded         StatusCode = "succeeded"
	StatusDependencyFailed  StatusCode = "dependency_failed"
	StatusNonzeroExit       StatusCode = "nonzero_exit"
	StatusCancelledByUser   StatusCode = "cancelled_by_user"
	StatusUnmatchedPatterns StatusCode = "unmatched_patterns"
	StatusInternalError     StatusCode = "internal_error"
	StatusKilledByAdmin     StatusCode = "killed_by_admin"
	StatusJobError          StatusCode = "job_error"
	StatusStaleCodelists    StatusCode = "stale_codelists"
)

var finalStatusCodes = map[StatusCode]bool{
	StatusSucceeded:         true,
	StatusDependencyFailed:  true,
	StatusNonzeroExit:       true,
	StatusCancelledByUser:   true,
	StatusUnmatchedPatterns: true,
	StatusInternalError:     true,
	StatusKilledByAdmin:     true,
	StatusJobError:          true,
	StatusStaleCodelists:    true,
}

// resetStatusCodes are the codes which send a job back to PENDING with its
// started_at cleared.
var resetStatusCodes = map[StatusCode]bool{
	StatusWaitingOnReboot:      true,
	StatusWaitingDBMaintenance: true,
}

// IsFinal returns true if the code belongs to a terminal State.
func (c StatusCode) IsFinal() bool {
	return finalStatusCodes[c]
}

// IsReset returns true if the code resets a job back to PENDING.
func (c StatusCode) IsReset() bool {
	return resetStatusCodes[c]
}

// ExecutorState is the runtime-facing phase of a job as reported by the
// executor adapter. It is never stored on the Job.
type ExecutorState string

const (
	ExecutorUnknown    ExecutorState = "unknown"
	ExecutorPreparing  ExecutorState = "preparing"
	ExecutorPrepared   ExecutorState = "prepared"
	ExecutorExecuting  ExecutorState = "executing"
	ExecutorExecuted   ExecutorState = "executed"
	ExecutorFinalizing ExecutorState = "finalizing"
	ExecutorFinalized  ExecutorState = "finalized"
	ExecutorError      ExecutorState = "error"
)

// TaskType classifies controller bookkeeping tasks.
type TaskType string

const (
	TaskRunJob    TaskType = "runjob"
	TaskCancelJob TaskType = "canceljob"
	TaskDBStatus  TaskType = "dbstatus"
	TaskStatus    TaskType = "status"
)
