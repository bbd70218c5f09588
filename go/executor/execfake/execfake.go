// Package execfake provides a scriptable in-memory executor.API for tests.
// Transitions park jobs in the corresponding in-progress state; tests advance
// them explicitly with SetJobState, mimicking the asynchronous tasks a real
// executor runs.
package execfake

import (
	"context"
	"sync"

	"go.opensafely.org/jobrunner/go/executor"
	"go.opensafely.org/jobrunner/go/types"
)

// Executor implements executor.API.
type Executor struct {
	mtx     sync.Mutex
	states  map[string]types.ExecutorState
	results map[string]*executor.JobResults

	// Synchronous causes prepare and finalize to land directly in the done
	// state (PREPARED, FINALIZED) instead of the in-progress one, the way
	// the local executor behaves. Execute stays asynchronous: containers
	// run detached everywhere.
	Synchronous bool

	// RetryStatusTimes makes the next N GetStatus calls per job return a
	// RetryError.
	retryStatus map[string]int

	// ErrorOn maps a method name ("prepare", "execute", "finalize") to an
	// error message; the call reports an ERROR state.
	ErrorOn map[string]string

	// Calls records every method invocation as "method:jobID".
	Calls []string

	// Deleted records DeleteFiles invocations per workspace.
	Deleted map[string][]string
}

// New returns an empty fake executor.
func New() *Executor {
	return &Executor{
		states:      map[string]types.ExecutorState{},
		results:     map[string]*executor.JobResults{},
		retryStatus: map[string]int{},
		ErrorOn:     map[string]string{},
		Deleted:     map[string][]string{},
	}
}

// SetJobState forces the observed state of a job, simulating an async task
// completing (or an external surprise).
func (e *Executor) SetJobState(jobID string, state types.ExecutorState) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.states[jobID] = state
}

// SetResults installs the results reported once the job is FINALIZED.
func (e *Executor) SetResults(jobID string, results *executor.JobResults) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.results[jobID] = results
}

// RetryStatusTimes makes the next n GetStatus calls for the job fail with a
// RetryError.
func (e *Executor) RetryStatusTimes(jobID string, n int) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.retryStatus[jobID] = n
}

// State returns the currently recorded state of the job.
func (e *Executor) State(jobID string) types.ExecutorState {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if s, ok := e.states[jobID]; ok {
		return s
	}
	return types.ExecutorUnknown
}

// SynchronousTransitions reports which transitions block until done, for the
// scheduler's same-tick fast path.
func (e *Executor) SynchronousTransitions() []types.ExecutorState {
	if !e.Synchronous {
		return nil
	}
	return []types.ExecutorState{types.ExecutorPreparing, types.ExecutorFinalizing}
}

func (e *Executor) record(method, jobID string) {
	e.Calls = append(e.Calls, method+":"+jobID)
}

func (e *Executor) transition(method string, jobID string, inProgress, done types.ExecutorState) executor.JobStatus {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.record(method, jobID)
	if msg, ok := e.ErrorOn[method]; ok {
		e.states[jobID] = types.ExecutorError
		return executor.JobStatus{State: types.ExecutorError, Message: msg}
	}
	next := inProgress
	if e.Synchronous && method != "execute" {
		next = done
	}
	e.states[jobID] = next
	return executor.JobStatus{State: next}
}

// Prepare implements executor.API.
func (e *Executor) Prepare(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	return e.transition("prepare", job.ID, types.ExecutorPreparing, types.ExecutorPrepared)
}

// Execute implements executor.API.
func (e *Executor) Execute(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	return e.transition("execute", job.ID, types.ExecutorExecuting, types.ExecutorExecuted)
}

// Finalize implements executor.API.
func (e *Executor) Finalize(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	return e.transition("finalize", job.ID, types.ExecutorFinalizing, types.ExecutorFinalized)
}

// Terminate implements executor.API.
func (e *Executor) Terminate(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.record("terminate", job.ID)
	switch e.states[job.ID] {
	case types.ExecutorExecuting:
		e.states[job.ID] = types.ExecutorExecuted
	case types.ExecutorPrepared:
		e.states[job.ID] = types.ExecutorFinalized
	default:
		e.states[job.ID] = types.ExecutorUnknown
	}
	return executor.JobStatus{State: e.states[job.ID]}
}

// Cleanup implements executor.API.
func (e *Executor) Cleanup(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.record("cleanup", job.ID)
	e.states[job.ID] = types.ExecutorUnknown
	return executor.JobStatus{State: types.ExecutorUnknown}
}

// GetStatus implements executor.API.
func (e *Executor) GetStatus(ctx context.Context, job *executor.JobDefinition) (executor.JobStatus, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.record("get_status", job.ID)
	if e.retryStatus[job.ID] > 0 {
		e.retryStatus[job.ID]--
		return executor.JobStatus{}, &executor.RetryError{Msg: "fake executor busy"}
	}
	state, ok := e.states[job.ID]
	if !ok {
		state = types.ExecutorUnknown
	}
	return executor.JobStatus{State: state}, nil
}

// GetResults implements executor.API.
func (e *Executor) GetResults(ctx context.Context, job *executor.JobDefinition) (*executor.JobResults, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if r, ok := e.results[job.ID]; ok {
		return r, nil
	}
	// Default to a clean success so happy-path tests need no setup.
	return &executor.JobResults{
		Outputs:  map[string]string{},
		ExitCode: 0,
		ImageID:  "sha256:fake",
	}, nil
}

// DeleteFiles implements executor.API.
func (e *Executor) DeleteFiles(ctx context.Context, workspace string, privacy executor.Privacy, paths []string) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.Deleted[workspace] = append(e.Deleted[workspace], paths...)
	return nil
}

var _ executor.API = (*Executor)(nil)
