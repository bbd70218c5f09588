// Package k8s implements the executor API on a Kubernetes cluster. Each
// lifecycle stage of a job runs as its own k8s Job (prepare, execute,
// finalize) sharing a per-job PersistentVolumeClaim mounted at /workspace;
// long-term workspace storage lives on a separate per-workspace claim
// mounted at /storage. All transitions are asynchronous: they create
// resources and return immediately, and GetStatus reads progress back off
// the cluster, so the controller itself holds no state about running work.
package k8s

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"go.opensafely.org/jobrunner/go/executor"
	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
	"go.opensafely.org/jobrunner/go/types"
)

const (
	// appLabel is attached to every resource we create, so strays can be
	// found and removed by hand.
	appLabel = "jobrunner"

	stagePrepare  = "prepare"
	stageExecute  = "execute"
	stageFinalize = "finalize"

	jobMountPath     = "/workspace"
	storageMountPath = "/storage"

	// resultsTag prefixes the line of finalize-container output which
	// carries the job results as JSON.
	resultsTag = "__JobResults__:"
)

// Marker states recorded in the per-job ConfigMap by Terminate. Deleting a
// k8s Job erases the evidence that its stage ever ran, so without a marker a
// terminated job would appear to regress to an earlier state.
const (
	markerExecuted  = "executed"
	markerFinalized = "finalized"
)

// Config holds the cluster-specific settings.
type Config struct {
	Namespace string
	// ToolImage runs the prepare and finalize stages.
	ToolImage    string
	StorageClass string
	// JobStorageSize is the size of each job's ephemeral claim.
	JobStorageSize string
	// WorkspaceStorageSize is the size of each workspace's long-term claim.
	WorkspaceStorageSize string
	// HostWhitelist lists "host:port" entries reachable by jobs granted
	// database access; all other egress is denied.
	HostWhitelist  []string
	ServiceAccount string
	// PrivateRepoAccessToken is passed to the prepare stage for cloning
	// private study repos.
	PrivateRepoAccessToken string
}

// Executor implements executor.API on a Kubernetes cluster.
type Executor struct {
	client kubernetes.Interface
	cfg    Config
}

// New returns an Executor, applying defaults for unset Config fields.
func New(client kubernetes.Interface, cfg Config) *Executor {
	if cfg.Namespace == "" {
		cfg.Namespace = "opensafely"
	}
	if cfg.JobStorageSize == "" {
		cfg.JobStorageSize = "20Gi"
	}
	if cfg.WorkspaceStorageSize == "" {
		cfg.WorkspaceStorageSize = "100Gi"
	}
	return &Executor{client: client, cfg: cfg}
}

// stageName returns the deterministic k8s Job name for one stage of a job.
func (e *Executor) stageName(job *executor.JobDefinition, stage string) string {
	return resourceName(job.Workspace+"-"+job.Action+"-"+stage, job.ID)
}

func (e *Executor) jobPVCName(job *executor.JobDefinition) string {
	return resourceName(job.Workspace+"-"+job.Action+"-pvc", job.ID)
}

func (e *Executor) workspacePVCName(workspace string) string {
	return resourceName("ws-"+workspace, workspace)
}

func (e *Executor) markerName(job *executor.JobDefinition) string {
	return resourceName(job.Workspace+"-"+job.Action+"-meta", job.ID)
}

// Prepare creates the job's claim and launches the prepare stage, which
// checks out the study code and copies inputs in from workspace storage.
func (e *Executor) Prepare(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	current, err := e.GetStatus(ctx, job)
	if err != nil {
		return executor.ErrorStatus("%s", err)
	}
	if current.State != types.ExecutorUnknown {
		return current
	}
	if err := e.ensurePVC(ctx, e.jobPVCName(job), e.cfg.JobStorageSize); err != nil {
		return executor.ErrorStatus("Failed to create storage for job: %s", err)
	}
	if err := e.ensurePVC(ctx, e.workspacePVCName(job.Workspace), e.cfg.WorkspaceStorageSize); err != nil {
		return executor.ErrorStatus("Failed to create workspace storage: %s", err)
	}
	env := map[string]string{}
	if e.cfg.PrivateRepoAccessToken != "" {
		env["PRIVATE_REPO_ACCESS_TOKEN"] = e.cfg.PrivateRepoAccessToken
	}
	spec := &jobSpec{
		name:  e.stageName(job, stagePrepare),
		image: e.cfg.ToolImage,
		args: []string{
			stagePrepare,
			"--repo", job.Study.GitRepoURL,
			"--commit", job.Study.Commit,
			"--workspace", job.Workspace,
			"--inputs", strings.Join(job.Inputs, ";"),
		},
		env: env,
		mounts: map[string]string{
			e.jobPVCName(job):                 jobMountPath,
			e.workspacePVCName(job.Workspace): storageMountPath,
		},
	}
	if err := e.createJob(ctx, spec); err != nil {
		return executor.ErrorStatus("Failed to start preparation: %s", err)
	}
	return executor.JobStatus{State: types.ExecutorPreparing, TimestampNs: now.Now(ctx).UnixNano()}
}

// Execute launches the job's action container against the prepared claim.
func (e *Executor) Execute(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	current, err := e.GetStatus(ctx, job)
	if err != nil {
		return executor.ErrorStatus("%s", err)
	}
	if current.State != types.ExecutorPrepared {
		return current
	}
	podLabels := map[string]string{}
	if !job.AllowNetworkAccess {
		whitelist := []string(nil)
		if job.AllowDatabaseAccess {
			whitelist = e.cfg.HostWhitelist
		}
		podLabels, err = e.ensureNetworkPolicy(ctx, whitelist)
		if err != nil {
			return executor.ErrorStatus("Failed to configure job network: %s", err)
		}
	}
	spec := &jobSpec{
		name:      e.stageName(job, stageExecute),
		image:     job.Image,
		args:      job.Args,
		env:       job.Env,
		podLabels: podLabels,
		mounts: map[string]string{
			e.jobPVCName(job): jobMountPath,
		},
	}
	if err := e.createJob(ctx, spec); err != nil {
		return executor.ErrorStatus("Failed to start job: %s", err)
	}
	return executor.JobStatus{State: types.ExecutorExecuting, TimestampNs: now.Now(ctx).UnixNano()}
}

// Finalize launches the finalize stage, which matches outputs against the
// output spec, copies them to workspace storage and prints the results as a
// tagged JSON line for GetResults to read back.
func (e *Executor) Finalize(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	current, err := e.GetStatus(ctx, job)
	if err != nil {
		return executor.ErrorStatus("%s", err)
	}
	if current.State == types.ExecutorFinalizing || current.State == types.ExecutorFinalized {
		return current
	}
	if current.State != types.ExecutorExecuted {
		return current
	}
	outputSpec, err := json.Marshal(job.OutputSpec)
	if err != nil {
		return executor.ErrorStatus("Failed to encode output spec: %s", err)
	}
	env := map[string]string{}
	if job.Cancelled {
		env["CANCELLED"] = "True"
	}
	spec := &jobSpec{
		name:  e.stageName(job, stageFinalize),
		image: e.cfg.ToolImage,
		args: []string{
			stageFinalize,
			"--workspace", job.Workspace,
			"--action", job.Action,
			"--job-id", job.ID,
			"--output-spec", string(outputSpec),
		},
		env: env,
		mounts: map[string]string{
			e.jobPVCName(job):                 jobMountPath,
			e.workspacePVCName(job.Workspace): storageMountPath,
		},
	}
	if err := e.createJob(ctx, spec); err != nil {
		return executor.ErrorStatus("Failed to start finalization: %s", err)
	}
	return executor.JobStatus{State: types.ExecutorFinalizing, TimestampNs: now.Now(ctx).UnixNano()}
}

// Terminate cancels in-flight work. Because deleting a stage's k8s Job would
// make GetStatus report an earlier state, termination records a marker
// ConfigMap which GetStatus consults first.
func (e *Executor) Terminate(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	current, err := e.GetStatus(ctx, job)
	if err != nil {
		return executor.ErrorStatus("%s", err)
	}
	switch current.State {
	case types.ExecutorUnknown, types.ExecutorExecuted, types.ExecutorFinalizing, types.ExecutorFinalized:
		return current
	case types.ExecutorPreparing, types.ExecutorPrepared:
		// Nothing ran, so there is nothing to collect: go straight to
		// FINALIZED with cancelled results.
		e.deleteJob(ctx, e.stageName(job, stagePrepare))
		ts := now.Now(ctx).UnixNano()
		results, err := json.Marshal(&jobResults{
			Message:     "Job cancelled by user",
			TimestampNs: ts,
		})
		if err != nil {
			return executor.ErrorStatus("%s", err)
		}
		if err := e.writeMarker(ctx, job, markerFinalized, string(results)); err != nil {
			return executor.ErrorStatus("Failed to record cancellation: %s", err)
		}
		return executor.JobStatus{State: types.ExecutorFinalized, TimestampNs: ts}
	default:
		e.deleteJob(ctx, e.stageName(job, stageExecute))
		if err := e.writeMarker(ctx, job, markerExecuted, ""); err != nil {
			return executor.ErrorStatus("Failed to record termination: %s", err)
		}
		return executor.JobStatus{
			State:       types.ExecutorExecuted,
			Message:     "Job terminated by user",
			TimestampNs: now.Now(ctx).UnixNano(),
		}
	}
}

// Cleanup removes every resource belonging to the job, returning it to
// UNKNOWN. Workspace storage and network policies are shared and survive.
func (e *Executor) Cleanup(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	for _, stage := range []string{stagePrepare, stageExecute, stageFinalize} {
		e.deleteJob(ctx, e.stageName(job, stage))
	}
	e.deleteMarker(ctx, job)
	e.deletePVC(ctx, e.jobPVCName(job))
	return executor.JobStatus{State: types.ExecutorUnknown, TimestampNs: now.Now(ctx).UnixNano()}
}

// GetStatus derives the job's state from the three stage Jobs, checking the
// termination marker first.
func (e *Executor) GetStatus(ctx context.Context, job *executor.JobDefinition) (executor.JobStatus, error) {
	marker, results, err := e.readMarker(ctx, job)
	if err != nil {
		return executor.JobStatus{}, &executor.RetryError{Msg: err.Error()}
	}
	switch marker {
	case markerFinalized:
		status := executor.JobStatus{State: types.ExecutorFinalized}
		parsed := &jobResults{}
		if json.Unmarshal([]byte(results), parsed) == nil {
			status.TimestampNs = parsed.TimestampNs
		}
		return status, nil
	case markerExecuted:
		finPhase, finJob, err := e.jobState(ctx, e.stageName(job, stageFinalize))
		if err != nil {
			return executor.JobStatus{}, &executor.RetryError{Msg: err.Error()}
		}
		switch finPhase {
		case phaseUnknown:
			return executor.JobStatus{State: types.ExecutorExecuted, Message: "Job terminated by user"}, nil
		case phasePending, phaseRunning:
			return executor.JobStatus{State: types.ExecutorFinalizing, TimestampNs: jobStartNs(finJob)}, nil
		case phaseSucceeded:
			return executor.JobStatus{State: types.ExecutorFinalized, TimestampNs: jobCompletionNs(finJob)}, nil
		default:
			return e.stageFailed(ctx, job, stageFinalize, finJob), nil
		}
	}

	prepPhase, prepJob, err := e.jobState(ctx, e.stageName(job, stagePrepare))
	if err != nil {
		return executor.JobStatus{}, &executor.RetryError{Msg: err.Error()}
	}
	switch prepPhase {
	case phaseUnknown:
		return executor.JobStatus{State: types.ExecutorUnknown}, nil
	case phasePending, phaseRunning:
		return executor.JobStatus{State: types.ExecutorPreparing, TimestampNs: jobStartNs(prepJob)}, nil
	case phaseFailed:
		return e.stageFailed(ctx, job, stagePrepare, prepJob), nil
	}

	execPhase, execJob, err := e.jobState(ctx, e.stageName(job, stageExecute))
	if err != nil {
		return executor.JobStatus{}, &executor.RetryError{Msg: err.Error()}
	}
	switch execPhase {
	case phaseUnknown:
		return executor.JobStatus{State: types.ExecutorPrepared, TimestampNs: jobCompletionNs(prepJob)}, nil
	case phasePending, phaseRunning:
		return executor.JobStatus{State: types.ExecutorExecuting, TimestampNs: jobStartNs(execJob)}, nil
	case phaseFailed:
		return e.stageFailed(ctx, job, stageExecute, execJob), nil
	}

	finPhase, finJob, err := e.jobState(ctx, e.stageName(job, stageFinalize))
	if err != nil {
		return executor.JobStatus{}, &executor.RetryError{Msg: err.Error()}
	}
	switch finPhase {
	case phaseUnknown:
		return executor.JobStatus{State: types.ExecutorExecuted, TimestampNs: jobCompletionNs(execJob)}, nil
	case phasePending, phaseRunning:
		return executor.JobStatus{State: types.ExecutorFinalizing, TimestampNs: jobStartNs(finJob)}, nil
	case phaseSucceeded:
		return executor.JobStatus{State: types.ExecutorFinalized, TimestampNs: jobCompletionNs(finJob)}, nil
	default:
		return e.stageFailed(ctx, job, stageFinalize, finJob), nil
	}
}

// GetResults reads the results of a FINALIZED job, either from the
// termination marker or from the tagged line of finalize-container output.
func (e *Executor) GetResults(ctx context.Context, job *executor.JobDefinition) (*executor.JobResults, error) {
	marker, raw, err := e.readMarker(ctx, job)
	if err != nil {
		return nil, err
	}
	if marker == markerFinalized && raw != "" {
		return parseResults(raw, job.ID)
	}
	logs := e.jobLogs(ctx, e.stageName(job, stageFinalize))
	for _, line := range strings.Split(logs, "\n") {
		if strings.HasPrefix(line, resultsTag) {
			return parseResults(strings.TrimPrefix(line, resultsTag), job.ID)
		}
	}
	return nil, skerr.Fmt("no results found for job %s", job.ID)
}

// DeleteFiles removes files from the given privacy area of workspace storage
// by running an ephemeral container against the workspace claim.
func (e *Executor) DeleteFiles(ctx context.Context, workspace string, privacy executor.Privacy, paths []string) error {
	root := storageMountPath + "/" + string(privacy) + "/" + workspace
	args := []string{"rm", "-f"}
	for _, path := range paths {
		args = append(args, root+"/"+path)
	}
	spec := &jobSpec{
		name:    resourceName(workspace+"-delete", uuid.New().String()),
		image:   "busybox",
		command: args,
		mounts: map[string]string{
			e.workspacePVCName(workspace): storageMountPath,
		},
	}
	return skerr.Wrap(e.createJob(ctx, spec))
}

// stageFailed builds the ERROR status for a failed stage, with the stage's
// container logs as the message.
func (e *Executor) stageFailed(ctx context.Context, job *executor.JobDefinition, stage string, failed *batchv1.Job) executor.JobStatus {
	msg := strings.TrimSpace(e.jobLogs(ctx, e.stageName(job, stage)))
	if msg == "" {
		msg = "Job failed in " + stage + " stage"
	}
	status := executor.ErrorStatus("%s", msg)
	status.TimestampNs = jobCompletionNs(failed)
	if status.TimestampNs == 0 {
		status.TimestampNs = now.Now(ctx).UnixNano()
	}
	return status
}

// jobResults is the wire form of results written by the finalize container
// and stored in termination markers.
type jobResults struct {
	Outputs           map[string]string `json:"outputs"`
	UnmatchedPatterns []string          `json:"unmatched_patterns"`
	UnmatchedOutputs  []string          `json:"unmatched_outputs"`
	ExitCode          int               `json:"exit_code"`
	ImageID           string            `json:"image_id"`
	Message           string            `json:"status_message"`
	Hint              string            `json:"hint"`
	TimestampNs       int64             `json:"timestamp_ns"`
}

func parseResults(raw, jobID string) (*executor.JobResults, error) {
	parsed := &jobResults{}
	if err := json.Unmarshal([]byte(raw), parsed); err != nil {
		return nil, skerr.Wrapf(err, "parsing results for job %s", jobID)
	}
	return &executor.JobResults{
		Outputs:           parsed.Outputs,
		UnmatchedPatterns: parsed.UnmatchedPatterns,
		UnmatchedOutputs:  parsed.UnmatchedOutputs,
		ExitCode:          parsed.ExitCode,
		ImageID:           parsed.ImageID,
		Message:           parsed.Message,
		Hint:              parsed.Hint,
		TimestampNs:       parsed.TimestampNs,
	}, nil
}

// writeMarker records the job's termination state in a ConfigMap.
func (e *Executor) writeMarker(ctx context.Context, job *executor.JobDefinition, state, results string) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:   e.markerName(job),
			Labels: map[string]string{"app": appLabel},
		},
		Data: map[string]string{"state": state},
	}
	if results != "" {
		cm.Data["results"] = results
	}
	_, err := e.client.CoreV1().ConfigMaps(e.cfg.Namespace).Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = e.client.CoreV1().ConfigMaps(e.cfg.Namespace).Update(ctx, cm, metav1.UpdateOptions{})
	}
	return skerr.Wrap(err)
}

func (e *Executor) readMarker(ctx context.Context, job *executor.JobDefinition) (state, results string, err error) {
	cm, err := e.client.CoreV1().ConfigMaps(e.cfg.Namespace).Get(ctx, e.markerName(job), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", "", nil
	}
	if err != nil {
		return "", "", skerr.Wrap(err)
	}
	return cm.Data["state"], cm.Data["results"], nil
}

func (e *Executor) deleteMarker(ctx context.Context, job *executor.JobDefinition) {
	err := e.client.CoreV1().ConfigMaps(e.cfg.Namespace).Delete(ctx, e.markerName(job), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		sklog.Errorf("Error deleting marker for job %s: %s", job.ID, err)
	}
}

var _ executor.API = (*Executor)(nil)
