// Package local implements executor.API against the host Docker daemon. Each
// job gets a directory under the high-privacy storage area which is
// bind-mounted into its container at /workspace; preparation and finalization
// are plain filesystem work and complete synchronously, only the job
// container itself runs detached.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"go.opensafely.org/jobrunner/go/config"
	"go.opensafely.org/jobrunner/go/executor"
	"go.opensafely.org/jobrunner/go/git"
	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
	"go.opensafely.org/jobrunner/go/types"
)

const (
	// metadataDir is the subdirectory of a workspace holding logs and the
	// manifest, kept out of the way of study outputs.
	metadataDir = "metadata"
	// metadataFile records everything we know about a finished job; its
	// presence is what marks a job FINALIZED.
	metadataFile = "metadata.json"
)

// dockerExitCodes maps exit codes we understand to user-facing messages.
var dockerExitCodes = map[int]string{
	// 128+9: killed by SIGKILL, either by an admin or by the OOM killer when
	// the OOMKilled flag is unreliable.
	137: "Job killed by OpenSAFELY admin or memory limits",
}

// archiveExtensions are the formats an archived workspace may be stored in.
var archiveExtensions = []string{".tar.gz", ".tar.zstd", ".tar.xz"}

// Executor runs jobs in containers on the local Docker daemon.
type Executor struct {
	cfg *config.Config
	git git.Client
}

// New returns a local Docker executor. The git client populates job volumes
// with study code.
func New(cfg *config.Config, gitClient git.Client) *Executor {
	return &Executor{cfg: cfg, git: gitClient}
}

// SynchronousTransitions reports that Prepare and Finalize block until done,
// so the scheduler can advance the job again within the same tick.
func (e *Executor) SynchronousTransitions() []types.ExecutorState {
	return []types.ExecutorState{types.ExecutorPreparing, types.ExecutorFinalizing}
}

func containerName(jobID string) string {
	return "os-job-" + jobID
}

func (e *Executor) highPrivacyWorkspace(workspace string) string {
	return filepath.Join(e.cfg.HighPrivacyStorageBase, "workspaces", workspace)
}

func (e *Executor) mediumPrivacyWorkspace(workspace string) string {
	if e.cfg.MediumPrivacyStorageBase == "" {
		return ""
	}
	return filepath.Join(e.cfg.MediumPrivacyStorageBase, "workspaces", workspace)
}

// logDir returns the directory for a job's logs and metadata, split up by
// month to keep it manageable.
func (e *Executor) logDir(ctx context.Context, jobID string) string {
	month := now.Now(ctx).Format("2006-01")
	return filepath.Join(e.cfg.HighPrivacyStorageBase, "logs", month, containerName(jobID))
}

func (e *Executor) workspaceIsArchived(workspace string) bool {
	base := filepath.Join(e.cfg.HighPrivacyStorageBase, "archives", workspace)
	for _, ext := range archiveExtensions {
		if _, err := os.Stat(base + ext); err == nil {
			return true
		}
	}
	return false
}

// Prepare implements executor.API. It is synchronous: on success the job is
// already PREPARED.
func (e *Executor) Prepare(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	workspaceDir := e.highPrivacyWorkspace(job.Workspace)
	if _, err := os.Stat(workspaceDir); os.IsNotExist(err) && e.workspaceIsArchived(job.Workspace) {
		return executor.ErrorStatus("Workspace %s has been archived. Contact the OpenSAFELY tech team to resolve", job.Workspace)
	}

	// We never pull images ourselves; that is managed out of band.
	if !imageExists(ctx, job.Image) {
		sklog.Infof("Image not found, may need to run: docker pull %s", job.Image)
		return executor.ErrorStatus("Docker image %s is not currently available", job.Image)
	}

	current, err := e.GetStatus(ctx, job)
	if err != nil {
		return executor.ErrorStatus("%s", err)
	}
	if current.State != types.ExecutorUnknown {
		return current
	}

	if status, ok := e.prepareJob(ctx, job); !ok {
		return status
	}
	return executor.JobStatus{State: types.ExecutorPrepared, TimestampNs: now.Now(ctx).UnixNano()}
}

// prepareJob populates the job volume with the study code and input files.
func (e *Executor) prepareJob(ctx context.Context, job *executor.JobDefinition) (executor.JobStatus, bool) {
	if err := e.createVolume(job.ID); err != nil {
		return executor.ErrorStatus("could not create volume for job %s: %s", job.ID, err), false
	}

	sklog.Infof("Copying in code from %s@%s", job.Study.GitRepoURL, job.Study.Commit)
	volume := e.volumeDir(job.ID)
	if err := e.git.CheckoutCommit(ctx, job.Study.GitRepoURL, job.Study.Commit, volume); err != nil {
		return executor.ErrorStatus("%s", err), false
	}

	workspaceDir := e.highPrivacyWorkspace(job.Workspace)
	for _, filename := range job.Inputs {
		sklog.Infof("Copying input file: %s", filename)
		src := filepath.Join(workspaceDir, filepath.FromSlash(filename))
		if _, err := os.Stat(src); err != nil {
			return executor.ErrorStatus("The file %s doesn't exist in workspace %s as requested for job %s", filename, job.Workspace, job.ID), false
		}
		if err := copyFile(src, filepath.Join(volume, filepath.FromSlash(filename))); err != nil {
			return executor.ErrorStatus("could not copy input %s for job %s: %s", filename, job.ID, err), false
		}
	}

	if err := e.writeTimestamp(ctx, job.ID, timestampReferenceFile); err != nil {
		return executor.ErrorStatus("could not mark volume prepared for job %s: %s", job.ID, err), false
	}
	return executor.JobStatus{}, true
}

// Execute implements executor.API. The container runs detached; progress is
// observed via GetStatus.
func (e *Executor) Execute(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	current, err := e.GetStatus(ctx, job)
	if err != nil {
		return executor.ErrorStatus("%s", err)
	}
	if current.State != types.ExecutorPrepared {
		return current
	}

	labels := map[string]string{
		"workspace": job.Workspace,
		"action":    job.Action,
	}
	if err := dockerRun(ctx, containerName(job.ID), e.volumeDir(job.ID), job.Image, job.Args, job.Env, job.AllowNetworkAccess, labels); err != nil {
		return executor.ErrorStatus("Failed to start docker container: %s", err)
	}
	return executor.JobStatus{State: types.ExecutorExecuting}
}

// Finalize implements executor.API. It is synchronous: on success the job is
// already FINALIZED. Cancelled jobs are finalized too, so their cancelled
// state and any logs are recorded.
func (e *Executor) Finalize(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	current, err := e.GetStatus(ctx, job)
	if err != nil {
		return executor.ErrorStatus("%s", err)
	}
	switch current.State {
	case types.ExecutorFinalized, types.ExecutorError:
		return current
	case types.ExecutorUnknown:
		if !job.Cancelled {
			// Never started, nothing to finalize.
			return current
		}
	}

	if err := e.finalizeJob(ctx, job, job.Cancelled); err != nil {
		return executor.ErrorStatus("failed to finalize job: %s", err)
	}
	status, err := e.GetStatus(ctx, job)
	if err != nil {
		return executor.ErrorStatus("%s", err)
	}
	return status
}

// Terminate implements executor.API.
func (e *Executor) Terminate(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	current, err := e.GetStatus(ctx, job)
	if err != nil {
		return executor.ErrorStatus("%s", err)
	}
	switch current.State {
	case types.ExecutorUnknown:
		// Never started; nothing to kill.
		return current
	case types.ExecutorExecuted, types.ExecutorFinalizing, types.ExecutorFinalized:
		// Already finished. Should not normally be called here but a race
		// with the container exiting makes it possible.
		return current
	case types.ExecutorPrepared:
		// No container and nothing to collect; record the cancellation
		// directly.
		if err := e.finalizeJob(ctx, job, true); err != nil {
			return executor.ErrorStatus("failed to finalize cancelled job: %s", err)
		}
		status, err := e.GetStatus(ctx, job)
		if err != nil {
			return executor.ErrorStatus("%s", err)
		}
		return status
	default:
		dockerKill(ctx, containerName(job.ID))
		return executor.JobStatus{State: types.ExecutorExecuted, Message: "Job terminated by user"}
	}
}

// Cleanup implements executor.API.
func (e *Executor) Cleanup(ctx context.Context, job *executor.JobDefinition) executor.JobStatus {
	sklog.Infof("Cleaning up container and volume for job %s", job.ID)
	dockerRemove(ctx, containerName(job.ID))
	e.deleteVolume(job.ID)
	return executor.JobStatus{State: types.ExecutorUnknown}
}

// GetStatus implements executor.API.
func (e *Executor) GetStatus(ctx context.Context, job *executor.JobDefinition) (executor.JobStatus, error) {
	name := containerName(job.ID)
	container, err := containerInspect(ctx, name)
	if err != nil {
		var timeout *timeoutError
		if errors.As(err, &timeout) {
			// A wedged daemon usually recovers; leave the job alone and try
			// again next tick.
			return executor.JobStatus{}, &executor.RetryError{Msg: timeout.Error()}
		}
		return executor.JobStatus{}, err
	}

	if md := e.readJobMetadata(job.ID); md != nil {
		return executor.JobStatus{State: types.ExecutorFinalized, TimestampNs: md.TimestampNs}, nil
	}

	if container == nil {
		if job.Cancelled {
			if e.volumeExists(job.ID) {
				// Prepared but never run; it still needs finalizing so the
				// cancellation gets recorded.
				return executor.JobStatus{State: types.ExecutorPrepared, Message: "Prepared job was cancelled"}, nil
			}
			return executor.JobStatus{State: types.ExecutorUnknown, Message: "Pending job was cancelled"}, nil
		}
		// The timestamp file is only written once preparation completed; a
		// volume without it just gets re-prepared.
		if ts := e.readTimestamp(job.ID, timestampReferenceFile); ts != 0 {
			return executor.JobStatus{State: types.ExecutorPrepared, TimestampNs: ts}, nil
		}
		return executor.JobStatus{State: types.ExecutorUnknown}, nil
	}

	if container.State.Running {
		return executor.JobStatus{State: types.ExecutorExecuting, TimestampNs: parseDockerTime(container.State.StartedAt)}, nil
	}
	return executor.JobStatus{State: types.ExecutorExecuted, TimestampNs: parseDockerTime(container.State.FinishedAt)}, nil
}

// GetResults implements executor.API.
func (e *Executor) GetResults(ctx context.Context, job *executor.JobDefinition) (*executor.JobResults, error) {
	md := e.readJobMetadata(job.ID)
	if md == nil {
		return nil, skerr.Fmt("no results recorded for job %s", job.ID)
	}
	return &executor.JobResults{
		Outputs:           md.Outputs,
		UnmatchedPatterns: md.UnmatchedPatterns,
		UnmatchedOutputs:  md.UnmatchedOutputs,
		ExitCode:          md.ExitCode,
		ImageID:           md.DockerImageID,
		Message:           md.StatusMessage,
		Hint:              md.Hint,
		TimestampNs:       md.TimestampNs,
	}, nil
}

// DeleteFiles implements executor.API.
func (e *Executor) DeleteFiles(ctx context.Context, workspace string, privacy executor.Privacy, paths []string) error {
	var root string
	switch privacy {
	case executor.PrivacyHigh:
		root = e.highPrivacyWorkspace(workspace)
	case executor.PrivacyMedium:
		root = e.mediumPrivacyWorkspace(workspace)
	default:
		return skerr.Fmt("unknown privacy level %q", privacy)
	}
	if root == "" {
		return skerr.Fmt("no %s privacy area configured", privacy)
	}
	var failed *multierror.Error
	for _, name := range paths {
		if err := os.Remove(filepath.Join(root, filepath.FromSlash(name))); err != nil && !os.IsNotExist(err) {
			sklog.Errorf("Could not delete %s from workspace %s: %s", name, workspace, err)
			failed = multierror.Append(failed, skerr.Wrapf(err, "deleting %s", name))
		}
	}
	return failed.ErrorOrNil()
}

// jobMetadata is the on-disk record of a finished job, written next to its
// logs.
type jobMetadata struct {
	JobID             string            `json:"job_id"`
	JobRequestID      string            `json:"job_request_id"`
	Commit            string            `json:"commit"`
	CreatedAt         int64             `json:"created_at"`
	CompletedAt       int64             `json:"completed_at"`
	DockerImageID     string            `json:"docker_image_id"`
	ExitCode          int               `json:"exit_code"`
	OOMKilled         bool              `json:"oom_killed"`
	StatusMessage     string            `json:"status_message"`
	Hint              string            `json:"hint,omitempty"`
	Outputs           map[string]string `json:"outputs"`
	UnmatchedPatterns []string          `json:"unmatched_patterns"`
	UnmatchedOutputs  []string          `json:"unmatched_outputs"`
	TimestampNs       int64             `json:"timestamp_ns"`
	Cancelled         bool              `json:"cancelled"`
}

// readJobMetadata returns the finished-job record, or nil if the job has not
// been finalized. The log dir embeds the month the job finished in, so look
// across all of them.
func (e *Executor) readJobMetadata(jobID string) *jobMetadata {
	pattern := filepath.Join(e.cfg.HighPrivacyStorageBase, "logs", "*", containerName(jobID), metadataFile)
	paths, err := filepath.Glob(pattern)
	if err != nil || len(paths) == 0 {
		return nil
	}
	contents, err := os.ReadFile(paths[0])
	if err != nil {
		sklog.Errorf("Error reading job metadata %s: %s", paths[0], err)
		return nil
	}
	md := &jobMetadata{}
	if err := json.Unmarshal(contents, md); err != nil {
		sklog.Errorf("Error parsing job metadata %s: %s", paths[0], err)
		return nil
	}
	return md
}

func (e *Executor) writeJobMetadata(ctx context.Context, jobID string, md *jobMetadata) error {
	path := filepath.Join(e.logDir(ctx, jobID), metadataFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return skerr.Wrap(err)
	}
	contents, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(os.WriteFile(path, contents, 0o644))
}

// finalizeJob collects the job's outcome: matches outputs, persists them to
// the workspace areas, writes logs and records the metadata file which marks
// the job FINALIZED.
func (e *Executor) finalizeJob(ctx context.Context, job *executor.JobDefinition, cancelled bool) error {
	if e.readJobMetadata(job.ID) != nil {
		return skerr.Fmt("job %s has already been finalized", job.ID)
	}

	container, err := containerInspect(ctx, containerName(job.ID))
	if err != nil {
		return err
	}

	outputs := map[string]string{}
	var unmatchedPatterns, unmatchedOutputs []string
	if !cancelled {
		outputs, unmatchedPatterns = e.findMatchingOutputs(job)
		unmatchedOutputs = e.findUnmatchedOutputs(job, outputs)
	}

	exitCode := 0
	imageID := ""
	oomKilled := false
	var message, hint string
	switch {
	case container != nil:
		exitCode = container.State.ExitCode
		imageID = container.Image
		oomKilled = container.State.OOMKilled
		switch {
		case exitCode == 0 && len(unmatchedPatterns) == 0:
			message = "Completed successfully"
		case exitCode == 0:
			message = "No outputs found matching patterns:\n - " + strings.Join(unmatchedPatterns, "\n - ")
			if len(unmatchedOutputs) > 0 {
				hint = "Did you mean to match one of these files instead?\n - " + strings.Join(unmatchedOutputs, "\n - ")
			}
		case exitCode == 137 && cancelled:
			message = "Job cancelled by user"
		// Nb. the OOMKilled flag has been observed to be unreliable on some
		// versions of Linux.
		case exitCode == 137 && container.State.OOMKilled:
			message = "Job ran out of memory"
			if container.HostConfig.Memory > 0 {
				message += fmt.Sprintf(" (limit was %.2fGB)", float64(container.HostConfig.Memory)/(1<<30))
			}
		default:
			message = dockerExitCodes[exitCode]
		}
	case cancelled:
		message = "Job cancelled by user"
	default:
		return skerr.Fmt("job %s has no container and was not cancelled", job.ID)
	}

	t := now.Now(ctx)
	md := &jobMetadata{
		JobID:             job.ID,
		JobRequestID:      job.JobRequestID,
		Commit:            job.Study.Commit,
		CreatedAt:         job.CreatedAt,
		CompletedAt:       t.Unix(),
		DockerImageID:     imageID,
		ExitCode:          exitCode,
		OOMKilled:         oomKilled,
		StatusMessage:     message,
		Hint:              hint,
		Outputs:           outputs,
		UnmatchedPatterns: unmatchedPatterns,
		UnmatchedOutputs:  unmatchedOutputs,
		TimestampNs:       t.UnixNano(),
		Cancelled:         cancelled,
	}

	if cancelled {
		if container != nil {
			// Cancelled after the container ran; keep its logs but don't
			// copy them into the workspace.
			return e.writeJobLogs(ctx, job, md, false)
		}
		return e.writeJobMetadata(ctx, job.ID, md)
	}

	if err := e.persistOutputs(ctx, job, outputs); err != nil {
		return err
	}
	return e.writeJobLogs(ctx, job, md, true)
}

// findMatchingOutputs globs the job's output patterns against the volume,
// returning filename -> privacy level plus the patterns with no matches.
func (e *Executor) findMatchingOutputs(job *executor.JobDefinition) (map[string]string, []string) {
	patterns := make([]string, 0, len(job.OutputSpec))
	for pattern := range job.OutputSpec {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	matches := e.globVolumeFiles(job.ID, patterns)
	outputs := map[string]string{}
	var unmatched []string
	for _, pattern := range patterns {
		files := matches[pattern]
		if len(files) == 0 {
			unmatched = append(unmatched, pattern)
		}
		for _, filename := range files {
			outputs[filename] = job.OutputSpec[pattern]
		}
	}
	return outputs, unmatched
}

// findUnmatchedOutputs lists files the job created which no output pattern
// matched. Users often get their patterns subtly wrong (usually the wrong
// directory) and seeing what the job did produce makes the mistake obvious.
func (e *Executor) findUnmatchedOutputs(job *executor.JobDefinition, outputs map[string]string) []string {
	var unmatched []string
	for _, filename := range e.findNewerFiles(job.ID, timestampReferenceFile) {
		if _, ok := outputs[filename]; !ok {
			unmatched = append(unmatched, filename)
		}
	}
	sort.Strings(unmatched)
	return unmatched
}

// persistOutputs copies the job's outputs out of the volume into long-term
// workspace storage; moderately_sensitive files also go to the medium-privacy
// area for review.
func (e *Executor) persistOutputs(ctx context.Context, job *executor.JobDefinition, outputs map[string]string) error {
	workspaceDir := e.highPrivacyWorkspace(job.Workspace)
	mediumDir := e.mediumPrivacyWorkspace(job.Workspace)
	volume := e.volumeDir(job.ID)

	filenames := make([]string, 0, len(outputs))
	for filename := range outputs {
		filenames = append(filenames, filename)
	}
	sort.Strings(filenames)

	for _, filename := range filenames {
		sklog.Infof("Extracting output file: %s", filename)
		src := filepath.Join(volume, filepath.FromSlash(filename))
		if err := copyFile(src, filepath.Join(workspaceDir, filepath.FromSlash(filename))); err != nil {
			return err
		}
		if outputs[filename] == "moderately_sensitive" && mediumDir != "" {
			if err := copyFile(src, filepath.Join(mediumDir, filepath.FromSlash(filename))); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeJobLogs dumps the container logs plus a summary of the job to the log
// dir and, for jobs which ran to completion, into the workspace metadata
// areas where study developers can read them.
func (e *Executor) writeJobLogs(ctx context.Context, job *executor.JobDefinition, md *jobMetadata, copyToWorkspace bool) error {
	logDir := e.logDir(ctx, job.ID)
	logFile := filepath.Join(logDir, "logs.txt")
	if err := writeContainerLogs(ctx, containerName(job.ID), logFile); err != nil {
		return err
	}
	if err := appendLogSummary(logFile, md); err != nil {
		return err
	}
	if err := e.writeJobMetadata(ctx, job.ID, md); err != nil {
		return err
	}

	if copyToWorkspace {
		workspaceLog := filepath.Join(e.highPrivacyWorkspace(job.Workspace), metadataDir, job.Action+".log")
		if err := copyFile(logFile, workspaceLog); err != nil {
			return err
		}
		sklog.Infof("Logs written to: %s", workspaceLog)
		if mediumDir := e.mediumPrivacyWorkspace(job.Workspace); mediumDir != "" {
			if err := copyFile(workspaceLog, filepath.Join(mediumDir, metadataDir, job.Action+".log")); err != nil {
				return err
			}
		}
	}
	return nil
}

// appendLogSummary appends the useful parts of the job metadata to the log
// file, so a study developer reading the log sees the outcome too.
func appendLogSummary(path string, md *jobMetadata) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		_ = f.Close()
	}()

	var b strings.Builder
	b.WriteString("\n\n")
	for _, field := range []struct {
		key   string
		value string
	}{
		{"job_id", md.JobID},
		{"job_request_id", md.JobRequestID},
		{"commit", md.Commit},
		{"docker_image_id", md.DockerImageID},
		{"exit_code", fmt.Sprintf("%d", md.ExitCode)},
		{"created_at", fmt.Sprintf("%d", md.CreatedAt)},
		{"completed_at", fmt.Sprintf("%d", md.CompletedAt)},
		{"status_message", md.StatusMessage},
		{"hint", md.Hint},
	} {
		if field.value == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", field.key, field.value)
	}
	b.WriteString("\noutputs:\n")
	if len(md.Outputs) == 0 {
		b.WriteString("  (no outputs)\n")
	} else {
		filenames := make([]string, 0, len(md.Outputs))
		for filename := range md.Outputs {
			filenames = append(filenames, filename)
		}
		sort.Strings(filenames)
		for _, filename := range filenames {
			fmt.Fprintf(&b, "  %s  - %s\n", filename, md.Outputs[filename])
		}
	}
	_, err = f.WriteString(b.String())
	return skerr.Wrap(err)
}

var _ executor.API = (*Executor)(nil)
