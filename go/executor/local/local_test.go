package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.opensafely.org/jobrunner/go/config"
	"go.opensafely.org/jobrunner/go/exec"
	"go.opensafely.org/jobrunner/go/executor"
	"go.opensafely.org/jobrunner/go/git/gitfake"
	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/types"
)

const (
	repoURL   = "https://github.com/opensafely/some-study"
	commit    = "abc123"
	image     = "ghcr.io/opensafely-core/python:latest"
	startedAt = "2023-11-14T22:13:21.123456789Z"
)

// dockerFake intercepts docker CLI invocations and keeps an in-memory model
// of the containers.
type dockerFake struct {
	mtx        sync.Mutex
	commands   []string
	images     map[string]bool
	containers map[string]*containerInfo
	logs       map[string]string
	// inspectErr makes container inspect fail as if the daemon hung.
	inspectErr error
}

func newDockerFake() *dockerFake {
	return &dockerFake{
		images:     map[string]bool{image: true},
		containers: map[string]*containerInfo{},
		logs:       map[string]string{},
	}
}

func (d *dockerFake) run(ctx context.Context, c *exec.Command) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.commands = append(d.commands, exec.DebugString(c))
	if c.Name != "docker" {
		return fmt.Errorf("unexpected command: %s", exec.DebugString(c))
	}
	args := c.Args
	switch {
	case args[0] == "image" && args[1] == "inspect":
		if !d.images[args[len(args)-1]] {
			fmt.Fprintf(c.Stdout, "Error: No such image: %s", args[len(args)-1])
			return errors.New("exit status 1")
		}
		fmt.Fprint(c.Stdout, "sha256:fakeimage")
		return nil
	case args[0] == "container" && args[1] == "inspect":
		if d.inspectErr != nil {
			return d.inspectErr
		}
		name := args[len(args)-1]
		info, ok := d.containers[name]
		if !ok {
			fmt.Fprintf(c.Stdout, "Error: No such container: %s", name)
			return errors.New("exit status 1")
		}
		return json.NewEncoder(c.Stdout).Encode(info)
	case args[0] == "run":
		name := argAfter(args, "--name")
		info := &containerInfo{Image: "sha256:fakeimage"}
		info.State.Running = true
		info.State.StartedAt = startedAt
		d.containers[name] = info
		return nil
	case args[0] == "kill":
		if info, ok := d.containers[args[len(args)-1]]; ok {
			info.State.Running = false
			info.State.ExitCode = 137
			info.State.FinishedAt = "2023-11-14T22:30:00Z"
		}
		return nil
	case args[0] == "rm":
		delete(d.containers, args[len(args)-1])
		return nil
	case args[0] == "logs":
		fmt.Fprint(c.Stdout, d.logs[args[len(args)-1]])
		return nil
	}
	return fmt.Errorf("unexpected docker command: %s", exec.DebugString(c))
}

// finish marks the container as exited with the given code.
func (d *dockerFake) finish(name string, exitCode int) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	info := d.containers[name]
	info.State.Running = false
	info.State.ExitCode = exitCode
	info.State.FinishedAt = "2023-11-14T22:30:00Z"
}

func (d *dockerFake) ran(t *testing.T, fragment string) string {
	t.Helper()
	d.mtx.Lock()
	defer d.mtx.Unlock()
	for _, cmd := range d.commands {
		if strings.Contains(cmd, fragment) {
			return cmd
		}
	}
	t.Fatalf("no docker command matching %q in %v", fragment, d.commands)
	return ""
}

func argAfter(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

type fixture struct {
	ctx    context.Context
	ttc    *now.TimeTravelCtx
	cfg    *config.Config
	docker *dockerFake
	api    *Executor
	job    *executor.JobDefinition
}

func setup(t *testing.T) *fixture {
	ttc := now.TimeTravelingContext(time.Unix(1700000000, 0))
	docker := newDockerFake()
	cfg := &config.Config{
		Backend:                  "test",
		HighPrivacyStorageBase:   t.TempDir(),
		MediumPrivacyStorageBase: t.TempDir(),
	}
	gf := &gitfake.Client{}
	gf.AddFile(repoURL, commit, "analysis/generate.py", []byte("print('hello')\n"))

	require.NoError(t, os.MkdirAll(filepath.Join(cfg.HighPrivacyStorageBase, "workspaces", "some-workspace"), 0o755))

	return &fixture{
		ctx:    exec.NewContext(ttc, docker.run),
		ttc:    ttc,
		cfg:    cfg,
		docker: docker,
		api:    New(cfg, gf),
		job: &executor.JobDefinition{
			ID:           "abcd1234efgh5678",
			JobRequestID: "req-1",
			Study:        executor.Study{GitRepoURL: repoURL, Commit: commit},
			Workspace:    "some-workspace",
			Action:       "generate",
			CreatedAt:    1700000000,
			Image:        image,
			Args:         []string{"python", "analysis/generate.py"},
			Env:          map[string]string{"OPENSAFELY_BACKEND": "test"},
			OutputSpec:   map[string]string{"output/data.csv": "moderately_sensitive"},
		},
	}
}

// writeOutput creates a file in the job volume with an mtime safely after the
// prepared-timestamp reference file.
func (f *fixture) writeOutput(t *testing.T, name, contents string) {
	t.Helper()
	path := filepath.Join(f.api.volumeDir(f.job.ID), filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
}

func (f *fixture) prepare(t *testing.T) {
	t.Helper()
	status := f.api.Prepare(f.ctx, f.job)
	require.Equal(t, types.ExecutorPrepared, status.State, status.Message)
}

func (f *fixture) execute(t *testing.T) {
	t.Helper()
	status := f.api.Execute(f.ctx, f.job)
	require.Equal(t, types.ExecutorExecuting, status.State, status.Message)
}

func TestPrepare_PopulatesVolume(t *testing.T) {
	f := setup(t)
	inputPath := filepath.Join(f.cfg.HighPrivacyStorageBase, "workspaces", "some-workspace", "output", "input.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(inputPath), 0o755))
	require.NoError(t, os.WriteFile(inputPath, []byte("patient_id\n1\n"), 0o644))
	f.job.Inputs = []string{"output/input.csv"}

	f.prepare(t)

	volume := f.api.volumeDir(f.job.ID)
	code, err := os.ReadFile(filepath.Join(volume, "analysis", "generate.py"))
	require.NoError(t, err)
	require.Equal(t, "print('hello')\n", string(code))
	input, err := os.ReadFile(filepath.Join(volume, "output", "input.csv"))
	require.NoError(t, err)
	require.Equal(t, "patient_id\n1\n", string(input))

	// The reference timestamp marks preparation complete; GetStatus reports
	// it even with no container.
	status, err := f.api.GetStatus(f.ctx, f.job)
	require.NoError(t, err)
	require.Equal(t, types.ExecutorPrepared, status.State)
	require.Equal(t, time.Unix(1700000000, 0).UnixNano(), status.TimestampNs)
}

func TestPrepare_Idempotent(t *testing.T) {
	f := setup(t)
	f.prepare(t)
	f.prepare(t)
}

func TestPrepare_MissingImage(t *testing.T) {
	f := setup(t)
	f.job.Image = "ghcr.io/opensafely-core/nonexistent:latest"

	status := f.api.Prepare(f.ctx, f.job)
	require.Equal(t, types.ExecutorError, status.State)
	require.Equal(t, "Docker image ghcr.io/opensafely-core/nonexistent:latest is not currently available", status.Message)
}

func TestPrepare_MissingInput(t *testing.T) {
	f := setup(t)
	f.job.Inputs = []string{"output/missing.csv"}

	status := f.api.Prepare(f.ctx, f.job)
	require.Equal(t, types.ExecutorError, status.State)
	require.Equal(t, "The file output/missing.csv doesn't exist in workspace some-workspace as requested for job abcd1234efgh5678", status.Message)
}

func TestPrepare_ArchivedWorkspace(t *testing.T) {
	f := setup(t)
	f.job.Workspace = "old-workspace"
	archive := filepath.Join(f.cfg.HighPrivacyStorageBase, "archives", "old-workspace.tar.gz")
	require.NoError(t, os.MkdirAll(filepath.Dir(archive), 0o755))
	require.NoError(t, os.WriteFile(archive, []byte("tarball"), 0o644))

	status := f.api.Prepare(f.ctx, f.job)
	require.Equal(t, types.ExecutorError, status.State)
	require.Equal(t, "Workspace old-workspace has been archived. Contact the OpenSAFELY tech team to resolve", status.Message)
}

func TestExecute_StartsContainer(t *testing.T) {
	f := setup(t)
	f.prepare(t)
	f.execute(t)

	cmd := f.docker.ran(t, "run --detach")
	require.Contains(t, cmd, "--name os-job-abcd1234efgh5678")
	require.Contains(t, cmd, f.api.volumeDir(f.job.ID)+":/workspace")
	require.Contains(t, cmd, "--network none")
	require.Contains(t, cmd, "--env OPENSAFELY_BACKEND=test")
	require.Contains(t, cmd, image+" python analysis/generate.py")

	status, err := f.api.GetStatus(f.ctx, f.job)
	require.NoError(t, err)
	require.Equal(t, types.ExecutorExecuting, status.State)
	require.Equal(t, parseDockerTime(startedAt), status.TimestampNs)
}

func TestExecute_NetworkAccess(t *testing.T) {
	f := setup(t)
	f.job.AllowNetworkAccess = true
	f.job.Env["DATABASE_URL"] = "mssql://db"
	f.prepare(t)
	f.execute(t)

	cmd := f.docker.ran(t, "run --detach")
	require.NotContains(t, cmd, "--network none")
	require.Contains(t, cmd, "--env DATABASE_URL=mssql://db")
}

func TestExecute_RequiresPrepared(t *testing.T) {
	f := setup(t)
	status := f.api.Execute(f.ctx, f.job)
	require.Equal(t, types.ExecutorUnknown, status.State)
}

func TestFinalize_Success(t *testing.T) {
	f := setup(t)
	f.prepare(t)
	f.execute(t)
	f.writeOutput(t, "output/data.csv", "a,b\n1,2\n")
	name := containerName(f.job.ID)
	f.docker.finish(name, 0)
	f.docker.logs[name] = "2023-11-14T22:13:22Z doing work\n"

	status := f.api.Finalize(f.ctx, f.job)
	require.Equal(t, types.ExecutorFinalized, status.State, status.Message)

	results, err := f.api.GetResults(f.ctx, f.job)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"output/data.csv": "moderately_sensitive"}, results.Outputs)
	require.Empty(t, results.UnmatchedPatterns)
	require.Equal(t, 0, results.ExitCode)
	require.Equal(t, "sha256:fakeimage", results.ImageID)
	require.Equal(t, "Completed successfully", results.Message)

	// Outputs are persisted to both privacy areas.
	for _, base := range []string{f.cfg.HighPrivacyStorageBase, f.cfg.MediumPrivacyStorageBase} {
		contents, err := os.ReadFile(filepath.Join(base, "workspaces", "some-workspace", "output", "data.csv"))
		require.NoError(t, err)
		require.Equal(t, "a,b\n1,2\n", string(contents))
	}

	// The log file carries the container output plus a summary, and is
	// copied into the workspace metadata dirs.
	logContents, err := os.ReadFile(filepath.Join(f.api.logDir(f.ctx, f.job.ID), "logs.txt"))
	require.NoError(t, err)
	require.Contains(t, string(logContents), "doing work")
	require.Contains(t, string(logContents), "status_message: Completed successfully")
	require.Contains(t, string(logContents), "output/data.csv  - moderately_sensitive")
	for _, base := range []string{f.cfg.HighPrivacyStorageBase, f.cfg.MediumPrivacyStorageBase} {
		_, err := os.Stat(filepath.Join(base, "workspaces", "some-workspace", "metadata", "generate.log"))
		require.NoError(t, err)
	}

	status, err = f.api.GetStatus(f.ctx, f.job)
	require.NoError(t, err)
	require.Equal(t, types.ExecutorFinalized, status.State)
}

func TestFinalize_UnmatchedPatterns(t *testing.T) {
	f := setup(t)
	f.prepare(t)
	f.execute(t)
	f.writeOutput(t, "out/data.csv", "a,b\n")
	f.docker.finish(containerName(f.job.ID), 0)

	status := f.api.Finalize(f.ctx, f.job)
	require.Equal(t, types.ExecutorFinalized, status.State, status.Message)

	results, err := f.api.GetResults(f.ctx, f.job)
	require.NoError(t, err)
	require.Equal(t, []string{"output/data.csv"}, results.UnmatchedPatterns)
	require.Equal(t, []string{"out/data.csv"}, results.UnmatchedOutputs)
	require.Contains(t, results.Message, "No outputs found matching patterns")
	require.Equal(t, "Did you mean to match one of these files instead?\n - out/data.csv", results.Hint)
}

func TestFinalize_OutOfMemory(t *testing.T) {
	f := setup(t)
	f.prepare(t)
	f.execute(t)
	name := containerName(f.job.ID)
	f.docker.finish(name, 137)
	f.docker.mtx.Lock()
	f.docker.containers[name].State.OOMKilled = true
	f.docker.containers[name].HostConfig.Memory = 2 << 30
	f.docker.mtx.Unlock()

	status := f.api.Finalize(f.ctx, f.job)
	require.Equal(t, types.ExecutorFinalized, status.State, status.Message)

	results, err := f.api.GetResults(f.ctx, f.job)
	require.NoError(t, err)
	require.Equal(t, 137, results.ExitCode)
	require.Equal(t, "Job ran out of memory (limit was 2.00GB)", results.Message)
}

func TestTerminate_ExecutingJob(t *testing.T) {
	f := setup(t)
	f.prepare(t)
	f.execute(t)
	f.job.Cancelled = true

	status := f.api.Terminate(f.ctx, f.job)
	require.Equal(t, types.ExecutorExecuted, status.State)
	require.Equal(t, "Job terminated by user", status.Message)
	f.docker.ran(t, "kill os-job-")

	// Finalizing the terminated job records the cancellation.
	status = f.api.Finalize(f.ctx, f.job)
	require.Equal(t, types.ExecutorFinalized, status.State, status.Message)
	results, err := f.api.GetResults(f.ctx, f.job)
	require.NoError(t, err)
	require.Equal(t, "Job cancelled by user", results.Message)
	require.Empty(t, results.Outputs)
}

func TestTerminate_PreparedJob(t *testing.T) {
	f := setup(t)
	f.prepare(t)
	f.job.Cancelled = true

	// No container to collect anything from: terminate records the
	// cancellation and goes straight to FINALIZED.
	status := f.api.Terminate(f.ctx, f.job)
	require.Equal(t, types.ExecutorFinalized, status.State, status.Message)

	results, err := f.api.GetResults(f.ctx, f.job)
	require.NoError(t, err)
	require.Equal(t, "Job cancelled by user", results.Message)
}

func TestTerminate_PendingJob(t *testing.T) {
	f := setup(t)
	f.job.Cancelled = true
	status := f.api.Terminate(f.ctx, f.job)
	require.Equal(t, types.ExecutorUnknown, status.State)
}

func TestGetStatus_CancelledPreparedJob(t *testing.T) {
	f := setup(t)
	f.prepare(t)
	f.job.Cancelled = true

	status, err := f.api.GetStatus(f.ctx, f.job)
	require.NoError(t, err)
	require.Equal(t, types.ExecutorPrepared, status.State)
	require.Equal(t, "Prepared job was cancelled", status.Message)
}

func TestGetStatus_DockerTimeout(t *testing.T) {
	f := setup(t)
	f.docker.inspectErr = errors.New("daemon wedged")

	_, err := f.api.GetStatus(f.ctx, f.job)
	var retry *executor.RetryError
	require.ErrorAs(t, err, &retry)
}

func TestCleanup(t *testing.T) {
	f := setup(t)
	f.prepare(t)
	f.execute(t)

	status := f.api.Cleanup(f.ctx, f.job)
	require.Equal(t, types.ExecutorUnknown, status.State)
	f.docker.ran(t, "rm --force")
	_, err := os.Stat(f.api.volumeDir(f.job.ID))
	require.True(t, os.IsNotExist(err))
}

func TestDeleteFiles(t *testing.T) {
	f := setup(t)
	path := filepath.Join(f.cfg.MediumPrivacyStorageBase, "workspaces", "some-workspace", "output", "data.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o644))

	// Deleting a present and an absent file together succeeds; absence is
	// not an error.
	err := f.api.DeleteFiles(f.ctx, "some-workspace", executor.PrivacyMedium, []string{"output/data.csv", "output/missing.csv"})
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestSynchronousTransitions(t *testing.T) {
	f := setup(t)
	require.Equal(t, []types.ExecutorState{types.ExecutorPreparing, types.ExecutorFinalizing}, f.api.SynchronousTransitions())
}
