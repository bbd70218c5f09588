package local

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opensafely.org/jobrunner/go/exec"
	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
)

// Label applied to every container we start, so stray containers can be found
// and removed by hand.
const dockerLabel = "jobrunner-local"

const inspectTimeout = 15 * time.Second

// containerInfo is the subset of `docker container inspect` output we use.
type containerInfo struct {
	Image string `json:"Image"`
	State struct {
		Running    bool   `json:"Running"`
		ExitCode   int    `json:"ExitCode"`
		OOMKilled  bool   `json:"OOMKilled"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	HostConfig struct {
		Memory int64 `json:"Memory"`
	} `json:"HostConfig"`
}

// timeoutError marks a docker invocation which did not complete in time.
// Interacting further with the daemon while it is wedged tends to make things
// worse, so callers surface this as a retry rather than an error.
type timeoutError struct {
	msg string
}

func (e *timeoutError) Error() string {
	return e.msg
}

// imageExists reports whether the image is available locally. We never pull
// images ourselves; that is managed out of band.
func imageExists(ctx context.Context, image string) bool {
	_, err := exec.RunCommand(ctx, &exec.Command{
		Name:    "docker",
		Args:    []string{"image", "inspect", "--format", "{{.Id}}", image},
		Timeout: inspectTimeout,
	})
	return err == nil
}

// containerInspect returns the container's metadata, or nil if no container
// with that name exists. A daemon that fails to answer within the timeout
// yields a *timeoutError.
func containerInspect(ctx context.Context, name string) (*containerInfo, error) {
	buf := &bytes.Buffer{}
	err := exec.Run(ctx, &exec.Command{
		Name:    "docker",
		Args:    []string{"container", "inspect", "--format", "{{json .}}", name},
		Stdout:  buf,
		Stderr:  buf,
		Timeout: inspectTimeout,
	})
	if err != nil {
		out := buf.String()
		if strings.Contains(out, "No such container") || strings.Contains(out, "no such container") {
			return nil, nil
		}
		// A -1 exit code means the process never completed, i.e. it was
		// killed when the timeout expired.
		if exec.ExitCode(err) == -1 {
			return nil, &timeoutError{msg: "docker timed out inspecting container " + name}
		}
		return nil, skerr.Wrapf(err, "inspecting container %s: %s", name, out)
	}
	info := &containerInfo{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), info); err != nil {
		return nil, skerr.Wrapf(err, "parsing docker inspect output for %s", name)
	}
	return info, nil
}

// dockerRun starts a detached container with the volume dir bind-mounted at
// /workspace.
func dockerRun(ctx context.Context, name, volumeDir, image string, args []string, env map[string]string, allowNetworkAccess bool, labels map[string]string) error {
	cmdArgs := []string{
		"run", "--detach",
		"--name", name,
		"--volume", volumeDir + ":/workspace",
		"--workdir", "/workspace",
		"--label", dockerLabel,
		// Home needs to be somewhere writable by a non-root user.
		"--env", "HOME=/tmp",
	}
	for _, k := range sortedKeys(labels) {
		cmdArgs = append(cmdArgs, "--label", k+"="+labels[k])
	}
	if !allowNetworkAccess {
		cmdArgs = append(cmdArgs, "--network", "none")
	}
	for _, k := range sortedKeys(env) {
		cmdArgs = append(cmdArgs, "--env", k+"="+env[k])
	}
	cmdArgs = append(cmdArgs, image)
	cmdArgs = append(cmdArgs, args...)
	_, err := exec.RunCommand(ctx, &exec.Command{
		Name: "docker",
		Args: cmdArgs,
	})
	return skerr.Wrap(err)
}

// dockerKill sends SIGKILL to the container; a missing container is not an
// error.
func dockerKill(ctx context.Context, name string) {
	if out, err := exec.RunCommand(ctx, &exec.Command{
		Name: "docker",
		Args: []string{"kill", name},
	}); err != nil && !strings.Contains(out, "No such container") && !strings.Contains(out, "no such container") {
		sklog.Errorf("Error killing container %s: %s", name, err)
	}
}

// dockerRemove force-removes the container and any anonymous volumes.
func dockerRemove(ctx context.Context, name string) {
	if out, err := exec.RunCommand(ctx, &exec.Command{
		Name: "docker",
		Args: []string{"rm", "--force", "--volumes", name},
	}); err != nil && !strings.Contains(out, "No such container") && !strings.Contains(out, "no such container") {
		sklog.Errorf("Error removing container %s: %s", name, err)
	}
}

// writeContainerLogs dumps the container's timestamped logs to the given file.
func writeContainerLogs(ctx context.Context, name, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return skerr.Wrap(err)
	}
	f, err := os.Create(path)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			sklog.Errorf("Error closing log file %s: %s", path, err)
		}
	}()
	if err := exec.Run(ctx, &exec.Command{
		Name:   "docker",
		Args:   []string{"logs", "--timestamps", name},
		Stdout: f,
		Stderr: f,
	}); err != nil {
		// A missing container (job cancelled before start) just means there
		// are no logs to collect.
		sklog.Warningf("Error collecting logs for container %s: %s", name, err)
	}
	return nil
}

// parseDockerTime parses docker's RFC3339Nano timestamps into nanoseconds.
// Docker reports the zero time for containers which never started.
func parseDockerTime(s string) int64 {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
