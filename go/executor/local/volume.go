package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.opensafely.org/jobrunner/go/now"
	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
)

// timestampReferenceFile marks a volume as fully prepared. Its mtime is also
// the baseline for spotting files the job created which matched no output
// pattern.
const timestampReferenceFile = ".opensafely-timestamp"

// volumeDir is the per-job directory bind-mounted into the container at
// /workspace.
func (e *Executor) volumeDir(jobID string) string {
	return filepath.Join(e.cfg.HighPrivacyStorageBase, "volumes", jobID)
}

func (e *Executor) volumeExists(jobID string) bool {
	_, err := os.Stat(e.volumeDir(jobID))
	return err == nil
}

func (e *Executor) createVolume(jobID string) error {
	// The dir may survive a previous half-finished prepare (e.g. a retried
	// job); the files just get re-copied.
	return skerr.Wrap(os.MkdirAll(e.volumeDir(jobID), 0o755))
}

func (e *Executor) deleteVolume(jobID string) {
	if err := os.RemoveAll(e.volumeDir(jobID)); err != nil {
		sklog.Errorf("Failed to clean up job volume %s: %s", e.volumeDir(jobID), err)
	}
}

// writeTimestamp writes the current time in nanoseconds to the named file in
// the volume.
func (e *Executor) writeTimestamp(ctx context.Context, jobID, name string) error {
	ts := strconv.FormatInt(now.Now(ctx).UnixNano(), 10)
	return skerr.Wrap(os.WriteFile(filepath.Join(e.volumeDir(jobID), name), []byte(ts), 0o644))
}

// readTimestamp returns the nanosecond timestamp recorded in the named volume
// file, or 0 if the file does not exist. An empty file falls back to the
// file's own mtime.
func (e *Executor) readTimestamp(jobID, name string) int64 {
	path := filepath.Join(e.volumeDir(jobID), name)
	contents, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	if ts, err := strconv.ParseInt(strings.TrimSpace(string(contents)), 10, 64); err == nil {
		return ts
	}
	if info, err := os.Stat(path); err == nil {
		return info.ModTime().UnixNano()
	}
	return 0
}

// globVolumeFiles matches the job's output patterns against the volume,
// returning relative paths per pattern.
func (e *Executor) globVolumeFiles(jobID string, patterns []string) map[string][]string {
	volume := e.volumeDir(jobID)
	found := map[string][]string{}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(volume, filepath.FromSlash(pattern)))
		if err != nil {
			sklog.Errorf("Bad output pattern %q: %s", pattern, err)
			continue
		}
		var files []string
		for _, match := range matches {
			if info, err := os.Stat(match); err == nil && info.Mode().IsRegular() {
				rel, err := filepath.Rel(volume, match)
				if err != nil {
					continue
				}
				files = append(files, filepath.ToSlash(rel))
			}
		}
		found[pattern] = files
	}
	return found
}

// findNewerFiles returns volume files modified after the reference file,
// which is everything the job itself created.
func (e *Executor) findNewerFiles(jobID, reference string) []string {
	volume := e.volumeDir(jobID)
	refInfo, err := os.Stat(filepath.Join(volume, reference))
	if err != nil {
		return nil
	}
	var found []string
	_ = filepath.Walk(volume, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() && info.ModTime().After(refInfo.ModTime()) {
			if rel, err := filepath.Rel(volume, path); err == nil && rel != reference {
				found = append(found, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	return found
}

// copyFile copies src to dst, creating parent directories. The copy goes via
// a temp file and rename so readers never see a half-written file.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return skerr.Wrap(err)
	}
	in, err := os.Open(src)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer func() {
		_ = in.Close()
	}()
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return skerr.Wrap(err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return skerr.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return skerr.Wrap(err)
	}
	return skerr.Wrap(os.Rename(tmp.Name(), dst))
}
