package git

import (
	"context"
	"net/url"
	"strings"
)

// Error is the generic git failure: non-fatal to the controller, fatal to the
// JobRequest being processed.
type Error struct {
	Msg string
}

func (e *Error) Error() string      { return e.Msg }
func (e *Error) Kind() string       { return "GitError" }
func (e *Error) SafeToReport() bool { return true }

// RepoNotReachableError indicates we could not read from the remote repo at
// all.
type RepoNotReachableError struct {
	RepoURL string
}

func (e *RepoNotReachableError) Error() string      { return "Could not read from " + e.RepoURL }
func (e *RepoNotReachableError) Kind() string       { return "GitError" }
func (e *RepoNotReachableError) SafeToReport() bool { return true }

// UnknownRefError indicates the remote repo exists but does not contain the
// requested ref.
type UnknownRefError struct {
	RepoURL string
	Ref     string
}

func (e *UnknownRefError) Error() string {
	return "Could not find ref '" + e.Ref + "' in " + e.RepoURL
}
func (e *UnknownRefError) Kind() string       { return "GitError" }
func (e *UnknownRefError) SafeToReport() bool { return true }

// FileNotFoundError indicates the commit exists but the file does not.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return "File '" + e.Path + "' not found in repository"
}
func (e *FileNotFoundError) Kind() string       { return "GitError" }
func (e *FileNotFoundError) SafeToReport() bool { return true }

// ValidationError indicates a repo URL or branch/commit combination which
// fails our GitHub provenance rules.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string      { return e.Msg }
func (e *ValidationError) Kind() string       { return "GithubValidationError" }
func (e *ValidationError) SafeToReport() bool { return true }

// ValidateRepoURL checks that the URL names a repository directly under one
// of the allowed GitHub organisations.
func ValidateRepoURL(repoURL string, allowedOrgs []string) error {
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" || u.Host != "github.com" {
		return &ValidationError{Msg: "Repository URLs must start https://github.com"}
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	allowed := false
	for _, org := range allowedOrgs {
		if len(parts) > 0 && parts[0] == org {
			allowed = true
			break
		}
	}
	if !allowed {
		return &ValidationError{
			Msg: "Repositories must belong to one of the following Github organisations: " + strings.Join(allowedOrgs, " "),
		}
	}
	if len(parts) != 2 || strings.TrimSuffix(repoURL, "/") != "https://github.com/"+parts[0]+"/"+parts[1] {
		return &ValidationError{
			Msg: "Repository URL was not of the expected format: https://github.com/[organisation]/[project-name]",
		}
	}
	return nil
}

// ValidateBranchAndCommit checks that the commit has actually been made by
// someone with write access to the repository. Anyone who can open a pull
// request can make an arbitrary commit *appear* in a repo, so we require the
// commit to be reachable from a plain branch.
func ValidateBranchAndCommit(ctx context.Context, client Client, repoURL, commit, branch string) error {
	if branch == "" {
		return &ValidationError{Msg: "A branch name must be supplied"}
	}
	// Each PR gets a ref of the form pull/N/head within the repo, so the
	// branch name must be plain with no slashes.
	if strings.Contains(branch, "/") {
		return &ValidationError{Msg: "Branch name must not contain slashes: " + branch}
	}
	ok, err := client.CommitReachableFromRef(ctx, repoURL, commit, branch)
	if err != nil {
		return err
	}
	if !ok {
		return &ValidationError{Msg: "Could not find commit on branch '" + branch + "': " + commit}
	}
	return nil
}
