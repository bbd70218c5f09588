// Package gitfake provides an in-memory git.Client for tests.
package gitfake

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.opensafely.org/jobrunner/go/git"
)

// Client implements git.Client against in-memory fixtures. Zero value is
// usable; not safe for concurrent mutation.
type Client struct {
	mtx sync.Mutex
	// repos maps repoURL -> commit -> path -> file contents.
	repos map[string]map[string]map[string][]byte
	// refs maps repoURL -> ref -> commit.
	refs map[string]map[string]string
	// reachable maps repoURL -> ref -> set of commits reachable from it.
	reachable map[string]map[string]map[string]bool
}

// AddFile registers a file at the given repo/commit/path and makes the commit
// known.
func (c *Client) AddFile(repoURL, commit, path string, contents []byte) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.repos == nil {
		c.repos = map[string]map[string]map[string][]byte{}
	}
	if c.repos[repoURL] == nil {
		c.repos[repoURL] = map[string]map[string][]byte{}
	}
	if c.repos[repoURL][commit] == nil {
		c.repos[repoURL][commit] = map[string][]byte{}
	}
	c.repos[repoURL][commit][path] = contents
}

// SetRef points a ref at a commit and marks the commit reachable from it.
func (c *Client) SetRef(repoURL, ref, commit string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.refs == nil {
		c.refs = map[string]map[string]string{}
	}
	if c.refs[repoURL] == nil {
		c.refs[repoURL] = map[string]string{}
	}
	c.refs[repoURL][ref] = commit
	c.markReachable(repoURL, ref, commit)
}

// MarkReachable records that commit is an ancestor of ref's head without
// moving the ref.
func (c *Client) MarkReachable(repoURL, ref, commit string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.markReachable(repoURL, ref, commit)
}

func (c *Client) markReachable(repoURL, ref, commit string) {
	if c.reachable == nil {
		c.reachable = map[string]map[string]map[string]bool{}
	}
	if c.reachable[repoURL] == nil {
		c.reachable[repoURL] = map[string]map[string]bool{}
	}
	if c.reachable[repoURL][ref] == nil {
		c.reachable[repoURL][ref] = map[string]bool{}
	}
	c.reachable[repoURL][ref][commit] = true
}

// ResolveRef implements git.Client.
func (c *Client) ResolveRef(ctx context.Context, repoURL, ref string) (string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	refs, ok := c.refs[repoURL]
	if !ok && c.repos[repoURL] == nil {
		return "", &git.RepoNotReachableError{RepoURL: repoURL}
	}
	if sha, ok := refs[ref]; ok {
		return sha, nil
	}
	return "", &git.UnknownRefError{RepoURL: repoURL, Ref: ref}
}

// ReadFile implements git.Client.
func (c *Client) ReadFile(ctx context.Context, repoURL, commit, path string) ([]byte, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	repo, ok := c.repos[repoURL]
	if !ok {
		return nil, &git.RepoNotReachableError{RepoURL: repoURL}
	}
	files, ok := repo[commit]
	if !ok {
		return nil, &git.Error{Msg: "Error reading from " + repoURL + " @ " + commit}
	}
	contents, ok := files[path]
	if !ok {
		return nil, &git.FileNotFoundError{Path: path}
	}
	return contents, nil
}

// CommitReachableFromRef implements git.Client.
func (c *Client) CommitReachableFromRef(ctx context.Context, repoURL, commit, ref string) (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.refs[repoURL] == nil && c.repos[repoURL] == nil {
		return false, &git.RepoNotReachableError{RepoURL: repoURL}
	}
	if _, ok := c.refs[repoURL][ref]; !ok {
		return false, &git.UnknownRefError{RepoURL: repoURL, Ref: ref}
	}
	return c.reachable[repoURL][ref][commit], nil
}

// CheckoutCommit implements git.Client by writing the commit's files to disk.
func (c *Client) CheckoutCommit(ctx context.Context, repoURL, commit, targetDir string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	repo, ok := c.repos[repoURL]
	if !ok {
		return &git.RepoNotReachableError{RepoURL: repoURL}
	}
	files, ok := repo[commit]
	if !ok {
		return &git.Error{Msg: "Could not checkout commit " + commit + " from " + repoURL}
	}
	for path, contents := range files {
		dst := filepath.Join(targetDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, contents, 0o644); err != nil {
			return err
		}
	}
	return nil
}

var _ git.Client = (*Client)(nil)
