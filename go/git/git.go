// Package git provides read-only access to remote git repositories: resolving
// refs to commit SHAs, reading single files at a given commit, and checking
// whether a commit has been merged to a branch. Commits are cached in local
// bare repositories so repeated reads don't hit the network.
package git

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.opensafely.org/jobrunner/go/exec"
	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
)

// Client is the interface used by the resolver and the expander. Implemented
// by CLI (shells out to git) and by gitfake.Client in tests.
type Client interface {
	// ResolveRef turns a ref (branch name, tag) on a remote repo into a
	// commit SHA.
	ResolveRef(ctx context.Context, repoURL, ref string) (string, error)
	// ReadFile returns the contents of the file at path in repoURL as of
	// commit.
	ReadFile(ctx context.Context, repoURL, commit, path string) ([]byte, error)
	// CommitReachableFromRef checks whether commit is an ancestor of (or
	// equal to) the head of ref.
	CommitReachableFromRef(ctx context.Context, repoURL, commit, ref string) (bool, error)
	// CheckoutCommit materializes the tree at commit into targetDir.
	CheckoutCommit(ctx context.Context, repoURL, commit, targetDir string) error
}

// CLI implements Client by shelling out to the git binary.
type CLI struct {
	// ReposDir is where local bare caches live, one per repo name. The
	// directories are just buckets of commits; name collisions between orgs
	// are harmless.
	ReposDir string
	// Token, if set, is supplied as the username when fetching over https
	// from github.com. It is never sent anywhere else.
	Token string
}

// ResolveRef implements Client.
func (c *CLI) ResolveRef(ctx context.Context, repoURL, ref string) (string, error) {
	out, err := exec.RunCommand(ctx, &exec.Command{
		Name: "git",
		Args: []string{"ls-remote", "--quiet", "--exit-code", c.authURL(repoURL), ref},
	})
	if err != nil {
		sklog.Errorf("Error resolving %q from %s: %s", ref, repoURL, err)
		return "", &RepoNotReachableError{RepoURL: repoURL}
	}
	results := parseLsRemote(out)
	if len(results) == 1 {
		for _, sha := range results {
			return sha, nil
		}
	}
	// More than one match happens with local repos which carry references to
	// both the local and the remote branch; prefer the exact or local one.
	for _, target := range []string{ref, "refs/heads/" + ref, "refs/tags/" + ref} {
		if sha, ok := results[target]; ok {
			return sha, nil
		}
	}
	return "", &UnknownRefError{RepoURL: repoURL, Ref: ref}
}

func parseLsRemote(out string) map[string]string {
	rv := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			rv[fields[1]] = fields[0]
		}
	}
	return rv
}

// ReadFile implements Client.
func (c *CLI) ReadFile(ctx context.Context, repoURL, commit, filePath string) ([]byte, error) {
	repoDir, err := c.ensureCommitFetched(ctx, repoURL, commit)
	if err != nil {
		return nil, err
	}
	out, err := exec.RunCommand(ctx, &exec.Command{
		Name: "git",
		Args: []string{"show", commit + ":" + filePath},
		Dir:  repoDir,
	})
	if err != nil {
		if strings.Contains(out, "does not exist") || strings.Contains(out, "exists on disk, but not in") {
			return nil, &FileNotFoundError{Path: filePath}
		}
		sklog.Errorf("Error reading from %s @ %s: %s", repoURL, commit, err)
		return nil, &Error{Msg: "Error reading from " + repoURL + " @ " + commit}
	}
	return []byte(out), nil
}

// CheckoutCommit implements Client. The bare cache acts as the git dir and
// targetDir as the work tree, so no clone is needed.
func (c *CLI) CheckoutCommit(ctx context.Context, repoURL, commit, targetDir string) error {
	repoDir, err := c.ensureCommitFetched(ctx, repoURL, commit)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return skerr.Wrap(err)
	}
	if out, err := exec.RunCommand(ctx, &exec.Command{
		Name: "git",
		Args: []string{"--git-dir=" + repoDir, "--work-tree=" + targetDir, "checkout", "--quiet", "--force", commit, "--", "."},
	}); err != nil {
		sklog.Errorf("Error checking out %s from %s: %s", commit, repoURL, out)
		return &Error{Msg: "Could not checkout commit " + commit + " from " + repoURL}
	}
	return nil
}

// CommitReachableFromRef implements Client.
func (c *CLI) CommitReachableFromRef(ctx context.Context, repoURL, commit, ref string) (bool, error) {
	refSha, err := c.ResolveRef(ctx, repoURL, ref)
	if err != nil {
		return false, err
	}
	// The common case: the UI runs against the branch head.
	if commit == refSha {
		return true, nil
	}
	// A well (or badly) timed push can make the target commit and the branch
	// head diverge, so fetch some branch history. Try a shallow fetch first
	// on the assumption that the commit is recent, then the whole branch.
	repoDir, err := c.repoDir(ctx, repoURL)
	if err != nil {
		return false, err
	}
	for _, depth := range []string{"10", "2147483647"} {
		if err := c.fetch(ctx, repoDir, repoURL, refSha, depth); err != nil {
			return false, err
		}
		if c.isAncestor(ctx, repoDir, commit, refSha) {
			return true, nil
		}
	}
	return false, nil
}

func (c *CLI) isAncestor(ctx context.Context, repoDir, commit, refSha string) bool {
	_, err := exec.RunCommand(ctx, &exec.Command{
		Name: "git",
		Args: []string{"merge-base", "--is-ancestor", commit, refSha},
		Dir:  repoDir,
	})
	return err == nil
}

// repoDir initializes (if needed) and returns the local bare cache for the
// repo.
func (c *CLI) repoDir(ctx context.Context, repoURL string) (string, error) {
	name := strings.TrimSuffix(path.Base(repoURL), ".git")
	repoDir := filepath.Join(c.ReposDir, name+".git")
	if _, err := os.Stat(filepath.Join(repoDir, "config")); os.IsNotExist(err) {
		if _, err := exec.RunCommand(ctx, &exec.Command{
			Name: "git",
			Args: []string{"init", "--bare", "--quiet", repoDir},
		}); err != nil {
			return "", skerr.Wrap(err)
		}
	}
	return repoDir, nil
}

func (c *CLI) ensureCommitFetched(ctx context.Context, repoURL, commit string) (string, error) {
	repoDir, err := c.repoDir(ctx, repoURL)
	if err != nil {
		return "", err
	}
	// Re-fetching an already-present commit is safe but needlessly slow.
	if _, err := exec.RunCommand(ctx, &exec.Command{
		Name: "git",
		Args: []string{"cat-file", "-e", commit + "^{commit}"},
		Dir:  repoDir,
	}); err == nil {
		return repoDir, nil
	}
	if err := c.fetch(ctx, repoDir, repoURL, commit, "1"); err != nil {
		return "", err
	}
	return repoDir, nil
}

func (c *CLI) fetch(ctx context.Context, repoDir, repoURL, commit, depth string) error {
	if _, err := exec.RunCommand(ctx, &exec.Command{
		Name: "git",
		Args: []string{"fetch", "--depth", depth, "--force", c.authURL(repoURL), commit},
		Dir:  repoDir,
	}); err != nil {
		sklog.Errorf("Error fetching commit %s from %s: %s", commit, repoURL, err)
		return &Error{Msg: "Error fetching commit " + commit + " from " + repoURL}
	}
	return nil
}

// authURL embeds the access token as the username in the URL. The token is
// only ever supplied to github.com over https.
func (c *CLI) authURL(repoURL string) string {
	if c.Token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" || u.Hostname() != "github.com" {
		return repoURL
	}
	u.User = url.User(c.Token)
	return u.String()
}
