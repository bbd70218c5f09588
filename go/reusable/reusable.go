// Package reusable resolves reusable-action references. An action whose
// image is not one of the backend's known runtimes is taken to name a repo in
// the trusted actions organisation; its run command is rewritten to the
// entrypoint defined by that repo's action.yaml at the referenced tag.
package reusable

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v2"

	"go.opensafely.org/jobrunner/go/git"
	"go.opensafely.org/jobrunner/go/pipeline"
	"go.opensafely.org/jobrunner/go/types"
)

// Error is a study-developer-friendly reusable action failure. We raise this
// in preference to lower-level errors because there's only so much a study
// developer can do when a reusable action is broken.
type Error struct {
	Msg string
}

func (e *Error) Error() string      { return e.Msg }
func (e *Error) Kind() string       { return "ReusableActionError" }
func (e *Error) SafeToReport() bool { return true }

// Resolver rewrites run commands which reference reusable actions.
type Resolver struct {
	Git           git.Client
	AllowedImages map[string]bool
	// GithubOrg is the organisation trusted to host reusable actions.
	GithubOrg string
}

// ResolveReferences identifies jobs which invoke reusable actions and
// rewrites them in place: the run command gains the entrypoint defined by the
// action, and action_repo_url/action_commit record its provenance.
func (r *Resolver) ResolveReferences(ctx context.Context, jobs []*types.Job) error {
	for _, job := range jobs {
		if job.Action == types.ErrorAction {
			continue
		}
		if err := r.resolveJob(ctx, job); err != nil {
			// Annotate with the context of the action it occurred in.
			var reusableErr *Error
			if errors.As(err, &reusableErr) {
				head := strings.SplitN(job.RunCommand, " ", 2)[0]
				return &Error{Msg: fmt.Sprintf("in '%s: %s' %s", job.Action, head, reusableErr.Msg)}
			}
			return err
		}
	}
	return nil
}

func (r *Resolver) resolveJob(ctx context.Context, job *types.Job) error {
	runParts, err := shellquote.Split(job.RunCommand)
	if err != nil || len(runParts) == 0 {
		return &Error{Msg: "invalid run command"}
	}
	image, tag, _ := strings.Cut(runParts[0], ":")
	if r.AllowedImages[image] {
		// Not a reusable action.
		return nil
	}
	action, err := r.fetch(ctx, image, tag)
	if err != nil {
		return err
	}
	entrypoint, err := r.entrypoint(action)
	if err != nil {
		return err
	}
	// ["action:tag", args...] -> [entrypoint..., args...]
	rewritten := append(append([]string{}, entrypoint...), runParts[1:]...)
	job.RunCommand = shellquote.Join(rewritten...)
	job.ActionRepoURL = action.repoURL
	job.ActionCommit = action.commit
	return nil
}

type fetchedAction struct {
	repoURL    string
	commit     string
	actionFile []byte
}

// fetch resolves the tag and reads action.yaml, validating along the way that
// the tag points at code actually merged into the action repo.
func (r *Resolver) fetch(ctx context.Context, image, tag string) (*fetchedAction, error) {
	repoURL := "https://github.com/" + r.GithubOrg + "/" + image
	if err := git.ValidateRepoURL(repoURL, []string{r.GithubOrg}); err != nil {
		return nil, &Error{Msg: fmt.Sprintf("'%s' contains invalid characters", image)}
	}

	commit, err := r.Git.ResolveRef(ctx, repoURL, tag)
	if err != nil {
		var notReachable *git.RepoNotReachableError
		if errors.As(err, &notReachable) {
			return nil, &Error{Msg: fmt.Sprintf(
				"could not find a repo at %s\nCheck that '%s' is in the list of available actions at https://actions.opensafely.org",
				repoURL, image)}
		}
		var unknownRef *git.UnknownRefError
		if errors.As(err, &unknownRef) {
			return nil, &Error{Msg: fmt.Sprintf("'%s' is not a tag listed in %s/tags", tag, repoURL)}
		}
		return nil, err
	}

	// Collaborators may get write access to action repos, but we keep final
	// control over what runs: the tag must point at a commit which has been
	// merged to main. GitHub cannot restrict who pushes tags, but it can
	// restrict branches.
	if err := git.ValidateBranchAndCommit(ctx, r.Git, repoURL, commit, "main"); err != nil {
		var validationErr *git.ValidationError
		if errors.As(err, &validationErr) {
			return nil, &Error{Msg: fmt.Sprintf("tag '%s' has not yet been approved for use (not merged into main branch)", tag)}
		}
		return nil, &Error{Msg: fmt.Sprintf("error validating '%s' in %s", commit, repoURL)}
	}

	actionFile, err := r.Git.ReadFile(ctx, repoURL, commit, "action.yaml")
	if err != nil {
		var notFound *git.FileNotFoundError
		if errors.As(err, &notFound) {
			return nil, &Error{Msg: fmt.Sprintf(
				"%s/tree/%s doesn't look like a valid action (no 'action.yaml' file present)", repoURL, tag)}
		}
		return nil, &Error{Msg: fmt.Sprintf("error reading '%s' from %s", commit, repoURL)}
	}
	return &fetchedAction{repoURL: repoURL, commit: commit, actionFile: actionFile}, nil
}

// entrypoint extracts and validates the run command declared by action.yaml:
// its image must be a known runtime and must not be an extraction command.
func (r *Resolver) entrypoint(action *fetchedAction) ([]string, error) {
	invalid := &Error{Msg: fmt.Sprintf("invalid action, please open an issue on %s/issues", action.repoURL)}
	var parsed struct {
		Run string `yaml:"run"`
	}
	if err := yaml.Unmarshal(action.actionFile, &parsed); err != nil || parsed.Run == "" {
		return nil, invalid
	}
	parts, err := shellquote.Split(parsed.Run)
	if err != nil || len(parts) == 0 {
		return nil, invalid
	}
	image, _, _ := strings.Cut(parts[0], ":")
	if !r.AllowedImages[image] {
		return nil, invalid
	}
	if pipeline.IsExtractionCommand(parts) || pipeline.IsV2ExtractionCommand(parts) {
		return nil, invalid
	}
	return parts, nil
}
