package reusable

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"go.opensafely.org/jobrunner/go/git/gitfake"
	"go.opensafely.org/jobrunner/go/types"
)

const actionRepo = "https://github.com/opensafely-actions/matching"

func setup() (context.Context, *gitfake.Client, *Resolver) {
	g := &gitfake.Client{}
	r := &Resolver{
		Git: g,
		AllowedImages: map[string]bool{
			"cohortextractor": true,
			"python":          true,
		},
		GithubOrg: "opensafely-actions",
	}
	return context.Background(), g, r
}

// addAction registers a published, approved reusable action.
func addAction(g *gitfake.Client, run string) {
	g.SetRef(actionRepo, "v1", "actioncommit")
	g.SetRef(actionRepo, "main", "headcommit")
	g.MarkReachable(actionRepo, "main", "actioncommit")
	g.AddFile(actionRepo, "actioncommit", "action.yaml", []byte("run: "+run+"\n"))
}

func TestResolveReferences_KnownImageUntouched(t *testing.T) {
	ctx, _, r := setup()
	job := &types.Job{Action: "run_model", RunCommand: "python:latest python analysis/model.py"}
	require.NoError(t, r.ResolveReferences(ctx, []*types.Job{job}))
	require.Equal(t, "python:latest python analysis/model.py", job.RunCommand)
	require.Empty(t, job.ActionRepoURL)
}

func TestResolveReferences_RewritesRunCommand(t *testing.T) {
	ctx, g, r := setup()
	addAction(g, "python:latest python -m matching")

	job := &types.Job{Action: "matched", RunCommand: "matching:v1 --input output/input.csv"}
	require.NoError(t, r.ResolveReferences(ctx, []*types.Job{job}))
	require.Equal(t, "python:latest python -m matching --input output/input.csv", job.RunCommand)
	require.Equal(t, actionRepo, job.ActionRepoURL)
	require.Equal(t, "actioncommit", job.ActionCommit)
}

func TestResolveReferences_SkipsErrorJobs(t *testing.T) {
	ctx, _, r := setup()
	job := &types.Job{Action: types.ErrorAction, RunCommand: ""}
	require.NoError(t, r.ResolveReferences(ctx, []*types.Job{job}))
}

func TestResolveReferences_Errors(t *testing.T) {
	tests := []struct {
		name        string
		prepare     func(g *gitfake.Client)
		run         string
		expectedMsg string
	}{
		{
			name:        "repo does not exist",
			prepare:     func(g *gitfake.Client) {},
			run:         "matching:v1 --flag",
			expectedMsg: "in 'matched: matching:v1' could not find a repo at " + actionRepo + "\nCheck that 'matching' is in the list of available actions at https://actions.opensafely.org",
		},
		{
			name: "unknown tag",
			prepare: func(g *gitfake.Client) {
				g.SetRef(actionRepo, "v1", "actioncommit")
			},
			run:         "matching:v9 --flag",
			expectedMsg: "in 'matched: matching:v9' 'v9' is not a tag listed in " + actionRepo + "/tags",
		},
		{
			name: "tag not merged to main",
			prepare: func(g *gitfake.Client) {
				g.SetRef(actionRepo, "v1", "actioncommit")
				g.SetRef(actionRepo, "main", "headcommit")
			},
			run:         "matching:v1 --flag",
			expectedMsg: "in 'matched: matching:v1' tag 'v1' has not yet been approved for use (not merged into main branch)",
		},
		{
			name: "no action.yaml",
			prepare: func(g *gitfake.Client) {
				g.SetRef(actionRepo, "v1", "actioncommit")
				g.SetRef(actionRepo, "main", "headcommit")
				g.MarkReachable(actionRepo, "main", "actioncommit")
				g.AddFile(actionRepo, "actioncommit", "README.md", []byte("hello"))
			},
			run:         "matching:v1 --flag",
			expectedMsg: "in 'matched: matching:v1' " + actionRepo + "/tree/v1 doesn't look like a valid action (no 'action.yaml' file present)",
		},
		{
			name: "action uses unknown runtime",
			prepare: func(g *gitfake.Client) {
				addAction(g, "rogue-image:latest do-things")
			},
			run:         "matching:v1 --flag",
			expectedMsg: "in 'matched: matching:v1' invalid action, please open an issue on " + actionRepo + "/issues",
		},
		{
			name: "action wraps an extraction command",
			prepare: func(g *gitfake.Client) {
				addAction(g, "cohortextractor:latest generate_cohort")
			},
			run:         "matching:v1 --flag",
			expectedMsg: "in 'matched: matching:v1' invalid action, please open an issue on " + actionRepo + "/issues",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, g, r := setup()
			tc.prepare(g)
			job := &types.Job{Action: "matched", RunCommand: tc.run}
			err := r.ResolveReferences(ctx, []*types.Job{job})
			require.Error(t, err)
			reusableErr, ok := err.(*Error)
			require.True(t, ok)
			require.Equal(t, tc.expectedMsg, reusableErr.Msg)
		})
	}
}

func TestResolveReferences_InvalidImageName(t *testing.T) {
	ctx, _, r := setup()
	job := &types.Job{Action: "matched", RunCommand: "matching/../other:v1 --flag"}
	err := r.ResolveReferences(ctx, []*types.Job{job})
	require.Error(t, err)
	require.Contains(t, err.Error(), "contains invalid characters")
}
