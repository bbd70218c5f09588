package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const fullProject = `
version: 3
expectations:
  population_size: 5000
actions:
  generate_cohort:
    run: cohortextractor:latest generate_cohort
    outputs:
      highly_sensitive:
        cohort: output/input.csv
  prepare:
    run: python:v1 python analysis/prepare.py
    needs: [generate_cohort]
    outputs:
      highly_sensitive:
        prepared: output/prepared.csv
  run_model:
    run: stata-mp:latest analysis/model.do
    needs: [prepare]
    outputs:
      moderately_sensitive:
        model: output/model.txt
`

func TestParse_FullProject(t *testing.T) {
	p, err := Parse([]byte(fullProject))
	require.NoError(t, err)
	require.Equal(t, float64(3), p.Version)
	require.Equal(t, 5000, p.ExpectationsPopulation)
	// File order is preserved, since run_all depends on it.
	require.Equal(t, []string{"generate_cohort", "prepare", "run_model"}, p.ActionOrder)

	cohort := p.Actions["generate_cohort"]
	require.Equal(t, []string{"cohortextractor:latest", "generate_cohort"}, cohort.RunParts)
	require.Equal(t, "cohortextractor", cohort.Image())
	require.True(t, cohort.IsDatabaseAction())

	model := p.Actions["run_model"]
	require.Equal(t, []string{"prepare"}, model.Needs)
	require.False(t, model.IsDatabaseAction())
	require.Equal(t, map[string]map[string]string{"moderately_sensitive": {"model": "output/model.txt"}}, model.Outputs)
}

func TestParse_V1DefaultsExpectationsPopulation(t *testing.T) {
	p, err := Parse([]byte(`
version: 1
actions:
  do_thing:
    run: python:latest python analysis/thing.py
    outputs:
      moderately_sensitive:
        thing: output/thing.csv
`))
	require.NoError(t, err)
	require.Equal(t, 1000, p.ExpectationsPopulation)
}

func TestParse_QuotedRunCommand(t *testing.T) {
	p, err := Parse([]byte(`
version: 2
actions:
  do_thing:
    run: python:latest python analysis/thing.py --title "Some Title"
    outputs:
      moderately_sensitive:
        thing: output/thing.csv
`))
	require.NoError(t, err)
	require.Equal(t,
		[]string{"python:latest", "python", "analysis/thing.py", "--title", "Some Title"},
		p.Actions["do_thing"].RunParts)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name        string
		contents    string
		expectedMsg string
	}{
		{
			name:        "not yaml",
			contents:    "{",
			expectedMsg: "Could not parse project.yaml",
		},
		{
			name:        "missing version",
			contents:    "actions:\n  a:\n    run: python:latest foo\n",
			expectedMsg: "Project file must specify a valid version (currently only <= 4)",
		},
		{
			name:        "future version",
			contents:    "version: 99\nactions:\n  a:\n    run: python:latest foo\n",
			expectedMsg: "Project file must specify a valid version (currently only <= 4)",
		},
		{
			name:        "no actions",
			contents:    "version: 1\nactions: {}\n",
			expectedMsg: "Project must contain at least one action",
		},
		{
			name:        "v3 without expectations",
			contents:    "version: 3\nactions:\n  a:\n    run: python:latest foo\n    outputs:\n      moderately_sensitive:\n        o: out.csv\n",
			expectedMsg: "Project must include `expectations` section",
		},
		{
			name:        "non-numeric population",
			contents:    "version: 3\nexpectations:\n  population_size: lots\nactions:\n  a:\n    run: python:latest foo\n    outputs:\n      moderately_sensitive:\n        o: out.csv\n",
			expectedMsg: "Project expectations population size must be a number",
		},
		{
			name:        "missing run command",
			contents:    "version: 1\nactions:\n  a:\n    outputs:\n      moderately_sensitive:\n        o: out.csv\n",
			expectedMsg: "Action 'a' is missing a `run` command",
		},
		{
			name:        "unversioned image",
			contents:    "version: 1\nactions:\n  a:\n    run: python foo\n    outputs:\n      moderately_sensitive:\n        o: out.csv\n",
			expectedMsg: "python must have a version specified (e.g. python:0.5.2)",
		},
		{
			name:        "no outputs",
			contents:    "version: 1\nactions:\n  a:\n    run: python:latest foo\n",
			expectedMsg: "Action 'a' must specify at least one output",
		},
		{
			name:        "extraction with two outputs",
			contents:    "version: 1\nactions:\n  a:\n    run: cohortextractor:latest generate_cohort\n    outputs:\n      highly_sensitive:\n        one: output/one.csv\n        two: output/two.csv\n",
			expectedMsg: "A `generate_cohort` action must have exactly one output; a had 2",
		},
		{
			name:        "bad privacy level",
			contents:    "version: 1\nactions:\n  a:\n    run: python:latest foo\n    outputs:\n      top_secret:\n        o: out.csv\n",
			expectedMsg: "top_secret is not valid (must be one of highly_sensitive, moderately_sensitive, minimally_sensitive)",
		},
		{
			name:        "path traversal",
			contents:    "version: 1\nactions:\n  a:\n    run: python:latest foo\n    outputs:\n      moderately_sensitive:\n        o: ../out.csv\n",
			expectedMsg: "Output path ../out.csv is not permitted: contains path-traversal elements",
		},
		{
			name:        "absolute path",
			contents:    "version: 1\nactions:\n  a:\n    run: python:latest foo\n    outputs:\n      moderately_sensitive:\n        o: /tmp/out.csv\n",
			expectedMsg: "Output path /tmp/out.csv is not permitted: is an absolute path",
		},
		{
			name:        "backslash path",
			contents:    "version: 1\nactions:\n  a:\n    run: python:latest foo\n    outputs:\n      moderately_sensitive:\n        o: out\\dir\\file.csv\n",
			expectedMsg: "Output path out\\dir\\file.csv is not permitted: contains backslash",
		},
		{
			name:        "duplicate output path",
			contents:    "version: 2\nactions:\n  a:\n    run: python:latest foo\n    outputs:\n      moderately_sensitive:\n        o: out.csv\n  b:\n    run: python:latest bar\n    outputs:\n      moderately_sensitive:\n        o: out.csv\n",
			expectedMsg: "Output path out.csv is not unique",
		},
		{
			name:        "duplicate run command",
			contents:    "version: 1\nactions:\n  a:\n    run: python:latest foo\n    outputs:\n      moderately_sensitive:\n        o: one.csv\n  b:\n    run: python:v2 foo\n    outputs:\n      moderately_sensitive:\n        p: two.csv\n",
			expectedMsg: "python foo appears more than once",
		},
		{
			name:        "unknown needs",
			contents:    "version: 1\nactions:\n  a:\n    run: python:latest foo\n    needs: [ghost]\n    outputs:\n      moderately_sensitive:\n        o: out.csv\n",
			expectedMsg: "Action 'a' lists unknown action 'ghost' in its `needs`",
		},
		{
			name:        "dependency cycle",
			contents:    "version: 1\nactions:\n  a:\n    run: python:latest foo\n    needs: [b]\n    outputs:\n      moderately_sensitive:\n        o: one.csv\n  b:\n    run: python:latest bar\n    needs: [a]\n    outputs:\n      moderately_sensitive:\n        p: two.csv\n",
			expectedMsg: "Dependency cycle detected involving action 'a'",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.contents))
			require.Error(t, err)
			validationErr, ok := err.(*ValidationError)
			require.True(t, ok)
			require.Contains(t, validationErr.Msg, tc.expectedMsg)
		})
	}
}

// Output paths in versions 1 projects could collide; the uniqueness check only
// arrived with version 2.
func TestParse_V1AllowsDuplicateOutputPaths(t *testing.T) {
	_, err := Parse([]byte(`
version: 1
actions:
  a:
    run: python:latest foo
    outputs:
      moderately_sensitive:
        o: out.csv
  b:
    run: python:latest bar
    outputs:
      moderately_sensitive:
        o: out.csv
`))
	require.NoError(t, err)
}

func TestIsExtractionCommand(t *testing.T) {
	require.True(t, IsExtractionCommand([]string{"cohortextractor:latest", "generate_cohort"}))
	require.False(t, IsExtractionCommand([]string{"cohortextractor:latest", "other_command"}))
	require.False(t, IsExtractionCommand([]string{"cohortextractor:latest"}))
	require.False(t, IsExtractionCommand([]string{"python:latest", "generate_cohort"}))
}

func TestIsV2ExtractionCommand(t *testing.T) {
	require.True(t, IsV2ExtractionCommand([]string{"databuilder:v1", "generate-dataset"}))
	require.True(t, IsV2ExtractionCommand([]string{"ehrql:v1", "generate-dataset"}))
	require.False(t, IsV2ExtractionCommand([]string{"python:latest", "foo"}))
	require.False(t, IsV2ExtractionCommand(nil))
}

func TestOutputDirs(t *testing.T) {
	dirs := OutputDirs(map[string]map[string]string{
		"highly_sensitive":     {"a": "output/a.csv", "b": "output/b.csv"},
		"moderately_sensitive": {"c": "reports/c.txt"},
	})
	require.Len(t, dirs, 2)
	require.Contains(t, dirs, "output")
	require.Contains(t, dirs, "reports")
}
