// Package project turns a pipeline action into the concrete container
// invocation the executor will run, applying the special-case flags the
// cohort/dataset extraction tools need.
package project

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"

	"go.opensafely.org/jobrunner/go/pipeline"
)

// ActionSpecification captures everything the expander needs to know about
// one action.
type ActionSpecification struct {
	// Run is the full container invocation as a single shell-quoted string.
	Run     string
	Needs   []string
	Outputs map[string]map[string]string
	// RequiresDB marks actions which query the patient database.
	RequiresDB bool
}

// UnknownActionError indicates the requested action does not exist in the
// project file.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("Action '%s' not found in project.yaml", e.Action)
}
func (e *UnknownActionError) Kind() string       { return "ProjectValidationError" }
func (e *UnknownActionError) SafeToReport() bool { return true }

// GetActionSpecification produces the concrete run command for the action.
//
// Extraction commands get extra flags appended depending on whether the
// backend runs against real patient data or generated dummy data, and on
// whether the tool is the v1 (cohortextractor) or v2 (databuilder/ehrql)
// generation.
func GetActionSpecification(p *pipeline.Pipeline, actionID string, usingDummyDataBackend bool) (*ActionSpecification, error) {
	action, ok := p.Actions[actionID]
	if !ok {
		return nil, &UnknownActionError{Action: actionID}
	}
	runParts := append([]string(nil), action.RunParts...)

	if action.Config != nil {
		// Commands needing complex config take it as serialized JSON via
		// --config. Single quotes are escaped so the value survives being
		// embedded in a shell-quoted string.
		configJSON, err := json.Marshal(action.Config)
		if err != nil {
			return nil, &pipeline.ValidationError{Msg: fmt.Sprintf("Could not serialize config for action '%s': %s", actionID, err)}
		}
		runParts = append(runParts, "--config", strings.ReplaceAll(string(configJSON), "'", `\u0027`))
	}

	switch {
	case pipeline.IsExtractionCommand(runParts):
		var err error
		if runParts, err = applyV1ExtractionFlags(p, action, runParts, usingDummyDataBackend); err != nil {
			return nil, err
		}
	case pipeline.IsV2ExtractionCommand(runParts):
		if usingDummyDataBackend && !hasFlag(runParts, "--dummy-data-file") {
			return nil, &pipeline.ValidationError{Msg: "--dummy-data-file is required for a local run"}
		}
	}

	return &ActionSpecification{
		Run:        shellquote.Join(runParts...),
		Needs:      append([]string(nil), action.Needs...),
		Outputs:    action.Outputs,
		RequiresDB: action.IsDatabaseAction(),
	}, nil
}

// applyV1ExtractionFlags appends the dummy-data and output-dir flags the v1
// cohortextractor expects.
func applyV1ExtractionFlags(p *pipeline.Pipeline, action *pipeline.Action, runParts []string, usingDummyDataBackend bool) ([]string, error) {
	if usingDummyDataBackend {
		if action.DummyDataFile != "" {
			runParts = append(runParts, "--dummy-data-file="+action.DummyDataFile)
		} else {
			runParts = append(runParts, fmt.Sprintf("--expectations-population=%d", p.ExpectationsPopulation))
		}
	}
	// Point the extractor at the directory the output spec expects. With
	// multiple implied directories the action must say explicitly where its
	// output goes.
	dirs := pipeline.OutputDirs(action.Outputs)
	switch {
	case len(dirs) == 1:
		runParts = append(runParts, "--output-dir="+dirs[0])
	case !hasFlag(runParts, "--output-dir"):
		return nil, &pipeline.ValidationError{
			Msg: fmt.Sprintf("generate_cohort command should produce output in only one directory, found %s", strings.Join(dirs, ", ")),
		}
	}
	return runParts, nil
}

func hasFlag(parts []string, flag string) bool {
	for _, part := range parts {
		if part == flag || strings.HasPrefix(part, flag+"=") {
			return true
		}
	}
	return false
}
