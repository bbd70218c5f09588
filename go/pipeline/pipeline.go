// Package pipeline parses and validates project.yaml files into a Pipeline
// model: an ordered set of actions with run commands, dependency edges and
// output specifications.
package pipeline

import (
	"fmt"
	gopath "path"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v2"

	"go.opensafely.org/jobrunner/go/util"
)

// ValidationError indicates a malformed project.yaml: unknown version,
// missing sections, bad output paths, unparseable run commands.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string      { return e.Msg }
func (e *ValidationError) Kind() string       { return "ProjectValidationError" }
func (e *ValidationError) SafeToReport() bool { return true }

// Project file versions at which each feature was introduced.
const (
	versionUniqueOutputPath       = 2
	versionExpectationsPopulation = 3
	maxVersion                    = 4
)

// The privacy levels an output may be declared at.
var permittedPrivacyLevels = []string{
	"highly_sensitive",
	"moderately_sensitive",
	"minimally_sensitive",
}

// Action is one named step of the pipeline.
type Action struct {
	// Run is the raw run command: "image:tag arg...".
	Run string `yaml:"run"`
	// RunParts is Run tokenised by shell rules. Populated by Parse.
	RunParts []string `yaml:"-"`
	Needs    []string `yaml:"needs"`
	// Outputs maps privacy level -> name -> glob pattern.
	Outputs map[string]map[string]string `yaml:"outputs"`
	// Config, if present, is serialized to JSON and appended to the run
	// command as --config.
	Config map[string]interface{} `yaml:"config"`
	// DummyDataFile substitutes for a database query in dummy-data mode
	// (v1 extraction commands only).
	DummyDataFile string `yaml:"dummy_data_file"`
}

// Image returns the image name of the run command, without the tag.
func (a *Action) Image() string {
	if len(a.RunParts) == 0 {
		return ""
	}
	image, _, _ := strings.Cut(a.RunParts[0], ":")
	return image
}

// IsDatabaseAction reports whether the action queries the patient database.
func (a *Action) IsDatabaseAction() bool {
	return IsExtractionCommand(a.RunParts) || IsV2ExtractionCommand(a.RunParts)
}

// Pipeline is a validated project.yaml.
type Pipeline struct {
	Version float64
	// ExpectationsPopulation is the dummy-data population size.
	ExpectationsPopulation int
	Actions                map[string]*Action
	// ActionOrder lists action IDs in file order, which is the order used
	// when run_all is expanded.
	ActionOrder []string
}

type rawPipeline struct {
	Version      float64            `yaml:"version"`
	Expectations *rawExpectations   `yaml:"expectations"`
	Actions      map[string]*Action `yaml:"actions"`
}

type rawExpectations struct {
	PopulationSize interface{} `yaml:"population_size"`
}

// Parse parses and validates the contents of a project.yaml file.
func Parse(contents []byte) (*Pipeline, error) {
	var raw rawPipeline
	if err := yaml.Unmarshal(contents, &raw); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("Could not parse project.yaml: %s", err)}
	}
	if raw.Version < 1 || raw.Version > maxVersion {
		return nil, &ValidationError{Msg: fmt.Sprintf("Project file must specify a valid version (currently only <= %d)", maxVersion)}
	}
	if len(raw.Actions) == 0 {
		return nil, &ValidationError{Msg: "Project must contain at least one action"}
	}

	p := &Pipeline{
		Version:                raw.Version,
		ExpectationsPopulation: 1000,
		Actions:                raw.Actions,
	}
	if raw.Version >= versionExpectationsPopulation {
		if raw.Expectations == nil {
			return nil, &ValidationError{Msg: "Project must include `expectations` section"}
		}
		size, ok := asInt(raw.Expectations.PopulationSize)
		if !ok {
			return nil, &ValidationError{Msg: "Project expectations population size must be a number"}
		}
		p.ExpectationsPopulation = size
	}

	var err error
	if p.ActionOrder, err = actionOrder(contents); err != nil {
		return nil, err
	}

	seenRuns := map[string]bool{}
	seenOutputs := map[string]bool{}
	for _, actionID := range p.ActionOrder {
		action := p.Actions[actionID]
		if action == nil || action.Run == "" {
			return nil, &ValidationError{Msg: fmt.Sprintf("Action '%s' is missing a `run` command", actionID)}
		}
		if action.RunParts, err = shellquote.Split(action.Run); err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("Could not parse run command for action '%s': %s", actionID, err)}
		}
		name, version, hasVersion := strings.Cut(action.RunParts[0], ":")
		if !hasVersion || version == "" {
			return nil, &ValidationError{Msg: fmt.Sprintf("%s must have a version specified (e.g. %s:0.5.2)", name, name)}
		}
		if len(action.Outputs) == 0 {
			return nil, &ValidationError{Msg: fmt.Sprintf("Action '%s' must specify at least one output", actionID)}
		}
		if IsExtractionCommand(action.RunParts) && countOutputs(action.Outputs) != 1 {
			return nil, &ValidationError{Msg: fmt.Sprintf("A `generate_cohort` action must have exactly one output; %s had %d", actionID, countOutputs(action.Outputs))}
		}
		for privacyLevel, outputs := range action.Outputs {
			if !util.In(privacyLevel, permittedPrivacyLevels) {
				return nil, &ValidationError{Msg: fmt.Sprintf("%s is not valid (must be one of %s)", privacyLevel, strings.Join(permittedPrivacyLevels, ", "))}
			}
			for _, filename := range outputs {
				if reason := unsafePath(filename); reason != "" {
					return nil, &ValidationError{Msg: fmt.Sprintf("Output path %s is not permitted: %s", filename, reason)}
				}
				if raw.Version >= versionUniqueOutputPath && seenOutputs[filename] {
					return nil, &ValidationError{Msg: fmt.Sprintf("Output path %s is not unique", filename)}
				}
				seenOutputs[filename] = true
			}
		}
		// The same command with the same arguments may not appear twice:
		// it would produce colliding outputs.
		signature := name + " " + strings.Join(action.RunParts[1:], " ")
		if seenRuns[signature] {
			return nil, &ValidationError{Msg: fmt.Sprintf("%s appears more than once", signature)}
		}
		seenRuns[signature] = true
		for _, need := range action.Needs {
			if _, ok := p.Actions[need]; !ok {
				return nil, &ValidationError{Msg: fmt.Sprintf("Action '%s' lists unknown action '%s' in its `needs`", actionID, need)}
			}
		}
	}
	if err := checkAcyclic(p); err != nil {
		return nil, err
	}
	return p, nil
}

// actionOrder recovers the declaration order of the actions map, which the
// typed unmarshal throws away.
func actionOrder(contents []byte) ([]string, error) {
	var doc struct {
		Actions yaml.MapSlice `yaml:"actions"`
	}
	if err := yaml.Unmarshal(contents, &doc); err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("Could not parse project.yaml: %s", err)}
	}
	order := make([]string, 0, len(doc.Actions))
	for _, item := range doc.Actions {
		key, ok := item.Key.(string)
		if !ok {
			return nil, &ValidationError{Msg: "Action IDs must be strings"}
		}
		order = append(order, key)
	}
	return order, nil
}

// checkAcyclic rejects dependency cycles via a colouring DFS.
func checkAcyclic(p *Pipeline) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch colour[id] {
		case grey:
			return &ValidationError{Msg: fmt.Sprintf("Dependency cycle detected involving action '%s'", id)}
		case black:
			return nil
		}
		colour[id] = grey
		for _, need := range p.Actions[id].Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		colour[id] = black
		return nil
	}
	for _, id := range p.ActionOrder {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// IsExtractionCommand reports whether the tokenised run command is a v1
// cohort extraction invocation.
func IsExtractionCommand(parts []string) bool {
	return len(parts) > 1 &&
		strings.HasPrefix(parts[0], "cohortextractor:") &&
		parts[1] == "generate_cohort"
}

// IsV2ExtractionCommand reports whether the tokenised run command is a v2
// dataset extraction invocation (databuilder or ehrql).
func IsV2ExtractionCommand(parts []string) bool {
	if len(parts) == 0 {
		return false
	}
	image, _, _ := strings.Cut(parts[0], ":")
	return image == "databuilder" || image == "ehrql"
}

// OutputDirs returns the distinct directories implied by the output spec.
func OutputDirs(outputs map[string]map[string]string) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, group := range outputs {
		for _, filename := range group {
			dir := gopath.Dir(filename)
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}
	return dirs
}

// unsafePath returns a reason string when the path is unsafe, or "". A safe
// path is relative, has no backslashes, no trailing slash and no
// path-traversal elements.
func unsafePath(path string) string {
	if strings.Contains(path, "\\") {
		return "contains backslash"
	}
	if strings.HasSuffix(path, "/") {
		return "ends with forward slash"
	}
	if gopath.Clean(path) != path || path == ".." || strings.HasPrefix(path, "../") {
		return "contains path-traversal elements"
	}
	if gopath.IsAbs(path) || (len(path) > 1 && path[1] == ':') {
		return "is an absolute path"
	}
	return ""
}

// asInt coerces the loosely-typed YAML value to an int. Quoted numbers are
// accepted, since study authors write both `1000` and `"1000"`.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func countOutputs(outputs map[string]map[string]string) int {
	n := 0
	for _, group := range outputs {
		n += len(group)
	}
	return n
}
