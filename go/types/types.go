// Package types defines the basic data structures which we pass around and
// store in the database. The storage code lives in go/db; these types carry
// no persistence logic beyond their identity rules.
package types

import (
	"crypto/sha1"
	"encoding/base32"
	"regexp"
	"strings"
)

// RunAllCommand is the sentinel action name meaning "every action in the
// pipeline".
const RunAllCommand = "run_all"

// ErrorAction is the synthetic action name used for jobs which exist only to
// communicate a JobRequest-level failure back to the coordination server.
const ErrorAction = "__error__"

// workspaceRe constrains workspace slugs.
var workspaceRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidWorkspaceName reports whether the workspace slug is acceptable.
func ValidWorkspaceName(name string) bool {
	return workspaceRe.MatchString(name)
}

// JobRequest is our internal representation of a request received from the
// coordination server. It is immutable once stored; only the original JSON
// payload is persisted.
type JobRequest struct {
	ID                   string
	RepoURL              string
	Commit               string
	Branch               string
	RequestedActions     []string
	CancelledActions     []string
	Workspace            string
	DatabaseName         string
	Backend              string
	ForceRunDependencies bool
	ForceRunFailed       bool
	// CodelistsOK is asserted by the coordination server; when false, any
	// expansion producing a database job fails with stale codelists.
	CodelistsOK bool
	// Original holds the source payload verbatim, for audit and telemetry.
	Original map[string]interface{}
}

// Job is the controller's tracked unit: a single action for a specific commit
// within a JobRequest. Created by the expander, mutated only by the run loop,
// never deleted.
type Job struct {
	ID           string
	JobRequestID string
	State        State
	RepoURL      string
	Commit       string
	Workspace    string
	DatabaseName string
	Backend      string

	// Action is the name of the action (one of the keys in the `actions`
	// map in project.yaml).
	Action string
	// ActionRepoURL/ActionCommit are set only when the action is a
	// reusable action; they identify the repo the code is pulled from.
	ActionRepoURL string
	ActionCommit  string

	// RequiresOutputsFrom lists action names whose outputs are inputs to
	// this action.
	RequiresOutputsFrom []string
	// WaitForJobIDs lists job IDs which must be SUCCEEDED before this job
	// may start; the subset of the actions above which hadn't already run
	// when this job was scheduled.
	WaitForJobIDs []string

	// RunCommand is the full container invocation as a single
	// shell-quoted string.
	RunCommand string
	// ImageID is the specific image digest that was actually run.
	ImageID string

	// OutputSpec maps privacy level -> name -> glob pattern.
	OutputSpec map[string]map[string]string
	// Outputs maps produced filenames to privacy levels, populated at
	// finalization.
	Outputs map[string]string
	// UnmatchedOutputs lists files the job produced which matched no
	// output pattern; populated only when patterns went unmatched.
	UnmatchedOutputs []string
	// UnmatchedPatterns lists output patterns which matched no file.
	UnmatchedPatterns []string

	StatusMessage string
	StatusCode    StatusCode
	Cancelled     bool
	RequiresDB    bool

	// UNIX timestamps in seconds.
	CreatedAt   int64
	UpdatedAt   int64
	StartedAt   int64
	CompletedAt int64

	// StatusCodeUpdatedAt is in nanoseconds: subsecond precision is
	// needed to avoid collisions when states transition in under 1s.
	StatusCodeUpdatedAt int64

	// TraceContext carries the serialized W3C trace context of the job's
	// root span.
	TraceContext map[string]string
}

// NewJobID derives the deterministic job ID for an action within a
// JobRequest: the first 16 base32 lowercase characters of
// SHA-1(jobRequestID + "\n" + action). Repeated expansion of the same request
// therefore always produces the same IDs, so recreating the database mid-job
// cannot orphan work.
func NewJobID(jobRequestID, action string) string {
	digest := sha1.Sum([]byte(jobRequestID + "\n" + action))
	return strings.ToLower(base32.StdEncoding.EncodeToString(digest[:10]))
}

// Active returns true while the run loop still has work to do for the job.
func (j *Job) Active() bool {
	return j.State.Active()
}

// Slug returns a human-readable identifier used in log lines and container
// names, which makes debugging much easier than an opaque ID.
func (j *Job) Slug() string {
	return Slugify(j.Workspace + "-" + j.Action + "-" + j.ID)
}

var slugRe = regexp.MustCompile(`[^a-zA-Z0-9-]+`)

// Slugify converts s to a lowercase alphanumeric-and-dash form.
func Slugify(s string) string {
	s = slugRe.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// Copy returns a deep copy of the Job.
func (j *Job) Copy() *Job {
	rv := *j
	rv.RequiresOutputsFrom = append([]string(nil), j.RequiresOutputsFrom...)
	rv.WaitForJobIDs = append([]string(nil), j.WaitForJobIDs...)
	rv.UnmatchedOutputs = append([]string(nil), j.UnmatchedOutputs...)
	rv.UnmatchedPatterns = append([]string(nil), j.UnmatchedPatterns...)
	if j.OutputSpec != nil {
		rv.OutputSpec = make(map[string]map[string]string, len(j.OutputSpec))
		for level, named := range j.OutputSpec {
			m := make(map[string]string, len(named))
			for k, v := range named {
				m[k] = v
			}
			rv.OutputSpec[level] = m
		}
	}
	if j.Outputs != nil {
		rv.Outputs = make(map[string]string, len(j.Outputs))
		for k, v := range j.Outputs {
			rv.Outputs[k] = v
		}
	}
	if j.TraceContext != nil {
		rv.TraceContext = make(map[string]string, len(j.TraceContext))
		for k, v := range j.TraceContext {
			rv.TraceContext[k] = v
		}
	}
	return &rv
}

// JobSlice implements sort.Interface by CreatedAt ascending.
type JobSlice []*Job

func (s JobSlice) Len() int           { return len(s) }
func (s JobSlice) Less(i, j int) bool { return s[i].CreatedAt < s[j].CreatedAt }
func (s JobSlice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Flag is a backend-scoped key/value used to gate scheduling.
type Flag struct {
	ID      string
	Value   string
	Backend string
	// TimestampNs is updated only when the value changes.
	TimestampNs int64
}

// Task records a unit of controller bookkeeping (RUNJOB, CANCELJOB, ...).
// At most one RUNJOB task is active per job at any moment.
type Task struct {
	ID         string
	Backend    string
	Type       TaskType
	JobID      string
	Active     bool
	CreatedAt  int64
	FinishedAt int64
	// Definition is the serialized JobDefinition the task was created
	// with, for audit.
	Definition string
	// Results holds any result payload reported for the task.
	Results string
}
