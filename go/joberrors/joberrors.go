// Package joberrors defines the interface shared by the error kinds which are
// fatal to a JobRequest but not to the controller. Each owning package
// (go/git, go/pipeline, go/reusable, go/expand) defines its own concrete
// kinds; the expander catches anything Reportable and converts it into a
// synthetic failed job so the coordination server sees the outcome.
package joberrors

import "errors"

// Reportable is an error whose kind and message are reported back to the
// study developer via a synthetic failed job.
type Reportable interface {
	error
	// Kind returns the stable error class name, e.g. "GitError".
	Kind() string
	// SafeToReport indicates the message contains nothing sensitive and may
	// be shown verbatim to study developers.
	SafeToReport() bool
}

// AsReportable unwraps err looking for a Reportable kind.
func AsReportable(err error) (Reportable, bool) {
	for err != nil {
		if r, ok := err.(Reportable); ok {
			return r, ok
		}
		err = errors.Unwrap(err)
	}
	return nil, false
}

// Message returns the study-developer-facing message for err: the verbatim
// message when safe, or a generic one otherwise.
func Message(err error) string {
	if r, ok := AsReportable(err); ok && r.SafeToReport() {
		return r.Kind() + ": " + r.Error()
	}
	return "Internal error: this usually means something went wrong on our side and we will investigate. There is no need to re-run your job."
}
