// Package sklog defines the logging functions (e.g. Info, Errorf, etc.) used
// throughout this repository. Messages are written to stderr with a severity
// prefix and timestamp. Fatal* functions exit the process after logging.
package sklog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type severity int

const (
	severityDebug severity = iota
	severityInfo
	severityWarning
	severityError
	severityFatal
)

var severityNames = []string{"D", "I", "W", "E", "F"}

var (
	mtx sync.Mutex
	out io.Writer = os.Stderr

	// exit is swapped out in tests of Fatal*.
	exit = os.Exit
)

// SetOutput redirects all log output, primarily for tests.
func SetOutput(w io.Writer) {
	mtx.Lock()
	defer mtx.Unlock()
	out = w
}

func logf(s severity, format string, v ...interface{}) {
	mtx.Lock()
	defer mtx.Unlock()
	msg := fmt.Sprintf(format, v...)
	fmt.Fprintf(out, "%s%s %s\n", severityNames[s], time.Now().UTC().Format("0102 15:04:05.000000"), msg)
	if s == severityFatal {
		exit(255)
	}
}

func log(s severity, v ...interface{}) {
	logf(s, "%s", fmt.Sprint(v...))
}

func Debug(v ...interface{})                 { log(severityDebug, v...) }
func Debugf(format string, v ...interface{}) { logf(severityDebug, format, v...) }

func Info(v ...interface{})                 { log(severityInfo, v...) }
func Infof(format string, v ...interface{}) { logf(severityInfo, format, v...) }

func Warning(v ...interface{})                 { log(severityWarning, v...) }
func Warningf(format string, v ...interface{}) { logf(severityWarning, format, v...) }

func Error(v ...interface{})                 { log(severityError, v...) }
func Errorf(format string, v ...interface{}) { logf(severityError, format, v...) }

func Fatal(v ...interface{})                 { log(severityFatal, v...) }
func Fatalf(format string, v ...interface{}) { logf(severityFatal, format, v...) }

// lineWriter logs each Write as a single message at the given severity, used
// to plumb subprocess output into the log.
type lineWriter struct {
	s severity
}

func (w lineWriter) Write(p []byte) (int, error) {
	log(w.s, string(p))
	return len(p), nil
}

// InfoWriter returns an io.Writer which logs at Info severity.
func InfoWriter() io.Writer { return lineWriter{severityInfo} }

// ErrorWriter returns an io.Writer which logs at Error severity.
func ErrorWriter() io.Writer { return lineWriter{severityError} }
