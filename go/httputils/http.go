// Package httputils provides HTTP clients tuned for talking to the
// coordination server: sane timeouts and exponential-backoff retries on
// transient failures.
package httputils

import (
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"go.opensafely.org/jobrunner/go/sklog"
)

const (
	DialTimeout    = time.Minute
	RequestTimeout = 5 * time.Minute

	initialInterval = 500 * time.Millisecond
	maxInterval     = 10 * time.Second
	maxElapsedTime  = time.Minute
)

// NewTimeoutClient creates a new http.Client with connection and request
// timeouts, without retries.
func NewTimeoutClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: DialTimeout,
			}).DialContext,
		},
		Timeout: RequestTimeout,
	}
}

// backOffTransport retries requests which fail at the transport level or
// return a 5xx status, with exponential backoff. 4xx responses are returned
// to the caller unchanged since retrying them cannot help.
type backOffTransport struct {
	base http.RoundTripper
}

// NewBackOffTransport returns an http.RoundTripper which retries transient
// failures.
func NewBackOffTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &backOffTransport{base: base}
}

func (t *backOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = initialInterval
	expBackoff.MaxInterval = maxInterval
	expBackoff.MaxElapsedTime = maxElapsedTime

	roundTrip := func() error {
		var err error
		resp, err = t.base.RoundTrip(req) //nolint:bodyclose // closed below on retry
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			// Drain and close so the connection can be reused, then retry.
			statusErr := &StatusError{Code: resp.StatusCode}
			resp.Body.Close()
			return statusErr
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		sklog.Warningf("Got error: %s. Retrying HTTP request after sleeping for %s", err, wait)
	}
	if err := backoff.RetryNotify(roundTrip, expBackoff, notify); err != nil {
		return resp, err
	}
	return resp, nil
}

// StatusError indicates a non-retryable-by-content HTTP failure status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return http.StatusText(e.Code)
}

// NewBackOffClient returns an http.Client which retries transient failures
// with exponential backoff.
func NewBackOffClient() *http.Client {
	return &http.Client{
		Transport: NewBackOffTransport(nil),
		Timeout:   RequestTimeout,
	}
}
