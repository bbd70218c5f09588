// Package util holds small shared helpers with no better home.
package util

import (
	"context"
	"time"
)

// In returns true if |s| is *in* |a| slice.
func In(s string, a []string) bool {
	for _, x := range a {
		if x == s {
			return true
		}
	}
	return false
}

// RepeatCtx calls the provided function immediately and then at the given
// interval, until the context is cancelled.
func RepeatCtx(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	done := ctx.Done()
	fn(ctx)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// TimeStamp returns the given time in UTC as "2006-01-02T15:04:05Z", or ""
// for the zero time.
func TimeStamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format("2006-01-02T15:04:05Z")
}
