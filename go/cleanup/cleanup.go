// Package cleanup coordinates the shutdown of the process' long-running
// loops. Loops are registered via Repeat; Cleanup cancels them all and waits
// for in-flight ticks to finish before returning.
package cleanup

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opensafely.org/jobrunner/go/sklog"
	"go.opensafely.org/jobrunner/go/util"
)

var (
	mtx     sync.Mutex
	cancel  context.CancelFunc
	ctx     context.Context
	wg      sync.WaitGroup
	atExits []func()
)

func init() {
	resetContext()
}

// resetContext is in a non-init function for testing purposes.
func resetContext() {
	newCtx, newCancel := context.WithCancel(context.Background())
	ctx = newCtx
	cancel = newCancel
}

// Repeat runs the tick function immediately and on the given timer. When
// Cleanup() is called, the optional cleanup function is run after waiting for
// the tick function to finish.
func Repeat(tickFrequency time.Duration, tick func(ctx context.Context), cleanup func()) {
	wg.Add(1)
	go func() {
		// Returns after ctx is cancelled AND tick is finished.
		util.RepeatCtx(ctx, tickFrequency, tick)
		if cleanup != nil {
			cleanup()
		}
		wg.Done()
	}()
}

// AtExit registers a function to run during Cleanup, after all Repeat loops
// have stopped.
func AtExit(fn func()) {
	mtx.Lock()
	defer mtx.Unlock()
	atExits = append(atExits, fn)
}

// Cleanup cancels all tick functions registered via Repeat(), waits for them
// to fully stop, then runs the AtExit functions in registration order.
func Cleanup() {
	sklog.Warningf("Shutdown request received")
	cancel()
	wg.Wait()
	mtx.Lock()
	fns := atExits
	atExits = nil
	mtx.Unlock()
	for _, fn := range fns {
		fn()
	}
	sklog.Warningf("Finished clean shutdown procedure.")
}

// ListenForSignals runs Cleanup when SIGINT or SIGTERM is received, then
// exits.
func ListenForSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		sklog.Warningf("Caught %s", sig)
		Cleanup()
		os.Exit(0)
	}()
}
