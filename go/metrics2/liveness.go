package metrics2

import (
	"sync"
	"time"
)

// Liveness keeps a time-since-last-successful-update metric. The tick loops
// call Reset after each successful pass; an alert fires when the exported
// value grows too large.
type Liveness interface {
	Get() int64
	Reset()
	Close()
}

type liveness struct {
	lastSuccess time.Time
	m           Int64Metric
	mtx         sync.Mutex
	stop        chan struct{}
}

// NewLiveness creates a new Liveness metric named
// "liveness_<name>_s" which reports seconds since the last Reset.
func NewLiveness(name string, tags map[string]string) Liveness {
	l := &liveness{
		lastSuccess: time.Now(),
		m:           GetInt64Metric("liveness_"+name+"_s", tags),
		stop:        make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.update()
			}
		}
	}()
	return l
}

func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.m.Update(int64(time.Since(l.lastSuccess).Seconds()))
}

func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return int64(time.Since(l.lastSuccess).Seconds())
}

func (l *liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccess = time.Now()
	l.m.Update(0)
}

func (l *liveness) Close() {
	close(l.stop)
}
