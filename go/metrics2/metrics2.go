// Package metrics2 provides Prometheus-backed metrics with a small,
// get-by-name API. Metric and tag names are cleaned to conform to
// Prometheus's restrictions, so callers may use dashes freely.
package metrics2

import (
	"net/http"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.opensafely.org/jobrunner/go/sklog"
)

var invalidChar = regexp.MustCompile(`([^a-zA-Z0-9_:])`)

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// Int64Metric is a gauge of int64 values.
type Int64Metric interface {
	Get() int64
	Update(v int64)
}

// Counter is a gauge which can be incremented and decremented.
type Counter interface {
	Inc(i int64)
	Dec(i int64)
	Reset()
	Get() int64
}

type promInt64 struct {
	// i tracks the value because the prometheus client lib doesn't support
	// reading Gauge values back.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&m.i)
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&m.i, v)
	m.gauge.Set(float64(v))
}

type promCounter struct {
	promInt64
}

func (c *promCounter) Inc(i int64) { c.Update(c.Get() + i) }
func (c *promCounter) Dec(i int64) { c.Update(c.Get() - i) }
func (c *promCounter) Reset()      { c.Update(0) }

var (
	mtx       sync.Mutex
	gaugeVecs = map[string]*prometheus.GaugeVec{}
	gauges    = map[string]*promInt64{}
)

func getInt64(name string, tags map[string]string) *promInt64 {
	mtx.Lock()
	defer mtx.Unlock()

	measurement := clean(name)
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, clean(k))
	}
	sort.Strings(keys)

	gaugeKey := measurement
	for _, k := range keys {
		gaugeKey += "-" + k + "-" + tags[k]
	}
	if g, ok := gauges[gaugeKey]; ok {
		return g
	}

	vec, ok := gaugeVecs[measurement]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: measurement}, keys)
		if err := prometheus.Register(vec); err != nil {
			sklog.Fatalf("Failed to register %q: %s", measurement, err)
		}
		gaugeVecs[measurement] = vec
	}
	labels := make(prometheus.Labels, len(tags))
	for k, v := range tags {
		labels[clean(k)] = v
	}
	g := &promInt64{gauge: vec.With(labels)}
	gauges[gaugeKey] = g
	return g
}

// GetInt64Metric returns an Int64Metric with the given name and tags.
func GetInt64Metric(name string, tags map[string]string) Int64Metric {
	return getInt64(name, tags)
}

// GetCounter returns a Counter with the given name and tags.
func GetCounter(name string, tags map[string]string) Counter {
	return &promCounter{promInt64{gauge: getInt64(name, tags).gauge}}
}

// Serve exposes the registered metrics on the given address at /metrics.
// It blocks, so call it in a goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	sklog.Infof("Serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		sklog.Errorf("Metrics server exited: %s", err)
	}
}
