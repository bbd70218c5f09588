// Package tracing emits OpenTelemetry spans describing the life of each job:
// one span per status code occupied (start and end timestamps taken from the
// job's own bookkeeping, not the wall clock at emission), a root JOB span
// covering creation to terminal state, and a TICK span per run-loop pass.
//
// Every job carries its own W3C trace context, generated at creation time and
// persisted with the job, so spans emitted across controller restarts still
// land in one trace.
package tracing

import (
	"context"
	"crypto/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
	"go.opensafely.org/jobrunner/go/types"
)

const tracerName = "jobrunner"

var propagator = propagation.TraceContext{}

// Init installs a global tracer provider exporting over OTLP/gRPC to the
// endpoint in the standard OTEL_EXPORTER_OTLP_ENDPOINT variable. With otlp
// false, spans are created but never exported, which is what tests and dev
// setups want.
func Init(ctx context.Context, serviceName string, otlp bool) (func(context.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(sdkresource.NewSchemaless(
			semconv.ServiceName(serviceName),
		)),
	}
	if otlp {
		exporter, err := otlptracegrpc.New(ctx)
		if err != nil {
			return nil, skerr.Wrapf(err, "creating OTLP exporter")
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// InitialiseTrace gives the job a fresh trace context. The context's root is
// never emitted as a span itself; the JOB span and the per-status spans are
// all created as its children, which keeps them in one trace without needing
// a span to stay open for the job's whole (possibly multi-day, multi-process)
// life.
func InitialiseTrace(job *types.Job) {
	var tid trace.TraceID
	var sid trace.SpanID
	if _, err := rand.Read(tid[:]); err != nil {
		sklog.Errorf("Failed to generate trace ID: %s", err)
		return
	}
	if _, err := rand.Read(sid[:]); err != nil {
		sklog.Errorf("Failed to generate span ID: %s", err)
		return
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	carrier := propagation.MapCarrier{}
	propagator.Inject(trace.ContextWithRemoteSpanContext(context.Background(), sc), carrier)
	job.TraceContext = map[string]string(carrier)
}

// jobContext reconstitutes the job's persisted trace context.
func jobContext(job *types.Job) context.Context {
	if len(job.TraceContext) == 0 {
		// Jobs created before tracing (or with a failed init) still get
		// spans, just in fresh traces.
		return context.Background()
	}
	return propagator.Extract(context.Background(), propagation.MapCarrier(job.TraceContext))
}

func jobAttributes(job *types.Job) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("job.id", job.ID),
		attribute.String("job.request_id", job.JobRequestID),
		attribute.String("job.workspace", job.Workspace),
		attribute.String("job.action", job.Action),
		attribute.String("job.backend", job.Backend),
		attribute.String("job.state", string(job.State)),
		attribute.String("job.status_code", string(job.StatusCode)),
	}
}

// RecordStateChange emits a span for the status code the job is leaving,
// covering the whole period the job spent in it.
func RecordStateChange(job *types.Job, leaving types.StatusCode, startNs, endNs int64, extra ...attribute.KeyValue) {
	_, span := otel.Tracer(tracerName).Start(
		jobContext(job),
		string(leaving),
		trace.WithTimestamp(time.Unix(0, startNs)),
		trace.WithAttributes(append(jobAttributes(job), extra...)...),
	)
	span.End(trace.WithTimestamp(time.Unix(0, endNs)))
}

// RecordFinalState emits the root JOB span, spanning creation to terminal
// transition. err, if non-nil, is recorded on the span.
func RecordFinalState(job *types.Job, endNs int64, err error) {
	_, span := otel.Tracer(tracerName).Start(
		jobContext(job),
		"JOB",
		trace.WithTimestamp(time.Unix(job.CreatedAt, 0)),
		trace.WithAttributes(jobAttributes(job)...),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End(trace.WithTimestamp(time.Unix(0, endNs)))
}

// StartTick opens the envelope span for one run-loop pass. Jobs observed
// during the tick hang their per-status child spans off the returned context.
func StartTick(ctx context.Context, backend string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "TICK",
		trace.WithAttributes(attribute.String("backend", backend)))
}

// StartJobTick opens the per-job child span within a tick, named after the
// job's current status code so fleet state can be read off a flame graph.
func StartJobTick(ctx context.Context, job *types.Job) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, string(job.StatusCode),
		trace.WithAttributes(jobAttributes(job)...))
}
