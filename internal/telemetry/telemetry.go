// Package telemetry reports fire-and-forget usage events as OpenTelemetry spans.
//
// A Reporter is constructed once per process and injected into the components
// that report; nothing here installs itself as the otel global provider.
package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/ctagard/addin-debug"

// Reporter records success and exception events keyed by operation name.
// Implementations must never panic or block the caller for long.
type Reporter interface {
	ReportSuccess(ctx context.Context, operation string)
	ReportException(ctx context.Context, operation string, err error)
}

// System owns the tracer provider backing a Reporter.
type System struct {
	TracerProvider trace.TracerProvider
	shutdown       func(context.Context) error
}

// NewSystem builds a telemetry system. When enabled is false the provider is a no-op.
// Spans are exported as JSON lines to w.
func NewSystem(enabled bool, w io.Writer) (*System, error) {
	if !enabled {
		return &System{
			TracerProvider: noop.NewTracerProvider(),
			shutdown:       func(context.Context) error { return nil },
		}, nil
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))

	return &System{
		TracerProvider: tp,
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), exp.Shutdown(ctx))
		},
	}, nil
}

// NewSystemWithProvider wraps an existing tracer provider; Shutdown is left to its owner.
func NewSystemWithProvider(tp trace.TracerProvider) *System {
	return &System{
		TracerProvider: tp,
		shutdown:       func(context.Context) error { return nil },
	}
}

// Shutdown flushes and stops exporting.
func (s *System) Shutdown(ctx context.Context) error {
	return s.shutdown(ctx)
}

// Reporter returns a Reporter that emits one span per event.
func (s *System) Reporter(log logr.Logger, project string) Reporter {
	return &spanReporter{
		tracer:  s.TracerProvider.Tracer(instrumentationName),
		project: project,
		log:     log,
	}
}

type spanReporter struct {
	tracer  trace.Tracer
	project string
	log     logr.Logger
}

func (r *spanReporter) ReportSuccess(ctx context.Context, operation string) {
	defer r.swallowPanic(operation)

	_, span := r.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("project", r.project),
		attribute.Bool("success", true),
	))
	span.End()
}

func (r *spanReporter) ReportException(ctx context.Context, operation string, err error) {
	defer r.swallowPanic(operation)

	_, span := r.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("project", r.project),
		attribute.Bool("success", false),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Error, "unknown error")
	}
	span.End()
}

func (r *spanReporter) swallowPanic(operation string) {
	if p := recover(); p != nil {
		r.log.V(1).Info("telemetry reporting failed", "operation", operation, "panic", p)
	}
}

// Nop is a Reporter that drops every event.
type Nop struct{}

func (Nop) ReportSuccess(context.Context, string)          {}
func (Nop) ReportException(context.Context, string, error) {}
