// Package tracing adapts OpenTelemetry to the engine's tracer port.
package tracing

import (
	"context"
	"fmt"

	"github.com/aescanero/flowengine/pkg/ports"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer.
const InstrumentationName = "github.com/aescanero/flowengine"

// Tracer implements ports.Tracer.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from tp, or from the global provider when tp is nil.
func NewTracer(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(InstrumentationName)}
}

// StartSpan opens a span as a child of any span in ctx.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs map[string]interface{}) (context.Context, ports.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(toAttributes(attrs)...))
	return ctx, &otelSpan{span: span}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttributes(attrs map[string]interface{}) {
	s.span.SetAttributes(toAttributes(attrs)...)
}

func (s *otelSpan) End() {
	s.span.SetStatus(codes.Ok, "")
	s.span.End()
}

func (s *otelSpan) EndWithError(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

func toAttributes(attrs map[string]interface{}) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case []string:
			out = append(out, attribute.StringSlice(k, val))
		case fmt.Stringer:
			out = append(out, attribute.String(k, val.String()))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return out
}
