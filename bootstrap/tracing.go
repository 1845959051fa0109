package bootstrap

import (
	"context"

	"warden/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// tracerName is the instrumentation scope of pipeline spans
const tracerName = "warden/orchestrator"

// zapSpanExporter writes finished spans to the log at debug level
type zapSpanExporter struct {
	logger *zap.SugaredLogger
}

// ExportSpans implements sdktrace.SpanExporter
func (e *zapSpanExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := []interface{}{
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"duration", s.EndTime().Sub(s.StartTime()),
			"status", s.Status().Code.String(),
		}
		if s.Parent().IsValid() {
			fields = append(fields, "parent_id", s.Parent().SpanID().String())
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, string(kv.Key), kv.Value.Emit())
		}
		if desc := s.Status().Description; desc != "" {
			fields = append(fields, "error", desc)
		}
		e.logger.Debugw("span "+s.Name(), fields...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter
func (e *zapSpanExporter) Shutdown(ctx context.Context) error {
	return nil
}

// InitTracer returns the pipeline tracer and a shutdown func that flushes
// pending spans. Disabled tracing yields a no-op tracer.
func InitTracer(cfg config.TracingConfig, sugar *zap.SugaredLogger) (trace.Tracer, func(context.Context) error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider().Tracer(tracerName), func(context.Context) error { return nil }
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&zapSpanExporter{logger: sugar.Named("trace")}),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	sugar.Infow("Tracing enabled", "service", cfg.ServiceName, "sample_ratio", cfg.SampleRatio)
	return provider.Tracer(tracerName), provider.Shutdown
}
