package observability

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mass-aquaponics/assetpipe/internal/config"
)

// Instrumentation scopes of the spans assetpipe creates
const (
	BuildScope = "assetpipe-build"
	HTTPScope  = "assetpipe-http"
)

// Tracer wraps the OpenTelemetry trace provider
type Tracer struct {
	provider *sdktrace.TracerProvider
	enabled  bool
}

// InitTracer sets up the global trace provider exporting to the OTLP endpoint
// of cfg. A disabled configuration leaves the no-op provider in place.
func InitTracer(ctx context.Context, cfg config.TracingConfig, version string) (*Tracer, error) {
	if !cfg.Enabled {
		log.Debug().Msg("OpenTelemetry tracing is disabled")
		return &Tracer{}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "assetpipe"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			otlptracegrpc.WithInsecure(),
		)
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	if cfg.SampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("service_name", cfg.ServiceName).
		Float64("sample_rate", cfg.SampleRate).
		Msg("OpenTelemetry tracing initialized")

	return &Tracer{provider: provider, enabled: true}, nil
}

// Shutdown flushes pending spans and stops the exporter
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	log.Debug().Msg("Shutting down OpenTelemetry tracer")
	return t.provider.Shutdown(ctx)
}

// IsEnabled returns whether spans are exported
func (t *Tracer) IsEnabled() bool {
	return t.enabled
}

// StartRunSpan starts the span of a one-off build of app
func StartRunSpan(ctx context.Context, app string) (context.Context, trace.Span) {
	return otel.Tracer(BuildScope).Start(ctx, "run "+app,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("bundle.app", app)),
	)
}

// StartBuildSpan starts the span of one esbuild pass over app, the first
// build or a rebuild after a change
func StartBuildSpan(ctx context.Context, app string, rebuild bool) (context.Context, trace.Span) {
	return otel.Tracer(BuildScope).Start(ctx, "build "+app,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("bundle.app", app),
			attribute.Bool("bundle.rebuild", rebuild),
		),
	)
}

// StartLoaderSpan starts the span of one loader applied to a module
func StartLoaderSpan(ctx context.Context, loader, path string) (context.Context, trace.Span) {
	return otel.Tracer(BuildScope).Start(ctx, "loader "+loader,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("loader.name", loader),
			attribute.String("module.path", path),
		),
	)
}

// EndSpan ends span, recording err when it is not nil
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ExtractTraceID returns the trace ID of the span in ctx, or ""
func ExtractTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
