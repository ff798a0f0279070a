package observability

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const tracerName = "github.com/example/syncq"

// Exporter names accepted in TracingConfig.Exporter.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlphttp"
)

type TracingConfig struct {
	Exporter     string
	Endpoint     string
	Headers      map[string]string
	Insecure     bool
	SamplerRatio float64
	Environment  string
}

// exporters builds a span exporter per name. OTLP endpoints fall back to
// the collector's standard local ports.
var exporters = map[string]func(context.Context, TracingConfig) (sdktrace.SpanExporter, error){
	ExporterStdout: func(context.Context, TracingConfig) (sdktrace.SpanExporter, error) {
		return stdouttrace.New()
	},
	ExporterOTLP: func(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(orDefault(cfg.Endpoint, "localhost:4317")),
			otlptracegrpc.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	ExporterOTLPHTTP: func(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpointURL(orDefault(cfg.Endpoint, "http://localhost:4318")),
			otlptracehttp.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	},
}

// InitTracing installs the global tracer provider for service and returns
// a function that flushes buffered spans. With no exporter configured spans
// go to a noop provider.
func InitTracing(ctx context.Context, service string, cfg TracingConfig) (func(context.Context) error, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if name == "" || name == ExporterNone {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	newExporter, ok := exporters[name]
	if !ok {
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", name, err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(service),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(buildSampler(cfg.SamplerRatio)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// StartSpan starts a span on the syncq tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// ParseHeaders reads "k=v,k2=v2" as used by OTLP header settings. Pairs
// with an empty key or value are dropped.
func ParseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// buildSampler honours the parent's decision and samples root spans at
// ratio, clamped to [0,1].
func buildSampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case ratio <= 0:
		root = sdktrace.NeverSample()
	case ratio >= 1:
		root = sdktrace.AlwaysSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
