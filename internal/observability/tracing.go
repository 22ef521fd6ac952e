package observability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/tdma-simulator/internal/logging"
)

// TracerName is the instrumentation scope of every span the module emits.
const TracerName = "github.com/signalsfoundry/tdma-simulator"

// Environment variables read by TracingConfigFromEnv.
const (
	EnvTracingEnabled  = "TDMA_TRACING_ENABLED"
	EnvTracingExporter = "TDMA_TRACING_EXPORTER"
	EnvTracingService  = "TDMA_TRACING_SERVICE_NAME"
	EnvTracingRatio    = "TDMA_TRACING_SAMPLE_RATIO"
	EnvOTLPEndpoint    = "TDMA_OTLP_ENDPOINT"
)

const defaultOTLPEndpoint = "localhost:4317"

// ErrUnknownExporter is returned for an exporter name InitTracing cannot build.
var ErrUnknownExporter = errors.New("unsupported tracing exporter")

// TracingConfig selects where spans go. The zero value disables tracing.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	// Exporter is "stdout" (pretty JSON on stderr) or "otlp" (gRPC).
	Exporter string
	Endpoint string
	// SampleRatio applies to root spans; children follow their parent.
	SampleRatio float64
}

// TracingConfigFromEnv reads the TDMA_* tracing variables.
func TracingConfigFromEnv() TracingConfig {
	return TracingConfigFromEnvWithDefault("tdma-simulator")
}

// TracingConfigFromEnvWithDefault is TracingConfigFromEnv with the service
// name each binary reports when TDMA_TRACING_SERVICE_NAME is unset.
func TracingConfigFromEnvWithDefault(service string) TracingConfig {
	return tracingConfigFrom(os.Getenv, service)
}

func tracingConfigFrom(getenv func(string) string, service string) TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(getenv(EnvTracingEnabled), "true"),
		ServiceName: service,
		Exporter:    strings.ToLower(getenv(EnvTracingExporter)),
		Endpoint:    getenv(EnvOTLPEndpoint),
		SampleRatio: 1,
	}
	if cfg.Exporter == "" {
		cfg.Exporter = "stdout"
	}
	if name := getenv(EnvTracingService); name != "" {
		cfg.ServiceName = name
	}
	// Out-of-range or unparsable ratios keep the default of sampling everything.
	if raw := getenv(EnvTracingRatio); raw != "" {
		if r, err := strconv.ParseFloat(raw, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

func (c TracingConfig) sampler() sdktrace.Sampler {
	switch {
	case c.SampleRatio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case c.SampleRatio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
	}
}

type exporterFactory func(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"stdout":   newStdoutExporter,
	"otlp":     newOTLPExporter,
	"otlpgrpc": newOTLPExporter,
}

func newStdoutExporter(context.Context, TracingConfig) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(os.Stderr),
		stdouttrace.WithPrettyPrint(),
		stdouttrace.WithoutTimestamps(),
	)
}

func newOTLPExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOTLPEndpoint
	}
	return otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	))
}

// InitTracing installs a global tracer provider for cfg and returns the
// function that flushes and stops it. Disabled tracing installs a noop
// provider so span calls stay cheap.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	factory, ok := exporters[strings.ToLower(cfg.Exporter)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.Exporter)
	}
	exp, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "tdma"),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("service_name", cfg.ServiceName),
		logging.String("exporter", cfg.Exporter),
		logging.Any("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// ShutdownWithTimeout runs shutdown with a five second budget. Failures are
// logged, not returned, since this only runs on the way out.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

// Tracer returns the module tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
