// Package telemetry adapts an OpenTelemetry provider to emit the
// FlowExecutionEvents of spec.md §6 as both OTel spans/metrics and
// structured log/slog records.
//
// Grounded on the reference's observability.Provider: the same
// Config/New/Shutdown shape, the same RED-metric trio (request counter,
// error counter, duration histogram), adapted from per-request
// instrumentation to per-flow-execution instrumentation.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "flow-orchestrator",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Emitter implements scheduler.EventSink: it records one FlowExecutionEvent
// as an OTel span event, bumps the relevant RED metric, and logs a
// structured slog record.
type Emitter struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	eventCounter   metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
	activeExecs    metric.Int64UpDownCounter
}

// New builds an Emitter. If config is nil, DefaultConfig is used. If
// config.Enabled is false, the Emitter still logs via slog but skips
// OTel provider construction entirely.
func New(ctx context.Context, config *Config) (*Emitter, error) {
	if config == nil {
		config = DefaultConfig()
	}

	e := &Emitter{
		config: config,
		logger: slog.Default().With("component", "telemetry"),
	}

	if !config.Enabled {
		e.logger.InfoContext(ctx, "telemetry disabled")
		return e, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("flowkit.component", "orchestrator"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if err := e.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init trace provider: %w", err)
	}
	if err := e.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("telemetry: init metric provider: %w", err)
	}

	e.tracer = otel.Tracer("flowkit.orchestrator", trace.WithInstrumentationVersion(config.ServiceVersion))
	e.meter = otel.Meter("flowkit.orchestrator", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := e.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("telemetry: init RED metrics: %w", err)
	}

	e.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)

	return e, nil
}

func (e *Emitter) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(e.config.OTLPEndpoint)}
	if e.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case e.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case e.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(e.config.SampleRate)
	}

	e.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(e.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(e.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return nil
}

func (e *Emitter) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(e.config.OTLPEndpoint)}
	if e.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("metric exporter: %w", err)
	}

	e.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(e.meterProvider)
	return nil
}

func (e *Emitter) initREDMetrics() error {
	var err error
	e.eventCounter, err = e.meter.Int64Counter("flow.events.total",
		metric.WithDescription("Total FlowExecutionEvents emitted"), metric.WithUnit("{event}"))
	if err != nil {
		return err
	}
	e.errorCounter, err = e.meter.Int64Counter("flow.errors.total",
		metric.WithDescription("Total STEP_FAILED/BRANCH_FAILED/FAILED events"), metric.WithUnit("{error}"))
	if err != nil {
		return err
	}
	e.durationHist, err = e.meter.Float64Histogram("flow.execution.duration",
		metric.WithDescription("Execution wall-clock duration from STARTED to a terminal event"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900))
	if err != nil {
		return err
	}
	e.activeExecs, err = e.meter.Int64UpDownCounter("flow.executions.active",
		metric.WithDescription("Number of currently in-flight flow executions"), metric.WithUnit("{execution}"))
	return err
}

// Shutdown gracefully drains the trace/metric providers.
func (e *Emitter) Shutdown(ctx context.Context) error {
	if e.tracerProvider != nil {
		if err := e.tracerProvider.Shutdown(ctx); err != nil {
			e.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if e.meterProvider != nil {
		if err := e.meterProvider.Shutdown(ctx); err != nil {
			e.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

var terminalEvents = map[string]bool{
	"COMPLETED": true, "FAILED": true, "CANCELLED": true,
}

var failureEvents = map[string]bool{
	"STEP_FAILED": true, "BRANCH_FAILED": true, "FAILED": true,
}

// Emit implements scheduler.EventSink. It satisfies that interface
// structurally (no import of pkg/scheduler, avoiding a dependency
// cycle): Emit(ctx, executionID, flowID, flowVersion, eventType string,
// data map[string]any, correlationID string).
func (e *Emitter) Emit(ctx context.Context, executionID, flowID, flowVersion, eventType string, data map[string]any, correlationID string) {
	attrs := []attribute.KeyValue{
		attribute.String("execution_id", executionID),
		attribute.String("flow_id", flowID),
		attribute.String("flow_version", flowVersion),
		attribute.String("event_type", eventType),
	}

	if e.tracer != nil {
		_, span := e.tracer.Start(ctx, "flow."+eventType, trace.WithAttributes(attrs...))
		span.End()
	}
	if e.eventCounter != nil {
		e.eventCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if failureEvents[eventType] && e.errorCounter != nil {
		e.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if e.activeExecs != nil {
		switch eventType {
		case "STARTED":
			e.activeExecs.Add(ctx, 1, metric.WithAttributes(attribute.String("flow_id", flowID)))
		default:
			if terminalEvents[eventType] {
				e.activeExecs.Add(ctx, -1, metric.WithAttributes(attribute.String("flow_id", flowID)))
			}
		}
	}

	e.logger.InfoContext(ctx, "flow execution event",
		"execution_id", executionID,
		"flow_id", flowID,
		"flow_version", flowVersion,
		"event_type", eventType,
		"correlation_id", correlationID,
		"data", data,
		"timestamp", time.Now().UTC(),
	)
}
