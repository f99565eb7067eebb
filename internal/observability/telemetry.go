// Package observability wires the zap logger, the OpenTelemetry tracer and
// the Prometheus registry shared by every threatlens component.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultServiceName  = "threatlens"
	runtimeSampleEvery  = 15 * time.Second
	exporterDialTimeout = 10 * time.Second
)

// Config selects log format and level and toggles tracing and metrics.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json, console

	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SamplingRate   float64 `yaml:"sampling_rate"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Telemetry owns the process-wide logger, tracer and metrics registry. It is
// built once in main and handed to components; nothing here is global except
// the otel provider registration.
type Telemetry struct {
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
	registry *prometheus.Registry
	metrics  *Metrics

	closeOnce sync.Once
	closers   []func(context.Context) error
}

// New builds telemetry. A tracer that cannot be set up is logged and
// replaced by the no-op provider so the service still starts.
func New(cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	t := &Telemetry{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	if cfg.TracingEnabled {
		tp, err := newTracerProvider(cfg)
		if err != nil {
			logger.Warn("Tracing disabled", zap.String("endpoint", cfg.OTLPEndpoint), zap.Error(err))
		} else {
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			))
			t.closers = append(t.closers, tp.Shutdown)
		}
	}
	t.tracer = otel.Tracer(cfg.ServiceName)

	if cfg.MetricsEnabled {
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		t.metrics = NewMetrics(t.registry)
	}
	return t, nil
}

// NewLogger returns a JSON production logger, or a colored console logger
// when LogFormat is "console". Unknown levels fall back to info.
func NewLogger(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if strings.EqualFold(cfg.LogFormat, "console") {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "timestamp"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	fields := map[string]any{"service": cfg.ServiceName}
	if cfg.ServiceVersion != "" {
		fields["version"] = cfg.ServiceVersion
	}
	if cfg.Environment != "" {
		fields["environment"] = cfg.Environment
	}
	zc.InitialFields = fields

	return zc.Build()
}

// newTracerProvider exports spans over OTLP gRPC. Child spans follow their
// parent's sampling decision; roots are sampled at SamplingRate.
func newTracerProvider(cfg Config) (*sdktrace.TracerProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exporterDialTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("environment", cfg.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	), nil
}

// Logger returns the root logger.
func (t *Telemetry) Logger() *zap.Logger { return t.logger }

// Tracer returns the service tracer. It is a no-op tracer when tracing is off.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Metrics returns the metric set, or nil when metrics are disabled. All
// Metrics helpers accept a nil receiver.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// MetricsHandler serves this instance's registry only.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// StartSystemMetricsCollector samples the goroutine gauge until ctx is done.
func (t *Telemetry) StartSystemMetricsCollector(ctx context.Context) {
	if t.metrics == nil {
		return
	}
	t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	go func() {
		ticker := time.NewTicker(runtimeSampleEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.metrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}

// Shutdown flushes the tracer and the logger. Later calls are no-ops.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	t.closeOnce.Do(func() {
		for _, closeFn := range t.closers {
			if err := closeFn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		// Sync on a terminal returns EINVAL on some platforms.
		_ = t.logger.Sync()
	})
	return errors.Join(errs...)
}
