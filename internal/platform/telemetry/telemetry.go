package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/animus-labs/adpipe/internal/platform/env"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

type Config struct {
	Enabled        bool
	ServiceName    string
	MetricInterval time.Duration
	// Output receives exported telemetry; nil means stdout.
	Output io.Writer
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("ADPIPE_TELEMETRY_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Duration("ADPIPE_TELEMETRY_METRIC_INTERVAL", time.Minute)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:        enabled,
		ServiceName:    env.String("ADPIPE_TELEMETRY_SERVICE_NAME", "adpipe"),
		MetricInterval: interval,
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return errors.New("telemetry service name is required")
	}
	if c.MetricInterval <= 0 {
		return errors.New("telemetry metric interval must be positive")
	}
	return nil
}

// Setup installs global trace, metric and log providers and returns the
// logger the process should use. With telemetry disabled it returns a JSON
// logger on stdout and a no-op shutdown.
func Setup(ctx context.Context, cfg Config) (*slog.Logger, func(context.Context) error, error) {
	if !cfg.Enabled {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil)), func(context.Context) error { return nil }, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var shutdowns []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var err error
		for _, fn := range shutdowns {
			err = errors.Join(err, fn(ctx))
		}
		shutdowns = nil
		return err
	}
	fail := func(err error) (*slog.Logger, func(context.Context) error, error) {
		return nil, nil, errors.Join(err, shutdown(ctx))
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return fail(err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return fail(err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	shutdowns = append(shutdowns, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
	if err != nil {
		return fail(err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.MetricInterval))),
		sdkmetric.WithResource(res),
	)
	shutdowns = append(shutdowns, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	logExporter, err := stdoutlog.New(stdoutlog.WithWriter(out))
	if err != nil {
		return fail(err)
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	shutdowns = append(shutdowns, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	logger := otelslog.NewLogger(cfg.ServiceName, otelslog.WithLoggerProvider(loggerProvider))
	return logger, shutdown, nil
}
