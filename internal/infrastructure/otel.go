package infrastructure

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ServiceName identifies this service in telemetry
	ServiceName = "keymint"
	// MeterName scopes all instruments created by this service
	MeterName = "keymint"
)

// OTelProviders holds the OpenTelemetry providers and handles
type OTelProviders struct {
	MeterProvider  *sdkmetric.MeterProvider
	Meter          metric.Meter
	Tracer         trace.Tracer
	PrometheusHTTP http.Handler
}

// InitializeOTel wires the OpenTelemetry meter provider with a Prometheus
// exporter so metrics are scrapeable from the main HTTP listener.
func InitializeOTel(serviceVersion string) (*OTelProviders, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otel resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	return &OTelProviders{
		MeterProvider:  mp,
		Meter:          mp.Meter(MeterName),
		Tracer:         otel.Tracer(ServiceName),
		PrometheusHTTP: promhttp.Handler(),
	}, nil
}

// Shutdown flushes and stops the telemetry providers
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	if p == nil || p.MeterProvider == nil {
		return nil
	}
	return p.MeterProvider.Shutdown(ctx)
}
