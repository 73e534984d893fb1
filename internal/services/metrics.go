package services

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the service-level OpenTelemetry instruments
type Metrics struct {
	validations metric.Int64Counter
	admissions  metric.Int64Counter
	transitions metric.Int64Counter
}

// NewMetrics registers the service instruments on the given meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	validations, err := meter.Int64Counter("keymint.validations",
		metric.WithDescription("License validation outcomes by reason"))
	if err != nil {
		return nil, err
	}
	admissions, err := meter.Int64Counter("keymint.webhook_admissions",
		metric.WithDescription("Webhook admission decisions by outcome"))
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("keymint.license_transitions",
		metric.WithDescription("License state transitions applied from payment events"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		validations: validations,
		admissions:  admissions,
		transitions: transitions,
	}, nil
}

// RecordValidation counts one validation outcome
func (m *Metrics) RecordValidation(ctx context.Context, valid bool, reason string) {
	if m == nil {
		return
	}
	m.validations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Bool("valid", valid),
			attribute.String("reason", reason),
		))
}

// RecordAdmission counts one webhook admission decision
func (m *Metrics) RecordAdmission(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.admissions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		))
}

// RecordTransition counts one applied event type
func (m *Metrics) RecordTransition(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event_type", eventType)))
}
