package services

import (
	"context"
	"log/slog"
	"net/http"

	"keymint/internal/provision"
	"keymint/internal/webhook"
)

// WebhookService is the transport-facing facade over webhook admission and
// provisioning. Admission and application are sequential on purpose: the
// event is durable before any license state moves, so a crash in between is
// recoverable by replay.
type WebhookService interface {
	Ingest(ctx context.Context, provider string, body []byte, headers http.Header) (*IngestResponse, error)
}

// EventLookup reads back admitted events so a duplicate delivery can tell
// whether the first delivery ever got applied
type EventLookup interface {
	Find(ctx context.Context, provider, eventID string) (webhook.PaymentEvent, error)
}

// IngestResponse reports the admission outcome to the webhook sender
type IngestResponse struct {
	Outcome webhook.Outcome
	Reason  string
}

type webhookService struct {
	guard   *webhook.Guard
	machine *provision.Machine
	events  EventLookup
	metrics *Metrics
	logger  *slog.Logger
}

// NewWebhookService creates the webhook service facade
func NewWebhookService(guard *webhook.Guard, machine *provision.Machine, events EventLookup, metrics *Metrics, logger *slog.Logger) WebhookService {
	return &webhookService{
		guard:   guard,
		machine: machine,
		events:  events,
		metrics: metrics,
		logger:  logger.With(slog.String("service", "webhook")),
	}
}

// Ingest admits one raw webhook and, when accepted, applies it to license
// state. Duplicates of an applied event succeed without touching anything;
// duplicates of an event whose first application failed re-apply it, so
// provider retries converge without waiting for a restart.
func (s *webhookService) Ingest(ctx context.Context, provider string, body []byte, headers http.Header) (*IngestResponse, error) {
	decision, err := s.guard.Admit(ctx, provider, body, headers)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAdmission(ctx, provider, decision.Outcome.String())

	switch decision.Outcome {
	case webhook.Accepted:
		if err := s.apply(ctx, decision.Event); err != nil {
			return nil, err
		}
		return &IngestResponse{Outcome: webhook.Accepted}, nil
	case webhook.Duplicate:
		stored, err := s.events.Find(ctx, provider, decision.Event.EventID)
		if err != nil {
			return nil, err
		}
		if stored.ProcessedAt == nil {
			if err := s.apply(ctx, stored); err != nil {
				return nil, err
			}
		}
		return &IngestResponse{Outcome: webhook.Duplicate}, nil
	default:
		return &IngestResponse{Outcome: decision.Outcome, Reason: decision.Reason}, nil
	}
}

func (s *webhookService) apply(ctx context.Context, event webhook.PaymentEvent) error {
	if err := s.machine.Apply(ctx, event); err != nil {
		// The event is already durable; the next delivery or startup
		// reconciliation replays it.
		s.logger.ErrorContext(ctx, "admitted event failed to apply",
			slog.String("event", event.Key()),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.metrics.RecordTransition(ctx, string(event.Canonical))
	return nil
}
