package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keymint/internal/config"
	apiErrors "keymint/internal/errors"
	"keymint/internal/services"
	"keymint/internal/webhook"
)

// WebhookHandler ingests provider webhooks. Both accepted and duplicate
// deliveries return 200 so providers stop retrying; only failed
// verification returns 400.
type WebhookHandler struct {
	service services.WebhookService
	cfg     config.WebhookConfig
	logger  *slog.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(service services.WebhookService, cfg config.WebhookConfig, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		cfg:     cfg,
		logger:  logger.With(slog.String("handler", "webhook")),
	}
}

// Routes returns a chi router for webhook ingestion
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{provider}", h.Ingest)
	return r
}

// IngestResponse acknowledges a webhook delivery
type IngestResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// Ingest handles POST /api/webhooks/{provider}
func (h *WebhookHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.ErrInvalidRequest))
		return
	}

	// Admission is bounded: a wedged dependency turns into a 5xx and the
	// provider retries later, it never hangs the listener.
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.AdmitTimeout)
	defer cancel()

	resp, err := h.service.Ingest(ctx, provider, body, r.Header)
	if err != nil {
		h.logger.ErrorContext(ctx, "webhook ingestion failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.ErrServiceUnavailable))
		return
	}

	switch resp.Outcome {
	case webhook.Accepted, webhook.Duplicate:
		render.Status(r, http.StatusOK)
		render.JSON(w, r, IngestResponse{Received: true, Status: resp.Outcome.String()})
	default:
		render.Render(w, r, apiErrors.NewErrorResponse(
			apiErrors.NewWithDetails(http.StatusBadRequest, "WEBHOOK_REJECTED", "Webhook verification failed", resp.Reason)))
	}
}
