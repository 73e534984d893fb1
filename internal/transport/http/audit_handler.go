package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keymint/internal/audit"
	apiErrors "keymint/internal/errors"
)

// AuditHandler exposes the read-only audit export. Every served range is
// chain-verified first; a store that fails verification serves nothing.
type AuditHandler struct {
	log    *audit.Log
	logger *slog.Logger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(log *audit.Log, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{
		log:    log,
		logger: logger.With(slog.String("handler", "audit")),
	}
}

// Routes returns a chi router for audit export
func (h *AuditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Export)
	return r
}

// ExportResponse carries a verified audit range
type ExportResponse struct {
	Entries  []audit.Entry `json:"entries"`
	Verified bool          `json:"verified"`
	From     uint64        `json:"from"`
	To       uint64        `json:"to"`
}

// Export handles GET /api/audit?from=&to=
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, err := h.log.Len(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit length lookup failed", slog.String("error", err.Error()))
		render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.ErrServiceUnavailable))
		return
	}
	if total == 0 {
		render.Status(r, http.StatusOK)
		render.JSON(w, r, ExportResponse{Entries: []audit.Entry{}, Verified: true})
		return
	}

	from, ok := parseSeq(r, "from", 0)
	if !ok {
		render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.ErrValidation("from", "must be a non-negative integer")))
		return
	}
	to, ok := parseSeq(r, "to", total-1)
	if !ok {
		render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.ErrValidation("to", "must be a non-negative integer")))
		return
	}
	if from > to || to >= total {
		render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.ErrValidation("range", "out of bounds")))
		return
	}

	entries, err := h.log.Export(ctx, from, to)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit export failed verification", slog.String("error", err.Error()))
		render.Render(w, r, apiErrors.NewErrorResponse(
			apiErrors.New(http.StatusInternalServerError, "AUDIT_CHAIN_INVALID", "Audit chain failed verification")))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ExportResponse{Entries: entries, Verified: true, From: from, To: to})
}

func parseSeq(r *http.Request, name string, fallback uint64) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
