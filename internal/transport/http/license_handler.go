package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apiErrors "keymint/internal/errors"
	"keymint/internal/services"
)

var validate = validator.New()

// LicenseHandler handles license validation and status requests
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))
	r.Post("/validate", h.Validate)
	r.Get("/status", h.Status)
	return r
}

// ValidationRequest is the license validation request payload
type ValidationRequest struct {
	Key               string `json:"key" validate:"required"`
	ProductID         string `json:"product_id" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required"`
}

// Bind implements the render.Binder interface
func (v *ValidationRequest) Bind(r *http.Request) error {
	return validate.Struct(v)
}

// Validate handles POST /api/license/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ValidationRequest
	if err := render.Bind(r, &req); err != nil {
		render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.InvalidRequestWithError(err)))
		return
	}

	resp, err := h.service.Validate(ctx, req.Key, req.ProductID, req.DeviceFingerprint)
	if err != nil {
		// Raw internals stay inside; clients get a generic failure.
		h.logger.ErrorContext(ctx, "validation error", slog.String("error", err.Error()))
		render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.ErrServiceUnavailable))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// Status handles GET /api/license/status
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := r.URL.Query().Get("key")
	if key == "" {
		render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.ErrValidation("key", "key query parameter is required")))
		return
	}

	resp, err := h.service.Status(ctx, key)
	if err != nil {
		if errors.Is(err, apiErrors.ErrLicenseUnknown) {
			render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.NotFoundError("license")))
			return
		}
		h.logger.ErrorContext(ctx, "status lookup error", slog.String("error", err.Error()))
		render.Render(w, r, apiErrors.NewErrorResponse(apiErrors.ErrServiceUnavailable))
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}
