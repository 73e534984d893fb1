package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/config"
	"keymint/internal/services"
	"keymint/internal/webhook"
)

// stubWebhookService scripts ingestion outcomes
type stubWebhookService struct {
	resp     *services.IngestResponse
	err      error
	provider string
	body     []byte
}

func (s *stubWebhookService) Ingest(ctx context.Context, provider string, body []byte, headers http.Header) (*services.IngestResponse, error) {
	s.provider = provider
	s.body = body
	return s.resp, s.err
}

func webhookTestConfig() config.WebhookConfig {
	return config.WebhookConfig{
		Tolerance:    5 * time.Minute,
		MaxBodyBytes: 1024,
		AdmitTimeout: 5 * time.Second,
	}
}

func postWebhook(t *testing.T, svc services.WebhookService, provider string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	handler := NewWebhookHandler(svc, webhookTestConfig(), testLogger())
	req := httptest.NewRequest(http.MethodPost, "/"+provider, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Routes().ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandlerIngest(t *testing.T) {
	tests := []struct {
		name       string
		resp       *services.IngestResponse
		wantStatus int
		wantBody   string
	}{
		{
			name:       "accepted",
			resp:       &services.IngestResponse{Outcome: webhook.Accepted},
			wantStatus: http.StatusOK,
			wantBody:   "accepted",
		},
		{
			name:       "duplicate acknowledged",
			resp:       &services.IngestResponse{Outcome: webhook.Duplicate},
			wantStatus: http.StatusOK,
			wantBody:   "duplicate",
		},
		{
			name:       "rejected",
			resp:       &services.IngestResponse{Outcome: webhook.Rejected, Reason: "signature_invalid"},
			wantStatus: http.StatusBadRequest,
			wantBody:   "signature_invalid",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubWebhookService{resp: tt.resp}
			rec := postWebhook(t, svc, "stripe", []byte(`{"id":"evt_1"}`))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			assert.Equal(t, "stripe", svc.provider)
		})
	}
}

func TestWebhookHandlerIngestAccepted(t *testing.T) {
	svc := &stubWebhookService{resp: &services.IngestResponse{Outcome: webhook.Accepted}}
	rec := postWebhook(t, svc, "stripe", []byte(`{"id":"evt_1"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.Equal(t, "accepted", resp.Status)
}

func TestWebhookHandlerServiceFailure(t *testing.T) {
	svc := &stubWebhookService{err: context.DeadlineExceeded}
	rec := postWebhook(t, svc, "stripe", []byte(`{"id":"evt_1"}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookHandlerBoundsBodySize(t *testing.T) {
	svc := &stubWebhookService{resp: &services.IngestResponse{Outcome: webhook.Rejected, Reason: "signature_invalid"}}
	oversized := bytes.Repeat([]byte("x"), 4096)
	postWebhook(t, svc, "stripe", oversized)

	// The handler truncates at the configured cap before verification.
	assert.Len(t, svc.body, 1024)
}
