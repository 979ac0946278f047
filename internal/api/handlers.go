// Package api provides HTTP handlers for LeadPipe endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Webhook response bodies.
const (
	textMissingFrom    = "Missing From"
	textInvalidForm    = "Invalid form body"
	textInternalError  = "Internal server error"
	textMissingStatus  = "Missing MessageSid or MessageStatus"
	textStatusUpdated  = "Status bijgewerkt ✓"
	textStatusNotSaved = "Status kon niet worden opgeslagen"
)

// inboundWebhookHandler handles POST /webhooks/twilio/inbound.
// Every handled message answers 204, including paused tenants and redeliveries.
func (s *Server) inboundWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.inboundWebhookHandler: invalid form body", "error", err)
		writeTextResponse(w, http.StatusBadRequest, textInvalidForm)
		return
	}
	in := models.InboundMessage{
		From:       r.PostForm.Get("From"),
		To:         r.PostForm.Get("To"),
		Body:       r.PostForm.Get("Body"),
		MessageSID: r.PostForm.Get("MessageSid"),
	}
	if in.From == "" {
		slog.Warn("Server.inboundWebhookHandler: missing From")
		writeTextResponse(w, http.StatusBadRequest, textMissingFrom)
		return
	}

	outcome, err := s.pipeline.HandleInbound(r.Context(), in)
	if errors.Is(err, flow.ErrInvalidInput) {
		writeTextResponse(w, http.StatusBadRequest, textMissingFrom)
		return
	}
	if err != nil {
		slog.Error("Server.inboundWebhookHandler: inbound processing failed", "error", err, "sid", in.MessageSID)
		writeTextResponse(w, http.StatusInternalServerError, textInternalError)
		return
	}
	slog.Debug("Server.inboundWebhookHandler: handled", "sid", in.MessageSID, "outcome", outcome)
	w.WriteHeader(http.StatusNoContent)
}

// statusWebhookHandler handles POST /webhooks/twilio/status.
func (s *Server) statusWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.statusWebhookHandler: invalid form body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": textMissingStatus})
		return
	}
	cb := models.StatusCallback{
		MessageSID: r.PostForm.Get("MessageSid"),
		Status:     r.PostForm.Get("MessageStatus"),
	}
	err := s.pipeline.HandleStatusCallback(r.Context(), cb)
	if errors.Is(err, flow.ErrInvalidInput) {
		writeJSONResponse(w, http.StatusBadRequest, map[string]string{"error": textMissingStatus})
		return
	}
	if err != nil {
		slog.Error("Server.statusWebhookHandler: status update failed", "error", err, "sid", cb.MessageSID)
		writeJSONResponse(w, http.StatusInternalServerError, map[string]string{"error": textStatusNotSaved})
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"success": textStatusUpdated})
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":                "healthy",
		"timestamp":             time.Now().UTC().Format(time.RFC3339),
		"realtime_connections":  s.hub.ConnectionCount(),
		"console_authenticated": s.auth != nil,
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}
