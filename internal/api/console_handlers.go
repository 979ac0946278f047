package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LeadPipe/internal/auth"
	"github.com/BTreeMap/LeadPipe/internal/flow"
	"github.com/BTreeMap/LeadPipe/internal/messaging"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/go-chi/chi/v5"
)

// operator returns the authenticated operator; requireOperator guarantees it is set.
func operator(r *http.Request) auth.Operator {
	op, _ := auth.OperatorFromContext(r.Context())
	return op
}

// aiPauseToggleHandler handles POST /api/ai-pause/toggle.
func (s *Server) aiPauseToggleHandler(w http.ResponseWriter, r *http.Request) {
	op := operator(r)
	state, err := s.pipeline.ToggleAIPause(r.Context(), op.TenantID)
	if err != nil {
		slog.Error("Server.aiPauseToggleHandler: toggle failed", "error", err, "tenantID", op.TenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to toggle AI pause"))
		return
	}
	slog.Info("Server.aiPauseToggleHandler: toggled", "tenantID", op.TenantID, "userID", op.UserID, "aiPaused", state.AIPaused)
	writeJSONResponse(w, http.StatusOK, state)
}

// aiPauseStateHandler handles GET /api/ai-pause.
func (s *Server) aiPauseStateHandler(w http.ResponseWriter, r *http.Request) {
	op := operator(r)
	state, err := s.pipeline.AIPauseState(r.Context(), op.TenantID)
	if err != nil {
		slog.Error("Server.aiPauseStateHandler: read failed", "error", err, "tenantID", op.TenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read AI pause state"))
		return
	}
	writeJSONResponse(w, http.StatusOK, state)
}

// listContactsHandler handles GET /api/contacts, most recently active first.
func (s *Server) listContactsHandler(w http.ResponseWriter, r *http.Request) {
	op := operator(r)
	contacts, err := s.store.ListContacts(r.Context(), op.TenantID)
	if err != nil {
		slog.Error("Server.listContactsHandler: list failed", "error", err, "tenantID", op.TenantID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list contacts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(contacts))
}

// listMessagesHandler handles GET /api/contacts/{contactID}/messages.
func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	op := operator(r)
	contactID := chi.URLParam(r, "contactID")
	if _, err := s.store.GetContact(r.Context(), op.TenantID, contactID); err != nil {
		s.writeContactError(w, err, "Server.listMessagesHandler", contactID)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), op.TenantID, contactID)
	if err != nil {
		slog.Error("Server.listMessagesHandler: list failed", "error", err, "contactID", contactID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// sendHumanReplyHandler handles POST /api/contacts/{contactID}/messages.
func (s *Server) sendHumanReplyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	op := operator(r)
	contactID := chi.URLParam(r, "contactID")

	var req models.HumanReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sendHumanReplyHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	msg, err := s.pipeline.SendHumanReply(r.Context(), op.TenantID, contactID, req)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Message sent successfully", msg))
	case errors.Is(err, models.ErrBodyTooLong):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrBodyTooLong.Error()))
	case errors.Is(err, flow.ErrInvalidInput):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyBody.Error()))
	case errors.Is(err, store.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Contact not found"))
	case errors.Is(err, messaging.ErrSendFailed):
		slog.Error("Server.sendHumanReplyHandler: send failed", "error", err, "contactID", contactID)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to send message"))
	default:
		slog.Error("Server.sendHumanReplyHandler: reply failed", "error", err, "contactID", contactID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record message"))
	}
}

// deleteConversationHandler handles DELETE /api/contacts/{contactID}/messages.
func (s *Server) deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	op := operator(r)
	contactID := chi.URLParam(r, "contactID")
	n, err := s.pipeline.DeleteConversation(r.Context(), op.TenantID, contactID)
	if err != nil {
		s.writeContactError(w, err, "Server.deleteConversationHandler", contactID)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation deleted", map[string]int64{"deleted": n}))
}

func (s *Server) writeContactError(w http.ResponseWriter, err error, op, contactID string) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Contact not found"))
		return
	}
	slog.Error(op+": contact operation failed", "error", err, "contactID", contactID)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
}
