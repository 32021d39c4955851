package handlers

import (
	"encoding/json"
	"net/http"

	"webhookd/internal/api/middleware"
	"webhookd/internal/engine/webhooks"
	"webhookd/internal/pkg/errors"
	"webhookd/internal/pkg/validator"
	"webhookd/internal/platform/audit"
	"webhookd/internal/platform/models"
)

// EventHandler lets trusted services publish domain events.
type EventHandler struct {
	emitter webhooks.Emitter
	audit   *audit.Logger
}

func NewEventHandler(emitter webhooks.Emitter, auditLog *audit.Logger) *EventHandler {
	return &EventHandler{emitter: emitter, audit: auditLog}
}

type publishRequest struct {
	Event string          `json:"event" validate:"required,event_type"`
	Data  json.RawMessage `json:"data"`
}

func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := validator.Struct(req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Validation failed", validator.Details(err))
		return
	}

	if req.Event == models.WildcardEvent {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "The wildcard is not an event type", nil)
		return
	}

	var data interface{} = req.Data
	if len(req.Data) == 0 {
		data = nil
	}

	h.emitter.Emit(r.Context(), req.Event, data)

	var userID string
	if claims := middleware.ClaimsFrom(r.Context()); claims != nil {
		userID = claims.UserID
	}
	h.audit.Log(r.Context(), audit.FromRequest(r, userID, audit.ActionPublish, "event", req.Event))
	errors.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true, "event": req.Event})
}
