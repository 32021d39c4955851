package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	apiContext "webhookd/internal/api/context"
	"webhookd/internal/api/middleware"
	"webhookd/internal/engine/webhooks"
	"webhookd/internal/pkg/errors"
	"webhookd/internal/pkg/validator"
	"webhookd/internal/platform/audit"
	"webhookd/internal/platform/config"
	"webhookd/internal/platform/models"
	"webhookd/internal/platform/repositories"
)

type Redeliverer interface {
	Redeliver(ctx context.Context, deliveryID string) error
}

// WebhookHandler manages outgoing subscriptions and their deliveries.
type WebhookHandler struct {
	subs       *repositories.SubscriptionRepository
	deliveries *repositories.DeliveryRepository
	engine     Redeliverer
	defaults   config.WebhooksConfig
	audit      *audit.Logger
}

func NewWebhookHandler(subs *repositories.SubscriptionRepository, deliveries *repositories.DeliveryRepository, engine Redeliverer, defaults config.WebhooksConfig, auditLog *audit.Logger) *WebhookHandler {
	return &WebhookHandler{subs: subs, deliveries: deliveries, engine: engine, defaults: defaults, audit: auditLog}
}

type createSubscriptionRequest struct {
	URL          string   `json:"url" validate:"required,url"`
	Events       []string `json:"events" validate:"required,min=1,dive,event_type"`
	Secret       string   `json:"secret" validate:"omitempty,min=8"`
	MaxRetries   *int     `json:"max_retries" validate:"omitempty,gte=0,lte=20"`
	RetryBackoff string   `json:"retry_backoff" validate:"omitempty,backoff"`
	Description  string   `json:"description" validate:"max=500"`
}

type updateSubscriptionRequest struct {
	URL          *string  `json:"url" validate:"omitempty,url"`
	Events       []string `json:"events" validate:"omitempty,min=1,dive,event_type"`
	Secret       *string  `json:"secret" validate:"omitempty,min=8"`
	Active       *bool    `json:"active"`
	MaxRetries   *int     `json:"max_retries" validate:"omitempty,gte=0,lte=20"`
	RetryBackoff *string  `json:"retry_backoff" validate:"omitempty,backoff"`
	Description  *string  `json:"description" validate:"omitempty,max=500"`
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := validator.Struct(req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Validation failed", validator.Details(err))
		return
	}

	sub := &models.Subscription{
		UserID:       &claims.UserID,
		URL:          req.URL,
		Events:       req.Events,
		Secret:       req.Secret,
		Active:       true,
		MaxRetries:   h.defaults.DefaultMaxRetries,
		RetryBackoff: h.defaults.DefaultBackoff,
		Description:  req.Description,
	}
	if req.MaxRetries != nil {
		sub.MaxRetries = *req.MaxRetries
	}
	if req.RetryBackoff != "" {
		sub.RetryBackoff = req.RetryBackoff
	}
	if sub.Secret == "" {
		secret, err := generateSecret()
		if err != nil {
			h.internalError(w, err, "generate secret")
			return
		}
		sub.Secret = secret
	}

	if err := h.subs.Create(r.Context(), sub); err != nil {
		h.internalError(w, err, "create subscription")
		return
	}

	h.record(r, audit.ActionCreate, sub.ID, map[string]interface{}{"url": sub.URL, "events": sub.Events})

	// The secret is only ever shown on creation.
	errors.WriteJSON(w, http.StatusCreated, sub)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())

	subs, err := h.subs.List(r.Context(), claims.UserID)
	if err != nil {
		h.internalError(w, err, "list subscriptions")
		return
	}

	out := make([]*models.Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, redact(sub))
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"webhooks": out})
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}
	errors.WriteJSON(w, http.StatusOK, redact(sub))
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}

	var req updateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := validator.Struct(req); err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Validation failed", validator.Details(err))
		return
	}

	if req.URL != nil {
		sub.URL = *req.URL
	}
	if len(req.Events) > 0 {
		sub.Events = req.Events
	}
	if req.Secret != nil {
		sub.Secret = *req.Secret
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if req.MaxRetries != nil {
		sub.MaxRetries = *req.MaxRetries
	}
	if req.RetryBackoff != nil {
		sub.RetryBackoff = *req.RetryBackoff
	}
	if req.Description != nil {
		sub.Description = *req.Description
	}

	if err := h.subs.Update(r.Context(), sub); err != nil {
		h.internalError(w, err, "update subscription")
		return
	}
	h.record(r, audit.ActionUpdate, sub.ID, nil)
	errors.WriteJSON(w, http.StatusOK, redact(sub))
}

// Delete removes the subscription, or deactivates it when deliveries still
// reference it so their history is kept.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}

	referenced, err := h.subs.HasDeliveries(r.Context(), sub.ID)
	if err != nil {
		h.internalError(w, err, "check deliveries")
		return
	}

	if referenced {
		sub.Active = false
		if err := h.subs.Update(r.Context(), sub); err != nil {
			h.internalError(w, err, "deactivate subscription")
			return
		}
		h.record(r, audit.ActionDeactivate, sub.ID, nil)
		errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"id": sub.ID, "deleted": false, "active": false})
		return
	}

	if err := h.subs.Delete(r.Context(), sub.ID); err != nil {
		h.internalError(w, err, "delete subscription")
		return
	}
	h.record(r, audit.ActionDelete, sub.ID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 50
	}

	deliveries, err := h.deliveries.ListBySubscription(r.Context(), sub.ID, limit)
	if err != nil {
		h.internalError(w, err, "list deliveries")
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"deliveries": deliveries})
}

func (h *WebhookHandler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.ownedSubscription(w, r)
	if !ok {
		return
	}
	deliveryID := param(r, "delivery_id")

	d, err := h.deliveries.FindByID(r.Context(), deliveryID)
	if err != nil {
		h.internalError(w, err, "load delivery")
		return
	}
	if d == nil || d.SubscriptionID != sub.ID {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Delivery not found", nil)
		return
	}

	switch err := h.engine.Redeliver(r.Context(), d.ID); {
	case err == nil:
		h.record(r, audit.ActionRetry, d.ID, map[string]interface{}{"webhook_id": sub.ID})
		errors.WriteJSON(w, http.StatusAccepted, map[string]interface{}{"id": d.ID, "queued": true})
	case stderrors.Is(err, webhooks.ErrTerminal):
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, "Delivery is already "+string(d.Status), nil)
	case stderrors.Is(err, webhooks.ErrDeliveryNotFound):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Delivery not found", nil)
	default:
		h.internalError(w, err, "redeliver")
	}
}

// ownedSubscription loads the subscription named in the path. Callers that
// do not own it get a 404.
func (h *WebhookHandler) ownedSubscription(w http.ResponseWriter, r *http.Request) (*models.Subscription, bool) {
	claims := middleware.ClaimsFrom(r.Context())

	sub, err := h.subs.FindByID(r.Context(), param(r, "webhook_id"))
	if err != nil {
		h.internalError(w, err, "load subscription")
		return nil, false
	}
	if sub == nil || claims == nil || !sub.OwnedBy(claims.UserID) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Webhook not found", nil)
		return nil, false
	}
	return sub, true
}

func (h *WebhookHandler) internalError(w http.ResponseWriter, err error, op string) {
	log.Error().Err(err).Str("op", op).Msg("Webhook API error")
	errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Internal server error", nil)
}

func (h *WebhookHandler) record(r *http.Request, action, resourceID string, metadata map[string]interface{}) {
	var userID string
	if claims := middleware.ClaimsFrom(r.Context()); claims != nil {
		userID = claims.UserID
	}
	resourceType := "webhook"
	if action == audit.ActionRetry {
		resourceType = "delivery"
	}
	entry := audit.FromRequest(r, userID, action, resourceType, resourceID)
	entry.Metadata = metadata
	h.audit.Log(r.Context(), entry)
}

func redact(sub *models.Subscription) *models.Subscription {
	out := *sub
	out.Secret = ""
	return &out
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

func param(r *http.Request, name string) string {
	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	return params.ByName(name)
}
