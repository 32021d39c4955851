package handlers

import (
	stderrors "errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"webhookd/internal/engine/inbound"
	"webhookd/internal/pkg/errors"
)

// InboundHandler accepts webhooks sent to us by third parties.
type InboundHandler struct {
	receiver     *inbound.Receiver
	maxBodyBytes int64
}

func NewInboundHandler(receiver *inbound.Receiver, maxBodyBytes int64) *InboundHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &InboundHandler{receiver: receiver, maxBodyBytes: maxBodyBytes}
}

func (h *InboundHandler) Incoming(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, param(r, "provider"))
}

func (h *InboundHandler) GitHub(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, inbound.ProviderGitHub)
}

func (h *InboundHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	h.receive(w, r, inbound.ProviderStripe)
}

func (h *InboundHandler) receive(w http.ResponseWriter, r *http.Request, provider string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			errors.WriteError(w, http.StatusRequestEntityTooLarge, errors.ErrCodeInvalidInput, "Payload too large", nil)
			return
		}
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Could not read body", nil)
		return
	}

	receipt, err := h.receiver.Receive(r.Context(), provider, body, r.Header)
	if err != nil {
		if stderrors.Is(err, inbound.ErrMalformedPayload) {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid JSON payload", nil)
			return
		}
		log.Error().Err(err).Str("provider", provider).Msg("Failed to store inbound webhook")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Internal server error", nil)
		return
	}

	if receipt.Duplicate {
		errors.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"received":  true,
			"duplicate": true,
			"message":   "Event already processed",
		})
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"received": true, "id": receipt.LogID})
}
