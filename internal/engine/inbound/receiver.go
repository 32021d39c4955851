package inbound

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"webhookd/internal/platform/models"
)

type LogStore interface {
	FindByEventID(ctx context.Context, provider, eventID string) (*models.InboundLog, error)
	CreateIfNotExists(ctx context.Context, entry *models.InboundLog) (bool, error)
	MarkProcessed(ctx context.Context, id string, processingError string) error
}

// Receipt is the outcome of one ingestion.
type Receipt struct {
	LogID     string
	EventID   string
	EventType string
	Duplicate bool
	Verified  bool
}

// Receiver stores inbound webhooks exactly once per (provider, event id).
// Payload processing happens elsewhere.
type Receiver struct {
	store    LogStore
	registry *Registry
	secrets  map[string]string
	logger   zerolog.Logger
}

func NewReceiver(store LogStore, registry *Registry, secrets map[string]string, logger zerolog.Logger) *Receiver {
	if registry == nil {
		registry = NewRegistry()
	}
	normalized := make(map[string]string, len(secrets))
	for k, v := range secrets {
		normalized[strings.ToLower(k)] = v
	}
	return &Receiver{store: store, registry: registry, secrets: normalized, logger: logger}
}

// Receive extracts the event identity, short-circuits duplicates and logs the
// rest. Only ErrMalformedPayload and store failures are returned.
func (r *Receiver) Receive(ctx context.Context, provider string, body []byte, headers http.Header) (*Receipt, error) {
	provider = strings.ToLower(provider)
	extractor := r.registry.Lookup(provider)

	evt, err := extractor.Extract(body, headers)
	if err != nil {
		return nil, err
	}

	logger := r.logger.With().Str("provider", provider).Str("event_id", evt.ID).Logger()

	existing, err := r.store.FindByEventID(ctx, provider, evt.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup inbound event: %w", err)
	}
	if existing != nil {
		logger.Info().Msg("Duplicate inbound webhook ignored")
		return &Receipt{LogID: existing.ID, EventID: evt.ID, EventType: existing.EventType, Duplicate: true, Verified: existing.Verified}, nil
	}

	entry := &models.InboundLog{
		Provider:  provider,
		EventID:   evt.ID,
		EventType: evt.Type,
		Payload:   string(body),
		Signature: evt.Signature,
		Verified:  r.verify(provider, extractor, body, evt.Signature),
	}

	created, err := r.store.CreateIfNotExists(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("store inbound event: %w", err)
	}
	if !created {
		// Lost a race with a concurrent delivery of the same event.
		winner, err := r.store.FindByEventID(ctx, provider, evt.ID)
		if err != nil {
			return nil, fmt.Errorf("lookup inbound event: %w", err)
		}
		receipt := &Receipt{EventID: evt.ID, EventType: evt.Type, Duplicate: true}
		if winner != nil {
			receipt.LogID = winner.ID
			receipt.Verified = winner.Verified
		}
		logger.Info().Msg("Duplicate inbound webhook ignored")
		return receipt, nil
	}

	logger.Info().Str("event_type", evt.Type).Bool("verified", entry.Verified).Msg("Inbound webhook received")
	return &Receipt{LogID: entry.ID, EventID: evt.ID, EventType: evt.Type, Verified: entry.Verified}, nil
}

// MarkProcessed records that a downstream processor handled the event.
func (r *Receiver) MarkProcessed(ctx context.Context, logID string, processingErr error) error {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	return r.store.MarkProcessed(ctx, logID, msg)
}

// verify never rejects; without a configured secret the result is false.
func (r *Receiver) verify(provider string, extractor Extractor, body []byte, signature *string) bool {
	secret, ok := r.secrets[provider]
	if !ok || secret == "" || signature == nil {
		return false
	}
	return extractor.Verify(body, *signature, secret)
}
