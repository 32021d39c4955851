package inbound

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"webhookd/internal/engine/webhooks"
)

const (
	ProviderGitHub  = "github"
	ProviderStripe  = "stripe"
	ProviderGeneric = "generic"

	unknownEventType = "unknown"
)

// ErrMalformedPayload is returned when a provider requires a JSON body and
// the request did not carry one.
var ErrMalformedPayload = errors.New("malformed payload")

// Event holds the fields pulled out of an inbound request.
type Event struct {
	ID        string
	Type      string
	Signature *string
}

// Extractor knows one provider's header and body conventions.
type Extractor interface {
	Extract(body []byte, headers http.Header) (Event, error)
	Verify(body []byte, signature, secret string) bool
}

type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry returns a registry holding the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{extractors: make(map[string]Extractor)}
	r.Register(ProviderGitHub, GitHub{})
	r.Register(ProviderStripe, Stripe{})
	r.Register(ProviderGeneric, Generic{})
	return r
}

func (r *Registry) Register(name string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[strings.ToLower(name)] = e
}

// Lookup returns the extractor for name, or the generic one.
func (r *Registry) Lookup(name string) Extractor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.extractors[strings.ToLower(name)]; ok {
		return e
	}
	return Generic{}
}

// GitHub reads X-GitHub-Delivery, X-GitHub-Event and X-Hub-Signature-256.
type GitHub struct{}

func (GitHub) Extract(_ []byte, headers http.Header) (Event, error) {
	return Event{
		ID:        firstNonEmpty(headers.Get("X-GitHub-Delivery"), uuid.New().String()),
		Type:      firstNonEmpty(headers.Get("X-GitHub-Event"), unknownEventType),
		Signature: headerPtr(headers, "X-Hub-Signature-256"),
	}, nil
}

func (GitHub) Verify(body []byte, signature, secret string) bool {
	return webhooks.Verify(body, signature, secret)
}

// Stripe requires a JSON body. The event id and type are read from it when
// present.
type Stripe struct{}

func (Stripe) Extract(body []byte, headers http.Header) (Event, error) {
	if !gjson.ValidBytes(body) {
		return Event{}, ErrMalformedPayload
	}
	return Event{
		ID:        firstNonEmpty(gjson.GetBytes(body, "id").String(), uuid.New().String()),
		Type:      firstNonEmpty(gjson.GetBytes(body, "type").String(), unknownEventType),
		Signature: headerPtr(headers, "Stripe-Signature"),
	}, nil
}

// Verify checks a "t=<unix>,v1=<hex>" header against HMAC(t + "." + body).
func (Stripe) Verify(body []byte, signature, secret string) bool {
	var ts string
	var candidates []string
	for _, part := range strings.Split(signature, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, c := range candidates {
		decoded, err := hex.DecodeString(c)
		if err == nil && hmac.Equal(expected, decoded) {
			return true
		}
	}
	return false
}

// Generic accepts any body. Ids come from custom headers, then from a JSON
// body if there is one, then are generated.
type Generic struct{}

func (Generic) Extract(body []byte, headers http.Header) (Event, error) {
	id := firstNonEmpty(headers.Get("X-Webhook-ID"), headers.Get("X-Event-ID"))
	typ := firstNonEmpty(headers.Get("X-Webhook-Event"), headers.Get("X-Event-Type"))

	if (id == "" || typ == "") && gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if parsed.IsObject() {
			id = firstNonEmpty(id, parsed.Get("id").String())
			typ = firstNonEmpty(typ, parsed.Get("type").String(), parsed.Get("event").String())
		}
	}

	return Event{
		ID:        firstNonEmpty(id, uuid.New().String()),
		Type:      firstNonEmpty(typ, unknownEventType),
		Signature: headerPtr(headers, "X-Webhook-Signature"),
	}, nil
}

func (Generic) Verify(body []byte, signature, secret string) bool {
	return webhooks.Verify(body, signature, secret)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func headerPtr(headers http.Header, key string) *string {
	v := headers.Get(key)
	if v == "" {
		return nil
	}
	return &v
}
