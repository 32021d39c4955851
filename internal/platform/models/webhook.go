package models

import "time"

const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"

	// WildcardEvent subscribes to every event type.
	WildcardEvent = "*"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts may be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// Subscription is a registered receiver of outgoing events.
type Subscription struct {
	ID           string    `json:"id"`
	UserID       *string   `json:"user_id,omitempty"`
	URL          string    `json:"url"`
	Events       []string  `json:"events"` // JSON array in DB
	Secret       string    `json:"secret,omitempty"`
	Active       bool      `json:"active"`
	MaxRetries   int       `json:"max_retries"`
	RetryBackoff string    `json:"retry_backoff"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Matches reports whether the subscription listens to eventType.
func (s *Subscription) Matches(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType || e == WildcardEvent {
			return true
		}
	}
	return false
}

// OwnedBy reports whether userID may mutate the subscription.
// Anonymous subscriptions have no owner and are not mutable through the API.
func (s *Subscription) OwnedBy(userID string) bool {
	return s.UserID != nil && *s.UserID == userID
}

// Delivery is one outgoing event instance for one subscription.
type Delivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	EventType      string         `json:"event_type"`
	Payload        string         `json:"payload"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	LastAttempt    *time.Time     `json:"last_attempt,omitempty"`
	NextRetry      *time.Time     `json:"next_retry,omitempty"`
	ResponseCode   *int           `json:"response_code,omitempty"`
	ResponseBody   string         `json:"response_body,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// WebhookEvent is the envelope serialized as the body of every delivery.
type WebhookEvent struct {
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// InboundLog is an immutable record of a webhook received from a third party.
type InboundLog struct {
	ID           string     `json:"id"`
	Provider     string     `json:"provider"`
	EventID      string     `json:"event_id"`
	EventType    string     `json:"event_type"`
	Payload      string     `json:"payload"`
	Signature    *string    `json:"signature,omitempty"`
	Verified     bool       `json:"verified"`
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ReceivedAt   time.Time  `json:"received_at"`
}
