package audit

import (
	"context"
	"net"
	"net/http"

	"github.com/rs/zerolog"
)

const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionDelete     = "delete"
	ActionDeactivate = "deactivate"
	ActionRetry      = "retry"
	ActionPublish    = "publish"
)

// Entry describes one management action.
type Entry struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]interface{}
	IPAddress    string
	UserAgent    string
}

// Logger writes an audit trail of management API calls.
type Logger struct {
	logger zerolog.Logger
}

func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// FromRequest fills the caller fields of an entry.
func FromRequest(r *http.Request, userID, action, resourceType, resourceID string) Entry {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return Entry{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		IPAddress:    ip,
		UserAgent:    r.UserAgent(),
	}
}

// Log is safe to call on a nil Logger.
func (l *Logger) Log(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	evt := l.logger.Info().Ctx(ctx).
		Str("user_id", e.UserID).
		Str("action", e.Action).
		Str("resource_type", e.ResourceType).
		Str("resource_id", e.ResourceID).
		Str("ip_address", e.IPAddress).
		Str("user_agent", e.UserAgent)
	if len(e.Metadata) > 0 {
		evt = evt.Fields(e.Metadata)
	}
	evt.Msg("audit")
}
