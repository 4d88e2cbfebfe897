package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Entry is one audit event as handed to a Sink.
type Entry struct {
	Event     string
	RequestID string
	UserID    string
	Fields    map[string]any
	At        time.Time
}

// Sink persists audit entries in addition to the log line.
type Sink interface {
	RecordActivity(ctx context.Context, entry Entry) error
}

var (
	sinkMu sync.RWMutex
	sink   Sink
)

// SetSink installs the persistent sink. A nil sink disables persistence.
func SetSink(s Sink) {
	sinkMu.Lock()
	sink = s
	sinkMu.Unlock()
}

func currentSink() Sink {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	return sink
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
// The user id may also be passed explicitly as fields["user_id"] for events
// that happen before an identity is attached to the context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	now := time.Now().UTC()
	e := Entry{Event: event, RequestID: RequestIDFromContext(ctx), At: now}
	entry := map[string]any{
		"ts":    now.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if e.RequestID != "" {
		entry["request_id"] = e.RequestID
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		e.UserID = userID
	} else if id, ok := fields["user_id"].(string); ok && id != "" {
		e.UserID = id
	}
	if e.UserID != "" {
		entry["user_id"] = e.UserID
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "user_id" {
			continue
		}
		copyFields[k] = v
	}
	entry["fields"] = copyFields
	e.Fields = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))

	if s := currentSink(); s != nil {
		if err := s.RecordActivity(ctx, e); err != nil {
			obs.Log().Warn().Err(err).Str("event", event).Msg("persist audit event")
		}
	}
	return nil
}
