package authflow

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/obs"
)

// NotificationKind is success or error.
type NotificationKind string

const (
	NotifySuccess NotificationKind = "success"
	NotifyError   NotificationKind = "error"
)

// Notification is what the user is told after an action resolves.
type Notification struct {
	Kind        NotificationKind `json:"kind"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
}

// Notifier presents notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// LogNotifier logs notifications and records them as audit events. Servers
// use it since they have nobody to show a toast to.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: obs.Component("notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) {
	ev := n.log.Info()
	if note.Kind == NotifyError {
		ev = n.log.Warn()
	}
	ev.Str("kind", string(note.Kind)).Str("title", note.Title).Msg(note.Description)
	if err := audit.LogEvent(ctx, "auth.notification", map[string]any{
		"kind":  string(note.Kind),
		"title": note.Title,
	}); err != nil {
		n.log.Warn().Err(err).Msg("audit notification")
	}
}

// WriterNotifier prints one line per notification.
type WriterNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (n *WriterNotifier) Notify(_ context.Context, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	prefix := "ok"
	if note.Kind == NotifyError {
		prefix = "error"
	}
	fmt.Fprintf(n.w, "%s: %s. %s\n", prefix, note.Title, note.Description)
}
