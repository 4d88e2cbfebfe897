// Package provider defines the boundary to the external identity and data
// provider: credential checks, session issuance and refresh, identity change
// events, and record storage for profiles and organizations.
package provider

import (
	"context"
	"errors"
	"time"

	"gatekeep.dev/internal/auth"
)

var (
	// ErrNotFound is returned by record reads that match no row.
	ErrNotFound = errors.New("provider: not found")
	// ErrConflict is returned by inserts that violate a unique key.
	ErrConflict = errors.New("provider: conflict")
)

// Identity is the identity half of the provider, bound to one session storage.
type Identity interface {
	VerifyCredentials(ctx context.Context, email, password string) (*auth.Session, error)
	CreateAccount(ctx context.Context, email, password string, metadata map[string]any) (*auth.Identity, *auth.Session, error)
	InvalidateSession(ctx context.Context) error
	// GetSession returns nil, nil when there is no session.
	GetSession(ctx context.Context) (*auth.Session, error)
	// GetAuthoritativeIdentity always asks the provider; it never answers from
	// the locally stored session.
	GetAuthoritativeIdentity(ctx context.Context) (*auth.Identity, error)
	UpdateIdentity(ctx context.Context, update IdentityUpdate) (*auth.Identity, error)
	RequestPasswordResetEmail(ctx context.Context, email, redirectURL string) error
	ExchangeOneTimeCodeForSession(ctx context.Context, code string) (*auth.Session, error)
	InstallSessionFromTokens(ctx context.Context, accessToken, refreshToken string) (*auth.Session, error)
	SubscribeToIdentityEvents(fn Listener) (unsubscribe func())
}

// Backend hands out identity clients bound to a session storage, e.g. one
// per HTTP request (cookie storage) or one per process (memory or file).
type Backend interface {
	Client(storage SessionStorage) Identity
}

// IdentityUpdate changes the provider identity. Empty fields are left alone.
type IdentityUpdate struct {
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// EventKind names an identity change pushed by the provider.
type EventKind string

const (
	EventSignedIn         EventKind = "SIGNED_IN"
	EventSignedOut        EventKind = "SIGNED_OUT"
	EventTokenRefreshed   EventKind = "TOKEN_REFRESHED"
	EventUserUpdated      EventKind = "USER_UPDATED"
	EventPasswordRecovery EventKind = "PASSWORD_RECOVERY"
)

// Event is one identity change notification.
type Event struct {
	ID      string        `json:"id"`
	Kind    EventKind     `json:"kind"`
	Session *auth.Session `json:"session,omitempty"`
	At      time.Time     `json:"at"`
}

// Listener receives identity events.
type Listener func(Event)

// Error is a failure reported by the provider. Its Error text is the raw
// provider message, which auth.Normalize maps onto the error taxonomy.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// ErrorCode is the machine-readable provider code.
func (e *Error) ErrorCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports transport and 5xx failures as auth.ErrProviderUnavailable.
func (e *Error) Is(target error) bool {
	if e == nil || target != auth.ErrProviderUnavailable {
		return false
	}
	return e.Status == 0 || e.Status >= 500
}

// SessionMissing is the provider's answer to identity calls without a session.
func SessionMissing() *Error {
	return &Error{Status: 401, Code: "session_not_found", Message: auth.ProviderMsgSessionMissing}
}

// Unavailable wraps a transport failure.
func Unavailable(err error) *Error {
	msg := "provider unavailable"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Status: 0, Code: "provider_unavailable", Message: msg, Err: err}
}
