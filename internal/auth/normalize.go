package auth

import (
	"errors"
	"strings"
)

const (
	codeUnknown             = "unknown_error"
	codeProviderUnavailable = "provider_unavailable"

	msgUnexpected  = "An unexpected error occurred"
	msgUnavailable = "Authentication service is unavailable, please try again"
)

// Provider messages understood by Normalize.
const (
	ProviderMsgInvalidCredentials = "Invalid login credentials"
	ProviderMsgEmailNotConfirmed  = "Email not confirmed"
	ProviderMsgAlreadyRegistered  = "User already registered"
	ProviderMsgWeakPassword       = "Password should be at least 6 characters"
	ProviderMsgSignupDisabled     = "signup disabled"
	ProviderMsgCurrentPassword    = "Current password is incorrect"
	ProviderMsgSessionMissing     = "Auth session missing!"
)

type normalization struct {
	kind    Kind
	message string
	field   string
}

// keyed by lower-cased provider message
var normalizations = map[string]normalization{
	strings.ToLower(ProviderMsgInvalidCredentials): {KindInvalidCredentials, "Invalid email or password", "email"},
	strings.ToLower(ProviderMsgEmailNotConfirmed):  {KindEmailNotVerified, "Please verify your email address before signing in", "email"},
	strings.ToLower(ProviderMsgAlreadyRegistered):  {KindEmailAlreadyRegistered, "An account with this email already exists", "email"},
	strings.ToLower(ProviderMsgWeakPassword):       {KindWeakPassword, "Password must be at least 6 characters", "password"},
	strings.ToLower(ProviderMsgSignupDisabled):     {KindSignupDisabled, "Registration is currently disabled", ""},
	strings.ToLower(ProviderMsgCurrentPassword):    {KindIncorrectCurrentPassword, "Current password is incorrect", "currentPassword"},
	strings.ToLower(ProviderMsgSessionMissing):     {KindNoSession, "Please sign in to continue", ""},
}

type codedError interface {
	error
	ErrorCode() string
}

// Normalize maps any provider failure onto the auth error taxonomy. It is
// total: unknown messages pass through verbatim with KindUnknown.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	if authErr, ok := AsError(err); ok {
		return authErr
	}

	code := codeUnknown
	message := err.Error()
	var coded codedError
	if errors.As(err, &coded) {
		message = coded.Error()
		if c := strings.TrimSpace(coded.ErrorCode()); c != "" {
			code = c
		}
	}

	if errors.Is(err, ErrProviderUnavailable) {
		if code == codeUnknown {
			code = codeProviderUnavailable
		}
		return &Error{Kind: KindProviderUnavailable, Message: msgUnavailable, Code: code, Err: err}
	}

	if n, ok := normalizations[strings.ToLower(strings.TrimSpace(message))]; ok {
		return &Error{Kind: n.kind, Message: n.message, Code: code, Field: n.field, Err: err}
	}
	if strings.TrimSpace(message) == "" {
		message = msgUnexpected
	}
	return &Error{Kind: KindUnknown, Message: message, Code: code, Err: err}
}

// IsSessionMissing reports whether err means there is simply no session,
// which is the normal state for a signed-out visitor.
func IsSessionMissing(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoSession) {
		return true
	}
	return strings.Contains(err.Error(), "Auth session missing")
}
