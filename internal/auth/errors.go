package auth

import "errors"

var (
	ErrInvalidCredentials       = errors.New("auth: invalid credentials")
	ErrEmailNotVerified         = errors.New("auth: email not verified")
	ErrEmailAlreadyRegistered   = errors.New("auth: email already registered")
	ErrWeakPassword             = errors.New("auth: weak password")
	ErrIncorrectCurrentPassword = errors.New("auth: incorrect current password")
	ErrValidation               = errors.New("auth: validation failed")
	ErrNoSession                = errors.New("auth: no session")
	ErrProviderUnavailable      = errors.New("auth: provider unavailable")
	ErrSignupDisabled           = errors.New("auth: signup disabled")
	ErrUnknown                  = errors.New("auth: unknown error")
)

// Kind classifies a normalized auth error.
type Kind string

const (
	KindInvalidCredentials       Kind = "invalid_credentials"
	KindEmailNotVerified         Kind = "email_not_verified"
	KindEmailAlreadyRegistered   Kind = "email_already_registered"
	KindWeakPassword             Kind = "weak_password"
	KindIncorrectCurrentPassword Kind = "incorrect_current_password"
	KindValidation               Kind = "validation_error"
	KindNoSession                Kind = "no_session"
	KindProviderUnavailable      Kind = "provider_unavailable"
	KindSignupDisabled           Kind = "signup_disabled"
	KindUnknown                  Kind = "unknown"
)

var kindSentinels = map[Kind]error{
	KindInvalidCredentials:       ErrInvalidCredentials,
	KindEmailNotVerified:         ErrEmailNotVerified,
	KindEmailAlreadyRegistered:   ErrEmailAlreadyRegistered,
	KindWeakPassword:             ErrWeakPassword,
	KindIncorrectCurrentPassword: ErrIncorrectCurrentPassword,
	KindValidation:               ErrValidation,
	KindNoSession:                ErrNoSession,
	KindProviderUnavailable:      ErrProviderUnavailable,
	KindSignupDisabled:           ErrSignupDisabled,
	KindUnknown:                  ErrUnknown,
}

// Error is the user-facing shape of every auth failure: a human readable
// message, a machine code and, where it applies, the form field at fault.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the taxonomy sentinel for the error kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// ValidationError builds a field-attributed validation failure.
func ValidationError(field, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: message,
		Code:    string(KindValidation),
		Field:   field,
	}
}

// AsError extracts the normalized auth error from err, if any.
func AsError(err error) (*Error, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}
