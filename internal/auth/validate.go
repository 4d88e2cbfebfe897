package auth

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

const (
	msgInvalidEmail     = "Please enter a valid email address"
	msgPasswordShort6   = "Password must be at least 6 characters"
	msgPasswordShort8   = "Password must be at least 8 characters"
	msgPasswordClasses  = "Password must contain uppercase, lowercase, and number"
	msgPasswordMismatch = "Passwords don't match"
	msgFullNameShort    = "Full name must be at least 2 characters"
	msgInvalidURL       = "Please enter a valid URL"
	msgCurrentRequired  = "Current password is required"
)

// SignInInput is the login form.
type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUpInput is the registration form.
type SignUpInput struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	FullName        string `json:"full_name"`
}

// ResetPasswordInput is the form reached from a password reset email.
type ResetPasswordInput struct {
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// ChangePasswordInput is the signed-in password change form.
type ChangePasswordInput struct {
	CurrentPassword    string `json:"current_password"`
	NewPassword        string `json:"new_password"`
	ConfirmNewPassword string `json:"confirm_new_password"`
}

// ValidateEmail checks the address shape.
func ValidateEmail(field, email string) *Error {
	if !emailPattern.MatchString(strings.TrimSpace(email)) {
		return ValidationError(field, msgInvalidEmail)
	}
	return nil
}

// Validate checks the login form.
func (in SignInInput) Validate() error {
	if err := ValidateEmail("email", in.Email); err != nil {
		return err
	}
	if utf8.RuneCountInString(in.Password) < 6 {
		return ValidationError("password", msgPasswordShort6)
	}
	return nil
}

// Validate checks the registration form. An empty confirmation is treated as
// not supplied, for callers that only collect the password once.
func (in SignUpInput) Validate() error {
	if err := ValidateEmail("email", in.Email); err != nil {
		return err
	}
	if err := validateStrongPassword("password", in.Password); err != nil {
		return err
	}
	if in.ConfirmPassword != "" && in.ConfirmPassword != in.Password {
		return ValidationError("confirmPassword", msgPasswordMismatch)
	}
	if utf8.RuneCountInString(strings.TrimSpace(in.FullName)) < 2 {
		return ValidationError("fullName", msgFullNameShort)
	}
	return nil
}

// Validate checks the reset form.
func (in ResetPasswordInput) Validate() error {
	if err := validateStrongPassword("password", in.Password); err != nil {
		return err
	}
	if in.ConfirmPassword != "" && in.ConfirmPassword != in.Password {
		return ValidationError("confirmPassword", msgPasswordMismatch)
	}
	return nil
}

// Validate checks the change password form.
func (in ChangePasswordInput) Validate() error {
	if in.CurrentPassword == "" {
		return ValidationError("currentPassword", msgCurrentRequired)
	}
	if err := validateStrongPassword("newPassword", in.NewPassword); err != nil {
		return err
	}
	if in.ConfirmNewPassword != "" && in.ConfirmNewPassword != in.NewPassword {
		return ValidationError("confirmNewPassword", msgPasswordMismatch)
	}
	return nil
}

// Validate checks the profile form.
func (in ProfileUpdate) Validate() error {
	if utf8.RuneCountInString(strings.TrimSpace(in.FullName)) < 2 {
		return ValidationError("fullName", msgFullNameShort)
	}
	if err := ValidateEmail("email", in.Email); err != nil {
		return err
	}
	if in.AvatarURL != "" {
		u, err := url.Parse(in.AvatarURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ValidationError("avatarUrl", msgInvalidURL)
		}
	}
	return nil
}

func validateStrongPassword(field, password string) *Error {
	if utf8.RuneCountInString(password) < 8 {
		return ValidationError(field, msgPasswordShort8)
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return ValidationError(field, msgPasswordClasses)
	}
	return nil
}
