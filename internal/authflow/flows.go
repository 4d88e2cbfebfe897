// Package authflow runs the user-facing auth actions: it calls the gateway,
// keeps the store in step and tells the user how it went.
package authflow

import (
	"context"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/authstate"
	"gatekeep.dev/internal/gateway"
	"gatekeep.dev/internal/guard"
	"gatekeep.dev/internal/provider"
)

// Redirect hints.
const (
	VerifyEmailPath = "/auth/verify-email"
)

// Gateway is the subset of the auth gateway the flows call.
type Gateway interface {
	SignIn(ctx context.Context, email, password string) (gateway.Result, error)
	SignUp(ctx context.Context, email, password, fullName string) (gateway.Result, error)
	SignOut(ctx context.Context) error
	LookupCurrentUser(ctx context.Context) (auth.CurrentUser, error)
	UpdateProfile(ctx context.Context, userID string, update auth.ProfileUpdate) (*auth.Profile, error)
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (bool, error)
	SendPasswordReset(ctx context.Context, email string) (bool, error)
	ResetPassword(ctx context.Context, newPassword string) (bool, error)
}

type message struct {
	title, description string
}

type copyText struct {
	success, failure message
}

// Action names a user-facing auth action.
type Action string

const (
	ActionSignIn         Action = "sign_in"
	ActionSignUp         Action = "sign_up"
	ActionSignOut        Action = "sign_out"
	ActionForgotPassword Action = "forgot_password"
	ActionResetPassword  Action = "reset_password"
	ActionUpdateProfile  Action = "update_profile"
	ActionChangePassword Action = "change_password"
)

var texts = map[Action]copyText{
	ActionSignIn: {
		message{"Welcome back!", "You have been successfully signed in."},
		message{"Sign in failed", "Please check your credentials and try again."},
	},
	ActionSignUp: {
		message{"Account created!", "Please check your email to verify your account."},
		message{"Registration failed", "Please try again with different details."},
	},
	ActionSignOut: {
		message{"Signed out", "You have been successfully signed out."},
		message{"Sign out failed", "Please try again."},
	},
	ActionForgotPassword: {
		message{"Reset email sent", "Please check your email for password reset instructions."},
		message{"Reset failed", "Please try again."},
	},
	ActionResetPassword: {
		message{"Password updated", "Your password has been successfully updated."},
		message{"Password reset failed", "Please try again."},
	},
	ActionUpdateProfile: {
		message{"Profile updated", "Your profile has been successfully updated."},
		message{"Update failed", "Failed to update profile."},
	},
	ActionChangePassword: {
		message{"Password changed", "Your password has been successfully updated."},
		message{"Password change failed", "Failed to change password."},
	},
}

// NotificationFor is what the user is told when action ends with err. The
// failure description is the normalized error message when there is one.
func NotificationFor(action Action, err error) Notification {
	text := texts[action]
	if err == nil {
		return Notification{Kind: NotifySuccess, Title: text.success.title, Description: text.success.description}
	}
	description := text.failure.description
	if authErr := auth.Normalize(err); authErr.Message != "" {
		description = authErr.Message
	}
	return Notification{Kind: NotifyError, Title: text.failure.title, Description: description}
}

// Flows binds a gateway, the store it feeds and a notifier.
type Flows struct {
	gw       Gateway
	store    *authstate.Store
	notifier Notifier
	landing  string
}

// Option configures Flows.
type Option func(*Flows)

// WithLanding overrides where a sign in without a return target lands.
func WithLanding(path string) Option {
	return func(f *Flows) {
		if path != "" {
			f.landing = path
		}
	}
}

// New builds the flows. A nil notifier drops notifications.
func New(gw Gateway, store *authstate.Store, notifier Notifier, opts ...Option) *Flows {
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, Notification) {})
	}
	f := &Flows{gw: gw, store: store, notifier: notifier, landing: guard.DefaultLanding}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SignIn signs in, loads the full current user into the store and returns
// where to go next: redirectTo when it is a same-site path, else the landing.
// The sign-in only succeeds once the signed-in user resolves.
func (f *Flows) SignIn(ctx context.Context, in auth.SignInInput, redirectTo string) (string, error) {
	done := f.begin()
	defer done()

	if _, err := f.gw.SignIn(ctx, in.Email, in.Password); err != nil {
		return "", f.fail(ctx, ActionSignIn, err)
	}
	cu, err := f.resolve(ctx)
	if err != nil {
		return "", f.fail(ctx, ActionSignIn, err)
	}
	f.store.SetCurrentUser(cu)
	f.succeed(ctx, ActionSignIn)
	return guard.SafeTarget(redirectTo, f.landing), nil
}

// SignUp registers the account. When the provider signs the user in right
// away the store is populated too.
func (f *Flows) SignUp(ctx context.Context, in auth.SignUpInput) (string, error) {
	done := f.begin()
	defer done()

	if err := in.Validate(); err != nil {
		return "", f.fail(ctx, ActionSignUp, err)
	}
	res, err := f.gw.SignUp(ctx, in.Email, in.Password, in.FullName)
	if err != nil {
		return "", f.fail(ctx, ActionSignUp, err)
	}
	if res.Session != nil {
		cu, err := f.resolve(ctx)
		if err != nil {
			return "", f.fail(ctx, ActionSignUp, err)
		}
		f.store.SetCurrentUser(cu)
	}
	f.succeed(ctx, ActionSignUp)
	return VerifyEmailPath, nil
}

// SignOut always clears the store; a failed remote invalidation is still
// reported and returned.
func (f *Flows) SignOut(ctx context.Context) (string, error) {
	err := f.gw.SignOut(ctx)
	f.store.ClearAuth()
	if err != nil {
		return guard.DefaultLoginPath, f.fail(ctx, ActionSignOut, err)
	}
	f.succeed(ctx, ActionSignOut)
	return guard.DefaultLoginPath, nil
}

// ForgotPassword requests a reset email.
func (f *Flows) ForgotPassword(ctx context.Context, email string) error {
	done := f.begin()
	defer done()

	if _, err := f.gw.SendPasswordReset(ctx, email); err != nil {
		return f.fail(ctx, ActionForgotPassword, err)
	}
	f.succeed(ctx, ActionForgotPassword)
	return nil
}

// ResetPassword sets the new password on the session installed from the
// reset link.
func (f *Flows) ResetPassword(ctx context.Context, in auth.ResetPasswordInput) (string, error) {
	done := f.begin()
	defer done()

	if err := in.Validate(); err != nil {
		return "", f.fail(ctx, ActionResetPassword, err)
	}
	if _, err := f.gw.ResetPassword(ctx, in.Password); err != nil {
		return "", f.fail(ctx, ActionResetPassword, err)
	}
	f.succeed(ctx, ActionResetPassword)
	return guard.DefaultLoginPath, nil
}

// UpdateProfile saves the profile of the signed-in user.
func (f *Flows) UpdateProfile(ctx context.Context, update auth.ProfileUpdate) (*auth.Profile, error) {
	done := f.begin()
	defer done()

	userID := f.store.State().UserID()
	if userID == "" {
		return nil, f.fail(ctx, ActionUpdateProfile, provider.SessionMissing())
	}
	profile, err := f.gw.UpdateProfile(ctx, userID, update)
	if err != nil {
		return nil, f.fail(ctx, ActionUpdateProfile, err)
	}
	f.store.SetProfile(profile)
	f.succeed(ctx, ActionUpdateProfile)
	return profile, nil
}

// ChangePassword changes the password of the signed-in user.
func (f *Flows) ChangePassword(ctx context.Context, in auth.ChangePasswordInput) error {
	done := f.begin()
	defer done()

	if err := in.Validate(); err != nil {
		return f.fail(ctx, ActionChangePassword, err)
	}
	userID := f.store.State().UserID()
	if userID == "" {
		return f.fail(ctx, ActionChangePassword, provider.SessionMissing())
	}
	if _, err := f.gw.ChangePassword(ctx, userID, in.CurrentPassword, in.NewPassword); err != nil {
		return f.fail(ctx, ActionChangePassword, err)
	}
	f.succeed(ctx, ActionChangePassword)
	return nil
}

func (f *Flows) begin() func() {
	f.store.SetLoading(true)
	f.store.SetError(nil)
	return func() { f.store.SetLoading(false) }
}

func (f *Flows) fail(ctx context.Context, action Action, err error) *auth.Error {
	authErr := auth.Normalize(err)
	f.store.SetError(authErr)
	f.notifier.Notify(ctx, NotificationFor(action, authErr))
	return authErr
}

// resolve loads the user a fresh session belongs to. An empty result right
// after the provider issued a session counts as a missing session.
func (f *Flows) resolve(ctx context.Context) (auth.CurrentUser, error) {
	cu, err := f.gw.LookupCurrentUser(ctx)
	if err != nil {
		return auth.CurrentUser{}, err
	}
	if cu.User == nil {
		return auth.CurrentUser{}, provider.SessionMissing()
	}
	return cu, nil
}

func (f *Flows) succeed(ctx context.Context, action Action) {
	f.notifier.Notify(ctx, NotificationFor(action, nil))
}
