// Package gateway translates application auth verbs into provider calls and
// owns error normalization for them.
package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/provider"
)

const resetPasswordPath = "/auth/reset-password"

// Audit event names.
const (
	EventSignIn                 = "auth.sign_in"
	EventSignUp                 = "auth.sign_up"
	EventSignOut                = "auth.sign_out"
	EventPasswordResetRequested = "auth.password_reset_requested"
	EventPasswordReset          = "auth.password_reset"
	EventProfileUpdated         = "auth.profile_updated"
	EventPasswordChanged        = "auth.password_changed"
)

// Result is what sign in and sign up hand back. Session is nil when the
// provider still waits for email confirmation.
type Result struct {
	User    *auth.Identity
	Session *auth.Session
}

// Gateway is bound to one provider client, and so to one session.
type Gateway struct {
	identity provider.Identity
	records  provider.Records
	siteURL  string
	log      zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSiteURL sets the origin used to build password reset links.
func WithSiteURL(u string) Option {
	return func(g *Gateway) { g.siteURL = strings.TrimRight(strings.TrimSpace(u), "/") }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// WithClock overrides the time source used for updated_at.
func WithClock(fn func() time.Time) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.now = fn
		}
	}
}

// New builds a gateway over an identity client and a record store.
func New(identity provider.Identity, records provider.Records, opts ...Option) *Gateway {
	g := &Gateway{
		identity: identity,
		records:  records,
		log:      obs.Component("gateway"),
		tracer:   otel.Tracer("gatekeep.dev/internal/gateway"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SignIn verifies credentials and returns the authoritative identity. It does
// not resolve the profile; callers follow up with GetCurrentUser.
func (g *Gateway) SignIn(ctx context.Context, email, password string) (res Result, err error) {
	ctx, span := g.start(ctx, "sign_in")
	defer func() { g.finish(ctx, span, "sign_in", EventSignIn, userID(res.User), err) }()

	if err := (auth.SignInInput{Email: email, Password: password}).Validate(); err != nil {
		return Result{}, err
	}
	session, err := g.identity.VerifyCredentials(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return Result{}, auth.Normalize(err)
	}
	user, err := g.identity.GetAuthoritativeIdentity(ctx)
	if err != nil {
		return Result{}, auth.Normalize(err)
	}
	return Result{User: user, Session: session}, nil
}

// SignUp creates the identity with fullName as provider metadata and a
// member/free profile for it.
func (g *Gateway) SignUp(ctx context.Context, email, password, fullName string) (res Result, err error) {
	ctx, span := g.start(ctx, "sign_up")
	defer func() { g.finish(ctx, span, "sign_up", EventSignUp, userID(res.User), err) }()

	in := auth.SignUpInput{Email: email, Password: password, FullName: fullName}
	if err := in.Validate(); err != nil {
		return Result{}, err
	}
	fullName = strings.TrimSpace(fullName)
	user, session, err := g.identity.CreateAccount(ctx, strings.TrimSpace(email), password, map[string]any{"full_name": fullName})
	if err != nil {
		return Result{}, auth.Normalize(err)
	}
	if user != nil && g.records != nil {
		if _, perr := g.CreateProfile(ctx, user.ID, user.Email, fullName, ""); perr != nil {
			g.log.Warn().Err(perr).Str("user_id", user.ID).Msg("create profile after sign up")
		}
	}
	return Result{User: user, Session: session}, nil
}

// SignOut invalidates the session. The local session is always cleared; a
// remote failure is still returned.
func (g *Gateway) SignOut(ctx context.Context) (err error) {
	ctx, span := g.start(ctx, "sign_out")
	uid, _ := auth.UserIDFromContext(ctx)
	defer func() { g.finish(ctx, span, "sign_out", EventSignOut, uid, err) }()

	if err := g.identity.InvalidateSession(ctx); err != nil {
		return auth.Normalize(err)
	}
	return nil
}

// GetCurrentUser resolves user, profile and organization. Every failure
// degrades to the empty result and is logged.
func (g *Gateway) GetCurrentUser(ctx context.Context) auth.CurrentUser {
	cu, _ := g.LookupCurrentUser(ctx)
	return cu
}

// LookupCurrentUser is GetCurrentUser with the reason for an empty result.
// A missing session is the normal signed-out state and yields a nil error.
// Profile and organization failures never fail the lookup.
func (g *Gateway) LookupCurrentUser(ctx context.Context) (cu auth.CurrentUser, err error) {
	ctx, span := g.start(ctx, "get_current_user")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		obs.GatewayOp("get_current_user", err)
	}()

	session, err := g.identity.GetSession(ctx)
	if err != nil {
		if auth.IsSessionMissing(err) {
			return auth.CurrentUser{}, nil
		}
		g.log.Error().Err(err).Msg("get session")
		return auth.CurrentUser{}, auth.Normalize(err)
	}
	if session == nil {
		return auth.CurrentUser{}, nil
	}
	user, err := g.identity.GetAuthoritativeIdentity(ctx)
	if err != nil {
		if auth.IsSessionMissing(err) {
			return auth.CurrentUser{}, nil
		}
		g.log.Error().Err(err).Msg("get authoritative identity")
		return auth.CurrentUser{}, auth.Normalize(err)
	}
	if user == nil {
		return auth.CurrentUser{}, nil
	}
	cu.User = user
	cu.Profile = g.GetProfile(ctx, user.ID)
	if cu.Profile != nil && cu.Profile.OrganizationID != "" {
		cu.Organization = g.GetOrganization(ctx, cu.Profile.OrganizationID)
	}
	return cu, nil
}

// GetProfile returns the profile of userID, or nil.
func (g *Gateway) GetProfile(ctx context.Context, userID string) *auth.Profile {
	if g.records == nil || userID == "" {
		return nil
	}
	rec, err := g.records.ReadRecord(ctx, provider.TableProfiles, provider.Eq("user_id", userID))
	if err != nil {
		if !errors.Is(err, provider.ErrNotFound) {
			g.log.Error().Err(err).Str("user_id", userID).Msg("read profile")
		}
		return nil
	}
	return provider.ProfileFromRecord(rec)
}

// GetOrganization returns the organization orgID, or nil.
func (g *Gateway) GetOrganization(ctx context.Context, orgID string) *auth.Organization {
	if g.records == nil || orgID == "" {
		return nil
	}
	rec, err := g.records.ReadRecord(ctx, provider.TableOrganizations, provider.Eq("id", orgID))
	if err != nil {
		if !errors.Is(err, provider.ErrNotFound) {
			g.log.Error().Err(err).Str("organization_id", orgID).Msg("read organization")
		}
		return nil
	}
	return provider.OrganizationFromRecord(rec)
}

// CreateProfile inserts a member/free profile. An existing profile for the
// user is returned as is.
func (g *Gateway) CreateProfile(ctx context.Context, userID, email, fullName, orgID string) (*auth.Profile, error) {
	if g.records == nil {
		return nil, errors.New("gateway: no record store")
	}
	rec, err := g.records.InsertRecord(ctx, provider.TableProfiles, provider.NewProfileRecord(userID, email, fullName, orgID))
	if errors.Is(err, provider.ErrConflict) {
		if existing := g.GetProfile(ctx, userID); existing != nil {
			return existing, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return provider.ProfileFromRecord(rec), nil
}

// UpdateProfile requests the identity email change first, when the email
// changed, and then writes the profile fields. A failed identity change
// leaves the profile row untouched. A failed row write after an accepted
// identity change is returned as an error; the identity change stands.
func (g *Gateway) UpdateProfile(ctx context.Context, userID string, update auth.ProfileUpdate) (profile *auth.Profile, err error) {
	ctx, span := g.start(ctx, "update_profile")
	defer func() { g.finish(ctx, span, "update_profile", EventProfileUpdated, userID, err) }()

	update.FullName = strings.TrimSpace(update.FullName)
	update.Email = strings.TrimSpace(update.Email)
	update.AvatarURL = strings.TrimSpace(update.AvatarURL)
	if err := update.Validate(); err != nil {
		return nil, err
	}
	if g.records == nil {
		return nil, errors.New("gateway: no record store")
	}
	current, err := g.identity.GetAuthoritativeIdentity(ctx)
	if err != nil {
		return nil, auth.Normalize(err)
	}
	if !strings.EqualFold(current.Email, update.Email) {
		if _, err := g.identity.UpdateIdentity(ctx, provider.IdentityUpdate{Email: update.Email}); err != nil {
			return nil, auth.Normalize(err)
		}
	}
	rec, err := g.records.UpdateRecord(ctx, provider.TableProfiles, provider.Eq("user_id", userID), provider.ProfileUpdateRecord(update, g.now()))
	if err != nil {
		return nil, auth.Normalize(err)
	}
	return provider.ProfileFromRecord(rec), nil
}

// ChangePassword re-verifies currentPassword with a fresh credential check
// before setting newPassword. A wrong current password never reaches the
// identity update.
func (g *Gateway) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (ok bool, err error) {
	ctx, span := g.start(ctx, "change_password")
	defer func() { g.finish(ctx, span, "change_password", EventPasswordChanged, userID, err) }()

	in := auth.ChangePasswordInput{CurrentPassword: currentPassword, NewPassword: newPassword}
	if err := in.Validate(); err != nil {
		return false, err
	}
	identity, err := g.identity.GetAuthoritativeIdentity(ctx)
	if err != nil {
		return false, auth.Normalize(err)
	}
	if identity == nil || identity.Email == "" {
		return false, auth.Normalize(errors.New("User email not found"))
	}
	if userID != "" && identity.ID != userID {
		return false, auth.Normalize(provider.SessionMissing())
	}
	if _, err := g.identity.VerifyCredentials(ctx, identity.Email, currentPassword); err != nil {
		if errors.Is(err, auth.ErrProviderUnavailable) {
			return false, auth.Normalize(err)
		}
		return false, auth.Normalize(errors.New(auth.ProviderMsgCurrentPassword))
	}
	if _, err := g.identity.UpdateIdentity(ctx, provider.IdentityUpdate{Password: newPassword}); err != nil {
		return false, auth.Normalize(err)
	}
	return true, nil
}

// SendPasswordReset requests a reset email. It reports success whether or
// not the address is registered; provider failures are only logged.
func (g *Gateway) SendPasswordReset(ctx context.Context, email string) (ok bool, err error) {
	ctx, span := g.start(ctx, "send_password_reset")
	defer func() { g.finish(ctx, span, "send_password_reset", EventPasswordResetRequested, "", err) }()

	email = strings.TrimSpace(email)
	if verr := auth.ValidateEmail("email", email); verr != nil {
		return false, verr
	}
	if rerr := g.identity.RequestPasswordResetEmail(ctx, email, g.siteURL+resetPasswordPath); rerr != nil {
		g.log.Warn().Err(rerr).Msg("request password reset email")
		span.RecordError(rerr)
	}
	return true, nil
}

// ResetPassword sets a new password on the session installed from a reset link.
func (g *Gateway) ResetPassword(ctx context.Context, newPassword string) (ok bool, err error) {
	ctx, span := g.start(ctx, "reset_password")
	uid, _ := auth.UserIDFromContext(ctx)
	defer func() { g.finish(ctx, span, "reset_password", EventPasswordReset, uid, err) }()

	if err := (auth.ResetPasswordInput{Password: newPassword}).Validate(); err != nil {
		return false, err
	}
	user, err := g.identity.UpdateIdentity(ctx, provider.IdentityUpdate{Password: newPassword})
	if err != nil {
		return false, auth.Normalize(err)
	}
	uid = userID(user)
	return true, nil
}

// OnAuthStateChange forwards provider identity events to fn.
func (g *Gateway) OnAuthStateChange(fn provider.Listener) func() {
	return g.identity.SubscribeToIdentityEvents(fn)
}

func (g *Gateway) start(ctx context.Context, op string) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(attribute.String("auth.op", op)))
}

// finish closes the span, counts the call and writes the audit event.
func (g *Gateway) finish(ctx context.Context, span trace.Span, op, event, uid string, err error) {
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	obs.GatewayOp(op, err)

	fields := map[string]any{"result": result}
	if uid != "" {
		fields["user_id"] = uid
	}
	if authErr, ok := auth.AsError(err); ok {
		fields["error_kind"] = string(authErr.Kind)
	}
	if aerr := audit.LogEvent(ctx, event, fields); aerr != nil {
		g.log.Warn().Err(aerr).Str("event", event).Msg("audit")
	}
}

func userID(u *auth.Identity) string {
	if u == nil {
		return ""
	}
	return u.ID
}
