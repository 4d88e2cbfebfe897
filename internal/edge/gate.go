// Package edge enforces the auth policy on every page request before any
// front end code runs. It re-validates the session against the provider on
// each request and never trusts what the cookie claims by itself.
package edge

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/authz"
	"gatekeep.dev/internal/guard"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/provider"
)

const (
	DefaultCookieName = "gk-auth"
	// UserHeader carries the validated user id to the upstream. Any inbound
	// value is removed first.
	UserHeader = "X-Gatekeep-User"

	callbackError = "callback_error"
	resetError    = "reset_error"
)

// Gate is the edge request gate.
type Gate struct {
	backend      provider.Backend
	records      provider.Records
	cookieName   string
	cookieSecure bool
	loginPath    string
	landing      string
	log          zerolog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithCookie sets the session cookie name and its Secure flag.
func WithCookie(name string, secure bool) Option {
	return func(g *Gate) {
		if name != "" {
			g.cookieName = name
		}
		g.cookieSecure = secure
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// New builds a gate. records serves the admin role lookup; without it admin
// paths are always refused.
func New(backend provider.Backend, records provider.Records, opts ...Option) *Gate {
	g := &Gate{
		backend:    backend,
		records:    records,
		cookieName: DefaultCookieName,
		loginPath:  guard.DefaultLoginPath,
		landing:    guard.DefaultLanding,
		log:        obs.Component("edge"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type outcome struct {
	location string // empty means pass through
	label    string
}

func pass(label string) outcome { return outcome{label: label} }

func redirect(location, label string) outcome { return outcome{location: location, label: label} }

// Middleware gates every request before handing it to next.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		r.Header.Del(UserHeader)
		if Bypass(path) {
			obs.EdgeDecision(string(ClassNone), "bypass")
			next.ServeHTTP(w, r)
			return
		}
		class := Classify(path)

		out, user, err := g.evaluate(w, r, class)
		if err != nil {
			g.log.Error().Err(err).Str("path", path).Msg("edge gate")
			if class == ClassProtected || class == ClassAdmin {
				out = redirect(guard.LoginURL(g.loginPath, path), "fail_closed")
			} else {
				out, user = pass("fail_open"), nil
			}
		}
		obs.EdgeDecision(string(class), out.label)

		if out.location != "" {
			w.Header().Set("Cache-Control", "no-store")
			http.Redirect(w, r, out.location, http.StatusFound)
			return
		}
		if user != nil {
			r.Header.Set(UserHeader, user.ID)
			r = r.WithContext(auth.ContextWithIdentity(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// evaluate runs the gate pipeline. A panic anywhere in it is returned as an
// error.
func (g *Gate) evaluate(w http.ResponseWriter, r *http.Request, class Class) (out outcome, user *auth.Identity, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("edge: panic: %v", rec)
		}
	}()
	ctx := r.Context()
	path := r.URL.Path
	query := r.URL.Query()
	client := g.backend.Client(provider.NewCookieStorage(w, r, g.cookieName, g.cookieSecure))

	user = g.currentUser(ctx, client)

	switch {
	case (class == ClassProtected || class == ClassAdmin) && user == nil:
		return redirect(guard.LoginURL(g.loginPath, path), "redirect_login"), nil, nil
	case class == ClassAuthOnly && user != nil:
		return redirect(guard.SafeTarget(query.Get(guard.RedirectParam), g.landing), "redirect_signed_in"), user, nil
	case class == ClassAdmin:
		if !g.isAdmin(ctx, user) {
			return redirect(g.landing, "redirect_landing"), user, nil
		}
	}

	if hasSegmentPrefix(path, CallbackPath) {
		if code := query.Get("code"); code != "" {
			if _, err := client.ExchangeOneTimeCodeForSession(ctx, code); err != nil {
				g.log.Warn().Err(err).Msg("exchange callback code")
				return redirect(g.loginPath+"?error="+callbackError, callbackError), user, nil
			}
			return redirect(guard.SafeTarget(query.Get(guard.RedirectParam), g.landing), "callback"), user, nil
		}
	}

	if hasSegmentPrefix(path, ResetPasswordPath) {
		access, refresh := query.Get("access_token"), query.Get("refresh_token")
		if access != "" && refresh != "" {
			session, err := client.InstallSessionFromTokens(ctx, access, refresh)
			if err != nil {
				g.log.Warn().Err(err).Msg("install reset session")
				return redirect(g.loginPath+"?error="+resetError, resetError), user, nil
			}
			if session != nil && session.Identity != nil {
				user = session.Identity
			}
			return pass("reset_session"), user, nil
		}
	}

	return pass("pass"), user, nil
}

// currentUser reads the session and re-validates it with the provider. Any
// failure means no user.
func (g *Gate) currentUser(ctx context.Context, client provider.Identity) *auth.Identity {
	session, err := client.GetSession(ctx)
	if err != nil {
		if !auth.IsSessionMissing(err) {
			g.log.Warn().Err(err).Msg("read session")
		}
		return nil
	}
	if session == nil {
		return nil
	}
	user, err := client.GetAuthoritativeIdentity(ctx)
	if err != nil {
		g.log.Warn().Err(err).Msg("validate session")
		return nil
	}
	return user
}

// isAdmin fetches the role for user. Any failure is a refusal.
func (g *Gate) isAdmin(ctx context.Context, user *auth.Identity) bool {
	if g.records == nil || user == nil {
		return false
	}
	rec, err := g.records.ReadRecord(ctx, provider.TableProfiles, provider.Eq("user_id", user.ID))
	if err != nil {
		g.log.Warn().Err(err).Str("user_id", user.ID).Msg("admin role lookup")
		return false
	}
	profile := provider.ProfileFromRecord(rec)
	return profile != nil && authz.CanAccessAdmin(profile.Role)
}
