// Package guard decides what a view may show for a given auth state. The
// decision is pure; Handler turns it into an HTTP response.
package guard

import (
	"net/url"
	"strings"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/authstate"
	"gatekeep.dev/internal/authz"
)

const (
	DefaultLoginPath = "/auth/login"
	DefaultLanding   = "/dashboard"
	// RedirectParam carries the return target on login redirects.
	RedirectParam = "redirect"
)

// Fallback reasons.
const (
	ReasonAuthRequired    = "Authentication Required"
	ReasonAccessDenied    = "Access Denied"
	ReasonUpgradeRequired = "Upgrade Required"
)

// Requirements describe what a route needs. The zero value requires an
// authenticated user and nothing else.
type Requirements struct {
	// AllowAnonymous turns the authentication check off.
	AllowAnonymous bool
	Roles          []auth.Role
	Tiers          []auth.Tier
	// RedirectTo is the login path, DefaultLoginPath when empty.
	RedirectTo string
	// Landing is where under-privileged users are sent, DefaultLanding when empty.
	Landing string
	// Fallback renders a placeholder instead of redirecting.
	Fallback bool
}

func (r Requirements) loginPath() string {
	if r.RedirectTo == "" {
		return DefaultLoginPath
	}
	return r.RedirectTo
}

func (r Requirements) landing() string {
	if r.Landing == "" {
		return DefaultLanding
	}
	return r.Landing
}

// Kind is the outcome class of a decision.
type Kind string

const (
	KindLoading  Kind = "loading"
	KindRedirect Kind = "redirect"
	KindFallback Kind = "fallback"
	KindRender   Kind = "render"
)

// Decision is the result of Evaluate.
type Decision struct {
	Kind     Kind   `json:"kind"`
	Location string `json:"location,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Evaluate applies the checks in order: loading, authentication, roles,
// tiers. path is the route being rendered and becomes the login return target.
func Evaluate(st authstate.State, path string, req Requirements) Decision {
	if !st.IsInitialized || st.IsLoading {
		return Decision{Kind: KindLoading}
	}
	if !req.AllowAnonymous && !st.IsAuthenticated {
		if req.Fallback {
			return Decision{Kind: KindFallback, Reason: ReasonAuthRequired}
		}
		return Decision{Kind: KindRedirect, Location: LoginURL(req.loginPath(), path)}
	}
	if len(req.Roles) > 0 && !authz.HasRole(st.Profile, req.Roles...) {
		if req.Fallback {
			return Decision{Kind: KindFallback, Reason: ReasonAccessDenied}
		}
		return Decision{Kind: KindRedirect, Location: req.landing()}
	}
	if len(req.Tiers) > 0 && !authz.HasTier(st.Profile, req.Tiers...) {
		if req.Fallback {
			return Decision{Kind: KindFallback, Reason: ReasonUpgradeRequired}
		}
		return Decision{Kind: KindRedirect, Location: req.landing()}
	}
	return Decision{Kind: KindRender}
}

// LoginURL builds loginPath?redirect=<returnTo>. An empty returnTo adds no
// parameter.
func LoginURL(loginPath, returnTo string) string {
	if returnTo == "" {
		return loginPath
	}
	return loginPath + "?" + RedirectParam + "=" + url.QueryEscape(returnTo)
}

// SafeTarget returns target when it is a same-site path, fallback otherwise.
func SafeTarget(target, fallback string) string {
	target = strings.TrimSpace(target)
	if target == "" || !strings.HasPrefix(target, "/") {
		return fallback
	}
	if strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return fallback
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return target
}
