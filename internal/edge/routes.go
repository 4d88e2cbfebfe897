package edge

import (
	"strings"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/guard"
)

// Class is the policy class of a request path.
type Class string

const (
	ClassNone      Class = "none"
	ClassProtected Class = "protected"
	ClassAuthOnly  Class = "auth_only"
	ClassAdmin     Class = "admin"
)

var (
	bypassPrefixes    = []string{"/_next/", "/api/", "/static/", "/assets/"}
	protectedPrefixes = []string{"/dashboard", "/profile", "/settings", "/portfolio", "/wallets", "/extensions", "/analytics"}
	authOnlyPrefixes  = []string{"/auth/login", "/auth/register", "/auth/forgot-password"}
	adminPrefixes     = []string{"/admin"}
)

// staticExtensions are served without a gate check outside protected paths.
var staticExtensions = map[string]bool{
	"svg": true, "png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true,
	"ico": true, "css": true, "js": true, "map": true, "woff2": true,
}

const (
	CallbackPath      = "/auth/callback"
	ResetPasswordPath = "/auth/reset-password"
)

// Bypass reports whether path skips the gate: static asset prefixes and
// files with a known asset extension. Protected and admin paths never
// bypass, whatever their extension.
func Bypass(path string) bool {
	switch Classify(path) {
	case ClassProtected, ClassAdmin:
		return false
	}
	for _, p := range bypassPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return staticExtensions[extension(path)]
}

// extension is the lower-cased extension of the last path segment.
func extension(path string) string {
	last := path[strings.LastIndexByte(path, '/')+1:]
	dot := strings.LastIndexByte(last, '.')
	if dot < 0 {
		return ""
	}
	return strings.ToLower(last[dot+1:])
}

// Classify maps path onto at most one policy class. Prefixes match whole
// path segments, so /admin matches /admin/users but not /administrator.
func Classify(path string) Class {
	switch {
	case matchAny(path, adminPrefixes):
		return ClassAdmin
	case matchAny(path, protectedPrefixes):
		return ClassProtected
	case matchAny(path, authOnlyPrefixes):
		return ClassAuthOnly
	}
	return ClassNone
}

func matchAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if hasSegmentPrefix(path, p) {
			return true
		}
	}
	return false
}

func hasSegmentPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// RequirementsFor is the route guard equivalent of the edge policy for path.
func RequirementsFor(path string) guard.Requirements {
	switch Classify(path) {
	case ClassAdmin:
		return guard.Requirements{Roles: []auth.Role{auth.RoleOwner, auth.RoleAdmin}}
	case ClassProtected:
		return guard.Requirements{}
	}
	return guard.Requirements{AllowAnonymous: true}
}
