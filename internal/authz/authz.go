// Package authz derives role and tier predicates from a profile snapshot.
// Everything here is pure; the route guard and the edge gate both call into
// it so the policy lives in one place.
package authz

import "gatekeep.dev/internal/auth"

// HasRole reports whether the profile's role is one of roles.
func HasRole(p *auth.Profile, roles ...auth.Role) bool {
	if p == nil || p.Role == "" {
		return false
	}
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

// HasTier reports whether the profile's tier is one of tiers.
func HasTier(p *auth.Profile, tiers ...auth.Tier) bool {
	if p == nil || p.Tier == "" {
		return false
	}
	for _, t := range tiers {
		if p.Tier == t {
			return true
		}
	}
	return false
}

// IsOwner reports role == owner.
func IsOwner(p *auth.Profile) bool {
	return HasRole(p, auth.RoleOwner)
}

// IsAdmin reports role in {owner, admin}.
func IsAdmin(p *auth.Profile) bool {
	return HasRole(p, auth.RoleOwner, auth.RoleAdmin)
}

// IsMember is true for any recognized role, not only "member": it answers
// "is this a valid user of the organization".
func IsMember(p *auth.Profile) bool {
	return HasRole(p, auth.RoleOwner, auth.RoleAdmin, auth.RoleMember)
}

// CanAccessAdmin is the edge gate's admin-area rule.
func CanAccessAdmin(role auth.Role) bool {
	return IsAdmin(&auth.Profile{Role: role})
}
