package auth

import "time"

// Role is the authorization level of a profile inside its organization.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is one of the recognized roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Tier is the subscription level gating feature access.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is one of the recognized tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Identity is the provider-issued principal.
type Identity struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	Metadata         map[string]any `json:"user_metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Verified reports whether the identity confirmed its email address.
func (i *Identity) Verified() bool {
	return i != nil && i.EmailConfirmedAt != nil && !i.EmailConfirmedAt.IsZero()
}

// FullName returns the display name stashed in provider metadata at sign up.
func (i *Identity) FullName() string {
	if i == nil || i.Metadata == nil {
		return ""
	}
	name, _ := i.Metadata["full_name"].(string)
	return name
}

// Session is the credential bundle issued by the provider.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Identity     *Identity `json:"user,omitempty"`
}

// Expired reports whether the access token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Profile is the application-owned record keyed 1:1 to an identity.
type Profile struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Email          string         `json:"email"`
	FullName       string         `json:"full_name"`
	AvatarURL      string         `json:"avatar_url,omitempty"`
	Role           Role           `json:"role,omitempty"`
	Tier           Tier           `json:"tier,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Organization is the optional parent of a profile.
type Organization struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Slug      string         `json:"slug"`
	Tier      Tier           `json:"tier,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ProfileUpdate carries the editable profile fields.
type ProfileUpdate struct {
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// CurrentUser is the denormalized identity/profile/organization triple.
// All three are nil together when there is no authenticated identity.
type CurrentUser struct {
	User         *Identity     `json:"user"`
	Profile      *Profile      `json:"profile"`
	Organization *Organization `json:"organization"`
}
