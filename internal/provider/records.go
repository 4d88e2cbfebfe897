package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gatekeep.dev/internal/auth"
)

// Record tables.
const (
	TableProfiles      = "profiles"
	TableOrganizations = "organizations"
	TableActivityLogs  = "activity_logs"
)

// Record is one row keyed by column name.
type Record map[string]any

// Filter is an equality match on a single column.
type Filter struct {
	Column string
	Value  any
}

// Eq builds an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Value: value}
}

// Records is the data half of the provider.
type Records interface {
	// ReadRecord returns ErrNotFound when no row matches.
	ReadRecord(ctx context.Context, table string, filter Filter) (Record, error)
	UpdateRecord(ctx context.Context, table string, filter Filter, fields Record) (Record, error)
	InsertRecord(ctx context.Context, table string, fields Record) (Record, error)
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the column as a string, or "" when null or absent.
func (r Record) String(column string) string {
	switch v := r[column].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case *string:
		if v == nil {
			return ""
		}
		return *v
	default:
		return fmt.Sprint(v)
	}
}

// Time returns the column as a time, or the zero time.
func (r Record) Time(column string) time.Time {
	switch v := r[column].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// JSON returns a json object column decoded into a map.
func (r Record) JSON(column string) map[string]any {
	var raw []byte
	switch v := r[column].(type) {
	case map[string]any:
		return v
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// ProfileFromRecord decodes a profiles row.
func ProfileFromRecord(r Record) *auth.Profile {
	if r == nil {
		return nil
	}
	return &auth.Profile{
		ID:             r.String("id"),
		UserID:         r.String("user_id"),
		Email:          r.String("email"),
		FullName:       r.String("full_name"),
		AvatarURL:      r.String("avatar_url"),
		Role:           auth.Role(r.String("role")),
		Tier:           auth.Tier(r.String("tier")),
		OrganizationID: r.String("organization_id"),
		Settings:       r.JSON("settings"),
		CreatedAt:      r.Time("created_at"),
		UpdatedAt:      r.Time("updated_at"),
	}
}

// OrganizationFromRecord decodes an organizations row.
func OrganizationFromRecord(r Record) *auth.Organization {
	if r == nil {
		return nil
	}
	return &auth.Organization{
		ID:        r.String("id"),
		Name:      r.String("name"),
		Slug:      r.String("slug"),
		Tier:      auth.Tier(r.String("tier")),
		Settings:  r.JSON("settings"),
		CreatedAt: r.Time("created_at"),
		UpdatedAt: r.Time("updated_at"),
	}
}

// nullable turns "" into a SQL null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ProfileUpdateRecord is the column set written by a profile update.
func ProfileUpdateRecord(update auth.ProfileUpdate, now time.Time) Record {
	return Record{
		"full_name":  update.FullName,
		"email":      update.Email,
		"avatar_url": nullable(update.AvatarURL),
		"updated_at": now.UTC(),
	}
}

// NewProfileRecord is the column set for a freshly registered profile.
func NewProfileRecord(userID, email, fullName, organizationID string) Record {
	return Record{
		"user_id":         userID,
		"email":           email,
		"full_name":       fullName,
		"role":            string(auth.RoleMember),
		"tier":            string(auth.TierFree),
		"organization_id": nullable(organizationID),
	}
}
