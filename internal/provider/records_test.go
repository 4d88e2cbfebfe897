package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"gatekeep.dev/internal/auth"
)

func TestMemoryRecordsCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryRecords()

	if _, err := m.ReadRecord(ctx, TableProfiles, Eq("user_id", "u1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	inserted, err := m.InsertRecord(ctx, TableProfiles, NewProfileRecord("u1", "a@example.com", "Ada", ""))
	if err != nil {
		t.Fatalf("InsertRecord: %v", err)
	}
	profile := ProfileFromRecord(inserted)
	if profile.ID == "" || profile.Role != auth.RoleMember || profile.Tier != auth.TierFree {
		t.Fatalf("unexpected defaults: %+v", profile)
	}
	if _, err := m.InsertRecord(ctx, TableProfiles, NewProfileRecord("u1", "a@example.com", "Ada", "")); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	now := time.Now().UTC()
	updated, err := m.UpdateRecord(ctx, TableProfiles, Eq("user_id", "u1"), ProfileUpdateRecord(auth.ProfileUpdate{FullName: "Ada L", Email: "ada@example.com"}, now))
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	p := ProfileFromRecord(updated)
	if p.FullName != "Ada L" || p.Email != "ada@example.com" || p.AvatarURL != "" || !p.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected update: %+v", p)
	}

	m.Fail("read", TableProfiles, errors.New("boom"))
	if _, err := m.ReadRecord(ctx, TableProfiles, Eq("user_id", "u1")); err == nil {
		t.Fatal("expected injected failure")
	}
	if m.Calls("read", TableProfiles) != 2 {
		t.Fatalf("unexpected call count %d", m.Calls("read", TableProfiles))
	}
}

func TestRecordDecoding(t *testing.T) {
	r := Record{
		"id":         "org-1",
		"name":       []byte("Acme"),
		"slug":       "acme",
		"tier":       "pro",
		"settings":   `{"theme":"dark"}`,
		"created_at": "2024-01-02T03:04:05Z",
	}
	org := OrganizationFromRecord(r)
	if org.Name != "Acme" || org.Tier != auth.TierPro || org.Settings["theme"] != "dark" {
		t.Fatalf("unexpected organization: %+v", org)
	}
	if org.CreatedAt.Year() != 2024 {
		t.Fatalf("unexpected created_at: %v", org.CreatedAt)
	}
	if OrganizationFromRecord(nil) != nil || ProfileFromRecord(nil) != nil {
		t.Fatal("nil records must decode to nil")
	}
}
