package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"gatekeep.dev/internal/auth"
)

func TestFileStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	fs := NewFileStorage(path)

	if s, err := fs.Load(ctx); err != nil || s != nil {
		t.Fatalf("expected empty storage, got %+v, %v", s, err)
	}
	want := &auth.Session{AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Unix(1700000000, 0).UTC()}
	if err := fs.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := fs.Load(ctx)
	if err != nil || got.AccessToken != "a" || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("unexpected session %+v, %v", got, err)
	}
	if err := fs.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s, _ := fs.Load(ctx); s != nil {
		t.Fatal("expected cleared storage")
	}
}

func TestCookieStorage(t *testing.T) {
	ctx := context.Background()
	session := &auth.Session{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: time.Unix(1700000000, 0).UTC()}
	value, err := EncodeSessionCookie(session)
	if err != nil {
		t.Fatalf("EncodeSessionCookie: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "gk-auth", Value: value})
	rr := httptest.NewRecorder()
	cs := NewCookieStorage(rr, req, "gk-auth", true)

	got, err := cs.Load(ctx)
	if err != nil || got == nil || got.RefreshToken != "refresh" {
		t.Fatalf("unexpected load %+v, %v", got, err)
	}

	if err := cs.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s, _ := cs.Load(ctx); s != nil {
		t.Fatal("expected cleared session to be visible within the request")
	}
	cookies := rr.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected expiring cookie, got %+v", cookies)
	}
	if !cookies[0].Secure || !cookies[0].HttpOnly {
		t.Fatalf("expected secure http-only cookie: %+v", cookies[0])
	}
}

func TestCookieStorageIgnoresMissingCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	cs := NewCookieStorage(httptest.NewRecorder(), req, "gk-auth", false)
	if s, err := cs.Load(context.Background()); s != nil || err != nil {
		t.Fatalf("expected nil session, got %+v, %v", s, err)
	}
}
