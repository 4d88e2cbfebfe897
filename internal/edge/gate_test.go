package edge

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/provider"
)

type fixture struct {
	backend *provider.MemoryBackend
	records *provider.MemoryRecords
	gate    *Gate
	member  *auth.Identity
	admin   *auth.Identity
	seen    *http.Request
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := provider.NewMemoryBackend("edge-secret", provider.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	member, err := backend.SeedUser("member@example.com", "Passw0rd!", nil, true)
	if err != nil {
		t.Fatalf("SeedUser: %v", err)
	}
	admin, err := backend.SeedUser("admin@example.com", "Passw0rd!", nil, true)
	if err != nil {
		t.Fatalf("SeedUser: %v", err)
	}
	records := provider.NewMemoryRecords()
	records.Put(provider.TableProfiles, provider.Record{"id": "p-1", "user_id": member.ID, "email": member.Email, "role": "member", "tier": "free"})
	records.Put(provider.TableProfiles, provider.Record{"id": "p-2", "user_id": admin.ID, "email": admin.Email, "role": "admin", "tier": "pro"})

	f := &fixture{backend: backend, records: records, member: member, admin: admin}
	f.gate = New(backend, records, WithCookie("gk-test", false))
	f.handler = f.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.seen = r
		w.WriteHeader(http.StatusOK)
	}))
	return f
}

func (f *fixture) cookie(t *testing.T, user *auth.Identity) *http.Cookie {
	t.Helper()
	session, err := f.backend.IssueSession(user.ID)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	value, err := provider.EncodeSessionCookie(session)
	if err != nil {
		t.Fatalf("EncodeSessionCookie: %v", err)
	}
	return &http.Cookie{Name: "gk-test", Value: value}
}

func (f *fixture) do(target string, cookie *http.Cookie) *httptest.ResponseRecorder {
	f.seen = nil
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func expectRedirect(t *testing.T, rr *httptest.ResponseRecorder, location string) {
	t.Helper()
	if rr.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rr.Code)
	}
	if got := rr.Header().Get("Location"); got != location {
		t.Fatalf("expected location %q, got %q", location, got)
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]Class{
		"/dashboard":            ClassProtected,
		"/dashboard/reports":    ClassProtected,
		"/wallets":              ClassProtected,
		"/admin":                ClassAdmin,
		"/admin/users":          ClassAdmin,
		"/administrator":        ClassNone,
		"/auth/login":           ClassAuthOnly,
		"/auth/forgot-password": ClassAuthOnly,
		"/auth/callback":        ClassNone,
		"/auth/reset-password":  ClassNone,
		"/":                     ClassNone,
		"/pricing":              ClassNone,
	}
	for path, want := range cases {
		if got := Classify(path); got != want {
			t.Fatalf("Classify(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestBypass(t *testing.T) {
	for _, path := range []string{"/_next/static/app.js", "/api/health", "/favicon.ico", "/logo.svg", "/static/x", "/assets/y", "/img/Hero.PNG"} {
		if !Bypass(path) {
			t.Fatalf("expected bypass for %q", path)
		}
	}
	for _, path := range []string{
		"/dashboard", "/auth/login", "/",
		"/admin/users.json", "/dashboard/export.csv", "/settings/v1.2", "/admin/app.js",
		"/docs/v1.2", "/report.pdf",
	} {
		if Bypass(path) {
			t.Fatalf("unexpected bypass for %q", path)
		}
	}
}

func TestUnauthenticatedProtectedRedirectsToLogin(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		path     string
		location string
	}{
		{"/dashboard", "/auth/login?redirect=%2Fdashboard"},
		{"/dashboard/export.csv", "/auth/login?redirect=%2Fdashboard%2Fexport.csv"},
		{"/settings/v1.2", "/auth/login?redirect=%2Fsettings%2Fv1.2"},
		{"/admin/users.json", "/auth/login?redirect=%2Fadmin%2Fusers.json"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.path, func(t *testing.T) {
			rr := f.do(tc.path, nil)
			expectRedirect(t, rr, tc.location)
			if f.seen != nil {
				t.Fatalf("upstream reached")
			}
		})
	}
}

func TestMemberRefusedAdmin(t *testing.T) {
	f := newFixture(t)
	expectRedirect(t, f.do("/admin", f.cookie(t, f.member)), "/dashboard")
}

func TestAdminAllowed(t *testing.T) {
	f := newFixture(t)
	rr := f.do("/admin/users", f.cookie(t, f.admin))
	if rr.Code != http.StatusOK || f.seen == nil {
		t.Fatalf("expected pass through, got %d", rr.Code)
	}
	if got := f.seen.Header.Get(UserHeader); got != f.admin.ID {
		t.Fatalf("unexpected user header %q", got)
	}
	if id, ok := auth.UserIDFromContext(f.seen.Context()); !ok || id != f.admin.ID {
		t.Fatalf("identity not attached to context")
	}
}

func TestAdminRoleLookupFailureRefuses(t *testing.T) {
	f := newFixture(t)
	f.records.Fail("read", provider.TableProfiles, errors.New("db down"))
	expectRedirect(t, f.do("/admin", f.cookie(t, f.admin)), "/dashboard")
}

func TestAnonymousAdminRedirectsToLogin(t *testing.T) {
	f := newFixture(t)
	expectRedirect(t, f.do("/admin", nil), "/auth/login?redirect=%2Fadmin")
}

func TestSignedInUserLeavesAuthPages(t *testing.T) {
	f := newFixture(t)
	cookie := f.cookie(t, f.member)
	expectRedirect(t, f.do("/auth/login", cookie), "/dashboard")
	expectRedirect(t, f.do("/auth/register?redirect=%2Fsettings", cookie), "/settings")
	expectRedirect(t, f.do("/auth/login?redirect="+url.QueryEscape("https://evil.example/"), cookie), "/dashboard")

	rr := f.do("/auth/login", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("anonymous login page blocked: %d", rr.Code)
	}
}

func TestForgedCookieIsNoUser(t *testing.T) {
	f := newFixture(t)
	expectRedirect(t, f.do("/profile", &http.Cookie{Name: "gk-test", Value: "forged"}), "/auth/login?redirect=%2Fprofile")
}

func TestSpoofedUserHeaderRemoved(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/pricing", nil)
	req.Header.Set(UserHeader, "someone-else")
	f.handler.ServeHTTP(httptest.NewRecorder(), req)
	if f.seen == nil || f.seen.Header.Get(UserHeader) != "" {
		t.Fatalf("spoofed header reached upstream")
	}
}

func TestCallbackExchangesCode(t *testing.T) {
	f := newFixture(t)
	code := f.backend.IssueCode(f.member.ID)
	rr := f.do("/auth/callback?code="+code+"&redirect=%2Fprofile", nil)
	expectRedirect(t, rr, "/profile")
	if len(rr.Result().Cookies()) == 0 {
		t.Fatalf("expected session cookie")
	}

	expectRedirect(t, f.do("/auth/callback?code="+code, nil), "/auth/login?error=callback_error")
}

func TestResetPasswordInstallsSession(t *testing.T) {
	f := newFixture(t)
	session, err := f.backend.IssueSession(f.member.ID)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	q := url.Values{"access_token": {session.AccessToken}, "refresh_token": {session.RefreshToken}}
	rr := f.do("/auth/reset-password?"+q.Encode(), nil)
	if rr.Code != http.StatusOK || f.seen == nil {
		t.Fatalf("expected reset page, got %d", rr.Code)
	}
	var found bool
	for _, c := range rr.Result().Cookies() {
		if c.Name == "gk-test" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Fatalf("session cookie not written")
	}

	q = url.Values{"access_token": {"garbage"}, "refresh_token": {"garbage"}}
	expectRedirect(t, f.do("/auth/reset-password?"+q.Encode(), nil), "/auth/login?error=reset_error")
}

type panicBackend struct{}

func (panicBackend) Client(provider.SessionStorage) provider.Identity { panic("broken backend") }

func TestPanicFailsClosedOnlyForProtected(t *testing.T) {
	var reached bool
	h := New(panicBackend{}, nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/settings", nil))
	expectRedirect(t, rr, "/auth/login?redirect=%2Fsettings")
	if reached {
		t.Fatalf("protected path reached upstream")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/pricing", nil))
	if !reached {
		t.Fatalf("public path blocked by gate failure")
	}
}
