package authstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/gateway"
	"gatekeep.dev/internal/provider"
)

type fakeResolver struct {
	mu        sync.Mutex
	cu        auth.CurrentUser
	err       error
	panicWith any
	calls     int
	gate      chan struct{}
	started   chan struct{}
	listeners []provider.Listener
}

func (f *fakeResolver) LookupCurrentUser(ctx context.Context) (auth.CurrentUser, error) {
	f.mu.Lock()
	f.calls++
	cu, err, p := f.cu, f.err, f.panicWith
	gate, started := f.gate, f.started
	f.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return auth.CurrentUser{}, ctx.Err()
		}
	}
	if p != nil {
		panic(p)
	}
	return cu, err
}

func (f *fakeResolver) OnAuthStateChange(fn provider.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeResolver) set(cu auth.CurrentUser, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cu, f.err = cu, err
}

func ada() auth.CurrentUser {
	return auth.CurrentUser{
		User:         &auth.Identity{ID: "u-1", Email: "ada@example.com"},
		Profile:      &auth.Profile{ID: "p-1", UserID: "u-1", Role: auth.RoleAdmin, Tier: auth.TierPro, OrganizationID: "org-1"},
		Organization: &auth.Organization{ID: "org-1", Name: "Acme"},
	}
}

func waitFor(t *testing.T, s *Store, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := s.State(); cond(st) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := s.State()
	t.Fatalf("condition not reached, state %+v", st)
	return st
}

func TestReduceKeepsAuthenticationWithUser(t *testing.T) {
	u := &auth.Identity{ID: "u-1"}
	cases := []struct {
		name string
		msgs []message
		auth bool
	}{
		{"set user", []message{msgSetUser{user: u}}, true},
		{"set then clear", []message{msgSetUser{user: u}, msgClear{}}, false},
		{"signed out", []message{msgFetched{cu: ada()}, msgSignedOut{}}, false},
		{"nil user", []message{msgSetUser{user: u}, msgSetUser{}}, false},
		{"token refreshed", []message{msgTokenRefreshed{user: u}}, true},
		{"user updated without user", []message{msgUserUpdated{}}, false},
		{"loading only", []message{msgSetLoading{loading: true}}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var s State
			for _, m := range tc.msgs {
				s = reduce(s, m)
				if s.IsAuthenticated != (s.User != nil) {
					t.Fatalf("after %s: authenticated=%v user=%v", m.name(), s.IsAuthenticated, s.User)
				}
			}
			if s.IsAuthenticated != tc.auth {
				t.Fatalf("expected authenticated=%v", tc.auth)
			}
		})
	}
}

func TestReduceNeverAttributesForeignProfile(t *testing.T) {
	s := reduce(State{}, msgFetched{cu: ada()})
	s = reduce(s, msgSetUser{user: &auth.Identity{ID: "u-2"}})
	if s.Profile != nil || s.Organization != nil {
		t.Fatalf("profile of u-1 kept for u-2: %+v", s.Profile)
	}
	s = reduce(s, msgSetProfile{profile: &auth.Profile{ID: "p-9", UserID: "u-9"}})
	if s.Profile != nil {
		t.Fatalf("foreign profile accepted")
	}
	s = reduce(s, msgSetProfile{profile: &auth.Profile{ID: "p-2", UserID: "u-2", OrganizationID: "org-2"}})
	s = reduce(s, msgSetOrganization{org: &auth.Organization{ID: "org-3"}})
	if s.Organization != nil {
		t.Fatalf("organization not owned by profile accepted")
	}
	s = reduce(s, msgSetOrganization{org: &auth.Organization{ID: "org-2"}})
	if s.Organization == nil {
		t.Fatalf("expected organization")
	}
}

func TestReduceInitializedIsMonotonic(t *testing.T) {
	s := reduce(State{}, msgInitDone{applied: true})
	for _, m := range []message{msgClear{}, msgSignedOut{}, msgInitStart{}, msgSetUser{}, msgSetError{}} {
		s = reduce(s, m)
		if !s.IsInitialized {
			t.Fatalf("initialized reset by %s", m.name())
		}
	}
}

func TestInitializeResolvesCurrentUser(t *testing.T) {
	r := &fakeResolver{}
	r.set(ada(), nil)
	s := New(r)
	defer s.Close()

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := s.State()
	if !st.IsInitialized || st.IsLoading || !st.IsAuthenticated {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Profile == nil || st.Organization == nil || st.Error != nil {
		t.Fatalf("expected profile and organization, got %+v", st)
	}
	if !s.IsAdmin() || s.IsOwner() || !s.IsMember() || !s.HasTier(auth.TierPro) {
		t.Fatalf("unexpected predicates")
	}
	if len(r.listeners) != 1 {
		t.Fatalf("expected one subscription, got %d", len(r.listeners))
	}
}

func TestInitializeWithoutSession(t *testing.T) {
	r := &fakeResolver{}
	r.set(auth.CurrentUser{}, auth.ErrNoSession)
	s := New(r)
	defer s.Close()

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("missing session must not fail: %v", err)
	}
	st := s.State()
	if !st.IsInitialized || st.IsAuthenticated || st.Error != nil {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestInitializeProviderFailure(t *testing.T) {
	r := &fakeResolver{}
	r.set(auth.CurrentUser{}, provider.Unavailable(errors.New("dial tcp: refused")))
	s := New(r)
	defer s.Close()

	err := s.Initialize(context.Background())
	if !errors.Is(err, auth.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}
	st := s.State()
	if !st.IsInitialized || st.IsLoading || st.Error == nil || st.Error.Kind != auth.KindProviderUnavailable {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(r.listeners) != 1 {
		t.Fatalf("subscription must start even after a failed pass")
	}
}

func TestInitializeRunsOnce(t *testing.T) {
	r := &fakeResolver{gate: make(chan struct{})}
	r.set(ada(), nil)
	s := New(r)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Initialize(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(r.gate)
	wg.Wait()
	_ = s.Initialize(context.Background())

	r.mu.Lock()
	calls, subs := r.calls, len(r.listeners)
	r.mu.Unlock()
	if calls != 1 || subs != 1 {
		t.Fatalf("expected one lookup and one subscription, got %d and %d", calls, subs)
	}
}

func TestInitializeResultDroppedWhenIdentityChangedMeanwhile(t *testing.T) {
	r := &fakeResolver{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	r.set(ada(), nil)
	s := New(r)
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Initialize(context.Background()) }()
	<-r.started
	s.ClearAuth()
	close(r.gate)
	if err := <-done; err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	st := s.State()
	if !st.IsInitialized || st.IsLoading {
		t.Fatalf("init must still complete: %+v", st)
	}
	if st.IsAuthenticated {
		t.Fatalf("stale lookup resurrected a cleared user")
	}
}

func TestSignedInFetchDroppedAfterClear(t *testing.T) {
	r := &fakeResolver{}
	s := New(r)
	defer s.Close()
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	r.mu.Lock()
	r.cu = ada()
	r.gate = make(chan struct{})
	r.started = make(chan struct{}, 1)
	gate, started := r.gate, r.started
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.handleEvent(provider.Event{Kind: provider.EventSignedIn})
		close(done)
	}()
	<-started
	s.ClearAuth()
	close(gate)
	<-done

	if s.State().IsAuthenticated {
		t.Fatalf("late sign-in resolution overwrote sign out")
	}
}

func TestEventHandlerPanicIsCaptured(t *testing.T) {
	r := &fakeResolver{}
	s := New(r)
	defer s.Close()
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	r.mu.Lock()
	r.panicWith = "boom"
	r.mu.Unlock()
	s.handleEvent(provider.Event{Kind: provider.EventSignedIn})
	st := s.State()
	if st.Error == nil || st.Error.Kind != auth.KindUnknown {
		t.Fatalf("expected captured error, got %+v", st.Error)
	}

	r.mu.Lock()
	r.panicWith = nil
	r.cu = ada()
	r.mu.Unlock()
	s.handleEvent(provider.Event{Kind: provider.EventSignedIn})
	st = s.State()
	if !st.IsAuthenticated || st.Error != nil {
		t.Fatalf("handler stopped working after panic: %+v", st)
	}
}

func TestTokenRefreshedKeepsProfile(t *testing.T) {
	r := &fakeResolver{}
	r.set(ada(), nil)
	s := New(r)
	defer s.Close()
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	s.handleEvent(provider.Event{Kind: provider.EventTokenRefreshed, Session: &auth.Session{Identity: &auth.Identity{ID: "u-1"}}})
	if s.State().Profile == nil {
		t.Fatalf("refresh for the same user dropped the profile")
	}
	s.handleEvent(provider.Event{Kind: provider.EventSignedOut})
	if st := s.State(); st.IsAuthenticated || st.Profile != nil {
		t.Fatalf("sign out did not clear: %+v", st)
	}
}

func TestRefreshProfile(t *testing.T) {
	r := &fakeResolver{}
	s := New(r)
	defer s.Close()

	if err := s.RefreshProfile(context.Background()); err != nil {
		t.Fatalf("refresh without user: %v", err)
	}
	if r.calls != 0 {
		t.Fatalf("lookup without user")
	}

	cu := ada()
	s.SetCurrentUser(auth.CurrentUser{User: cu.User})
	r.set(cu, nil)
	if err := s.RefreshProfile(context.Background()); err != nil {
		t.Fatalf("RefreshProfile: %v", err)
	}
	if st := s.State(); st.Profile == nil || st.Organization == nil {
		t.Fatalf("profile not refreshed: %+v", st)
	}

	r.set(auth.CurrentUser{}, errors.New("db down"))
	if err := s.RefreshProfile(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if st := s.State(); st.Error == nil || st.Profile == nil {
		t.Fatalf("failure must keep the profile and record the error: %+v", st)
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	s := New(&fakeResolver{})
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := s.Subscribe(ctx)
	s.SetLoading(true)
	select {
	case st := <-ch:
		if !st.IsLoading {
			t.Fatalf("unexpected snapshot %+v", st)
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}
	cancel()
	for range ch {
	}
}

func TestPredicatesFollowProfile(t *testing.T) {
	s := New(&fakeResolver{})
	defer s.Close()
	s.SetCurrentUser(ada())

	if !s.HasRole(auth.RoleOwner, auth.RoleAdmin) || !s.IsAdmin() || s.IsOwner() || !s.IsMember() {
		t.Fatalf("unexpected role predicates for admin profile")
	}
	if !s.HasTier(auth.TierPro) || s.HasTier(auth.TierEnterprise) {
		t.Fatalf("unexpected tier predicates for pro profile")
	}

	s.ClearAuth()
	if s.IsMember() || s.HasRole(auth.RoleMember) {
		t.Fatalf("predicates must be false without a profile")
	}
}

func TestCloseEndsSubscriptions(t *testing.T) {
	s := New(&fakeResolver{})
	ch := s.Subscribe(context.Background())
	s.Close()
	select {
	case _, ok := <-ch:
		for ok {
			_, ok = <-ch
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed")
	}
}

func TestStoreFollowsGatewayEvents(t *testing.T) {
	backend, err := provider.NewMemoryBackend("store-secret", provider.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	user, err := backend.SeedUser("ada@example.com", "Passw0rd!", nil, true)
	if err != nil {
		t.Fatalf("SeedUser: %v", err)
	}
	records := provider.NewMemoryRecords()
	records.Put(provider.TableProfiles, provider.Record{
		"id": "p-1", "user_id": user.ID, "email": user.Email, "full_name": "Ada", "role": "owner", "tier": "free",
	})
	gw := gateway.New(backend.Client(provider.NewMemoryStorage()), records)

	s := New(gw)
	defer s.Close()
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.State().IsAuthenticated {
		t.Fatalf("expected anonymous start")
	}

	if _, err := gw.SignIn(context.Background(), "ada@example.com", "Passw0rd!"); err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	st := waitFor(t, s, func(st State) bool { return st.IsAuthenticated && st.Profile != nil })
	if st.User.ID != user.ID || !s.IsOwner() {
		t.Fatalf("unexpected state %+v", st)
	}

	if err := gw.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	waitFor(t, s, func(st State) bool { return !st.IsAuthenticated && st.Profile == nil })
}
