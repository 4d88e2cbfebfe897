package authstate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/authz"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/provider"
)

// Resolver is the part of the gateway the store depends on.
type Resolver interface {
	LookupCurrentUser(ctx context.Context) (auth.CurrentUser, error)
	OnAuthStateChange(fn provider.Listener) func()
}

const subscriberBuffer = 16

// Store is the single owner of State. Reads are lock free; writes go through
// dispatch one at a time.
type Store struct {
	resolver Resolver
	log      zerolog.Logger

	mu      sync.Mutex
	state   atomic.Pointer[State]
	version uint64 // bumped whenever user or profile data is written

	init        singleflight.Group
	subscribed  atomic.Bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc

	subMu sync.RWMutex
	subs  map[int]chan State
	next  int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates an uninitialized store. Call Initialize once the process is up.
func New(resolver Resolver, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		resolver: resolver,
		log:      obs.Component("authstate"),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]chan State),
	}
	s.state.Store(&State{})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current snapshot.
func (s *Store) State() State {
	return *s.state.Load()
}

// Initialize resolves the current user once and then starts listening to
// identity events. Concurrent and repeated calls share the single pass. The
// returned error is the reason a resolution failed for anything other than a
// missing session; it is also held in State.Error.
func (s *Store) Initialize(ctx context.Context) error {
	if s.State().IsInitialized {
		return nil
	}
	_, err, _ := s.init.Do("init", func() (any, error) {
		if s.State().IsInitialized {
			return nil, nil
		}
		s.dispatch(msgInitStart{})
		version := s.currentVersion()
		cu, err := s.resolver.LookupCurrentUser(ctx)
		normalized := normalizeErr(err)
		s.dispatchFetch(version, msgInitDone{cu: cu, err: normalized})
		s.subscribe()
		if normalized != nil {
			return nil, normalized
		}
		return nil, nil
	})
	return err
}

func (s *Store) subscribe() {
	if !s.subscribed.CompareAndSwap(false, true) {
		return
	}
	stop := s.resolver.OnAuthStateChange(s.handleEvent)
	s.mu.Lock()
	s.unsubscribe = stop
	s.mu.Unlock()
}

// handleEvent runs on the provider's delivery goroutine, one event at a time.
func (s *Store) handleEvent(evt provider.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", string(evt.Kind)).Msg("auth event handler")
			s.dispatch(msgSetError{err: auth.Normalize(fmt.Errorf("auth event %s: %v", evt.Kind, r))})
		}
	}()
	if s.ctx.Err() != nil {
		return
	}
	switch evt.Kind {
	case provider.EventSignedIn:
		version := s.currentVersion()
		cu, err := s.resolver.LookupCurrentUser(s.ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("resolve user after sign in")
			if n := normalizeErr(err); n != nil {
				s.dispatch(msgSetError{err: n})
			}
			return
		}
		s.dispatchFetch(version, msgFetched{cu: cu})
	case provider.EventSignedOut:
		s.dispatch(msgSignedOut{})
	case provider.EventTokenRefreshed:
		s.dispatch(msgTokenRefreshed{user: sessionUser(evt.Session)})
	case provider.EventUserUpdated:
		s.dispatch(msgUserUpdated{user: sessionUser(evt.Session)})
	default:
		s.log.Debug().Str("event", string(evt.Kind)).Msg("ignored auth event")
	}
}

// SetUser replaces the user. A nil user also clears authentication and the
// profile; a different user drops a profile that belongs to someone else.
func (s *Store) SetUser(user *auth.Identity) { s.dispatch(msgSetUser{user: user}) }

// SetProfile replaces the profile. It is dropped when it belongs to another
// user than the one held.
func (s *Store) SetProfile(profile *auth.Profile) { s.dispatch(msgSetProfile{profile: profile}) }

// SetOrganization replaces the organization. It is only kept when it is the
// organization of the held profile, so set the profile first.
func (s *Store) SetOrganization(org *auth.Organization) {
	s.dispatch(msgSetOrganization{org: org})
}

// SetCurrentUser replaces user, profile and organization in one transition.
func (s *Store) SetCurrentUser(cu auth.CurrentUser) { s.dispatch(msgSetCurrentUser{cu: cu}) }

func (s *Store) SetLoading(loading bool) { s.dispatch(msgSetLoading{loading: loading}) }

// SetError stores the normalized form of err; nil clears it.
func (s *Store) SetError(err error) {
	var n *auth.Error
	if err != nil {
		n = auth.Normalize(err)
	}
	s.dispatch(msgSetError{err: n})
}

// ClearAuth drops the identity and resets loading and error.
func (s *Store) ClearAuth() { s.dispatch(msgClear{}) }

// RefreshProfile re-resolves the current user and replaces profile and
// organization. It does nothing without a user. Missing-session failures are
// ignored; other failures are stored and returned.
func (s *Store) RefreshProfile(ctx context.Context) error {
	userID := s.State().UserID()
	if userID == "" {
		return nil
	}
	cu, err := s.resolver.LookupCurrentUser(ctx)
	if err != nil {
		n := normalizeErr(err)
		if n == nil {
			return nil
		}
		s.dispatch(msgSetError{err: n})
		return n
	}
	if cu.User != nil && cu.User.ID != userID {
		return nil
	}
	s.dispatch(msgProfileRefresh{userID: userID, profile: cu.Profile, org: cu.Organization})
	return nil
}

// HasRole reports whether the held profile has one of roles.
func (s *Store) HasRole(roles ...auth.Role) bool { return authz.HasRole(s.State().Profile, roles...) }

// HasTier reports whether the held profile has one of tiers.
func (s *Store) HasTier(tiers ...auth.Tier) bool { return authz.HasTier(s.State().Profile, tiers...) }

func (s *Store) IsOwner() bool  { return authz.IsOwner(s.State().Profile) }
func (s *Store) IsAdmin() bool  { return authz.IsAdmin(s.State().Profile) }
func (s *Store) IsMember() bool { return authz.IsMember(s.State().Profile) }

// Subscribe delivers every new snapshot until ctx ends. Slow readers miss
// intermediate snapshots.
func (s *Store) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, subscriberBuffer)
	s.subMu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.subMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.subMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subMu.Unlock()
	}()
	return ch
}

// Close stops event handling and ends every subscription. Only for process
// shutdown.
func (s *Store) Close() {
	s.cancel()
	s.mu.Lock()
	stop := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (s *Store) currentVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// dispatchFetch applies a resolution started at version. If the identity was
// rewritten in the meantime the result is stale and its identity is dropped.
func (s *Store) dispatchFetch(version uint64, m message) {
	s.apply(m, func(current uint64) (message, bool) {
		if current == version {
			if done, ok := m.(msgInitDone); ok {
				done.applied = true
				return done, true
			}
			return m, true
		}
		if done, ok := m.(msgInitDone); ok {
			done.applied = false
			return done, true
		}
		return nil, false
	})
}

func (s *Store) dispatch(m message) {
	s.apply(m, func(uint64) (message, bool) { return m, true })
}

func (s *Store) apply(m message, admit func(version uint64) (message, bool)) {
	s.mu.Lock()
	m, ok := admit(s.version)
	if !ok {
		s.mu.Unlock()
		obs.StoreTransition("stale_dropped")
		return
	}
	prev := s.state.Load()
	next := reduce(*prev, m)
	if rewritesIdentity(m) {
		s.version++
	}
	s.state.Store(&next)
	s.mu.Unlock()

	obs.StoreTransition(m.name())
	s.log.Debug().
		Str("msg", m.name()).
		Bool("authenticated", next.IsAuthenticated).
		Bool("initialized", next.IsInitialized).
		Msg("auth state transition")
	s.publish(next)
}

func rewritesIdentity(m message) bool {
	switch m := m.(type) {
	case msgInitDone:
		return m.applied
	case msgFetched, msgSignedOut, msgClear, msgSetUser, msgSetCurrentUser, msgUserUpdated,
		msgSetProfile, msgSetOrganization, msgProfileRefresh:
		return true
	case msgTokenRefreshed:
		return m.user != nil
	}
	return false
}

func (s *Store) publish(st State) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func normalizeErr(err error) *auth.Error {
	if err == nil || auth.IsSessionMissing(err) {
		return nil
	}
	return auth.Normalize(err)
}

func sessionUser(session *auth.Session) *auth.Identity {
	if session == nil {
		return nil
	}
	return session.Identity
}
