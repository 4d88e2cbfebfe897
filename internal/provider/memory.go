package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekeep.dev/internal/auth"
)

const (
	defaultMemoryAccessTTL = time.Hour
	memoryIssuer           = "gatekeep-memory"
)

// Memory operation names, used with Fail and Calls.
const (
	OpVerifyCredentials = "verify_credentials"
	OpCreateAccount     = "create_account"
	OpInvalidateSession = "invalidate_session"
	OpGetSession        = "get_session"
	OpGetIdentity       = "get_identity"
	OpUpdateIdentity    = "update_identity"
	OpRequestReset      = "request_reset"
	OpExchangeCode      = "exchange_code"
	OpInstallSession    = "install_session"
)

type memoryUser struct {
	identity     auth.Identity
	passwordHash string
}

// ResetRequest records a password reset email the backend would have sent.
type ResetRequest struct {
	Email       string
	RedirectURL string
	Code        string
}

// MemoryBackend is a self-contained identity provider kept in process memory.
// It issues signed access tokens, rotates refresh tokens, and emits the same
// events a hosted provider would.
type MemoryBackend struct {
	mu             sync.Mutex
	signer         *auth.Signer
	users          map[string]*memoryUser
	byEmail        map[string]string
	refreshTokens  map[string]string
	codes          map[string]string
	resets         []ResetRequest
	calls          map[string]int
	failures       map[string]error
	delays         map[string]time.Duration
	requireConfirm bool
	signupDisabled bool
	accessTTL      time.Duration
	bcryptCost     int
	now            func() time.Time
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithEmailConfirmation makes sign in fail for unconfirmed identities and
// makes sign up return no session.
func WithEmailConfirmation() MemoryOption {
	return func(b *MemoryBackend) { b.requireConfirm = true }
}

// WithSignupDisabled rejects every CreateAccount call.
func WithSignupDisabled() MemoryOption {
	return func(b *MemoryBackend) { b.signupDisabled = true }
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(ttl time.Duration) MemoryOption {
	return func(b *MemoryBackend) {
		if ttl > 0 {
			b.accessTTL = ttl
		}
	}
}

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) MemoryOption {
	return func(b *MemoryBackend) { b.bcryptCost = cost }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) MemoryOption {
	return func(b *MemoryBackend) {
		if fn != nil {
			b.now = fn
		}
	}
}

// NewMemoryBackend builds a backend signing tokens with secret.
func NewMemoryBackend(secret string, opts ...MemoryOption) (*MemoryBackend, error) {
	signer, err := auth.NewSigner(secret, memoryIssuer)
	if err != nil {
		return nil, err
	}
	b := &MemoryBackend{
		signer:        signer,
		users:         make(map[string]*memoryUser),
		byEmail:       make(map[string]string),
		refreshTokens: make(map[string]string),
		codes:         make(map[string]string),
		calls:         make(map[string]int),
		failures:      make(map[string]error),
		delays:        make(map[string]time.Duration),
		accessTTL:     defaultMemoryAccessTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Client returns an identity client bound to storage.
func (b *MemoryBackend) Client(storage SessionStorage) Identity {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &memoryClient{backend: b, storage: storage, hub: NewHub()}
}

// SeedUser creates an identity directly, bypassing sign up rules.
func (b *MemoryBackend) SeedUser(email, password string, metadata map[string]any, confirmed bool) (*auth.Identity, error) {
	hash, err := auth.HashPassword(password, b.bcryptCost)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	identity := b.addUserLocked(email, hash, metadata, confirmed)
	cp := identity
	return &cp, nil
}

// IssueCode returns a one-time code exchangeable for a session of userID.
func (b *MemoryBackend) IssueCode(userID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	code := uuid.NewString()
	b.codes[code] = userID
	return code
}

// IssueSession mints a session for userID without a credential check.
func (b *MemoryBackend) IssueSession(userID string) (*auth.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	user, ok := b.users[userID]
	if !ok {
		return nil, userNotFound()
	}
	return b.issueLocked(user)
}

// ResetRequests returns the password reset emails requested so far.
func (b *MemoryBackend) ResetRequests() []ResetRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ResetRequest(nil), b.resets...)
}

// Fail makes op return err until cleared with a nil err.
func (b *MemoryBackend) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Delay makes op wait d before answering.
func (b *MemoryBackend) Delay(op string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays[op] = d
}

// Calls returns how many times op was invoked.
func (b *MemoryBackend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// User returns the stored identity for id.
func (b *MemoryBackend) User(id string) (*auth.Identity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	user, ok := b.users[id]
	if !ok {
		return nil, false
	}
	cp := user.identity
	return &cp, true
}

// begin counts the call, applies any configured delay and returns the
// injected failure. It must be called without b.mu held.
func (b *MemoryBackend) begin(ctx context.Context, op string) error {
	b.mu.Lock()
	b.calls[op]++
	delay := b.delays[op]
	injected := b.failures[op]
	b.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Unavailable(ctx.Err())
		case <-t.C:
		}
	}
	return injected
}

func (b *MemoryBackend) addUserLocked(email, hash string, metadata map[string]any, confirmed bool) auth.Identity {
	now := b.now().UTC()
	identity := auth.Identity{
		ID:        uuid.NewString(),
		Email:     strings.TrimSpace(email),
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if confirmed {
		identity.EmailConfirmedAt = &now
	}
	b.users[identity.ID] = &memoryUser{identity: identity, passwordHash: hash}
	b.byEmail[strings.ToLower(identity.Email)] = identity.ID
	return identity
}

func (b *MemoryBackend) issueLocked(user *memoryUser) (*auth.Session, error) {
	token, expiresAt, err := b.signer.Sign(&user.identity, b.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh := uuid.NewString()
	b.refreshTokens[refresh] = user.identity.ID
	identity := user.identity
	return &auth.Session{
		AccessToken:  token,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		Identity:     &identity,
	}, nil
}

func (b *MemoryBackend) refresh(refreshToken string) (*auth.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	userID, ok := b.refreshTokens[refreshToken]
	if !ok {
		return nil, &Error{Status: 400, Code: "refresh_token_not_found", Message: "Invalid Refresh Token: Refresh Token Not Found"}
	}
	delete(b.refreshTokens, refreshToken)
	user, ok := b.users[userID]
	if !ok {
		return nil, userNotFound()
	}
	return b.issueLocked(user)
}

// identityForToken resolves the access token against the user table.
func (b *MemoryBackend) identityForToken(accessToken string) (*auth.Identity, error) {
	claims, err := b.signer.Parse(accessToken)
	if err != nil {
		return nil, &Error{Status: 401, Code: "bad_jwt", Message: "invalid JWT: unable to parse or verify signature"}
	}
	if claims.ExpiresAt != nil && !b.now().Before(claims.ExpiresAt.Time) {
		return nil, &Error{Status: 401, Code: "bad_jwt", Message: "invalid JWT: token is expired"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	user, ok := b.users[claims.Subject]
	if !ok {
		return nil, userNotFound()
	}
	cp := user.identity
	return &cp, nil
}

func userNotFound() *Error {
	return &Error{Status: 403, Code: "user_not_found", Message: "User from sub claim in JWT does not exist"}
}

type memoryClient struct {
	backend *MemoryBackend
	storage SessionStorage
	hub     *Hub
}

func (c *memoryClient) VerifyCredentials(ctx context.Context, email, password string) (*auth.Session, error) {
	b := c.backend
	if err := b.begin(ctx, OpVerifyCredentials); err != nil {
		return nil, err
	}
	b.mu.Lock()
	id, ok := b.byEmail[strings.ToLower(strings.TrimSpace(email))]
	var user *memoryUser
	if ok {
		user = b.users[id]
	}
	if user == nil || !auth.PasswordMatches(user.passwordHash, password) {
		b.mu.Unlock()
		return nil, &Error{Status: 400, Code: "invalid_credentials", Message: auth.ProviderMsgInvalidCredentials}
	}
	if b.requireConfirm && !user.identity.Verified() {
		b.mu.Unlock()
		return nil, &Error{Status: 400, Code: "email_not_confirmed", Message: auth.ProviderMsgEmailNotConfirmed}
	}
	session, err := b.issueLocked(user)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := c.storage.Save(ctx, session); err != nil {
		return nil, err
	}
	c.hub.Publish(Event{Kind: EventSignedIn, Session: session})
	return session, nil
}

func (c *memoryClient) CreateAccount(ctx context.Context, email, password string, metadata map[string]any) (*auth.Identity, *auth.Session, error) {
	b := c.backend
	if err := b.begin(ctx, OpCreateAccount); err != nil {
		return nil, nil, err
	}
	if b.signupDisabled {
		return nil, nil, &Error{Status: 422, Code: "signup_disabled", Message: auth.ProviderMsgSignupDisabled}
	}
	if len(password) < 6 {
		return nil, nil, &Error{Status: 422, Code: "weak_password", Message: auth.ProviderMsgWeakPassword}
	}
	hash, err := auth.HashPassword(password, b.bcryptCost)
	if err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	if _, exists := b.byEmail[strings.ToLower(strings.TrimSpace(email))]; exists {
		b.mu.Unlock()
		return nil, nil, &Error{Status: 422, Code: "user_already_exists", Message: auth.ProviderMsgAlreadyRegistered}
	}
	identity := b.addUserLocked(email, hash, metadata, !b.requireConfirm)
	if b.requireConfirm {
		b.mu.Unlock()
		return &identity, nil, nil
	}
	session, err := b.issueLocked(b.users[identity.ID])
	b.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	if err := c.storage.Save(ctx, session); err != nil {
		return nil, nil, err
	}
	c.hub.Publish(Event{Kind: EventSignedIn, Session: session})
	return &identity, session, nil
}

// InvalidateSession always clears the local session; a remote failure is
// still returned to the caller.
func (c *memoryClient) InvalidateSession(ctx context.Context) error {
	b := c.backend
	session, _ := c.storage.Load(ctx)
	remoteErr := b.begin(ctx, OpInvalidateSession)
	if remoteErr == nil && session != nil {
		b.mu.Lock()
		delete(b.refreshTokens, session.RefreshToken)
		b.mu.Unlock()
	}
	if err := c.storage.Clear(ctx); err != nil && remoteErr == nil {
		remoteErr = err
	}
	c.hub.Publish(Event{Kind: EventSignedOut})
	return remoteErr
}

func (c *memoryClient) GetSession(ctx context.Context) (*auth.Session, error) {
	b := c.backend
	if err := b.begin(ctx, OpGetSession); err != nil {
		return nil, err
	}
	session, err := c.storage.Load(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	if !session.Expired(b.now()) {
		return session, nil
	}
	if session.RefreshToken == "" {
		_ = c.storage.Clear(ctx)
		return nil, nil
	}
	refreshed, err := b.refresh(session.RefreshToken)
	if err != nil {
		_ = c.storage.Clear(ctx)
		c.hub.Publish(Event{Kind: EventSignedOut})
		return nil, err
	}
	if err := c.storage.Save(ctx, refreshed); err != nil {
		return nil, err
	}
	c.hub.Publish(Event{Kind: EventTokenRefreshed, Session: refreshed})
	return refreshed, nil
}

func (c *memoryClient) GetAuthoritativeIdentity(ctx context.Context) (*auth.Identity, error) {
	b := c.backend
	if err := b.begin(ctx, OpGetIdentity); err != nil {
		return nil, err
	}
	session, err := c.storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil || session.AccessToken == "" {
		return nil, SessionMissing()
	}
	return b.identityForToken(session.AccessToken)
}

func (c *memoryClient) UpdateIdentity(ctx context.Context, update IdentityUpdate) (*auth.Identity, error) {
	b := c.backend
	if err := b.begin(ctx, OpUpdateIdentity); err != nil {
		return nil, err
	}
	session, err := c.storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, SessionMissing()
	}
	current, err := b.identityForToken(session.AccessToken)
	if err != nil {
		return nil, err
	}
	var hash string
	if update.Password != "" {
		if len(update.Password) < 6 {
			return nil, &Error{Status: 422, Code: "weak_password", Message: auth.ProviderMsgWeakPassword}
		}
		if hash, err = auth.HashPassword(update.Password, b.bcryptCost); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	user := b.users[current.ID]
	if update.Email != "" && !strings.EqualFold(update.Email, user.identity.Email) {
		if _, taken := b.byEmail[strings.ToLower(update.Email)]; taken {
			b.mu.Unlock()
			return nil, &Error{Status: 422, Code: "email_exists", Message: "A user with this email address has already been registered"}
		}
		delete(b.byEmail, strings.ToLower(user.identity.Email))
		user.identity.Email = strings.TrimSpace(update.Email)
		b.byEmail[strings.ToLower(user.identity.Email)] = user.identity.ID
	}
	if hash != "" {
		user.passwordHash = hash
	}
	user.identity.UpdatedAt = b.now().UTC()
	updated := user.identity
	b.mu.Unlock()

	next := *session
	next.Identity = &updated
	if err := c.storage.Save(ctx, &next); err != nil {
		return nil, err
	}
	c.hub.Publish(Event{Kind: EventUserUpdated, Session: &next})
	return &updated, nil
}

func (c *memoryClient) RequestPasswordResetEmail(ctx context.Context, email, redirectURL string) error {
	b := c.backend
	if err := b.begin(ctx, OpRequestReset); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	req := ResetRequest{Email: strings.TrimSpace(email), RedirectURL: redirectURL}
	if id, ok := b.byEmail[strings.ToLower(req.Email)]; ok {
		req.Code = uuid.NewString()
		b.codes[req.Code] = id
	}
	b.resets = append(b.resets, req)
	return nil
}

func (c *memoryClient) ExchangeOneTimeCodeForSession(ctx context.Context, code string) (*auth.Session, error) {
	b := c.backend
	if err := b.begin(ctx, OpExchangeCode); err != nil {
		return nil, err
	}
	b.mu.Lock()
	userID, ok := b.codes[code]
	if ok {
		delete(b.codes, code)
	}
	user := b.users[userID]
	if !ok || user == nil {
		b.mu.Unlock()
		return nil, &Error{Status: 404, Code: "flow_state_not_found", Message: "invalid flow state, no valid flow state found"}
	}
	session, err := b.issueLocked(user)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := c.storage.Save(ctx, session); err != nil {
		return nil, err
	}
	c.hub.Publish(Event{Kind: EventSignedIn, Session: session})
	return session, nil
}

func (c *memoryClient) InstallSessionFromTokens(ctx context.Context, accessToken, refreshToken string) (*auth.Session, error) {
	b := c.backend
	if err := b.begin(ctx, OpInstallSession); err != nil {
		return nil, err
	}
	identity, err := b.identityForToken(accessToken)
	var session *auth.Session
	switch {
	case err == nil:
		session = &auth.Session{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    auth.ExpiryOf(accessToken),
			Identity:     identity,
		}
	case refreshToken != "":
		var perr *Error
		if !errors.As(err, &perr) || perr.Code != "bad_jwt" {
			return nil, err
		}
		if session, err = b.refresh(refreshToken); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	if err := c.storage.Save(ctx, session); err != nil {
		return nil, err
	}
	c.hub.Publish(Event{Kind: EventSignedIn, Session: session})
	return session, nil
}

func (c *memoryClient) SubscribeToIdentityEvents(fn Listener) func() {
	return c.hub.Listen(fn)
}
