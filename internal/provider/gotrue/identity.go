package gotrue

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/provider"
)

type client struct {
	backend *Backend
	storage provider.SessionStorage
	hub     *provider.Hub
}

func (c *client) VerifyCredentials(ctx context.Context, email, password string) (*auth.Session, error) {
	var tr tokenResponse
	err := c.backend.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"password"}}, "",
		map[string]string{"email": email, "password": password}, &tr)
	if err != nil {
		return nil, err
	}
	return c.install(ctx, c.backend.session(tr), provider.EventSignedIn)
}

func (c *client) CreateAccount(ctx context.Context, email, password string, metadata map[string]any) (*auth.Identity, *auth.Session, error) {
	in := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		in["data"] = metadata
	}
	var sr signupResponse
	if err := c.backend.do(ctx, http.MethodPost, "/signup", nil, "", in, &sr); err != nil {
		return nil, nil, err
	}
	if sr.AccessToken == "" {
		identity := sr.Identity
		return &identity, nil, nil
	}
	session, err := c.install(ctx, c.backend.session(sr.tokenResponse), provider.EventSignedIn)
	if err != nil {
		return nil, nil, err
	}
	return session.Identity, session, nil
}

// InvalidateSession revokes the session remotely and always clears it
// locally; a remote failure is still returned.
func (c *client) InvalidateSession(ctx context.Context) error {
	session, _ := c.storage.Load(ctx)
	var remoteErr error
	if session != nil && session.AccessToken != "" {
		remoteErr = c.backend.do(ctx, http.MethodPost, "/logout", nil, session.AccessToken, nil, nil)
		var perr *provider.Error
		// An already revoked token is as good as signed out.
		if errors.As(remoteErr, &perr) && (perr.Status == http.StatusUnauthorized || perr.Status == http.StatusNotFound) {
			remoteErr = nil
		}
	}
	if err := c.storage.Clear(ctx); err != nil && remoteErr == nil {
		remoteErr = err
	}
	c.hub.Publish(provider.Event{Kind: provider.EventSignedOut})
	return remoteErr
}

func (c *client) GetSession(ctx context.Context) (*auth.Session, error) {
	session, err := c.storage.Load(ctx)
	if err != nil || session == nil {
		return nil, err
	}
	if !session.Expired(c.backend.now()) {
		return session, nil
	}
	if session.RefreshToken == "" {
		_ = c.storage.Clear(ctx)
		return nil, nil
	}
	refreshed, err := c.refresh(ctx, session.RefreshToken)
	if err != nil {
		// Keep the stored session when the provider could not be reached.
		if !errors.Is(err, auth.ErrProviderUnavailable) {
			_ = c.storage.Clear(ctx)
			c.hub.Publish(provider.Event{Kind: provider.EventSignedOut})
		}
		return nil, err
	}
	return c.install(ctx, refreshed, provider.EventTokenRefreshed)
}

func (c *client) GetAuthoritativeIdentity(ctx context.Context) (*auth.Identity, error) {
	session, err := c.storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil || session.AccessToken == "" {
		return nil, provider.SessionMissing()
	}
	return c.user(ctx, session.AccessToken)
}

func (c *client) UpdateIdentity(ctx context.Context, update provider.IdentityUpdate) (*auth.Identity, error) {
	session, err := c.storage.Load(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil || session.AccessToken == "" {
		return nil, provider.SessionMissing()
	}
	in := map[string]string{}
	if update.Email != "" {
		in["email"] = update.Email
	}
	if update.Password != "" {
		in["password"] = update.Password
	}
	var identity auth.Identity
	if err := c.backend.do(ctx, http.MethodPut, "/user", nil, session.AccessToken, in, &identity); err != nil {
		return nil, err
	}
	next := *session
	next.Identity = &identity
	if err := c.storage.Save(ctx, &next); err != nil {
		return nil, err
	}
	c.hub.Publish(provider.Event{Kind: provider.EventUserUpdated, Session: &next})
	return &identity, nil
}

func (c *client) RequestPasswordResetEmail(ctx context.Context, email, redirectURL string) error {
	var query url.Values
	if redirectURL != "" {
		query = url.Values{"redirect_to": {redirectURL}}
	}
	return c.backend.do(ctx, http.MethodPost, "/recover", query, "", map[string]string{"email": email}, nil)
}

func (c *client) ExchangeOneTimeCodeForSession(ctx context.Context, code string) (*auth.Session, error) {
	var tr tokenResponse
	err := c.backend.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"pkce"}}, "",
		map[string]string{"auth_code": code}, &tr)
	if err != nil {
		return nil, err
	}
	return c.install(ctx, c.backend.session(tr), provider.EventSignedIn)
}

func (c *client) InstallSessionFromTokens(ctx context.Context, accessToken, refreshToken string) (*auth.Session, error) {
	identity, err := c.user(ctx, accessToken)
	if err != nil {
		var perr *provider.Error
		if refreshToken == "" || !errors.As(err, &perr) || perr.Status != http.StatusUnauthorized {
			return nil, err
		}
		session, rerr := c.refresh(ctx, refreshToken)
		if rerr != nil {
			return nil, rerr
		}
		return c.install(ctx, session, provider.EventSignedIn)
	}
	return c.install(ctx, &auth.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    auth.ExpiryOf(accessToken),
		Identity:     identity,
	}, provider.EventSignedIn)
}

func (c *client) SubscribeToIdentityEvents(fn provider.Listener) func() {
	return c.hub.Listen(fn)
}

func (c *client) user(ctx context.Context, accessToken string) (*auth.Identity, error) {
	var identity auth.Identity
	if err := c.backend.do(ctx, http.MethodGet, "/user", nil, accessToken, nil, &identity); err != nil {
		return nil, err
	}
	return &identity, nil
}

func (c *client) refresh(ctx context.Context, refreshToken string) (*auth.Session, error) {
	var tr tokenResponse
	err := c.backend.do(ctx, http.MethodPost, "/token", url.Values{"grant_type": {"refresh_token"}}, "",
		map[string]string{"refresh_token": refreshToken}, &tr)
	if err != nil {
		return nil, err
	}
	return c.backend.session(tr), nil
}

func (c *client) install(ctx context.Context, session *auth.Session, kind provider.EventKind) (*auth.Session, error) {
	if err := c.storage.Save(ctx, session); err != nil {
		return nil, err
	}
	c.hub.Publish(provider.Event{Kind: kind, Session: session})
	return session, nil
}
