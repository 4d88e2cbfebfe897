package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gatekeep.dev/internal/auth"
)

// SessionStorage persists the session of one client.
type SessionStorage interface {
	// Load returns nil, nil when nothing is stored.
	Load(ctx context.Context) (*auth.Session, error)
	Save(ctx context.Context, session *auth.Session) error
	Clear(ctx context.Context) error
}

// MemoryStorage keeps the session in process memory.
type MemoryStorage struct {
	mu      sync.Mutex
	session *auth.Session
}

func NewMemoryStorage() *MemoryStorage { return &MemoryStorage{} }

func (m *MemoryStorage) Load(context.Context) (*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, nil
	}
	cp := *m.session
	return &cp, nil
}

func (m *MemoryStorage) Save(_ context.Context, session *auth.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session == nil {
		m.session = nil
		return nil
	}
	cp := *session
	m.session = &cp
	return nil
}

func (m *MemoryStorage) Clear(context.Context) error {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	return nil
}

// FileStorage keeps the session as JSON in a file readable only by its owner.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

func NewFileStorage(path string) *FileStorage { return &FileStorage{path: path} }

func (f *FileStorage) Load(context.Context) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var session auth.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	return &session, nil
}

func (f *FileStorage) Save(_ context.Context, session *auth.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session == nil {
		return f.remove()
	}
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStorage) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remove()
}

func (f *FileStorage) remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// CookieStorage binds a session to one HTTP request/response pair. Reads come
// from the request cookie; writes are emitted as Set-Cookie on the response and
// are visible to later reads within the same request.
type CookieStorage struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	r       *http.Request
	name    string
	secure  bool
	pending *auth.Session
	written bool
}

// NewCookieStorage binds storage to w and r under the cookie name.
func NewCookieStorage(w http.ResponseWriter, r *http.Request, name string, secure bool) *CookieStorage {
	return &CookieStorage{w: w, r: r, name: name, secure: secure}
}

func (c *CookieStorage) Load(context.Context) (*auth.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.written {
		if c.pending == nil {
			return nil, nil
		}
		cp := *c.pending
		return &cp, nil
	}
	cookie, err := c.r.Cookie(c.name)
	if errors.Is(err, http.ErrNoCookie) || (err == nil && cookie.Value == "") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeSessionCookie(cookie.Value)
}

func (c *CookieStorage) Save(_ context.Context, session *auth.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if session == nil {
		c.clearLocked()
		return nil
	}
	value, err := EncodeSessionCookie(session)
	if err != nil {
		return err
	}
	cp := *session
	c.pending = &cp
	c.written = true
	http.SetCookie(c.w, &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
	})
	return nil
}

func (c *CookieStorage) Clear(context.Context) error {
	c.mu.Lock()
	c.clearLocked()
	c.mu.Unlock()
	return nil
}

func (c *CookieStorage) clearLocked() {
	c.pending = nil
	c.written = true
	http.SetCookie(c.w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// EncodeSessionCookie serializes the token pair for a cookie value. The
// identity is not stored; it is always re-fetched from the provider.
func EncodeSessionCookie(session *auth.Session) (string, error) {
	data, err := json.Marshal(cookieSession{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt.Unix(),
	})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeSessionCookie parses a value produced by EncodeSessionCookie.
func DecodeSessionCookie(value string) (*auth.Session, error) {
	data, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode session cookie: %w", err)
	}
	var cs cookieSession
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("decode session cookie: %w", err)
	}
	if cs.AccessToken == "" {
		return nil, nil
	}
	session := &auth.Session{AccessToken: cs.AccessToken, RefreshToken: cs.RefreshToken}
	if cs.ExpiresAt > 0 {
		session.ExpiresAt = time.Unix(cs.ExpiresAt, 0).UTC()
	}
	return session, nil
}

type cookieSession struct {
	AccessToken  string `json:"at"`
	RefreshToken string `json:"rt"`
	ExpiresAt    int64  `json:"exp"`
}
