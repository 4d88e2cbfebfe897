// Package gotrue implements provider.Backend against a GoTrue compatible
// identity service over its REST API.
package gotrue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/provider"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxElapsed = 3 * time.Second
	initialInterval   = 200 * time.Millisecond
)

// Backend holds the connection settings shared by every client.
type Backend struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	maxElapsed time.Duration
	now        func() time.Time
}

// Option customises a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		if c != nil {
			b.client = c
		}
	}
}

// WithMaxElapsed bounds the total time spent retrying one call. Zero
// disables retries.
func WithMaxElapsed(d time.Duration) Option {
	return func(b *Backend) { b.maxElapsed = d }
}

// New builds a backend for the service rooted at baseURL, e.g.
// https://project.example.com/auth/v1.
func New(baseURL, apiKey string, opts ...Option) (*Backend, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gotrue: invalid base url %q", baseURL)
	}
	b := &Backend{
		baseURL:    strings.TrimRight(u.String(), "/"),
		apiKey:     apiKey,
		client:     &http.Client{Timeout: defaultTimeout},
		maxElapsed: defaultMaxElapsed,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Client returns an identity client whose session lives in storage.
func (b *Backend) Client(storage provider.SessionStorage) provider.Identity {
	if storage == nil {
		storage = provider.NewMemoryStorage()
	}
	return &client{backend: b, storage: storage, hub: provider.NewHub()}
}

type tokenResponse struct {
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresIn    int64          `json:"expires_in"`
	ExpiresAt    int64          `json:"expires_at"`
	User         *auth.Identity `json:"user"`
}

// signupResponse is either a session or, when confirmation is pending, the
// bare user object.
type signupResponse struct {
	tokenResponse
	auth.Identity
}

type errorResponse struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (b *Backend) session(tr tokenResponse) *auth.Session {
	s := &auth.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Identity:     tr.User,
	}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0).UTC()
	case tr.ExpiresIn > 0:
		s.ExpiresAt = b.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	default:
		s.ExpiresAt = auth.ExpiryOf(tr.AccessToken)
	}
	return s
}

// do sends one JSON request, retrying transport failures and 5xx answers
// with exponential backoff. 4xx answers are returned at once.
func (b *Backend) do(ctx context.Context, method, path string, query url.Values, bearer string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	endpoint := b.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if b.apiKey != "" {
			req.Header.Set("apikey", b.apiKey)
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		} else if b.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+b.apiKey)
		}
		res, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(provider.Unavailable(ctx.Err()))
			}
			return provider.Unavailable(err)
		}
		defer res.Body.Close()
		if res.StatusCode >= 400 {
			perr := mapError(res)
			if res.StatusCode >= 500 {
				return perr
			}
			return backoff.Permanent(perr)
		}
		if out == nil || res.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return backoff.Permanent(fmt.Errorf("gotrue: decode %s: %w", path, err))
		}
		return nil
	}

	if b.maxElapsed <= 0 {
		err := op()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialInterval
	bo.MaxElapsedTime = b.maxElapsed
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// mapError turns an error response into a provider.Error carrying the raw
// provider message.
func mapError(res *http.Response) *provider.Error {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	perr := &provider.Error{Status: res.StatusCode}
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		perr.Code = firstNonEmpty(er.ErrorCode, er.Error)
		perr.Message = firstNonEmpty(er.Msg, er.Message, er.ErrorDescription, er.Error)
	}
	if perr.Code == "" {
		perr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(res.StatusCode), " ", "_"))
	}
	if perr.Message == "" {
		perr.Message = strings.TrimSpace(string(data))
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(res.StatusCode)
	}
	return perr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
