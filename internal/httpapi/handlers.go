package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gatekeep.dev/internal/authflow"
	"gatekeep.dev/internal/edge"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/provider"
)

const (
	serviceName  = "gatekeep"
	maxBodyBytes = 1 << 20
)

// ReadyProbe checks the record store.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Config wires the HTTP surface.
type Config struct {
	Backend provider.Backend
	Records provider.Records
	// Gate and Upstream serve every path not owned by the API. Without an
	// upstream unknown paths are 404.
	Gate     *edge.Gate
	Upstream http.Handler
	Notifier authflow.Notifier
	Ready    readinessChecker
	Version  string

	SiteURL      string
	CookieName   string
	CookieSecure bool
	Limiter      *RateLimiter
}

// API is the HTTP layer.
type API struct {
	router chi.Router
	cfg    Config
}

func New(cfg Config) *API {
	if cfg.Ready == nil {
		cfg.Ready = ReadyProbe{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = authflow.NewLogNotifier()
	}
	if cfg.CookieName == "" {
		cfg.CookieName = edge.DefaultCookieName
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(20, 5)
	}
	a := &API{router: chi.NewRouter(), cfg: cfg}
	r := a.router

	r.Use(RequestID, LoggingJSON, middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)
		r.Get("/healthz", a.Healthz)
		r.Get("/readyz", a.Ready)
		r.Get("/v1/info", a.Info)
		r.Handle("/metrics", obs.Handler())
	})

	r.Route("/v1/auth", func(r chi.Router) {
		r.Use(SecurityHeaders, CORS(cfg.SiteURL), MaxBodyBytes(maxBodyBytes), cfg.Limiter.Middleware)
		r.Post("/sign-in", a.signIn)
		r.Post("/sign-up", a.signUp)
		r.Post("/sign-out", a.signOut)
		r.Post("/forgot-password", a.forgotPassword)
		r.Post("/reset-password", a.resetPassword)
		r.Get("/me", a.me)
		r.Put("/profile", a.updateProfile)
		r.Post("/password", a.changePassword)
		r.Get("/can", a.can)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	if cfg.Upstream != nil && cfg.Gate != nil {
		r.NotFound(cfg.Gate.Middleware(cfg.Upstream).ServeHTTP)
	} else {
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, http.StatusNotFound, "not found")
		})
	}
	return a
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.cfg.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.cfg.Ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
