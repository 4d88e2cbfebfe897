package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/cache"
	"gatekeep.dev/internal/config"
	"gatekeep.dev/internal/edge"
	"gatekeep.dev/internal/httpapi"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/provider"
	"gatekeep.dev/internal/provider/gotrue"
	"gatekeep.dev/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Component("server")
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("stopped")
}

func run(log zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if lvl := os.Getenv("GATEKEEP_LOG_LEVEL"); lvl != "" {
		obs.SetLevel(lvl)
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}

	var (
		records provider.Records = provider.NewMemoryRecords()
		ready   httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		audit.SetSink(store)
		ready.DB = store.DB()
		records = store
	} else {
		log.Warn().Msg("GATEKEEP_PG_DSN not set, profiles are kept in memory")
	}

	var cacheBackend cache.Backend = cache.NewMemory()
	if cfg.RedisAddr != "" {
		client, err := cache.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		cacheBackend = cache.NewRedis(client)
	}
	records = cache.New(records, cacheBackend,
		cache.WithTTL(provider.TableProfiles, cfg.ProfileTTL),
		cache.WithTTL(provider.TableOrganizations, cfg.OrgTTL),
		cache.WithLogger(obs.Component("cache")),
	)

	upstream, err := newUpstream(cfg.UpstreamURL)
	if err != nil {
		return err
	}
	limiter := httpapi.NewRateLimiter(cfg.RateBurst, cfg.RatePerSec)
	api := httpapi.New(httpapi.Config{
		Backend:      backend,
		Records:      records,
		Gate:         edge.New(backend, records, edge.WithCookie(cfg.CookieName, cfg.CookieSecure)),
		Upstream:     upstream,
		Ready:        ready,
		Version:      version,
		SiteURL:      cfg.SiteURL,
		CookieName:   cfg.CookieName,
		CookieSecure: cfg.CookieSecure,
		Limiter:      limiter,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", version).Str("provider", cfg.Provider).Msg("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcServer := grpc.NewServer()
		health := httpapi.NewHealthServer(ready)
		healthpb.RegisterHealthServer(grpcServer, health)
		g.Go(func() error {
			health.Run(gctx, 5*time.Second)
			return nil
		})
		g.Go(func() error {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc health listening")
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	return g.Wait()
}

func newBackend(cfg *config.Config) (provider.Backend, error) {
	switch cfg.Provider {
	case config.ProviderMemory:
		return provider.NewMemoryBackend(cfg.JWTSecret)
	default:
		return gotrue.New(cfg.ProviderURL, cfg.ProviderKey)
	}
}

// newUpstream proxies gated page requests to the front end. Without one the
// server only answers the API.
func newUpstream(raw string) (http.Handler, error) {
	if raw == "" {
		return nil, nil
	}
	target, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log := obs.Component("proxy")
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("upstream unavailable")
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}
