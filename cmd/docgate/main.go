package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/AlexKimmel/docgate/internal/admin"
	"github.com/AlexKimmel/docgate/internal/auth"
	"github.com/AlexKimmel/docgate/internal/config"
	"github.com/AlexKimmel/docgate/internal/gateway"
	"github.com/AlexKimmel/docgate/internal/obs"
	"github.com/AlexKimmel/docgate/internal/proxy"
	"github.com/AlexKimmel/docgate/internal/quota"
	quotamem "github.com/AlexKimmel/docgate/internal/quota/memory"
	"github.com/AlexKimmel/docgate/internal/ratelimit"
	"github.com/AlexKimmel/docgate/internal/ratelimit/memory"
	rlredis "github.com/AlexKimmel/docgate/internal/ratelimit/redis"
	"github.com/AlexKimmel/docgate/internal/routing"
	"github.com/AlexKimmel/docgate/internal/store/sqlstore"
)

func main() {
	path := flag.String("config", envOr("DOCGATE_CONFIG", "./config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Str("path", *path).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("docgate stopped")
	}
	logger.Info().Msg("bye")
}

func run(ctx context.Context, cfg *config.Root, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	counters, closeCounters, err := initCounters(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeCounters()

	policies, quotas, closeDB, err := initStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	failure, err := ratelimit.ParseFailurePolicy(cfg.Limits.FailurePolicy)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.New(counters, policies, ratelimit.Options{
		Logger:       logger,
		StoreTimeout: cfg.Limits.StoreTimeout(),
		OnFailure:    failure,
		OnLimited:    metrics.OnLimited,
		OnStoreError: metrics.OnStoreError,
	})
	if err != nil {
		return err
	}
	if err := seedPolicies(ctx, limiter, cfg.Limits.Policies); err != nil {
		return err
	}

	guard := quota.NewGuard(quotas, quota.WithLogger(logger), quota.WithRejectHook(metrics.OnQuotaReject))

	router, err := buildRouter(cfg.Routes)
	if err != nil {
		return err
	}
	for _, p := range cfg.Limits.Policies {
		if !router.Serves(p.Endpoint) {
			logger.Warn().Str("endpoint", p.Endpoint).Msg("rate limit policy names an endpoint no route serves")
		}
	}

	authStore := auth.NewStatic(cfg.Auth.Header, principals(cfg.Auth.Keys), cfg.Auth.AllowAnonymous)

	gw := gateway.Chain(
		proxy.Handler(proxy.NewHTTPTransport()),
		authStore.Middleware(),
		gateway.RouteMatcher(router),
		metrics.Middleware(),
		gateway.BodyLimit(cfg.Server.MaxBody(), cfg.Server.UploadMaxBody()),
		gateway.RateLimit(limiter, gateway.Identify(cfg.Limits.TrustProxy)),
		gateway.QuotaGate(guard),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("v.0.1.0"))
	})
	mux.Handle(cfg.Observability.PrometheusPath, metrics.Handler())
	mux.Handle("/admin/", admin.New(limiter, guard, admin.Options{
		Header: cfg.Admin.Header,
		Keys:   cfg.Admin.Keys,
		Logger: logger,
	}))
	mux.Handle("/", gw)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           obs.Logger(logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Int("routes", len(router.Routes())).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	})
	return g.Wait()
}

func initCounters(ctx context.Context, cfg config.Redis, logger zerolog.Logger) (ratelimit.CounterStore, func(), error) {
	if cfg.Addr == "" {
		logger.Warn().Msg("redis not configured, rate limit counters are local to this process")
		c := memory.NewCounters()
		c.StartJanitor(ctx, time.Minute)
		return c, func() {}, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	store := rlredis.New(client, rlredis.WithPrefix(cfg.Prefix))

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// counters fail open, so an unreachable redis degrades rather than blocks startup
		logger.Error().Err(err).Str("addr", cfg.Addr).Msg("redis ping failed")
	} else if err := store.Load(pingCtx); err != nil {
		logger.Warn().Err(err).Msg("preloading rate limit script failed")
	}

	return store, func() {
		if err := client.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close redis client")
		}
	}, nil
}

func initStores(ctx context.Context, cfg *config.Root, logger zerolog.Logger) (ratelimit.PolicyStore, quota.Source, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn().Int("departments", len(cfg.Departments)).Msg("database not configured, using in-memory policies and quotas")
		q := quotamem.New()
		for _, d := range cfg.Departments {
			q.AddDepartment(d.ID, d.AllocatedBytes)
		}
		return memory.NewPolicies(), q, func() {}, nil
	}

	db, err := sqlstore.Open(ctx, sqlstore.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	s := sqlstore.New(db)
	return s, s, closer(db, logger), nil
}

func closer(db *sql.DB, logger zerolog.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close database")
		}
	}
}

func buildRouter(routes []config.Routes) (*routing.Router, error) {
	rr := routing.New()
	for _, rc := range routes {
		up, err := url.Parse(rc.Upstream.URL)
		if err != nil {
			return nil, err
		}
		methods := make(map[string]struct{}, len(rc.Match.Methods))
		for _, m := range rc.Match.Methods {
			methods[strings.ToUpper(m)] = struct{}{}
		}
		rr.Add(&routing.Route{
			ID:      rc.ID,
			Methods: methods,
			Prefix:  rc.Match.PathPrefix,
			UpUrl:   up,
			Timeout: time.Duration(rc.Upstream.TimeoutMS) * time.Millisecond,
			Upload:  rc.Upload,
		})
	}
	return rr, nil
}

// seedPolicies writes YAML policies for endpoints the policy store does not
// know yet. Rows already stored, including admin API changes, win.
func seedPolicies(ctx context.Context, lim *ratelimit.Limiter, policies []config.PolicyConfig) error {
	for _, p := range policies {
		pol := ratelimit.Policy{MaxRequests: p.MaxRequests, WindowMS: p.WindowMS}
		if _, err := lim.SeedPolicy(ctx, p.Endpoint, pol); err != nil {
			return err
		}
	}
	return nil
}

func principals(keys []config.APIKey) map[string]auth.Principal {
	pairs := map[string]auth.Principal{} // secret -> principal
	for _, k := range keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = auth.Principal{UserID: k.ID, DepartmentID: k.Metadata["department"]}
		}
	}
	return pairs
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
