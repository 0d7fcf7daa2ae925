package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/shopguard/internal/abuse"
	"github.com/AlexKimmel/shopguard/internal/admin"
	"github.com/AlexKimmel/shopguard/internal/auth"
	"github.com/AlexKimmel/shopguard/internal/config"
	"github.com/AlexKimmel/shopguard/internal/gateway"
	"github.com/AlexKimmel/shopguard/internal/obs"
	"github.com/AlexKimmel/shopguard/internal/policy"
	"github.com/AlexKimmel/shopguard/internal/proxy"
	"github.com/AlexKimmel/shopguard/internal/ratelimit"
	"github.com/AlexKimmel/shopguard/internal/ratelimit/memory"
	"github.com/AlexKimmel/shopguard/internal/ratelimit/redisstore"
)

const version = "v0.3.0"

func main() {
	cfgPath := flag.String("config", "./config.yaml", "path to the YAML config file (empty for env only)")
	watch := flag.Bool("watch", true, "reload rate-limit settings when the config file changes")
	flag.Parse()

	bootLog := obs.SetupLogger("info")
	if err := config.LoadEnvFiles(); err != nil {
		bootLog.Fatal().Err(err).Msg("load env")
	}

	if *cfgPath != "" {
		if _, err := os.Stat(*cfgPath); errors.Is(err, os.ErrNotExist) {
			bootLog.Warn().Str("path", *cfgPath).Msg("config file not found, using defaults and environment")
			*cfgPath = ""
		}
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	store, abuseStore := openStores(ctx, cfg, logger, metrics)
	defer store.Close()

	tracker := abuse.NewTracker(abuseStore,
		abuse.WithTTL(cfg.Abuse.TTL()),
		abuse.WithWeights(cfg.Abuse.EventWeights()),
		abuse.WithLogger(logger),
		abuse.WithEventHook(metrics.ObserveAbuse),
	)

	settings, err := cfg.Settings()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid rate limit settings")
	}
	manager, err := policy.NewManager(settings, policy.WithUpdateHook(metrics.ObserveConfig))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid rate limit settings")
	}

	if *watch && *cfgPath != "" {
		err := config.Watch(ctx, *cfgPath, logger, func(next *config.Root) error {
			s, err := next.Settings()
			if err != nil {
				return err
			}
			_, err = manager.Update(s, 0)
			return err
		})
		if err != nil {
			logger.Warn().Err(err).Msg("config hot reload disabled")
		}
	}

	keys := map[string]auth.Principal{} // secret -> principal
	for _, k := range cfg.Auth.Keys {
		if k.Secret != "" && k.ID != "" {
			keys[k.Secret] = auth.Principal{ID: k.ID, Roles: k.Roles}
		}
	}
	authStore := auth.NewStatic(cfg.Auth.Header, keys)

	gk := gateway.New(manager, ratelimit.NewEngines(store), tracker, gateway.Options{
		FailClosed:        cfg.Limits.FailClosed(),
		DegradedRetry:     cfg.Redis.Cooldown(),
		TrustForwardedFor: cfg.Limits.TrustForwardedFor,
		Recorder:          metrics,
		Logger:            logger,
	})
	// unknown keys are admitted like any anonymous caller before the 401,
	// and the 401 itself counts as an auth failure for the client IP
	authStore.OnFailure(gk.Middleware())

	var upstream http.Handler
	if cfg.Upstream.URL == "" {
		logger.Warn().Msg("no upstream configured, admitted requests get 503")
		upstream = proxy.Unconfigured(logger)
	} else {
		u, err := url.Parse(cfg.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			logger.Fatal().Str("url", cfg.Upstream.URL).Msg("invalid upstream url")
		}
		upstream = proxy.Handler(u, proxy.NewHTTPTransport(), cfg.Upstream.Timeout())
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true,"limiter":"degraded"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"limiter":"up"}`))
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})

	mux.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if cfg.Admin.On() {
		api := admin.New(manager, tracker, logger)
		mux.Handle("/admin/", http.StripPrefix("/admin", api.Router(cfg.Admin.Role)))
	}

	mux.Handle("/", gateway.Chain(
		upstream,
		gk.Middleware(),
	))

	skip := map[string]struct{}{
		"/health":                        {},
		"/version":                       {},
		cfg.Observability.PrometheusPath: {},
	}

	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		metrics.Middleware(skip),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	// start
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("algorithm", settings.Algorithm.String()).
			Int("global_max", settings.GlobalMax).
			Int64("window_ms", settings.WindowMS).
			Str("degrade", cfg.Limits.Degrade).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}

// openStores prefers Redis for both counters and abuse scores and falls back
// to in-process stores when Redis is not configured or does not answer.
func openStores(ctx context.Context, cfg *config.Root, logger zerolog.Logger, metrics *obs.Metrics) (ratelimit.CounterStore, abuse.Store) {
	if cfg.Redis.Addr != "" {
		rs, err := redisstore.New(ctx, redisstore.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			OpTimeout:   cfg.Redis.OpTimeout(),
			DialTimeout: cfg.Redis.DialTimeout(),
			Cooldown:    cfg.Redis.Cooldown(),
		})
		if err == nil {
			logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis counter store")
			return rs, abuse.NewRedisStore(rs.Client(), cfg.Redis.KeyPrefix, rs.OpTimeout(), abuse.WithBreaker(rs.Breaker()))
		}
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, using in-process counters")
	}

	mem := memory.New(
		memory.WithMaxEntries(cfg.Limits.MemoryMaxEntries),
		memory.WithSweepEvery(cfg.Limits.SweepInterval()),
	)
	mem.StartJanitor(ctx, metrics.ObserveSweep)

	abuseMem := abuse.NewMemoryStore(time.Now)
	abuseMem.StartJanitor(ctx, time.Minute)
	return mem, abuseMem
}
