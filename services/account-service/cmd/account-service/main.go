package main

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/tenancy/libs/auth"
	"github.com/md-rashed-zaman/tenancy/libs/cache"
	"github.com/md-rashed-zaman/tenancy/libs/config"
	"github.com/md-rashed-zaman/tenancy/libs/db"
	"github.com/md-rashed-zaman/tenancy/libs/dispatch"
	"github.com/md-rashed-zaman/tenancy/libs/eventstore"
	"github.com/md-rashed-zaman/tenancy/libs/httpx"
	"github.com/md-rashed-zaman/tenancy/libs/metrics"
	otelx "github.com/md-rashed-zaman/tenancy/libs/otel"
	"github.com/md-rashed-zaman/tenancy/libs/relay"
	"github.com/md-rashed-zaman/tenancy/libs/repository"
	"github.com/md-rashed-zaman/tenancy/libs/runtime"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/accounts"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/email"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/handlers"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/notify"
	"github.com/md-rashed-zaman/tenancy/services/account-service/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "account-service")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelCfg, err := otelx.ConfigFromEnv(service)
	if err != nil {
		panic(err)
	}
	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	maxConns := mustIntBetween(logger, "DB_MAX_CONNS", 10, 1, math.MaxInt32)
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(maxConns)})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hooks := metrics.NewPrometheus(reg)

	checks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	repoOpts := []repository.Option{repository.WithLogger(logger), repository.WithHooks(hooks)}
	tenantOpts := repoOpts
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer rdb.Close()
		ttl := mustDuration(logger, "CACHE_TTL", cache.DefaultTTL)
		tenantOpts = append([]repository.Option{repository.WithCache(cache.NewRedis(rdb, service, ttl))}, repoOpts...)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: cache.ReadyCheck(rdb)})
	}

	events := eventstore.New(pool, eventstore.WithHooks(hooks))
	tenants := storage.NewTenantRepository(pool, events, tenantOpts...)
	// User rows carry password hashes and stay out of Redis.
	users := storage.NewUserRepository(pool, events, repoOpts...)

	dispatcher := dispatch.New(
		dispatch.WithLogger(logger),
		dispatch.WithHooks(hooks),
		dispatch.WithConcurrency(mustIntBetween(logger, "DISPATCH_CONCURRENCY", 0, 0, 1024)),
		dispatch.WithHandlerTimeout(mustDuration(logger, "DISPATCH_HANDLER_TIMEOUT", 10*time.Second)),
	)
	if err := notify.Register(dispatcher, buildSender(logger), logger); err != nil {
		panic(err)
	}

	ledger := relay.NewRepository()
	publisher := relay.NewPublisher(pool, dispatcher, ledger, logger)
	if mustBool(logger, "RELAY_ENABLED", false) {
		r := relay.New(pool, ledger, dispatcher, logger, hooks, relay.Config{
			PollEvery: mustDuration(logger, "RELAY_POLL_EVERY", 5*time.Second),
			BatchSize: mustIntBetween(logger, "RELAY_BATCH_SIZE", 100, 1, 1000),
			Grace:     mustDuration(logger, "RELAY_GRACE", 30*time.Second),
			MaxAge:    mustDuration(logger, "RELAY_MAX_AGE", 24*time.Hour),
		})
		go r.Run(ctx)
	}

	svc := accounts.New(tenants, users, publisher, logger,
		accounts.WithMaxTries(uint(mustIntBetween(logger, "COMMAND_MAX_TRIES", 5, 1, 100))),
	)
	tokens := auth.NewSigner(config.String("JWT_SECRET", ""), mustDuration(logger, "JWT_TTL", 15*time.Minute))

	mux := runtime.NewOpsMux(2*time.Second, checks...)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handlers.New(svc, events, tokens).Routes(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger, "/healthz", "/readyz", "/metrics"),
		httpx.WithTimeout(mustDuration(logger, "HTTP_HANDLER_TIMEOUT", 15*time.Second)),
	)
	handler = otelhttp.NewHandler(handler, "account")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	_ = runtime.Serve(ctx, srv, logger, 10*time.Second)
}

func buildSender(logger *slog.Logger) email.Sender {
	host := config.String("SMTP_HOST", "")
	if host == "" {
		return email.NewLogSender(logger)
	}
	return email.NewSMTPSender(host, config.String("SMTP_PORT", "1025"), config.String("SMTP_FROM", ""))
}

func mustIntBetween(logger *slog.Logger, key string, fallback, lo, hi int) int {
	v, err := config.IntBetween(key, fallback, lo, hi)
	if err != nil {
		logger.Error("invalid config", "key", key, "err", err)
		panic(err)
	}
	return v
}

func mustBool(logger *slog.Logger, key string, fallback bool) bool {
	v, err := config.Bool(key, fallback)
	if err != nil {
		logger.Error("invalid config", "key", key, "err", err)
		panic(err)
	}
	return v
}

func mustDuration(logger *slog.Logger, key string, fallback time.Duration) time.Duration {
	v, err := config.Duration(key, fallback)
	if err != nil {
		logger.Error("invalid config", "key", key, "err", err)
		panic(err)
	}
	return v
}
