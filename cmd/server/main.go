package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaleo/kaleo-core/internal/domain"
	"github.com/kaleo/kaleo-core/internal/handler"
	"github.com/kaleo/kaleo-core/internal/infrastructure/logger"
	"github.com/kaleo/kaleo-core/internal/infrastructure/redis"
	"github.com/kaleo/kaleo-core/internal/observability/metrics"
	"github.com/kaleo/kaleo-core/internal/observability/tracing"
	"github.com/kaleo/kaleo-core/internal/reliability/circuitbreaker"
	"github.com/kaleo/kaleo-core/internal/reliability/retry"
	"github.com/kaleo/kaleo-core/internal/repository"
	"github.com/kaleo/kaleo-core/internal/security/audit"
	"github.com/kaleo/kaleo-core/internal/security/auth"
	"github.com/kaleo/kaleo-core/internal/security/middleware"
	"github.com/kaleo/kaleo-core/internal/security/oauth"
	"github.com/kaleo/kaleo-core/internal/security/ratelimit"
	"github.com/kaleo/kaleo-core/internal/service"
	"github.com/kaleo/kaleo-core/internal/worker"
	"github.com/kaleo/kaleo-core/pkg/config"
	"github.com/kaleo/kaleo-core/pkg/database"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kaleo-core: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Initialize structured logger
	log := logger.NewLogger(cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("starting kaleo-core", slog.String("environment", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, log, tracing.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "kaleo-core",
		Environment: cfg.Environment,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// 3. Connect to Postgres and apply the schema
	pool, err := retry.Do(ctx, retry.DefaultConfig(), log, "postgres connect", func(ctx context.Context) (*database.ConnectionPool, error) {
		return database.NewConnectionPool(ctx, &database.Config{
			URL:             cfg.DatabaseURL,
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		}, log)
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool.GetDB()); err != nil {
		return err
	}

	// 4. Revocation store: Redis when configured, process memory otherwise
	cleanup := worker.NewCleanupWorker(log, time.Minute)
	readyChecks := []handler.Check{{Name: "postgres", Required: true, Ping: pool.Health}}
	var revocations domain.RevocationStore
	if cfg.RedisURL != "" {
		redisClient, err := retry.Do(ctx, retry.DefaultConfig(), log, "redis connect", func(ctx context.Context) (*redis.Client, error) {
			return redis.NewClient(ctx, cfg.RedisURL, log)
		})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		revocations = repository.NewRedisRevocationStore(redisClient)
		readyChecks = append(readyChecks, handler.Check{Name: "redis", Required: true, Ping: redisClient.Ping})
	} else {
		mem := repository.NewMemoryRevocationStore()
		cleanup.Register("revocations", mem)
		revocations = mem
		readyChecks = append(readyChecks, handler.Check{Name: "redis"})
		log.Warn("REDIS_URL not set: refresh token revocations are kept in memory")
	}

	// 5. Repositories
	users := repository.NewPostgresUserRepository(pool.GetDB(), log)
	tenants := repository.NewPostgresTenantRepository(pool.GetDB(), log)

	// 6. Tokens and provider verification
	codec, err := auth.NewTokenManager(cfg.JWT.SecretKey, cfg.JWT.Algorithm, cfg.JWT.Issuer)
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}
	tokens := auth.NewTokenService(codec, cfg.JWT.AccessTTL(), cfg.JWT.RefreshTTL())
	verifier := oauth.NewOIDCVerifier(log, []oauth.ProviderConfig{
		oauth.GoogleConfig(cfg.OAuth.GoogleClientID),
		oauth.MicrosoftConfig(cfg.OAuth.MicrosoftClientID, cfg.OAuth.MicrosoftTenant),
	}, oauth.WithBreakerObserver(func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}))

	// 7. Services
	auditLog := audit.NewLogger(log)
	authService := service.NewAuthService(users, tenants, tokens, verifier, revocations, log,
		service.WithAuditLogger(auditLog),
	)
	if err := service.SeedDemoUsers(ctx, authService, log); err != nil {
		return fmt.Errorf("seed demo users: %w", err)
	}

	// 8. HTTP surface
	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	limiter := ratelimit.NewLimiter(cfg.AuthRateLimit, time.Minute)
	defer limiter.Stop()
	cleanup.Register("ratelimit", limiter)

	router := handler.NewRouter(handler.RouterConfig{
		Auth:        handler.NewAuthHandler(authService, log),
		Users:       handler.NewUserHandler(authService, log),
		Health:      handler.NewHealthHandler(log, readyChecks...),
		Tokens:      tokens,
		Limiter:     limiter,
		Proxies:     proxies,
		Audit:       auditLog,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      log,
	})

	// 9. Background cleanup
	go cleanup.Start(ctx)

	// 10. Start HTTP server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.ServerPort),
		slog.Int("auth_rate_limit", cfg.AuthRateLimit),
		slog.Bool("google", cfg.OAuth.GoogleClientID != ""),
		slog.Bool("microsoft", cfg.OAuth.MicrosoftClientID != ""),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
	return nil
}
