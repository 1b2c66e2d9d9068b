package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/meridianauth/meridian/internal/api"
	"github.com/meridianauth/meridian/internal/audit"
	"github.com/meridianauth/meridian/internal/auth"
	"github.com/meridianauth/meridian/internal/cache"
	"github.com/meridianauth/meridian/internal/config"
	"github.com/meridianauth/meridian/internal/flow"
	"github.com/meridianauth/meridian/internal/keys"
	"github.com/meridianauth/meridian/internal/oauth"
	"github.com/meridianauth/meridian/internal/policy"
	"github.com/meridianauth/meridian/internal/storage"
	"github.com/meridianauth/meridian/internal/tenant"
	"github.com/meridianauth/meridian/internal/token"
	"github.com/meridianauth/meridian/pkg/logger"

	"github.com/google/uuid"
)

func main() {
	// Env files are optional; production relies on system env vars.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Setup("development").Error("config_load_failed", "error", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Env)
	log.Info("application_startup", "env", cfg.Env)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
			Environment:      cfg.Env,
		}); err != nil {
			log.Error("sentry_init_failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
			log.Info("sentry_initialized")
		}
	} else {
		log.Warn("sentry_dsn_missing", "details", "skipping_init")
	}

	ctx := context.Background()

	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("database_connected")

	router := tenant.New(pool, cfg.TenantDBEncryptionKey, logger.Component("tenant"))
	defer router.Close()

	var store cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Error("redis_connect_failed", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		store = redisCache
		log.Info("redis_connected")
	} else {
		mem := cache.NewMemory()
		defer mem.Close()
		store = mem
		log.Warn("redis_url_missing", "details", "using_in_process_cache")
	}

	km := keys.NewManager(router.Master())
	if _, err := km.Current(ctx); err != nil {
		if !errors.Is(err, keys.ErrNoCurrentKey) {
			log.Error("signing_key_load_failed", "error", err)
			os.Exit(1)
		}
		kid, err := km.Rotate(ctx)
		if err != nil {
			log.Error("signing_key_bootstrap_failed", "error", err)
			os.Exit(1)
		}
		log.Info("signing_key_generated", "kid", kid)
	}

	tokens := token.NewService(cfg.IssuerURL, []byte(cfg.JWTSecret), km)
	auditLog := audit.NewJSONLogger()
	hasher := auth.NewBcryptHasher()
	totp := auth.NewTOTPService("Meridian")

	sessions := auth.NewSessionService(router, tokens, store, auditLog,
		logger.Component("session"), cfg.JWTExpiration, cfg.RefreshTokenExpiry)
	authSvc := auth.NewService(router, hasher, totp, tokens, sessions, auditLog,
		logger.Component("auth"))
	reg := auth.NewRegistrationService(router, hasher, auditLog,
		logger.Component("registration"), cfg.AllowPublicRegistration)
	onboarding := auth.NewOnboardingService(router, cfg.TenantDBEncryptionKey, auditLog,
		logger.Component("onboarding"))

	oauthSvc := oauth.NewService(router, tokens, km, auditLog,
		logger.Component("oauth"), cfg.IssuerURL, cfg.RefreshRequiresOfflineScope)
	flows := flow.NewService(flow.NewStore(store), authSvc, reg, oauthSvc,
		logger.Component("flow"), cfg.IssuerURL)

	engine := policy.NewEngine(func(ctx context.Context, tenantID uuid.UUID) (policy.TupleReader, error) {
		return router.Lookup(ctx, tenantID)
	}, store, auditLog, logger.Component("policy"))

	server := api.NewServer(api.Deps{
		Router:         router,
		Tokens:         tokens,
		OAuth:          oauthSvc,
		Flows:          flows,
		Auth:           authSvc,
		Sessions:       sessions,
		Reg:            reg,
		Onboarding:     onboarding,
		Engine:         engine,
		Logger:         log,
		AllowedOrigins: splitOrigins(os.Getenv("ALLOWED_ORIGINS")),
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server_listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("server_startup_failed", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		log.Info("shutdown_signal_received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("graceful_shutdown_failed", "error", err)
			if err := srv.Close(); err != nil {
				log.Error("server_force_close_failed", "error", err)
			}
		}

		router.Close()
		pool.Close()
		log.Info("server_shutdown_complete")
	}
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
