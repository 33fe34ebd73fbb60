package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	httpAdapter "github.com/lorrc/labnotify/internal/adapters/primary/http"
	mw "github.com/lorrc/labnotify/internal/adapters/primary/http/middleware"
	"github.com/lorrc/labnotify/internal/adapters/primary/websocket"
	"github.com/lorrc/labnotify/internal/adapters/secondary/postgres"
	"github.com/lorrc/labnotify/internal/adapters/secondary/redisbus"
	"github.com/lorrc/labnotify/internal/auth"
	"github.com/lorrc/labnotify/internal/config"
	"github.com/lorrc/labnotify/internal/core/domain"
	"github.com/lorrc/labnotify/internal/core/ports"
	"github.com/lorrc/labnotify/internal/core/services"
	"github.com/lorrc/labnotify/internal/infrastructure/logging"
	"github.com/lorrc/labnotify/internal/infrastructure/telemetry"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)
	logger.Debug("effective configuration", "config", cfg.String())

	// Background workers stop when ctx is cancelled during shutdown.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. Telemetry
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.App.Name,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	// 4. Database
	if cfg.Database.MigrateOnStart {
		version, err := postgres.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath)
		if err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("database migrations applied", "version", version)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("database connection established")

	// 5. Real-time Components
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.TokenTTL)
	hub := websocket.NewHub(logger, metrics)

	// With a relay configured, every publish goes through Redis and each
	// instance's subscriber feeds its own hub.
	var broadcaster ports.EventBroadcaster = hub
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = redisbus.NewClient(cfg.Redis.URL)
		if err != nil {
			logger.Error("invalid redis configuration", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()

		if err := redisbus.Ping(ctx, redisClient); err != nil {
			logger.Error("redis ping failed", "error", err)
			os.Exit(1)
		}

		publisher := redisbus.NewPublisher(redisClient, cfg.Redis.Channel, hub, logger,
			redisbus.WithPublisherMetrics(metrics))
		subscriber := redisbus.NewSubscriber(redisClient, cfg.Redis.Channel, hub, logger)

		go publisher.Run(ctx)
		go func() {
			if err := subscriber.Run(ctx); err != nil {
				logger.Error("redis relay subscriber stopped", "error", err)
			}
		}()

		broadcaster = publisher
		logger.Info("broadcast relay enabled", "channel", cfg.Redis.Channel, "origin", publisher.Origin())
	}

	// Presence transitions are relayed; registry snapshots describe this
	// instance only and stay on the local hub.
	presence := services.NewPresenceService(broadcaster, logger,
		services.WithSnapshotBroadcaster(hub),
		services.WithSessionRevoker(hub),
		services.WithPresenceMetrics(metrics),
	)
	hub.UsePresence(presence)
	go hub.Run(ctx)
	go presence.RunReaper(ctx, cfg.Presence.ReapInterval, cfg.Presence.IdleThreshold)

	// 6. Rate Limiters
	var generalRateLimiter, intakeRateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		generalRateLimiter = mw.NewRateLimiter(ctx, mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})

		intakeRateLimiter = mw.NewRateLimiter(ctx, mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.IntakeRPS,
			BurstSize:         cfg.RateLimit.IntakeBurst,
			CleanupInterval:   time.Minute,
			TTL:               5 * time.Minute,
		})
	}

	// 7. Dependency Injection (Wiring the Hexagon)
	errorHandler := httpAdapter.NewErrorHandler(logger)

	// Repositories (Secondary Adapters)
	notificationRepo := postgres.NewNotificationRepository(pool)
	userDirectory := postgres.NewUserDirectory(pool)
	txManager := postgres.NewTransactionManager(pool)

	// Services (Core)
	notificationService := services.NewNotificationService(
		notificationRepo,
		userDirectory,
		txManager,
		broadcaster,
		logger,
		services.WithNotificationMetrics(metrics),
	)

	// Handlers (Primary Adapters)
	notificationHandler := httpAdapter.NewNotificationHandler(notificationService, errorHandler, logger)
	presenceHandler := httpAdapter.NewPresenceHandler(presence, cfg.Presence.IdleThreshold, errorHandler, logger)
	eventHandler := httpAdapter.NewEventHandler(notificationService, errorHandler, logger)
	wsHandler := httpAdapter.NewWebSocketHandler(hub, tokenManager, cfg, logger)

	healthHandler := httpAdapter.NewHealthHandler(pool, cfg.App.Version)
	if redisClient != nil {
		healthHandler.WithChecker("redis", httpAdapter.HealthCheckFunc(func(ctx context.Context) error {
			return redisbus.Ping(ctx, redisClient)
		}))
	}

	// 8. Setup Router
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.RecoveryLogger(logger))

	// Health check endpoints (outside /api/v1 for standard probe paths)
	healthHandler.RegisterRoutes(r)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           cfg.CORS.MaxAge,
		}))

		if generalRateLimiter != nil {
			r.Use(generalRateLimiter.Middleware)
		}

		// WebSocket route (Authentication is handled inside the handler)
		r.Get("/ws", wsHandler.ServeHTTP)

		// Protected REST routes
		r.Group(func(r chi.Router) {
			r.Use(mw.JWTMiddleware(tokenManager))

			r.Route("/notifications", notificationHandler.RegisterRoutes)
			r.Route("/presence", presenceHandler.RegisterRoutes)

			// Domain event intake for the request CRUD flow
			r.Route("/events", func(r chi.Router) {
				r.Use(mw.RequireRole(domain.RoleSystem, domain.RoleAdmin))
				if intakeRateLimiter != nil {
					r.Use(intakeRateLimiter.PerUser)
				}
				eventHandler.RegisterRoutes(r)
			})
		})
	})

	// 9. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Stop the hub, reaper, relay and limiter cleanup.
	stop()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}

	logger.Info("server shutdown complete")
}
