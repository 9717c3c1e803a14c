package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p2pshare/rendezvous-server/internal/config"
	"github.com/p2pshare/rendezvous-server/internal/database"
	"github.com/p2pshare/rendezvous-server/internal/handler"
	"github.com/p2pshare/rendezvous-server/internal/jobs"
	"github.com/p2pshare/rendezvous-server/internal/middleware"
	"github.com/p2pshare/rendezvous-server/internal/redis"
	"github.com/p2pshare/rendezvous-server/internal/registry"
	"github.com/p2pshare/rendezvous-server/internal/repository"
	"github.com/p2pshare/rendezvous-server/internal/service"
	"github.com/p2pshare/rendezvous-server/internal/sse"
)

// signalBodyOverhead leaves room for the otp and role around a payload.
const signalBodyOverhead = 1024

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var historyRepo repository.SessionHistoryRepository
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.PingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		cancel()
		log.Info().Msg("database connected")

		historyRepo = repository.NewSessionHistoryRepository(db.DB)
	}

	var redisClient *redis.Client
	var limiter middleware.Limiter = middleware.NewRateLimiter()
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), config.PingTimeout)
		redisClient, err = redis.NewClient(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		limiter = service.NewRedisRateLimiter(redisClient.Client)
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	rendezvousService := service.NewRendezvousService(
		historyRepo,
		broker,
		registry.WithTTL(cfg.CodeTTL()),
		registry.WithRetention(cfg.EstablishedRetention()),
		registry.WithMaxPayload(cfg.MaxSignalBytes),
		registry.WithMaxQueue(cfg.MaxQueuedSignals),
	)

	issueLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.IssueRateLimitPerMin, config.RateLimitWindow, "issue")
	claimLimit := middleware.NewIPRateLimitMiddleware(limiter, cfg.ClaimRateLimitPerMin, config.RateLimitWindow, "claim")
	adminAuth := middleware.NewAdminAuthMiddleware(cfg.AdminPasswordHash, middleware.NewAdminAttemptLimiter())
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(int64(cfg.MaxSignalBytes) + signalBodyOverhead)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(cfg.IsProduction())

	rendezvousHandler := handler.NewRendezvousHandler(rendezvousService, broker, handler.RendezvousOptions{
		RequirePeerToken: cfg.RequirePeerToken,
		AllowedOrigin:    cfg.FrontendURL,
		MaxSignalBytes:   cfg.MaxSignalBytes,
	})
	adminHandler := handler.NewAdminHandler(rendezvousService, broker)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.FrontendURL},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", handler.PeerTokenHeader},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(securityHeadersMiddleware.Handler)
		r.Mount("/", rendezvousHandler.Routes(issueLimit.Handler, claimLimit.Handler))
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(securityHeadersMiddleware.Handler)
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(adminAuth.Handler)
		r.Mount("/", adminHandler.Routes())
	})

	if cfg.StaticDir != "" {
		r.Handle("/*", handler.NewClientHandler(cfg.StaticDir))
		log.Info().Str("dir", cfg.StaticDir).Msg("serving web client")
	}

	var pruner jobs.HistoryPruner
	if historyRepo != nil {
		pruner = historyRepo
	}
	cleanupJob := jobs.NewCleanupJob(rendezvousService, pruner, cfg.HistoryRetention(), cfg.SweepInterval())
	cleanupJob.Start()
	defer cleanupJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Dur("codeTTL", cfg.CodeTTL()).
			Bool("requirePeerToken", cfg.RequirePeerToken).
			Msg("starting rendezvous server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	// Ends open streams and websockets so Shutdown does not wait on them.
	broker.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
