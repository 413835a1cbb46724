package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/config"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/cleanup"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/credit"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/jobevents"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/property"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/domain/videojob"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/middleware"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/database"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/jwt"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/mediastage"
	pkgresponse "github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/response"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/storage"
)

func main() {
	cfg := config.Load()
	setupLogger(cfg)

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting Manzanillo Video API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	jwtService := jwt.NewService(cfg.JWTSecret)

	r2Storage, err := storage.NewR2Storage(storage.R2Config{
		AccountID:       cfg.R2AccountID,
		AccessKeyID:     cfg.R2AccessKeyID,
		AccessKeySecret: cfg.R2AccessKeySecret,
		BucketName:      cfg.R2BucketName,
		PublicURL:       cfg.R2PublicURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create R2 storage")
	}

	stageClient := mediastage.NewClient(
		cfg.MediaStageBaseURL,
		cfg.MediaStageToken,
		cfg.MediaStageTimeout,
		"manzanillo-video-api/1.0",
	)

	// ---------- Repositories ----------
	jobRepo := videojob.NewRepository(db)
	propertyRepo := property.NewRepository(db)

	// ---------- Services ----------
	creditService := credit.NewService(db)
	cleaner := cleanup.NewCoordinator(r2Storage)
	publisher := videojob.NewRedisPublisher(redis)

	jobService := videojob.NewService(
		jobRepo,
		propertyRepo,
		creditService,
		stageClient,
		publisher,
		cleaner,
		videojob.StageCosts{
			Images: cfg.StageImageCost,
			Script: cfg.StageScriptCost,
			Video:  cfg.StageVideoCost,
		},
	)

	// ---------- Background workers ----------
	reaper := videojob.NewReaper(jobService, cfg.ReaperInterval, cfg.JobTimeout)
	reaper.Start()
	defer reaper.Stop()

	eventHub := jobevents.NewHub(redis)
	go eventHub.Run()
	defer eventHub.Shutdown()

	// ---------- Handlers ----------
	jobHandler := videojob.NewHandler(jobService)
	callbackHandler := videojob.NewCallbackHandler(jobService)
	creditHandler := credit.NewHandler(creditService)
	eventsHandler := jobevents.NewHandler(eventHub, jwtService)

	authMiddleware := middleware.Auth(jwtService)
	webhookAuth := middleware.WebhookAuth(cfg.MediaCallbackToken)

	// ---------- Router ----------
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	// WebSocket endpoint (before Compress)
	r.Get("/ws", eventsHandler.WebSocket)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"version": "1.0.0",
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Compress(5))

		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Mount("/jobs", jobHandler.Routes(authMiddleware))
		r.Mount("/credits", creditHandler.Routes(authMiddleware))
	})

	r.Mount("/webhooks/media", callbackHandler.Routes(webhookAuth))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		})
	}
}
