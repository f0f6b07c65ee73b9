package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/insider-api/internal/auth"
	"github.com/ksred/insider-api/internal/config"
	"github.com/ksred/insider-api/internal/database"
	"github.com/ksred/insider-api/internal/edgar"
	"github.com/ksred/insider-api/internal/ingest"
	"github.com/ksred/insider-api/internal/scheduler"
	"github.com/ksred/insider-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the ingestion API server with graceful shutdown
// support. It wires the database, the rate-limited archive client, the
// ingestion service and the multi-queue scheduler.
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	archiveClient := edgar.NewClient(
		cfg.Archive.BaseURL,
		cfg.Archive.UserAgent,
		edgar.WithMinInterval(cfg.Archive.MinInterval()),
		edgar.WithTimeout(cfg.Archive.Timeout()),
		edgar.WithQuotaPolicy(cfg.Archive.QuotaThreshold, time.Duration(cfg.Archive.QuotaDelayMS)*time.Millisecond),
	)

	ingestService := ingest.NewService(db, archiveClient,
		ingest.WithEntityDelay(time.Duration(cfg.Ingest.EntityDelayMS)*time.Millisecond),
		ingest.WithMaxDefaultEntities(cfg.Ingest.MaxDefaultEntities),
	)
	ingestHandlers := ingest.NewGinHandlers(ingestService)

	// Create the scheduler and bind the pipeline handlers
	var queueConfigs []scheduler.QueueConfig
	for name, q := range cfg.Queues {
		queueConfigs = append(queueConfigs, scheduler.QueueConfig{
			Name:        name,
			Concurrency: q.Concurrency,
			MaxAttempts: q.MaxAttempts,
			Backoff:     q.Backoff,
			BackoffBase: time.Duration(q.BackoffMS) * time.Millisecond,
		})
	}
	sched := scheduler.NewScheduler(queueConfigs)
	schedulerHandlers := scheduler.NewGinHandlers(sched)

	pipelineJobs := ingest.NewJobs(ingestService, sched)
	if err := pipelineJobs.Register(sched); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register pipeline job handlers")
	}

	sched.Start(context.Background())

	// The recurring discovery sweep feeds the fetch/parse queues. The dedup
	// key keeps restarts from stacking duplicate schedules.
	err = sched.RegisterRecurring(
		ingest.QueueDiscovery,
		ingest.JobTypeDiscover,
		map[string]string{"lookback_days": "7"},
		time.Duration(cfg.Ingest.DiscoveryIntervalMin)*time.Minute,
		"discovery:recent-filings",
	)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register recurring discovery job")
	}

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, ingestHandlers, schedulerHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding requests 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Drain the queues: stop intake, let in-flight jobs finish
	sched.Stop()

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: Public endpoints for authentication
// - Internal routes: Operational trigger and monitoring, protected by
//   internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	ingestHandlers *ingest.GinHandlers,
	schedulerHandlers *scheduler.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/ingest", ingestHandlers.IngestHandler())
			internal.GET("/queues/health", schedulerHandlers.QueueHealthHandler())
		}
	}
}
