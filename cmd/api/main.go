package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ShiroYasha18/peppo-ai-backend/internal/api"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/channel"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/config"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/db"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/queue"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/router"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/services"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/settings"
	"github.com/ShiroYasha18/peppo-ai-backend/internal/worker"
)

func main() {
	log.Println("Starting Peppo API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database (optional; the pipeline is fully functional
	// without it, jobs just aren't persisted)
	var database *db.DB
	if cfg.DatabaseURL != "" {
		database, err = db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		log.Println("Connected to database")
	} else {
		log.Println("No DATABASE_URL set, job persistence disabled")
	}

	// Connect to Redis journal (optional; disables enqueue durability
	// and cross-restart dedup when absent)
	var journal queue.Journal
	if cfg.RedisURL != "" {
		redisJournal, err := queue.NewRedisJournal(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisJournal.Close()
		journal = redisJournal
		log.Println("Connected to Redis journal")
	} else {
		log.Println("No REDIS_URL set, enqueue durability disabled")
	}

	var recorder queue.Recorder
	if database != nil {
		recorder = database
	}

	// Build the queue and recover anything journaled before the last restart
	q := queue.New(cfg.QueueCapacity, journal, recorder)
	if err := q.Replay(context.Background()); err != nil {
		log.Printf("WARNING: journal replay failed: %v", err)
	}

	// Per-sender settings, persisted when the database is available
	var persister settings.Persister
	if database != nil {
		persister = database
	}
	settingsStore := settings.NewStore(persister)
	msgRouter := router.New(settingsStore)

	// Delivery channel
	whatsapp := channel.NewWhatsAppClient(cfg.WhatsAppAPIURL, cfg.WhatsAppToken, cfg.WhatsAppPhoneNumberID)

	// Pipeline services
	moderationSvc := services.NewModerationService(cfg.OpenAIKey)
	ffmpegSvc := services.NewFFmpegService(cfg.TempDir, cfg.MaxMediaBytes)

	// Generation provider: Replicate preferred, Veo as fallback
	var generator worker.Generator
	if cfg.ReplicateToken != "" {
		generator = services.NewReplicateService(cfg.ReplicateToken, cfg.ReplicateModel)
		log.Printf("Generation provider: Replicate (model: %s)", cfg.ReplicateModel)
	} else {
		generator = services.NewVeoService(cfg.GeminiKey, cfg.VeoModel, cfg.TempDir)
		log.Printf("Generation provider: Veo (model: %s)", cfg.VeoModel)
	}

	// Create worker pool
	pool := worker.New(q, moderationSvc, generator, ffmpegSvc, whatsapp, worker.Config{
		Concurrency: cfg.MaxConcurrentJobs,
		Moderation:  worker.StagePolicy{Timeout: cfg.ModerationTimeout, MaxRetries: cfg.ModerationRetries},
		Generation:  worker.StagePolicy{Timeout: cfg.GenerationTimeout, MaxRetries: cfg.GenerationRetries},
		Compression: worker.StagePolicy{Timeout: cfg.CompressionTimeout, MaxRetries: cfg.CompressionRetries},
		Delivery:    worker.StagePolicy{Timeout: cfg.DeliveryTimeout, MaxRetries: cfg.DeliveryRetries},

		SweepInterval: cfg.SweepInterval,
		// A job is stuck when it has sat in one stage for two full
		// generation windows, the longest stage by far.
		StaleAfter:   2 * cfg.GenerationTimeout,
		JobRetention: cfg.JobRetention,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	go func() {
		if err := pool.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Worker pool exited with error: %v", err)
		}
	}()

	// Create API handler; persisted job records back /status and
	// /v1/jobs lookups for jobs already evicted from memory
	var jobReader api.JobReader
	if database != nil {
		jobReader = database
	}
	handler := api.NewHandler(q, msgRouter, whatsapp, pool, jobReader)
	httpRouter := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set, /v1 routes are unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: httpRouter,
	}

	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown workers first so in-flight jobs stop cleanly
	workerCancel()

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
