package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"pimssync/internal/ai"
	"pimssync/internal/browser"
	"pimssync/internal/clinics"
	"pimssync/internal/config"
	"pimssync/internal/crypto"
	"pimssync/internal/database"
	"pimssync/internal/handlers"
	"pimssync/internal/jobs"
	"pimssync/internal/logging"
	"pimssync/internal/middleware"
	"pimssync/internal/queue"
	"pimssync/internal/scheduler"
	"pimssync/internal/services"
	"pimssync/internal/store"
	"pimssync/pkg/auth"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	logging.Init()
	log.Println("🚀 Starting PIMS sync server...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("📋 Configuration loaded (Port: %s, AI: %s)", cfg.Port, cfg.AIMode)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// MongoDB holds cases, audits and progress
	mongoDB, err := database.NewMongoDB(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
	}
	defer mongoDB.Close(context.Background())
	if err := mongoDB.Initialize(ctx); err != nil {
		log.Fatalf("❌ Failed to initialize MongoDB: %v", err)
	}

	cases := store.NewMongoCaseStore(mongoDB)
	audits := store.NewMongoAuditStore(mongoDB)
	progressStore := store.NewMongoProgressStore(mongoDB)

	// Redis carries the run lock, cached sessions, events and the AI stream
	redisClient, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	var encryption *crypto.EncryptionService
	if cfg.EncryptionMasterKey != "" {
		encryption, err = crypto.NewEncryptionService(cfg.EncryptionMasterKey)
		if err != nil {
			log.Fatalf("❌ Failed to initialize encryption: %v", err)
		}
		log.Println("✅ Session cache encryption enabled")
	} else {
		log.Println("⚠️  ENCRYPTION_MASTER_KEY not set - cached PIMS sessions stored unencrypted (development mode only)")
	}

	// One browser pool shared by every clinic
	pool := browser.NewPool(browser.NewChromeDriver(browser.ChromeConfig{
		ExecPath: cfg.BrowserExecPath,
	}), cfg.PoolConfig())
	defer pool.Close()

	dispatcher := setupAI(ctx, cfg, redisClient, cases)

	syncService := services.NewSyncService(pool, services.SyncDeps{
		Cases:      cases,
		Audits:     audits,
		Progress:   progressStore,
		Dispatcher: dispatcher,
		Lock:       store.NewRedisRunLock(redisClient),
		Events:     store.NewRedisEventPublisher(redisClient, ""),
		Sessions:   store.NewRedisSessionCache(redisClient, encryption),
	}, services.SyncSettings{
		RequestsPerSecond: cfg.PimsRequestsPerSecond,
		ProgressInterval:  cfg.ProgressMinInterval,
		Orchestrator:      cfg.OrchestratorConfig(),
	})

	registry, err := clinics.NewRegistry(cfg.ClinicsFile)
	if err != nil {
		log.Fatalf("❌ Failed to load clinics: %v", err)
	}
	if err := syncService.Apply(registry.All()); err != nil {
		log.Printf("⚠️  Some clinics could not be started: %v", err)
	}

	syncScheduler, err := scheduler.NewSyncScheduler(syncService, cfg.SyncRunTimeout)
	if err != nil {
		log.Fatalf("❌ Failed to create scheduler: %v", err)
	}
	if err := syncScheduler.Sync(registry.All()); err != nil {
		log.Printf("⚠️  Some clinic schedules are invalid: %v", err)
	}
	syncScheduler.Start()

	registry.OnChange(func(list []clinics.Clinic) {
		if err := syncService.Apply(list); err != nil {
			log.Printf("⚠️  Some clinics could not be started: %v", err)
		}
		if err := syncScheduler.Sync(list); err != nil {
			log.Printf("⚠️  Some clinic schedules are invalid: %v", err)
		}
	})
	go func() {
		if err := registry.Watch(ctx); err != nil {
			log.Printf("⚠️  Clinic hot-reload disabled: %v", err)
		}
	}()

	// Maintenance jobs
	jobScheduler := jobs.NewJobScheduler()
	jobScheduler.Register("pool-sweep", jobs.NewPoolSweepJob(pool, cfg.PoolSweepInterval, cfg.PoolIdleTimeout))
	jobScheduler.Register("stale-audit-cleanup", jobs.NewStaleAuditCleanupJob(audits, 10*time.Minute, cfg.AuditStaleAfter))
	jobScheduler.Start()

	var tokens *auth.ServiceTokenAuth
	if cfg.APIJWTSecret != "" {
		tokens, err = auth.NewServiceTokenAuth(cfg.APIJWTSecret, 0)
		if err != nil {
			log.Fatalf("❌ Failed to initialize service auth: %v", err)
		}
	} else {
		log.Println("⚠️  API_JWT_SECRET not set - API authentication disabled (development mode only)")
	}

	app := fiber.New(fiber.Config{
		AppName:      "pimssync",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.SyncRunTimeout + time.Minute, // synchronous triggers wait for the run
		IdleTimeout:  2 * time.Minute,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("pimssync")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	rateLimitConfig := middleware.LoadRateLimitConfig()
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	healthHandler := handlers.NewHealthHandler(map[string]handlers.HealthCheck{
		"mongodb": mongoDB.Ping,
		"redis":   func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}, pool.Stats)
	app.Get("/health", healthHandler.Handle)

	syncHandler := handlers.NewSyncHandler(syncService, audits, progressStore, cfg.SyncRunTimeout)

	api := app.Group("/api", middleware.ServiceAuth(tokens))
	api.Post("/clinics/:clinicId/sync",
		middleware.RequireScope(auth.ScopeSyncTrigger),
		middleware.SyncTriggerRateLimiter(rateLimitConfig),
		syncHandler.TriggerSync,
	)
	api.Get("/clinics/:clinicId/audits", middleware.RequireScope(auth.ScopeSyncRead), syncHandler.ListAudits)
	api.Get("/sync/:syncId/progress", middleware.RequireScope(auth.ScopeSyncRead), syncHandler.GetProgress)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("🛑 Shutting down server...")
		stop()

		jobScheduler.Stop()
		if err := syncScheduler.Stop(); err != nil {
			log.Printf("⚠️  Error stopping scheduler: %v", err)
		}
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️  Error shutting down server: %v", err)
		}
	}()

	log.Printf("✅ Serving %d clinics on :%s", len(syncService.ClinicIDs()), cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}

	// Inline AI jobs outlive the runs that started them
	dispatcher.Wait()
}

// setupAI builds the dispatcher for AI_MODE. Background mode only enqueues; cmd/worker
// consumes the queue.
func setupAI(ctx context.Context, cfg *config.Config, redisClient *redis.Client, cases ai.CaseWriter) *ai.Dispatcher {
	mode := ai.ParseMode(cfg.AIMode)

	var processor *ai.Processor
	var jobQueue ai.Queue

	switch mode {
	case ai.ModeInline:
		if cfg.AIServiceURL == "" {
			log.Println("⚠️  [AI] AI_SERVICE_URL not set")
			break
		}
		processor = ai.NewProcessor(ai.NewRemoteGenerator(cfg.AIServiceURL, cfg.AIServiceKey), cases)
	case ai.ModeBackground:
		if cfg.AIQueue == "sqs" {
			client, err := queue.NewSQSClient(ctx)
			if err != nil {
				log.Printf("⚠️  [AI] Failed to create SQS client: %v", err)
				break
			}
			jobQueue = queue.NewSQSQueue(client, cfg.SQSQueueURL)
		} else {
			jobQueue = queue.NewRedisStreamQueue(redisClient, queue.DefaultStream, 100000)
		}
	}

	dispatcher := ai.NewDispatcher(mode, processor, jobQueue)
	log.Printf("🤖 [AI] Dispatch mode: %s", dispatcher.Mode())
	return dispatcher
}
