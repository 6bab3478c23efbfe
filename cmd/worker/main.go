package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"pimssync/internal/ai"
	"pimssync/internal/config"
	"pimssync/internal/database"
	"pimssync/internal/logging"
	"pimssync/internal/queue"
	"pimssync/internal/store"
)

// The worker consumes AI jobs enqueued by servers running with AI_MODE=background
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}
	logging.Init()

	cfg := config.Load()
	if cfg.AIServiceURL == "" {
		log.Fatal("❌ AI_SERVICE_URL is required for the AI worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mongoDB, err := database.NewMongoDB(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
	}
	defer mongoDB.Close(context.Background())

	processor := ai.NewProcessor(
		ai.NewRemoteGenerator(cfg.AIServiceURL, cfg.AIServiceKey),
		store.NewMongoCaseStore(mongoDB),
	)

	log.Printf("🚀 Starting AI worker %s (queue: %s)", cfg.WorkerName, cfg.AIQueue)

	switch cfg.AIQueue {
	case "sqs":
		if cfg.SQSQueueURL == "" {
			log.Fatal("❌ SQS_QUEUE_URL is required when AI_QUEUE=sqs")
		}
		client, err := queue.NewSQSClient(ctx)
		if err != nil {
			log.Fatalf("❌ Failed to create SQS client: %v", err)
		}
		err = queue.NewSQSWorker(client, cfg.SQSQueueURL, processor).Run(ctx)
		if err != nil && ctx.Err() == nil {
			log.Fatalf("❌ Worker stopped: %v", err)
		}
	default:
		redisClient, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()

		worker := queue.NewStreamWorker(redisClient, queue.DefaultStream, queue.DefaultGroup, cfg.WorkerName, processor)
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("❌ Worker stopped: %v", err)
		}
	}

	log.Println("✅ AI worker stopped")
}
