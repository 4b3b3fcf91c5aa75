package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"athena-grader/internal/autograde"
	"athena-grader/internal/config"
	"athena-grader/internal/db"
	"athena-grader/internal/logger"
	"athena-grader/internal/queue"
	"athena-grader/internal/storage"
	"athena-grader/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Get()

	log.Info().Str("version", cfg.App.Version).Int("workers", cfg.Workers.Autograde.Count).
		Msg("Starting autograde worker")

	// Initialize database
	database, err := db.NewConnection(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	repo := db.NewRepository(database)

	// Initialize Redis client
	redisClient, err := queue.NewRedisClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	store, err := storage.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	if err := os.MkdirAll(cfg.Autograder.WorkRoot, 0o700); err != nil {
		log.Fatal().Err(err).Str("work_root", cfg.Autograder.WorkRoot).Msg("Failed to create autograder work root")
	}

	producer := queue.NewProducer(redisClient, cfg)
	consumer := queue.NewConsumer(redisClient, cfg)
	ingestor := autograde.NewIngestor(repo)
	runner := autograde.NewRunner(cfg, store)

	autogradeWorker := worker.NewAutogradeWorker(cfg, repo, runner, ingestor, consumer, producer)
	reaper := worker.NewReaper(cfg, repo, ingestor, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := autogradeWorker.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Autograde worker failed")
		}
	}()

	if cfg.Workers.Reaper.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reaper.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Autograde reaper stopped")
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down autograde worker...")

	// Running jobs are returned to the queue as they notice the cancellation.
	cancel()
	wg.Wait()

	log.Info().Msg("Autograde worker exited")
}
