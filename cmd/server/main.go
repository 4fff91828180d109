// The EchoScribe API server: accepts media uploads, exposes transcript and
// summary state, and queues background jobs for the worker.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/mbalakrishnan/echoscribe/internal/config"
	"github.com/mbalakrishnan/echoscribe/internal/database"
	"github.com/mbalakrishnan/echoscribe/internal/queue"
	"github.com/mbalakrishnan/echoscribe/internal/repository"
	"github.com/mbalakrishnan/echoscribe/internal/s3storage"
	"github.com/mbalakrishnan/echoscribe/internal/server"
	"github.com/mbalakrishnan/echoscribe/internal/signing"
	"github.com/mbalakrishnan/echoscribe/internal/watch"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	repo := repository.NewTranscriptRepository(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.Fatalf("ensure buckets: %v", err)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer asynqClient.Close()
	enqueuer := queue.NewClient(asynqClient)

	if cfg.WatchDir != "" {
		watcher := watch.New(cfg.WatchDir, repo, store, enqueuer)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("watcher stopped: %v", err)
			}
		}()
	}

	signer := signing.NewSigner(cfg.SigningSecret)
	srv := server.New(cfg, repo, store, enqueuer, signer)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
