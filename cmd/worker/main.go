// The EchoScribe worker: consumes transcription and summarization tasks from
// Redis and runs the media pipeline.
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
	"github.com/mbalakrishnan/echoscribe/internal/media"
	"github.com/mbalakrishnan/echoscribe/internal/repository"
	"github.com/mbalakrishnan/echoscribe/internal/s3storage"
	"github.com/mbalakrishnan/echoscribe/internal/summarize"
	"github.com/mbalakrishnan/echoscribe/internal/transcribe"
	"github.com/mbalakrishnan/echoscribe/internal/worker"
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
	creds := repository.NewCredentialRepository(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.Fatalf("ensure buckets: %v", err)
	}

	normalizer := media.New()
	engine := transcribe.NewWhisperX(cfg.WhisperModel, cfg.ComputeType)
	summarizer := summarize.New(cfg)

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.Workers,
	})
	processor := worker.NewProcessor(cfg, repo, creds, store, normalizer, engine, summarizer)
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
}
