package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"userstitch/internal/api"
	"userstitch/internal/config"
	"userstitch/internal/queue"
	"userstitch/internal/store"
)

func main() {
	cfg := config.Load()

	ctx := context.Background()
	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	mergeQueue, err := queue.NewRedisQueue(
		cfg.RedisAddr,
		cfg.MergeQueueName,
		cfg.ConsumerName,
		cfg.MergeMaxAttempts,
		cfg.MergeRetryBackoff(),
	)
	if err != nil {
		log.Printf("merge queue unavailable (%v), continuing with noop producer", err)
		mergeQueue = nil
	}

	var producer queue.Producer
	var statsProvider queue.StatsProvider
	var deadLetters queue.DeadLetterInspector
	var redriver queue.Redriver
	if mergeQueue == nil {
		producer = queue.NewNoopProducer()
	} else {
		producer = mergeQueue
		statsProvider = mergeQueue
		deadLetters = mergeQueue
		redriver = mergeQueue
	}
	defer producer.Close()

	handler := api.NewHandler(
		db,
		producer,
		statsProvider,
		deadLetters,
		redriver,
		cfg.CORSAllowedOrigins,
		cfg.AdminAPIKey,
		cfg.RateLimitRequestsPerSec,
		cfg.RateLimitBurst,
	)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("userstitch api listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxTimeout); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
