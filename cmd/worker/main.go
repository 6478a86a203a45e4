package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"geoattend/internal/config"
	"geoattend/internal/metrics"
	"geoattend/internal/queue"
	"geoattend/internal/recorder"
	"geoattend/internal/store"
)

// Worker consumes hedge jobs and writes the redundant copy of each
// attendance event into the secondary document store.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Printf("WARNING: redis at %s not reachable, will keep polling", cfg.RedisAddr)
	}

	q := queue.NewRedisQueue(redisClient.Client, cfg.HedgeQueueKey)
	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Printf("worker started, waiting for hedge jobs on %s", cfg.HedgeQueueKey)
	n := process(ctx, messages, redisClient.Documents())
	log.Printf("worker stopped after %d jobs", n)
}

// process applies every job until messages is closed. Each job gets one
// attempt; failures are logged and counted, never retried.
func process(ctx context.Context, messages <-chan queue.Message, docs recorder.DocumentStore) int {
	applied := 0
	for msg := range messages {
		job, err := recorder.ApplyHedge(ctx, docs, msg)
		if err != nil {
			metrics.HedgeFailures.Inc()
			log.Printf("hedge %s failed: %v", job.DocID, err)
			continue
		}
		applied++
		log.Printf("hedge %s written", job.DocID)
	}
	return applied
}
