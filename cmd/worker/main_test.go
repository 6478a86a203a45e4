package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"geoattend/internal/model"
	"geoattend/internal/queue"
	"geoattend/internal/recorder"
	"geoattend/internal/store"
)

func TestProcessAppliesHedgeJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := queue.NewRedisQueue(client, "test:hedge")
	q.PollTimeout = 100 * time.Millisecond
	docs := store.NewDocuments(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	at := time.Date(2024, 5, 2, 4, 30, 0, 0, time.UTC)
	date, clock := model.Stamp(at)
	evt := model.AttendanceEvent{
		ID: "evt-9", UserKey: "EMP001", Type: model.CheckIn, Confidence: 0.8,
		Date: date, Time: clock, Status: model.StatusPresent, Source: model.SourcePrimary, RecordedAt: at,
	}
	docID := recorder.DocumentID("EMP001", at)
	if err := (recorder.QueueHedger{Queue: q}).Hedge(ctx, docID, evt); err != nil {
		t.Fatalf("hedge: %v", err)
	}
	if err := q.Publish(ctx, queue.Message{Type: "unknown"}); err != nil {
		t.Fatal(err)
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan int, 1)
	go func() { done <- process(ctx, messages, docs) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := q.Len(ctx); n == 0 {
			if _, err := docs.Get(ctx, docID); err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("hedge job not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Give the foreign message time to be consumed before stopping.
	time.Sleep(50 * time.Millisecond)
	cancel()

	if n := <-done; n != 1 {
		t.Errorf("applied = %d, want 1", n)
	}
	got, err := docs.Get(context.Background(), docID)
	if err != nil || got.ID != "evt-9" || got.UserKey != "EMP001" {
		t.Errorf("stored = %+v %v", got, err)
	}
}
