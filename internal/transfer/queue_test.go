package transfer

import (
	"context"
	"os"
	"testing"
	"time"
)

func getTestRedisURL() string {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	return url
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	queue, err := NewQueue(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer queue.Close()

	ctx := context.Background()

	job, err := queue.Enqueue(ctx, Request{
		Artist:         "Boards of Canada",
		Title:          "Dayvan Cowboy",
		SourceUsername: "peer42",
		RemotePath:     "@peer42/music/dayvan.flac",
		FinalPath:      "/data/library/dayvan.flac",
		SizeBytes:      30_000_000,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if job.ID == "" {
		t.Error("Enqueued job should have an id")
	}
	if job.Status != StatusQueued {
		t.Errorf("Expected status %s, got %s", StatusQueued, job.Status)
	}

	dequeued, err := queue.Dequeue(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if dequeued.ID != job.ID {
		t.Errorf("Dequeued wrong job: %s != %s", dequeued.ID, job.ID)
	}
	if dequeued.Artist != "Boards of Canada" {
		t.Errorf("Job payload mismatch: %+v", dequeued)
	}
}

func TestQueue_GetJob(t *testing.T) {
	queue, err := NewQueue(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer queue.Close()

	ctx := context.Background()

	job, err := queue.Enqueue(ctx, Request{Artist: "a", Title: "t", RemotePath: "p"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, err := queue.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.ID != job.ID {
		t.Errorf("GetJob returned wrong job: %s", got.ID)
	}

	if _, err := queue.GetJob(ctx, "nonexistent"); err != ErrJobNotFound {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}

	// Drain so later tests start clean
	queue.Dequeue(ctx, 1*time.Second)
}

func TestQueue_UpdateStatus(t *testing.T) {
	queue, err := NewQueue(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer queue.Close()

	ctx := context.Background()

	job, err := queue.Enqueue(ctx, Request{Artist: "a", Title: "t", RemotePath: "p"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := queue.UpdateStatus(ctx, job.ID, StatusDownloading, ""); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	got, _ := queue.GetJob(ctx, job.ID)
	if got.Status != StatusDownloading {
		t.Errorf("Expected status %s, got %s", StatusDownloading, got.Status)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt should be set when downloading begins")
	}

	if err := queue.UpdateStatus(ctx, job.ID, StatusFailed, "peer vanished"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	got, _ = queue.GetJob(ctx, job.ID)
	if got.Error != "peer vanished" {
		t.Errorf("Expected error message, got %q", got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be set on terminal status")
	}

	queue.Dequeue(ctx, 1*time.Second)
}

func TestQueue_IncrementRetry(t *testing.T) {
	queue, err := NewQueue(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer queue.Close()

	ctx := context.Background()

	job, err := queue.Enqueue(ctx, Request{Artist: "a", Title: "t", RemotePath: "p"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := queue.UpdateStatus(ctx, job.ID, StatusFailed, "timeout"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := queue.IncrementRetry(ctx, job.ID); err != nil {
		t.Fatalf("IncrementRetry failed: %v", err)
	}

	got, err := queue.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", got.RetryCount)
	}
	if got.Status != StatusQueued {
		t.Errorf("Retried job should be requeued, got status %s", got.Status)
	}
	if got.Error != "" {
		t.Errorf("Retry should clear the error, got %q", got.Error)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Error("Retry should reset the job timestamps")
	}

	// Drain both queue entries
	queue.Dequeue(ctx, 1*time.Second)
	queue.Dequeue(ctx, 1*time.Second)
}

func TestQueue_QueueLength(t *testing.T) {
	queue, err := NewQueue(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer queue.Close()

	ctx := context.Background()

	before, err := queue.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength failed: %v", err)
	}

	if _, err := queue.Enqueue(ctx, Request{Artist: "a", Title: "t", RemotePath: "p"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	after, err := queue.QueueLength(ctx)
	if err != nil {
		t.Fatalf("QueueLength failed: %v", err)
	}
	if after != before+1 {
		t.Errorf("Expected length %d, got %d", before+1, after)
	}

	queue.Dequeue(ctx, 1*time.Second)
}
