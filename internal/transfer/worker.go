package transfer

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/soulstream/backend/internal/logger"
)

const (
	// Default configuration values
	DefaultWorkerCount = 3
	DefaultMaxRetries  = 3
	DefaultJobTimeout  = 30 * time.Minute

	// Exponential backoff parameters
	baseBackoff = 1 * time.Second
	maxBackoff  = 5 * time.Minute
)

// JobProcessor is the function signature for executing a transfer job
type JobProcessor func(ctx context.Context, job *Job) error

// WorkerPool manages a pool of workers that execute transfer jobs
type WorkerPool struct {
	queue       *Queue
	workerCount int
	maxRetries  int
	jobTimeout  time.Duration
	processor   JobProcessor
	log         *logger.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	mu       sync.RWMutex
	running  bool
}

// WorkerPoolConfig holds configuration for the worker pool
type WorkerPoolConfig struct {
	WorkerCount int
	MaxRetries  int
	JobTimeout  time.Duration
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue *Queue, processor JobProcessor, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = &WorkerPoolConfig{}
	}

	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}

	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	jobTimeout := config.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	return &WorkerPool{
		queue:       queue,
		workerCount: workerCount,
		maxRetries:  maxRetries,
		jobTimeout:  jobTimeout,
		processor:   processor,
		log:         logger.Default().WithComponent("transfer"),
		stopChan:    make(chan struct{}),
	}
}

// Start launches the worker pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return
	}

	wp.running = true
	wp.stopChan = make(chan struct{})

	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.log.Info(context.Background(), "worker pool started", map[string]interface{}{
		"workers": wp.workerCount,
	})
}

// Stop gracefully stops the worker pool, waiting for current jobs to complete
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return nil
	}
	wp.running = false
	close(wp.stopChan)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.log.Info(ctx, "worker pool stopped")
		return nil
	case <-ctx.Done():
		wp.log.Warn(ctx, "worker pool shutdown timed out")
		return ctx.Err()
	}
}

// IsRunning returns whether the worker pool is currently running
func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

// worker is the main loop for a single worker
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.stopChan:
			return
		default:
			wp.processNextJob(id)
		}
	}
}

// processNextJob dequeues and processes the next available job
func (wp *WorkerPool) processNextJob(workerID int) {
	ctx := context.Background()

	job, err := wp.queue.Dequeue(ctx, 5*time.Second)
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) {
			return
		}
		wp.log.Error(ctx, "failed to dequeue job", err, map[string]interface{}{
			"worker": workerID,
		})
		return
	}

	wp.processJob(ctx, workerID, job)
}

// processJob handles the full lifecycle of a single job
func (wp *WorkerPool) processJob(ctx context.Context, workerID int, job *Job) {
	jobCtx, cancel := context.WithTimeout(ctx, wp.jobTimeout)
	defer cancel()

	if err := wp.queue.UpdateStatus(ctx, job.ID, StatusDownloading, ""); err != nil {
		wp.log.Error(ctx, "failed to mark job downloading", err, map[string]interface{}{
			"worker": workerID,
			"job_id": job.ID,
		})
		return
	}

	err := wp.processor(jobCtx, job)

	if err != nil {
		wp.handleJobFailure(ctx, workerID, job, err)
		return
	}

	if err := wp.queue.UpdateStatus(ctx, job.ID, StatusComplete, ""); err != nil {
		wp.log.Error(ctx, "failed to mark job complete", err, map[string]interface{}{
			"worker": workerID,
			"job_id": job.ID,
		})
	}
}

// handleJobFailure handles a failed job, implementing retry logic with exponential backoff
func (wp *WorkerPool) handleJobFailure(ctx context.Context, workerID int, job *Job, jobErr error) {
	wp.log.Warn(ctx, "job failed", map[string]interface{}{
		"worker": workerID,
		"job_id": job.ID,
		"error":  jobErr.Error(),
	})

	if err := wp.queue.UpdateStatus(ctx, job.ID, StatusFailed, jobErr.Error()); err != nil {
		wp.log.Error(ctx, "failed to mark job failed", err, map[string]interface{}{
			"job_id": job.ID,
		})
		return
	}

	updatedJob, err := wp.queue.GetJob(ctx, job.ID)
	if err != nil {
		wp.log.Error(ctx, "failed to reload job after failure", err, map[string]interface{}{
			"job_id": job.ID,
		})
		return
	}

	if updatedJob.CanRetry(wp.maxRetries) {
		backoff := calculateBackoff(updatedJob.RetryCount)
		wp.log.Info(ctx, "scheduling retry", map[string]interface{}{
			"job_id":  job.ID,
			"backoff": backoff.String(),
			"attempt": updatedJob.RetryCount + 1,
			"max":     wp.maxRetries,
		})

		time.Sleep(backoff)

		if err := wp.queue.IncrementRetry(ctx, job.ID); err != nil {
			wp.log.Error(ctx, "failed to requeue job for retry", err, map[string]interface{}{
				"job_id": job.ID,
			})
		}
	} else {
		wp.log.Warn(ctx, "job exceeded max retries", map[string]interface{}{
			"job_id": job.ID,
			"max":    wp.maxRetries,
		})
	}
}

// calculateBackoff calculates the exponential backoff duration for a given retry count
func calculateBackoff(retryCount int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(retryCount))) * baseBackoff
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}
