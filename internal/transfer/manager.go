package transfer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/soulstream/backend/internal/db"
	apperrors "github.com/soulstream/backend/internal/errors"
	"github.com/soulstream/backend/internal/journal"
	"github.com/soulstream/backend/internal/logger"
	"github.com/soulstream/backend/internal/storage"
)

// Journal is the slice of the checkpoint store the manager writes to. A
// download checkpoint is created before the first byte hits disk and
// completed when the file is finalized, so an unclean shutdown always
// leaves a recoverable record.
type Journal interface {
	Upsert(ctx context.Context, cp *journal.Checkpoint) error
	Complete(ctx context.Context, id string) error
}

// Downloader executes the actual peer transfer protocol. It must stream
// into partPath and report received bytes through the live transfer
// counter.
type Downloader interface {
	Download(ctx context.Context, job *Job, live *Transfer, partPath string) error
}

// Enricher schedules metadata enrichment for a finished track.
type Enricher interface {
	EnqueueTrack(ctx context.Context, trackID string)
}

// Manager owns live transfer execution: the redis-backed queue, the worker
// pool, and the in-memory registry the stall monitor reads.
type Manager struct {
	queue      *Queue
	pool       *WorkerPool
	registry   *Registry
	journal    Journal
	tracks     *db.TrackRepository
	archive    *storage.Client
	enricher   Enricher
	downloader Downloader

	downloadDir string
	log         *logger.Logger
}

// ManagerConfig holds configuration for the transfer manager.
type ManagerConfig struct {
	RedisURL    string
	WorkerCount int
	MaxRetries  int
	JobTimeout  time.Duration
	DownloadDir string

	Journal    Journal
	Tracks     *db.TrackRepository
	Archive    *storage.Client
	Enricher   Enricher
	Downloader Downloader
}

// NewManager creates a transfer manager and its worker pool.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg.Downloader == nil {
		return nil, fmt.Errorf("downloader is required")
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}

	queue, err := NewQueue(cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		queue:       queue,
		registry:    NewRegistry(),
		journal:     cfg.Journal,
		tracks:      cfg.Tracks,
		archive:     cfg.Archive,
		enricher:    cfg.Enricher,
		downloader:  cfg.Downloader,
		downloadDir: cfg.DownloadDir,
		log:         logger.Default().WithComponent("transfer"),
	}

	m.pool = NewWorkerPool(queue, m.process, &WorkerPoolConfig{
		WorkerCount: cfg.WorkerCount,
		MaxRetries:  cfg.MaxRetries,
		JobTimeout:  cfg.JobTimeout,
	})

	return m, nil
}

// Start launches the worker pool.
func (m *Manager) Start() {
	m.pool.Start()
}

// Stop drains the worker pool and closes the queue.
func (m *Manager) Stop(ctx context.Context) error {
	if err := m.pool.Stop(ctx); err != nil {
		m.log.Error(ctx, "worker pool stop error", err)
	}
	return m.queue.Close()
}

// Queue exposes the underlying job queue for progress subscriptions.
func (m *Manager) Queue() *Queue {
	return m.queue
}

// Enqueue adds a download request to the queue.
func (m *Manager) Enqueue(ctx context.Context, req Request) (*Job, error) {
	if req.FinalPath == "" {
		name := fmt.Sprintf("%s - %s", req.Artist, req.Title)
		req.FinalPath = filepath.Join(m.downloadDir, name)
	}
	return m.queue.Enqueue(ctx, req)
}

// ActiveDownloads returns snapshots of every live transfer. The stall
// monitor filters for the downloading state.
func (m *Manager) ActiveDownloads() []Snapshot {
	return m.registry.Snapshots()
}

// RetryStalled aborts a stalled transfer attempt so the worker failure path
// requeues it. Safe to call on a transfer that has already finished or
// recovered; the intervention simply no-ops.
func (m *Manager) RetryStalled(ctx context.Context, id string, stalledFor time.Duration) error {
	live := m.registry.Get(id)
	if live == nil {
		m.log.Debug(ctx, "stall retry requested for inactive transfer", map[string]interface{}{
			"transfer_id": id,
		})
		return nil
	}

	m.log.Warn(ctx, "retrying stalled transfer", map[string]interface{}{
		"transfer_id":     id,
		"artist":          live.Artist,
		"title":           live.Title,
		"stalled_seconds": int(stalledFor.Seconds()),
	})

	live.Cancel()
	return nil
}

// process executes one transfer job end to end. It is the worker pool's
// processor.
func (m *Manager) process(ctx context.Context, job *Job) error {
	partPath := filepath.Join(m.downloadDir, job.ID+".part")

	// Checkpoint before any side effect that would be unsafe to lose. The
	// checkpoint id is the job id so retries update one pending row instead
	// of stacking new ones.
	cp, err := journal.NewDownloadCheckpoint(journal.DownloadState{
		Artist:            job.Artist,
		Title:             job.Title,
		PartFilePath:      partPath,
		FinalPath:         job.FinalPath,
		ExpectedSizeBytes: job.SizeBytes,
		SourceUsername:    job.SourceUsername,
	})
	if err != nil {
		return err
	}
	cp.ID = job.ID
	if err := m.journal.Upsert(ctx, cp); err != nil {
		return err
	}

	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	live := m.registry.Add(job, cancel)
	defer m.registry.Remove(job.ID)

	if err := m.downloader.Download(dlCtx, job, live, partPath); err != nil {
		// The checkpoint stays pending: a crash or exhausted retry budget is
		// picked up by the next startup sweep.
		return apperrors.TransferError("peer download failed").WithCause(err)
	}

	live.SetState(StatusFinalizing)

	if err := os.MkdirAll(filepath.Dir(job.FinalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create final directory: %w", err)
	}
	if err := os.Rename(partPath, job.FinalPath); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}

	if err := m.journal.Complete(ctx, job.ID); err != nil {
		m.log.Error(ctx, "failed to complete checkpoint", err, map[string]interface{}{
			"job_id": job.ID,
		})
	}

	m.recordTrack(ctx, job)
	return nil
}

// recordTrack persists the finished track and kicks off enrichment and
// archival. All of this is best effort; the file is already in place.
func (m *Manager) recordTrack(ctx context.Context, job *Job) {
	if m.tracks != nil {
		track := &db.Track{
			ID:             job.ID,
			Artist:         job.Artist,
			Title:          job.Title,
			FilePath:       job.FinalPath,
			FileSizeBytes:  sql.NullInt64{Int64: job.SizeBytes, Valid: job.SizeBytes > 0},
			SourceUsername: sql.NullString{String: job.SourceUsername, Valid: job.SourceUsername != ""},
		}
		if err := m.tracks.Save(ctx, track); err != nil {
			m.log.Error(ctx, "failed to save track", err, map[string]interface{}{
				"job_id": job.ID,
			})
		}
	}

	if m.archive != nil {
		key := fmt.Sprintf("%s/%s", job.ID, filepath.Base(job.FinalPath))
		err := apperrors.Retry(ctx, apperrors.StorageRetryConfig(), func(ctx context.Context) error {
			return m.archive.UploadTrack(ctx, job.FinalPath, key)
		})
		if err != nil {
			m.log.Error(ctx, "failed to archive track", err, map[string]interface{}{
				"job_id": job.ID,
				"key":    key,
			})
		}
	}

	if m.enricher != nil {
		m.enricher.EnqueueTrack(ctx, job.ID)
	}
}
