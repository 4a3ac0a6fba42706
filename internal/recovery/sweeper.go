// Package recovery reconciles the checkpoint journal against the filesystem
// after an unclean shutdown. It runs once at startup, off the interactive
// path, and resolves every pending checkpoint to resumed, cleaned,
// kept-pending, or dead-lettered.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/soulstream/backend/internal/journal"
	"github.com/soulstream/backend/internal/logger"
)

const (
	// StaleAge is how old a pending checkpoint may be before it is pruned
	// unseen. Anything older belongs to a session nobody remembers.
	StaleAge = 24 * time.Hour

	// MaxFailures is the recovery budget. A checkpoint that has failed this
	// many times is dead-lettered instead of retried.
	MaxFailures = 3

	// completeRatio is the fraction of the expected size at which a partial
	// download is treated as effectively complete.
	completeRatio = 0.95
)

// Journal is the slice of the checkpoint store the sweep needs.
type Journal interface {
	Upsert(ctx context.Context, cp *journal.Checkpoint) error
	Pending(ctx context.Context) ([]*journal.Checkpoint, error)
	Complete(ctx context.Context, id string) error
	PruneStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// FormatVerifier checks that a file on disk is a playable audio format.
type FormatVerifier interface {
	VerifyAudioFormat(ctx context.Context, path string) (bool, error)
}

// DeadLetterWriter records checkpoints that exhausted their recovery budget.
type DeadLetterWriter interface {
	Write(cp *journal.Checkpoint) error
}

// Stats aggregates the outcome of one sweep run.
type Stats struct {
	Resumed      int `json:"resumed"`
	Cleaned      int `json:"cleaned"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Sweeper runs the startup recovery pass.
type Sweeper struct {
	journal     Journal
	verifier    FormatVerifier
	deadLetters DeadLetterWriter
	log         *logger.Logger
}

// NewSweeper creates a sweeper over the given collaborators.
func NewSweeper(j Journal, verifier FormatVerifier, deadLetters DeadLetterWriter) *Sweeper {
	return &Sweeper{
		journal:     j,
		verifier:    verifier,
		deadLetters: deadLetters,
		log:         logger.Default().WithComponent("recovery"),
	}
}

// Run executes a single sequential sweep. Checkpoints are processed one at a
// time: recovery is not latency-sensitive and concurrent filesystem
// reconciliation is not worth reasoning about. One checkpoint's failure
// never aborts the sweep.
func (s *Sweeper) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	pruned, err := s.journal.PruneStale(ctx, StaleAge)
	if err != nil {
		return stats, err
	}
	if pruned > 0 {
		s.log.Info(ctx, "pruned stale checkpoints", map[string]interface{}{
			"count": pruned,
		})
	}

	pending, err := s.journal.Pending(ctx)
	if err != nil {
		return stats, err
	}
	if len(pending) == 0 {
		return stats, nil
	}

	s.log.Info(ctx, "recovery sweep starting", map[string]interface{}{
		"pending": len(pending),
	})

	for _, cp := range pending {
		if err := s.processCheckpoint(ctx, cp, &stats); err != nil {
			s.log.Error(ctx, "checkpoint recovery failed", err, map[string]interface{}{
				"checkpoint_id": cp.ID,
				"type":          string(cp.OperationType),
				"target":        cp.TargetPath,
			})
			cp.FailureCount++
			if upsertErr := s.journal.Upsert(ctx, cp); upsertErr != nil {
				s.log.Error(ctx, "failed to persist failure count", upsertErr, map[string]interface{}{
					"checkpoint_id": cp.ID,
				})
			}
			stats.Failed++
		}
	}

	s.log.Info(ctx, "recovery sweep finished", map[string]interface{}{
		"resumed":       stats.Resumed,
		"cleaned":       stats.Cleaned,
		"failed":        stats.Failed,
		"dead_lettered": stats.DeadLettered,
	})

	return stats, nil
}

// processCheckpoint resolves one checkpoint. A panic inside recovery logic
// is converted to an error so the caller's isolation handling applies.
func (s *Sweeper) processCheckpoint(ctx context.Context, cp *journal.Checkpoint, stats *Stats) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during checkpoint recovery: %v", r)
		}
	}()

	if cp.FailureCount >= MaxFailures {
		if err := s.deadLetters.Write(cp); err != nil {
			return fmt.Errorf("failed to write dead letter record: %w", err)
		}
		if err := s.journal.Complete(ctx, cp.ID); err != nil {
			return err
		}
		stats.DeadLettered++
		s.log.Warn(ctx, "checkpoint dead-lettered", map[string]interface{}{
			"checkpoint_id": cp.ID,
			"type":          string(cp.OperationType),
			"target":        cp.TargetPath,
			"failures":      cp.FailureCount,
		})
		return nil
	}

	state, decodeErr := journal.DecodeState(cp.OperationType, cp.StateJSON)
	if decodeErr != nil {
		// An unreadable payload cannot inform a decision. Drop it.
		s.log.Warn(ctx, "discarding unreadable checkpoint", map[string]interface{}{
			"checkpoint_id": cp.ID,
			"type":          string(cp.OperationType),
			"reason":        decodeErr.Error(),
		})
		return s.journal.Complete(ctx, cp.ID)
	}

	switch st := state.(type) {
	case journal.DownloadState:
		return s.recoverDownload(ctx, cp, st, stats)
	case journal.TagWriteState:
		return s.recoverTagWrite(ctx, cp, st, stats)
	case journal.HydrationState:
		// Re-enqueueing enrichment is handled by the hydrator on its next
		// pass over the library; the checkpoint itself is just dropped.
		if err := s.journal.Complete(ctx, cp.ID); err != nil {
			return err
		}
		stats.Cleaned++
		return nil
	default:
		s.log.Warn(ctx, "unknown checkpoint state type", map[string]interface{}{
			"checkpoint_id": cp.ID,
			"type":          string(cp.OperationType),
		})
		return s.journal.Complete(ctx, cp.ID)
	}
}

func (s *Sweeper) recoverDownload(ctx context.Context, cp *journal.Checkpoint, st journal.DownloadState, stats *Stats) error {
	if hasTraversal(st.PartFilePath) || hasTraversal(st.FinalPath) {
		s.log.Warn(ctx, "discarding checkpoint with suspicious path", map[string]interface{}{
			"checkpoint_id": cp.ID,
			"part_path":     st.PartFilePath,
			"final_path":    st.FinalPath,
		})
		return s.journal.Complete(ctx, cp.ID)
	}

	info, statErr := os.Stat(st.PartFilePath)
	if os.IsNotExist(statErr) {
		// Orphaned: nothing on disk to recover.
		if err := s.journal.Complete(ctx, cp.ID); err != nil {
			return err
		}
		stats.Cleaned++
		return nil
	}
	if statErr != nil {
		return fmt.Errorf("failed to stat partial file: %w", statErr)
	}

	if float64(info.Size()) < completeRatio*float64(st.ExpectedSizeBytes) {
		// Partial but real progress. Leave it pending: the next session's
		// sweep sees it again.
		s.log.Info(ctx, "keeping partial download for next session", map[string]interface{}{
			"checkpoint_id": cp.ID,
			"part_path":     st.PartFilePath,
			"size":          info.Size(),
			"expected":      st.ExpectedSizeBytes,
		})
		return nil
	}

	valid, err := s.verifier.VerifyAudioFormat(ctx, st.PartFilePath)
	if err != nil {
		return fmt.Errorf("format verification failed: %w", err)
	}

	if !valid {
		if err := os.Remove(st.PartFilePath); err != nil {
			return fmt.Errorf("failed to delete invalid partial file: %w", err)
		}
		if err := s.journal.Complete(ctx, cp.ID); err != nil {
			return err
		}
		stats.Cleaned++
		s.log.Warn(ctx, "deleted partial file with invalid format", map[string]interface{}{
			"checkpoint_id": cp.ID,
			"part_path":     st.PartFilePath,
		})
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(st.FinalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create final directory: %w", err)
	}
	// Rename replaces any existing file at the final path in one step.
	if err := os.Rename(st.PartFilePath, st.FinalPath); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}
	if err := s.journal.Complete(ctx, cp.ID); err != nil {
		return err
	}
	stats.Resumed++
	s.log.Info(ctx, "resumed completed download", map[string]interface{}{
		"checkpoint_id": cp.ID,
		"final_path":    st.FinalPath,
		"artist":        st.Artist,
		"title":         st.Title,
	})
	return nil
}

func (s *Sweeper) recoverTagWrite(ctx context.Context, cp *journal.Checkpoint, st journal.TagWriteState, stats *Stats) error {
	if st.TempPath != "" {
		if _, statErr := os.Stat(st.TempPath); statErr == nil {
			if err := os.Remove(st.TempPath); err != nil {
				// Best effort. A stray temp file is annoying, not fatal.
				s.log.Warn(ctx, "failed to delete leftover temp file", map[string]interface{}{
					"checkpoint_id": cp.ID,
					"temp_path":     st.TempPath,
					"reason":        err.Error(),
				})
			}
			stats.Cleaned++
		}
	}
	return s.journal.Complete(ctx, cp.ID)
}

// hasTraversal reports whether a path contains a parent-directory segment.
func hasTraversal(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
