// Package hydrator enriches finished tracks with external metadata. Each
// run checkpoints its progress so an interrupted pipeline is visible to the
// startup recovery sweep.
package hydrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/soulstream/backend/internal/db"
	apperrors "github.com/soulstream/backend/internal/errors"
	"github.com/soulstream/backend/internal/journal"
	"github.com/soulstream/backend/internal/logger"
)

// Pipeline step markers recorded in the hydration checkpoint.
const (
	StepLookup  = "lookup"
	StepPersist = "persist"
)

// Journal is the slice of the checkpoint store the hydrator writes to.
type Journal interface {
	Upsert(ctx context.Context, cp *journal.Checkpoint) error
	Complete(ctx context.Context, id string) error
}

// Hydrator runs the metadata enrichment pipeline for one track at a time.
type Hydrator struct {
	client  *Client
	tracks  *db.TrackRepository
	journal Journal
	log     *logger.Logger
}

// New creates a hydrator.
func New(client *Client, tracks *db.TrackRepository, j Journal) *Hydrator {
	return &Hydrator{
		client:  client,
		tracks:  tracks,
		journal: j,
		log:     logger.Default().WithComponent("hydrator"),
	}
}

// EnqueueTrack schedules enrichment for a track without blocking the
// caller. Failures are logged; the checkpoint keeps the run recoverable.
func (h *Hydrator) EnqueueTrack(ctx context.Context, trackID string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.log.Error(context.Background(), "panic during hydration", fmt.Errorf("%v", r), map[string]interface{}{
					"track_id": trackID,
				})
			}
		}()

		if err := h.Run(context.Background(), trackID); err != nil {
			h.log.Error(context.Background(), "hydration failed", err, map[string]interface{}{
				"track_id": trackID,
			})
		}
	}()
}

// Run executes the enrichment pipeline for one track.
func (h *Hydrator) Run(ctx context.Context, trackID string) error {
	cpID := checkpointID(trackID)

	if err := h.checkpoint(ctx, cpID, trackID, StepLookup); err != nil {
		return err
	}

	track, err := h.tracks.GetByID(ctx, trackID)
	if err != nil {
		return err
	}

	rec, err := apperrors.RetryWithResult(ctx, apperrors.HydrationRetryConfig(), func(ctx context.Context) (*Recording, error) {
		return h.client.SearchRecording(ctx, track.Artist, track.Title)
	})
	if err != nil {
		return apperrors.HydrationError("recording lookup failed").WithCause(err)
	}

	if rec == nil {
		h.log.Info(ctx, "no metadata match for track", map[string]interface{}{
			"track_id": trackID,
			"artist":   track.Artist,
			"title":    track.Title,
		})
		return h.journal.Complete(ctx, cpID)
	}

	if err := h.checkpoint(ctx, cpID, trackID, StepPersist); err != nil {
		return err
	}

	recordingID, err := uuid.Parse(rec.ID)
	if err != nil {
		return apperrors.HydrationError("invalid recording id").WithCause(err)
	}
	if err := h.tracks.SetRecordingID(ctx, trackID, recordingID); err != nil {
		return err
	}

	h.log.Info(ctx, "track hydrated", map[string]interface{}{
		"track_id":     trackID,
		"recording_id": rec.ID,
		"score":        rec.Score,
	})

	return h.journal.Complete(ctx, cpID)
}

func (h *Hydrator) checkpoint(ctx context.Context, cpID, trackID, step string) error {
	cp, err := journal.NewHydrationCheckpoint(journal.HydrationState{
		TrackID: trackID,
		Step:    step,
	})
	if err != nil {
		return err
	}
	cp.ID = cpID
	return h.journal.Upsert(ctx, cp)
}

// checkpointID derives a stable checkpoint id for a track's hydration run,
// so step updates overwrite one pending row.
func checkpointID(trackID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("hydration:"+trackID)).String()
}
