package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/soulstream/backend/internal/errors"
	"github.com/soulstream/backend/internal/monitor"
	"github.com/soulstream/backend/internal/recovery"
	"github.com/soulstream/backend/internal/transfer"
)

// DownloadHandlers serves the download queue and live transfer state.
type DownloadHandlers struct {
	manager *transfer.Manager
	monitor *monitor.StallMonitor
	// recoveryStats returns the last sweep result, or nil while the sweep
	// has not finished.
	recoveryStats func() *recovery.Stats
}

// NewDownloadHandlers creates handlers over the transfer manager.
func NewDownloadHandlers(manager *transfer.Manager, mon *monitor.StallMonitor, recoveryStats func() *recovery.Stats) *DownloadHandlers {
	return &DownloadHandlers{
		manager:       manager,
		monitor:       mon,
		recoveryStats: recoveryStats,
	}
}

type enqueueRequest struct {
	Artist         string `json:"artist"`
	Title          string `json:"title"`
	SourceUsername string `json:"source_username"`
	RemotePath     string `json:"remote_path"`
	FinalPath      string `json:"final_path,omitempty"`
	SizeBytes      int64  `json:"size_bytes"`
}

// Enqueue adds a new download to the queue.
func (h *DownloadHandlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, apperrors.BadRequest("invalid request body"))
		return
	}

	if req.Artist == "" || req.Title == "" {
		apperrors.WriteError(w, apperrors.ValidationError("artist and title are required"))
		return
	}
	if req.RemotePath == "" {
		apperrors.WriteError(w, apperrors.ValidationError("remote_path is required"))
		return
	}

	job, err := h.manager.Enqueue(r.Context(), transfer.Request{
		Artist:         req.Artist,
		Title:          req.Title,
		SourceUsername: req.SourceUsername,
		RemotePath:     req.RemotePath,
		FinalPath:      req.FinalPath,
		SizeBytes:      req.SizeBytes,
	})
	if err != nil {
		apperrors.WriteError(w, apperrors.InternalError("failed to enqueue download").WithCause(err))
		return
	}

	apperrors.WriteJSON(w, http.StatusAccepted, job)
}

// List returns every known transfer job.
func (h *DownloadHandlers) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.manager.Queue().ListJobs(r.Context())
	if err != nil {
		apperrors.WriteError(w, apperrors.InternalError("failed to list jobs").WithCause(err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// Get returns one transfer job by id.
func (h *DownloadHandlers) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.Queue().GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, transfer.ErrJobNotFound) {
			apperrors.WriteError(w, apperrors.TransferNotFound())
			return
		}
		apperrors.WriteError(w, apperrors.InternalError("failed to get job").WithCause(err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, job)
}

type activeTransfer struct {
	transfer.Snapshot
	StallTicks int `json:"stall_ticks"`
}

// Active returns live transfer snapshots with their current stall counts.
func (h *DownloadHandlers) Active(w http.ResponseWriter, r *http.Request) {
	stalls := h.monitor.Snapshot()

	snapshots := h.manager.ActiveDownloads()
	active := make([]activeTransfer, 0, len(snapshots))
	for _, snap := range snapshots {
		active = append(active, activeTransfer{
			Snapshot:   snap,
			StallTicks: stalls[snap.ID],
		})
	}

	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"transfers": active})
}

// RecoveryStats returns the startup sweep's aggregate outcome.
func (h *DownloadHandlers) RecoveryStats(w http.ResponseWriter, r *http.Request) {
	stats := h.recoveryStats()
	if stats == nil {
		apperrors.WriteJSON(w, http.StatusOK, map[string]any{"status": "pending"})
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"status": "complete", "stats": stats})
}
