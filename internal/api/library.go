package api

import (
	"net/http"
	"strconv"

	"github.com/soulstream/backend/internal/db"
	apperrors "github.com/soulstream/backend/internal/errors"
)

// LibraryHandlers serves the persisted track library.
type LibraryHandlers struct {
	tracks *db.TrackRepository
}

// NewLibraryHandlers creates handlers over the track repository.
func NewLibraryHandlers(tracks *db.TrackRepository) *LibraryHandlers {
	return &LibraryHandlers{tracks: tracks}
}

// Recent returns the most recently downloaded tracks.
func (h *LibraryHandlers) Recent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	tracks, err := h.tracks.Recent(r.Context(), limit)
	if err != nil {
		apperrors.WriteError(w, apperrors.DatabaseError("failed to list tracks").WithCause(err))
		return
	}

	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"tracks": tracks})
}
