package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrTrackNotFound = errors.New("track not found")

type Track struct {
	ID             string
	Artist         string
	Title          string
	FilePath       string
	FileSizeBytes  sql.NullInt64
	SourceUsername sql.NullString
	MBRecordingID  *uuid.UUID
	ArchiveKey     sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type TrackRepository struct {
	db *DB
}

func NewTrackRepository(db *DB) *TrackRepository {
	return &TrackRepository{db: db}
}

// Save inserts a track or updates it in place when the id already exists.
func (r *TrackRepository) Save(ctx context.Context, t *Track) error {
	query := `
		INSERT INTO tracks (id, artist, title, file_path, file_size_bytes,
			source_username, mb_recording_id, archive_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			artist = EXCLUDED.artist,
			title = EXCLUDED.title,
			file_path = EXCLUDED.file_path,
			file_size_bytes = EXCLUDED.file_size_bytes,
			source_username = EXCLUDED.source_username,
			mb_recording_id = EXCLUDED.mb_recording_id,
			archive_key = EXCLUDED.archive_key,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Artist, t.Title, t.FilePath, t.FileSizeBytes,
		t.SourceUsername, t.MBRecordingID, t.ArchiveKey,
	)
	return err
}

// GetByID returns a single track by id.
func (r *TrackRepository) GetByID(ctx context.Context, id string) (*Track, error) {
	query := `
		SELECT id, artist, title, file_path, file_size_bytes,
			   source_username, mb_recording_id, archive_key, created_at, updated_at
		FROM tracks
		WHERE id = $1
	`
	var t Track
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Artist, &t.Title, &t.FilePath, &t.FileSizeBytes,
		&t.SourceUsername, &t.MBRecordingID, &t.ArchiveKey, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTrackNotFound
		}
		return nil, err
	}
	return &t, nil
}

// SetRecordingID attaches a MusicBrainz recording id after hydration.
func (r *TrackRepository) SetRecordingID(ctx context.Context, id string, recordingID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tracks SET mb_recording_id = $2, updated_at = NOW() WHERE id = $1`,
		id, recordingID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTrackNotFound
	}
	return nil
}

// Recent returns the most recently added tracks.
func (r *TrackRepository) Recent(ctx context.Context, limit int) ([]Track, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT id, artist, title, file_path, file_size_bytes,
			   source_username, mb_recording_id, archive_key, created_at, updated_at
		FROM tracks
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []Track
	for rows.Next() {
		var t Track
		err := rows.Scan(
			&t.ID, &t.Artist, &t.Title, &t.FilePath, &t.FileSizeBytes,
			&t.SourceUsername, &t.MBRecordingID, &t.ArchiveKey, &t.CreatedAt, &t.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	return tracks, rows.Err()
}
