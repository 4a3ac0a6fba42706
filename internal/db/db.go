package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type DB struct {
	*sql.DB
}

func New(host, port, user, password, dbname string) (*DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id UUID PRIMARY KEY,
		operation_type VARCHAR(32) NOT NULL,
		target_path TEXT NOT NULL,
		state_json JSONB NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		failure_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		status VARCHAR(16) NOT NULL DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_pending_order
		ON checkpoints(priority DESC, created_at ASC) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS tracks (
		id UUID PRIMARY KEY,
		artist VARCHAR(255) NOT NULL,
		title VARCHAR(255) NOT NULL,
		file_path TEXT NOT NULL,
		file_size_bytes BIGINT,
		source_username VARCHAR(255),
		mb_recording_id UUID,
		archive_key TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_tracks_artist ON tracks(artist);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
