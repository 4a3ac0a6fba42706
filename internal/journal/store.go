package journal

import (
	"context"
	"errors"
	"time"

	"github.com/soulstream/backend/internal/db"
	apperrors "github.com/soulstream/backend/internal/errors"
)

// Store is the Postgres-backed checkpoint journal. Upserts are atomic per
// row, so the transfer engine can checkpoint itself mid-flight while the
// recovery sweep reads. The store performs no retries: retry policy belongs
// to callers.
type Store struct {
	db *db.DB
}

// NewStore creates a journal store on an open database handle.
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// IsPersistenceError reports whether err originated in journal storage.
func IsPersistenceError(err error) bool {
	var appErr *apperrors.AppError
	return errors.As(err, &appErr) && appErr.Code == apperrors.CodeJournalError
}

func persistErr(op string, err error) error {
	return apperrors.JournalError("checkpoint " + op + " failed").WithCause(err)
}

// Upsert inserts the checkpoint or replaces the existing row with the same
// id. Idempotent: re-applying the same checkpoint is a no-op.
func (s *Store) Upsert(ctx context.Context, cp *Checkpoint) error {
	query := `
		INSERT INTO checkpoints (id, operation_type, target_path, state_json,
			priority, failure_count, created_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			operation_type = EXCLUDED.operation_type,
			target_path = EXCLUDED.target_path,
			state_json = EXCLUDED.state_json,
			priority = EXCLUDED.priority,
			failure_count = EXCLUDED.failure_count,
			status = EXCLUDED.status
	`
	_, err := s.db.ExecContext(ctx, query,
		cp.ID, cp.OperationType, cp.TargetPath, []byte(cp.StateJSON),
		cp.Priority, cp.FailureCount, cp.CreatedAt, cp.Status,
	)
	if err != nil {
		return persistErr("upsert", err)
	}
	return nil
}

// Pending returns a full snapshot of pending checkpoints ordered by
// priority descending, oldest first within a priority.
func (s *Store) Pending(ctx context.Context) ([]*Checkpoint, error) {
	query := `
		SELECT id, operation_type, target_path, state_json,
			   priority, failure_count, created_at, status
		FROM checkpoints
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, StatusPending)
	if err != nil {
		return nil, persistErr("query", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var state []byte
		err := rows.Scan(
			&cp.ID, &cp.OperationType, &cp.TargetPath, &state,
			&cp.Priority, &cp.FailureCount, &cp.CreatedAt, &cp.Status,
		)
		if err != nil {
			return nil, persistErr("scan", err)
		}
		cp.StateJSON = state
		checkpoints = append(checkpoints, &cp)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("scan", err)
	}

	return checkpoints, nil
}

// Complete marks a checkpoint completed. Calling it on an unknown or
// already-completed id is a no-op, not an error.
func (s *Store) Complete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = $2 WHERE id = $1`,
		id, StatusCompleted,
	)
	if err != nil {
		return persistErr("complete", err)
	}
	return nil
}

// PruneStale marks completed every pending checkpoint older than maxAge,
// without further inspection. Returns the number of rows pruned.
func (s *Store) PruneStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = $1 WHERE status = $2 AND created_at < $3`,
		StatusCompleted, StatusPending, cutoff,
	)
	if err != nil {
		return 0, persistErr("prune", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, persistErr("prune", err)
	}
	return n, nil
}
