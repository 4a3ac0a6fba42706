package journal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationType discriminates the payload schema of a checkpoint.
type OperationType string

const (
	OpDownload  OperationType = "download"
	OpTagWrite  OperationType = "tag_write"
	OpHydration OperationType = "hydration"
)

// Status is the lifecycle state of a checkpoint row. Completed rows are
// logically deleted: they never appear in a pending snapshot again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Recovery priority bands. Higher recovers first.
const (
	PriorityDownload  = 100
	PriorityTagWrite  = 50
	PriorityHydration = 10
)

// Checkpoint is a durable record of an in-flight operation, sufficient to
// resume, discard, or finalize it after a restart.
type Checkpoint struct {
	ID            string          `json:"id"`
	OperationType OperationType   `json:"operation_type"`
	TargetPath    string          `json:"target_path"`
	StateJSON     json.RawMessage `json:"state_json"`
	Priority      int             `json:"priority"`
	FailureCount  int             `json:"failure_count"`
	CreatedAt     time.Time       `json:"created_at"`
	Status        Status          `json:"status"`
}

// DownloadState is the payload of an in-flight peer download.
type DownloadState struct {
	Artist            string `json:"artist"`
	Title             string `json:"title"`
	PartFilePath      string `json:"part_file_path"`
	FinalPath         string `json:"final_path"`
	ExpectedSizeBytes int64  `json:"expected_size_bytes"`
	SourceUsername    string `json:"source_username"`
}

// TagWriteState is the payload of an in-flight atomic tag write.
type TagWriteState struct {
	FilePath string `json:"file_path"`
	TempPath string `json:"temp_path"`
}

// HydrationState is the payload of an in-flight metadata enrichment run.
type HydrationState struct {
	TrackID string `json:"track_id"`
	Step    string `json:"step"`
}

// State is the sealed union of checkpoint payloads. Recovery dispatches on
// the concrete type so an unhandled operation is a compile-time hole, not a
// silent fallthrough.
type State interface {
	isState()
}

func (DownloadState) isState()  {}
func (TagWriteState) isState()  {}
func (HydrationState) isState() {}

// DecodeState deserializes a raw payload according to the operation type.
func DecodeState(op OperationType, raw json.RawMessage) (State, error) {
	switch op {
	case OpDownload:
		var s DownloadState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode download state: %w", err)
		}
		return s, nil
	case OpTagWrite:
		var s TagWriteState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode tag write state: %w", err)
		}
		return s, nil
	case OpHydration:
		var s HydrationState
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode hydration state: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown operation type: %s", op)
	}
}

// NewDownloadCheckpoint builds a pending checkpoint for a peer download.
func NewDownloadCheckpoint(state DownloadState) (*Checkpoint, error) {
	return newCheckpoint(OpDownload, state.FinalPath, PriorityDownload, state)
}

// NewTagWriteCheckpoint builds a pending checkpoint for an atomic tag write.
func NewTagWriteCheckpoint(state TagWriteState) (*Checkpoint, error) {
	return newCheckpoint(OpTagWrite, state.FilePath, PriorityTagWrite, state)
}

// NewHydrationCheckpoint builds a pending checkpoint for a hydration run.
func NewHydrationCheckpoint(state HydrationState) (*Checkpoint, error) {
	return newCheckpoint(OpHydration, state.TrackID, PriorityHydration, state)
}

func newCheckpoint(op OperationType, targetPath string, priority int, state State) (*Checkpoint, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s state: %w", op, err)
	}

	return &Checkpoint{
		ID:            uuid.New().String(),
		OperationType: op,
		TargetPath:    targetPath,
		StateJSON:     raw,
		Priority:      priority,
		FailureCount:  0,
		CreatedAt:     time.Now().UTC(),
		Status:        StatusPending,
	}, nil
}
