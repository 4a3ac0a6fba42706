package transfer

import (
	"time"
)

// Job status constants representing the transfer lifecycle
const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusFinalizing  = "finalizing"
	StatusComplete    = "complete"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// Job represents a queued peer download request
type Job struct {
	ID             string     `json:"id"`
	Artist         string     `json:"artist"`
	Title          string     `json:"title"`
	SourceUsername string     `json:"source_username"`
	RemotePath     string     `json:"remote_path"`
	FinalPath      string     `json:"final_path"`
	SizeBytes      int64      `json:"size_bytes"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	RetryCount     int        `json:"retry_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.Status == StatusComplete || j.Status == StatusFailed || j.Status == StatusCancelled
}

// CanRetry returns true if the job can be retried
func (j *Job) CanRetry(maxRetries int) bool {
	return j.Status == StatusFailed && j.RetryCount < maxRetries
}
