package transfer

import (
	"context"
	"sync"
	"sync/atomic"
)

// Transfer is the live, in-memory context of one running download. Byte
// counters are updated by the worker goroutine and read by the stall
// monitor, so they are atomic.
type Transfer struct {
	ID             string
	Artist         string
	Title          string
	SourceUsername string

	totalBytes    int64
	bytesReceived atomic.Int64

	mu     sync.Mutex
	state  string
	cancel context.CancelFunc
}

// Snapshot is a point-in-time read-only view of a live transfer.
type Snapshot struct {
	ID             string `json:"id"`
	Artist         string `json:"artist"`
	Title          string `json:"title"`
	SourceUsername string `json:"source_username"`
	BytesReceived  int64  `json:"bytes_received"`
	TotalBytes     int64  `json:"total_bytes"`
	State          string `json:"state"`
}

// AddBytes records n received bytes.
func (t *Transfer) AddBytes(n int64) {
	t.bytesReceived.Add(n)
}

// BytesReceived returns the current received byte count.
func (t *Transfer) BytesReceived() int64 {
	return t.bytesReceived.Load()
}

// TotalBytes returns the expected size of the transfer.
func (t *Transfer) TotalBytes() int64 {
	return t.totalBytes
}

// SetState updates the lifecycle state of the transfer.
func (t *Transfer) SetState(state string) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// State returns the current lifecycle state.
func (t *Transfer) State() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cancel aborts the running download attempt, if any.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot captures the transfer's current counters and state.
func (t *Transfer) Snapshot() Snapshot {
	return Snapshot{
		ID:             t.ID,
		Artist:         t.Artist,
		Title:          t.Title,
		SourceUsername: t.SourceUsername,
		BytesReceived:  t.bytesReceived.Load(),
		TotalBytes:     t.totalBytes,
		State:          t.State(),
	}
}

// Registry tracks live transfers by id.
type Registry struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transfers: make(map[string]*Transfer)}
}

// Add registers a new live transfer for a job and binds its cancel func.
func (r *Registry) Add(job *Job, cancel context.CancelFunc) *Transfer {
	t := &Transfer{
		ID:             job.ID,
		Artist:         job.Artist,
		Title:          job.Title,
		SourceUsername: job.SourceUsername,
		totalBytes:     job.SizeBytes,
		state:          StatusDownloading,
		cancel:         cancel,
	}

	r.mu.Lock()
	r.transfers[job.ID] = t
	r.mu.Unlock()

	return t
}

// Remove drops a transfer from the registry once it leaves the active set.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.transfers, id)
	r.mu.Unlock()
}

// Get returns the live transfer for id, or nil.
func (r *Registry) Get(id string) *Transfer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transfers[id]
}

// Snapshots returns point-in-time views of all live transfers.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshots := make([]Snapshot, 0, len(r.transfers))
	for _, t := range r.transfers {
		snapshots = append(snapshots, t.Snapshot())
	}
	return snapshots
}
