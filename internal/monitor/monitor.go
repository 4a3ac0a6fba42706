// Package monitor watches live transfers for byte-level stalls and triggers
// a retry before the user notices a hang.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soulstream/backend/internal/logger"
	"github.com/soulstream/backend/internal/transfer"
)

const (
	// DefaultInterval is the tick period of the health check.
	DefaultInterval = 15 * time.Second

	// stallThreshold is how many consecutive no-progress ticks a transfer
	// gets before intervention.
	stallThreshold = 4

	// lateStallThreshold applies once a transfer is past lateStageRatio of
	// its expected size; finalization can legitimately pause I/O, so
	// late-stage transfers get more slack.
	lateStallThreshold = 8

	lateStageRatio = 0.9
)

// Manager is the slice of the transfer manager the monitor needs.
type Manager interface {
	ActiveDownloads() []transfer.Snapshot
	RetryStalled(ctx context.Context, id string, stalledFor time.Duration) error
}

// StallMonitor samples live transfer byte counters on a fixed period and
// intervenes on transfers that stop making progress. Ticks never overlap:
// a tick runs to completion before the next is considered.
type StallMonitor struct {
	manager  Manager
	interval time.Duration
	log      *logger.Logger

	// Stall-tracking state. Ephemeral: it has no meaning across a restart
	// and is never persisted. Mutated only by the tick goroutine; the mutex
	// guards incidental external reads via Snapshot.
	stateMu    sync.Mutex
	stallTicks map[string]int
	lastBytes  map[string]int64

	wg       sync.WaitGroup
	stopChan chan struct{}
	mu       sync.RWMutex
	running  bool
}

// New creates a stall monitor over the given manager. A non-positive
// interval falls back to the default.
func New(manager Manager, interval time.Duration) *StallMonitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &StallMonitor{
		manager:    manager,
		interval:   interval,
		log:        logger.Default().WithComponent("monitor"),
		stallTicks: make(map[string]int),
		lastBytes:  make(map[string]int64),
		stopChan:   make(chan struct{}),
	}
}

// Start launches the periodic health check loop.
func (m *StallMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.running = true
	m.stopChan = make(chan struct{})

	m.wg.Add(1)
	go m.loop()

	m.log.Info(context.Background(), "stall monitor started", map[string]interface{}{
		"interval": m.interval.String(),
	})
}

// Stop cancels the loop and waits for it to return. Cancellation is
// cooperative: the loop stops at the timer wait, never mid-intervention.
func (m *StallMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log.Info(ctx, "stall monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns whether the monitor loop is active.
func (m *StallMonitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *StallMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.checkHealth(context.Background())
		}
	}
}

// checkHealth runs one complete health check over the active transfers.
func (m *StallMonitor) checkHealth(ctx context.Context) {
	var active []transfer.Snapshot
	for _, snap := range m.manager.ActiveDownloads() {
		if snap.State == transfer.StatusDownloading {
			active = append(active, snap)
		}
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	// Drop tracking state for transfers that left the active set before any
	// scoring runs, so finished transfers are never evaluated.
	activeIDs := make(map[string]bool, len(active))
	for _, snap := range active {
		activeIDs[snap.ID] = true
	}
	for id := range m.stallTicks {
		if !activeIDs[id] {
			delete(m.stallTicks, id)
		}
	}
	for id := range m.lastBytes {
		if !activeIDs[id] {
			delete(m.lastBytes, id)
		}
	}

	for _, snap := range active {
		m.evaluate(ctx, snap)
	}
}

// evaluate scores one transfer for this tick. Intervention failures are
// contained here so the tick continues with the remaining transfers.
func (m *StallMonitor) evaluate(ctx context.Context, snap transfer.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(ctx, "panic during stall evaluation", fmt.Errorf("%v", r), map[string]interface{}{
				"transfer_id": snap.ID,
			})
		}
	}()

	current := snap.BytesReceived
	previous, seen := m.lastBytes[snap.ID]
	if !seen {
		previous = current
	}
	m.lastBytes[snap.ID] = current

	delta := current - previous
	if delta > 0 {
		// Progress wipes the slate: a transfer that stalls once and
		// recovers is not penalized for its history.
		m.stallTicks[snap.ID] = 0
		return
	}

	m.stallTicks[snap.ID]++

	threshold := stallThreshold
	if snap.TotalBytes > 0 && float64(current) > lateStageRatio*float64(snap.TotalBytes) {
		threshold = lateStallThreshold
	}

	if m.stallTicks[snap.ID] < threshold {
		return
	}

	stalledFor := time.Duration(m.stallTicks[snap.ID]) * m.interval
	if err := m.manager.RetryStalled(ctx, snap.ID, stalledFor); err != nil {
		m.log.Error(ctx, "stall intervention failed", err, map[string]interface{}{
			"transfer_id": snap.ID,
		})
	}
	// Clear the stall count but keep the byte baseline, so a slow restart
	// after the retry is not immediately flagged as still stalled.
	delete(m.stallTicks, snap.ID)
}

// Snapshot returns a copy of the current stall counts, keyed by transfer id.
func (m *StallMonitor) Snapshot() map[string]int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	out := make(map[string]int, len(m.stallTicks))
	for id, ticks := range m.stallTicks {
		out[id] = ticks
	}
	return out
}
