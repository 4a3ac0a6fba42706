// Package deadletter appends checkpoints that exhausted their recovery
// budget to a log for manual inspection.
package deadletter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/soulstream/backend/internal/journal"
)

const fileName = "dead_letter.log"

// Writer appends dead-letter records to a fixed file under the data dir.
// One line per event; the file is never rewritten.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter creates a writer rooted at the application data directory.
func NewWriter(dataDir string) (*Writer, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return &Writer{path: filepath.Join(dataDir, fileName)}, nil
}

// Path returns the location of the dead-letter log.
func (w *Writer) Path() string {
	return w.path
}

// Write appends a record for the given checkpoint.
func (w *Writer) Write(cp *journal.Checkpoint) error {
	line := fmt.Sprintf("%s DEAD_LETTER type=%s target=%s failures=%d state=%s\n",
		time.Now().UTC().Format(time.RFC3339),
		cp.OperationType, cp.TargetPath, cp.FailureCount, string(cp.StateJSON),
	)

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open dead letter log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append dead letter record: %w", err)
	}
	return nil
}
