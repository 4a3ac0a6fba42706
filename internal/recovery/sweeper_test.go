package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/soulstream/backend/internal/journal"
)

// fakeJournal is an in-memory checkpoint store.
type fakeJournal struct {
	mu          sync.Mutex
	checkpoints map[string]*journal.Checkpoint
	completeErr error
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{checkpoints: make(map[string]*journal.Checkpoint)}
}

func (f *fakeJournal) add(cp *journal.Checkpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *cp
	f.checkpoints[cp.ID] = &clone
}

func (f *fakeJournal) get(id string) *journal.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoints[id]
}

func (f *fakeJournal) Upsert(ctx context.Context, cp *journal.Checkpoint) error {
	f.add(cp)
	return nil
}

func (f *fakeJournal) Pending(ctx context.Context) ([]*journal.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var pending []*journal.Checkpoint
	for _, cp := range f.checkpoints {
		if cp.Status == journal.StatusPending {
			pending = append(pending, cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (f *fakeJournal) Complete(ctx context.Context, id string) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cp, ok := f.checkpoints[id]; ok {
		cp.Status = journal.StatusCompleted
	}
	return nil
}

func (f *fakeJournal) PruneStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var n int64
	for _, cp := range f.checkpoints {
		if cp.Status == journal.StatusPending && cp.CreatedAt.Before(cutoff) {
			cp.Status = journal.StatusCompleted
			n++
		}
	}
	return n, nil
}

type fakeVerifier struct {
	valid bool
	err   error
	calls int
}

func (f *fakeVerifier) VerifyAudioFormat(ctx context.Context, path string) (bool, error) {
	f.calls++
	return f.valid, f.err
}

type fakeDeadLetters struct {
	records []*journal.Checkpoint
	err     error
}

func (f *fakeDeadLetters) Write(cp *journal.Checkpoint) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, cp)
	return nil
}

func downloadCheckpoint(t *testing.T, state journal.DownloadState) *journal.Checkpoint {
	t.Helper()
	cp, err := journal.NewDownloadCheckpoint(state)
	if err != nil {
		t.Fatalf("Failed to build checkpoint: %v", err)
	}
	return cp
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
}

func TestSweeper_EmptyJournal(t *testing.T) {
	j := newFakeJournal()
	sweeper := NewSweeper(j, &fakeVerifier{valid: true}, &fakeDeadLetters{})

	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats != (Stats{}) {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
}

func TestSweeper_ResumeCompleteDownload(t *testing.T) {
	dir := t.TempDir()
	partPath := filepath.Join(dir, "track.part")
	finalPath := filepath.Join(dir, "library", "track.mp3")
	writeFile(t, partPath, 1000)

	j := newFakeJournal()
	cp := downloadCheckpoint(t, journal.DownloadState{
		Artist:            "Boards of Canada",
		Title:             "Roygbiv",
		PartFilePath:      partPath,
		FinalPath:         finalPath,
		ExpectedSizeBytes: 1000,
	})
	j.add(cp)

	verifier := &fakeVerifier{valid: true}
	sweeper := NewSweeper(j, verifier, &fakeDeadLetters{})

	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.Resumed != 1 {
		t.Errorf("Expected 1 resumed, got %d", stats.Resumed)
	}
	if verifier.calls != 1 {
		t.Errorf("Expected 1 verification, got %d", verifier.calls)
	}
	if _, err := os.Stat(finalPath); err != nil {
		t.Errorf("Final file should exist: %v", err)
	}
	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Error("Part file should be gone after rename")
	}
	if j.get(cp.ID).Status != journal.StatusCompleted {
		t.Error("Checkpoint should be completed")
	}
}

func TestSweeper_ReplacesExistingFinalFile(t *testing.T) {
	dir := t.TempDir()
	partPath := filepath.Join(dir, "track.part")
	finalPath := filepath.Join(dir, "track.mp3")
	writeFile(t, partPath, 500)
	writeFile(t, finalPath, 10)

	j := newFakeJournal()
	j.add(downloadCheckpoint(t, journal.DownloadState{
		PartFilePath:      partPath,
		FinalPath:         finalPath,
		ExpectedSizeBytes: 500,
	}))

	sweeper := NewSweeper(j, &fakeVerifier{valid: true}, &fakeDeadLetters{})
	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.Resumed != 1 {
		t.Errorf("Expected 1 resumed, got %d", stats.Resumed)
	}
	info, err := os.Stat(finalPath)
	if err != nil {
		t.Fatalf("Final file should exist: %v", err)
	}
	if info.Size() != 500 {
		t.Errorf("Final file should be the renamed part file, size = %d", info.Size())
	}
}

func TestSweeper_PartialDownloadStaysPending(t *testing.T) {
	dir := t.TempDir()
	partPath := filepath.Join(dir, "track.part")
	writeFile(t, partPath, 500)

	j := newFakeJournal()
	cp := downloadCheckpoint(t, journal.DownloadState{
		PartFilePath:      partPath,
		FinalPath:         filepath.Join(dir, "track.mp3"),
		ExpectedSizeBytes: 1000,
	})
	j.add(cp)

	verifier := &fakeVerifier{valid: true}
	sweeper := NewSweeper(j, verifier, &fakeDeadLetters{})

	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats != (Stats{}) {
		t.Errorf("Expected zero stats for partial download, got %+v", stats)
	}
	if verifier.calls != 0 {
		t.Error("Verifier should not run for a partial download")
	}
	if j.get(cp.ID).Status != journal.StatusPending {
		t.Error("Checkpoint should survive to the next session")
	}
	if _, err := os.Stat(partPath); err != nil {
		t.Errorf("Part file should be untouched: %v", err)
	}
}

func TestSweeper_OrphanedCheckpointCleaned(t *testing.T) {
	dir := t.TempDir()

	j := newFakeJournal()
	cp := downloadCheckpoint(t, journal.DownloadState{
		PartFilePath:      filepath.Join(dir, "missing.part"),
		FinalPath:         filepath.Join(dir, "track.mp3"),
		ExpectedSizeBytes: 1000,
	})
	j.add(cp)

	sweeper := NewSweeper(j, &fakeVerifier{valid: true}, &fakeDeadLetters{})
	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.Cleaned != 1 {
		t.Errorf("Expected 1 cleaned, got %d", stats.Cleaned)
	}
	if j.get(cp.ID).Status != journal.StatusCompleted {
		t.Error("Orphaned checkpoint should be completed")
	}
}

func TestSweeper_InvalidFormatDeleted(t *testing.T) {
	dir := t.TempDir()
	partPath := filepath.Join(dir, "track.part")
	writeFile(t, partPath, 1000)

	j := newFakeJournal()
	cp := downloadCheckpoint(t, journal.DownloadState{
		PartFilePath:      partPath,
		FinalPath:         filepath.Join(dir, "track.mp3"),
		ExpectedSizeBytes: 1000,
	})
	j.add(cp)

	sweeper := NewSweeper(j, &fakeVerifier{valid: false}, &fakeDeadLetters{})
	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.Cleaned != 1 {
		t.Errorf("Expected 1 cleaned, got %d", stats.Cleaned)
	}
	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Error("Invalid part file should be deleted")
	}
	if j.get(cp.ID).Status != journal.StatusCompleted {
		t.Error("Checkpoint should be completed")
	}
}

func TestSweeper_DeadLetterAtFailureBudget(t *testing.T) {
	dir := t.TempDir()
	partPath := filepath.Join(dir, "track.part")
	writeFile(t, partPath, 1000)

	j := newFakeJournal()
	cp := downloadCheckpoint(t, journal.DownloadState{
		PartFilePath:      partPath,
		FinalPath:         filepath.Join(dir, "track.mp3"),
		ExpectedSizeBytes: 1000,
	})
	cp.FailureCount = 3
	j.add(cp)

	verifier := &fakeVerifier{valid: true}
	deadLetters := &fakeDeadLetters{}
	sweeper := NewSweeper(j, verifier, deadLetters)

	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.DeadLettered != 1 {
		t.Errorf("Expected 1 dead-lettered, got %d", stats.DeadLettered)
	}
	if verifier.calls != 0 {
		t.Error("No recovery logic should run for a dead-lettered checkpoint")
	}
	if len(deadLetters.records) != 1 {
		t.Fatalf("Expected 1 dead letter record, got %d", len(deadLetters.records))
	}
	rec := deadLetters.records[0]
	if rec.OperationType != journal.OpDownload || rec.FailureCount != 3 {
		t.Errorf("Dead letter record mismatch: type=%s failures=%d", rec.OperationType, rec.FailureCount)
	}
	if j.get(cp.ID).Status != journal.StatusCompleted {
		t.Error("Dead-lettered checkpoint should be completed")
	}
	if _, err := os.Stat(partPath); err != nil {
		t.Errorf("Dead-lettering should not touch the part file: %v", err)
	}
}

func TestSweeper_StaleCheckpointsPrunedFirst(t *testing.T) {
	j := newFakeJournal()

	// Old enough to prune, and with an exhausted failure budget: pruning
	// must win, so it never reaches the dead letter log.
	cp := downloadCheckpoint(t, journal.DownloadState{
		PartFilePath: "/nowhere/track.part",
		FinalPath:    "/nowhere/track.mp3",
	})
	cp.FailureCount = 5
	cp.CreatedAt = time.Now().Add(-25 * time.Hour)
	j.add(cp)

	deadLetters := &fakeDeadLetters{}
	sweeper := NewSweeper(j, &fakeVerifier{valid: true}, deadLetters)

	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats != (Stats{}) {
		t.Errorf("Pruned checkpoints should not be tallied, got %+v", stats)
	}
	if len(deadLetters.records) != 0 {
		t.Error("Pruned checkpoint should never be dead-lettered")
	}
	if j.get(cp.ID).Status != journal.StatusCompleted {
		t.Error("Stale checkpoint should be pruned")
	}
}

func TestSweeper_PathTraversalDiscarded(t *testing.T) {
	j := newFakeJournal()
	cp := downloadCheckpoint(t, journal.DownloadState{
		PartFilePath:      "/data/../etc/passwd.part",
		FinalPath:         "/data/track.mp3",
		ExpectedSizeBytes: 1000,
	})
	j.add(cp)

	verifier := &fakeVerifier{valid: true}
	sweeper := NewSweeper(j, verifier, &fakeDeadLetters{})

	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats != (Stats{}) {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
	if verifier.calls != 0 {
		t.Error("Suspicious checkpoint should not reach verification")
	}
	if j.get(cp.ID).Status != journal.StatusCompleted {
		t.Error("Suspicious checkpoint should be discarded")
	}
}

func TestSweeper_UnreadablePayloadDiscarded(t *testing.T) {
	j := newFakeJournal()
	cp := &journal.Checkpoint{
		ID:            "garbled",
		OperationType: journal.OpDownload,
		TargetPath:    "/data/track.mp3",
		StateJSON:     json.RawMessage(`{不valid`),
		CreatedAt:     time.Now(),
		Status:        journal.StatusPending,
	}
	j.add(cp)

	sweeper := NewSweeper(j, &fakeVerifier{valid: true}, &fakeDeadLetters{})
	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats != (Stats{}) {
		t.Errorf("Expected zero stats, got %+v", stats)
	}
	if j.get("garbled").Status != journal.StatusCompleted {
		t.Error("Unreadable checkpoint should be discarded")
	}
}

func TestSweeper_TagWriteTempCleanup(t *testing.T) {
	dir := t.TempDir()
	tempPath := filepath.Join(dir, "track.mp3.tmp")
	writeFile(t, tempPath, 100)

	j := newFakeJournal()
	cp, err := journal.NewTagWriteCheckpoint(journal.TagWriteState{
		FilePath: filepath.Join(dir, "track.mp3"),
		TempPath: tempPath,
	})
	if err != nil {
		t.Fatalf("Failed to build checkpoint: %v", err)
	}
	j.add(cp)

	sweeper := NewSweeper(j, &fakeVerifier{valid: true}, &fakeDeadLetters{})
	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.Cleaned != 1 {
		t.Errorf("Expected 1 cleaned, got %d", stats.Cleaned)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Error("Temp file should be deleted")
	}
	if j.get(cp.ID).Status != journal.StatusCompleted {
		t.Error("Tag write checkpoint should be completed")
	}
}

func TestSweeper_TagWriteWithoutTempFile(t *testing.T) {
	j := newFakeJournal()
	cp, err := journal.NewTagWriteCheckpoint(journal.TagWriteState{
		FilePath: "/data/track.mp3",
		TempPath: "/data/track.mp3.tmp",
	})
	if err != nil {
		t.Fatalf("Failed to build checkpoint: %v", err)
	}
	j.add(cp)

	sweeper := NewSweeper(j, &fakeVerifier{valid: true}, &fakeDeadLetters{})
	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.Cleaned != 0 {
		t.Errorf("Nothing to clean, got cleaned = %d", stats.Cleaned)
	}
	if j.get(cp.ID).Status != journal.StatusCompleted {
		t.Error("Tag write checkpoint should be completed")
	}
}

func TestSweeper_HydrationCleaned(t *testing.T) {
	j := newFakeJournal()
	cp, err := journal.NewHydrationCheckpoint(journal.HydrationState{
		TrackID: "track-1",
		Step:    "lookup",
	})
	if err != nil {
		t.Fatalf("Failed to build checkpoint: %v", err)
	}
	j.add(cp)

	sweeper := NewSweeper(j, &fakeVerifier{valid: true}, &fakeDeadLetters{})
	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.Cleaned != 1 {
		t.Errorf("Expected 1 cleaned, got %d", stats.Cleaned)
	}
	if j.get(cp.ID).Status != journal.StatusCompleted {
		t.Error("Hydration checkpoint should be completed")
	}
}

func TestSweeper_FailureIsolation(t *testing.T) {
	dir := t.TempDir()

	// First checkpoint fails verification with an error; the second is a
	// clean orphan. Both must be processed.
	badPart := filepath.Join(dir, "bad.part")
	writeFile(t, badPart, 1000)

	j := newFakeJournal()
	bad := downloadCheckpoint(t, journal.DownloadState{
		PartFilePath:      badPart,
		FinalPath:         filepath.Join(dir, "bad.mp3"),
		ExpectedSizeBytes: 1000,
	})
	bad.Priority = journal.PriorityDownload + 1
	j.add(bad)

	orphan := downloadCheckpoint(t, journal.DownloadState{
		PartFilePath:      filepath.Join(dir, "missing.part"),
		FinalPath:         filepath.Join(dir, "ok.mp3"),
		ExpectedSizeBytes: 1000,
	})
	j.add(orphan)

	sweeper := NewSweeper(j, &fakeVerifier{err: errors.New("probe crashed")}, &fakeDeadLetters{})
	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}
	if stats.Cleaned != 1 {
		t.Errorf("Expected 1 cleaned, got %d", stats.Cleaned)
	}

	updated := j.get(bad.ID)
	if updated.FailureCount != 1 {
		t.Errorf("Expected failure count 1, got %d", updated.FailureCount)
	}
	if updated.Status != journal.StatusPending {
		t.Error("Failed checkpoint should remain pending")
	}
}

func TestSweeper_FailureBudgetReachesDeadLetter(t *testing.T) {
	dir := t.TempDir()
	partPath := filepath.Join(dir, "track.part")
	writeFile(t, partPath, 1000)

	j := newFakeJournal()
	cp := downloadCheckpoint(t, journal.DownloadState{
		PartFilePath:      partPath,
		FinalPath:         filepath.Join(dir, "track.mp3"),
		ExpectedSizeBytes: 1000,
	})
	j.add(cp)

	deadLetters := &fakeDeadLetters{}
	sweeper := NewSweeper(j, &fakeVerifier{err: errors.New("probe crashed")}, deadLetters)

	// Three failing sweeps exhaust the budget; the fourth dead-letters.
	for i := 0; i < 3; i++ {
		stats, err := sweeper.Run(context.Background())
		if err != nil {
			t.Fatalf("Run %d failed: %v", i, err)
		}
		if stats.Failed != 1 {
			t.Fatalf("Run %d: expected 1 failed, got %d", i, stats.Failed)
		}
	}

	stats, err := sweeper.Run(context.Background())
	if err != nil {
		t.Fatalf("Final run failed: %v", err)
	}
	if stats.DeadLettered != 1 {
		t.Errorf("Expected 1 dead-lettered, got %d", stats.DeadLettered)
	}
	if len(deadLetters.records) != 1 {
		t.Errorf("Expected 1 dead letter record, got %d", len(deadLetters.records))
	}
}

func TestHasTraversal(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"/data/downloads/track.part", false},
		{"/data/../etc/passwd", true},
		{"../track.part", true},
		{"downloads/..hidden/track.part", false},
		{"downloads/track..part", false},
		{"..", true},
	}

	for _, tt := range tests {
		if got := hasTraversal(tt.path); got != tt.expected {
			t.Errorf("hasTraversal(%q) = %v, want %v", tt.path, got, tt.expected)
		}
	}
}
