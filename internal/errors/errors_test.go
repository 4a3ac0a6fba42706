package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := JournalError("checkpoint upsert failed")
	if err.Error() != "JOURNAL_ERROR: checkpoint upsert failed" {
		t.Errorf("unexpected error string: %s", err.Error())
	}

	withCause := JournalError("checkpoint upsert failed").WithCause(errors.New("connection refused"))
	want := "JOURNAL_ERROR: checkpoint upsert failed (caused by: connection refused)"
	if withCause.Error() != want {
		t.Errorf("unexpected error string: %s", withCause.Error())
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := StorageError("upload failed").WithCause(cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("errors.As should find the AppError through wrapping")
	}
	if appErr.Code != CodeStorageError {
		t.Errorf("expected code %s, got %s", CodeStorageError, appErr.Code)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transfer error", TransferError("peer vanished"), true},
		{"hydration error", HydrationError("search failed"), true},
		{"external timeout", ExternalTimeout("musicbrainz"), true},
		{"internal error", InternalError("oops"), true},
		{"journal error", JournalError("upsert failed"), false},
		{"database error", DatabaseError("query failed"), false},
		{"validation error", ValidationError("missing artist"), false},
		{"plain error", errors.New("whatever"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ValidationError("artist is required"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error.Code != CodeValidationError {
		t.Errorf("expected code %s, got %s", CodeValidationError, resp.Error.Code)
	}
	if resp.Error.Message != "artist is required" {
		t.Errorf("unexpected message: %s", resp.Error.Message)
	}
}

func TestWriteError_WrapsUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("something broke"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Error.Code != CodeInternalError {
		t.Errorf("expected code %s, got %s", CodeInternalError, resp.Error.Code)
	}
	if resp.Error.Message == "something broke" {
		t.Error("internal error details should not leak to the client")
	}
}
