// Package peer fetches files from remote peers. The current implementation
// speaks plain HTTP with range resume; the transfer manager only depends on
// the Downloader contract, so a native peer protocol can replace this
// without touching the lifecycle machinery.
package peer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/soulstream/backend/internal/transfer"
)

const copyChunkSize = 64 * 1024

// Downloader streams remote files to disk, reporting progress through the
// live transfer's byte counter.
type Downloader struct {
	client *http.Client
}

// NewDownloader creates a downloader with a long transfer timeout; per-job
// deadlines come from the worker pool's context.
func NewDownloader() *Downloader {
	return &Downloader{
		client: &http.Client{
			Timeout: 0,
		},
	}
}

// Download fetches job.RemotePath into partPath, resuming from whatever is
// already on disk. Cancellation of ctx aborts the copy mid-stream.
func (d *Downloader) Download(ctx context.Context, job *transfer.Job, live *transfer.Transfer, partPath string) error {
	var offset int64
	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.RemotePath, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("peer request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Peer ignored the range header; start over.
		offset = 0
	case http.StatusPartialContent:
	default:
		return fmt.Errorf("peer returned %s", resp.Status)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open part file: %w", err)
	}
	defer f.Close()

	if offset > 0 {
		// Count resumed bytes toward progress so the stall monitor sees
		// the true position.
		live.AddBytes(offset)
	}

	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("failed to write part file: %w", writeErr)
			}
			live.AddBytes(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("peer stream failed: %w", readErr)
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync part file: %w", err)
	}
	return nil
}
