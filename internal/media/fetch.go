package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	. "github.com/roelfdiedericks/qqclaw/internal/logging"
)

// DownloadTimeout is the maximum time to wait for an attachment fetch.
// Attachment URLs are short-lived CDN links, so slow is as good as dead.
const DownloadTimeout = 30 * time.Second

// Fetch downloads an attachment URL, enforcing the per-file size cap.
func (s *MediaStore) Fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid attachment url: %w", err)
	}

	client := &http.Client{Timeout: DownloadTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download attachment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}
	if resp.ContentLength > s.maxSize {
		return nil, fmt.Errorf("attachment size %d exceeds limit %d", resp.ContentLength, s.maxSize)
	}

	// Read one byte past the cap so truncation is detectable even when
	// the server omits Content-Length.
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("attachment exceeds limit %d", s.maxSize)
	}

	L_trace("media: fetched attachment", "url", url, "bytes", len(data))
	return data, nil
}
