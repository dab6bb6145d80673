package media

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roelfdiedericks/qqclaw/internal/config"
	. "github.com/roelfdiedericks/qqclaw/internal/logging"
	"github.com/roelfdiedericks/qqclaw/internal/paths"
)

const (
	// DefaultTTL keeps materialized attachments long enough for the
	// collaborator to pick them up across restarts.
	DefaultTTL = 72 * time.Hour

	// DefaultMaxBytes caps a single stored or fetched file.
	DefaultMaxBytes = 32 * 1024 * 1024

	cleanupIntervalDivisor = 2
)

// MediaStore holds materialized attachment files under per-kind
// subdirectories (images/, voice/) with TTL-based cleanup.
type MediaStore struct {
	baseDir string
	ttl     time.Duration
	maxSize int64
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex // serializes saves
}

// NewMediaStore creates a store rooted at cfg.Dir (or the default media
// dir when empty) and ensures the directory exists.
func NewMediaStore(cfg config.MediaConfig) (*MediaStore, error) {
	dir := cfg.Dir
	if dir == "" {
		var err error
		dir, err = paths.MediaDir()
		if err != nil {
			return nil, err
		}
	}
	dir, err := paths.ExpandTilde(dir)
	if err != nil {
		return nil, err
	}
	dir = filepath.Clean(dir)

	ttl := time.Duration(cfg.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxSize := cfg.MaxSizeMB * 1024 * 1024
	if maxSize <= 0 {
		maxSize = DefaultMaxBytes
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}

	store := &MediaStore{
		baseDir: dir,
		ttl:     ttl,
		maxSize: maxSize,
		stopCh:  make(chan struct{}),
	}

	L_info("media: store initialized", "dir", dir, "ttl", ttl.String(), "maxSize", maxSize)
	return store, nil
}

// Start begins the background TTL cleanup goroutine.
func (s *MediaStore) Start() {
	cleanupInterval := s.ttl / cleanupIntervalDivisor
	if cleanupInterval < time.Minute {
		cleanupInterval = time.Minute
	}

	L_debug("media: starting cleanup goroutine", "interval", cleanupInterval.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		if err := s.cleanOld(); err != nil {
			L_warn("media: initial cleanup error", "error", err)
		}

		for {
			select {
			case <-ticker.C:
				if err := s.cleanOld(); err != nil {
					L_warn("media: cleanup error", "error", err)
				}
			case <-s.stopCh:
				L_debug("media: cleanup goroutine stopped")
				return
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to finish.
func (s *MediaStore) Close() {
	close(s.stopCh)
	s.wg.Wait()
	L_debug("media: store closed")
}

// Store writes data under the kind subdirectory with a unique name that
// keeps the original filename recognizable. Returns the absolute path.
func (s *MediaStore) Store(kind, filename string, data []byte) (string, error) {
	if int64(len(data)) > s.maxSize {
		return "", fmt.Errorf("file size %d exceeds limit %d", len(data), s.maxSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.baseDir, kind)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create subdirectory: %w", err)
	}

	id := uuid.New().String()[:8]
	absPath := filepath.Join(dir, id+"-"+safeFilename(filename))

	if err := os.WriteFile(absPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	L_debug("media: saved file", "path", absPath, "size", len(data), "kind", kind)
	return absPath, nil
}

// BaseDir returns the base directory of the media store.
func (s *MediaStore) BaseDir() string {
	return s.baseDir
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// safeFilename flattens an attachment filename to something that cannot
// escape the store or confuse a shell. The extension survives so type
// detection by name still works; CJK stems collapse to "file".
func safeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	stem = unsafeFilenameChars.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._")
	if stem == "" {
		stem = "file"
	}
	if len(stem) > 64 {
		stem = stem[:64]
	}
	ext = unsafeFilenameChars.ReplaceAllString(ext, "")
	return stem + ext
}

// cleanOld removes files older than the TTL from every kind directory.
func (s *MediaStore) cleanOld() error {
	now := time.Now()
	cutoff := now.Add(-s.ttl)
	removedCount := 0

	err := filepath.Walk(s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				L_trace("media: failed to remove expired file", "path", path, "error", err)
			} else {
				removedCount++
				L_trace("media: removed expired file", "path", path, "age", now.Sub(info.ModTime()).String())
			}
		}
		return nil
	})

	if removedCount > 0 {
		L_debug("media: cleanup completed", "removed", removedCount)
	}
	return err
}
