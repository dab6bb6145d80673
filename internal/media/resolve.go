package media

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ResolveMediaPath converts an operator-supplied path into an absolute
// path, confined to the media root (plus /tmp for scratch files).
// Accepted forms:
//   - relative to the media root: "images/pic.png" or "./media/images/pic.png"
//   - absolute paths inside the media root or /tmp
func ResolveMediaPath(mediaRoot, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	var absPath string

	if strings.HasPrefix(path, "./media/") {
		subpath := strings.TrimPrefix(path, "./media/")
		absPath = filepath.Join(mediaRoot, subpath)
	} else if filepath.IsAbs(path) {
		absPath = filepath.Clean(path)
		if !strings.HasPrefix(absPath, mediaRoot) {
			if !strings.HasPrefix(absPath, "/tmp/") {
				return "", fmt.Errorf("path outside allowed directories: %s", path)
			}
		}
	} else {
		absPath = filepath.Join(mediaRoot, path)
	}

	absPath = filepath.Clean(absPath)

	// Joining could have walked out via ".." segments.
	if !strings.HasPrefix(absPath, mediaRoot) && !strings.HasPrefix(absPath, "/tmp/") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}

	return absPath, nil
}

// DetectMimeType detects the MIME type of a file by reading its content.
// Falls back to extension-based detection if content detection fails.
func DetectMimeType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// http.DetectContentType uses at most 512 bytes
	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return "", err
	}

	mimeType := http.DetectContentType(buf[:n])

	// Unknown content comes back application/octet-stream; try the
	// extension for formats the sniffer cannot name (silk, amr).
	if mimeType == "application/octet-stream" {
		if extMime := mimeFromExtension(path); extMime != "" {
			mimeType = extMime
		}
	}

	return mimeType, nil
}

// mimeFromExtension returns MIME type based on file extension.
func mimeFromExtension(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	// Images
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	// Audio
	case ".silk":
		return "audio/silk"
	case ".amr":
		return "audio/amr"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	// Documents
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return ""
	}
}

// EscapePath escapes a path for use in the {{media:mime:'path'}} syntax.
// Escapes single quotes and backslashes.
func EscapePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, "'", "\\'")
	return path
}

// UnescapePath reverses the escaping done by EscapePath.
func UnescapePath(path string) string {
	path = strings.ReplaceAll(path, "\\'", "'")
	path = strings.ReplaceAll(path, "\\\\", "\\")
	return path
}

// FileExists checks if a file exists and is not a directory.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
