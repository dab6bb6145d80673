package media

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roelfdiedericks/qqclaw/internal/config"
)

func testStore(t *testing.T) *MediaStore {
	t.Helper()
	store, err := NewMediaStore(config.MediaConfig{Dir: t.TempDir(), TTLHours: 1, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewMediaStore: %v", err)
	}
	return store
}

func TestStoreWritesUnderKindDir(t *testing.T) {
	store := testStore(t)

	path, err := store.Store("images", "photo.jpg", []byte("jpegbytes"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if filepath.Dir(path) != filepath.Join(store.BaseDir(), "images") {
		t.Errorf("stored outside kind dir: %s", path)
	}
	if !strings.HasSuffix(path, "-photo.jpg") {
		t.Errorf("original filename lost: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if !bytes.Equal(data, []byte("jpegbytes")) {
		t.Error("stored bytes differ")
	}
}

func TestStoreUniqueNames(t *testing.T) {
	store := testStore(t)

	first, err := store.Store("voice", "msg.wav", []byte("a"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	second, err := store.Store("voice", "msg.wav", []byte("b"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if first == second {
		t.Errorf("same path for two saves: %s", first)
	}
}

func TestStoreRejectsOversize(t *testing.T) {
	store := &MediaStore{baseDir: t.TempDir(), maxSize: 8}
	if _, err := store.Store("images", "big.bin", make([]byte, 9)); err == nil {
		t.Fatal("Store accepted oversize data")
	}
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "photo.jpg", want: "photo.jpg"},
		{name: "path stripped", in: "../../etc/passwd", want: "passwd"},
		{name: "spaces and shell chars", in: "my file$(x).png", want: "my_file_x.png"},
		{name: "cjk stem keeps extension", in: "图片.jpg", want: "file.jpg"},
		{name: "empty", in: "", want: "file"},
		{name: "dot dot", in: "..", want: "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := safeFilename(tt.in); got != tt.want {
				t.Errorf("safeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFetchDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("attachment-bytes"))
	}))
	defer srv.Close()

	store := &MediaStore{baseDir: t.TempDir(), maxSize: 1024}
	data, err := store.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "attachment-bytes" {
		t.Errorf("Fetch returned %q", data)
	}
}

func TestFetchEnforcesSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	store := &MediaStore{baseDir: t.TempDir(), maxSize: 64}
	if _, err := store.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("Fetch accepted oversize body")
	}
}

func TestFetchRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	store := &MediaStore{baseDir: t.TempDir(), maxSize: 1024}
	if _, err := store.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("Fetch accepted 404 response")
	}
}

func TestCleanOldRemovesExpired(t *testing.T) {
	store := testStore(t)

	oldPath, err := store.Store("images", "old.png", []byte("old"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	freshPath, err := store.Store("images", "fresh.png", []byte("fresh"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	past := time.Now().Add(-2 * store.ttl)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := store.cleanOld(); err != nil {
		t.Fatalf("cleanOld: %v", err)
	}

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("expired file survived cleanup")
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Errorf("fresh file removed: %v", err)
	}
}
