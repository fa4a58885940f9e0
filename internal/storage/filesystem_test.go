package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreWriteAndRead(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	key, err := store.Write(ctx, "/generated/image/job-1/0.png", []byte("first"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if key != "generated/image/job-1/0.png" {
		t.Fatalf("key = %q", key)
	}
	if _, err := store.Write(ctx, key, []byte("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	data, err := store.Read(ctx, key)
	if err != nil || string(data) != "second" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	entries, _ := os.ReadDir(filepath.Join(store.BasePath(), "generated", "image", "job-1"))
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	for _, key := range []string{"", "../etc/passwd", "a/../../b", "."} {
		if _, err := sanitizeKey(key); err == nil {
			t.Fatalf("sanitizeKey(%q) expected error", key)
		}
	}
}

func TestFileStoreHandlerServesArtifacts(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, err := store.Write(context.Background(), "generated/video/j/0.mp4", []byte("bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec := httptest.NewRecorder()
	store.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/generated/video/j/0.mp4", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "bytes" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}
