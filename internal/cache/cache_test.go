package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/smeltproject/smelt/internal/manifest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchDownloadsOnce(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		io.WriteString(w, "archive body")
	}))
	defer server.Close()

	component := manifest.Component{
		Name:    "demo",
		Version: "1.0",
		URL:     server.URL + "/demo-1.0.tar.gz",
		Archive: "demo-1.0.tar.gz",
	}
	c := New(t.TempDir(), discardLogger())

	first, err := c.Fetch(context.Background(), component)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := c.Fetch(context.Background(), component)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if got := hits.Load(); got != 1 {
		t.Errorf("expected exactly one transfer, got %d", got)
	}
	if first.Path != second.Path {
		t.Errorf("entries disagree: %s vs %s", first.Path, second.Path)
	}

	body, err := os.ReadFile(first.Path)
	if err != nil {
		t.Fatalf("read cache entry: %v", err)
	}
	if string(body) != "archive body" {
		t.Errorf("unexpected cache entry body %q", body)
	}
}

func TestFetchFailureLeavesNoEntry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	component := manifest.Component{
		Name:    "demo",
		Version: "1.0",
		URL:     server.URL + "/demo-1.0.tar.gz",
		Archive: "demo-1.0.tar.gz",
	}
	dir := t.TempDir()
	c := New(dir, discardLogger())

	_, err := c.Fetch(context.Background(), component)
	if err == nil {
		t.Fatal("expected fetch error")
	}
	if !errors.Is(err, ErrDownload) {
		t.Errorf("error does not wrap ErrDownload: %v", err)
	}

	// The failed transfer must not leave a partial cache entry behind.
	if _, err := os.Stat(filepath.Join(dir, component.Archive)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("cache entry present after failed download: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("cache directory not empty after failure: %v", entries)
	}
}

func TestFetchInterruptedTransferLeavesNoEntry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Announce more bytes than are sent, then drop the connection.
		w.Header().Set("Content-Length", "1048576")
		io.WriteString(w, "truncated")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	component := manifest.Component{
		Name:    "demo",
		Version: "1.0",
		URL:     server.URL + "/demo-1.0.tar.gz",
		Archive: "demo-1.0.tar.gz",
	}
	dir := t.TempDir()
	c := New(dir, discardLogger())

	if _, err := c.Fetch(context.Background(), component); err == nil {
		t.Fatal("expected fetch error for interrupted transfer")
	}
	if _, err := os.Stat(filepath.Join(dir, component.Archive)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("cache entry present after interrupted download: %v", err)
	}
}

func TestCopyIntoPreservesCache(t *testing.T) {
	cacheDir := t.TempDir()
	stageDir := t.TempDir()

	entryPath := filepath.Join(cacheDir, "demo-1.0.tar.gz")
	if err := os.WriteFile(entryPath, []byte("archive"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := New(cacheDir, discardLogger())
	entries := []Entry{{Filename: "demo-1.0.tar.gz", Path: entryPath}}
	if err := c.CopyInto(stageDir, entries); err != nil {
		t.Fatalf("copy into stage: %v", err)
	}

	for _, path := range []string{entryPath, filepath.Join(stageDir, "demo-1.0.tar.gz")} {
		body, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(body) != "archive" {
			t.Errorf("unexpected body in %s: %q", path, body)
		}
	}
}
