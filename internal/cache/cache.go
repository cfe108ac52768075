// Package cache implements the persistent source archive store.
//
// The cache is keyed by archive filename and shared across runs. An entry is
// either complete or absent: downloads land in a temporary file and are
// renamed into place only after the transfer finishes, so an interrupted
// download can never poison a later run.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"

	"github.com/smeltproject/smelt/internal/manifest"
)

// ErrDownload marks a failed archive transfer. Downloads are never retried.
var ErrDownload = errors.New("download failed")

// Entry is one archive present in the cache.
type Entry struct {
	Filename string
	Path     string
}

// Cache is the archive store rooted at Dir.
type Cache struct {
	Dir    string
	Client *http.Client
	Logger *slog.Logger
}

// New returns a cache rooted at dir.
func New(dir string, logger *slog.Logger) *Cache {
	return &Cache{Dir: dir, Client: http.DefaultClient, Logger: logger}
}

// Fetch ensures the component's archive is present in the cache and returns
// its entry. A file of the expected name already in the cache is a hit and
// causes no network transfer.
func (c *Cache) Fetch(ctx context.Context, component manifest.Component) (Entry, error) {
	entry := Entry{
		Filename: component.Archive,
		Path:     filepath.Join(c.Dir, component.Archive),
	}

	if _, err := os.Stat(entry.Path); err == nil {
		c.logger().Info("cache hit", "archive", entry.Filename)
		return entry, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Entry{}, fmt.Errorf("stat cache entry %s: %w", entry.Path, err)
	}

	size, err := c.download(ctx, component.URL, entry.Path)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %w", ErrDownload, component.URL, err)
	}

	c.logger().Info("downloaded source",
		"archive", entry.Filename,
		"size", humanize.Bytes(uint64(size)),
	)
	return entry, nil
}

// download transfers url into path atomically. The destination only appears
// once the full body has been written.
func (c *Cache) download(ctx context.Context, url, path string) (int64, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return 0, fmt.Errorf("create cache directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	pending, err := renameio.TempFile(c.Dir, path)
	if err != nil {
		return 0, fmt.Errorf("create pending file: %w", err)
	}
	defer pending.Cleanup()

	size, err := io.Copy(pending, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("transfer body: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("finalize cache entry: %w", err)
	}
	return size, nil
}

// CopyInto copies the entries into dir, preserving the cache. The copy keeps
// the persistent store intact even when the run-local stage is wiped.
func (c *Cache) CopyInto(dir string, entries []Entry) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stage input directory: %w", err)
	}

	for _, entry := range entries {
		dst := filepath.Join(dir, entry.Filename)
		if err := copyFile(entry.Path, dst); err != nil {
			return fmt.Errorf("copy %s into stage: %w", entry.Filename, err)
		}
	}
	return nil
}

func (c *Cache) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
