// Package sysroot manages the staging root: the shared target filesystem
// tree every component installs into and the final image is derived from.
package sysroot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrMissingCriticalPath marks a critical path absent from the staging root.
var ErrMissingCriticalPath = errors.New("critical path missing from staging root")

// skeleton is the fixed directory layout recreated at the start of every run.
var skeleton = []string{
	"bin",
	"sbin",
	"lib",
	"usr/bin",
	"usr/sbin",
	"usr/lib",
	"usr/include",
	"usr/share",
	"etc/dinit.d/boot.d",
	"etc/dinit.d/scripts",
	"var/lib",
	"var/log",
	"var/tmp",
	"boot",
	"proc",
	"sys",
	"dev",
	"run",
	"tmp",
	"root",
}

// stickyDirs receive world-writable-sticky permissions after creation.
var stickyDirs = []string{"tmp", "var/tmp"}

// Root is a staging root at Dir.
type Root struct {
	Dir    string
	Logger *slog.Logger
}

// New returns a staging root handle for dir.
func New(dir string, logger *slog.Logger) *Root {
	return &Root{Dir: dir, Logger: logger}
}

// Recreate destroys any previous tree and rebuilds the fixed skeleton, so a
// run always starts from a known-empty target. The elevated permission bits
// are reapplied because MkdirAll filters them through the umask.
func (r *Root) Recreate() error {
	if err := os.RemoveAll(r.Dir); err != nil {
		return fmt.Errorf("remove previous staging root: %w", err)
	}

	for _, dir := range skeleton {
		if err := os.MkdirAll(filepath.Join(r.Dir, dir), 0o755); err != nil {
			return fmt.Errorf("create skeleton directory %s: %w", dir, err)
		}
	}
	for _, dir := range stickyDirs {
		if err := os.Chmod(filepath.Join(r.Dir, dir), 0o777|os.ModeSticky); err != nil {
			return fmt.Errorf("set permissions on %s: %w", dir, err)
		}
	}

	r.logger().Info("staging root recreated", "dir", r.Dir)
	return nil
}

// Path resolves an absolute in-root path to its location on the host.
func (r *Root) Path(rooted string) string {
	return filepath.Join(r.Dir, strings.TrimPrefix(rooted, "/"))
}

// ValidateCriticalPaths checks that every declared path exists in the root.
// The first missing path aborts the check; nothing is repaired.
func (r *Root) ValidateCriticalPaths(paths []string) error {
	for _, p := range paths {
		if _, err := os.Lstat(r.Path(p)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrMissingCriticalPath, p)
			}
			return fmt.Errorf("stat critical path %s: %w", p, err)
		}
	}
	r.logger().Info("staging root validated", "critical_paths", len(paths))
	return nil
}

func (r *Root) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
