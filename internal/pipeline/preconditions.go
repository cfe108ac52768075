package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/smeltproject/smelt/internal/run"
)

// Precondition failure sentinels.
var (
	ErrMissingTool      = errors.New("required tool not found")
	ErrMissingLibrary   = errors.New("required development library not found")
	ErrInsufficientDisk = errors.New("insufficient free disk space")
)

// Preconditions verifies the host before any stage mutates state. All
// failures are collected and reported together rather than one at a time.
type Preconditions struct {
	// Tools are command names that must resolve through PATH.
	Tools []string
	// Libraries are pkg-config module names that must be installed.
	Libraries []string
	// MinFreeBytes is the free-space floor required on the volume that
	// will hold WorkDir. Zero disables the check.
	MinFreeBytes uint64
	WorkDir      string

	Runner run.Runner
	// LookPath defaults to exec.LookPath; tests substitute it.
	LookPath func(string) (string, error)
	Logger   *slog.Logger
}

// Check runs every probe and returns the aggregate of all failures.
func (p *Preconditions) Check(ctx context.Context) error {
	lookPath := p.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	var failures []error

	for _, tool := range p.Tools {
		if _, err := lookPath(tool); err != nil {
			failures = append(failures, fmt.Errorf("%w: %s", ErrMissingTool, tool))
		}
	}

	for _, library := range p.Libraries {
		cmd := run.Command{Name: "pkg-config", Args: []string{"--exists", library}}
		if _, err := p.Runner.Run(ctx, cmd); err != nil {
			failures = append(failures, fmt.Errorf("%w: %s", ErrMissingLibrary, library))
		}
	}

	if err := p.checkDiskSpace(); err != nil {
		failures = append(failures, err)
	}

	if len(failures) > 0 {
		return errors.Join(failures...)
	}
	p.logger().Info("preconditions satisfied",
		"tools", len(p.Tools),
		"libraries", len(p.Libraries),
	)
	return nil
}

// checkDiskSpace queries the filesystem that will hold the work directory.
// The work directory may not exist yet, so the probe walks up to the nearest
// existing ancestor.
func (p *Preconditions) checkDiskSpace() error {
	if p.MinFreeBytes == 0 || p.WorkDir == "" {
		return nil
	}

	probe := p.WorkDir
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(probe, &stat); err != nil {
		return fmt.Errorf("query free space at %s: %w", probe, err)
	}

	free := stat.Bavail * uint64(stat.Bsize)
	if free < p.MinFreeBytes {
		return fmt.Errorf("%w: %s free at %s, need %s",
			ErrInsufficientDisk,
			humanize.Bytes(free),
			probe,
			humanize.Bytes(p.MinFreeBytes),
		)
	}
	return nil
}

func (p *Preconditions) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
