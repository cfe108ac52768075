// Package stage implements the per-run source extraction area.
//
// Archives are decompressed in-process. Extraction is idempotent by directory
// existence, and the target directory only appears once an archive has been
// fully unpacked: entries are written to a temporary directory which is
// renamed into place on success.
package stage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"

	"github.com/smeltproject/smelt/internal/manifest"
)

// ErrUnknownArchive marks an archive whose extension maps to no known
// decompression format.
var ErrUnknownArchive = errors.New("unrecognized archive format")

// ExtractedSource is one component's unpacked source tree.
type ExtractedSource struct {
	Component manifest.Component
	Dir       string
}

// Stage is the extraction area rooted at Dir. Archives are read from the
// same directory, where the cache copies them before extraction begins.
type Stage struct {
	Dir    string
	Logger *slog.Logger
}

// New returns a stage rooted at dir.
func New(dir string, logger *slog.Logger) *Stage {
	return &Stage{Dir: dir, Logger: logger}
}

// ArchivePath returns where the component's archive is expected within the
// stage input area.
func (s *Stage) ArchivePath(component manifest.Component) string {
	return filepath.Join(s.Dir, component.Archive)
}

// Extracted reports whether the component's source tree is already present
// in the stage.
func (s *Stage) Extracted(component manifest.Component) bool {
	_, err := os.Stat(filepath.Join(s.Dir, component.SourceDir()))
	return err == nil
}

// Extract unpacks the component's archive into the stage. If the expected
// extraction directory already exists the archive is not touched.
func (s *Stage) Extract(ctx context.Context, component manifest.Component) (ExtractedSource, error) {
	dest := filepath.Join(s.Dir, component.SourceDir())
	src := ExtractedSource{Component: component, Dir: dest}

	if _, err := os.Stat(dest); err == nil {
		s.logger().Info("already extracted", "component", component.ID(), "dir", dest)
		return src, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return ExtractedSource{}, fmt.Errorf("stat extraction dir %s: %w", dest, err)
	}

	s.logger().Info("extracting source", "component", component.ID(), "archive", component.Archive)

	tmp, err := os.MkdirTemp(s.Dir, ".extract-*")
	if err != nil {
		return ExtractedSource{}, fmt.Errorf("create extraction scratch dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := s.unpack(ctx, s.ArchivePath(component), tmp); err != nil {
		return ExtractedSource{}, fmt.Errorf("extract %s: %w", component.Archive, err)
	}

	// Collapse the conventional single top-level directory so the source
	// tree lands directly at the expected path.
	root := tmp
	if entries, err := os.ReadDir(tmp); err == nil && len(entries) == 1 && entries[0].IsDir() {
		root = filepath.Join(tmp, entries[0].Name())
	}
	if err := os.Rename(root, dest); err != nil {
		return ExtractedSource{}, fmt.Errorf("finalize extraction of %s: %w", component.Archive, err)
	}
	return src, nil
}

func (s *Stage) unpack(ctx context.Context, archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	decompressed, err := decompress(archive, f)
	if err != nil {
		return err
	}

	reader := tar.NewReader(decompressed)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		if err := writeEntry(dest, header, reader); err != nil {
			return err
		}
	}
}

// decompress wraps r according to the archive's compound extension.
func decompress(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(name, ".tar.bz2"):
		return bzip2.NewReader(r, nil)
	case strings.HasSuffix(name, ".tar.xz"):
		return xz.NewReader(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownArchive, filepath.Base(name))
	}
}

func writeEntry(dest string, header *tar.Header, r io.Reader) error {
	path, err := securePath(dest, header.Name)
	if err != nil {
		return err
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(path, header.FileInfo().Mode().Perm())
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, header.FileInfo().Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", header.Name, err)
		}
		return out.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.Symlink(header.Linkname, path)
	case tar.TypeLink:
		target, err := securePath(dest, header.Linkname)
		if err != nil {
			return err
		}
		return os.Link(target, path)
	default:
		// Device nodes and the like have no business in a source archive.
		return nil
	}
}

// securePath joins name under dest, rejecting escapes from the extraction
// directory.
func securePath(dest, name string) (string, error) {
	path := filepath.Join(dest, filepath.Clean(name))
	if path != dest && !strings.HasPrefix(path, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return path, nil
}

func (s *Stage) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
