// Package image assembles the staging root into a bootable ISO.
//
// The staging root is mirrored into a packaging directory, a bootloader
// configuration is generated into the mirror, and the result is mastered
// either with the external GRUB toolchain (bootable) or with the in-process
// ISO9660 writer (data-only, no boot catalog). The mirror is left in place
// after a failure for inspection.
package image

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/kdomanski/iso9660"

	"github.com/smeltproject/smelt/internal/config"
	"github.com/smeltproject/smelt/internal/run"
	"github.com/smeltproject/smelt/internal/sysroot"
)

// BootConfig parameterizes the generated bootloader menu entry.
type BootConfig struct {
	Title       string
	KernelPath  string // in-root path of the kernel image
	InitrdPath  string // in-root path of the initramfs image
	CommandLine string
}

const grubConfigPath = "boot/grub/grub.cfg"

var grubConfigTemplate = template.Must(template.New("grub.cfg").Parse(`set default=0
set timeout=5

menuentry "{{.Title}}" {
	linux {{.KernelPath}} {{.CommandLine}}
	initrd {{.InitrdPath}}
}
`))

// Packager masters the final ISO from the staging root.
type Packager struct {
	// StagingDir is the packaging mirror directory.
	StagingDir string
	// OutputDir receives the ISO file.
	OutputDir string
	Label     string
	// Backend selects the mastering implementation.
	Backend string
	Runner  run.Runner
	Logger  *slog.Logger
}

// Package mirrors the staging root, writes the bootloader configuration, and
// masters the ISO. Returns the path of the produced image.
func (p *Packager) Package(ctx context.Context, root *sysroot.Root, boot BootConfig) (string, error) {
	logger := p.logger()
	logger.Info("mirroring staging root", "mirror", p.StagingDir)
	if err := mirrorTree(root.Dir, p.StagingDir); err != nil {
		return "", fmt.Errorf("mirror staging root: %w", err)
	}

	if err := p.writeBootConfig(boot); err != nil {
		return "", err
	}

	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	isoPath := filepath.Join(p.OutputDir, strings.ToLower(SanitizeLabel(p.Label))+".iso")

	logger.Info("mastering image", "backend", p.Backend, "iso", isoPath)
	switch p.Backend {
	case config.BackendISO9660:
		if err := p.masterISO9660(isoPath); err != nil {
			return "", err
		}
	default:
		if err := p.masterGrub(ctx, isoPath); err != nil {
			return "", err
		}
	}

	logger.Info("image ready", "iso", isoPath)
	return isoPath, nil
}

func (p *Packager) writeBootConfig(boot BootConfig) error {
	path := filepath.Join(p.StagingDir, grubConfigPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create bootloader config directory: %w", err)
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create bootloader config: %w", err)
	}
	if err := grubConfigTemplate.Execute(out, boot); err != nil {
		out.Close()
		return fmt.Errorf("render bootloader config: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("write bootloader config: %w", err)
	}
	return nil
}

// masterGrub invokes grub-mkrescue, which embeds the boot catalog and
// produces a BIOS/EFI bootable image.
func (p *Packager) masterGrub(ctx context.Context, isoPath string) error {
	cmd := run.Command{
		Name: "grub-mkrescue",
		Args: []string{
			"-o", isoPath,
			"-volid", SanitizeLabel(p.Label),
			p.StagingDir,
		},
	}
	if _, err := p.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("master iso: %w", err)
	}
	return nil
}

// masterISO9660 writes the mirror with the in-process ISO9660 writer. The
// result carries no boot catalog; it exists for hosts without the GRUB
// toolchain and for tests.
func (p *Packager) masterISO9660(isoPath string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := p.addMirror(writer); err != nil {
		return fmt.Errorf("stage mirror into iso: %w", err)
	}

	out, err := os.OpenFile(isoPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create iso file: %w", err)
	}
	if err := writer.WriteTo(out, SanitizeLabel(p.Label)); err != nil {
		out.Close()
		os.Remove(isoPath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(isoPath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

// addMirror feeds the packaging mirror into the writer file by file. The
// ISO9660 writer has no symlink representation: symlinks to regular files
// are dereferenced into ordinary copies, anything else (dangling links,
// directory links) is left out of the image with a warning. Empty
// directories are likewise not represented.
func (p *Packager) addMirror(writer *iso9660.ImageWriter) error {
	return filepath.WalkDir(p.StagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(p.StagingDir, path)
		if err != nil {
			return err
		}
		if rel == "." || d.IsDir() {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				p.logger().Warn("symlink left out of image", "path", rel)
				return nil
			}
		} else if !d.Type().IsRegular() {
			return fmt.Errorf("unsupported file type in mirror: %s", rel)
		}

		// AddLocalFile opens through symlinks, materializing the target.
		return writer.AddLocalFile(path, filepath.ToSlash(rel))
	})
}

// SanitizeLabel restricts a volume label to the ISO9660 character set,
// truncated to 32 characters.
func SanitizeLabel(label string) string {
	const maxLen = 32

	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
		if b.Len() >= maxLen {
			break
		}
	}
	if b.Len() == 0 {
		return "LINUX"
	}
	return b.String()
}

func (p *Packager) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
