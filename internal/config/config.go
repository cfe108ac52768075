// Package config holds the immutable run configuration for the build pipeline.
//
// A Config is constructed once, validated, and then passed by value into every
// pipeline component. Nothing reads ambient process state after construction.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// ISO mastering backends supported by the image packager.
const (
	BackendGrubMkrescue = "grub-mkrescue"
	BackendISO9660      = "iso9660"
)

// Config describes one pipeline run. All paths are resolved to absolute paths
// by Finalize; relative paths in a config file are interpreted against the
// current working directory.
type Config struct {
	// WorkDir is the root under which the cache and build trees live.
	WorkDir string `yaml:"work_dir"`
	// OutputDir receives the final ISO.
	OutputDir string `yaml:"output_dir"`
	// Jobs is the parallelism hint passed to external build tools.
	// Zero means the number of available processors.
	Jobs int `yaml:"jobs"`

	// KernelConfig is the kernel configuration file supplied by the user,
	// copied verbatim into the kernel source tree before its build.
	KernelConfig string `yaml:"kernel_config"`
	// KernelCommandLine is embedded in the generated bootloader menu entry.
	KernelCommandLine string `yaml:"kernel_cmdline"`
	// KernelImage and InitrdImage are the in-root paths named by the
	// bootloader menu entry.
	KernelImage string `yaml:"kernel_image"`
	InitrdImage string `yaml:"initrd_image"`
	// BootTitle is the bootloader menu entry title.
	BootTitle string `yaml:"boot_title"`

	// ISOLabel is the volume label of the produced image.
	ISOLabel string `yaml:"iso_label"`
	// ISOBackend selects the mastering backend: grub-mkrescue (bootable,
	// requires the GRUB toolchain on the host) or iso9660 (pure Go, data-only).
	ISOBackend string `yaml:"iso_backend"`

	// InitramfsTool and InitramfsArgs describe the external initramfs
	// generator invocation. Arguments may reference {sysroot}.
	InitramfsTool string   `yaml:"initramfs_tool"`
	InitramfsArgs []string `yaml:"initramfs_args"`

	// ManifestPath optionally overrides the embedded component manifest.
	ManifestPath string `yaml:"manifest"`

	// Tools and Libraries are the host preconditions checked before any
	// stage runs. Libraries are queried through pkg-config.
	Tools     []string `yaml:"tools"`
	Libraries []string `yaml:"libraries"`
	// MinFreeGB is the free-space floor required under WorkDir.
	MinFreeGB int `yaml:"min_free_gb"`
}

// Default returns the configuration used when no config file is given.
func Default() Config {
	return Config{
		WorkDir:           "smelt-work",
		OutputDir:         "out",
		Jobs:              0,
		KernelConfig:      filepath.Join("config", "kernel.config"),
		KernelCommandLine: "root=/dev/sr0 ro quiet",
		KernelImage:       "/boot/vmlinuz",
		InitrdImage:       "/boot/initramfs.img",
		BootTitle:         "Smelt Linux",
		ISOLabel:          "SMELT_LINUX",
		ISOBackend:        BackendGrubMkrescue,
		InitramfsTool:     "dracut",
		InitramfsArgs: []string{
			"--force",
			"--sysroot", "{sysroot}",
			"{sysroot}/boot/initramfs.img",
		},
		Tools: []string{
			"gcc", "make", "meson", "ninja", "patch", "pkg-config",
			"grub-mkrescue", "dracut",
		},
		Libraries: []string{"zlib", "ncurses", "libelf"},
		MinFreeGB: 10,
	}
}

// Load reads a YAML config file overlaid on the defaults and finalizes it.
// An empty path yields the finalized defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative")
	}
	switch c.ISOBackend {
	case BackendGrubMkrescue, BackendISO9660:
	default:
		return fmt.Errorf("unknown iso_backend %q", c.ISOBackend)
	}
	if c.InitramfsTool == "" {
		return fmt.Errorf("initramfs_tool is required")
	}
	return nil
}

// Finalize validates the configuration and resolves every path to an
// absolute one. Must be called before the config is handed to the pipeline.
func (c *Config) Finalize() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Jobs == 0 {
		c.Jobs = runtime.NumCPU()
	}

	for _, field := range []*string{&c.WorkDir, &c.OutputDir, &c.KernelConfig, &c.ManifestPath} {
		if *field == "" {
			continue
		}
		abs, err := filepath.Abs(*field)
		if err != nil {
			return fmt.Errorf("resolve path %q: %w", *field, err)
		}
		*field = abs
	}
	return nil
}

// CacheDir is the persistent archive store, shared across runs.
func (c Config) CacheDir() string { return filepath.Join(c.WorkDir, "sources-cache") }

// BuildDir holds all per-run state and is wiped at the start of every run.
func (c Config) BuildDir() string { return filepath.Join(c.WorkDir, "build") }

// SourcesDir is the run-local extraction area.
func (c Config) SourcesDir() string { return filepath.Join(c.BuildDir(), "sources") }

// SysrootDir is the staging root every component installs into.
func (c Config) SysrootDir() string { return filepath.Join(c.BuildDir(), "sysroot") }

// ISODir is the packaging mirror the ISO is mastered from.
func (c Config) ISODir() string { return filepath.Join(c.BuildDir(), "iso") }

// MinFreeBytes converts the configured floor to bytes.
func (c Config) MinFreeBytes() uint64 { return uint64(c.MinFreeGB) << 30 }
