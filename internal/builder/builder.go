// Package builder configures, compiles, and installs single components into
// the staging root, dispatching on each component's recipe kind.
//
// Installation is always redirected at the staging root (DESTDIR or a
// recipe-declared variable); a builder never writes to the live host
// filesystem. Any non-zero exit from an underlying tool is fatal to the run.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/smeltproject/smelt/internal/manifest"
	"github.com/smeltproject/smelt/internal/run"
	"github.com/smeltproject/smelt/internal/stage"
	"github.com/smeltproject/smelt/internal/sysroot"
)

// ErrUnknownRecipe marks a recipe kind the builder cannot dispatch.
var ErrUnknownRecipe = errors.New("unknown recipe kind")

// Builder installs components into the staging root.
type Builder struct {
	Runner run.Runner
	Root   *sysroot.Root
	// Jobs is the -j hint passed to make and ninja.
	Jobs int
	// KernelConfig is the user-supplied kernel configuration, copied into
	// source trees whose recipe requests it.
	KernelConfig string
	Logger       *slog.Logger
}

// Build runs the component's recipe against src. For copy recipes src may be
// the zero value; everything else requires an extracted source tree.
func (b *Builder) Build(ctx context.Context, component manifest.Component, src stage.ExtractedSource) error {
	logger := b.logger().With("component", component.ID())
	logger.Info("building component", "recipe", component.Recipe.Kind)

	switch component.Recipe.Kind {
	case manifest.RecipeAutotools:
		return b.buildAutotools(ctx, component, src.Dir)
	case manifest.RecipeMeson:
		return b.buildMeson(ctx, component, src.Dir)
	case manifest.RecipeMake:
		return b.buildMake(ctx, component, src.Dir)
	case manifest.RecipeCopy:
		return b.buildCopy(ctx, component, src.Dir)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRecipe, component.Recipe.Kind)
	}
}

func (b *Builder) buildAutotools(ctx context.Context, component manifest.Component, srcDir string) error {
	configure := append([]string{"--prefix=/usr"}, component.Recipe.Configure...)
	steps := []run.Command{
		{Name: "./configure", Args: configure, Dir: srcDir},
		{Name: "make", Args: []string{"-j" + strconv.Itoa(b.Jobs)}, Dir: srcDir},
		{Name: "make", Args: []string{"DESTDIR=" + b.Root.Dir, "install"}, Dir: srcDir},
	}
	return b.runSteps(ctx, component, steps)
}

func (b *Builder) buildMeson(ctx context.Context, component manifest.Component, srcDir string) error {
	setup := []string{
		"setup", "build",
		"--prefix=/usr",
		"--sysconfdir=/etc",
		"--localstatedir=/var",
	}
	setup = append(setup, component.Recipe.Options...)

	steps := []run.Command{
		{Name: "meson", Args: setup, Dir: srcDir},
		{Name: "ninja", Args: []string{"-C", "build", "-j", strconv.Itoa(b.Jobs)}, Dir: srcDir},
		{
			Name: "ninja",
			Args: []string{"-C", "build", "install"},
			Dir:  srcDir,
			Env:  []string{"DESTDIR=" + b.Root.Dir},
		},
	}
	return b.runSteps(ctx, component, steps)
}

func (b *Builder) buildMake(ctx context.Context, component manifest.Component, srcDir string) error {
	if component.Recipe.KernelConfig {
		if err := b.placeKernelConfig(srcDir); err != nil {
			return err
		}
	}

	vars := b.expandVars(component.Recipe.Vars)

	var steps []run.Command
	if len(component.Recipe.Targets) > 0 {
		args := append([]string{"-j" + strconv.Itoa(b.Jobs)}, component.Recipe.Targets...)
		steps = append(steps, run.Command{Name: "make", Args: append(args, vars...), Dir: srcDir})
	}
	if len(component.Recipe.InstallTargets) > 0 {
		args := append([]string{}, component.Recipe.InstallTargets...)
		steps = append(steps, run.Command{Name: "make", Args: append(args, vars...), Dir: srcDir})
	}
	return b.runSteps(ctx, component, steps)
}

// buildCopy places the recipe's payload directly into the staging root. A
// sourced copy recipe first patches its extracted tree and copies the
// declared trees out of it; inline files and symlinks follow either way.
func (b *Builder) buildCopy(ctx context.Context, component manifest.Component, srcDir string) error {
	if component.HasSource() {
		if err := b.applyPatches(ctx, component, srcDir); err != nil {
			return err
		}
		for _, tree := range component.Recipe.Trees {
			src := filepath.Join(srcDir, tree.From)
			if err := copyTree(src, b.Root.Path(tree.To)); err != nil {
				return fmt.Errorf("copy %s into root: %w", tree.From, err)
			}
		}
	}

	for _, file := range component.Recipe.Files {
		dst := b.Root.Path(file.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", file.Path, err)
		}
		mode := os.FileMode(file.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(dst, []byte(file.Content), mode); err != nil {
			return fmt.Errorf("write %s: %w", file.Path, err)
		}
		// WriteFile only applies the mode on creation.
		if err := os.Chmod(dst, mode); err != nil {
			return fmt.Errorf("chmod %s: %w", file.Path, err)
		}
	}

	for _, link := range component.Recipe.Symlinks {
		dst := b.Root.Path(link.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", link.Path, err)
		}
		if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("replace %s: %w", link.Path, err)
		}
		if err := os.Symlink(link.Target, dst); err != nil {
			return fmt.Errorf("symlink %s -> %s: %w", link.Path, link.Target, err)
		}
	}
	return nil
}

// applyPatches writes each declared patch to a scratch file and applies it
// to the source tree with the external patch tool.
func (b *Builder) applyPatches(ctx context.Context, component manifest.Component, srcDir string) error {
	for _, patch := range component.Recipe.Patches {
		scratch, err := os.CreateTemp("", "*-"+patch.Name)
		if err != nil {
			return fmt.Errorf("write patch %s: %w", patch.Name, err)
		}
		if _, err := scratch.WriteString(patch.Content); err != nil {
			scratch.Close()
			os.Remove(scratch.Name())
			return fmt.Errorf("write patch %s: %w", patch.Name, err)
		}
		if err := scratch.Close(); err != nil {
			os.Remove(scratch.Name())
			return fmt.Errorf("write patch %s: %w", patch.Name, err)
		}

		cmd := run.Command{
			Name: "patch",
			Args: []string{"-p1", "-i", scratch.Name()},
			Dir:  srcDir,
		}
		_, err = b.Runner.Run(ctx, cmd)
		os.Remove(scratch.Name())
		if err != nil {
			return fmt.Errorf("apply patch %s to %s: %w", patch.Name, component.ID(), err)
		}
	}
	return nil
}

// copyTree merges a file or directory into dst, preserving permission bits
// and symlinks. Existing files are overwritten, never removed.
func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return os.Symlink(target, dst)
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	case info.Mode().IsRegular():
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
			return err
		}
		return os.Chmod(dst, info.Mode().Perm())
	default:
		return fmt.Errorf("unsupported file type: %s", src)
	}
}

func (b *Builder) runSteps(ctx context.Context, component manifest.Component, steps []run.Command) error {
	for _, step := range steps {
		output, err := b.Runner.Run(ctx, step)
		if component.Recipe.ScanLog {
			b.scanBuildLog(component, output)
		}
		if err != nil {
			return fmt.Errorf("build %s: %w", component.ID(), err)
		}
	}
	return nil
}

// placeKernelConfig copies the user's kernel configuration into the source
// tree as .config, read verbatim.
func (b *Builder) placeKernelConfig(srcDir string) error {
	raw, err := os.ReadFile(b.KernelConfig)
	if err != nil {
		return fmt.Errorf("read kernel config %s: %w", b.KernelConfig, err)
	}
	dst := filepath.Join(srcDir, ".config")
	if err := os.WriteFile(dst, raw, 0o644); err != nil {
		return fmt.Errorf("place kernel config: %w", err)
	}
	b.logger().Info("kernel configuration placed", "source", b.KernelConfig)
	return nil
}

// scanBuildLog surfaces error and warning markers from the captured tool
// output. Purely advisory: only the tool's exit status decides success.
func (b *Builder) scanBuildLog(component manifest.Component, output []byte) {
	logger := b.logger().With("component", component.ID())
	for _, line := range strings.Split(string(output), "\n") {
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error:"):
			logger.Warn("build log error marker", "line", strings.TrimSpace(line))
		case strings.Contains(lower, "warning:"):
			logger.Debug("build log warning marker", "line", strings.TrimSpace(line))
		}
	}
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// expandVars renders recipe variables as VAR=value arguments, substituting
// the {sysroot} and {jobs} placeholders.
func (b *Builder) expandVars(vars map[string]string) []string {
	if len(vars) == 0 {
		return nil
	}

	expanded := make([]string, 0, len(vars))
	replacer := strings.NewReplacer(
		"{sysroot}", b.Root.Dir,
		"{jobs}", strconv.Itoa(b.Jobs),
	)
	for key, value := range vars {
		expanded = append(expanded, key+"="+replacer.Replace(value))
	}
	// Map iteration order is random; keep invocations reproducible.
	slices.Sort(expanded)
	return expanded
}
