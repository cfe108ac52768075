// Package manifest defines the component set a run builds and the critical
// paths the finished staging root must contain.
//
// Components are pure data: each carries a source archive reference and a
// build recipe. Adding a component to the distribution is a manifest change,
// not a code change.
package manifest

import (
	"fmt"
	"os"
	"strings"

	_ "embed"

	"gopkg.in/yaml.v3"
)

//go:embed components.yaml
var embeddedManifest []byte

// RecipeKind discriminates the build recipe variants.
type RecipeKind string

// Supported recipe kinds.
const (
	// RecipeAutotools runs configure, make, and a DESTDIR-redirected install.
	RecipeAutotools RecipeKind = "autotools"
	// RecipeMeson runs meson setup, ninja, and a DESTDIR-redirected install.
	RecipeMeson RecipeKind = "meson"
	// RecipeMake drives a bare makefile with substituted variables.
	RecipeMake RecipeKind = "make"
	// RecipeCopy places files and symlinks directly into the staging root.
	RecipeCopy RecipeKind = "copy"
)

// Recipe describes how a component is built and installed into the staging
// root. Kind selects the variant; the remaining fields parameterize it.
type Recipe struct {
	Kind RecipeKind `yaml:"kind"`

	// Configure holds extra ./configure flags (autotools).
	Configure []string `yaml:"configure,omitempty"`

	// Options holds extra meson setup options (meson).
	Options []string `yaml:"options,omitempty"`

	// Targets and InstallTargets are the build and install make targets
	// (make). Vars are VAR=value arguments appended to every make
	// invocation; values may reference {sysroot} and {jobs}.
	Targets        []string          `yaml:"targets,omitempty"`
	InstallTargets []string          `yaml:"install_targets,omitempty"`
	Vars           map[string]string `yaml:"vars,omitempty"`

	// Files and Symlinks are placed under the staging root (copy).
	Files    []FileSpec `yaml:"files,omitempty"`
	Symlinks []LinkSpec `yaml:"symlinks,omitempty"`

	// Patches are applied to the extracted source tree, then Trees are
	// copied out of it into the staging root (copy recipes with a source).
	Patches []PatchSpec `yaml:"patches,omitempty"`
	Trees   []TreeSpec  `yaml:"trees,omitempty"`

	// KernelConfig marks a recipe whose source tree receives the
	// user-supplied kernel configuration before the build.
	KernelConfig bool `yaml:"kernel_config,omitempty"`
	// ScanLog requests an advisory error/warning scan of the build output.
	// The scan never affects the build result.
	ScanLog bool `yaml:"scan_log,omitempty"`
}

// FileSpec is a file emitted verbatim into the staging root.
type FileSpec struct {
	Path    string `yaml:"path"`    // absolute path within the root
	Mode    uint32 `yaml:"mode"`    // permission bits, e.g. 0o755
	Content string `yaml:"content"` // file body, written as-is
}

// LinkSpec is a symlink created within the staging root.
type LinkSpec struct {
	Path   string `yaml:"path"`   // absolute link path within the root
	Target string `yaml:"target"` // link target, stored verbatim
}

// PatchSpec is a unified diff applied to a component's source tree before
// anything is copied out of it.
type PatchSpec struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
}

// TreeSpec copies a file or directory out of the source tree into the
// staging root.
type TreeSpec struct {
	From string `yaml:"from"` // path relative to the source tree
	To   string `yaml:"to"`   // absolute destination within the root
}

// Component is one upstream package. Identity is Name+Version; the set of
// components is fixed for the duration of a run.
type Component struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	URL     string `yaml:"url,omitempty"`
	Archive string `yaml:"archive,omitempty"`
	Recipe  Recipe `yaml:"recipe"`
}

// ID returns the component's identity string.
func (c Component) ID() string {
	if c.Version == "" {
		return c.Name
	}
	return c.Name + "-" + c.Version
}

// SourceDir returns the directory name the component's archive extracts to,
// derived by stripping the archive suffixes.
func (c Component) SourceDir() string {
	return TrimArchiveSuffix(c.Archive)
}

// HasSource reports whether the component is backed by a downloadable
// archive. Copy recipes may carry their payload entirely inline instead.
func (c Component) HasSource() bool {
	return c.URL != "" && c.Archive != ""
}

// Manifest is the full component set plus the critical path declarations.
type Manifest struct {
	Components []Component `yaml:"components"`
	// CriticalPaths must all exist in the staging root before packaging.
	CriticalPaths []string `yaml:"critical_paths"`
}

// Default parses the embedded component manifest.
func Default() (Manifest, error) {
	return parse(embeddedManifest, "embedded manifest")
}

// LoadFile parses a manifest from a YAML file.
func LoadFile(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return parse(raw, path)
}

func parse(raw []byte, origin string) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", origin, err)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", origin, err)
	}
	return m, nil
}

func (m Manifest) validate() error {
	if len(m.Components) == 0 {
		return fmt.Errorf("manifest declares no components")
	}

	seen := make(map[string]bool, len(m.Components))
	for _, c := range m.Components {
		if c.Name == "" {
			return fmt.Errorf("component with empty name")
		}
		if seen[c.ID()] {
			return fmt.Errorf("duplicate component %s", c.ID())
		}
		seen[c.ID()] = true

		if err := c.validate(); err != nil {
			return fmt.Errorf("component %s: %w", c.ID(), err)
		}
	}

	for _, p := range m.CriticalPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("critical path %q is not absolute", p)
		}
	}
	return nil
}

func (c Component) validate() error {
	switch c.Recipe.Kind {
	case RecipeAutotools, RecipeMeson, RecipeMake:
		if !c.HasSource() {
			return fmt.Errorf("%s recipe requires url and archive", c.Recipe.Kind)
		}
	case RecipeCopy:
		if len(c.Recipe.Files) == 0 && len(c.Recipe.Symlinks) == 0 && len(c.Recipe.Trees) == 0 {
			return fmt.Errorf("copy recipe declares nothing to place")
		}
		if c.HasSource() && len(c.Recipe.Trees) == 0 {
			return fmt.Errorf("copy recipe has a source but no trees to copy from it")
		}
		if !c.HasSource() && (len(c.Recipe.Trees) > 0 || len(c.Recipe.Patches) > 0) {
			return fmt.Errorf("copy recipe declares trees or patches without a source")
		}
	default:
		return fmt.Errorf("unknown recipe kind %q", c.Recipe.Kind)
	}

	if c.Recipe.Kind != RecipeCopy && (len(c.Recipe.Trees) > 0 || len(c.Recipe.Patches) > 0) {
		return fmt.Errorf("trees and patches only apply to copy recipes")
	}

	if c.Archive != "" && TrimArchiveSuffix(c.Archive) == c.Archive {
		return fmt.Errorf("unrecognized archive extension on %q", c.Archive)
	}

	for _, f := range c.Recipe.Files {
		if !strings.HasPrefix(f.Path, "/") {
			return fmt.Errorf("file path %q is not absolute", f.Path)
		}
	}
	for _, l := range c.Recipe.Symlinks {
		if !strings.HasPrefix(l.Path, "/") {
			return fmt.Errorf("symlink path %q is not absolute", l.Path)
		}
	}
	for _, t := range c.Recipe.Trees {
		if strings.HasPrefix(t.From, "/") || strings.HasPrefix(t.From, "..") {
			return fmt.Errorf("tree source %q must be relative to the source tree", t.From)
		}
		if !strings.HasPrefix(t.To, "/") {
			return fmt.Errorf("tree destination %q is not absolute", t.To)
		}
	}
	return nil
}

// TrimArchiveSuffix strips the recognized compound archive extensions from a
// filename. The name is returned unchanged when no extension matches.
func TrimArchiveSuffix(name string) string {
	for _, suffix := range []string{".tar.gz", ".tgz", ".tar.xz", ".tar.bz2"} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}
