package manifest

import (
	"strings"
	"testing"
)

func TestDefaultManifestParses(t *testing.T) {
	m, err := Default()
	if err != nil {
		t.Fatalf("parse embedded manifest: %v", err)
	}

	if len(m.Components) == 0 {
		t.Fatal("embedded manifest declares no components")
	}
	if len(m.CriticalPaths) == 0 {
		t.Fatal("embedded manifest declares no critical paths")
	}

	var kernel *Component
	for i := range m.Components {
		if m.Components[i].Name == "linux" {
			kernel = &m.Components[i]
		}
	}
	if kernel == nil {
		t.Fatal("embedded manifest has no kernel component")
	}
	if !kernel.Recipe.KernelConfig {
		t.Error("kernel component does not request the kernel config")
	}
	if !kernel.Recipe.ScanLog {
		t.Error("kernel component does not request the build log scan")
	}
}

func TestShellSymlinkOrderedAfterUserland(t *testing.T) {
	m, err := Default()
	if err != nil {
		t.Fatalf("parse embedded manifest: %v", err)
	}

	indexOf := func(name string) int {
		for i, c := range m.Components {
			if c.Name == name {
				return i
			}
		}
		t.Fatalf("component %s not in manifest", name)
		return -1
	}

	shellLinker := -1
	for i, c := range m.Components {
		for _, l := range c.Recipe.Symlinks {
			if l.Path == "/bin/sh" {
				shellLinker = i
			}
		}
	}
	if shellLinker == -1 {
		t.Fatal("no component creates the /bin/sh symlink")
	}

	for _, name := range []string{"musl", "busybox", "dash"} {
		if indexOf(name) >= shellLinker {
			t.Errorf("%s builds after the shell symlink is created", name)
		}
	}
}

func TestParseRejectsUnknownRecipeKind(t *testing.T) {
	raw := []byte(`
components:
  - name: broken
    version: "1"
    url: https://example.com/broken-1.tar.gz
    archive: broken-1.tar.gz
    recipe:
      kind: cmake
`)
	_, err := parse(raw, "test manifest")
	if err == nil {
		t.Fatal("expected error for unknown recipe kind")
	}
	if !strings.Contains(err.Error(), "unknown recipe kind") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseRejectsDuplicateComponents(t *testing.T) {
	raw := []byte(`
components:
  - name: dupe
    version: "1"
    url: https://example.com/dupe-1.tar.gz
    archive: dupe-1.tar.gz
    recipe: {kind: autotools}
  - name: dupe
    version: "1"
    url: https://example.com/dupe-1.tar.gz
    archive: dupe-1.tar.gz
    recipe: {kind: autotools}
`)
	if _, err := parse(raw, "test manifest"); err == nil {
		t.Fatal("expected error for duplicate component")
	}
}

func TestParseRejectsSourcedCopyWithoutTrees(t *testing.T) {
	// A copy recipe with a source but nothing to copy out of it would fetch
	// and extract an archive that never reaches the staging root.
	raw := []byte(`
components:
  - name: skeleton
    version: "1"
    url: https://example.com/skeleton-1.tar.gz
    archive: skeleton-1.tar.gz
    recipe:
      kind: copy
      files:
        - {path: /etc/hostname, mode: 0o644, content: "smelt\n"}
`)
	_, err := parse(raw, "test manifest")
	if err == nil {
		t.Fatal("expected error for sourced copy recipe without trees")
	}
	if !strings.Contains(err.Error(), "no trees") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseRejectsTreesWithoutSource(t *testing.T) {
	raw := []byte(`
components:
  - name: skeleton
    recipe:
      kind: copy
      trees:
        - {from: skel, to: /etc}
`)
	if _, err := parse(raw, "test manifest"); err == nil {
		t.Fatal("expected error for trees without a source archive")
	}
}

func TestParseRejectsEscapingTreeSource(t *testing.T) {
	raw := []byte(`
components:
  - name: skeleton
    version: "1"
    url: https://example.com/skeleton-1.tar.gz
    archive: skeleton-1.tar.gz
    recipe:
      kind: copy
      trees:
        - {from: ../outside, to: /etc}
`)
	if _, err := parse(raw, "test manifest"); err == nil {
		t.Fatal("expected error for tree source escaping the source tree")
	}
}

func TestParseRejectsUnrecognizedArchiveExtension(t *testing.T) {
	raw := []byte(`
components:
  - name: odd
    version: "1"
    url: https://example.com/odd-1.zip
    archive: odd-1.zip
    recipe: {kind: autotools}
`)
	_, err := parse(raw, "test manifest")
	if err == nil {
		t.Fatal("expected error for unrecognized archive extension")
	}
	if !strings.Contains(err.Error(), "archive extension") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTrimArchiveSuffix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"musl-1.2.5.tar.gz", "musl-1.2.5"},
		{"linux-6.6.58.tar.xz", "linux-6.6.58"},
		{"busybox-1.36.1.tar.bz2", "busybox-1.36.1"},
		{"tool-2.0.tgz", "tool-2.0"},
		{"plain.zip", "plain.zip"},
	}
	for _, tc := range cases {
		if got := TrimArchiveSuffix(tc.in); got != tc.want {
			t.Errorf("TrimArchiveSuffix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
