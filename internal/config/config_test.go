package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultFinalizes(t *testing.T) {
	cfg := Default()
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize default config: %v", err)
	}

	if cfg.Jobs <= 0 {
		t.Errorf("jobs not derived: %d", cfg.Jobs)
	}
	if !filepath.IsAbs(cfg.WorkDir) {
		t.Errorf("work dir not absolute: %s", cfg.WorkDir)
	}
	if got := cfg.CacheDir(); got != filepath.Join(cfg.WorkDir, "sources-cache") {
		t.Errorf("unexpected cache dir: %s", got)
	}
	if got := cfg.SysrootDir(); got != filepath.Join(cfg.WorkDir, "build", "sysroot") {
		t.Errorf("unexpected sysroot dir: %s", got)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smelt.yaml")
	raw := []byte("work_dir: /tmp/smelt-test\njobs: 3\niso_backend: iso9660\n")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.WorkDir != "/tmp/smelt-test" {
		t.Errorf("work_dir not applied: %s", cfg.WorkDir)
	}
	if cfg.Jobs != 3 {
		t.Errorf("jobs not applied: %d", cfg.Jobs)
	}
	if cfg.ISOBackend != BackendISO9660 {
		t.Errorf("iso_backend not applied: %s", cfg.ISOBackend)
	}
	// Untouched fields keep their defaults.
	if cfg.InitramfsTool != Default().InitramfsTool {
		t.Errorf("initramfs_tool default lost: %s", cfg.InitramfsTool)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smelt.yaml")
	if err := os.WriteFile(path, []byte("no_such_option: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown config field")
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := Default()
	cfg.ISOBackend = "mkisofs"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown iso backend")
	}
}

func TestValidateRejectsNegativeJobs(t *testing.T) {
	cfg := Default()
	cfg.Jobs = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative jobs")
	}
}
