package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("BANDSOX_KERNEL", "")
	t.Setenv("BANDSOX_FIRECRACKER_BIN", "")
	t.Setenv("BANDSOX_STORAGE", "")

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if path == "" {
		t.Fatal("expected resolved config path")
	}
	if cfg.KernelImage != defaultKernelPath {
		t.Fatalf("kernel = %q", cfg.KernelImage)
	}
	if cfg.Defaults.VCPUs != 1 || !cfg.Defaults.Networking {
		t.Fatalf("defaults = %+v", cfg.Defaults)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("BANDSOX_KERNEL", "/custom/vmlinux")
	t.Setenv("BANDSOX_STORAGE", "")
	t.Setenv("BANDSOX_FIRECRACKER_BIN", "")

	cfgDir := filepath.Join(dir, "bandsox")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	raw := "kernel_image: /from/file/vmlinux\nstorage_root: /srv/bandsox\ndefaults:\n  vcpus: 4\n  memory: 1GiB\n"
	if err := os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Environment beats the file.
	if cfg.KernelImage != "/custom/vmlinux" {
		t.Fatalf("kernel = %q", cfg.KernelImage)
	}
	if cfg.StorageRoot != "/srv/bandsox" {
		t.Fatalf("storage root = %q", cfg.StorageRoot)
	}
	if cfg.Defaults.VCPUs != 4 {
		t.Fatalf("vcpus = %d", cfg.Defaults.VCPUs)
	}
	mem, err := cfg.Defaults.MemoryMiB()
	if err != nil || mem != 1024 {
		t.Fatalf("memory = %d (%v)", mem, err)
	}
}

func TestSizeParsing(t *testing.T) {
	t.Parallel()

	d := VMDefaults{Memory: "256MiB", DiskSize: "2GiB"}
	mem, err := d.MemoryMiB()
	if err != nil || mem != 256 {
		t.Fatalf("memory = %d (%v)", mem, err)
	}
	disk, err := d.DiskSizeMiB()
	if err != nil || disk != 2048 {
		t.Fatalf("disk = %d (%v)", disk, err)
	}

	empty := VMDefaults{}
	mem, err = empty.MemoryMiB()
	if err != nil || mem != 128 {
		t.Fatalf("fallback memory = %d (%v)", mem, err)
	}

	bad := VMDefaults{Memory: "lots"}
	if _, err := bad.MemoryMiB(); err == nil {
		t.Fatal("expected parse error")
	}
}
