// Package config loads the bandsox runtime configuration from
// $XDG_CONFIG_HOME/bandsox/config.yaml with environment overrides.
// A missing file is not an error; every field has a workable default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const defaultKernelPath = "/var/lib/bandsox/vmlinux"

type Config struct {
	StorageRoot    string `yaml:"storage_root"`
	KernelImage    string `yaml:"kernel_image"`
	FirecrackerBin string `yaml:"firecracker_bin"`

	Defaults VMDefaults `yaml:"defaults"`
}

type VMDefaults struct {
	VCPUs      int64  `yaml:"vcpus"`
	Memory     string `yaml:"memory"`    // human size, e.g. "128MiB"
	DiskSize   string `yaml:"disk_size"` // human size, e.g. "1GiB"
	Networking bool   `yaml:"networking"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "bandsox", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "bandsox", "config.yaml"), nil
}

// Load reads the config file and applies environment overrides.
func Load() (Config, string, error) {
	cfg := Config{
		KernelImage: defaultKernelPath,
		Defaults: VMDefaults{
			VCPUs:      1,
			Memory:     "128MiB",
			Networking: true,
		},
	}

	path, err := Path()
	if err != nil {
		return cfg, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, path, fmt.Errorf("read %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, path, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if kernel := strings.TrimSpace(os.Getenv("BANDSOX_KERNEL")); kernel != "" {
		cfg.KernelImage = kernel
	}
	if bin := strings.TrimSpace(os.Getenv("BANDSOX_FIRECRACKER_BIN")); bin != "" {
		cfg.FirecrackerBin = bin
	}
	if root := strings.TrimSpace(os.Getenv("BANDSOX_STORAGE")); root != "" {
		cfg.StorageRoot = root
	}
	if cfg.KernelImage == "" {
		cfg.KernelImage = defaultKernelPath
	}
	return cfg, path, nil
}

// MemoryMiB resolves the default memory size in MiB.
func (d VMDefaults) MemoryMiB() (int64, error) {
	return sizeMiB(d.Memory, 128)
}

// DiskSizeMiB resolves the default disk size hint in MiB; 0 means let
// the image builder size the filesystem.
func (d VMDefaults) DiskSizeMiB() (int64, error) {
	return sizeMiB(d.DiskSize, 0)
}

func sizeMiB(s string, fallback int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return bytes >> 20, nil
}
