// Package metadata persists per-VM and per-snapshot descriptors as one
// JSON object per file. Reads are lockless; writes take a per-file flock
// for the duration of the update and land via write-temp + rename.
// Enumeration tolerates partial writes by skipping unparseable files.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gofrs/flock"

	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/storage"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusBooting Status = "booting"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusDeleted Status = "deleted"
)

// Live reports whether the status implies a live VMM process.
func (s Status) Live() bool {
	return s == StatusRunning || s == StatusPaused || s == StatusBooting
}

type NetworkConfig struct {
	Enabled bool   `json:"enabled"`
	TapName string `json:"tap_name,omitempty"`
	MAC     string `json:"mac,omitempty"`
	IP      string `json:"ip,omitempty"`
	Mask    int    `json:"mask,omitempty"`
	Gateway string `json:"gateway,omitempty"`
}

type VsockConfig struct {
	CID     uint32 `json:"cid"`
	Port    uint16 `json:"port"`
	UDSPath string `json:"uds_path"`
}

type Resources struct {
	VCPU        int64 `json:"vcpu"`
	MemMiB      int64 `json:"mem_mib"`
	DiskSizeMiB int64 `json:"disk_size_mib"`
}

type VmDescriptor struct {
	VmID       string `json:"vm_id"`
	Name       string `json:"name,omitempty"`
	RootfsPath string `json:"rootfs_path"`
	KernelPath string `json:"kernel_path"`

	VCPU        int64 `json:"vcpu"`
	MemMiB      int64 `json:"mem_mib"`
	DiskSizeMiB int64 `json:"disk_size_mib"`

	Network *NetworkConfig `json:"network,omitempty"`
	Vsock   *VsockConfig   `json:"vsock,omitempty"`

	Status Status `json:"status"`
	VmmPid int    `json:"vmm_pid,omitempty"`

	SourceSnapshotID string `json:"source_snapshot_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d *VmDescriptor) Resources() Resources {
	return Resources{VCPU: d.VCPU, MemMiB: d.MemMiB, DiskSizeMiB: d.DiskSizeMiB}
}

type SnapshotDescriptor struct {
	SnapshotID string `json:"snapshot_id"`
	Name       string `json:"name,omitempty"`
	SourceVmID string `json:"source_vm_id"`

	MemFilePath    string `json:"mem_file_path"`
	StateFilePath  string `json:"state_file_path"`
	RootfsCopyPath string `json:"rootfs_copy_path"`
	KernelPath     string `json:"kernel_path"`

	VsockConfig   *VsockConfig   `json:"vsock_config,omitempty"`
	NetworkConfig *NetworkConfig `json:"network_config,omitempty"`
	Resources     Resources      `json:"resources"`

	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	layout storage.Layout
	logger *log.Logger
}

func NewStore(layout storage.Layout, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{layout: layout, logger: logger.WithPrefix("metadata")}
}

// writeFile atomically replaces path with the JSON encoding of v, holding
// a per-file flock for the whole update.
func (s *Store) writeFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create metadata directory")
	}

	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("lock %s", path))
	}
	defer fl.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errdefs.Wrap(errdefs.KindInternal, err, "encode descriptor")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create temp descriptor")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.KindIoError, err, "write descriptor")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errdefs.Wrap(errdefs.KindIoError, err, "fsync descriptor")
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "close descriptor")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "rename descriptor")
	}
	return nil
}

func readFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errdefs.Newf(errdefs.KindNotFound, "descriptor %s", path)
		}
		return errdefs.Wrap(errdefs.KindIoError, err, "read descriptor")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("parse %s", path))
	}
	return nil
}

func (s *Store) SaveVM(d *VmDescriptor) error {
	d.UpdatedAt = time.Now().UTC()
	return s.writeFile(s.layout.VMMetadata(d.VmID), d)
}

func (s *Store) LoadVM(vmID string) (*VmDescriptor, error) {
	var d VmDescriptor
	if err := readFile(s.layout.VMMetadata(vmID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) DeleteVM(vmID string) error {
	path := s.layout.VMMetadata(vmID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errdefs.Wrap(errdefs.KindIoError, err, "remove descriptor")
	}
	os.Remove(path + ".lock")
	return nil
}

// ListVMs enumerates every parseable VM descriptor. Corrupt files are
// skipped and logged.
func (s *Store) ListVMs() ([]*VmDescriptor, error) {
	entries, err := os.ReadDir(s.layout.MetadataDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errdefs.Wrap(errdefs.KindIoError, err, "list metadata directory")
	}

	var out []*VmDescriptor
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var d VmDescriptor
		if err := readFile(filepath.Join(s.layout.MetadataDir(), name), &d); err != nil {
			s.logger.Warn("skipping corrupt VM descriptor", "file", name, "err", err)
			continue
		}
		if d.VmID == "" {
			s.logger.Warn("skipping descriptor without vm_id", "file", name)
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}

func (s *Store) SaveSnapshot(d *SnapshotDescriptor) error {
	return s.writeFile(s.layout.SnapshotDescriptor(d.SnapshotID), d)
}

func (s *Store) LoadSnapshot(snapshotID string) (*SnapshotDescriptor, error) {
	var d SnapshotDescriptor
	if err := readFile(s.layout.SnapshotDescriptor(snapshotID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListSnapshots() ([]*SnapshotDescriptor, error) {
	entries, err := os.ReadDir(s.layout.SnapshotsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errdefs.Wrap(errdefs.KindIoError, err, "list snapshots directory")
	}

	var out []*SnapshotDescriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var d SnapshotDescriptor
		if err := readFile(s.layout.SnapshotDescriptor(entry.Name()), &d); err != nil {
			s.logger.Warn("skipping corrupt snapshot descriptor", "snapshot", entry.Name(), "err", err)
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}
