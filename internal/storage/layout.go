// Package storage resolves the on-disk layout shared by the manager,
// the allocators, and the snapshot engine.
//
//	images/               ext4 rootfs files
//	snapshots/<id>/       {mem, state, rootfs.ext4, descriptor.json}
//	sockets/<vm_id>.sock  VMM API socket
//	metadata/<vm_id>.json VmDescriptor
//	cid_allocator.json
//	port_allocator.json
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultRoot          = "/var/lib/bandsox"
	DefaultVsockDir      = "/tmp/bandsox"
	DefaultIsolationRoot = "/tmp/bsx"

	envStorage      = "BANDSOX_STORAGE"
	envIsolationDir = "BANDSOX_VSOCK_ISOLATION_DIR"
)

type Layout struct {
	Root string

	// VsockDir holds the per-VM vsock UDS base sockets. Firecracker derives
	// the per-port listener paths from the base as "{base}_{port}".
	VsockDir string

	// IsolationRoot is the directory bind-mounted over VsockDir inside a
	// restored VMM's private mount namespace, one subdirectory per VM.
	IsolationRoot string
}

// FromEnv resolves the layout from BANDSOX_STORAGE and
// BANDSOX_VSOCK_ISOLATION_DIR, falling back to the defaults.
func FromEnv() Layout {
	l := Layout{
		Root:          DefaultRoot,
		VsockDir:      DefaultVsockDir,
		IsolationRoot: DefaultIsolationRoot,
	}
	if root := strings.TrimSpace(os.Getenv(envStorage)); root != "" {
		l.Root = root
	}
	if dir := strings.TrimSpace(os.Getenv(envIsolationDir)); dir != "" {
		l.IsolationRoot = dir
	}
	return l
}

func (l Layout) ImagesDir() string    { return filepath.Join(l.Root, "images") }
func (l Layout) SnapshotsDir() string { return filepath.Join(l.Root, "snapshots") }
func (l Layout) SocketsDir() string   { return filepath.Join(l.Root, "sockets") }
func (l Layout) MetadataDir() string  { return filepath.Join(l.Root, "metadata") }

func (l Layout) CIDAllocatorPath() string  { return filepath.Join(l.Root, "cid_allocator.json") }
func (l Layout) PortAllocatorPath() string { return filepath.Join(l.Root, "port_allocator.json") }

func (l Layout) VMRootfs(vmID string) string {
	return filepath.Join(l.ImagesDir(), vmID+".ext4")
}

func (l Layout) ImageRootfs(sanitizedRef string) string {
	return filepath.Join(l.ImagesDir(), sanitizedRef+".ext4")
}

func (l Layout) VMSocket(vmID string) string {
	return filepath.Join(l.SocketsDir(), vmID+".sock")
}

func (l Layout) VMMetadata(vmID string) string {
	return filepath.Join(l.MetadataDir(), vmID+".json")
}

func (l Layout) SnapshotDir(snapshotID string) string {
	return filepath.Join(l.SnapshotsDir(), snapshotID)
}

func (l Layout) SnapshotMem(snapshotID string) string {
	return filepath.Join(l.SnapshotDir(snapshotID), "mem")
}

func (l Layout) SnapshotState(snapshotID string) string {
	return filepath.Join(l.SnapshotDir(snapshotID), "state")
}

func (l Layout) SnapshotRootfs(snapshotID string) string {
	return filepath.Join(l.SnapshotDir(snapshotID), "rootfs.ext4")
}

func (l Layout) SnapshotDescriptor(snapshotID string) string {
	return filepath.Join(l.SnapshotDir(snapshotID), "descriptor.json")
}

// VsockBase is the UDS path handed to the VMM's vsock device.
func (l Layout) VsockBase(vmID string) string {
	return filepath.Join(l.VsockDir, fmt.Sprintf("vsock_%s.sock", vmID))
}

// IsolationDir is the per-VM directory that replaces VsockDir inside a
// restore namespace.
func (l Layout) IsolationDir(vmID string) string {
	return filepath.Join(l.IsolationRoot, vmID)
}

// Ensure creates every directory the layout needs.
func (l Layout) Ensure() error {
	dirs := []string{
		l.Root,
		l.ImagesDir(),
		l.SnapshotsDir(),
		l.SocketsDir(),
		l.MetadataDir(),
		l.VsockDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
