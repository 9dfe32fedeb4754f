// Package snapshot persists and reconstitutes paused microVMs. Create
// captures the VMM state, the guest memory, and a rootfs copy; Restore
// builds a brand-new VM whose VMM runs in a private mount namespace so
// the UDS path baked into the snapshot resolves to a per-VM inode and
// concurrent restores of one snapshot cannot collide.
package snapshot

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/metadata"
	"github.com/bandsox/bandsox/internal/storage"
	"github.com/bandsox/bandsox/internal/vm"
	"github.com/bandsox/bandsox/internal/vmm"
)

type Engine struct {
	store  *metadata.Store
	layout storage.Layout
	logger *log.Logger
}

func NewEngine(store *metadata.Store, layout storage.Layout, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{store: store, layout: layout, logger: logger.WithPrefix("snapshot")}
}

// Create snapshots a paused VM. The vsock listener is disconnected for
// the duration so the VMM can quiesce its backend, and reopened before
// returning so a subsequent resume is safe. The snapshot descriptor is
// immutable once written.
func (e *Engine) Create(ctx context.Context, ctrl *vm.Controller, name string) (*metadata.SnapshotDescriptor, error) {
	desc := ctrl.Desc()
	if desc.Status != metadata.StatusPaused {
		return nil, errdefs.Newf(errdefs.KindStateConflict, "snapshot requires a paused VM, state is %s", desc.Status)
	}
	client := ctrl.Client()
	if client == nil {
		return nil, errdefs.New(errdefs.KindStateConflict, "VM has no live VMM")
	}

	snapshotID := uuid.NewString()
	if err := os.MkdirAll(e.layout.SnapshotDir(snapshotID), 0o755); err != nil {
		return nil, errdefs.Wrap(errdefs.KindIoError, err, "create snapshot directory")
	}

	cleanupOnErr := func() { os.RemoveAll(e.layout.SnapshotDir(snapshotID)) }

	ctrl.QuiesceVsock()
	err := client.CreateSnapshot(ctx, vmm.SnapshotFull,
		e.layout.SnapshotMem(snapshotID), e.layout.SnapshotState(snapshotID))
	reopenErr := ctrl.ResumeVsock()
	if err != nil {
		cleanupOnErr()
		return nil, err
	}
	if reopenErr != nil {
		cleanupOnErr()
		return nil, reopenErr
	}

	if err := vm.CopyFile(desc.RootfsPath, e.layout.SnapshotRootfs(snapshotID)); err != nil {
		cleanupOnErr()
		return nil, err
	}

	snap := &metadata.SnapshotDescriptor{
		SnapshotID:     snapshotID,
		Name:           name,
		SourceVmID:     desc.VmID,
		MemFilePath:    e.layout.SnapshotMem(snapshotID),
		StateFilePath:  e.layout.SnapshotState(snapshotID),
		RootfsCopyPath: e.layout.SnapshotRootfs(snapshotID),
		KernelPath:     desc.KernelPath,
		VsockConfig:    desc.Vsock,
		NetworkConfig:  desc.Network,
		Resources:      desc.Resources(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.SaveSnapshot(snap); err != nil {
		cleanupOnErr()
		return nil, err
	}

	e.logger.Info("snapshot created", "snapshot", snapshotID, "vm", desc.VmID, "name", name)
	return snap, nil
}

// Restore reconstitutes a snapshot into a brand-new VM: fresh vm_id,
// fresh rootfs copy, fresh CID and port. The controller launches the
// VMM inside the isolation namespace and resumes the guest. Restoring
// mutates no snapshot state.
func (e *Engine) Restore(ctx context.Context, snap *metadata.SnapshotDescriptor, deps vm.Deps, name string) (*vm.Controller, error) {
	vmID := uuid.NewString()

	rootfsPath := e.layout.VMRootfs(vmID)
	if err := vm.CopyFile(snap.RootfsCopyPath, rootfsPath); err != nil {
		return nil, err
	}

	desc := &metadata.VmDescriptor{
		VmID:             vmID,
		Name:             name,
		RootfsPath:       rootfsPath,
		KernelPath:       snap.KernelPath,
		VCPU:             snap.Resources.VCPU,
		MemMiB:           snap.Resources.MemMiB,
		DiskSizeMiB:      snap.Resources.DiskSizeMiB,
		Network:          snap.NetworkConfig,
		Status:           metadata.StatusCreated,
		SourceSnapshotID: snap.SnapshotID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.store.SaveVM(desc); err != nil {
		os.Remove(rootfsPath)
		return nil, err
	}

	ctrl := vm.NewController(desc, deps)
	if err := ctrl.BootFromSnapshot(ctx, snap); err != nil {
		os.Remove(rootfsPath)
		return nil, err
	}

	e.logger.Info("snapshot restored", "snapshot", snap.SnapshotID, "vm", vmID)
	return ctrl, nil
}

// Delete removes a snapshot's files; descendant VMs are never touched.
func (e *Engine) Delete(snapshotID string) error {
	dir := e.layout.SnapshotDir(snapshotID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return errdefs.Newf(errdefs.KindNotFound, "snapshot %s", snapshotID)
		}
		return errdefs.Wrap(errdefs.KindIoError, err, "stat snapshot directory")
	}
	if err := os.RemoveAll(dir); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "remove snapshot directory")
	}
	e.logger.Info("snapshot deleted", "snapshot", snapshotID)
	return nil
}
