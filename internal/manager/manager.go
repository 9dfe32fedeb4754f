// Package manager coordinates the whole sandbox fleet: VM creation from
// container images, lookup, lifecycle forwarding, snapshot/restore, and
// reboot-safe reclamation of allocator state.
package manager

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bandsox/bandsox/internal/alloc"
	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/image"
	"github.com/bandsox/bandsox/internal/metadata"
	"github.com/bandsox/bandsox/internal/network"
	"github.com/bandsox/bandsox/internal/snapshot"
	"github.com/bandsox/bandsox/internal/storage"
	"github.com/bandsox/bandsox/internal/vm"
	"github.com/bandsox/bandsox/internal/vmm"
)

type Options struct {
	Layout         storage.Layout
	Logger         *log.Logger
	Net            network.Provisioner
	Builder        image.Builder
	KernelPath     string
	FirecrackerBin string
}

type Manager struct {
	layout  storage.Layout
	logger  *log.Logger
	store   *metadata.Store
	cids    *alloc.CIDAllocator
	ports   *alloc.PortAllocator
	net     network.Provisioner
	builder image.Builder
	engine  *snapshot.Engine

	kernelPath     string
	firecrackerBin string

	mu          sync.Mutex
	controllers map[string]*vm.Controller
}

// New builds a manager over the given storage root and reconciles any
// state a previous manager left behind.
func New(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if err := opts.Layout.Ensure(); err != nil {
		return nil, errdefs.Wrap(errdefs.KindIoError, err, "prepare storage layout")
	}

	net := opts.Net
	if net == nil {
		net = network.Noop{}
	}

	store := metadata.NewStore(opts.Layout, logger)
	m := &Manager{
		layout:         opts.Layout,
		logger:         logger.WithPrefix("manager"),
		store:          store,
		cids:           alloc.NewCIDAllocator(opts.Layout.CIDAllocatorPath()),
		ports:          alloc.NewPortAllocator(opts.Layout.PortAllocatorPath()),
		net:            net,
		builder:        opts.Builder,
		engine:         snapshot.NewEngine(store, opts.Layout, logger),
		kernelPath:     opts.KernelPath,
		firecrackerBin: opts.FirecrackerBin,
		controllers:    make(map[string]*vm.Controller),
	}

	if err := m.recover(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) deps() vm.Deps {
	return vm.Deps{
		Store:          m.store,
		Layout:         m.layout,
		CIDs:           m.cids,
		Ports:          m.ports,
		Net:            m.net,
		Logger:         m.logger,
		FirecrackerBin: m.firecrackerBin,
	}
}

// recover downgrades descriptors whose VMM died with the previous
// manager and returns their allocator entries to the pool, exactly once
// per descriptor.
func (m *Manager) recover(ctx context.Context) error {
	descs, err := m.store.ListVMs()
	if err != nil {
		return err
	}
	for _, desc := range descs {
		if !desc.Status.Live() {
			continue
		}
		if desc.VmmPid > 0 && vmm.Alive(desc.VmmPid) {
			// The VMM outlived the previous manager. Without its process
			// handle it cannot be adopted; leave it running and keep its
			// allocator entries assigned.
			m.logger.Warn("orphaned VMM from previous manager left running", "vm", desc.VmID, "pid", desc.VmmPid)
			continue
		}

		if desc.Vsock != nil {
			if err := m.cids.Release(ctx, desc.Vsock.CID); err != nil {
				m.logger.Error("recoverable leak: CID release during recovery", "vm", desc.VmID, "err", err)
			}
			if err := m.ports.Release(ctx, desc.Vsock.Port); err != nil {
				m.logger.Error("recoverable leak: port release during recovery", "vm", desc.VmID, "err", err)
			}
			desc.Vsock = nil
		}
		if desc.Network != nil && desc.Network.TapName != "" {
			if err := m.net.Teardown(ctx, desc.Network); err != nil {
				m.logger.Error("recoverable leak: network teardown during recovery", "vm", desc.VmID, "err", err)
			}
			desc.Network.TapName = ""
		}
		desc.Status = metadata.StatusStopped
		desc.VmmPid = 0
		if err := m.store.SaveVM(desc); err != nil {
			return err
		}
		m.logger.Info("reconciled stale VM to stopped", "vm", desc.VmID)
	}
	return nil
}

// CreateOptions describe a new VM.
type CreateOptions struct {
	Image       string
	Name        string
	VCPU        int64
	MemMiB      int64
	DiskSizeMiB int64
	Networking  bool
	KernelPath  string
}

// Create builds (or reuses) the image rootfs, persists the descriptor,
// and boots the VM.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*vm.Controller, error) {
	if opts.Image == "" {
		return nil, errdefs.New(errdefs.KindInvalidArgument, "image reference is required")
	}
	if opts.VCPU <= 0 {
		opts.VCPU = 1
	}
	if opts.MemMiB <= 0 {
		opts.MemMiB = 128
	}
	kernel := opts.KernelPath
	if kernel == "" {
		kernel = m.kernelPath
	}
	if kernel == "" {
		return nil, errdefs.New(errdefs.KindInvalidArgument, "no kernel path configured")
	}
	if opts.Name != "" {
		if err := m.checkNameFree(opts.Name); err != nil {
			return nil, err
		}
	}

	vmID := uuid.NewString()

	baseRootfs := m.layout.ImageRootfs(image.SanitizeRef(opts.Image))
	if _, err := os.Stat(baseRootfs); err != nil {
		if !os.IsNotExist(err) {
			return nil, errdefs.Wrap(errdefs.KindIoError, err, "stat base rootfs")
		}
		if m.builder == nil {
			return nil, errdefs.Newf(errdefs.KindInvalidArgument, "no rootfs for %s and no image builder configured", opts.Image)
		}
		if err := m.builder.Build(ctx, opts.Image, opts.DiskSizeMiB, baseRootfs); err != nil {
			return nil, err
		}
	}

	rootfsPath := m.layout.VMRootfs(vmID)
	if err := vm.CopyFile(baseRootfs, rootfsPath); err != nil {
		return nil, err
	}

	desc := &metadata.VmDescriptor{
		VmID:        vmID,
		Name:        opts.Name,
		RootfsPath:  rootfsPath,
		KernelPath:  kernel,
		VCPU:        opts.VCPU,
		MemMiB:      opts.MemMiB,
		DiskSizeMiB: opts.DiskSizeMiB,
		Status:      metadata.StatusCreated,
		CreatedAt:   time.Now().UTC(),
	}
	if opts.Networking {
		desc.Network = &metadata.NetworkConfig{Enabled: true}
	}
	if err := m.store.SaveVM(desc); err != nil {
		os.Remove(rootfsPath)
		return nil, err
	}

	ctrl := vm.NewController(desc, m.deps())
	m.mu.Lock()
	m.controllers[vmID] = ctrl
	m.mu.Unlock()

	if err := ctrl.Boot(ctx); err != nil {
		return ctrl, err
	}
	return ctrl, nil
}

func (m *Manager) checkNameFree(name string) error {
	descs, err := m.store.ListVMs()
	if err != nil {
		return err
	}
	for _, d := range descs {
		if d.Name == name && d.Status != metadata.StatusDeleted {
			return errdefs.Newf(errdefs.KindInvalidArgument, "name %q is already in use by VM %s", name, d.VmID)
		}
	}
	return nil
}

// Get resolves a VM by id or name. Stopped VMs without a live
// controller are rehydrated from their descriptor.
func (m *Manager) Get(idOrName string) (*vm.Controller, error) {
	m.mu.Lock()
	if ctrl, ok := m.controllers[idOrName]; ok {
		m.mu.Unlock()
		return ctrl, nil
	}
	for _, ctrl := range m.controllers {
		if d := ctrl.Desc(); d.Name == idOrName && d.Name != "" {
			m.mu.Unlock()
			return ctrl, nil
		}
	}
	m.mu.Unlock()

	desc, err := m.store.LoadVM(idOrName)
	if err != nil {
		if !errors.Is(err, errdefs.ErrNotFound) {
			return nil, err
		}
		desc, err = m.findByName(idOrName)
		if err != nil {
			return nil, err
		}
	}

	ctrl := vm.NewController(desc, m.deps())
	m.mu.Lock()
	if existing, ok := m.controllers[desc.VmID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.controllers[desc.VmID] = ctrl
	m.mu.Unlock()
	return ctrl, nil
}

func (m *Manager) findByName(name string) (*metadata.VmDescriptor, error) {
	descs, err := m.store.ListVMs()
	if err != nil {
		return nil, err
	}
	for _, d := range descs {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, errdefs.Newf(errdefs.KindNotFound, "VM %q", name)
}

// List enumerates every VM, downgrading descriptors whose recorded VMM
// pid is no longer alive.
func (m *Manager) List() ([]metadata.VmDescriptor, error) {
	descs, err := m.store.ListVMs()
	if err != nil {
		return nil, err
	}
	out := make([]metadata.VmDescriptor, 0, len(descs))
	for _, d := range descs {
		if d.Status.Live() && (d.VmmPid <= 0 || !vmm.Alive(d.VmmPid)) {
			d.Status = metadata.StatusStopped
		}
		out = append(out, *d)
	}
	return out, nil
}

func (m *Manager) Pause(ctx context.Context, idOrName string) error {
	ctrl, err := m.Get(idOrName)
	if err != nil {
		return err
	}
	return ctrl.Pause(ctx)
}

func (m *Manager) Resume(ctx context.Context, idOrName string) error {
	ctrl, err := m.Get(idOrName)
	if err != nil {
		return err
	}
	return ctrl.Resume(ctx)
}

func (m *Manager) Stop(ctx context.Context, idOrName string) error {
	ctrl, err := m.Get(idOrName)
	if err != nil {
		return err
	}
	return ctrl.Stop(ctx)
}

// Delete stops bookkeeping for the VM and removes its files. The VM
// must already be stopped.
func (m *Manager) Delete(ctx context.Context, idOrName string) error {
	ctrl, err := m.Get(idOrName)
	if err != nil {
		return err
	}
	if err := ctrl.Delete(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.controllers, ctrl.Desc().VmID)
	m.mu.Unlock()
	return nil
}

// Snapshot captures the VM's state. A Running VM is paused around the
// capture and resumed afterwards; a Paused VM stays paused.
func (m *Manager) Snapshot(ctx context.Context, idOrName, name string) (*metadata.SnapshotDescriptor, error) {
	ctrl, err := m.Get(idOrName)
	if err != nil {
		return nil, err
	}

	wasRunning := ctrl.Desc().Status == metadata.StatusRunning
	if wasRunning {
		if err := ctrl.Pause(ctx); err != nil {
			return nil, err
		}
	}

	snap, err := m.engine.Create(ctx, ctrl, name)

	if wasRunning {
		if resumeErr := ctrl.Resume(ctx); resumeErr != nil && err == nil {
			err = resumeErr
		}
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore builds a new VM from a snapshot.
func (m *Manager) Restore(ctx context.Context, snapshotID, name string) (*vm.Controller, error) {
	snap, err := m.store.LoadSnapshot(snapshotID)
	if err != nil {
		return nil, err
	}
	ctrl, err := m.engine.Restore(ctx, snap, m.deps(), name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.controllers[ctrl.Desc().VmID] = ctrl
	m.mu.Unlock()
	return ctrl, nil
}

func (m *Manager) ListSnapshots() ([]*metadata.SnapshotDescriptor, error) {
	return m.store.ListSnapshots()
}

func (m *Manager) DeleteSnapshot(snapshotID string) error {
	return m.engine.Delete(snapshotID)
}

// Shutdown stops every live controller. VM state is preserved; a later
// manager recovers it.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ctrls := make([]*vm.Controller, 0, len(m.controllers))
	for _, ctrl := range m.controllers {
		ctrls = append(ctrls, ctrl)
	}
	m.mu.Unlock()

	for _, ctrl := range ctrls {
		if err := ctrl.Stop(ctx); err != nil {
			m.logger.Error("stop during shutdown failed", "vm", ctrl.Desc().VmID, "err", err)
		}
	}
}
