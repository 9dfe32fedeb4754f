// Package vm implements the per-VM state machine. A Controller owns the
// VMM process, the host networking, the vsock listener, the serial
// bridge, and the agent session for exactly one microVM; it is the
// single writer of the VM's descriptor.
package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bandsox/bandsox/internal/agent"
	"github.com/bandsox/bandsox/internal/alloc"
	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/metadata"
	"github.com/bandsox/bandsox/internal/network"
	"github.com/bandsox/bandsox/internal/serial"
	"github.com/bandsox/bandsox/internal/storage"
	"github.com/bandsox/bandsox/internal/vmm"
	"github.com/bandsox/bandsox/internal/vsock"
)

const (
	defaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off root=/dev/vda init=/init"

	// The guest agent reads its vsock port from the kernel command
	// line; unknown name=value parameters become init's environment.
	vsockPortBootParam = "BANDSOX_VSOCK_PORT"
)

// Deps carries the shared collaborators a controller needs.
type Deps struct {
	Store  *metadata.Store
	Layout storage.Layout
	CIDs   *alloc.CIDAllocator
	Ports  *alloc.PortAllocator
	Net    network.Provisioner
	Logger *log.Logger

	// FirecrackerBin overrides the VMM binary path.
	FirecrackerBin string
}

// Controller drives one VM through
// Created → Booting → Running ↔ Paused → Stopped → Deleted, with Failed
// reachable from anywhere. All state-changing transitions serialize
// through the controller mutex.
type Controller struct {
	deps   Deps
	logger *log.Logger

	mu           sync.Mutex
	desc         *metadata.VmDescriptor
	client       *vmm.Client
	proc         *vmm.Process
	listener     *vsock.Listener
	bridge       *serial.Bridge
	session      *agent.Session
	stopping     bool
	observerDone chan struct{}
}

func NewController(desc *metadata.VmDescriptor, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		deps:   deps,
		logger: logger.WithPrefix("vm").With("vm", desc.VmID),
		desc:   desc,
	}
}

// Desc returns a copy of the descriptor.
func (c *Controller) Desc() metadata.VmDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.desc
}

// Session returns the agent session, nil before boot.
func (c *Controller) Session() *agent.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Controller) saveLocked() {
	if err := c.deps.Store.SaveVM(c.desc); err != nil {
		c.logger.Error("persist descriptor failed", "err", err)
	}
}

func (c *Controller) setStatusLocked(status metadata.Status) {
	c.desc.Status = status
	c.saveLocked()
}

// Boot provisions networking, allocates the vsock identity, starts and
// configures the VMM, and waits for the guest agent. Not idempotent:
// re-entering from Running fails with StateConflict.
func (c *Controller) Boot(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.desc.Status {
	case metadata.StatusCreated, metadata.StatusStopped:
	case metadata.StatusRunning, metadata.StatusBooting:
		return errdefs.Newf(errdefs.KindStateConflict, "VM %s is already running", c.desc.VmID)
	default:
		return errdefs.Newf(errdefs.KindStateConflict, "cannot boot VM in state %s", c.desc.Status)
	}

	// Network first: a provisioning failure must not start a VMM.
	wantNet := c.desc.Network != nil && c.desc.Network.Enabled
	if wantNet && c.desc.Network.TapName == "" {
		cfg, err := c.deps.Net.Provision(ctx, c.desc.VmID)
		if err != nil {
			return errdefs.Wrap(errdefs.KindBootFailed, err, "provision network")
		}
		c.desc.Network = cfg
	}

	cid, err := c.deps.CIDs.Acquire(ctx)
	if err != nil {
		c.teardownNetworkLocked(ctx)
		return err
	}
	port, err := c.deps.Ports.Acquire(ctx)
	if err != nil {
		c.releaseCIDLocked(ctx, cid)
		c.teardownNetworkLocked(ctx)
		return err
	}

	c.desc.Vsock = &metadata.VsockConfig{
		CID:     cid,
		Port:    port,
		UDSPath: c.deps.Layout.VsockBase(c.desc.VmID),
	}

	if err := c.bootLocked(ctx); err != nil {
		c.releaseAllocatorsLocked(ctx)
		c.teardownNetworkLocked(ctx)
		c.setStatusLocked(metadata.StatusFailed)
		return errdefs.Wrap(errdefs.KindBootFailed, err, "boot")
	}
	return nil
}

func (c *Controller) bootLocked(ctx context.Context) error {
	c.setStatusLocked(metadata.StatusBooting)

	proc, err := vmm.Spawn(vmm.SpawnOptions{
		Binary:     c.deps.FirecrackerBin,
		APISocket:  c.deps.Layout.VMSocket(c.desc.VmID),
		SerialPipe: true,
	}, c.logger)
	if err != nil {
		return err
	}
	c.proc = proc
	c.desc.VmmPid = proc.Pid

	client := vmm.NewClient(c.deps.Layout.VMSocket(c.desc.VmID), c.logger)
	c.client = client

	readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.WaitReady(readyCtx)
	cancel()
	if err != nil {
		c.stopProcessLocked()
		return err
	}

	// Host↔guest plane before the guest can boot.
	session := agent.NewSession(c.desc.VmID, c.logger)
	c.session = session

	bridge := serial.NewBridge(proc.Stdin, proc.Stdout, session.SerialEvents(), c.logger)
	c.bridge = bridge
	session.AttachSerial(agent.NewSerialTransport(bridge))
	session.AttachVsock(agent.NewVsockTransport(c.desc.Vsock.UDSPath, 0))

	listener := vsock.New(c.desc.Vsock.UDSPath, session.VsockHandlers(), c.logger)
	c.listener = listener
	if err := listener.Bind(c.desc.Vsock.Port); err != nil {
		c.closeTransportsLocked()
		c.stopProcessLocked()
		return err
	}

	if err := c.configureLocked(ctx); err != nil {
		c.closeTransportsLocked()
		c.stopProcessLocked()
		return err
	}
	if err := c.client.Start(ctx); err != nil {
		c.closeTransportsLocked()
		c.stopProcessLocked()
		return err
	}

	c.observerDone = make(chan struct{})
	go c.observeExit(c.proc, c.observerDone)

	// Wait for the guest's register without holding up other VMs; a
	// timeout downgrades to serial but does not fail the boot.
	c.mu.Unlock()
	registered := session.AwaitRegistration(ctx, agent.RegistrationGrace)
	c.mu.Lock()
	if c.stopping {
		return errdefs.New(errdefs.KindStateConflict, "VM stopped during boot")
	}
	if !registered {
		c.logger.Warn("guest agent did not register on vsock, continuing serial-only")
	}

	c.setStatusLocked(metadata.StatusRunning)
	c.logger.Info("VM running", "pid", c.desc.VmmPid, "cid", c.desc.Vsock.CID, "port", c.desc.Vsock.Port, "vsock", registered)
	return nil
}

func (c *Controller) configureLocked(ctx context.Context) error {
	if err := c.client.PutMachineConfig(ctx, c.desc.VCPU, c.desc.MemMiB); err != nil {
		return err
	}

	bootArgs := fmt.Sprintf("%s %s=%d", defaultBootArgs, vsockPortBootParam, c.desc.Vsock.Port)
	if netArgs := network.BootArgs(c.desc.Network); netArgs != "" {
		bootArgs += " " + netArgs
	}
	if err := c.client.PutBootSource(ctx, c.desc.KernelPath, bootArgs); err != nil {
		return err
	}
	if err := c.client.PutDrive(ctx, "rootfs", c.desc.RootfsPath, true, false); err != nil {
		return err
	}
	if c.desc.Network != nil && c.desc.Network.Enabled {
		if err := c.client.PutNetworkInterface(ctx, "eth0", c.desc.Network.TapName, c.desc.Network.MAC); err != nil {
			return err
		}
	}
	return c.client.PutVsock(ctx, c.desc.Vsock.CID, c.desc.Vsock.UDSPath)
}

// BootFromSnapshot starts a VMM inside a private mount namespace, loads
// the snapshot state, and resumes the guest. The listener binds the
// snapshot's original port at the isolated path; the descriptor carries
// the freshly allocated CID/port for uniqueness accounting.
func (c *Controller) BootFromSnapshot(ctx context.Context, snap *metadata.SnapshotDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.desc.Status != metadata.StatusCreated {
		return errdefs.Newf(errdefs.KindStateConflict, "cannot restore into VM in state %s", c.desc.Status)
	}
	if snap.VsockConfig == nil {
		return errdefs.New(errdefs.KindInvalidArgument, "snapshot has no vsock config")
	}

	cid, err := c.deps.CIDs.Acquire(ctx)
	if err != nil {
		return err
	}
	port, err := c.deps.Ports.Acquire(ctx)
	if err != nil {
		c.releaseCIDLocked(ctx, cid)
		return err
	}

	// The VMM state references the original UDS path. Inside the
	// namespace that path resolves to the per-VM isolation directory;
	// from the host the same files appear under IsolationDir.
	isolationDir := c.deps.Layout.IsolationDir(c.desc.VmID)
	hostBase := filepath.Join(isolationDir, filepath.Base(snap.VsockConfig.UDSPath))
	c.desc.Vsock = &metadata.VsockConfig{CID: cid, Port: port, UDSPath: hostBase}
	c.desc.SourceSnapshotID = snap.SnapshotID

	if err := c.restoreLocked(ctx, snap, isolationDir, hostBase); err != nil {
		c.releaseAllocatorsLocked(ctx)
		c.setStatusLocked(metadata.StatusFailed)
		return errdefs.Wrap(errdefs.KindBootFailed, err, "restore")
	}
	return nil
}

func (c *Controller) restoreLocked(ctx context.Context, snap *metadata.SnapshotDescriptor, isolationDir, hostBase string) error {
	c.setStatusLocked(metadata.StatusBooting)

	if err := os.MkdirAll(isolationDir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create isolation directory")
	}

	proc, err := vmm.Spawn(vmm.SpawnOptions{
		Binary:    c.deps.FirecrackerBin,
		APISocket: c.deps.Layout.VMSocket(c.desc.VmID),
		Isolation: &vmm.Isolation{
			Dir:         isolationDir,
			Target:      filepath.Dir(snap.VsockConfig.UDSPath),
			StaleSocket: snap.VsockConfig.UDSPath,
		},
		SerialPipe: true,
	}, c.logger)
	if err != nil {
		return err
	}
	c.proc = proc
	c.desc.VmmPid = proc.Pid

	client := vmm.NewClient(c.deps.Layout.VMSocket(c.desc.VmID), c.logger)
	c.client = client

	readyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.WaitReady(readyCtx)
	cancel()
	if err != nil {
		c.stopProcessLocked()
		return err
	}

	session := agent.NewSession(c.desc.VmID, c.logger)
	c.session = session
	bridge := serial.NewBridge(proc.Stdin, proc.Stdout, session.SerialEvents(), c.logger)
	c.bridge = bridge
	session.AttachSerial(agent.NewSerialTransport(bridge))
	session.AttachVsock(agent.NewVsockTransport(hostBase, 0))

	// The restored guest keeps talking on its original port; the
	// listener for it lives at the isolated path.
	listener := vsock.New(hostBase, session.VsockHandlers(), c.logger)
	c.listener = listener
	if err := listener.Bind(snap.VsockConfig.Port); err != nil {
		c.closeTransportsLocked()
		c.stopProcessLocked()
		return err
	}

	if err := client.PutDrive(ctx, "rootfs", c.desc.RootfsPath, true, false); err != nil {
		c.closeTransportsLocked()
		c.stopProcessLocked()
		return err
	}
	if err := client.LoadSnapshot(ctx, snap.MemFilePath, snap.StateFilePath, false); err != nil {
		c.closeTransportsLocked()
		c.stopProcessLocked()
		return err
	}
	if err := client.Resume(ctx); err != nil {
		c.closeTransportsLocked()
		c.stopProcessLocked()
		return err
	}

	c.observerDone = make(chan struct{})
	go c.observeExit(c.proc, c.observerDone)

	// The in-memory agent is already past its register handshake.
	session.MarkRegistered()

	c.setStatusLocked(metadata.StatusRunning)
	c.logger.Info("VM restored", "snapshot", snap.SnapshotID, "pid", c.desc.VmmPid)
	return nil
}

// Pause transitions Running → Paused.
func (c *Controller) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desc.Status != metadata.StatusRunning {
		return errdefs.Newf(errdefs.KindStateConflict, "cannot pause VM in state %s", c.desc.Status)
	}
	if err := c.client.Pause(ctx); err != nil {
		return err
	}
	c.setStatusLocked(metadata.StatusPaused)
	return nil
}

// Resume transitions Paused → Running.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desc.Status != metadata.StatusPaused {
		return errdefs.Newf(errdefs.KindStateConflict, "cannot resume VM in state %s", c.desc.Status)
	}
	if err := c.client.Resume(ctx); err != nil {
		return err
	}
	c.setStatusLocked(metadata.StatusRunning)
	return nil
}

// Stop is idempotent and acts as a barrier: once it returns, no further
// callbacks from this VM fire.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.desc.Status {
	case metadata.StatusStopped, metadata.StatusFailed, metadata.StatusCreated:
		return nil
	}

	c.stopping = true
	if c.session != nil {
		c.session.KillAll()
	}
	c.closeTransportsLocked()
	c.stopProcessLocked()
	if c.observerDone != nil {
		<-c.observerDone
		c.observerDone = nil
	}

	c.desc.VmmPid = 0
	c.setStatusLocked(metadata.StatusStopped)
	c.logger.Info("VM stopped")
	return nil
}

// Delete tears down network, releases the allocators, and removes the
// VM's files. Refused while the VM runs.
func (c *Controller) Delete(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.desc.Status {
	case metadata.StatusStopped, metadata.StatusFailed, metadata.StatusCreated:
	default:
		return errdefs.Newf(errdefs.KindStateConflict, "cannot delete VM in state %s; stop it first", c.desc.Status)
	}

	c.teardownNetworkLocked(ctx)
	c.releaseAllocatorsLocked(ctx)

	removals := []string{
		c.desc.RootfsPath,
		c.deps.Layout.VMSocket(c.desc.VmID),
	}
	if base := c.deps.Layout.VsockBase(c.desc.VmID); base != "" {
		matches, _ := filepath.Glob(base + "*")
		removals = append(removals, matches...)
	}
	removals = append(removals, c.deps.Layout.IsolationDir(c.desc.VmID))
	for _, path := range removals {
		if path == "" {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			c.logger.Error("recoverable leak: could not remove", "path", path, "err", err)
		}
	}

	if err := c.deps.Store.DeleteVM(c.desc.VmID); err != nil {
		return err
	}
	c.desc.Status = metadata.StatusDeleted
	c.logger.Info("VM deleted")
	return nil
}

// QuiesceVsock closes the listening sockets so the VMM can quiesce its
// vsock backend for a snapshot; ResumeVsock re-binds them.
func (c *Controller) QuiesceVsock() {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.Suspend()
	}
}

func (c *Controller) ResumeVsock() error {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Resume()
}

// Client exposes the VMM API client for the snapshot engine.
func (c *Controller) Client() *vmm.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// observeExit reconciles unexpected VMM exits into Stopped/Failed.
func (c *Controller) observeExit(proc *vmm.Process, done chan struct{}) {
	err := <-proc.WaitCh
	// Signal before taking the lock: Stop waits on done while holding
	// the controller mutex.
	close(done)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return
	}
	c.closeTransportsLocked()
	c.desc.VmmPid = 0
	if err != nil {
		c.logger.Error("VMM exited unexpectedly", "err", err)
		c.setStatusLocked(metadata.StatusFailed)
	} else {
		c.logger.Warn("VMM exited")
		c.setStatusLocked(metadata.StatusStopped)
	}
}

func (c *Controller) closeTransportsLocked() {
	if c.listener != nil {
		c.listener.Close()
	}
	if c.bridge != nil {
		c.bridge.Close()
	}
	if c.session != nil {
		c.session.Close()
	}
}

func (c *Controller) stopProcessLocked() {
	if c.proc != nil {
		c.proc.Stop()
	}
}

func (c *Controller) teardownNetworkLocked(ctx context.Context) {
	if c.desc.Network == nil || !c.desc.Network.Enabled || c.desc.Network.TapName == "" {
		return
	}
	if err := c.deps.Net.Teardown(ctx, c.desc.Network); err != nil {
		c.logger.Error("recoverable leak: network teardown failed", "err", err)
		return
	}
	c.desc.Network.TapName = ""
}

func (c *Controller) releaseCIDLocked(ctx context.Context, cid uint32) {
	if err := c.deps.CIDs.Release(ctx, cid); err != nil {
		c.logger.Error("recoverable leak: CID release failed", "cid", cid, "err", err)
	}
}

func (c *Controller) releaseAllocatorsLocked(ctx context.Context) {
	if c.desc.Vsock == nil {
		return
	}
	c.releaseCIDLocked(ctx, c.desc.Vsock.CID)
	if err := c.deps.Ports.Release(ctx, c.desc.Vsock.Port); err != nil {
		c.logger.Error("recoverable leak: port release failed", "port", c.desc.Vsock.Port, "err", err)
	}
	c.desc.Vsock = nil
}

// CopyFile copies src to dst, fsyncing the result. Shared by the
// manager (per-VM rootfs copies) and the snapshot engine.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "open source")
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create destination directory")
	}
	out, err := os.Create(dst)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create destination")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "copy")
	}
	if err := out.Sync(); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "sync destination")
	}
	return nil
}
