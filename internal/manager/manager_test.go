package manager

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/metadata"
	"github.com/bandsox/bandsox/internal/storage"
)

func testLayout(t *testing.T) storage.Layout {
	t.Helper()
	layout := storage.Layout{
		Root:          filepath.Join(t.TempDir(), "state"),
		VsockDir:      filepath.Join(t.TempDir(), "vsock"),
		IsolationRoot: filepath.Join(t.TempDir(), "iso"),
	}
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	return layout
}

func newTestManager(t *testing.T, layout storage.Layout) *Manager {
	t.Helper()
	m, err := New(Options{Layout: layout, KernelPath: "/var/lib/bandsox/vmlinux"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestCreateValidatesArguments(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testLayout(t))

	_, err := m.Create(context.Background(), CreateOptions{})
	if !errors.Is(err, errdefs.ErrInvalidArgument) {
		t.Fatalf("empty image: %v", err)
	}

	_, err = m.Create(context.Background(), CreateOptions{Image: "alpine:latest"})
	if !errors.Is(err, errdefs.ErrInvalidArgument) {
		// No base rootfs and no builder configured.
		t.Fatalf("missing builder: %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testLayout(t))
	_, err := m.Get("no-such-vm")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestGetByName(t *testing.T) {
	t.Parallel()

	layout := testLayout(t)
	store := metadata.NewStore(layout, nil)
	desc := &metadata.VmDescriptor{
		VmID:   "aaaa1111-0000-0000-0000-000000000000",
		Name:   "builder",
		Status: metadata.StatusStopped,
	}
	if err := store.SaveVM(desc); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, layout)
	ctrl, err := m.Get("builder")
	if err != nil {
		t.Fatalf("Get by name: %v", err)
	}
	if ctrl.Desc().VmID != desc.VmID {
		t.Fatalf("resolved wrong VM: %s", ctrl.Desc().VmID)
	}
}

func TestNameUniquenessIncludesStoppedVMs(t *testing.T) {
	t.Parallel()

	layout := testLayout(t)
	store := metadata.NewStore(layout, nil)
	if err := store.SaveVM(&metadata.VmDescriptor{
		VmID:   "bbbb1111-0000-0000-0000-000000000000",
		Name:   "taken",
		Status: metadata.StatusStopped,
	}); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, layout)
	err := m.checkNameFree("taken")
	if !errors.Is(err, errdefs.ErrInvalidArgument) {
		t.Fatalf("expected InvalidArgument for duplicate name, got %v", err)
	}
	if err := m.checkNameFree("free"); err != nil {
		t.Fatalf("unused name rejected: %v", err)
	}
}

func TestRecoverDowngradesDeadVMs(t *testing.T) {
	t.Parallel()

	layout := testLayout(t)
	store := metadata.NewStore(layout, nil)

	// A descriptor from a crashed manager: Running with a dead pid and
	// allocator entries still assigned.
	seedAllocators(t, layout, 5, 9002)
	desc := &metadata.VmDescriptor{
		VmID:   "cccc1111-0000-0000-0000-000000000000",
		Status: metadata.StatusRunning,
		VmmPid: 999999, // certainly dead
		Vsock:  &metadata.VsockConfig{CID: 5, Port: 9002, UDSPath: layout.VsockBase("cccc")},
	}
	if err := store.SaveVM(desc); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, layout)

	got, err := m.store.LoadVM(desc.VmID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != metadata.StatusStopped {
		t.Fatalf("status = %s, want stopped", got.Status)
	}
	if got.VmmPid != 0 || got.Vsock != nil {
		t.Fatalf("descriptor not scrubbed: %+v", got)
	}

	// CID 5 must be back in the free pool.
	ctx := context.Background()
	cid, err := m.cids.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cid != 5 {
		t.Fatalf("recovered CID = %d, want 5", cid)
	}
	port, err := m.ports.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if port == 9002 {
		// The port was released; the cursor scans forward, so 9002 only
		// reappears after a wrap. The important part is the used set is
		// empty, which the allocator file shows.
		t.Log("port 9002 immediately reused")
	}

	// A second manager start must not release again: the free-list
	// still holds exactly what the pools expect.
	m2 := newTestManager(t, layout)
	if _, err := m2.store.LoadVM(desc.VmID); err != nil {
		t.Fatal(err)
	}
	var cidState struct {
		Free []uint32 `json:"free"`
	}
	data, err := os.ReadFile(layout.CIDAllocatorPath())
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &cidState); err != nil {
		t.Fatal(err)
	}
	for _, free := range cidState.Free {
		if free == cid {
			t.Fatalf("CID %d double-released after second recovery", cid)
		}
	}
}

func seedAllocators(t *testing.T, layout storage.Layout, cidNext uint32, portUsed uint16) {
	t.Helper()
	cid := struct {
		Free []uint32 `json:"free"`
		Next uint32   `json:"next"`
	}{Next: cidNext + 1}
	data, err := json.Marshal(cid)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(layout.CIDAllocatorPath(), data, 0o644); err != nil {
		t.Fatal(err)
	}

	port := struct {
		Used []uint16 `json:"used"`
		Next uint16   `json:"next"`
	}{Used: []uint16{portUsed}, Next: portUsed + 1}
	data, err = json.Marshal(port)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(layout.PortAllocatorPath(), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestListDowngradesDeadPids(t *testing.T) {
	t.Parallel()

	layout := testLayout(t)
	m := newTestManager(t, layout)

	// Written after recovery ran, simulating a VMM dying mid-flight.
	desc := &metadata.VmDescriptor{
		VmID:   "dddd1111-0000-0000-0000-000000000000",
		Status: metadata.StatusRunning,
		VmmPid: 999999,
	}
	if err := m.store.SaveVM(desc); err != nil {
		t.Fatal(err)
	}

	vms, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(vms) != 1 {
		t.Fatalf("expected 1 VM, got %d", len(vms))
	}
	if vms[0].Status != metadata.StatusStopped {
		t.Fatalf("status = %s, want stopped", vms[0].Status)
	}
}

func TestRestoreMissingSnapshot(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testLayout(t))
	_, err := m.Restore(context.Background(), "missing-snap", "")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSnapshotRequiresExistingVM(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, testLayout(t))
	_, err := m.Snapshot(context.Background(), "ghost", "s1")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteForwardsStateConflict(t *testing.T) {
	t.Parallel()

	layout := testLayout(t)
	m := newTestManager(t, layout)

	// Written after recovery ran so the manager sees a running VM.
	desc := &metadata.VmDescriptor{
		VmID:      "eeee1111-0000-0000-0000-000000000000",
		Status:    metadata.StatusRunning,
		VmmPid:    os.Getpid(),
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveVM(desc); err != nil {
		t.Fatal(err)
	}

	err := m.Delete(context.Background(), desc.VmID)
	if !errors.Is(err, errdefs.ErrStateConflict) {
		t.Fatalf("expected StateConflict, got %v", err)
	}
}
