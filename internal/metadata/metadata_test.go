package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/storage"
)

func newTestStore(t *testing.T) (*Store, storage.Layout) {
	t.Helper()
	layout := storage.Layout{
		Root:     t.TempDir(),
		VsockDir: t.TempDir(),
	}
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	return NewStore(layout, nil), layout
}

func TestSaveLoadVMRoundTrip(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	in := &VmDescriptor{
		VmID:       "11111111-2222-3333-4444-555555555555",
		Name:       "builder",
		RootfsPath: "/var/lib/bandsox/images/x.ext4",
		KernelPath: "/var/lib/bandsox/vmlinux",
		VCPU:       2,
		MemMiB:     256,
		Status:     StatusRunning,
		VmmPid:     4242,
		Vsock:      &VsockConfig{CID: 3, Port: 9000, UDSPath: "/tmp/bandsox/vsock_x.sock"},
		Network:    &NetworkConfig{Enabled: true, TapName: "bsx-ab12cd34", IP: "172.16.7.2", Mask: 24, Gateway: "172.16.7.1"},
	}
	if err := store.SaveVM(in); err != nil {
		t.Fatalf("SaveVM: %v", err)
	}

	out, err := store.LoadVM(in.VmID)
	if err != nil {
		t.Fatalf("LoadVM: %v", err)
	}
	if out.Name != in.Name || out.Status != in.Status || out.VmmPid != in.VmmPid {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Vsock == nil || out.Vsock.CID != 3 || out.Vsock.Port != 9000 {
		t.Fatalf("vsock config lost: %+v", out.Vsock)
	}
	if out.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not stamped on save")
	}
}

func TestLoadVMNotFound(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, err := store.LoadVM("missing")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListVMsSkipsCorruptFiles(t *testing.T) {
	t.Parallel()

	store, layout := newTestStore(t)
	good := &VmDescriptor{VmID: "good-vm", Status: StatusStopped}
	if err := store.SaveVM(good); err != nil {
		t.Fatal(err)
	}
	corrupt := filepath.Join(layout.MetadataDir(), "bad.json")
	if err := os.WriteFile(corrupt, []byte(`{"vm_id": "bad", trunc`), 0o644); err != nil {
		t.Fatal(err)
	}

	vms, err := store.ListVMs()
	if err != nil {
		t.Fatalf("ListVMs: %v", err)
	}
	if len(vms) != 1 || vms[0].VmID != "good-vm" {
		t.Fatalf("unexpected list: %+v", vms)
	}
}

func TestListVMsIgnoresMissingOptionals(t *testing.T) {
	t.Parallel()

	store, layout := newTestStore(t)
	// Descriptor written by an older version: no network, no vsock, no
	// timestamps, plus an unknown field.
	raw := `{"vm_id":"legacy","status":"stopped","vcpu":1,"mem_mib":128,"flavor":"tiny"}`
	if err := os.WriteFile(filepath.Join(layout.MetadataDir(), "legacy.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	vms, err := store.ListVMs()
	if err != nil {
		t.Fatalf("ListVMs: %v", err)
	}
	if len(vms) != 1 {
		t.Fatalf("expected 1 VM, got %d", len(vms))
	}
	if vms[0].Network != nil || vms[0].Vsock != nil {
		t.Fatalf("optionals should default to nil: %+v", vms[0])
	}
}

func TestDeleteVMIdempotent(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	d := &VmDescriptor{VmID: "gone", Status: StatusStopped}
	if err := store.SaveVM(d); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteVM("gone"); err != nil {
		t.Fatalf("DeleteVM: %v", err)
	}
	if err := store.DeleteVM("gone"); err != nil {
		t.Fatalf("second DeleteVM: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	store, layout := newTestStore(t)
	in := &SnapshotDescriptor{
		SnapshotID:     "snap-1",
		Name:           "s1",
		SourceVmID:     "vm-1",
		MemFilePath:    layout.SnapshotMem("snap-1"),
		StateFilePath:  layout.SnapshotState("snap-1"),
		RootfsCopyPath: layout.SnapshotRootfs("snap-1"),
		KernelPath:     "/var/lib/bandsox/vmlinux",
		VsockConfig:    &VsockConfig{CID: 7, Port: 9003, UDSPath: "/tmp/bandsox/vsock_vm-1.sock"},
		Resources:      Resources{VCPU: 1, MemMiB: 128},
	}
	if err := store.SaveSnapshot(in); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	out, err := store.LoadSnapshot("snap-1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if out.SourceVmID != "vm-1" || out.VsockConfig == nil || out.VsockConfig.CID != 7 {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	snaps, err := store.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].SnapshotID != "snap-1" {
		t.Fatalf("unexpected snapshot list: %+v", snaps)
	}
}

func TestStatusLive(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status Status
		want   bool
	}{
		{StatusRunning, true},
		{StatusPaused, true},
		{StatusBooting, true},
		{StatusStopped, false},
		{StatusFailed, false},
		{StatusCreated, false},
	}
	for _, tc := range cases {
		if got := tc.status.Live(); got != tc.want {
			t.Errorf("%s.Live() = %v, want %v", tc.status, got, tc.want)
		}
	}
}
