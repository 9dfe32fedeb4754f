package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bandsox/bandsox/internal/errdefs"
	"github.com/bandsox/bandsox/internal/metadata"
	"github.com/bandsox/bandsox/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, storage.Layout, *metadata.Store) {
	t.Helper()
	layout := storage.Layout{
		Root:          filepath.Join(t.TempDir(), "state"),
		VsockDir:      filepath.Join(t.TempDir(), "vsock"),
		IsolationRoot: filepath.Join(t.TempDir(), "iso"),
	}
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	store := metadata.NewStore(layout, nil)
	return NewEngine(store, layout, nil), layout, store
}

func TestDeleteSnapshotRemovesDirectory(t *testing.T) {
	t.Parallel()

	e, layout, store := newTestEngine(t)
	snap := &metadata.SnapshotDescriptor{
		SnapshotID:     "snap-del",
		SourceVmID:     "vm-1",
		MemFilePath:    layout.SnapshotMem("snap-del"),
		StateFilePath:  layout.SnapshotState("snap-del"),
		RootfsCopyPath: layout.SnapshotRootfs("snap-del"),
	}
	if err := store.SaveSnapshot(snap); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(snap.MemFilePath, []byte("mem"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := e.Delete("snap-del"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(layout.SnapshotDir("snap-del")); !os.IsNotExist(err) {
		t.Fatal("snapshot directory survived delete")
	}
}

func TestDeleteMissingSnapshot(t *testing.T) {
	t.Parallel()

	e, _, _ := newTestEngine(t)
	err := e.Delete("missing")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteNeverTouchesDescendantVMs(t *testing.T) {
	t.Parallel()

	e, layout, store := newTestEngine(t)

	snap := &metadata.SnapshotDescriptor{
		SnapshotID:     "snap-parent",
		SourceVmID:     "vm-src",
		RootfsCopyPath: layout.SnapshotRootfs("snap-parent"),
	}
	if err := store.SaveSnapshot(snap); err != nil {
		t.Fatal(err)
	}

	// A VM restored from the snapshot owns an independent rootfs copy.
	descendant := &metadata.VmDescriptor{
		VmID:             "vm-child",
		RootfsPath:       layout.VMRootfs("vm-child"),
		Status:           metadata.StatusStopped,
		SourceSnapshotID: "snap-parent",
	}
	if err := os.WriteFile(descendant.RootfsPath, []byte("child rootfs"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveVM(descendant); err != nil {
		t.Fatal(err)
	}

	if err := e.Delete("snap-parent"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := os.Stat(descendant.RootfsPath); err != nil {
		t.Fatalf("descendant rootfs touched by snapshot delete: %v", err)
	}
	if _, err := store.LoadVM("vm-child"); err != nil {
		t.Fatalf("descendant descriptor touched by snapshot delete: %v", err)
	}
}
