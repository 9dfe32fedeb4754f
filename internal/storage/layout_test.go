package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("BANDSOX_STORAGE", "")
	t.Setenv("BANDSOX_VSOCK_ISOLATION_DIR", "")

	l := FromEnv()
	if l.Root != DefaultRoot {
		t.Fatalf("root = %q, want %q", l.Root, DefaultRoot)
	}
	if l.IsolationRoot != DefaultIsolationRoot {
		t.Fatalf("isolation root = %q, want %q", l.IsolationRoot, DefaultIsolationRoot)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BANDSOX_STORAGE", "/srv/bandsox")
	t.Setenv("BANDSOX_VSOCK_ISOLATION_DIR", "/run/bsx-iso")

	l := FromEnv()
	if l.Root != "/srv/bandsox" {
		t.Fatalf("root = %q", l.Root)
	}
	if got, want := l.CIDAllocatorPath(), "/srv/bandsox/cid_allocator.json"; got != want {
		t.Fatalf("cid allocator path = %q, want %q", got, want)
	}
	if got, want := l.IsolationDir("vm1"), "/run/bsx-iso/vm1"; got != want {
		t.Fatalf("isolation dir = %q, want %q", got, want)
	}
}

func TestPathShapes(t *testing.T) {
	t.Parallel()

	l := Layout{Root: "/var/lib/bandsox", VsockDir: "/tmp/bandsox"}
	cases := []struct {
		got, want string
	}{
		{l.VMSocket("abc"), "/var/lib/bandsox/sockets/abc.sock"},
		{l.VMMetadata("abc"), "/var/lib/bandsox/metadata/abc.json"},
		{l.VMRootfs("abc"), "/var/lib/bandsox/images/abc.ext4"},
		{l.SnapshotDescriptor("s1"), "/var/lib/bandsox/snapshots/s1/descriptor.json"},
		{l.SnapshotMem("s1"), "/var/lib/bandsox/snapshots/s1/mem"},
		{l.VsockBase("abc"), "/tmp/bandsox/vsock_abc.sock"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("path = %q, want %q", tc.got, tc.want)
		}
	}
}

func TestEnsureCreatesTree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	l := Layout{
		Root:          filepath.Join(root, "state"),
		VsockDir:      filepath.Join(root, "vsock"),
		IsolationRoot: filepath.Join(root, "iso"),
	}
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	for _, dir := range []string{l.ImagesDir(), l.SnapshotsDir(), l.SocketsDir(), l.MetadataDir(), l.VsockDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("missing directory %s: %v", dir, err)
		}
	}
}
