package image

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeRef(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ref, want string
	}{
		{"alpine:latest", "alpine_latest"},
		{"ghcr.io/org/tool:v1.2", "ghcr.io_org_tool_v1.2"},
		{"busybox@sha256:abcd", "busybox_sha256_abcd"},
	}
	for _, tc := range cases {
		if got := SanitizeRef(tc.ref); got != tc.want {
			t.Errorf("SanitizeRef(%q) = %q, want %q", tc.ref, got, tc.want)
		}
	}
}

func TestImageSize(t *testing.T) {
	t.Parallel()

	// Tiny content floors at the minimum.
	if got := imageSize(1<<20, 0); got != minimumRootFSSizeBytes {
		t.Fatalf("imageSize(1MiB, 0) = %d, want %d", got, minimumRootFSSizeBytes)
	}
	// A large hint wins over content-derived sizing.
	if got := imageSize(1<<20, 2048); got != 2048<<20 {
		t.Fatalf("imageSize(1MiB, 2048) = %d, want %d", got, int64(2048)<<20)
	}
	// Alignment holds.
	if got := imageSize(700<<20, 0); got%rootFSAlignBytes != 0 {
		t.Fatalf("imageSize not aligned: %d", got)
	}
}

func writeTarEntry(tw *tar.Writer, name string, mode int64, body []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     mode,
		Size:     int64(len(body)),
		Typeflag: tar.TypeReg,
	}); err != nil {
		return err
	}
	_, err := tw.Write(body)
	return err
}

func TestExtractTar(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "etc/", Mode: 0o755, Typeflag: tar.TypeDir}); err != nil {
		t.Fatal(err)
	}
	if err := writeTarEntry(tw, "etc/hostname", 0o644, []byte("sandbox\n")); err != nil {
		t.Fatal(err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     "etc/alias",
		Typeflag: tar.TypeSymlink,
		Linkname: "hostname",
	}); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	root := t.TempDir()
	if err := extractTar(root, &buf); err != nil {
		t.Fatalf("extractTar: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "etc", "hostname"))
	if err != nil || string(data) != "sandbox\n" {
		t.Fatalf("extracted file = %q (%v)", data, err)
	}
	if _, err := os.Lstat(filepath.Join(root, "etc", "alias")); err != nil {
		t.Fatalf("symlink missing: %v", err)
	}
}

func TestExtractTarRejectsTraversal(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writeTarEntry(tw, "../escape", 0o644, []byte("nope")); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	if err := extractTar(t.TempDir(), &buf); err == nil {
		t.Fatal("expected traversal entry to be rejected")
	}
}

func TestPrepareGuestTree(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := prepareGuestTree(root); err != nil {
		t.Fatalf("prepareGuestTree: %v", err)
	}

	for _, dir := range []string{"proc", "sys", "dev/pts", "bsx"} {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil || !info.IsDir() {
			t.Errorf("missing mount point %q: %v", dir, err)
		}
	}

	init, err := os.ReadFile(filepath.Join(root, "init"))
	if err != nil {
		t.Fatalf("init script missing: %v", err)
	}
	if !bytes.Contains(init, []byte("bandsox-guest-agent")) {
		t.Fatalf("init does not hand off to the agent: %s", init)
	}
	info, err := os.Stat(filepath.Join(root, "init"))
	if err != nil || info.Mode()&0o111 == 0 {
		t.Fatalf("init not executable: %v %v", info, err)
	}
}
