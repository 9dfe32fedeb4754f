//go:build linux

package main

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/bandsox/bandsox/internal/wire"
)

func TestWriteInlineFile(t *testing.T) {
	t.Parallel()

	payload := []byte("inline serial payload")
	sum := md5.Sum(payload)
	dest := filepath.Join(t.TempDir(), "nested", "out.txt")

	msg := wire.Upload{
		Type:        wire.TypeUpload,
		ID:          "u1",
		Path:        dest,
		Size:        int64(len(payload)),
		ChecksumMD5: hex.EncodeToString(sum[:]),
		DataB64:     base64.StdEncoding.EncodeToString(payload),
		Mode:        0o600,
	}
	if err := writeInlineFile(msg); err != nil {
		t.Fatalf("writeInlineFile: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("written = %q (%v)", got, err)
	}
	info, err := os.Stat(dest)
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v (%v)", info.Mode(), err)
	}
}

func TestWriteInlineFileChecksumMismatch(t *testing.T) {
	t.Parallel()

	payload := []byte("bytes")
	msg := wire.Upload{
		Path:        filepath.Join(t.TempDir(), "never"),
		Size:        int64(len(payload)),
		ChecksumMD5: "0000000000000000000000000000000",
		DataB64:     base64.StdEncoding.EncodeToString(payload),
	}
	if err := writeInlineFile(msg); err == nil {
		t.Fatal("expected checksum error")
	}
	if _, err := os.Stat(msg.Path); !os.IsNotExist(err) {
		t.Fatal("file created despite checksum mismatch")
	}
}

func TestWriteInlineFileSizeMismatch(t *testing.T) {
	t.Parallel()

	msg := wire.Upload{
		Path:    filepath.Join(t.TempDir(), "never"),
		Size:    99,
		DataB64: base64.StdEncoding.EncodeToString([]byte("short")),
	}
	if err := writeInlineFile(msg); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestTailBufferKeepsTail(t *testing.T) {
	t.Parallel()

	var tb tailBuffer
	tb.Write(bytes.Repeat([]byte("a"), tailLimit))
	tb.Write([]byte("zzz"))

	s := tb.String()
	if len(s) != tailLimit {
		t.Fatalf("tail length = %d, want %d", len(s), tailLimit)
	}
	if s[len(s)-3:] != "zzz" {
		t.Fatal("tail lost the most recent output")
	}
}
