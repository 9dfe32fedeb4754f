// Package image materializes container images into bootable ext4 rootfs
// files. The OCI builder pulls a registry image, flattens its layers,
// installs the guest init contract, and packs the tree with mkfs.ext4.
package image

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/bandsox/bandsox/internal/errdefs"
)

const (
	minimumRootFSSizeBytes = 256 << 20
	rootFSHeadroomBytes    = 64 << 20
	rootFSAlignBytes       = 4 << 20
)

// Builder turns an image reference and a size hint into an ext4 rootfs
// path. Implementations must produce a filesystem that honours the
// guest init contract: PID 1 launches the agent with /proc, /sys and
// /dev/pts mounted.
type Builder interface {
	Build(ctx context.Context, ref string, sizeHintMiB int64, outputPath string) error
}

// SanitizeRef turns an image reference into a filename-safe base.
func SanitizeRef(ref string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "@", "_")
	return r.Replace(ref)
}

// OCIBuilder pulls images from a registry with the default keychain.
type OCIBuilder struct {
	logger *log.Logger

	// fetch is swappable for tests.
	fetch func(ctx context.Context, ref string) (v1.Image, error)
}

func NewOCIBuilder(logger *log.Logger) *OCIBuilder {
	if logger == nil {
		logger = log.Default()
	}
	b := &OCIBuilder{logger: logger.WithPrefix("image")}
	b.fetch = b.fetchRemote
	return b
}

func (b *OCIBuilder) fetchRemote(ctx context.Context, ref string) (v1.Image, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInvalidArgument, err, fmt.Sprintf("parse image reference %q", ref))
	}
	img, err := remote.Image(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("pull %s", ref))
	}
	return img, nil
}

// Build pulls ref, flattens it into a directory tree, and packs the
// tree into an ext4 file at outputPath.
func (b *OCIBuilder) Build(ctx context.Context, ref string, sizeHintMiB int64, outputPath string) error {
	b.logger.Info("building rootfs", "ref", ref, "output", outputPath)

	img, err := b.fetch(ctx, ref)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "bandsox-rootfs-*")
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create rootfs work directory")
	}
	defer os.RemoveAll(workDir)

	rootDir := filepath.Join(workDir, "rootfs")
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create rootfs extraction directory")
	}
	if err := extractTar(rootDir, mutate.Extract(img)); err != nil {
		return err
	}
	if err := prepareGuestTree(rootDir); err != nil {
		return err
	}

	contentBytes, err := dirSize(rootDir)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "measure extracted rootfs")
	}
	targetSize := imageSize(contentBytes, sizeHintMiB)

	return packExt4(ctx, rootDir, outputPath, targetSize)
}

// prepareGuestTree installs the mount points and init script the guest
// boot contract requires.
func prepareGuestTree(rootDir string) error {
	for _, dir := range []string{"dev", "dev/pts", "proc", "run", "sys", "tmp", "bsx", "usr/local/bin"} {
		if err := os.MkdirAll(filepath.Join(rootDir, dir), 0o755); err != nil {
			return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("prepare rootfs directory %q", dir))
		}
	}
	// PID 1 mounts the pseudo filesystems and hands off to the agent.
	init := `#!/bin/sh
mount -t proc proc /proc
mount -t sysfs sysfs /sys
mount -t devpts devpts /dev/pts 2>/dev/null || true
exec /usr/local/bin/bandsox-guest-agent
`
	if err := os.WriteFile(filepath.Join(rootDir, "init"), []byte(init), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "write init script")
	}
	return nil
}

func packExt4(ctx context.Context, rootDir, outputPath string, targetSize int64) error {
	mkfs, err := exec.LookPath("mkfs.ext4")
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "mkfs.ext4 not found in PATH")
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create images directory")
	}
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "create rootfs file")
	}
	if err := f.Truncate(targetSize); err != nil {
		f.Close()
		return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("truncate rootfs to %d bytes", targetSize))
	}
	if err := f.Close(); err != nil {
		return errdefs.Wrap(errdefs.KindIoError, err, "close rootfs file")
	}

	cmd := exec.CommandContext(ctx, mkfs, "-q", "-F", "-d", rootDir, outputPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(outputPath)
		return errdefs.Newf(errdefs.KindIoError, "mkfs.ext4 %s: %v: %s", outputPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// imageSize picks the ext4 file size: the caller's hint when it fits,
// otherwise content plus headroom, aligned and floored.
func imageSize(contentBytes, sizeHintMiB int64) int64 {
	target := contentBytes + (contentBytes / 2) + rootFSHeadroomBytes
	if hint := sizeHintMiB << 20; hint > target {
		target = hint
	}
	if target < minimumRootFSSizeBytes {
		target = minimumRootFSSizeBytes
	}
	if rem := target % rootFSAlignBytes; rem != 0 {
		target += rootFSAlignBytes - rem
	}
	return target
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
