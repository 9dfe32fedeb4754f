package image

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bandsox/bandsox/internal/errdefs"
)

func extractTar(root string, stream io.Reader) error {
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errdefs.Wrap(errdefs.KindIoError, err, "read rootfs tar stream")
		}

		targetPath, err := safeJoin(root, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("create directory %q", targetPath))
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("create parent for %q", targetPath))
			}
			f, err := os.OpenFile(targetPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("create file %q", targetPath))
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("write file %q", targetPath))
			}
			if err := f.Close(); err != nil {
				return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("close file %q", targetPath))
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("create parent for symlink %q", targetPath))
			}
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("create symlink %q", targetPath))
			}
		case tar.TypeLink:
			linkTarget, err := safeJoin(root, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("create parent for hard link %q", targetPath))
			}
			if err := os.Link(linkTarget, targetPath); err != nil && !os.IsExist(err) {
				return errdefs.Wrap(errdefs.KindIoError, err, fmt.Sprintf("create hard link %q", targetPath))
			}
		default:
			// Device nodes and the like are skipped; /dev is mounted at boot.
		}
	}
}

func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." {
		return root, nil
	}
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", errdefs.Newf(errdefs.KindInvalidArgument, "refusing tar entry with unsafe path %q", name)
	}
	joined := filepath.Join(root, clean)
	rootPrefix := root + string(filepath.Separator)
	if joined != root && !strings.HasPrefix(joined, rootPrefix) {
		return "", errdefs.Newf(errdefs.KindInvalidArgument, "refusing tar entry outside root %q", name)
	}
	return joined, nil
}
