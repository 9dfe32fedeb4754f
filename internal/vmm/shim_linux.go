//go:build linux

package vmm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// shimCommand is the hidden argv[1] that re-enters this binary as the
// mount shim. The shim runs with an unshared mount namespace (set up by
// the parent via SysProcAttr), makes propagation private, applies the
// bind mounts, removes stale sockets, and execs the VMM in place. The
// VMM therefore sees the snapshot's original UDS path resolving to a
// per-VM directory, so concurrent restores of one snapshot cannot
// collide on a shared socket inode.
const shimCommand = "mount-shim"

func shimSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Unshareflags: unix.CLONE_NEWNS,
	}
}

// IsShimInvocation reports whether argv selects the mount shim.
func IsShimInvocation(args []string) bool {
	return len(args) > 1 && args[1] == shimCommand
}

// ShimMain is the entrypoint for the mount-shim invocation. It never
// returns on success: the process image is replaced by the VMM.
//
// Usage: <self> mount-shim [--bind src:dst]... [--rm path]... -- <vmm> <args>...
func ShimMain(args []string) error {
	var binds [][2]string
	var removals []string
	var vmmArgv []string

	rest := args
	for len(rest) > 0 {
		switch rest[0] {
		case "--bind":
			if len(rest) < 2 {
				return errors.New("mount-shim: --bind requires src:dst")
			}
			src, dst, ok := strings.Cut(rest[1], ":")
			if !ok {
				return fmt.Errorf("mount-shim: malformed bind spec %q", rest[1])
			}
			binds = append(binds, [2]string{src, dst})
			rest = rest[2:]
		case "--rm":
			if len(rest) < 2 {
				return errors.New("mount-shim: --rm requires a path")
			}
			removals = append(removals, rest[1])
			rest = rest[2:]
		case "--":
			vmmArgv = rest[1:]
			rest = nil
		default:
			return fmt.Errorf("mount-shim: unknown argument %q", rest[0])
		}
	}
	if len(vmmArgv) == 0 {
		return errors.New("mount-shim: missing VMM command after --")
	}

	// The parent unshared our mount namespace; stop mount events from
	// propagating back to the host before rearranging anything.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("mount-shim: make / private: %w", err)
	}

	for _, bind := range binds {
		if err := os.MkdirAll(bind[0], 0o755); err != nil {
			return fmt.Errorf("mount-shim: create %s: %w", bind[0], err)
		}
		if err := os.MkdirAll(bind[1], 0o755); err != nil {
			return fmt.Errorf("mount-shim: create %s: %w", bind[1], err)
		}
		if err := unix.Mount(bind[0], bind[1], "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("mount-shim: bind %s over %s: %w", bind[0], bind[1], err)
		}
	}

	for _, path := range removals {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("mount-shim: remove stale socket %s: %w", path, err)
		}
	}

	return unix.Exec(vmmArgv[0], vmmArgv, os.Environ())
}
