//go:build !linux

package vmm

import (
	"errors"
	"syscall"
)

const shimCommand = "mount-shim"

func shimSysProcAttr() *syscall.SysProcAttr {
	return nil
}

func IsShimInvocation(args []string) bool {
	return len(args) > 1 && args[1] == shimCommand
}

// Mount namespaces are Linux-only. Restores that need UDS path isolation
// must rewrite the saved snapshot state instead on other platforms.
func ShimMain([]string) error {
	return errors.New("mount-shim requires linux mount namespaces")
}
