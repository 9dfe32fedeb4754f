//go:build !linux

package cli

import (
	"github.com/charmbracelet/log"

	"github.com/bandsox/bandsox/internal/network"
)

// Guest networking needs netlink and iptables; off-Linux the VMs run
// without a network device.
func newProvisioner(_ *log.Logger) network.Provisioner {
	return network.Noop{}
}
