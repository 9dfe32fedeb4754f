// Package network provisions host-side networking for microVMs: a TAP
// device per VM, a /24 derived from the VM id, and NAT towards the
// default route interface. Provision runs before the VMM boots; Teardown
// runs on delete.
package network

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/bandsox/bandsox/internal/metadata"
)

const (
	// TAP devices: bsx- plus 8 hex chars from the VM id, inside the
	// 15-char IFNAMSIZ limit.
	tapPrefix = "bsx-"

	// MAC prefix: locally administered, Firecracker hint.
	macPrefix = "AA:FC:00"

	subnetMaskBits = 24
)

// Provisioner sets up and tears down the host side of a VM's network.
type Provisioner interface {
	Provision(ctx context.Context, vmID string) (*metadata.NetworkConfig, error)
	Teardown(ctx context.Context, cfg *metadata.NetworkConfig) error
}

// TapName derives the TAP device name from the VM id.
func TapName(vmID string) string {
	clean := make([]byte, 0, 8)
	for i := 0; i < len(vmID) && len(clean) < 8; i++ {
		c := vmID[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			clean = append(clean, c)
		}
	}
	if len(clean) < 8 {
		sum := sha256.Sum256([]byte(vmID))
		return fmt.Sprintf("%s%x", tapPrefix, sum[:4])
	}
	return tapPrefix + string(clean)
}

// MacAddress derives a stable MAC from the VM id.
func MacAddress(vmID string) string {
	sum := sha256.Sum256([]byte(vmID))
	return fmt.Sprintf("%s:%02X:%02X:%02X", macPrefix, sum[0], sum[1], sum[2])
}

// Subnet derives the per-VM /24 inside 172.16.0.0/16 from the VM id.
// Returns (host/gateway IP, guest IP).
func Subnet(vmID string) (hostIP, guestIP string) {
	sum := sha256.Sum256([]byte(vmID))
	idx := sum[3]
	return fmt.Sprintf("172.16.%d.1", idx), fmt.Sprintf("172.16.%d.2", idx)
}

// Config assembles the descriptor-level network config for a VM without
// touching the host. The linux provisioner materializes it.
func Config(vmID string) *metadata.NetworkConfig {
	hostIP, guestIP := Subnet(vmID)
	return &metadata.NetworkConfig{
		Enabled: true,
		TapName: TapName(vmID),
		MAC:     MacAddress(vmID),
		IP:      guestIP,
		Mask:    subnetMaskBits,
		Gateway: hostIP,
	}
}

// Noop is the provisioner for VMs created with networking disabled.
type Noop struct{}

func (Noop) Provision(_ context.Context, _ string) (*metadata.NetworkConfig, error) {
	return nil, nil
}

func (Noop) Teardown(_ context.Context, _ *metadata.NetworkConfig) error { return nil }

var _ Provisioner = Noop{}

// BootArgs renders the kernel ip= clause for static guest addressing:
// ip=<client>::<gateway>:<netmask>:<hostname>:<device>:<autoconf>.
func BootArgs(cfg *metadata.NetworkConfig) string {
	if cfg == nil || !cfg.Enabled {
		return ""
	}
	return fmt.Sprintf("ip=%s::%s:255.255.255.0::eth0:off", cfg.IP, cfg.Gateway)
}
